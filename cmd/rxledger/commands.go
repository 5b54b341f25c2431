package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/umodzi/rxledger/internal/bootstrap"
	"github.com/umodzi/rxledger/internal/domain/prescription"
	"github.com/umodzi/rxledger/internal/infrastructure/postgres"
	"github.com/umodzi/rxledger/internal/infrastructure/redpanda"
	pgstore "github.com/umodzi/rxledger/internal/ledger/postgres"
	"github.com/umodzi/rxledger/pkg/idempotency"
)

func (a *app) issueCmd() *cobra.Command {
	var (
		req         prescription.IssueRequest
		dosage, qty string
	)
	cmd := &cobra.Command{
		Use:   "issue <prescription-id>",
		Short: "Issue a new prescription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ID = args[0]
			var err error
			if req.DosagePerDose, err = prescription.NewQuantity(dosage); err != nil {
				return fmt.Errorf("--dosage: %w", err)
			}
			if req.QuantityDispensed, err = prescription.NewQuantity(qty); err != nil {
				return fmt.Errorf("--quantity: %w", err)
			}
			return a.withLedger(cmd.Context(), func(l *bootstrap.Ledger) error {
				rec, err := l.Service.IssuePrescription(cmd.Context(), req)
				if err != nil {
					return err
				}
				return a.print(rec)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.DoctorID, "doctor", "", "prescribing doctor id")
	f.StringVar(&req.PatientID, "patient", "", "patient id")
	f.StringVar(&req.Medication, "medication", "", "medication name")
	f.StringVar(&dosage, "dosage", "", "dosage per dose")
	f.IntVar(&req.DosesPerDay, "doses-per-day", 0, "doses per day")
	f.StringVar(&qty, "quantity", "", "quantity to dispense")
	for _, name := range []string{"doctor", "patient", "medication", "dosage", "doses-per-day", "quantity"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (a *app) dispenseCmd() *cobra.Command {
	var pharmacist string
	cmd := &cobra.Command{
		Use:   "dispense <prescription-id>",
		Short: "Dispense an issued prescription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd.Context(), func(l *bootstrap.Ledger) error {
				rec, err := l.Service.DispenseMedication(cmd.Context(), args[0], pharmacist)
				if err != nil {
					return err
				}
				return a.print(rec)
			})
		},
	}
	cmd.Flags().StringVar(&pharmacist, "pharmacist", "", "dispensing pharmacist id")
	_ = cmd.MarkFlagRequired("pharmacist")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <prescription-id>",
		Short: "Show the current version of a prescription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd.Context(), func(l *bootstrap.Ledger) error {
				rec, err := l.Service.QueryPrescription(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.print(rec)
			})
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <prescription-id>",
		Short: "Show every version of a prescription, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd.Context(), func(l *bootstrap.Ledger) error {
				entries, err := l.Service.CollectHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.print(entries)
			})
		},
	}
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <prescription-id>",
		Short: "Delete the current version of a prescription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd.Context(), func(l *bootstrap.Ledger) error {
				if err := l.Service.DeletePrescription(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(a.out, "deleted %s\n", args[0])
				return err
			})
		},
	}
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger, outbox and inbox tables in PostgreSQL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if a.cfg.Store.PostgresURL == "" {
				return fmt.Errorf("store.postgres_url is not set")
			}
			pool, err := pgstore.Connect(ctx, a.cfg.Store.PostgresURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := pgstore.New(pool, a.logger).Migrate(ctx); err != nil {
				return err
			}
			if err := postgres.MigrateOutbox(ctx, pool); err != nil {
				return err
			}
			if err := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), a.logger).Migrate(ctx); err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, "schema up to date")
			return err
		},
	}
}

func (a *app) topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the ledger's Kafka topics",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create the events, commands and dead letter topics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				admin, err := redpanda.NewAdmin(a.cfg.Kafka.Brokers, a.logger)
				if err != nil {
					return err
				}
				defer admin.Close()
				return admin.CreateTopics(cmd.Context(),
					redpanda.DefaultTopicConfigs(a.cfg.Kafka.EventsTopic, a.cfg.Kafka.CommandsTopic))
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List topics on the cluster",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				admin, err := redpanda.NewAdmin(a.cfg.Kafka.Brokers, a.logger)
				if err != nil {
					return err
				}
				defer admin.Close()
				topics, err := admin.ListTopics(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(topics)
			},
		},
		&cobra.Command{
			Use:   "lag",
			Short: "Show the command consumer group's lag per partition",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				admin, err := redpanda.NewAdmin(a.cfg.Kafka.Brokers, a.logger)
				if err != nil {
					return err
				}
				defer admin.Close()
				lag, err := admin.GetConsumerGroupLag(cmd.Context(), a.cfg.Kafka.GroupID)
				if err != nil {
					return err
				}
				return a.print(lag)
			},
		},
	)
	return cmd
}
