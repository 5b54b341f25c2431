// Package commands applies ledger commands consumed from the broker to the prescription
// service, at most once per command.
package commands

import (
	"encoding/json"
	"fmt"

	"github.com/umodzi/rxledger/internal/domain/prescription"
	"github.com/umodzi/rxledger/pkg/idempotency"
)

// Type names a ledger command.
type Type string

const (
	TypeIssue    Type = "issue"
	TypeDispense Type = "dispense"
	TypeDelete   Type = "delete"
)

// Command is the JSON message carried on the commands topic.
type Command struct {
	ID             string                     `json:"id,omitempty"`
	Type           Type                       `json:"type"`
	PrescriptionID string                     `json:"prescriptionId"`
	Issue          *prescription.IssueRequest `json:"issue,omitempty"`
	PharmacistID   string                     `json:"pharmacistId,omitempty"`
}

// Decode parses and checks the shape of a command. Field-level validation is left to the
// service so its errors keep their kinds.
func Decode(raw []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	switch cmd.Type {
	case TypeIssue:
		if cmd.Issue == nil {
			return nil, fmt.Errorf("issue command %q has no issue payload", cmd.ID)
		}
		if cmd.PrescriptionID == "" {
			cmd.PrescriptionID = cmd.Issue.ID
		}
		if cmd.Issue.ID == "" {
			cmd.Issue.ID = cmd.PrescriptionID
		}
		if cmd.Issue.ID != cmd.PrescriptionID {
			return nil, fmt.Errorf("issue command %q names %q and %q", cmd.ID, cmd.PrescriptionID, cmd.Issue.ID)
		}
	case TypeDispense, TypeDelete:
	default:
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}
	return &cmd, nil
}

// Key is the idempotency key: the command id, or a hash of the command for producers that
// send none.
func (c *Command) Key() string {
	if c.ID != "" {
		return c.ID
	}
	issue := ""
	if c.Issue != nil {
		raw, _ := json.Marshal(c.Issue)
		issue = string(raw)
	}
	return idempotency.GenerateKey(string(c.Type), c.PrescriptionID, c.PharmacistID, issue)
}
