// Package chaincode exposes the prescription ledger as Hyperledger Fabric chaincode. Each
// invocation runs the prescription service over the invocation's world state, with the
// transaction timestamp as its clock so every endorser computes the same record.
package chaincode

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/hyperledger/fabric-chaincode-go/v2/shim"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/domain/prescription"
	"github.com/umodzi/rxledger/internal/ledger/fabric"
)

// Contract function names.
const (
	FnIssuePrescription  = "issuePrescription"
	FnDispenseMedication = "dispenseMedication"
	FnQueryPrescription  = "queryPrescription"
	FnQueryHistory       = "queryHistory"
	FnDeletePrescription = "deletePrescription"
)

// Chaincode implements shim.Chaincode.
type Chaincode struct {
	logger *zap.Logger
}

var _ shim.Chaincode = (*Chaincode)(nil)

// New creates the chaincode.
func New(logger *zap.Logger) *Chaincode {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chaincode{logger: logger}
}

// Init has nothing to set up; prescriptions are created by issuePrescription.
func (cc *Chaincode) Init(shim.ChaincodeStubInterface) *peer.Response {
	return shim.Success(nil)
}

// Invoke dispatches on the function name.
func (cc *Chaincode) Invoke(stub shim.ChaincodeStubInterface) (res *peer.Response) {
	txID := stub.GetTxID()
	fn, params := stub.GetFunctionAndParameters()

	defer func() {
		if r := recover(); r != nil {
			cc.logger.Error("invoke panicked",
				zap.String("tx_id", txID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res = shim.Error(fmt.Sprintf("failed responding [%v]", r))
			return
		}
		if res.GetStatus() != shim.OK {
			cc.logger.Info("invoke rejected",
				zap.String("tx_id", txID),
				zap.String("function", fn),
				zap.String("message", res.GetMessage()))
		}
	}()

	ts, err := stub.GetTxTimestamp()
	if err != nil {
		return shim.Error(fmt.Sprintf("read transaction timestamp: %s", err))
	}
	txTime := ts.AsTime().UTC()

	svc := prescription.NewService(fabric.New(stub), cc.logger.With(zap.String("tx_id", txID)),
		prescription.WithClock(func() time.Time { return txTime }))
	ctx := context.Background()

	switch fn {
	case FnIssuePrescription:
		return cc.issue(ctx, svc, params)
	case FnDispenseMedication:
		if len(params) != 2 {
			return arity(fn, 2, params)
		}
		return respond(svc.DispenseMedication(ctx, params[0], params[1]))
	case FnQueryPrescription:
		if len(params) != 1 {
			return arity(fn, 1, params)
		}
		return respond(svc.QueryPrescription(ctx, params[0]))
	case FnQueryHistory:
		if len(params) != 1 {
			return arity(fn, 1, params)
		}
		return cc.history(ctx, svc, params[0])
	case FnDeletePrescription:
		if len(params) != 1 {
			return arity(fn, 1, params)
		}
		if err := svc.DeletePrescription(ctx, params[0]); err != nil {
			return shim.Error(err.Error())
		}
		return shim.Success(nil)
	default:
		return shim.Error(fmt.Sprintf("unknown function %q", fn))
	}
}

// issue takes prescriptionId, doctorId, patientId, medication, dosagePerDose, dosesPerDay,
// quantityDispensed.
func (cc *Chaincode) issue(ctx context.Context, svc *prescription.Service, params []string) *peer.Response {
	if len(params) != 7 {
		return arity(FnIssuePrescription, 7, params)
	}
	dosage, err := prescription.NewQuantity(params[4])
	if err != nil {
		return shim.Error(fmt.Sprintf("invalid dosagePerDose: %s", err))
	}
	dosesPerDay, err := strconv.Atoi(params[5])
	if err != nil {
		return shim.Error(fmt.Sprintf("invalid dosesPerDay %q: must be an integer", params[5]))
	}
	quantity, err := prescription.NewQuantity(params[6])
	if err != nil {
		return shim.Error(fmt.Sprintf("invalid quantityDispensed: %s", err))
	}

	return respond(svc.IssuePrescription(ctx, prescription.IssueRequest{
		ID:                params[0],
		DoctorID:          params[1],
		PatientID:         params[2],
		Medication:        params[3],
		DosagePerDose:     dosage,
		DosesPerDay:       dosesPerDay,
		QuantityDispensed: quantity,
	}))
}

// history returns the JSON array of every version's record, oldest first.
func (cc *Chaincode) history(ctx context.Context, svc *prescription.Service, id string) *peer.Response {
	records := make([]*prescription.Record, 0)
	for entry, err := range svc.QueryHistory(ctx, id) {
		if err != nil {
			return shim.Error(err.Error())
		}
		records = append(records, entry.Record)
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return shim.Error(fmt.Sprintf("encode history: %s", err))
	}
	return shim.Success(payload)
}

func respond(rec *prescription.Record, err error) *peer.Response {
	if err != nil {
		return shim.Error(err.Error())
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return shim.Error(fmt.Sprintf("encode prescription: %s", err))
	}
	return shim.Success(payload)
}

func arity(fn string, want int, params []string) *peer.Response {
	return shim.Error(fmt.Sprintf("%s expects %d arguments, got %d", fn, want, len(params)))
}
