package chaincode

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hyperledger/fabric-chaincode-go/v2/shim"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/umodzi/rxledger/internal/ledger/fabric/fabrictest"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	cc   *Chaincode
	stub *fabrictest.Stub
	tx   int
}

func newHarness(t *testing.T) *harness {
	return &harness{cc: New(zaptest.NewLogger(t)), stub: fabrictest.NewStub(t0)}
}

// invoke runs fn as a new transaction one hour after the previous one.
func (h *harness) invoke(fn string, params ...string) *peer.Response {
	h.tx++
	h.stub.SetTx("tx"+string(rune('0'+h.tx)), t0.Add(time.Duration(h.tx)*time.Hour))
	h.stub.SetArgs(fn, params...)
	return h.cc.Invoke(h.stub)
}

func (h *harness) issueRX1() *peer.Response {
	return h.invoke(FnIssuePrescription, "rx1", "doc1", "pat1", "Amoxicillin", "500", "2", "20")
}

func decode(t *testing.T, res *peer.Response) map[string]any {
	t.Helper()
	require.EqualValues(t, shim.OK, res.GetStatus(), res.GetMessage())
	var out map[string]any
	require.NoError(t, json.Unmarshal(res.GetPayload(), &out))
	return out
}

func TestInit(t *testing.T) {
	h := newHarness(t)
	assert.EqualValues(t, shim.OK, h.cc.Init(h.stub).GetStatus())
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t)

	issued := decode(t, h.issueRX1())
	assert.Equal(t, "issued", issued["status"])
	assert.Equal(t, "2024-03-01T10:00:00Z", issued["issuedDate"])
	assert.EqualValues(t, 500, issued["dosagePerDose"])

	dispensed := decode(t, h.invoke(FnDispenseMedication, "rx1", "ph1"))
	assert.Equal(t, "dispensed", dispensed["status"])
	assert.Equal(t, "ph1", dispensed["dispensingPharmacist"])
	assert.Equal(t, "2024-03-01T11:00:00Z", dispensed["dispensedDate"])

	current := decode(t, h.invoke(FnQueryPrescription, "rx1"))
	assert.Equal(t, dispensed, current)

	res := h.invoke(FnQueryHistory, "rx1")
	require.EqualValues(t, shim.OK, res.GetStatus(), res.GetMessage())
	var history []map[string]any
	require.NoError(t, json.Unmarshal(res.GetPayload(), &history))
	require.Len(t, history, 2)
	assert.Equal(t, "issued", history[0]["status"])
	assert.Equal(t, "dispensed", history[1]["status"])
}

func TestHistoryOrderSurvivesClockSkew(t *testing.T) {
	h := newHarness(t)

	h.stub.SetTx("issue", t0.Add(2*time.Minute))
	h.stub.SetArgs(FnIssuePrescription, "rx1", "doc1", "pat1", "Amoxicillin", "500", "2", "20")
	decode(t, h.cc.Invoke(h.stub))

	h.stub.SetTx("dispense", t0)
	h.stub.SetArgs(FnDispenseMedication, "rx1", "ph1")
	dispensed := decode(t, h.cc.Invoke(h.stub))
	assert.Equal(t, "2024-03-01T09:02:00Z", dispensed["dispensedDate"])

	h.stub.SetArgs(FnQueryHistory, "rx1")
	res := h.cc.Invoke(h.stub)
	require.EqualValues(t, shim.OK, res.GetStatus(), res.GetMessage())
	var history []map[string]any
	require.NoError(t, json.Unmarshal(res.GetPayload(), &history))
	require.Len(t, history, 2)
	assert.Equal(t, "issued", history[0]["status"])
	assert.Equal(t, "dispensed", history[1]["status"])
}

func TestDeleteKeepsHistory(t *testing.T) {
	h := newHarness(t)
	decode(t, h.issueRX1())

	res := h.invoke(FnDeletePrescription, "rx1")
	require.EqualValues(t, shim.OK, res.GetStatus(), res.GetMessage())

	res = h.invoke(FnQueryPrescription, "rx1")
	assert.EqualValues(t, shim.ERROR, res.GetStatus())
	assert.Contains(t, res.GetMessage(), "does not exist")

	res = h.invoke(FnQueryHistory, "rx1")
	var history []json.RawMessage
	require.NoError(t, json.Unmarshal(res.GetPayload(), &history))
	assert.Len(t, history, 1)

	res = h.invoke(FnDeletePrescription, "rx1")
	assert.EqualValues(t, shim.ERROR, res.GetStatus())
}

func TestQueryHistoryUnknownIsEmpty(t *testing.T) {
	h := newHarness(t)
	res := h.invoke(FnQueryHistory, "never")
	require.EqualValues(t, shim.OK, res.GetStatus())
	assert.JSONEq(t, `[]`, string(res.GetPayload()))
}

func TestRejections(t *testing.T) {
	h := newHarness(t)
	decode(t, h.issueRX1())
	decode(t, h.invoke(FnDispenseMedication, "rx1", "ph1"))

	tests := []struct {
		name    string
		fn      string
		params  []string
		message string
	}{
		{"dispense twice", FnDispenseMedication, []string{"rx1", "ph2"}, "already been dispensed"},
		{"dispense missing", FnDispenseMedication, []string{"rx9", "ph2"}, "does not exist"},
		{"reissue", FnIssuePrescription, []string{"rx1", "d", "p", "m", "1", "1", "1"}, "already exists"},
		{"zero quantity", FnIssuePrescription, []string{"rx2", "d", "p", "m", "1", "1", "0"}, "quantityDispensed"},
		{"bad dosage", FnIssuePrescription, []string{"rx2", "d", "p", "m", "lots", "1", "1"}, "invalid dosagePerDose"},
		{"fractional doses per day", FnIssuePrescription, []string{"rx2", "d", "p", "m", "1", "1.5", "1"}, "invalid dosesPerDay"},
		{"issue arity", FnIssuePrescription, []string{"rx2"}, "expects 7 arguments, got 1"},
		{"query arity", FnQueryPrescription, nil, "expects 1 arguments, got 0"},
		{"unknown", "transferPrescription", nil, "unknown function"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.invoke(tt.fn, tt.params...)
			assert.EqualValues(t, shim.ERROR, res.GetStatus())
			assert.Contains(t, res.GetMessage(), tt.message)
		})
	}
}

func TestStorageFailure(t *testing.T) {
	h := newHarness(t)
	h.stub.GetErr = errors.New("peer unavailable")

	res := h.issueRX1()
	assert.EqualValues(t, shim.ERROR, res.GetStatus())
	assert.Contains(t, res.GetMessage(), "peer unavailable")
}
