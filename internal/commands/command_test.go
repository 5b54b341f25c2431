package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
		check   func(t *testing.T, c *Command)
	}{
		{
			name: "issue fills prescription id from payload",
			raw:  `{"id":"c1","type":"issue","issue":{"prescriptionId":"rx1","dosagePerDose":"2.5","dosesPerDay":3,"quantityDispensed":30}}`,
			check: func(t *testing.T, c *Command) {
				assert.Equal(t, "rx1", c.PrescriptionID)
				assert.Equal(t, "2.5", c.Issue.DosagePerDose.String())
			},
		},
		{
			name: "issue fills payload id from command",
			raw:  `{"type":"issue","prescriptionId":"rx2","issue":{"dosesPerDay":1}}`,
			check: func(t *testing.T, c *Command) {
				assert.Equal(t, "rx2", c.Issue.ID)
			},
		},
		{name: "dispense", raw: `{"type":"dispense","prescriptionId":"rx1","pharmacistId":"ph1"}`},
		{name: "issue without payload", raw: `{"type":"issue","prescriptionId":"rx1"}`, wantErr: "no issue payload"},
		{name: "conflicting ids", raw: `{"type":"issue","prescriptionId":"rx1","issue":{"prescriptionId":"rx2"}}`, wantErr: "names"},
		{name: "unknown type", raw: `{"type":"refill"}`, wantErr: "unknown command type"},
		{name: "not json", raw: `{`, wantErr: "decode command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := Decode([]byte(tt.raw))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cmd)
			}
		})
	}
}

func TestCommandKey(t *testing.T) {
	withID := &Command{ID: "c1", Type: TypeDelete, PrescriptionID: "rx1"}
	assert.Equal(t, "c1", withID.Key())

	a := &Command{Type: TypeDispense, PrescriptionID: "rx1", PharmacistID: "ph1"}
	b := &Command{Type: TypeDispense, PrescriptionID: "rx1", PharmacistID: "ph1"}
	c := &Command{Type: TypeDispense, PrescriptionID: "rx1", PharmacistID: "ph2"}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}
