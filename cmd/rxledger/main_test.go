package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--backend", "sqlite", "--sqlite-path", db, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCLILifecycle(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")

	_, err := execute(t, db, "issue", "rx-1",
		"--doctor", "dr-1", "--patient", "pt-1", "--medication", "amoxicillin",
		"--dosage", "2.5", "--doses-per-day", "3", "--quantity", "30")
	require.NoError(t, err)

	_, err = execute(t, db, "dispense", "rx-1", "--pharmacist", "ph-1")
	require.NoError(t, err)

	out, err := execute(t, db, "get", "rx-1")
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "ph-1", rec["dispensingPharmacist"])

	out, err = execute(t, db, "history", "rx-1")
	require.NoError(t, err)
	var history []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	assert.Len(t, history, 2)

	out, err = execute(t, db, "delete", "rx-1")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted rx-1")

	_, err = execute(t, db, "get", "rx-1")
	assert.Error(t, err)
}

func TestCLIRejectsInvalidQuantity(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")
	_, err := execute(t, db, "issue", "rx-1",
		"--doctor", "dr-1", "--patient", "pt-1", "--medication", "m",
		"--dosage", "lots", "--doses-per-day", "3", "--quantity", "30")
	assert.ErrorContains(t, err, "--dosage")
}

func TestMigrateRequiresPostgres(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")
	_, err := execute(t, db, "migrate")
	assert.ErrorContains(t, err, "postgres_url")
}
