package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxPostgres(t *testing.T) {
	url := os.Getenv("RXLEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RXLEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	cfg := DefaultInboxConfig()
	cfg.Terminal = func(err error) bool { return errors.Is(err, errTerminal) }
	inbox := NewInbox(pool, cfg, nil)
	require.NoError(t, inbox.Migrate(ctx))
	_, err = pool.Exec(ctx, "TRUNCATE inbox")
	require.NoError(t, err)

	calls := 0
	ok := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"status":"issued"}`), nil
	}

	res, err := inbox.Process(ctx, "cmd-1", "issue", json.RawMessage(`{}`), ok)
	require.NoError(t, err)
	assert.True(t, res.IsNew)

	res, err = inbox.Process(ctx, "cmd-1", "issue", json.RawMessage(`{}`), ok)
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.JSONEq(t, `{"status":"issued"}`, string(res.Result))
	assert.Equal(t, 1, calls)

	fail := func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, errTerminal }
	_, err = inbox.Process(ctx, "cmd-2", "issue", json.RawMessage(`{}`), fail)
	require.ErrorIs(t, err, errTerminal)
	_, err = inbox.Process(ctx, "cmd-2", "issue", json.RawMessage(`{}`), fail)
	require.ErrorIs(t, err, ErrPreviouslyFailed)

	stats, err := inbox.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalEntries)
	assert.EqualValues(t, 1, stats.Finished)
	assert.EqualValues(t, 1, stats.Failed)
}
