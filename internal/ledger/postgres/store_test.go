package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/umodzi/rxledger/internal/ledger"
	"github.com/umodzi/rxledger/internal/ledger/ledgertest"
)

func TestStore(t *testing.T) {
	url := os.Getenv("RXLEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RXLEDGER_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := New(pool, nil)
	require.NoError(t, store.Migrate(ctx))

	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		_, err := pool.Exec(ctx, "TRUNCATE ledger_current, ledger_history")
		require.NoError(t, err)
		return store
	})
}
