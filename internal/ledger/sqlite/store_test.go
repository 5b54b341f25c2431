package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umodzi/rxledger/internal/ledger"
	"github.com/umodzi/rxledger/internal/ledger/ledgertest"
)

func TestStoreSuite(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		s, err := Open(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestStoreFileSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "rx1", []byte("issued")))
	require.NoError(t, s.Put(ctx, "rx1", []byte("dispensed")))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	current, found, err := s.Get(ctx, "rx1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("dispensed"), current)

	versions, err := ledger.Collect(s.History(ctx, "rx1"))
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestHistorySpansPages(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	total := historyPage*2 + 7
	for i := 0; i < total; i++ {
		require.NoError(t, s.Put(ctx, "rx1", []byte{byte(i)}))
	}

	versions, err := ledger.Collect(s.History(ctx, "rx1"))
	require.NoError(t, err)
	require.Len(t, versions, total)
	for i, v := range versions {
		assert.Equal(t, uint64(i+1), v.Sequence)
	}
}

func TestStoreUsesClock(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 14, 8, 0, 0, 123, time.UTC)
	s, err := Open(ctx, ":memory:", WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Put(ctx, "rx1", []byte("v")))
	versions, err := ledger.Collect(s.History(ctx, "rx1"))
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.True(t, versions[0].Timestamp.Equal(at))
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestPutBeginFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("disk I/O error"))

	err := s.Put(context.Background(), "rx1", []byte("v"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrStorage))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutRollsBackOnHistoryFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(sequence), 0) + 1 FROM ledger_history")).
		WithArgs("rx1").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(3))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_history")).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	err := s.Put(context.Background(), "rx1", []byte("v"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrStorage))
	assert.Contains(t, err.Error(), "insert history")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSwapConflictRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM ledger_current WHERE key = ?")).
		WithArgs("rx1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("dispensed")))
	mock.ExpectRollback()

	err := s.CompareAndSwap(context.Background(), "rx1", []byte("issued"), []byte("dispensed again"))
	require.ErrorIs(t, err, ledger.ErrConflict)
	assert.False(t, errors.Is(err, ledger.ErrStorage))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutRollsBackOnCurrentFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(sequence), 0) + 1")).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_history")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_current")).
		WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	err := s.Put(context.Background(), "rx1", []byte("v"))
	assert.True(t, errors.Is(err, ledger.ErrStorage))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAndHistoryFailures(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM ledger_current")).
		WillReturnError(errors.New("no such table: ledger_current"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger_history")).
		WillReturnError(errors.New("no such table: ledger_history"))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM ledger_current")).
		WillReturnError(errors.New("readonly database"))

	ctx := context.Background()
	_, found, err := s.Get(ctx, "rx1")
	assert.False(t, found)
	assert.True(t, errors.Is(err, ledger.ErrStorage))

	_, err = ledger.Collect(s.History(ctx, "rx1"))
	assert.True(t, errors.Is(err, ledger.ErrStorage))

	assert.True(t, errors.Is(s.Delete(ctx, "rx1"), ledger.ErrStorage))
	require.NoError(t, mock.ExpectationsWereMet())
}
