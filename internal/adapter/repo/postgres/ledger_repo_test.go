package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/storyvoice/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/storyvoice/internal/domain"
)

func lotRows(rows ...[]any) *pgxmock.Rows {
	r := pgxmock.NewRows([]string{
		"id", "user_id", "source", "amount_granted", "amount_remaining", "expires_at", "created_at",
	})
	for _, row := range rows {
		r.AddRow(row...)
	}
	return r
}

func expectLockUser(m pgxmock.PgxPoolIface, userID string) {
	m.ExpectQuery("SELECT id FROM users WHERE id=").WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(userID))
}

func TestLedgerGrantRejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	repo := postgres.NewLedgerRepo(m)
	_, err = repo.Grant(context.Background(), "u1", 0, domain.SourceFree, "signup", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestLedgerGrant(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectBegin()
	expectLockUser(m, "u1")
	m.ExpectQuery("INSERT INTO credit_lots").
		WithArgs("u1", domain.SourceFree, 5, (*time.Time)(nil), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	m.ExpectQuery("INSERT INTO credit_transactions").
		WithArgs("u1", 5, domain.TxCredit, "signup grant", domain.TxApplied,
			(*string)(nil), (*string)(nil), []byte("{}"), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(10)))
	m.ExpectExec("INSERT INTO credit_allocations").
		WithArgs(int64(10), int64(1), 5).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectExec("UPDATE users SET credits_balance").
		WithArgs("u1", 5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectCommit()

	repo := postgres.NewLedgerRepo(m)
	tx, err := repo.Grant(context.Background(), "u1", 5, domain.SourceFree, "signup grant", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), tx.ID)
	assert.Equal(t, 5, tx.Amount)
	assert.Equal(t, domain.TxCredit, tx.Type)
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestLedgerGrantUnknownUser(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectBegin()
	m.ExpectQuery("SELECT id FROM users WHERE id=").WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)
	m.ExpectRollback()

	repo := postgres.NewLedgerRepo(m)
	_, err = repo.Grant(context.Background(), "ghost", 5, domain.SourceFree, "signup grant", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestLedgerDebitInsufficientIsNotAnError(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	now := time.Now().UTC()
	m.ExpectBegin()
	expectLockUser(m, "u1")
	m.ExpectQuery("FROM credit_transactions").WithArgs("u1", "ar-1").
		WillReturnError(pgx.ErrNoRows)
	m.ExpectQuery("FROM credit_lots").WithArgs("u1").
		WillReturnRows(lotRows([]any{int64(1), "u1", domain.SourceFree, 5, 1, (*time.Time)(nil), now}))
	m.ExpectRollback()

	repo := postgres.NewLedgerRepo(m)
	res, err := repo.Debit(context.Background(), "u1", 2, "ar-1", "s1", "story synthesis", nil)
	require.NoError(t, err)
	assert.False(t, res.Charged)
	require.NotNil(t, res.Insufficient)
	assert.Equal(t, 2, res.Insufficient.Needed)
	assert.Equal(t, 1, res.Insufficient.Available)
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestLedgerDebitChargesLotsInPriorityOrder(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	now := time.Now().UTC()
	m.ExpectBegin()
	expectLockUser(m, "u1")
	m.ExpectQuery("FROM credit_transactions").WithArgs("u1", "ar-1").
		WillReturnError(pgx.ErrNoRows)
	// Free lot first in row order, but the source priority spends monthly
	// before free.
	m.ExpectQuery("FROM credit_lots").WithArgs("u1").
		WillReturnRows(lotRows(
			[]any{int64(1), "u1", domain.SourceFree, 5, 5, (*time.Time)(nil), now},
			[]any{int64(2), "u1", domain.SourceMonthly, 30, 1, (*time.Time)(nil), now},
		))
	m.ExpectQuery("INSERT INTO credit_transactions").
		WithArgs("u1", -2, domain.TxDebit, "story synthesis", domain.TxApplied,
			strPtr("ar-1"), strPtr("s1"), []byte("{}"), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	// Monthly lot drains first, then free covers the remainder.
	m.ExpectExec("UPDATE credit_lots SET amount_remaining").
		WithArgs(int64(2), 1).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectExec("UPDATE credit_allocations SET amount").
		WithArgs(int64(7), int64(2), -1).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	m.ExpectExec("INSERT INTO credit_allocations").
		WithArgs(int64(7), int64(2), -1).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectExec("UPDATE credit_lots SET amount_remaining").
		WithArgs(int64(1), 1).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectExec("UPDATE credit_allocations SET amount").
		WithArgs(int64(7), int64(1), -1).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	m.ExpectExec("INSERT INTO credit_allocations").
		WithArgs(int64(7), int64(1), -1).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectExec("UPDATE users SET credits_balance").
		WithArgs("u1", 2).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectCommit()

	repo := postgres.NewLedgerRepo(m)
	res, err := repo.Debit(context.Background(), "u1", 2, "ar-1", "s1", "story synthesis", nil)
	require.NoError(t, err)
	assert.True(t, res.Charged)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, -2, res.Transaction.Amount)
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestLedgerDebitRepeatReportsAlreadyPaid(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	now := time.Now().UTC()
	m.ExpectBegin()
	expectLockUser(m, "u1")
	m.ExpectQuery("FROM credit_transactions").WithArgs("u1", "ar-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "amount", "type", "reason", "status", "audio_request_id", "story_id", "created_at",
		}).AddRow(int64(7), "u1", -2, domain.TxDebit, "story synthesis", domain.TxApplied,
			strPtr("ar-1"), strPtr("s1"), now))
	m.ExpectRollback()

	repo := postgres.NewLedgerRepo(m)
	res, err := repo.Debit(context.Background(), "u1", 2, "ar-1", "s1", "story synthesis", nil)
	require.NoError(t, err)
	assert.True(t, res.AlreadyPaid)
	assert.False(t, res.Charged)
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestLedgerRefundNothingApplied(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectBegin()
	expectLockUser(m, "u1")
	m.ExpectQuery("FROM credit_transactions").WithArgs("u1", "ar-1").
		WillReturnError(pgx.ErrNoRows)
	m.ExpectRollback()

	repo := postgres.NewLedgerRepo(m)
	ok, err := repo.RefundByAudioRequest(context.Background(), "u1", "ar-1", "synthesis failed")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestLedgerRefundRestoresDrainedLots(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	now := time.Now().UTC()
	m.ExpectBegin()
	expectLockUser(m, "u1")
	m.ExpectQuery("FROM credit_transactions").WithArgs("u1", "ar-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "amount", "type", "reason", "status", "audio_request_id", "story_id", "created_at",
		}).AddRow(int64(7), "u1", -2, domain.TxDebit, "story synthesis", domain.TxApplied,
			strPtr("ar-1"), strPtr("s1"), now))
	m.ExpectQuery("INSERT INTO credit_transactions").
		WithArgs("u1", 2, domain.TxRefund, "synthesis failed", domain.TxApplied,
			strPtr("ar-1"), strPtr("s1"), []byte("{}"), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(8)))
	m.ExpectQuery("SELECT lot_id, amount FROM credit_allocations").WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"lot_id", "amount"}).AddRow(int64(1), -2))
	m.ExpectExec("UPDATE credit_lots SET amount_remaining = LEAST").
		WithArgs(int64(1), 2).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectExec("INSERT INTO credit_allocations").
		WithArgs(int64(8), int64(1), 2).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectExec("UPDATE credit_transactions SET status='refunded'").
		WithArgs(int64(7)).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectExec("UPDATE users SET credits_balance").
		WithArgs("u1", 2).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectCommit()

	repo := postgres.NewLedgerRepo(m)
	ok, err := repo.RefundByAudioRequest(context.Background(), "u1", "ar-1", "synthesis failed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestLedgerExpireLots(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	now := time.Now().UTC()
	m.ExpectBegin()
	m.ExpectQuery("FROM credit_lots").WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "amount_remaining"}).
			AddRow(int64(3), "u1", 4))
	m.ExpectQuery("INSERT INTO credit_transactions").
		WithArgs("u1", -4, domain.TxExpire, "lot expired", domain.TxApplied,
			(*string)(nil), (*string)(nil), []byte("{}"), now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(9)))
	m.ExpectExec("INSERT INTO credit_allocations").
		WithArgs(int64(9), int64(3), -4).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectExec("UPDATE credit_lots SET amount_remaining = 0").
		WithArgs(int64(3)).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectExec("UPDATE users SET credits_balance").
		WithArgs("u1", 4).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	m.ExpectCommit()

	repo := postgres.NewLedgerRepo(m)
	n, err := repo.ExpireLots(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestLedgerSummary(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	now := time.Now().UTC()
	m.ExpectQuery("SELECT credits_balance FROM users").WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"credits_balance"}).AddRow(5))
	m.ExpectQuery("FROM credit_lots").WithArgs("u1").
		WillReturnRows(lotRows(
			[]any{int64(1), "u1", domain.SourceMonthly, 30, 3, (*time.Time)(nil), now},
			[]any{int64(2), "u1", domain.SourceFree, 5, 2, (*time.Time)(nil), now},
		))
	m.ExpectQuery("SELECT COUNT").WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(12))
	m.ExpectQuery("FROM credit_transactions").WithArgs("u1", 50, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "amount", "type", "reason", "status", "audio_request_id", "story_id", "metadata", "created_at",
		}).AddRow(int64(7), "u1", -2, domain.TxDebit, "story synthesis", domain.TxApplied,
			strPtr("ar-1"), strPtr("s1"), []byte("{}"), now))

	repo := postgres.NewLedgerRepo(m)
	s, err := repo.Summary(context.Background(), "u1", domain.HistoryQuery{Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, 5, s.CachedBalance)
	assert.Equal(t, 5, s.ComputedBalance)
	require.Len(t, s.Lots, 2)
	require.Len(t, s.History, 1)
	assert.Equal(t, domain.TxDebit, s.History[0].Type)
	assert.Equal(t, 12, s.HistoryTotal)
	assert.Equal(t, 50, s.HistoryLimit)
	assert.Equal(t, 0, s.HistoryOffset)
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestLedgerSummary_TypeFilterAndOffset(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	now := time.Now().UTC()
	m.ExpectQuery("SELECT credits_balance FROM users").WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"credits_balance"}).AddRow(5))
	m.ExpectQuery("FROM credit_lots").WithArgs("u1").
		WillReturnRows(lotRows([]any{int64(1), "u1", domain.SourceMonthly, 30, 5, (*time.Time)(nil), now}))
	m.ExpectQuery("SELECT COUNT").WithArgs("u1", domain.TxDebit).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(8))
	m.ExpectQuery("FROM credit_transactions").WithArgs("u1", domain.TxDebit, 3, 6).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "amount", "type", "reason", "status", "audio_request_id", "story_id", "metadata", "created_at",
		}).AddRow(int64(2), "u1", -1, domain.TxDebit, "story synthesis", domain.TxApplied,
			strPtr("ar-2"), strPtr("s2"), []byte("{}"), now))

	repo := postgres.NewLedgerRepo(m)
	s, err := repo.Summary(context.Background(), "u1", domain.HistoryQuery{Limit: 3, Offset: 6, Type: domain.TxDebit})
	require.NoError(t, err)
	assert.Equal(t, 8, s.HistoryTotal)
	assert.Equal(t, 3, s.HistoryLimit)
	assert.Equal(t, 6, s.HistoryOffset)
	require.Len(t, s.History, 1)
	assert.NoError(t, m.ExpectationsWereMet())
}

func TestLedgerBalance(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectQuery("FROM credit_lots").WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(7))

	repo := postgres.NewLedgerRepo(m)
	n, err := repo.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, m.ExpectationsWereMet())
}
