package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/storyvoice/internal/adapter/observability"
	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// LedgerRepo implements the double-entry credit ledger. Every mutation runs
// in one transaction serialized on the user row, so concurrent debits for
// the same user cannot both pass the balance check.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// Grant creates a lot, records the credit transaction and bumps the cached
// balance.
func (r *LedgerRepo) Grant(ctx domain.Context, userID string, amount int, source domain.CreditSource, reason string, expiresAt *time.Time) (domain.CreditTransaction, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Grant")
	defer span.End()
	if amount <= 0 {
		return domain.CreditTransaction{}, fmt.Errorf("op=ledger.grant: %w", domain.ErrInvalidArgument)
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.CreditTransaction{}, fmt.Errorf("op=ledger.grant: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockUser(ctx, tx, userID); err != nil {
		return domain.CreditTransaction{}, fmt.Errorf("op=ledger.grant: %w", err)
	}

	now := time.Now().UTC()
	var lotID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO credit_lots (user_id, source, amount_granted, amount_remaining, expires_at, created_at)
		 VALUES ($1,$2,$3,$3,$4,$5) RETURNING id`,
		userID, source, amount, expiresAt, now).Scan(&lotID)
	if err != nil {
		return domain.CreditTransaction{}, fmt.Errorf("op=ledger.grant: %w", err)
	}

	t := domain.CreditTransaction{
		UserID:    userID,
		Amount:    amount,
		Type:      domain.TxCredit,
		Reason:    reason,
		Status:    domain.TxApplied,
		CreatedAt: now,
	}
	t.ID, err = insertTransaction(ctx, tx, t)
	if err != nil {
		return domain.CreditTransaction{}, fmt.Errorf("op=ledger.grant: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_allocations (transaction_id, lot_id, amount) VALUES ($1,$2,$3)`,
		t.ID, lotID, amount); err != nil {
		return domain.CreditTransaction{}, fmt.Errorf("op=ledger.grant: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET credits_balance = credits_balance + $2 WHERE id=$1`, userID, amount); err != nil {
		return domain.CreditTransaction{}, fmt.Errorf("op=ledger.grant: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.CreditTransaction{}, fmt.Errorf("op=ledger.grant: %w", err)
	}
	observability.LedgerOpsTotal.WithLabelValues("grant", "applied").Inc()
	return t, nil
}

// Debit charges amount against the user's lots for one audio request.
// Idempotent on audioRequestID: a repeat with the same (or smaller) amount
// reports AlreadyPaid; a larger amount charges only the difference and amends
// the original transaction.
func (r *LedgerRepo) Debit(ctx domain.Context, userID string, amount int, audioRequestID, storyID, reason string, priority []domain.CreditSource) (domain.DebitResult, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Debit")
	defer span.End()
	if amount <= 0 || audioRequestID == "" {
		return domain.DebitResult{}, fmt.Errorf("op=ledger.debit: %w", domain.ErrInvalidArgument)
	}
	if len(priority) == 0 {
		priority = domain.DefaultSourcePriority
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.DebitResult{}, fmt.Errorf("op=ledger.debit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockUser(ctx, tx, userID); err != nil {
		return domain.DebitResult{}, fmt.Errorf("op=ledger.debit: %w", err)
	}

	prior, err := findAppliedDebit(ctx, tx, userID, audioRequestID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.DebitResult{}, fmt.Errorf("op=ledger.debit: %w", err)
	}
	charge := amount
	if prior != nil {
		already := -prior.Amount
		if already >= amount {
			return domain.DebitResult{AlreadyPaid: true, Transaction: prior}, nil
		}
		charge = amount - already
	}

	lots, err := spendableLots(ctx, tx, userID, priority)
	if err != nil {
		return domain.DebitResult{}, fmt.Errorf("op=ledger.debit: %w", err)
	}
	available := 0
	for _, l := range lots {
		available += l.AmountRemaining
	}
	if available < charge {
		observability.LedgerOpsTotal.WithLabelValues("debit", "insufficient").Inc()
		return domain.DebitResult{
			Insufficient: &domain.InsufficientCreditsError{Needed: charge, Available: available},
		}, nil
	}

	now := time.Now().UTC()
	var t domain.CreditTransaction
	if prior != nil {
		// Top-up: amend the original debit rather than recording a second one.
		if _, err := tx.Exec(ctx,
			`UPDATE credit_transactions SET amount=$2 WHERE id=$1`, prior.ID, -amount); err != nil {
			return domain.DebitResult{}, fmt.Errorf("op=ledger.debit: %w", err)
		}
		t = *prior
		t.Amount = -amount
	} else {
		t = domain.CreditTransaction{
			UserID:         userID,
			Amount:         -amount,
			Type:           domain.TxDebit,
			Reason:         reason,
			Status:         domain.TxApplied,
			AudioRequestID: &audioRequestID,
			StoryID:        &storyID,
			CreatedAt:      now,
		}
		t.ID, err = insertTransaction(ctx, tx, t)
		if err != nil {
			return domain.DebitResult{}, fmt.Errorf("op=ledger.debit: %w", err)
		}
	}

	remaining := charge
	for _, l := range lots {
		if remaining == 0 {
			break
		}
		take := l.AmountRemaining
		if take > remaining {
			take = remaining
		}
		if take == 0 {
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE credit_lots SET amount_remaining = amount_remaining - $2 WHERE id=$1`, l.ID, take); err != nil {
			return domain.DebitResult{}, fmt.Errorf("op=ledger.debit: %w", err)
		}
		if err := upsertAllocation(ctx, tx, t.ID, l.ID, -take); err != nil {
			return domain.DebitResult{}, fmt.Errorf("op=ledger.debit: %w", err)
		}
		remaining -= take
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET credits_balance = credits_balance - $2 WHERE id=$1`, userID, charge); err != nil {
		return domain.DebitResult{}, fmt.Errorf("op=ledger.debit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.DebitResult{}, fmt.Errorf("op=ledger.debit: %w", err)
	}
	observability.LedgerOpsTotal.WithLabelValues("debit", "applied").Inc()
	observability.CreditsDebitedTotal.Add(float64(charge))
	return domain.DebitResult{Charged: true, Transaction: &t}, nil
}

// RefundByAudioRequest reverses the applied debit for one audio request,
// restoring the same lots it drained. Returns false when there is nothing
// left to refund.
func (r *LedgerRepo) RefundByAudioRequest(ctx domain.Context, userID, audioRequestID, reason string) (bool, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Refund")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("op=ledger.refund: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockUser(ctx, tx, userID); err != nil {
		return false, fmt.Errorf("op=ledger.refund: %w", err)
	}

	debit, err := findAppliedDebit(ctx, tx, userID, audioRequestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("op=ledger.refund: %w", err)
	}

	amount := -debit.Amount
	now := time.Now().UTC()
	t := domain.CreditTransaction{
		UserID:         userID,
		Amount:         amount,
		Type:           domain.TxRefund,
		Reason:         reason,
		Status:         domain.TxApplied,
		AudioRequestID: &audioRequestID,
		StoryID:        debit.StoryID,
		CreatedAt:      now,
	}
	t.ID, err = insertTransaction(ctx, tx, t)
	if err != nil {
		return false, fmt.Errorf("op=ledger.refund: %w", err)
	}

	// Restore exactly the lots the debit drained.
	rows, err := tx.Query(ctx,
		`SELECT lot_id, amount FROM credit_allocations WHERE transaction_id=$1`, debit.ID)
	if err != nil {
		return false, fmt.Errorf("op=ledger.refund: %w", err)
	}
	type leg struct {
		lotID  int64
		amount int
	}
	var legs []leg
	for rows.Next() {
		var l leg
		if err := rows.Scan(&l.lotID, &l.amount); err != nil {
			rows.Close()
			return false, fmt.Errorf("op=ledger.refund: %w", err)
		}
		legs = append(legs, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("op=ledger.refund: %w", err)
	}
	for _, l := range legs {
		back := -l.amount
		if back <= 0 {
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE credit_lots SET amount_remaining = LEAST(amount_granted, amount_remaining + $2) WHERE id=$1`,
			l.lotID, back); err != nil {
			return false, fmt.Errorf("op=ledger.refund: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO credit_allocations (transaction_id, lot_id, amount) VALUES ($1,$2,$3)`,
			t.ID, l.lotID, back); err != nil {
			return false, fmt.Errorf("op=ledger.refund: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE credit_transactions SET status='refunded' WHERE id=$1`, debit.ID); err != nil {
		return false, fmt.Errorf("op=ledger.refund: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET credits_balance = credits_balance + $2 WHERE id=$1`, userID, amount); err != nil {
		return false, fmt.Errorf("op=ledger.refund: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=ledger.refund: %w", err)
	}
	observability.LedgerOpsTotal.WithLabelValues("refund", "applied").Inc()
	observability.CreditsRefundedTotal.Add(float64(amount))
	return true, nil
}

// ExpireLots forfeits remainders of lots past their expiry, one expire
// transaction per lot. Returns the number of lots swept.
func (r *LedgerRepo) ExpireLots(ctx domain.Context, now time.Time) (int, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.ExpireLots")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=ledger.expire: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, user_id, amount_remaining FROM credit_lots
		 WHERE expires_at IS NOT NULL AND expires_at <= $1 AND amount_remaining > 0
		 ORDER BY user_id FOR UPDATE`, now)
	if err != nil {
		return 0, fmt.Errorf("op=ledger.expire: %w", err)
	}
	type stale struct {
		id        int64
		userID    string
		remaining int
	}
	var lots []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.userID, &s.remaining); err != nil {
			rows.Close()
			return 0, fmt.Errorf("op=ledger.expire: %w", err)
		}
		lots = append(lots, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("op=ledger.expire: %w", err)
	}

	for _, l := range lots {
		t := domain.CreditTransaction{
			UserID:    l.userID,
			Amount:    -l.remaining,
			Type:      domain.TxExpire,
			Reason:    "lot expired",
			Status:    domain.TxApplied,
			CreatedAt: now,
		}
		txID, err := insertTransaction(ctx, tx, t)
		if err != nil {
			return 0, fmt.Errorf("op=ledger.expire: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO credit_allocations (transaction_id, lot_id, amount) VALUES ($1,$2,$3)`,
			txID, l.id, -l.remaining); err != nil {
			return 0, fmt.Errorf("op=ledger.expire: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE credit_lots SET amount_remaining = 0 WHERE id=$1`, l.id); err != nil {
			return 0, fmt.Errorf("op=ledger.expire: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE users SET credits_balance = credits_balance - $2 WHERE id=$1`, l.userID, l.remaining); err != nil {
			return 0, fmt.Errorf("op=ledger.expire: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=ledger.expire: %w", err)
	}
	if len(lots) > 0 {
		observability.LedgerOpsTotal.WithLabelValues("expire", "applied").Add(float64(len(lots)))
	}
	return len(lots), nil
}

// Summary returns the cached and computed balances, open lots and one page
// of transaction history for one user.
func (r *LedgerRepo) Summary(ctx domain.Context, userID string, page domain.HistoryQuery) (domain.CreditSummary, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Summary")
	defer span.End()
	s := domain.CreditSummary{UserID: userID, HistoryLimit: page.Limit, HistoryOffset: page.Offset}

	if err := r.Pool.QueryRow(ctx,
		`SELECT credits_balance FROM users WHERE id=$1`, userID).Scan(&s.CachedBalance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CreditSummary{}, fmt.Errorf("op=ledger.summary: %w", domain.ErrNotFound)
		}
		return domain.CreditSummary{}, fmt.Errorf("op=ledger.summary: %w", err)
	}

	rows, err := r.Pool.Query(ctx,
		`SELECT id, user_id, source, amount_granted, amount_remaining, expires_at, created_at
		 FROM credit_lots
		 WHERE user_id=$1 AND amount_remaining > 0 AND (expires_at IS NULL OR expires_at > NOW())
		 ORDER BY expires_at ASC NULLS LAST, created_at ASC`, userID)
	if err != nil {
		return domain.CreditSummary{}, fmt.Errorf("op=ledger.summary: %w", err)
	}
	for rows.Next() {
		var l domain.CreditLot
		if err := rows.Scan(&l.ID, &l.UserID, &l.Source, &l.AmountGranted, &l.AmountRemaining, &l.ExpiresAt, &l.CreatedAt); err != nil {
			rows.Close()
			return domain.CreditSummary{}, fmt.Errorf("op=ledger.summary: %w", err)
		}
		s.Lots = append(s.Lots, l)
		s.ComputedBalance += l.AmountRemaining
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.CreditSummary{}, fmt.Errorf("op=ledger.summary: %w", err)
	}

	countQ := `SELECT COUNT(*) FROM credit_transactions WHERE user_id=$1`
	countArgs := []any{userID}
	if page.Type != "" {
		countQ += ` AND type=$2`
		countArgs = append(countArgs, page.Type)
	}
	if err := r.Pool.QueryRow(ctx, countQ, countArgs...).Scan(&s.HistoryTotal); err != nil {
		return domain.CreditSummary{}, fmt.Errorf("op=ledger.summary: %w", err)
	}

	histQ := `SELECT id, user_id, amount, type, COALESCE(reason,''), status, audio_request_id, story_id, metadata, created_at
		 FROM credit_transactions WHERE user_id=$1`
	histArgs := []any{userID}
	if page.Type != "" {
		histQ += ` AND type=$2`
		histArgs = append(histArgs, page.Type)
	}
	histQ += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		len(histArgs)+1, len(histArgs)+2)
	histArgs = append(histArgs, page.Limit, page.Offset)
	hrows, err := r.Pool.Query(ctx, histQ, histArgs...)
	if err != nil {
		return domain.CreditSummary{}, fmt.Errorf("op=ledger.summary: %w", err)
	}
	defer hrows.Close()
	for hrows.Next() {
		var t domain.CreditTransaction
		var meta []byte
		if err := hrows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Reason, &t.Status, &t.AudioRequestID, &t.StoryID, &meta, &t.CreatedAt); err != nil {
			return domain.CreditSummary{}, fmt.Errorf("op=ledger.summary: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return domain.CreditSummary{}, fmt.Errorf("op=ledger.summary: %w", err)
			}
		}
		s.History = append(s.History, t)
	}
	if err := hrows.Err(); err != nil {
		return domain.CreditSummary{}, fmt.Errorf("op=ledger.summary: %w", err)
	}
	return s, nil
}

// Balance returns the computed spendable balance.
func (r *LedgerRepo) Balance(ctx domain.Context, userID string) (int, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Balance")
	defer span.End()
	var n int
	err := r.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_remaining), 0) FROM credit_lots
		 WHERE user_id=$1 AND (expires_at IS NULL OR expires_at > NOW())`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=ledger.balance: %w", err)
	}
	return n, nil
}

// lockUser serializes ledger mutations per user.
func lockUser(ctx domain.Context, tx pgx.Tx, userID string) error {
	var id string
	if err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id=$1 FOR UPDATE`, userID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	return nil
}

func insertTransaction(ctx domain.Context, tx pgx.Tx, t domain.CreditTransaction) (int64, error) {
	meta := []byte("{}")
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return 0, err
		}
		meta = b
	}
	var id int64
	err := tx.QueryRow(ctx,
		`INSERT INTO credit_transactions (user_id, amount, type, reason, status, audio_request_id, story_id, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		t.UserID, t.Amount, t.Type, t.Reason, t.Status, t.AudioRequestID, t.StoryID, meta, t.CreatedAt).Scan(&id)
	return id, err
}

func findAppliedDebit(ctx domain.Context, tx pgx.Tx, userID, audioRequestID string) (*domain.CreditTransaction, error) {
	var t domain.CreditTransaction
	err := tx.QueryRow(ctx,
		`SELECT id, user_id, amount, type, COALESCE(reason,''), status, audio_request_id, story_id, created_at
		 FROM credit_transactions
		 WHERE user_id=$1 AND audio_request_id=$2 AND type='debit' AND status='applied'`,
		userID, audioRequestID).
		Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Reason, &t.Status, &t.AudioRequestID, &t.StoryID, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// spendableLots loads unexpired lots with credit left, FOR UPDATE, ordered by
// the configured source priority and within a source by soonest expiry then
// age.
func spendableLots(ctx domain.Context, tx pgx.Tx, userID string, priority []domain.CreditSource) ([]domain.CreditLot, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, user_id, source, amount_granted, amount_remaining, expires_at, created_at
		 FROM credit_lots
		 WHERE user_id=$1 AND amount_remaining > 0 AND (expires_at IS NULL OR expires_at > NOW())
		 ORDER BY expires_at ASC NULLS LAST, created_at ASC, id ASC
		 FOR UPDATE`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lots []domain.CreditLot
	for rows.Next() {
		var l domain.CreditLot
		if err := rows.Scan(&l.ID, &l.UserID, &l.Source, &l.AmountGranted, &l.AmountRemaining, &l.ExpiresAt, &l.CreatedAt); err != nil {
			return nil, err
		}
		lots = append(lots, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rank := make(map[domain.CreditSource]int, len(priority))
	for i, s := range priority {
		rank[s] = i
	}
	sort.SliceStable(lots, func(i, j int) bool {
		ri, ok := rank[lots[i].Source]
		if !ok {
			ri = len(priority)
		}
		rj, ok := rank[lots[j].Source]
		if !ok {
			rj = len(priority)
		}
		return ri < rj
	})
	return lots, nil
}

// upsertAllocation merges repeated debit legs against the same lot, as
// happens on a top-up.
func upsertAllocation(ctx domain.Context, tx pgx.Tx, txID, lotID int64, amount int) error {
	ct, err := tx.Exec(ctx,
		`UPDATE credit_allocations SET amount = amount + $3 WHERE transaction_id=$1 AND lot_id=$2`,
		txID, lotID, amount)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		_, err = tx.Exec(ctx,
			`INSERT INTO credit_allocations (transaction_id, lot_id, amount) VALUES ($1,$2,$3)`,
			txID, lotID, amount)
	}
	return err
}
