package domain

import (
	"fmt"
	"time"
)

// CreditSource tags where a lot came from. Debits consume sources in the
// configured priority order (default: event, monthly, referral, add_on, free).
type CreditSource string

const (
	SourceMonthly  CreditSource = "monthly"
	SourceAddOn    CreditSource = "add_on"
	SourceFree     CreditSource = "free"
	SourceEvent    CreditSource = "event"
	SourceReferral CreditSource = "referral"
)

// DefaultSourcePriority is the debit consumption order when none is
// configured.
var DefaultSourcePriority = []CreditSource{
	SourceEvent, SourceMonthly, SourceReferral, SourceAddOn, SourceFree,
}

// TransactionType is the ledger entry kind.
type TransactionType string

const (
	TxCredit TransactionType = "credit"
	TxDebit  TransactionType = "debit"
	TxRefund TransactionType = "refund"
	TxExpire TransactionType = "expire"
)

// TransactionStatus marks whether a debit has been fully reversed.
type TransactionStatus string

const (
	TxApplied  TransactionStatus = "applied"
	TxRefunded TransactionStatus = "refunded"
)

// CreditLot is one grant of credits. AmountRemaining drains toward zero as
// debits allocate against it. Invariant: 0 <= AmountRemaining <= AmountGranted.
type CreditLot struct {
	ID              int64
	UserID          string
	Source          CreditSource
	AmountGranted   int
	AmountRemaining int
	ExpiresAt       *time.Time
	CreatedAt       time.Time
}

// Expired reports whether the lot's remainder is no longer spendable.
func (l CreditLot) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// CreditTransaction is one signed ledger entry. Amount is positive for
// credit/refund and negative for debit/expire.
type CreditTransaction struct {
	ID             int64
	UserID         string
	Amount         int
	Type           TransactionType
	Reason         string
	Status         TransactionStatus
	AudioRequestID *string
	StoryID        *string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// CreditAllocation links a transaction to the lot it drained or restored.
// Amount is negative for debit legs and positive for refund legs.
type CreditAllocation struct {
	TransactionID int64
	LotID         int64
	Amount        int
}

// InsufficientCreditsError reports a rejected debit with the shortfall detail.
type InsufficientCreditsError struct {
	Needed    int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Needed, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// DebitResult reports the outcome of a debit attempt without overloading the
// error path: insufficient funds is a variant, not a failure.
type DebitResult struct {
	Charged      bool
	AlreadyPaid  bool
	Transaction  *CreditTransaction
	Insufficient *InsufficientCreditsError
}

// HistoryQuery selects one page of the transaction history. An empty Type
// matches every transaction kind.
type HistoryQuery struct {
	Limit  int
	Offset int
	Type   TransactionType
}

// CreditSummary is the user-facing balance view. HistoryTotal counts every
// transaction matching the query's type filter, not just the returned page.
type CreditSummary struct {
	UserID          string
	CachedBalance   int
	ComputedBalance int
	Lots            []CreditLot
	History         []CreditTransaction
	HistoryTotal    int
	HistoryLimit    int
	HistoryOffset   int
}

// Ledger is the double-entry credit port. Every operation runs in a single
// transaction serialized on the user row.
type Ledger interface {
	Grant(ctx Context, userID string, amount int, source CreditSource, reason string, expiresAt *time.Time) (CreditTransaction, error)
	// Debit charges amount against the user's lots for one audio request.
	// Idempotent on audioRequestID: a repeat with the same amount reports
	// AlreadyPaid; a repeat with a larger amount tops up the difference.
	Debit(ctx Context, userID string, amount int, audioRequestID, storyID, reason string, priority []CreditSource) (DebitResult, error)
	// RefundByAudioRequest reverses the applied debit for one audio request,
	// restoring the same lots it drained. Idempotent.
	RefundByAudioRequest(ctx Context, userID, audioRequestID, reason string) (bool, error)
	// ExpireLots forfeits remainders of lots past their expiry, recording an
	// expire transaction per lot. Returns the number of lots swept.
	ExpireLots(ctx Context, now time.Time) (int, error)
	Summary(ctx Context, userID string, page HistoryQuery) (CreditSummary, error)
	Balance(ctx Context, userID string) (int, error)
}

// CostForText converts story text length to credits: one credit per started
// unit of unitSize characters, minimum one.
func CostForText(text string, unitSize int) int {
	if unitSize <= 0 {
		unitSize = 1000
	}
	n := len([]rune(text))
	if n <= unitSize {
		return 1
	}
	cost := n / unitSize
	if n%unitSize != 0 {
		cost++
	}
	return cost
}

// ParseSourcePriority turns the configured comma-separated priority list into
// sources, falling back to the default for an empty list.
func ParseSourcePriority(sources []string) []CreditSource {
	if len(sources) == 0 {
		return DefaultSourcePriority
	}
	out := make([]CreditSource, 0, len(sources))
	for _, s := range sources {
		out = append(out, CreditSource(s))
	}
	return out
}
