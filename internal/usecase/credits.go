package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/storyvoice/internal/domain"
)

// CreditConfig carries grant amounts and presentation settings.
type CreditConfig struct {
	InitialCredits int
	MonthlyCredits int
	HistoryLimit   int
	UnitSize       int
	UnitLabel      string
}

// CreditService fronts the ledger for grants, summaries and the periodic
// expiry sweep.
type CreditService struct {
	cfg    CreditConfig
	ledger domain.Ledger
	users  domain.UserRepository
}

// NewCreditService wires credit operations.
func NewCreditService(cfg CreditConfig, ledger domain.Ledger, users domain.UserRepository) *CreditService {
	return &CreditService{cfg: cfg, ledger: ledger, users: users}
}

// Summary returns the user's balance view with one page of history. The page
// limit is clamped to the configured maximum; zero means the default page.
func (s *CreditService) Summary(ctx domain.Context, userID string, page domain.HistoryQuery) (domain.CreditSummary, error) {
	if _, err := s.users.Get(ctx, userID); err != nil {
		return domain.CreditSummary{}, fmt.Errorf("op=credits.summary: %w", err)
	}
	if page.Limit <= 0 || page.Limit > s.cfg.HistoryLimit {
		page.Limit = s.cfg.HistoryLimit
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	sum, err := s.ledger.Summary(ctx, userID, page)
	if err != nil {
		return domain.CreditSummary{}, fmt.Errorf("op=credits.summary: %w", err)
	}
	return sum, nil
}

// CostForStory prices a story text.
func (s *CreditService) CostForStory(text string) int {
	return domain.CostForText(text, s.cfg.UnitSize)
}

// UnitLabel is the display label for one credit unit.
func (s *CreditService) UnitLabel() string { return s.cfg.UnitLabel }

// UnitSize is the character count one credit pays for.
func (s *CreditService) UnitSize() int { return s.cfg.UnitSize }

// GrantSignup issues the non-expiring signup lot.
func (s *CreditService) GrantSignup(ctx domain.Context, userID string) error {
	if s.cfg.InitialCredits <= 0 {
		return nil
	}
	_, err := s.ledger.Grant(ctx, userID, s.cfg.InitialCredits, domain.SourceFree, "signup grant", nil)
	if err != nil {
		return fmt.Errorf("op=credits.grant_signup: %w", err)
	}
	return nil
}

// GrantMonthly issues the subscription lot, expiring one month out so unused
// credits do not pile up.
func (s *CreditService) GrantMonthly(ctx domain.Context, userID string, amount int) error {
	if amount <= 0 {
		amount = s.cfg.MonthlyCredits
	}
	expires := time.Now().UTC().AddDate(0, 1, 0)
	_, err := s.ledger.Grant(ctx, userID, amount, domain.SourceMonthly, "monthly grant", &expires)
	if err != nil {
		return fmt.Errorf("op=credits.grant_monthly: %w", err)
	}
	return nil
}

// HandleSweep forfeits expired lot remainders. Runs on the worker beat.
func (s *CreditService) HandleSweep(ctx domain.Context) error {
	n, err := s.ledger.ExpireLots(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=credits.sweep: %w", err)
	}
	if n > 0 {
		slog.Info("expired credit lots swept", slog.Int("lots", n))
	}
	return nil
}
