package ledger

import (
	"context"
	"errors"

	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/adwatch/cagnotte/internal/domain"
	"github.com/adwatch/cagnotte/internal/repository"
	"github.com/adwatch/cagnotte/pkg/config"
)

// ErrAmountNotPositive is returned when a credit amount is zero or negative.
var ErrAmountNotPositive = errors.New("amount must be positive")

// Service performs balance mutations through the repository's atomic
// primitives. It never reads a balance and writes it back.
type Service struct {
	users  repository.UserRepository
	ledger repository.LedgerRepository
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service.
func New(users repository.UserRepository, ledgerRepo repository.LedgerRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, ledger: ledgerRepo, logger: logger, cfg: cfg}
}

// CanWithdraw reports whether a balance meets the minimum withdrawal amount.
func (s Service) CanWithdraw(balance decimal.Decimal) bool {
	return balance.GreaterThanOrEqual(s.cfg.MinWithdraw)
}

// Balance returns the account and its withdraw eligibility.
func (s Service) Balance(ctx context.Context, userID string) (*domain.User, bool, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return user, s.CanWithdraw(user.Balance), nil
}

// Credit atomically adds amount to the account and returns the new balance.
func (s Service) Credit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Decimal{}, ErrAmountNotPositive
	}
	balance, err := s.ledger.CreditBalance(ctx, userID, amount)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return balance, nil
}

// CreditByEmail atomically adds amount to the account addressed by normalized
// email. Used by the webhook path, which holds no session and learns nothing
// beyond whether a row matched.
func (s Service) CreditByEmail(ctx context.Context, email string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrAmountNotPositive
	}
	return s.ledger.CreditBalanceByEmail(ctx, email, amount)
}

// WatchAd credits the configured per-watch increment and returns the new
// balance, the increment applied, and withdraw eligibility.
func (s Service) WatchAd(ctx context.Context, userID string) (decimal.Decimal, decimal.Decimal, bool, error) {
	increment := s.cfg.WatchAdIncrement
	balance, err := s.Credit(ctx, userID, increment)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, false, err
	}
	s.logger.Info("ad watch credited", "user_id", userID, "increment", increment.String())
	return balance, increment, s.CanWithdraw(balance), nil
}

// Withdraw debits the minimum withdrawal amount behind the balance guard.
// The guard and the subtraction are one conditional statement in the store,
// so the balance can never go negative under concurrent requests.
func (s Service) Withdraw(ctx context.Context, userID string) (decimal.Decimal, decimal.Decimal, bool, error) {
	amount := s.cfg.MinWithdraw
	balance, err := s.ledger.DebitBalanceIfSufficient(ctx, userID, amount)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, false, err
	}
	s.logger.Info("withdrawal executed", "user_id", userID, "amount", amount.String())
	return balance, amount, s.CanWithdraw(balance), nil
}
