package repository

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/adwatch/cagnotte/internal/domain"
)

// UserRepository persists accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// LedgerRepository mutates balances. Every method must be a single atomic
// statement against the store; callers never do read-modify-write sequences.
type LedgerRepository interface {
	// CreditBalance adds amount to the account and returns the new balance.
	CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)
	// CreditBalanceByEmail adds amount to the account addressed by normalized
	// email. Returns ErrNotFound when no row matched.
	CreditBalanceByEmail(ctx context.Context, email string, amount decimal.Decimal) error
	// DebitBalanceIfSufficient subtracts amount only when the current balance
	// covers it, as one guarded statement. Returns ErrInsufficientBalance when
	// the guard failed and ErrNotFound when the account does not exist.
	DebitBalanceIfSufficient(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)
}
