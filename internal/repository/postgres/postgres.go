package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/adwatch/cagnotte/internal/domain"
	"github.com/adwatch/cagnotte/internal/repository"
)

const uniqueViolation = "23505"

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository   = (*Repository)(nil)
	_ repository.LedgerRepository = (*Repository)(nil)
)

// CreateUser inserts an account, mapping the unique email constraint to
// ErrDuplicateEmail.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, balance, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.PasswordHash, user.Balance, user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrDuplicateEmail
		}
		return err
	}
	return nil
}

// GetUserByEmail fetches an account by normalized email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, balance, created_at FROM users WHERE email = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, email))
}

// GetUserByID retrieves an account by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, balance, created_at FROM users WHERE id = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

// CreditBalance atomically adds amount to the account balance. The increment
// happens inside the UPDATE so concurrent credits never lose an update.
func (r *Repository) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	const query = `UPDATE users SET balance = balance + $2 WHERE id = $1 RETURNING balance`
	var balance decimal.Decimal
	if err := r.pool.QueryRow(ctx, query, userID, amount).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Decimal{}, repository.ErrNotFound
		}
		return decimal.Decimal{}, err
	}
	return balance, nil
}

// CreditBalanceByEmail atomically adds amount to the account addressed by email.
func (r *Repository) CreditBalanceByEmail(ctx context.Context, email string, amount decimal.Decimal) error {
	const query = `UPDATE users SET balance = balance + $2 WHERE email = $1`
	tag, err := r.pool.Exec(ctx, query, email, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DebitBalanceIfSufficient subtracts amount only when the balance covers it.
// The check and the write are one conditional UPDATE, so no concurrent
// mutation can interleave between them and the balance can never go negative.
func (r *Repository) DebitBalanceIfSufficient(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	const query = `UPDATE users SET balance = balance - $2 WHERE id = $1 AND balance >= $2 RETURNING balance`
	var balance decimal.Decimal
	err := r.pool.QueryRow(ctx, query, userID, amount).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Decimal{}, err
	}
	// Guard matched no row: distinguish a missing account from a balance
	// below the requested amount for correct user-facing messaging.
	const probe = `SELECT 1 FROM users WHERE id = $1`
	var one int
	if probeErr := r.pool.QueryRow(ctx, probe, userID).Scan(&one); probeErr != nil {
		if errors.Is(probeErr, pgx.ErrNoRows) {
			return decimal.Decimal{}, repository.ErrNotFound
		}
		return decimal.Decimal{}, probeErr
	}
	return decimal.Decimal{}, repository.ErrInsufficientBalance
}

func (r *Repository) scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Balance, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}
