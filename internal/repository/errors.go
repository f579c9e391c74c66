package repository

import "errors"

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicateEmail indicates the normalized email is already registered.
	ErrDuplicateEmail = errors.New("repository: duplicate email")
	// ErrInsufficientBalance indicates the guarded debit matched no row
	// because the balance was below the requested amount.
	ErrInsufficientBalance = errors.New("repository: insufficient balance")
)
