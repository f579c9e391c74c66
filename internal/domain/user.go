package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents an account holding a cagnotte balance.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	Balance      decimal.Decimal
	CreatedAt    time.Time
}
