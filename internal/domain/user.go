// Package domain contains core domain types for the deposit engine.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a depositor known to the engine. Each user owns one derivation
// index from which all of their receiving addresses are derived.
type User struct {
	UserID          string    `json:"user_id"`
	DerivationIndex uint32    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// Balance is a user's internal credited balance for one chain asset.
type Balance struct {
	UserID    string          `json:"user_id"`
	Chain     Chain           `json:"chain"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Credit records a single settlement credit. SessionToken is unique so a
// session can be credited at most once.
type Credit struct {
	SessionToken string
	UserID       string
	Chain        Chain
	Amount       decimal.Decimal
	TxHash       string
	CreditedAt   time.Time
}
