// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"time"
)

// Transaction is a payment transaction owned by a user.
// Once evaluated it is treated as a read-only snapshot.
type Transaction struct {
	ID       int64   `json:"id"`
	UserID   int64   `json:"userId"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Country is the ISO-style country code of the transaction origin.
	// May be empty when the upstream source did not report one.
	Country string `json:"country,omitempty"`

	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Transaction status values.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

// User is an account holder whose transactions are evaluated.
type User struct {
	ID int64 `json:"id"`

	// CustomerID links the user to the upstream banking provider, if any.
	CustomerID string `json:"customerId,omitempty"`

	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}
