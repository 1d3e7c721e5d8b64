package repository

import "strings"

// Schema definitions for the Kestrel record store.
// Compatible with both SQLite and PostgreSQL; the auto-incrementing
// primary key clause is the one spot the dialects disagree on.

const pkPlaceholder = "__PK__"

const schemaUsers = `
CREATE TABLE IF NOT EXISTS users (
    id __PK__,
    customer_id TEXT UNIQUE,
    email TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
CREATE INDEX IF NOT EXISTS idx_users_customer ON users(customer_id);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id __PK__,
    user_id BIGINT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    country TEXT,
    status TEXT NOT NULL,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions(user_id, created_at);
`

const schemaUserLimits = `
CREATE TABLE IF NOT EXISTS user_limits (
    user_id BIGINT PRIMARY KEY,
    max_transaction_amount REAL,
    max_transactions_per_hour BIGINT,
    monthly_spending_limit REAL,
    blocked_countries TEXT,
    updated_at TIMESTAMP NOT NULL
);
`

// Schemas returns all schema statements rendered for the given driver.
func Schemas(driver string) []string {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == "postgres" {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	raw := []string{schemaUsers, schemaTransactions, schemaUserLimits}
	rendered := make([]string, len(raw))
	for i, s := range raw {
		rendered[i] = strings.ReplaceAll(s, pkPlaceholder, pk)
	}
	return rendered
}
