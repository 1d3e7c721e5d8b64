package domain

import (
	"context"
	"time"
)

// Accessor is the narrow read-only view of the record store that the
// rule engine depends on. Implementations must never be written through
// by the engine; the two aggregate reads back the velocity and monthly
// limit checks.
type Accessor interface {
	// GetTransaction returns a transaction by id, or ErrNotFound.
	GetTransaction(ctx context.Context, txID int64) (*Transaction, error)

	// GetLimits returns the stored limits for a user, or ErrNotFound
	// when the user has no configured limits. Absence is not an error
	// condition for callers: the resolver defaults it to unlimited.
	GetLimits(ctx context.Context, userID int64) (*LimitsRecord, error)

	// CountTransactionsSince returns the number of the user's
	// transactions created at or after the given instant.
	CountTransactionsSince(ctx context.Context, userID int64, since time.Time) (int64, error)

	// SumTransactionAmountsSince returns the sum of the user's
	// transaction amounts created at or after the given instant.
	SumTransactionAmountsSince(ctx context.Context, userID int64, since time.Time) (float64, error)
}

// Repository defines the full persistence interface. It embeds Accessor
// so a repository can be handed to the engine directly.
type Repository interface {
	Accessor

	// User operations
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, userID int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context, offset, limit int) ([]*User, error)
	DeleteUser(ctx context.Context, userID int64) error

	// Transaction operations
	CreateTransaction(ctx context.Context, tx *Transaction) error
	ListTransactions(ctx context.Context, userID int64, offset, limit int) ([]*Transaction, error)

	// Per-user limits operations
	SaveLimits(ctx context.Context, limits *LimitsRecord) error
	DeleteLimits(ctx context.Context, userID int64) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
