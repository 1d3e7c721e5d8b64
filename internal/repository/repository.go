// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range Schemas(r.driver) {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// CreateUser inserts a user and populates the generated id.
func (r *SQLRepository) CreateUser(ctx context.Context, user *domain.User) error {
	if user.Email == "" {
		return fmt.Errorf("%w: email is required", domain.ErrInvalidInput)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO users (customer_id, email, name, created_at)
		VALUES (?, ?, ?, ?)
	`

	id, err := r.insertReturningID(ctx, query,
		nullString(user.CustomerID), user.Email, user.Name, user.CreatedAt)
	if err != nil {
		return err
	}
	user.ID = id
	return nil
}

// GetUser retrieves a user by id.
func (r *SQLRepository) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	query := `
		SELECT id, customer_id, email, name, created_at
		FROM users
		WHERE id = ?
	`
	return r.scanUser(r.db.QueryRowContext(ctx, r.rebind(query), userID))
}

// GetUserByEmail retrieves a user by email.
func (r *SQLRepository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `
		SELECT id, customer_id, email, name, created_at
		FROM users
		WHERE email = ?
	`
	return r.scanUser(r.db.QueryRowContext(ctx, r.rebind(query), email))
}

func (r *SQLRepository) scanUser(row *sql.Row) (*domain.User, error) {
	var user domain.User
	var customerID sql.NullString

	err := row.Scan(&user.ID, &customerID, &user.Email, &user.Name, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	user.CustomerID = customerID.String
	return &user, nil
}

// ListUsers retrieves users ordered by id.
func (r *SQLRepository) ListUsers(ctx context.Context, offset, limit int) ([]*domain.User, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, customer_id, email, name, created_at
		FROM users
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		var user domain.User
		var customerID sql.NullString
		if err := rows.Scan(&user.ID, &customerID, &user.Email, &user.Name, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CustomerID = customerID.String
		users = append(users, &user)
	}

	return users, rows.Err()
}

// DeleteUser removes a user and their transactions and limits.
func (r *SQLRepository) DeleteUser(ctx context.Context, userID int64) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM users WHERE id = ?`), userID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	if _, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM transactions WHERE user_id = ?`), userID); err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.rebind(`DELETE FROM user_limits WHERE user_id = ?`), userID)
	return err
}

// CreateTransaction inserts a transaction and populates the generated id.
func (r *SQLRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.UserID == 0 {
		return fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}
	if tx.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	if tx.Currency == "" {
		tx.Currency = "USD"
	}
	if tx.Status == "" {
		tx.Status = domain.TxStatusPending
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	metadata, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO transactions (user_id, amount, currency, country, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	id, err := r.insertReturningID(ctx, query,
		tx.UserID, tx.Amount, tx.Currency, nullString(tx.Country),
		tx.Status, string(metadata), tx.CreatedAt)
	if err != nil {
		return err
	}
	tx.ID = id
	return nil
}

// GetTransaction retrieves a transaction by id.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID int64) (*domain.Transaction, error) {
	query := `
		SELECT id, user_id, amount, currency, country, status, metadata, created_at
		FROM transactions
		WHERE id = ?
	`

	var tx domain.Transaction
	var country sql.NullString
	var metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), txID).Scan(
		&tx.ID, &tx.UserID, &tx.Amount, &tx.Currency,
		&country, &tx.Status, &metadata, &tx.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.Country = country.String
	if metadata != "" && metadata != "null" {
		json.Unmarshal([]byte(metadata), &tx.Metadata)
	}
	return &tx, nil
}

// ListTransactions retrieves a user's transactions, newest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, userID int64, offset, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, user_id, amount, currency, country, status, metadata, created_at
		FROM transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var country sql.NullString
		var metadata string

		if err := rows.Scan(
			&tx.ID, &tx.UserID, &tx.Amount, &tx.Currency,
			&country, &tx.Status, &metadata, &tx.CreatedAt,
		); err != nil {
			return nil, err
		}

		tx.Country = country.String
		if metadata != "" && metadata != "null" {
			json.Unmarshal([]byte(metadata), &tx.Metadata)
		}
		txs = append(txs, &tx)
	}

	return txs, rows.Err()
}

// CountTransactionsSince returns the number of a user's transactions
// created at or after the given instant. Backs the velocity rule.
func (r *SQLRepository) CountTransactionsSince(ctx context.Context, userID int64, since time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM transactions
		WHERE user_id = ? AND created_at >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// SumTransactionAmountsSince returns the sum of a user's transaction
// amounts created at or after the given instant. Backs the monthly
// limit rule; rows persisted before evaluation are all included.
func (r *SQLRepository) SumTransactionAmountsSince(ctx context.Context, userID int64, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE user_id = ? AND created_at >= ?
	`

	var sum float64
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum transaction amounts: %w", err)
	}
	return sum, nil
}

// GetLimits retrieves the stored limits for a user.
func (r *SQLRepository) GetLimits(ctx context.Context, userID int64) (*domain.LimitsRecord, error) {
	query := `
		SELECT user_id, max_transaction_amount, max_transactions_per_hour,
		       monthly_spending_limit, blocked_countries
		FROM user_limits
		WHERE user_id = ?
	`

	var rec domain.LimitsRecord
	var maxAmount sql.NullFloat64
	var maxPerHour sql.NullInt64
	var monthly sql.NullFloat64
	var blocked sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(
		&rec.UserID, &maxAmount, &maxPerHour, &monthly, &blocked,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if maxAmount.Valid {
		rec.MaxTransactionAmount = &maxAmount.Float64
	}
	if maxPerHour.Valid {
		rec.MaxTransactionsPerHour = &maxPerHour.Int64
	}
	if monthly.Valid {
		rec.MonthlySpendingLimit = &monthly.Float64
	}
	if blocked.Valid && blocked.String != "" && blocked.String != "null" {
		if err := json.Unmarshal([]byte(blocked.String), &rec.BlockedCountries); err != nil {
			return nil, fmt.Errorf("failed to parse blocked countries for user %d: %w", userID, err)
		}
	}

	return &rec, nil
}

// SaveLimits upserts the limits record for a user.
func (r *SQLRepository) SaveLimits(ctx context.Context, limits *domain.LimitsRecord) error {
	if limits.UserID == 0 {
		return fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}

	blocked, _ := json.Marshal(limits.BlockedCountries)

	query := `
		INSERT INTO user_limits (
			user_id, max_transaction_amount, max_transactions_per_hour,
			monthly_spending_limit, blocked_countries, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			max_transaction_amount = excluded.max_transaction_amount,
			max_transactions_per_hour = excluded.max_transactions_per_hour,
			monthly_spending_limit = excluded.monthly_spending_limit,
			blocked_countries = excluded.blocked_countries,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		limits.UserID,
		nullFloat(limits.MaxTransactionAmount),
		nullInt(limits.MaxTransactionsPerHour),
		nullFloat(limits.MonthlySpendingLimit),
		string(blocked),
		time.Now().UTC(),
	)
	return err
}

// DeleteLimits removes the limits record for a user.
func (r *SQLRepository) DeleteLimits(ctx context.Context, userID int64) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM user_limits WHERE user_id = ?`), userID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// insertReturningID runs an INSERT and returns the generated id.
// lib/pq does not support LastInsertId, so postgres goes through
// RETURNING instead.
func (r *SQLRepository) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	if r.driver == "postgres" {
		var id int64
		err := r.db.QueryRowContext(ctx, r.rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}
