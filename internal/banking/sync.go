package banking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
)

const customerCacheTTL = 5 * time.Minute

// Importer materializes provider records as local users and
// transactions so the rule engine can evaluate them.
type Importer struct {
	client *Client
	repo   domain.Repository
	engine *engine.Engine
	cache  domain.Cache
}

// NewImporter creates an importer. The cache is optional and only
// accelerates customer lookups.
func NewImporter(client *Client, repo domain.Repository, eng *engine.Engine, cache domain.Cache) *Importer {
	return &Importer{client: client, repo: repo, engine: eng, cache: cache}
}

// SyncReport summarizes one customer sync run.
type SyncReport struct {
	Created  int `json:"created"`
	Existing int `json:"existing"`
	Skipped  int `json:"skipped"`
}

// SyncCustomers fetches all provider customers and creates a local user
// for each one not seen before. Customers without an email address are
// skipped: email is the dedupe key.
func (i *Importer) SyncCustomers(ctx context.Context) (*SyncReport, error) {
	customers, err := i.client.Customers(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync customers: %w", err)
	}

	report := &SyncReport{}
	for _, c := range customers {
		if c.Email == "" {
			report.Skipped++
			continue
		}
		_, created, err := i.materializeUser(ctx, &c)
		if err != nil {
			return nil, err
		}
		if created {
			report.Created++
		} else {
			report.Existing++
		}
	}
	return report, nil
}

// ImportedPurchase is one provider purchase materialized and evaluated.
// Evaluation is nil when that purchase's evaluation failed; the failure
// is logged and never reported as an ALLOW.
type ImportedPurchase struct {
	Purchase      Purchase                 `json:"purchase"`
	TransactionID int64                    `json:"transactionId"`
	Evaluation    *domain.EvaluationResult `json:"evaluation,omitempty"`
}

// ImportResult summarizes one customer import run.
type ImportResult struct {
	UserID   int64              `json:"userId"`
	Imported []ImportedPurchase `json:"imported"`
	Skipped  int                `json:"skipped"`
}

// ImportCustomer materializes the customer's purchases as local
// transactions for the linked user and evaluates each one. Purchases
// with a non-positive amount are skipped. Returns ErrNotFound when the
// provider does not know the customer.
func (i *Importer) ImportCustomer(ctx context.Context, customerID string) (*ImportResult, error) {
	customer, err := i.lookupCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if customer.Email == "" {
		return nil, fmt.Errorf("customer %s has no email: %w", customerID, domain.ErrInvalidInput)
	}

	user, _, err := i.materializeUser(ctx, customer)
	if err != nil {
		return nil, err
	}

	accounts, err := i.client.CustomerAccounts(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("accounts for customer %s: %w", customerID, err)
	}

	result := &ImportResult{UserID: user.ID, Imported: []ImportedPurchase{}}
	for _, acct := range accounts {
		purchases, err := i.client.AccountPurchases(ctx, acct.ID)
		if err != nil {
			return nil, fmt.Errorf("purchases for account %s: %w", acct.ID, err)
		}
		for _, p := range purchases {
			if p.Amount <= 0 {
				result.Skipped++
				continue
			}
			imported, err := i.materializePurchase(ctx, user.ID, acct.ID, &p)
			if err != nil {
				return nil, err
			}
			result.Imported = append(result.Imported, *imported)
		}
	}
	return result, nil
}

// EvaluatePurchase records a purchase upstream, materializes it as a
// local transaction, and evaluates it. The evaluation error, if any, is
// propagated: a purchase that could not be scored has no decision.
func (i *Importer) EvaluatePurchase(ctx context.Context, accountID string, userID int64, amount float64, description, country string) (*ImportedPurchase, error) {
	if _, err := i.repo.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("user %d: %w", userID, err)
	}

	purchase, err := i.client.CreatePurchase(ctx, accountID, &PurchaseRequest{
		MerchantID:   "kestrel",
		Medium:       "balance",
		PurchaseDate: time.Now().UTC().Format("2006-01-02"),
		Amount:       amount,
		Description:  description,
	})
	if err != nil {
		return nil, err
	}

	tx := &domain.Transaction{
		UserID:   userID,
		Amount:   amount,
		Currency: "USD",
		Country:  country,
		Status:   domain.TxStatusPending,
		Metadata: map[string]any{
			"provider":   "nessie",
			"accountId":  accountID,
			"purchaseId": purchase.ID,
		},
	}
	if err := i.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	eval, err := i.engine.EvaluateTransaction(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	return &ImportedPurchase{Purchase: *purchase, TransactionID: tx.ID, Evaluation: eval}, nil
}

// materializeUser finds the local user for a provider customer by
// email, creating one when absent. The bool reports a fresh row.
func (i *Importer) materializeUser(ctx context.Context, c *Customer) (*domain.User, bool, error) {
	user, err := i.repo.GetUserByEmail(ctx, c.Email)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}

	user = &domain.User{
		CustomerID: c.ID,
		Email:      c.Email,
		Name:       strings.TrimSpace(c.FirstName + " " + c.LastName),
	}
	if err := i.repo.CreateUser(ctx, user); err != nil {
		return nil, false, fmt.Errorf("create user for customer %s: %w", c.ID, err)
	}
	slog.Info("banking customer materialized", "customer_id", c.ID, "user_id", user.ID)
	return user, true, nil
}

// materializePurchase stores one purchase as a local transaction and
// evaluates it. An evaluation failure is logged and leaves Evaluation
// nil rather than aborting the remaining purchases.
func (i *Importer) materializePurchase(ctx context.Context, userID int64, accountID string, p *Purchase) (*ImportedPurchase, error) {
	tx := &domain.Transaction{
		UserID:   userID,
		Amount:   p.Amount,
		Currency: "USD",
		Status:   domain.TxStatusPending,
		Metadata: map[string]any{
			"provider":   "nessie",
			"accountId":  accountID,
			"purchaseId": p.ID,
			"merchantId": p.MerchantID,
		},
	}
	if when, err := time.Parse("2006-01-02", p.PurchaseDate); err == nil {
		tx.CreatedAt = when.UTC()
	}
	if err := i.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("materialize purchase %s: %w", p.ID, err)
	}

	imported := &ImportedPurchase{Purchase: *p, TransactionID: tx.ID}
	eval, err := i.engine.EvaluateTransaction(ctx, tx.ID)
	if err != nil {
		slog.Error("imported purchase evaluation failed",
			"purchase_id", p.ID,
			"tx_id", tx.ID,
			"error", err,
		)
		return imported, nil
	}
	imported.Evaluation = eval
	return imported, nil
}

// lookupCustomer fetches a provider customer through the cache.
func (i *Importer) lookupCustomer(ctx context.Context, customerID string) (*Customer, error) {
	key := "banking:customer:" + customerID

	if i.cache != nil {
		if data, err := i.cache.Get(ctx, key); err == nil && data != nil {
			var c Customer
			if err := json.Unmarshal(data, &c); err == nil {
				return &c, nil
			}
		}
	}

	customer, err := i.client.Customer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	if i.cache != nil {
		if data, err := json.Marshal(customer); err == nil {
			if err := i.cache.Set(ctx, key, data, customerCacheTTL); err != nil {
				slog.Debug("customer cache set failed", "customer_id", customerID, "error", err)
			}
		}
	}
	return customer, nil
}
