// Package banking integrates with a Nessie-style sandbox banking API.
// The provider authenticates every request with an API key passed as a
// query parameter. Records fetched here are materialized into local
// users and transactions by the Importer; the rule engine never reads
// the provider directly.
package banking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Customer is an account holder at the banking provider.
type Customer struct {
	ID        string `json:"_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email,omitempty"`
}

// Account is a deposit account at the banking provider.
type Account struct {
	ID         string  `json:"_id"`
	Type       string  `json:"type"`
	Nickname   string  `json:"nickname"`
	Balance    float64 `json:"balance"`
	CustomerID string  `json:"customer_id,omitempty"`
}

// Purchase is a card purchase recorded against an account.
type Purchase struct {
	ID           string  `json:"_id"`
	MerchantID   string  `json:"merchant_id,omitempty"`
	Amount       float64 `json:"amount"`
	Description  string  `json:"description,omitempty"`
	Status       string  `json:"status,omitempty"`
	PurchaseDate string  `json:"purchase_date,omitempty"`
}

// PurchaseRequest is the body for creating a purchase upstream.
type PurchaseRequest struct {
	MerchantID   string  `json:"merchant_id"`
	Medium       string  `json:"medium"`
	PurchaseDate string  `json:"purchase_date"`
	Amount       float64 `json:"amount"`
	Description  string  `json:"description"`
}

// Client is an HTTP client for the banking provider.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a banking client from config.
func NewClient(cfg domain.BankingConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Customers fetches all customers.
func (c *Client) Customers(ctx context.Context) ([]Customer, error) {
	var out []Customer
	if err := c.getList(ctx, "/customers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Customer fetches one customer by provider id.
func (c *Client) Customer(ctx context.Context, customerID string) (*Customer, error) {
	var out Customer
	if err := c.get(ctx, "/customers/"+url.PathEscape(customerID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CustomerAccounts fetches the accounts belonging to a customer.
func (c *Client) CustomerAccounts(ctx context.Context, customerID string) ([]Account, error) {
	var out []Account
	if err := c.getList(ctx, "/customers/"+url.PathEscape(customerID)+"/accounts", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Accounts fetches all accounts.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var out []Account
	if err := c.getList(ctx, "/accounts", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Account fetches one account by provider id.
func (c *Client) Account(ctx context.Context, accountID string) (*Account, error) {
	var out Account
	if err := c.get(ctx, "/accounts/"+url.PathEscape(accountID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AccountPurchases fetches the purchases recorded against an account.
func (c *Client) AccountPurchases(ctx context.Context, accountID string) ([]Purchase, error) {
	var out []Purchase
	if err := c.getList(ctx, "/accounts/"+url.PathEscape(accountID)+"/purchases", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePurchase records a new purchase against an account upstream.
// The provider wraps creations as {"code":201,"objectCreated":{...}}.
func (c *Client) CreatePurchase(ctx context.Context, accountID string, req *PurchaseRequest) (*Purchase, error) {
	var envelope struct {
		Message       string    `json:"message"`
		ObjectCreated *Purchase `json:"objectCreated"`
	}
	if err := c.post(ctx, "/accounts/"+url.PathEscape(accountID)+"/purchases", req, &envelope); err != nil {
		return nil, err
	}
	if envelope.ObjectCreated == nil {
		return nil, fmt.Errorf("banking create purchase: no object in response")
	}
	return envelope.ObjectCreated, nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + path + "?key=" + url.QueryEscape(c.apiKey)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

// getList decodes a list endpoint. The provider is inconsistent about
// list envelopes: some endpoints return a bare JSON array, others wrap
// it as {"results": [...]}.
func (c *Client) getList(ctx context.Context, path string, out any) error {
	var raw json.RawMessage
	if err := c.get(ctx, path, &raw); err != nil {
		return err
	}

	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(raw, out)
	}

	var envelope struct {
		Results json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode list envelope: %w", err)
	}
	if envelope.Results == nil {
		return nil
	}
	return json.Unmarshal(envelope.Results, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("banking request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("banking %s: %w", req.URL.Path, domain.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("banking %s: status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("banking %s: decode response: %w", req.URL.Path, err)
	}
	return nil
}
