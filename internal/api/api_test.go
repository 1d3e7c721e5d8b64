package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/repository"
)

type testFixture struct {
	server *Server
	repo   domain.Repository
	bus    domain.EventBus
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	b := bus.NewChannelBus(10)
	t.Cleanup(func() { b.Close() })

	srv := NewServer(domain.ServerConfig{}, repo, cache.NewLRUCache(100), b, engine.MustDefault(repo), nil, "test")
	return &testFixture{server: srv, repo: repo, bus: b}
}

func (f *testFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func (f *testFixture) seedUser(t *testing.T, email string) *domain.User {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/users", map[string]string{"email": email, "name": "Test User"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed user: status %d: %s", rec.Code, rec.Body.String())
	}
	user := decode[*domain.User](t, rec)
	return user
}

func TestHealth(t *testing.T) {
	f := newTestFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %q, want test", body["version"])
	}
}

func TestUserLifecycle(t *testing.T) {
	f := newTestFixture(t)

	user := f.seedUser(t, "alice@example.com")
	if user.ID == 0 {
		t.Fatal("created user has no id")
	}

	// Duplicate email conflicts.
	rec := f.do(t, http.MethodPost, "/users", map[string]string{"email": "alice@example.com"})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rec.Code)
	}

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/users/%d", user.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	got := decode[*domain.User](t, rec)
	if got.Email != "alice@example.com" {
		t.Errorf("email = %q", got.Email)
	}

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/users/%d", user.ID), nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/users/%d", user.ID), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
}

func TestCreateTransactionPublishesEvent(t *testing.T) {
	f := newTestFixture(t)
	user := f.seedUser(t, "bob@example.com")

	var got atomic.Value
	_, err := f.bus.Subscribe(context.Background(), domain.TopicTransactionCreated, func(ctx context.Context, msg *domain.Message) error {
		var event domain.TransactionCreatedEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return err
		}
		got.Store(&event)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/users/%d/transactions", user.ID), map[string]any{
		"amount":  250.0,
		"country": "US",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	tx := decode[*domain.Transaction](t, rec)
	if tx.ID == 0 || tx.UserID != user.ID {
		t.Errorf("unexpected transaction: %+v", tx)
	}
	if tx.Currency != "USD" {
		t.Errorf("currency default = %q, want USD", tx.Currency)
	}

	deadline := time.After(2 * time.Second)
	for got.Load() == nil {
		select {
		case <-deadline:
			t.Fatal("transaction event never published")
		case <-time.After(10 * time.Millisecond):
		}
	}
	event := got.Load().(*domain.TransactionCreatedEvent)
	if event.TransactionID != tx.ID || event.UserID != user.ID {
		t.Errorf("event = %+v, want tx %d user %d", event, tx.ID, user.ID)
	}
}

func TestCreateTransactionValidation(t *testing.T) {
	f := newTestFixture(t)
	user := f.seedUser(t, "carol@example.com")

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/users/%d/transactions", user.ID), map[string]any{"amount": 0})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero amount status = %d, want 400", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/users/999/transactions", map[string]any{"amount": 10})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown user status = %d, want 404", rec.Code)
	}
}

func TestGetTransactionOwnership(t *testing.T) {
	f := newTestFixture(t)
	owner := f.seedUser(t, "owner@example.com")
	other := f.seedUser(t, "other@example.com")

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/users/%d/transactions", owner.ID), map[string]any{"amount": 10})
	tx := decode[*domain.Transaction](t, rec)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/users/%d/transactions/%d", owner.ID, tx.ID), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("owner get status = %d, want 200", rec.Code)
	}

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/users/%d/transactions/%d", other.ID, tx.ID), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("other user get status = %d, want 404", rec.Code)
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	f := newTestFixture(t)
	user := f.seedUser(t, "dave@example.com")

	rec := f.do(t, http.MethodPut, fmt.Sprintf("/users/%d/limits", user.ID), map[string]any{
		"maxTransactionAmount": 1000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put limits status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/users/%d/transactions", user.ID), map[string]any{
		"amount":  1500.0,
		"country": "US",
	})
	tx := decode[*domain.Transaction](t, rec)

	rec = f.do(t, http.MethodPost, "/evaluate", map[string]any{"transactionId": tx.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate status = %d: %s", rec.Code, rec.Body.String())
	}
	result := decode[*domain.EvaluationResult](t, rec)
	if result.RiskScore != 30 {
		t.Errorf("risk score = %d, want 30", result.RiskScore)
	}
	if result.Decision != domain.DecisionAllow {
		t.Errorf("decision = %s, want ALLOW", result.Decision)
	}
	if len(result.Verdicts) != 4 {
		t.Errorf("got %d verdicts, want 4", len(result.Verdicts))
	}

	rec = f.do(t, http.MethodPost, "/evaluate", map[string]any{"transactionId": 99999})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown tx status = %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/evaluate", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing id status = %d, want 400", rec.Code)
	}
}

func TestLimitsLifecycle(t *testing.T) {
	f := newTestFixture(t)
	user := f.seedUser(t, "erin@example.com")

	// No limits yet.
	rec := f.do(t, http.MethodGet, fmt.Sprintf("/users/%d/limits", user.ID), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get before put = %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodPut, fmt.Sprintf("/users/%d/limits", user.ID), map[string]any{
		"maxTransactionAmount": 500,
		"blockedCountries":     []string{"IR", "KP"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/users/%d/limits", user.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	limits := decode[*domain.LimitsRecord](t, rec)
	if limits.MaxTransactionAmount == nil || *limits.MaxTransactionAmount != 500 {
		t.Errorf("max amount = %v, want 500", limits.MaxTransactionAmount)
	}
	if len(limits.BlockedCountries) != 2 {
		t.Errorf("blocked countries = %v", limits.BlockedCountries)
	}

	// PATCH merges: adds a velocity limit, clears the amount limit,
	// leaves countries untouched.
	rec = f.do(t, http.MethodPatch, fmt.Sprintf("/users/%d/limits", user.ID), map[string]any{
		"maxTransactionsPerHour": 5,
		"maxTransactionAmount":   nil,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", rec.Code, rec.Body.String())
	}
	limits = decode[*domain.LimitsRecord](t, rec)
	if limits.MaxTransactionAmount != nil {
		t.Errorf("max amount not cleared: %v", *limits.MaxTransactionAmount)
	}
	if limits.MaxTransactionsPerHour == nil || *limits.MaxTransactionsPerHour != 5 {
		t.Errorf("velocity limit = %v, want 5", limits.MaxTransactionsPerHour)
	}
	if len(limits.BlockedCountries) != 2 {
		t.Errorf("blocked countries changed: %v", limits.BlockedCountries)
	}

	// Cache was invalidated: fresh GET sees the patched record.
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/users/%d/limits", user.ID), nil)
	limits = decode[*domain.LimitsRecord](t, rec)
	if limits.MaxTransactionAmount != nil {
		t.Errorf("stale cached limits returned after patch")
	}

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/users/%d/limits", user.ID), nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/users/%d/limits", user.ID), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}

	// Limits for an unknown user.
	rec = f.do(t, http.MethodPut, "/users/999/limits", map[string]any{"maxTransactionAmount": 1})
	if rec.Code != http.StatusNotFound {
		t.Errorf("put for unknown user = %d, want 404", rec.Code)
	}
}

func TestBankingNotConfigured(t *testing.T) {
	f := newTestFixture(t)

	rec := f.do(t, http.MethodPost, "/banking/sync/customers", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newTestFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "kestrel_") {
		t.Error("metrics output missing kestrel namespace")
	}
}
