package banking

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newImporterFixture(t *testing.T, handler http.Handler) (*Importer, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-banking-*.db")
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

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(domain.BankingConfig{BaseURL: srv.URL, APIKey: "k", TimeoutSecs: 5})
	importer := NewImporter(client, repo, engine.MustDefault(repo), nil)
	return importer, repo
}

func sandboxHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /customers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"_id":"c1","first_name":"Ada","last_name":"Lovelace","email":"ada@example.com"},
			{"_id":"c2","first_name":"Alan","last_name":"Turing","email":"alan@example.com"},
			{"_id":"c3","first_name":"No","last_name":"Email"}
		]`))
	})
	mux.HandleFunc("GET /customers/c1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"_id":"c1","first_name":"Ada","last_name":"Lovelace","email":"ada@example.com"}`))
	})
	mux.HandleFunc("GET /customers/c1/accounts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"_id":"a1","type":"Checking","nickname":"main","balance":1000}]`))
	})
	mux.HandleFunc("GET /accounts/a1/purchases", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"_id":"p1","amount":120.5,"description":"groceries","purchase_date":"2026-03-02"},
			{"_id":"p2","amount":0,"description":"refund placeholder"},
			{"_id":"p3","amount":60,"description":"books","purchase_date":"2026-03-10"}
		]`))
	})
	return mux
}

func TestSyncCustomers(t *testing.T) {
	importer, repo := newImporterFixture(t, sandboxHandler())
	ctx := context.Background()

	report, err := importer.SyncCustomers(ctx)
	if err != nil {
		t.Fatalf("SyncCustomers failed: %v", err)
	}
	if report.Created != 2 || report.Existing != 0 || report.Skipped != 1 {
		t.Errorf("report = %+v, want created=2 existing=0 skipped=1", report)
	}

	user, err := repo.GetUserByEmail(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail failed: %v", err)
	}
	if user.CustomerID != "c1" {
		t.Errorf("customer link = %q, want c1", user.CustomerID)
	}
	if user.Name != "Ada Lovelace" {
		t.Errorf("name = %q, want Ada Lovelace", user.Name)
	}

	// Second run dedupes by email.
	report, err = importer.SyncCustomers(ctx)
	if err != nil {
		t.Fatalf("second SyncCustomers failed: %v", err)
	}
	if report.Created != 0 || report.Existing != 2 {
		t.Errorf("second report = %+v, want created=0 existing=2", report)
	}
}

func TestImportCustomerMaterializesAndEvaluates(t *testing.T) {
	importer, repo := newImporterFixture(t, sandboxHandler())
	ctx := context.Background()

	result, err := importer.ImportCustomer(ctx, "c1")
	if err != nil {
		t.Fatalf("ImportCustomer failed: %v", err)
	}
	if len(result.Imported) != 2 {
		t.Fatalf("imported %d purchases, want 2", len(result.Imported))
	}
	if result.Skipped != 1 {
		t.Errorf("skipped = %d, want 1 (zero-amount purchase)", result.Skipped)
	}

	for _, imp := range result.Imported {
		tx, err := repo.GetTransaction(ctx, imp.TransactionID)
		if err != nil {
			t.Fatalf("GetTransaction %d failed: %v", imp.TransactionID, err)
		}
		if tx.UserID != result.UserID {
			t.Errorf("tx user = %d, want %d", tx.UserID, result.UserID)
		}
		if imp.Evaluation == nil {
			t.Fatalf("purchase %s has no evaluation", imp.Purchase.ID)
		}
		// No limits configured: every purchase scores zero.
		if imp.Evaluation.Decision != domain.DecisionAllow {
			t.Errorf("decision = %s, want ALLOW", imp.Evaluation.Decision)
		}
	}
}

func TestImportCustomerUnknownCustomer(t *testing.T) {
	importer, _ := newImporterFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := importer.ImportCustomer(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected error for unknown customer")
	}
}

func TestEvaluatePurchaseUnknownUser(t *testing.T) {
	importer, _ := newImporterFixture(t, sandboxHandler())

	_, err := importer.EvaluatePurchase(context.Background(), "a1", 999, 10, "coffee", "US")
	if err == nil {
		t.Fatal("expected error for unknown user")
	}
}
