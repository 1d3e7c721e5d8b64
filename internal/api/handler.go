package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/banking"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const limitsCacheTTL = 5 * time.Minute

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *engine.Engine
	importer *banking.Importer
	version  string
}

// NewHandler creates a new API handler. The importer may be nil when no
// banking provider is configured.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, importer *banking.Importer, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		engine:   eng,
		importer: importer,
		version:  version,
	}
}

// EvaluateRequest is the request body for POST /evaluate.
type EvaluateRequest struct {
	TransactionID int64 `json:"transactionId"`
}

// Evaluate handles POST /evaluate requests.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.TransactionID <= 0 {
		writeError(w, http.StatusBadRequest, "transactionId is required")
		return
	}

	result, err := h.engine.EvaluateTransaction(ctx, req.TransactionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		metrics.RecordEvaluationError()
		slog.Error("evaluation failed", "tx_id", req.TransactionID, "error", err)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}
	metrics.RecordEvaluation(result, time.Since(start))

	writeJSON(w, http.StatusOK, result)
}

// CreateUserRequest is the request body for POST /users.
type CreateUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// CreateUser handles POST /users.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	if _, err := h.repo.GetUserByEmail(ctx, req.Email); err == nil {
		writeError(w, http.StatusConflict, "email already registered")
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		h.internalError(w, "lookup user", err)
		return
	}

	user := &domain.User{Email: req.Email, Name: req.Name}
	if err := h.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.internalError(w, "create user", err)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// GetUser handles GET /users/{id}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.internalError(w, "get user", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ListUsers handles GET /users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)

	users, err := h.repo.ListUsers(r.Context(), offset, limit)
	if err != nil {
		h.internalError(w, "list users", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

// DeleteUser handles DELETE /users/{id}. Deletes the user's
// transactions and limits as well.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.DeleteUser(r.Context(), userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.internalError(w, "delete user", err)
		return
	}
	h.invalidateLimits(r, userID)

	w.WriteHeader(http.StatusNoContent)
}

// CreateTransactionRequest is the request body for creating a transaction.
type CreateTransactionRequest struct {
	Amount   float64        `json:"amount"`
	Currency string         `json:"currency,omitempty"`
	Country  string         `json:"country,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateTransaction handles POST /users/{id}/transactions. Publishes a
// transaction-created event so the async worker picks it up.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if _, err := h.repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.internalError(w, "get user", err)
		return
	}

	tx := &domain.Transaction{
		UserID:   userID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Country:  req.Country,
		Metadata: req.Metadata,
	}
	if err := h.repo.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.internalError(w, "create transaction", err)
		return
	}

	if h.bus != nil {
		payload, _ := json.Marshal(domain.TransactionCreatedEvent{
			TransactionID: tx.ID,
			UserID:        tx.UserID,
		})
		if err := h.bus.Publish(ctx, domain.TopicTransactionCreated, payload); err != nil {
			slog.Error("failed to publish transaction event", "tx_id", tx.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, tx)
}

// ListTransactions handles GET /users/{id}/transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	offset, limit := pageParams(r)

	txs, err := h.repo.ListTransactions(r.Context(), userID, offset, limit)
	if err != nil {
		h.internalError(w, "list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"count":        len(txs),
	})
}

// GetTransaction handles GET /users/{id}/transactions/{txID}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	txID, ok := pathID(w, r, "txID")
	if !ok {
		return
	}

	tx, err := h.repo.GetTransaction(r.Context(), txID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		h.internalError(w, "get transaction", err)
		return
	}
	if tx.UserID != userID {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetLimits handles GET /users/{id}/limits, read-through cached.
func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	key := limitsCacheKey(userID)
	if h.cache != nil {
		if data, err := h.cache.Get(ctx, key); err == nil && data != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
	}

	limits, err := h.repo.GetLimits(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no limits configured")
			return
		}
		h.internalError(w, "get limits", err)
		return
	}

	if h.cache != nil {
		if data, err := json.Marshal(limits); err == nil {
			if err := h.cache.Set(ctx, key, data, limitsCacheTTL); err != nil {
				slog.Debug("limits cache set failed", "user_id", userID, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, limits)
}

// PutLimits handles PUT /users/{id}/limits: full replacement. Fields
// absent from the body become unlimited.
func (h *Handler) PutLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var rec domain.LimitsRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	rec.UserID = userID

	if !h.requireUser(w, r, userID) {
		return
	}
	if err := h.repo.SaveLimits(ctx, &rec); err != nil {
		h.internalError(w, "save limits", err)
		return
	}
	h.invalidateLimits(r, userID)

	writeJSON(w, http.StatusOK, &rec)
}

// PatchLimits handles PATCH /users/{id}/limits: partial update. Only
// fields present in the body change; an explicit null clears a limit.
func (h *Handler) PatchLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if !h.requireUser(w, r, userID) {
		return
	}

	rec, err := h.repo.GetLimits(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		rec = &domain.LimitsRecord{UserID: userID}
	} else if err != nil {
		h.internalError(w, "get limits", err)
		return
	}

	if v, present := raw["maxTransactionAmount"]; present {
		if err := json.Unmarshal(v, &rec.MaxTransactionAmount); err != nil {
			writeError(w, http.StatusBadRequest, "maxTransactionAmount must be a number or null")
			return
		}
	}
	if v, present := raw["maxTransactionsPerHour"]; present {
		if err := json.Unmarshal(v, &rec.MaxTransactionsPerHour); err != nil {
			writeError(w, http.StatusBadRequest, "maxTransactionsPerHour must be an integer or null")
			return
		}
	}
	if v, present := raw["monthlySpendingLimit"]; present {
		if err := json.Unmarshal(v, &rec.MonthlySpendingLimit); err != nil {
			writeError(w, http.StatusBadRequest, "monthlySpendingLimit must be a number or null")
			return
		}
	}
	if v, present := raw["blockedCountries"]; present {
		if err := json.Unmarshal(v, &rec.BlockedCountries); err != nil {
			writeError(w, http.StatusBadRequest, "blockedCountries must be a string array or null")
			return
		}
	}

	if err := h.repo.SaveLimits(ctx, rec); err != nil {
		h.internalError(w, "save limits", err)
		return
	}
	h.invalidateLimits(r, userID)

	writeJSON(w, http.StatusOK, rec)
}

// DeleteLimits handles DELETE /users/{id}/limits.
func (h *Handler) DeleteLimits(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.DeleteLimits(r.Context(), userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no limits configured")
			return
		}
		h.internalError(w, "delete limits", err)
		return
	}
	h.invalidateLimits(r, userID)

	w.WriteHeader(http.StatusNoContent)
}

// SyncBankingCustomers handles POST /banking/sync/customers.
func (h *Handler) SyncBankingCustomers(w http.ResponseWriter, r *http.Request) {
	if h.importer == nil {
		writeError(w, http.StatusServiceUnavailable, "banking provider not configured")
		return
	}

	report, err := h.importer.SyncCustomers(r.Context())
	if err != nil {
		slog.Error("customer sync failed", "error", err)
		writeError(w, http.StatusBadGateway, "banking provider error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ImportBankingCustomer handles POST /banking/customers/{id}/import.
func (h *Handler) ImportBankingCustomer(w http.ResponseWriter, r *http.Request) {
	if h.importer == nil {
		writeError(w, http.StatusServiceUnavailable, "banking provider not configured")
		return
	}
	customerID := chi.URLParam(r, "id")
	if customerID == "" {
		writeError(w, http.StatusBadRequest, "customer id is required")
		return
	}

	result, err := h.importer.ImportCustomer(r.Context(), customerID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "customer not found")
		case errors.Is(err, domain.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			slog.Error("customer import failed", "customer_id", customerID, "error", err)
			writeError(w, http.StatusBadGateway, "banking provider error")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// EvaluatePurchaseRequest is the request body for evaluating a new purchase.
type EvaluatePurchaseRequest struct {
	UserID      int64   `json:"userId"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
	Country     string  `json:"country,omitempty"`
}

// EvaluatePurchase handles POST /banking/accounts/{id}/purchases:
// records a purchase upstream, materializes it locally, and returns
// its evaluation.
func (h *Handler) EvaluatePurchase(w http.ResponseWriter, r *http.Request) {
	if h.importer == nil {
		writeError(w, http.StatusServiceUnavailable, "banking provider not configured")
		return
	}
	accountID := chi.URLParam(r, "id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account id is required")
		return
	}

	var req EvaluatePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	result, err := h.importer.EvaluatePurchase(r.Context(), accountID, req.UserID, req.Amount, req.Description, req.Country)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, domain.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			slog.Error("purchase evaluation failed", "account_id", accountID, "error", err)
			writeError(w, http.StatusBadGateway, "banking provider error")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// requireUser writes a 404 and returns false when the user is missing.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request, userID int64) bool {
	if _, err := h.repo.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
		} else {
			h.internalError(w, "get user", err)
		}
		return false
	}
	return true
}

func (h *Handler) invalidateLimits(r *http.Request, userID int64) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(r.Context(), limitsCacheKey(userID)); err != nil {
		slog.Debug("limits cache invalidation failed", "user_id", userID, "error", err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	slog.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func limitsCacheKey(userID int64) string {
	return fmt.Sprintf("limits:%d", userID)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, param+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func pageParams(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	return offset, limit
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
