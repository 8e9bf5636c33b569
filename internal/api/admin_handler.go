package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/peage/internal/account"
	"github.com/alecgard/peage/internal/auth"
	"github.com/alecgard/peage/internal/ledger"
	"github.com/alecgard/peage/internal/metering"
	"github.com/go-chi/chi/v5"
)

// adminHandler serves account provisioning, credit deposits, and the
// reconciliation views behind the admin key.
type adminHandler struct {
	accounts       *account.Store
	ledger         ledger.Ledger
	meter          *metering.Store
	staleThreshold time.Duration
}

func newAdminHandler(accounts *account.Store, led ledger.Ledger, meter *metering.Store, staleThreshold time.Duration) *adminHandler {
	return &adminHandler{
		accounts:       accounts,
		ledger:         led,
		meter:          meter,
		staleThreshold: staleThreshold,
	}
}

type createAccountRequest struct {
	Email          string `json:"email"`
	Name           string `json:"name"`
	InitialBalance int64  `json:"initial_balance"`
}

type createAccountResponse struct {
	Account *account.Account `json:"account"`
	// APIKey is the plaintext key, returned exactly once at creation.
	APIKey string `json:"api_key"`
}

// CreateAccount provisions a new account and returns its plaintext API key.
func (h *adminHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "email is required")
		return
	}
	if req.InitialBalance < 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "initial_balance must be non-negative")
		return
	}

	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate api key")
		return
	}

	acct, err := h.accounts.Create(r.Context(), account.CreateParams{
		Email:          req.Email,
		Name:           req.Name,
		KeyHash:        key.Hash,
		KeyPrefix:      key.Prefix,
		InitialBalance: req.InitialBalance,
	})
	if err != nil {
		if errors.Is(err, account.ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, "conflict", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create account")
		return
	}

	writeJSON(w, http.StatusCreated, createAccountResponse{Account: acct, APIKey: plaintext})
}

// ListAccounts returns accounts newest first, paginated by created_at cursor.
func (h *adminHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var cursor time.Time
	if c := r.URL.Query().Get("cursor"); c != "" {
		parsed, err := time.Parse(time.RFC3339Nano, c)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "cursor must be an RFC 3339 timestamp")
			return
		}
		cursor = parsed
	}

	accounts, err := h.accounts.List(r.Context(), limit, cursor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list accounts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

type depositRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// DepositCredits adds credits to an account.
func (h *adminHandler) DepositCredits(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	var req depositRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "amount must be positive")
		return
	}

	balance, err := h.ledger.Deposit(r.Context(), accountID, req.Amount, req.Description)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to deposit credits")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": accountID,
		"balance":    balance,
	})
}

type setActiveRequest struct {
	IsActive bool `json:"is_active"`
}

// SetAccountActive enables or disables an account.
func (h *adminHandler) SetAccountActive(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	var req setActiveRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	if err := h.accounts.SetActive(r.Context(), accountID, req.IsActive); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "is_active": req.IsActive})
}

// ListStaleHolds reports reservations that have sat in the held state past
// the configured threshold. Read-only; refunds go through the reconcile CLI.
func (h *adminHandler) ListStaleHolds(w http.ResponseWriter, r *http.Request) {
	threshold := h.staleThreshold
	if v := r.URL.Query().Get("older_than"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "older_than must be a duration like 30m or 2h")
			return
		}
		threshold = parsed
	}

	holds, err := h.ledger.StaleHolds(r.Context(), threshold)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to scan stale holds")
		return
	}
	if holds == nil {
		holds = []ledger.Reservation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"older_than": threshold.String(),
		"holds":      holds,
	})
}

// GetAccountUsage returns an aggregated usage summary for one account.
func (h *adminHandler) GetAccountUsage(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "days must be a positive integer")
			return
		}
		days = parsed
	}

	summary, err := h.meter.GetSummary(r.Context(), accountID, days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to query usage")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
