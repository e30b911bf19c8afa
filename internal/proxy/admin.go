package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/nanogen/internal/account"
	"github.com/vnmchuo/nanogen/internal/audit"
	"github.com/vnmchuo/nanogen/internal/auth"
	"github.com/vnmchuo/nanogen/internal/ledger"
)

const adminListLimit = 20

type AdminRecorder interface {
	EnqueueAdminAction(ctx context.Context, action *audit.AdminAction) error
}

// AdminHandler serves the balance management panel.
type AdminHandler struct {
	ledger   *ledger.Ledger
	accounts account.Directory
	tokens   auth.Store
	cache    *redis.Client
	recorder AdminRecorder
	logger   zerolog.Logger
}

// NewAdminHandler builds the admin surface. cache is the auth middleware's
// token cache; revoked tokens are evicted from it.
func NewAdminHandler(l *ledger.Ledger, accounts account.Directory, tokens auth.Store, cache *redis.Client, recorder AdminRecorder, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		ledger:   l,
		accounts: accounts,
		tokens:   tokens,
		cache:    cache,
		recorder: recorder,
		logger:   logger.With().Str("component", "admin").Logger(),
	}
}

// Routes mounts the admin endpoints. The caller installs auth and
// auth.RequireAdmin.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/users", h.HandleListUsers)
	r.Get("/users/{id}", h.HandleGetUser)
	r.Post("/users/{id}/credit", h.HandleCredit)
	r.Post("/users/{id}/withdraw", h.HandleWithdraw)
	r.Post("/users/{id}/zero", h.HandleZero)
	r.Post("/users/{id}/balance", h.HandleSetBalance)
	r.Post("/payments", h.HandlePayment)
	r.Post("/tokens", h.HandleIssueToken)
	r.Delete("/tokens/{id}", h.HandleRevokeToken)
}

func (h *AdminHandler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := account.NormalizeQuery(r.URL.Query().Get("q"))

	var (
		users []account.Account
		err   error
	)
	if q == "" {
		users, err = h.accounts.ListRecent(ctx, adminListLimit)
	} else {
		users, err = h.accounts.Search(ctx, q, adminListLimit)
	}
	if err != nil {
		h.logger.Error().Err(err).Str("query", q).Msg("user list failed")
		writeError(w, http.StatusServiceUnavailable, "account store unavailable")
		return
	}
	if users == nil {
		users = []account.Account{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"query": q, "users": users})
}

func (h *AdminHandler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	acc, err := h.accounts.Get(r.Context(), userID)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":         acc,
		"display_name": acc.DisplayName(),
	})
}

type amountRequest struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

func (h *AdminHandler) HandleCredit(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	balance, err := h.ledger.Credit(r.Context(), userID, req.Amount)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	h.record(r.Context(), userID, audit.ActionAddTokens, req.Amount, req.Note)
	writeJSON(w, http.StatusOK, map[string]int64{"user_id": userID, "balance": balance})
}

func (h *AdminHandler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.ledger.Withdraw(r.Context(), userID, req.Amount)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	if !res.OK {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   "insufficient funds",
			"balance": res.BalanceAfter,
			"cost":    res.Cost,
		})
		return
	}

	h.record(r.Context(), userID, audit.ActionSubTokens, req.Amount, req.Note)
	writeJSON(w, http.StatusOK, map[string]int64{"user_id": userID, "balance": res.BalanceAfter})
}

func (h *AdminHandler) HandleZero(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	balance, err := h.ledger.ForceSet(r.Context(), userID, 0)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	h.record(r.Context(), userID, audit.ActionZeroBalance, 0, "")
	writeJSON(w, http.StatusOK, map[string]int64{"user_id": userID, "balance": balance})
}

type setBalanceRequest struct {
	Balance *int64 `json:"balance"`
	Note    string `json:"note"`
}

func (h *AdminHandler) HandleSetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req setBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Balance == nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	balance, err := h.ledger.ForceSet(r.Context(), userID, *req.Balance)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	h.record(r.Context(), userID, audit.ActionSetBalance, balance, req.Note)
	writeJSON(w, http.StatusOK, map[string]int64{"user_id": userID, "balance": balance})
}

type paymentRequest struct {
	UserID    int64  `json:"user_id"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// HandlePayment credits a completed payment. reference is recorded in the
// audit trail but not deduplicated: a callback delivered twice credits
// twice, so callers must send each payment once.
func (h *AdminHandler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	balance, err := h.ledger.Credit(r.Context(), req.UserID, req.Amount)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	h.record(r.Context(), req.UserID, audit.ActionPaymentCredit, req.Amount, req.Reference)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   req.UserID,
		"balance":   balance,
		"reference": req.Reference,
	})
}

type issueTokenRequest struct {
	UserID  int64  `json:"user_id"`
	Scope   string `json:"scope"`
	TTLDays *int   `json:"ttl_days"`
}

func (h *AdminHandler) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ttl := auth.DefaultTTL
	if req.TTLDays != nil {
		if *req.TTLDays < 0 {
			writeError(w, http.StatusBadRequest, "invalid 'ttl_days'")
			return
		}
		ttl = time.Duration(*req.TTLDays) * 24 * time.Hour
	}

	key, token, err := auth.Issue(r.Context(), h.tokens, req.UserID, req.Scope, ttl)
	if err != nil {
		h.logger.Error().Err(err).Int64("user_id", req.UserID).Msg("token issue failed")
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}

	h.record(r.Context(), req.UserID, audit.ActionIssueToken, 0, token.Scope)
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      key,
		"id":         token.ID,
		"prefix":     token.TokenPrefix,
		"scope":      token.Scope,
		"expires_at": token.ExpiresAt,
	})
}

func (h *AdminHandler) HandleRevokeToken(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "id")
	if tokenID == auth.GetTokenID(r.Context()) {
		writeError(w, http.StatusConflict, "cannot revoke the token making this request")
		return
	}

	token, err := auth.Revoke(r.Context(), h.tokens, h.cache, tokenID)
	if err != nil {
		if errors.Is(err, auth.ErrTokenNotFound) {
			writeError(w, http.StatusNotFound, "token not found")
			return
		}
		if token == nil {
			h.logger.Error().Err(err).Str("token_id", tokenID).Msg("token revoke failed")
			writeError(w, http.StatusInternalServerError, "token revoke failed")
			return
		}
		h.logger.Warn().Err(err).Str("token_id", tokenID).Msg("revoked token may stay cached")
	}

	h.record(r.Context(), token.UserID, audit.ActionRevokeToken, 0, token.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      token.ID,
		"user_id": token.UserID,
		"prefix":  token.TokenPrefix,
		"active":  false,
	})
}

func (h *AdminHandler) record(ctx context.Context, target int64, action string, amount int64, note string) {
	adminID, _ := auth.GetUserID(ctx)
	h.logger.Info().
		Int64("admin_id", adminID).
		Str("token_id", auth.GetTokenID(ctx)).
		Int64("user_id", target).
		Str("action", action).
		Int64("amount", amount).
		Msg("admin action")

	err := h.recorder.EnqueueAdminAction(ctx, &audit.AdminAction{
		AdminID:      adminID,
		TargetUserID: target,
		Action:       action,
		Amount:       amount,
		Note:         note,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("action", action).Msg("admin action not recorded")
	}
}

func (h *AdminHandler) writeFailure(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("admin request failed")
	}
	writeError(w, status, msg)
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user id %q", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}
