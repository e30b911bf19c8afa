package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/nanogen/internal/account"
	"github.com/vnmchuo/nanogen/internal/audit"
	"github.com/vnmchuo/nanogen/internal/auth"
	"github.com/vnmchuo/nanogen/internal/generation"
	"github.com/vnmchuo/nanogen/internal/ledger"
	"github.com/vnmchuo/nanogen/internal/pricing"
	"github.com/vnmchuo/nanogen/internal/settings"
	"github.com/vnmchuo/nanogen/pkg/ratelimit"
)

const (
	defaultHistoryLimit = 5
	maxHistoryLimit     = 50
)

type Handler struct {
	generator *generation.Service
	ledger    *ledger.Ledger
	prices    *pricing.Table
	accounts  account.Directory
	audit     audit.Store
	limiter   *ratelimit.Limiter
	tracer    trace.Tracer
	logger    zerolog.Logger
}

func NewHandler(
	generator *generation.Service,
	l *ledger.Ledger,
	prices *pricing.Table,
	accounts account.Directory,
	auditStore audit.Store,
	limiter *ratelimit.Limiter,
	tracer trace.Tracer,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		generator: generator,
		ledger:    l,
		prices:    prices,
		accounts:  accounts,
		audit:     auditStore,
		limiter:   limiter,
		tracer:    tracer,
		logger:    logger.With().Str("component", "http").Logger(),
	}
}

// Routes mounts the user endpoints. The caller installs the auth middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/users/me", h.HandleRegister)
	r.Post("/generations", h.HandleGenerate)
	r.Get("/generations", h.HandleHistory)
	r.Get("/balance", h.HandleBalance)
	r.Get("/pricing", h.HandlePricing)
}

type registerRequest struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	profile := account.Profile{UserID: userID, Username: req.Username, FirstName: req.FirstName, LastName: req.LastName}
	if err := h.accounts.Register(ctx, profile); err != nil {
		h.logger.Error().Err(err).Int64("user_id", userID).Msg("register failed")
		writeError(w, http.StatusServiceUnavailable, "account store unavailable")
		return
	}
	acc, err := h.accounts.Get(ctx, userID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "account store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, acc)
}

type generateRequest struct {
	Prompt    string            `json:"prompt"`
	Model     string            `json:"model"`
	Settings  map[string]string `json:"settings"`
	ImageURLs []string          `json:"image_urls"`
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	requestID := auth.GetRequestID(ctx)

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, span := h.tracer.Start(ctx, "proxy.generate")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user_id", userID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	// Rejected requests do not use up the caller's quota.
	if strings.TrimSpace(req.Prompt) == "" {
		h.writeFailure(w, generation.ErrEmptyPrompt)
		return
	}
	cfg, err := settings.New(req.Model, req.Settings)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	allowed, err := h.limiter.Allow(ctx, userID, 1)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return
	}

	out, err := h.generator.Generate(ctx, generation.Request{
		UserID:    userID,
		RequestID: requestID,
		Prompt:    req.Prompt,
		Settings:  cfg,
		ImageURLs: req.ImageURLs,
	})
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":           out.Result.ID,
		"request_id":   requestID,
		"image_url":    out.Result.ImageURL,
		"content_type": out.Result.ContentType,
		"model":        out.Model,
		"cost":         out.Cost,
		"balance":      out.BalanceAfter,
		"latency_ms":   out.Result.LatencyMs,
	})
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	balance, err := h.ledger.GetBalance(ctx, userID)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"user_id": userID, "balance": balance})
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid 'limit'")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	recs, err := h.audit.RecentGenerations(ctx, userID, limit)
	if err != nil {
		h.logger.Error().Err(err).Int64("user_id", userID).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if recs == nil {
		recs = []*audit.GenerationRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"generations": recs,
	})
}

type priceEntry struct {
	Model string           `json:"model"`
	Slug  string           `json:"slug"`
	Title string           `json:"title"`
	Base  int64            `json:"base"`
	Tiers map[string]int64 `json:"tiers,omitempty"`
}

func (h *Handler) HandlePricing(w http.ResponseWriter, r *http.Request) {
	keys := h.prices.Keys()
	entries := make([]priceEntry, 0, len(keys))
	for _, k := range keys {
		m, _ := h.prices.Lookup(k)
		entries = append(entries, priceEntry{Model: k, Slug: m.Slug, Title: m.Title, Base: m.Base, Tiers: m.Tiers})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"default": h.prices.Default,
		"models":  entries,
	})
}

// writeFailure maps ledger and generation errors to status codes.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	var ife *generation.InsufficientFundsError
	switch {
	case errors.As(err, &ife):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   "insufficient funds",
			"balance": ife.Balance,
			"cost":    ife.Cost,
		})
	case errors.Is(err, generation.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, "prompt is required")
	default:
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error().Err(err).Msg("request failed")
		}
		writeError(w, status, msg)
	}
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ledger.ErrContentionExhausted):
		return http.StatusConflict, "balance is busy, try again"
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "account store unavailable"
	case errors.Is(err, generation.ErrGenerationFailed):
		return http.StatusBadGateway, "image generation failed"
	case errors.Is(err, account.ErrNotFound):
		return http.StatusNotFound, "user not found"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
