package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/seedsx/market-engine/internal/auth"
	"github.com/seedsx/market-engine/internal/ledger"
	"github.com/seedsx/market-engine/internal/model"
	"github.com/seedsx/market-engine/internal/params"
	"github.com/seedsx/market-engine/internal/resolution"
	"github.com/seedsx/market-engine/internal/store"
)

// Handler serves the HTTP API over a Service and a resolution Engine.
type Handler struct {
	svc      *Service
	resolver *resolution.Engine
}

// NewHandler creates the HTTP handlers. resolver may be nil, which
// disables the resolve endpoint.
func NewHandler(svc *Service, resolver *resolution.Engine) *Handler {
	return &Handler{svc: svc, resolver: resolver}
}

// Mount registers the API routes on r. Everything requires an
// authenticated caller; decision creation, settlement and ledger
// adjustments also require the service role.
func (h *Handler) Mount(r chi.Router, authn *auth.Authenticator) {
	r.Group(func(r chi.Router) {
		r.Use(authn.Middleware)

		// Decisions and market data.
		r.Get("/decisions", h.ListDecisions)
		r.Get("/decisions/{decisionID}", h.GetDecision)
		r.Get("/decisions/{decisionID}/pools", h.GetPools)
		r.Get("/decisions/{decisionID}/odds", h.GetOdds)
		r.Get("/decisions/{decisionID}/price/{position}", h.GetPrice)
		r.Get("/decisions/{decisionID}/history", h.GetHistory)
		r.Get("/decisions/{decisionID}/quote", h.GetQuote)

		// Trade execution.
		r.Post("/decisions/{decisionID}/buy", h.Buy)
		r.Post("/decisions/{decisionID}/sell", h.Sell)

		// Caller's account.
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/seeds", h.GetSeeds)
		r.Get("/seeds/transactions", h.GetSeedsTransactions)

		// Collaborator primitives.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleService))
			r.Post("/decisions", h.CreateDecision)
			r.Post("/decisions/{decisionID}/resolve", h.Resolve)
			r.Post("/seeds/adjust", h.AdjustSeeds)
		})
	})
}

// --- Request types ---

// TradeRequest is the JSON body for POST /decisions/{id}/buy and /sell.
type TradeRequest struct {
	Position string          `json:"position"` // "yes" or "no"
	Shares   decimal.Decimal `json:"shares"`
}

// AdjustRequest is the JSON body for POST /seeds/adjust.
type AdjustRequest struct {
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"` // signed
	Reason      string          `json:"reason"`
	RelatedID   string          `json:"related_id,omitempty"`
	RelatedType string          `json:"related_type,omitempty"`
}

// --- Handlers ---

// CreateDecision handles POST /api/v1/decisions
func (h *Handler) CreateDecision(w http.ResponseWriter, r *http.Request) {
	var req params.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	dec, err := h.svc.CreateDecision(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dec)
}

// ListDecisions handles GET /api/v1/decisions
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	decs, err := h.svc.ListDecisions(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decs)
}

// GetDecision handles GET /api/v1/decisions/{decisionID}
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	dec, err := h.svc.GetDecision(r.Context(), chi.URLParam(r, "decisionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

// GetPools handles GET /api/v1/decisions/{decisionID}/pools
func (h *Handler) GetPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.svc.TradingPools(r.Context(), chi.URLParam(r, "decisionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

// GetOdds handles GET /api/v1/decisions/{decisionID}/odds
func (h *Handler) GetOdds(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "decisionID")
	p, err := h.svc.SingleOdds(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decision_id": id, "probability": p})
}

// GetPrice handles GET /api/v1/decisions/{decisionID}/price/{position}
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	pos, err := model.ParsePosition(chi.URLParam(r, "position"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	price, err := h.svc.CurrentPrice(r.Context(), chi.URLParam(r, "decisionID"), pos)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"position": pos, "price": price})
}

// GetHistory handles GET /api/v1/decisions/{decisionID}/history?interval=1h
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	var interval time.Duration
	if v := r.URL.Query().Get("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, "interval must be a positive duration such as 15m or 1h", http.StatusBadRequest)
			return
		}
		interval = d
	}
	hist, err := h.svc.CourseHistory(r.Context(), chi.URLParam(r, "decisionID"), interval)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// GetQuote handles GET /api/v1/decisions/{decisionID}/quote?position=yes&shares=10&side=buy
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pos, err := model.ParsePosition(q.Get("position"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	shares, err := decimal.NewFromString(q.Get("shares"))
	if err != nil {
		writeError(w, "shares must be a number", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "decisionID")
	var quote *Quote
	switch side := q.Get("side"); side {
	case "", string(model.TradeBuy):
		quote, err = h.svc.QuoteBuy(r.Context(), id, pos, shares)
	case string(model.TradeSell):
		quote, err = h.svc.QuoteSell(r.Context(), auth.UserID(r.Context()), id, pos, shares)
	default:
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// Buy handles POST /api/v1/decisions/{decisionID}/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	req, pos, ok := decodeTrade(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Buy(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "decisionID"), pos, req.Shares)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /api/v1/decisions/{decisionID}/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	req, pos, ok := decodeTrade(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Sell(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "decisionID"), pos, req.Shares)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeTrade(w http.ResponseWriter, r *http.Request) (TradeRequest, model.Position, bool) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, "", false
	}
	pos, err := model.ParsePosition(req.Position)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return req, "", false
	}
	return req, pos, true
}

// Resolve handles POST /api/v1/decisions/{decisionID}/resolve
// Body: {"kind":"outcome","winner":"yes"} or {"kind":"cancelled","reason":"..."}
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	if h.resolver == nil {
		writeError(w, "resolution is not enabled", http.StatusNotImplemented)
		return
	}
	var info model.ResolutionInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil || info.Resolution == nil {
		writeError(w, "invalid resolution body", http.StatusBadRequest)
		return
	}
	res, err := h.resolver.Resolve(r.Context(), chi.URLParam(r, "decisionID"), info.Resolution)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPortfolio handles GET /api/v1/portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Portfolio(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetSeeds handles GET /api/v1/seeds
func (h *Handler) GetSeeds(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.Seeds(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GetSeedsTransactions handles GET /api/v1/seeds/transactions
func (h *Handler) GetSeedsTransactions(w http.ResponseWriter, r *http.Request) {
	rows, err := h.svc.SeedsTransactions(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// AdjustSeeds handles POST /api/v1/seeds/adjust
func (h *Handler) AdjustSeeds(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	row, err := h.svc.AdjustSeeds(r.Context(), req.UserID, req.Amount, req.Reason,
		ledger.Related{ID: req.RelatedID, Type: req.RelatedType})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, resolution.ErrInvalidResolution):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrDecisionNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDecisionClosed), errors.Is(err, ErrDecisionExists),
		errors.Is(err, ErrPositionLimit), errors.Is(err, resolution.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientShares), errors.Is(err, ErrArithmetic):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrConcurrencyConflict), errors.Is(err, store.ErrConflict),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		slog.Error("request failed", "err", err)
		msg = "internal error"
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
