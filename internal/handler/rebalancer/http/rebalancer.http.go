package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/pair-rebalancer/internal/config"
	"github.com/krobus00/pair-rebalancer/internal/constant"
	"github.com/krobus00/pair-rebalancer/internal/entity"
	"github.com/krobus00/pair-rebalancer/internal/service/rebalancer"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	errAPIKeyMissing  = errors.New("api key is required")
	errAPIKeyInvalid  = errors.New("invalid api key")
	errAPIKeyInactive = errors.New("api key is inactive")
	errAPIKeyExpired  = errors.New("api key is expired")
)

// Session is the control surface the handler drives.
type Session interface {
	Start(ctx context.Context, params rebalancer.Params) error
	Stop() bool
	Status() rebalancer.SessionStatus
	DrainLog() []entity.SessionEvent
	RecentOrders(ctx context.Context, limit int) ([]entity.Order, error)
	Preview(ctx context.Context, params rebalancer.Params) (rebalancer.Preview, error)
}

// MarketLister lists the markets the account holds a balance in.
type MarketLister interface {
	ListHeldMarkets(ctx context.Context) ([]string, error)
}

type StartRequest struct {
	Ticker     string          `json:"ticker"`
	Ratio      decimal.Decimal `json:"ratio"`
	PriceRatio decimal.Decimal `json:"price_ratio"`
	TermHours  int             `json:"term_hours"`
}

type StartResponse struct {
	Status    string             `json:"status"`
	SessionID string             `json:"session_id"`
	Preview   rebalancer.Preview `json:"preview"`
}

type StopResponse struct {
	Stopped bool `json:"stopped"`
}

type LogsResponse struct {
	Events []entity.SessionEvent `json:"events"`
}

type OrdersResponse struct {
	Orders []entity.Order `json:"orders"`
}

type TickersResponse struct {
	Tickers []string `json:"tickers"`
}

type Handler struct {
	session Session
	markets MarketLister
}

func NewRebalancerHTTPHandler(session Session, markets MarketLister) *Handler {
	return &Handler{session: session, markets: markets}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/rebalancer/v1/start", h.authenticated(http.MethodPost, h.Start))
	mux.HandleFunc("/rebalancer/v1/stop", h.authenticated(http.MethodPost, h.Stop))
	mux.HandleFunc("/rebalancer/v1/status", h.authenticated(http.MethodGet, h.Status))
	mux.HandleFunc("/rebalancer/v1/logs", h.authenticated(http.MethodGet, h.Logs))
	mux.HandleFunc("/rebalancer/v1/orders", h.authenticated(http.MethodGet, h.Orders))
	mux.HandleFunc("/rebalancer/v1/preview", h.authenticated(http.MethodGet, h.Preview))
	mux.HandleFunc("/rebalancer/v1/tickers", h.authenticated(http.MethodGet, h.Tickers))
}

// Start refuses to launch a worker whose first buy leg the quote balance cannot cover.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	params := withConfigDefaults(rebalancer.Params{
		Ticker:     strings.ToUpper(strings.TrimSpace(req.Ticker)),
		Ratio:      req.Ratio,
		PriceRatio: req.PriceRatio,
		TermHours:  req.TermHours,
	})

	preview, err := h.session.Preview(r.Context(), params)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if preview.InsufficientQuote {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "insufficient quote balance for the buy order",
			"preview": preview,
		})
		return
	}

	if err := h.session.Start(r.Context(), params); err != nil {
		writeSessionError(w, err)
		return
	}

	status := h.session.Status()
	logrus.WithFields(logrus.Fields{
		"session_id": status.SessionID,
		"ticker":     params.Ticker,
	}).Info("rebalance session started")

	writeJSON(w, http.StatusAccepted, StartResponse{
		Status:    "started",
		SessionID: status.SessionID,
		Preview:   preview,
	})
}

func (h *Handler) Stop(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StopResponse{Stopped: h.session.Stop()})
}

func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Status())
}

func (h *Handler) Logs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, LogsResponse{Events: h.session.DrainLog()})
}

func (h *Handler) Orders(w http.ResponseWriter, r *http.Request) {
	limit := constant.DefaultRecentOrdersLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	orders, err := h.session.RecentOrders(r.Context(), limit)
	if err != nil {
		logrus.WithError(err).Error("failed to list recent orders")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, OrdersResponse{Orders: orders})
}

func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	params, err := paramsFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	preview, err := h.session.Preview(r.Context(), params)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, preview)
}

func (h *Handler) Tickers(w http.ResponseWriter, r *http.Request) {
	if h.markets == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "market listing unavailable"})
		return
	}

	tickers, err := h.markets.ListHeldMarkets(r.Context())
	if err != nil {
		logrus.WithError(err).Error("failed to list held markets")
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "exchange unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, TickersResponse{Tickers: tickers})
}

func (h *Handler) authenticated(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
			return
		}

		if err := validateAPIKey(r.Header.Get("X-API-Key")); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
			return
		}

		next(w, r)
	}
}

func paramsFromQuery(r *http.Request) (rebalancer.Params, error) {
	query := r.URL.Query()
	params := rebalancer.Params{
		Ticker: strings.ToUpper(strings.TrimSpace(query.Get("ticker"))),
	}

	var err error
	if raw := strings.TrimSpace(query.Get("ratio")); raw != "" {
		if params.Ratio, err = decimal.NewFromString(raw); err != nil {
			return rebalancer.Params{}, errors.New("invalid ratio")
		}
	}
	if raw := strings.TrimSpace(query.Get("price_ratio")); raw != "" {
		if params.PriceRatio, err = decimal.NewFromString(raw); err != nil {
			return rebalancer.Params{}, errors.New("invalid price_ratio")
		}
	}
	if raw := strings.TrimSpace(query.Get("term_hours")); raw != "" {
		if params.TermHours, err = strconv.Atoi(raw); err != nil {
			return rebalancer.Params{}, errors.New("invalid term_hours")
		}
	}

	return withConfigDefaults(params), nil
}

// withConfigDefaults fills zero-valued params from the rebalancer config section.
func withConfigDefaults(params rebalancer.Params) rebalancer.Params {
	if config.Env == nil {
		return params
	}

	defaults := config.Env.Rebalancer
	if params.Ticker == "" {
		params.Ticker = defaults.Ticker
	}
	if params.Ratio.IsZero() {
		params.Ratio = defaults.Ratio
	}
	if params.PriceRatio.IsZero() {
		params.PriceRatio = defaults.PriceRatio
	}
	if params.TermHours == 0 {
		params.TermHours = defaults.TermHours
	}

	return params
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rebalancer.ErrInvalidParams):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, rebalancer.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	default:
		logrus.WithError(err).Error("rebalance session request failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "exchange or lock service unavailable"})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func validateAPIKey(rawAPIKey string) error {
	apiKey := strings.TrimSpace(rawAPIKey)
	if apiKey == "" {
		return errAPIKeyMissing
	}

	if config.Env == nil || len(config.Env.APIKeys) == 0 {
		return errAPIKeyInvalid
	}

	now := time.Now().UTC()
	for _, candidate := range config.Env.APIKeys {
		storedKey := strings.TrimSpace(candidate.Key)
		if storedKey == "" {
			continue
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(storedKey)) != 1 {
			continue
		}

		if !candidate.Active {
			return errAPIKeyInactive
		}

		expiredAt, hasExpiry, err := parseExpiry(candidate.ExpiredAt)
		if err != nil {
			return errAPIKeyInvalid
		}
		if hasExpiry && !now.Before(expiredAt) {
			return errAPIKeyExpired
		}

		return nil
	}

	return errAPIKeyInvalid
}

func parseExpiry(value any) (time.Time, bool, error) {
	if value == nil {
		return time.Time{}, false, nil
	}

	switch v := value.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false, nil
		}
		return v.UTC(), true, nil
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return time.Time{}, false, nil
		}

		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			return parsed.UTC(), true, nil
		}

		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, false, err
		}

		return parsed.UTC().Add(24 * time.Hour), true, nil
	default:
		return time.Time{}, false, errors.New("unsupported expiry type")
	}
}
