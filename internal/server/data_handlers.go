package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/marketsync/internal/domain"
)

// defaultBarsLookbackDays is the range served when a bars request has no "from"
const defaultBarsLookbackDays = 365

// MarketReader is the read side of the market store
type MarketReader interface {
	ListSecurities(ctx context.Context) ([]domain.Security, error)
	GetSecurity(ctx context.Context, securityID string) (*domain.Security, error)
	LoadRange(ctx context.Context, securityID string, r domain.DateRange) ([]domain.PriceBar, error)
	LoadAdjusted(ctx context.Context, securityID string, r domain.DateRange) ([]domain.PriceBar, error)
	ListTradingDates(ctx context.Context, exchange string, r domain.DateRange) ([]time.Time, error)
}

// DataHandlers serves stored market data
type DataHandlers struct {
	market MarketReader
	log    zerolog.Logger
	now    func() time.Time
}

// NewDataHandlers creates data handlers
func NewDataHandlers(market MarketReader, log zerolog.Logger) *DataHandlers {
	return &DataHandlers{
		market: market,
		log:    log.With().Str("handler", "data").Logger(),
		now:    time.Now,
	}
}

// HandleListSecurities returns the listed universe
// GET /api/securities
func (h *DataHandlers) HandleListSecurities(w http.ResponseWriter, r *http.Request) {
	securities, err := h.market.ListSecurities(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list securities")
		writeError(h.log, w, http.StatusInternalServerError, "failed to list securities")
		return
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"count":      len(securities),
		"securities": securities,
	})
}

// HandleGetSecurity returns one security
// GET /api/securities/{id}
func (h *DataHandlers) HandleGetSecurity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	security, err := h.market.GetSecurity(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("security_id", id).Msg("Failed to get security")
		writeError(h.log, w, http.StatusInternalServerError, "failed to get security")
		return
	}
	if security == nil {
		writeError(h.log, w, http.StatusNotFound, "security not found")
		return
	}
	writeJSON(h.log, w, http.StatusOK, security)
}

// HandleGetBars returns stored bars, optionally forward adjusted
// GET /api/bars/{id}?from=YYYYMMDD&to=YYYYMMDD&adjust=qfq
func (h *DataHandlers) HandleGetBars(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rng, err := parseRange(r, h.now(), defaultBarsLookbackDays)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}

	adjust := r.URL.Query().Get("adjust")
	var bars []domain.PriceBar
	switch adjust {
	case "", "none":
		adjust = "none"
		bars, err = h.market.LoadRange(r.Context(), id, rng)
	case "qfq":
		bars, err = h.market.LoadAdjusted(r.Context(), id, rng)
	default:
		writeError(h.log, w, http.StatusBadRequest, "adjust must be none or qfq")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("security_id", id).Msg("Failed to load bars")
		writeError(h.log, w, http.StatusInternalServerError, "failed to load bars")
		return
	}
	if bars == nil {
		bars = []domain.PriceBar{}
	}

	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"security_id": id,
		"from":        domain.FormatDate(rng.From),
		"to":          domain.FormatDate(rng.To),
		"adjust":      adjust,
		"count":       len(bars),
		"bars":        bars,
	})
}

// HandleGetCalendar returns the open dates of an exchange
// GET /api/calendar/{exchange}?from=YYYYMMDD&to=YYYYMMDD
func (h *DataHandlers) HandleGetCalendar(w http.ResponseWriter, r *http.Request) {
	exchange := chi.URLParam(r, "exchange")
	rng, err := parseRange(r, h.now(), defaultBarsLookbackDays)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}

	dates, err := h.market.ListTradingDates(r.Context(), exchange, rng)
	if err != nil {
		h.log.Error().Err(err).Str("exchange", exchange).Msg("Failed to list trading dates")
		writeError(h.log, w, http.StatusInternalServerError, "failed to list trading dates")
		return
	}

	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = domain.FormatDate(d)
	}
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"exchange": exchange,
		"count":    len(out),
		"dates":    out,
	})
}

// parseRange reads from/to query parameters. "to" defaults to today; "from" to
// lookbackDays before "to", or the epoch when lookbackDays is 0.
func parseRange(r *http.Request, now time.Time, lookbackDays int) (domain.DateRange, error) {
	q := r.URL.Query()

	to := domain.NormalizeDate(now)
	if s := q.Get("to"); s != "" {
		t, err := domain.ParseDate(s)
		if err != nil {
			return domain.DateRange{}, err
		}
		to = domain.NormalizeDate(t)
	}

	from := time.Unix(0, 0).UTC()
	if lookbackDays > 0 {
		from = to.AddDate(0, 0, -lookbackDays)
	}
	if s := q.Get("from"); s != "" {
		t, err := domain.ParseDate(s)
		if err != nil {
			return domain.DateRange{}, err
		}
		from = domain.NormalizeDate(t)
	}

	rng := domain.DateRange{From: from, To: to}
	if err := rng.Validate(); err != nil {
		return domain.DateRange{}, fmt.Errorf("invalid range: %w", err)
	}
	return rng, nil
}
