// Package dedupapi exposes the deduplication engine over HTTP. Agents
// that cannot shell out to the quell CLI POST raw alert content and get
// a suppress/allow verdict back.
package dedupapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/quell/internal/alert"
	"github.com/linnemanlabs/quell/internal/dedup"
)

// DecisionService defines the business operations dedupapi needs.
type DecisionService interface {
	Decide(ctx context.Context, al *alert.Alert, now time.Time) *dedup.Verdict
	Get(ctx context.Context, fingerprint string) (*dedup.Record, bool, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    DecisionService
}

// New creates a new API handler.
func New(logger log.Logger, svc DecisionService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("decision service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleDecideAlert)
		r.Get("/records/{fingerprint}", a.handleGetRecord)
		r.Post("/sweep", a.handleSweep)
	})
}

func (a *API) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("quell.fingerprint", fp))

	rec, ok, err := a.svc.Get(r.Context(), fp)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get dedup record", "fingerprint", fp)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSONError(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
