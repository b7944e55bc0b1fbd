package dedupapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/quell/internal/alert"
)

// maxAlertBody bounds how much alert content a single request may carry.
const maxAlertBody = 1 << 20

func (a *API) handleDecideAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAlertBody))
	if err != nil {
		writeJSONError(w, "failed to read body", http.StatusBadRequest)
		return
	}

	al, err := alert.ParseContent(body)
	if err != nil {
		if errors.Is(err, alert.ErrMalformed) {
			a.logger.Warn(r.Context(), "cannot decide: malformed alert", "bytes", len(body))
			writeJSONError(w, "cannot decide: malformed alert", http.StatusBadRequest)
			return
		}
		a.logger.Error(r.Context(), err, "alert parse failed")
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	verdict := a.svc.Decide(r.Context(), al, time.Now())

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(verdict)
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	evicted, err := a.svc.Sweep(r.Context(), time.Now())
	if err != nil {
		a.logger.Error(r.Context(), err, "sweep failed")
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"evicted": evicted})
}
