package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nholik/watch-notifier/internal/notify"
	"github.com/nholik/watch-notifier/internal/runner"
	"github.com/rs/zerolog"
)

const maxEventBody = 64 << 10

// ReportLookup returns the last recorded report for a resource.
type ReportLookup interface {
	Last(resourceID string) (notify.Report, bool)
}

// AdminOptions wires the admin API. Nil fields disable their routes.
type AdminOptions struct {
	Notifier runner.Notifier
	Reports  ReportLookup
}

type eventRequest struct {
	Reason              string `json:"reason"`
	PreviousFingerprint string `json:"previous_fingerprint"`
	CurrentFingerprint  string `json:"current_fingerprint"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func registerAdminRoutes(r chi.Router, logger zerolog.Logger, opts AdminOptions) {
	if opts.Notifier == nil && opts.Reports == nil {
		return
	}
	r.Route("/v1/resources/{id}", func(res chi.Router) {
		if opts.Notifier != nil {
			res.Post("/notify", notifyHandler(logger, opts.Notifier))
		}
		if opts.Reports != nil {
			res.Get("/report", reportHandler(opts.Reports))
		}
	})
}

// notifyHandler runs a cycle for the resource in the URL. The body is an
// optional JSON change event; an empty body means "manual".
func notifyHandler(logger zerolog.Logger, notifier runner.Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resourceID := chi.URLParam(r, "id")

		var req eventRequest
		body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body: " + err.Error()})
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid change event: " + err.Error()})
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "manual"
		}

		event := notify.ChangeEvent{
			ResourceID:          resourceID,
			Reason:              req.Reason,
			PreviousFingerprint: req.PreviousFingerprint,
			CurrentFingerprint:  req.CurrentFingerprint,
		}

		report, err := notifier.NotifyResourceChange(r.Context(), resourceID, event)
		switch {
		case errors.Is(err, notify.ErrResourceNotFound):
			writeJSON(w, http.StatusNotFound, report)
		case err != nil:
			logger.Error().Err(err).Str("resource_id", resourceID).Msg("admin notification failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusOK, report)
		}
	}
}

func reportHandler(reports ReportLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resourceID := chi.URLParam(r, "id")
		report, ok := reports.Last(resourceID)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "no report recorded for " + resourceID})
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
