package healthcheck

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const pingTimeout = 2 * time.Second

// Pinger checks a dependency the service cannot work without.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status is the body served by the health endpoints.
type Status struct {
	Snapshot
	Store string `json:"store,omitempty"`
}

// HealthHandler serves /healthz responses.
func HealthHandler(tracker *Tracker, pollInterval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusServiceUnavailable
		if tracker.Healthy(time.Now().UTC(), pollInterval) {
			status = http.StatusOK
		}
		writeJSON(w, status, Status{Snapshot: tracker.Snapshot()})
	}
}

// ReadyHandler serves /readyz responses. A nil pinger skips the store check.
func ReadyHandler(tracker *Tracker, store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := Status{Snapshot: tracker.Snapshot()}
		ready := tracker.Ready()

		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
			err := store.Ping(ctx)
			cancel()
			if err != nil {
				payload.Store = "unreachable"
				ready = false
			} else {
				payload.Store = "ok"
			}
		}

		status := http.StatusServiceUnavailable
		if ready {
			status = http.StatusOK
		}
		writeJSON(w, status, payload)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
