// Package diagnostics implements the read-only introspection surface for a
// running cascade: provider health, tier hit/miss counts (via Prometheus),
// coalescer and upload-queue occupancy, and bloom filter rotation state.
// This is explicitly not a request-serving front end — every route here is
// GET-only and side-effect-free.
package diagnostics

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imazen/imageflow-server-sub002/cascade"
)

// Named groups one *cascade.Cascade under a label (e.g. "source", "derivative")
// so a pipeline with multiple cascades reports each separately.
type Named struct {
	Label   string
	Cascade *cascade.Cascade
}

// Router builds the read-only diagnostics sub-router.
type Router struct {
	cascades []Named
}

// NewRouter builds a diagnostics Router over one or more named cascades.
func NewRouter(cascades ...Named) *Router {
	return &Router{cascades: cascades}
}

// Mount returns a chi.Router exposing the diagnostics endpoints. Callers
// mount it under whatever prefix fits their deployment (e.g. r.Mount("/diag", diag.Mount(nil))).
// bearerSecret, if non-empty, wraps every route with RequireBearer(bearerSecret).
func (d *Router) Mount(bearerSecret []byte) chi.Router {
	r := chi.NewRouter()
	if len(bearerSecret) > 0 {
		r.Use(RequireBearer(bearerSecret))
	}

	r.Get("/healthz", d.handleHealthz)
	r.Get("/providers", d.handleProviders)
	r.Get("/cascade", d.handleCascadeStats)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (d *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// providerStatus is one provider tier's point-in-time health.
type providerStatus struct {
	Cascade     string `json:"cascade"`
	Name        string `json:"name"`
	Healthy     bool   `json:"healthy"`
	Quarantined bool   `json:"quarantined"`
	Error       string `json:"error,omitempty"`
}

func (d *Router) handleProviders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var out []providerStatus
	for _, named := range d.cascades {
		for _, p := range named.Cascade.Providers() {
			healthy, err := p.HealthCheck(ctx)
			status := providerStatus{
				Cascade:     named.Label,
				Name:        p.Name(),
				Healthy:     healthy,
				Quarantined: named.Cascade.IsQuarantined(p.Name()),
			}
			if err != nil {
				status.Error = err.Error()
			}
			out = append(out, status)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// cascadeStats is one cascade's occupancy snapshot.
type cascadeStats struct {
	Label            string `json:"label"`
	ActiveCoalesced  int    `json:"active_coalesced_keys"`
	UploadQueueTasks int    `json:"upload_queue_tasks"`
	UploadQueueBytes int64  `json:"upload_queue_bytes"`
	BloomActiveSlot  int    `json:"bloom_active_slot"`
	BloomSlotCount   int    `json:"bloom_slot_count"`
}

func (d *Router) handleCascadeStats(w http.ResponseWriter, r *http.Request) {
	out := make([]cascadeStats, 0, len(d.cascades))
	for _, named := range d.cascades {
		tasks, bytes := named.Cascade.UploadQueueStats()
		activeSlot, slotCount := named.Cascade.BloomState()
		out = append(out, cascadeStats{
			Label:            named.Label,
			ActiveCoalesced:  named.Cascade.ActiveCoalescedKeys(),
			UploadQueueTasks: tasks,
			UploadQueueBytes: bytes,
			BloomActiveSlot:  activeSlot,
			BloomSlotCount:   slotCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RequireBearer returns middleware that rejects requests lacking a valid
// HS256 bearer token signed with secret.
func RequireBearer(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			raw = strings.TrimSpace(raw)
			if raw == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			_, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
				if token.Method != jwt.SigningMethodHS256 {
					return nil, jwt.ErrTokenUnverifiable
				}
				return secret, nil
			})
			if err != nil {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
