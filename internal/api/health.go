package api

import (
	"context"
	"net/http"
)

// HealthStore is the slice of the graph client the health probes need.
type HealthStore interface {
	Ping(ctx context.Context) error
	Degraded() bool
	JournalLen() int
	NodeCounts(ctx context.Context) (map[string]int64, error)
}

// GatewayHealth reports whether the agent gateway answered its most recent
// delivery.
type GatewayHealth interface {
	Healthy() bool
}

// HealthHandler serves the liveness and graph-health probes.
type HealthHandler struct {
	store   HealthStore
	gateway GatewayHealth
}

func NewHealthHandler(store HealthStore, gateway GatewayHealth) *HealthHandler {
	return &HealthHandler{store: store, gateway: gateway}
}

// Live handles GET /health: overall status plus per-dependency state.
// Always 200, this is a liveness probe; degraded state is in the body.
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	graphState := "ok"
	if h.store.Degraded() {
		graphState = "degraded"
	}
	gatewayState := "ok"
	if h.gateway != nil && !h.gateway.Healthy() {
		gatewayState = "unreachable"
	}

	status := "ok"
	if graphState != "ok" || gatewayState != "ok" {
		status = "degraded"
	}
	Ok(w, map[string]any{
		"status": status,
		"deps": map[string]string{
			"graph":   graphState,
			"gateway": gatewayState,
		},
	})
}

// Graph handles GET /health/graph: 200 with connection state and node
// counts, 503 while the store is unreachable, journal depth included
// either way.
func (h *HealthHandler) Graph(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"degraded":      h.store.Degraded(),
		"journal_depth": h.store.JournalLen(),
	}
	if err := h.store.Ping(r.Context()); err != nil {
		payload["status"] = "unavailable"
		JSON(w, http.StatusServiceUnavailable, envelope{"data": payload})
		return
	}
	if counts, err := h.store.NodeCounts(r.Context()); err == nil {
		payload["nodes"] = counts
	}
	payload["status"] = "ok"
	Ok(w, payload)
}
