package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/distcache/internal/model"
	"github.com/devrev/distcache/internal/store"
	"go.uber.org/zap"
)

// Topology is the node state readiness depends on
type Topology interface {
	Self() model.Address
	ViewID() int
	Members() []model.Address
	IsRehashInProgress() bool
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	topology Topology
	store    store.Pinger
	logger   *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker. pinger may be nil when the
// node has no store or the store cannot be pinged.
func NewHealthChecker(topology Topology, pinger store.Pinger, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		topology: topology,
		store:    pinger,
		logger:   logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks, ready := h.Check(ctx)
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}
	code := http.StatusOK
	if !ready {
		status.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeStatus(w, code, status)
}

// Check runs every readiness check. A rehash in progress is reported but
// does not make the node unready.
func (h *HealthChecker) Check(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string)
	ready := true

	if err := h.checkMembership(); err != nil {
		checks["membership"] = "unhealthy: " + err.Error()
		ready = false
	} else {
		checks["membership"] = "healthy"
	}

	if err := h.checkStore(ctx); err != nil {
		h.logger.Error("Store health check failed", zap.Error(err))
		checks["store"] = "unhealthy: " + err.Error()
		ready = false
	} else {
		checks["store"] = "healthy"
	}

	if h.topology.IsRehashInProgress() {
		checks["rehash"] = "in_progress"
	} else {
		checks["rehash"] = "idle"
	}
	return checks, ready
}

func (h *HealthChecker) checkMembership() error {
	if h.topology.ViewID() <= 0 {
		return fmt.Errorf("no view installed")
	}
	if !model.ContainsAddress(h.topology.Members(), h.topology.Self()) {
		return fmt.Errorf("%s is not a member of view %d", h.topology.Self(), h.topology.ViewID())
	}
	return nil
}

func (h *HealthChecker) checkStore(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	return h.store.Ping(ctx)
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
