package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/devrev/distcache/internal/cache"
	"github.com/devrev/distcache/internal/errors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

const maxValueSize = 4 << 20

// Node is the cache node the admin API operates on
type Node interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, lifespan time.Duration) ([]byte, error)
	Remove(ctx context.Context, key string) (bool, error)
	Evict(ctx context.Context, key string) error
	Stats() cache.Stats
	ResetStats()
	SetStatisticsEnabled(enabled bool)
	Cluster() cache.ClusterInfo
}

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

type handlers struct {
	node   Node
	logger *zap.Logger
}

// getEntry handles GET /v1/cache/{key}; the raw value is the body
func (h *handlers) getEntry(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	value, found, err := h.node.Get(r.Context(), key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(value)
}

// putEntry handles PUT /v1/cache/{key}?ttl=30s
func (h *handlers) putEntry(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var lifespan time.Duration
	if ttl := r.URL.Query().Get("ttl"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "ttl must be a non-negative duration")
			return
		}
		lifespan = d
	}
	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "failed to read body")
		return
	}
	if len(value) > maxValueSize {
		writeError(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "value too large")
		return
	}

	previous, err := h.node.Put(r.Context(), key, value, lifespan)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"replaced": previous != nil,
	})
}

// deleteEntry handles DELETE /v1/cache/{key}
func (h *handlers) deleteEntry(w http.ResponseWriter, r *http.Request) {
	removed, err := h.node.Remove(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"removed": removed,
	})
}

// evictEntry handles POST /v1/cache/{key}/evict
func (h *handlers) evictEntry(w http.ResponseWriter, r *http.Request) {
	if err := h.node.Evict(r.Context(), mux.Vars(r)["key"]); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.node.Stats())
}

func (h *handlers) resetStats(w http.ResponseWriter, r *http.Request) {
	h.node.ResetStats()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// setStatistics handles PUT /v1/stats/enabled?value=true
func (h *handlers) setStatistics(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("value"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "value must be a boolean")
		return
	}
	h.node.SetStatisticsEnabled(enabled)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"statistics_enabled": enabled,
	})
}

func (h *handlers) cluster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.node.Cluster())
}

func (h *handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	code := codes.Unknown
	var ce *errors.CacheError
	if stderrors.As(err, &ce) {
		code = ce.ToGRPCStatus().Code()
	}
	statusCode, errorCode := httpStatus(code)
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get("X-Request-ID")),
			zap.Error(err))
	}
	writeError(w, statusCode, errorCode, err.Error())
}

// httpStatus maps a gRPC code to an HTTP status and error code
func httpStatus(code codes.Code) (int, string) {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest, "INVALID_REQUEST"
	case codes.Unimplemented:
		return http.StatusNotImplemented, "UNSUPPORTED"
	case codes.FailedPrecondition:
		return http.StatusConflict, "FAILED_PRECONDITION"
	case codes.Unavailable:
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout, "TIMEOUT"
	case codes.Aborted, codes.Canceled:
		return http.StatusServiceUnavailable, "INTERRUPTED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
	})
}
