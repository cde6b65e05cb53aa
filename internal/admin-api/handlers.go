// Copyright 2025 James Ross
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/admin"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobqueue"
	"github.com/flyingrobots/go-redis-work-queue/internal/machine"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler holds the API handler dependencies
type Handler struct {
	cfg      *config.Config
	apiCfg   *Config
	queue    *jobqueue.Queue
	registry *machine.Registry
	rdb      *redis.Client
	logger   *zap.Logger
	auditLog *AuditLogger
}

// NewHandler creates a new API handler
func NewHandler(cfg *config.Config, apiCfg *Config, queue *jobqueue.Queue, registry *machine.Registry, rdb *redis.Client, logger *zap.Logger, auditLog *AuditLogger) *Handler {
	return &Handler{
		cfg:      cfg,
		apiCfg:   apiCfg,
		queue:    queue,
		registry: registry,
		rdb:      rdb,
		logger:   logger,
		auditLog: auditLog,
	}
}

// GetStats handles GET /api/v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	stats, err := admin.Stats(ctx, h.queue)
	if err != nil {
		h.logger.Error("Failed to get stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "STATS_ERROR", "Failed to retrieve statistics")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		Waiting:   stats.Waiting,
		Active:    stats.Active,
		Delayed:   stats.Delayed,
		Completed: stats.Completed,
		Failed:    stats.Failed,
		Timestamp: time.Now(),
	})
}

// GetMachineStats handles GET /api/v1/machines/{machine_id}
func (h *Handler) GetMachineStats(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	if len(parts) < 5 || parts[4] == "" {
		writeError(w, http.StatusBadRequest, "INVALID_PATH", "machine id is required")
		return
	}
	machineID := parts[4]

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	snap, err := admin.MachineSnapshot(ctx, h.registry, machineID)
	if err != nil {
		writeError(w, http.StatusNotFound, "MACHINE_NOT_FOUND", "unknown machine")
		return
	}

	writeJSON(w, http.StatusOK, MachineStatsResponse{
		ID:                snap.ID,
		OperationalStatus: snap.OperationalStatus,
		CurrentQueue:      snap.CurrentQueue,
		Capacity:          snap.Capacity,
		Timestamp:         time.Now(),
	})
}

// PeekQueue handles GET /api/v1/queues/{state}/peek
func (h *Handler) PeekQueue(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	if len(parts) < 5 {
		writeError(w, http.StatusBadRequest, "INVALID_PATH", "Invalid path format")
		return
	}
	state := parts[4]

	count := 10
	if c := r.URL.Query().Get("count"); c != "" {
		if n, err := strconv.Atoi(c); err == nil && n > 0 && n <= 100 {
			count = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result, err := admin.Peek(ctx, h.queue, state, int64(count))
	if err != nil {
		h.logger.Error("Failed to peek queue", zap.Error(err), zap.String("state", state))
		writeError(w, http.StatusBadRequest, "PEEK_ERROR", err.Error())
		return
	}

	items := make([]json.RawMessage, 0, len(result.Items))
	for _, job := range result.Items {
		raw, err := json.Marshal(job)
		if err != nil {
			continue
		}
		items = append(items, raw)
	}

	writeJSON(w, http.StatusOK, PeekResponse{
		State:     result.State,
		Items:     items,
		Count:     len(items),
		Timestamp: time.Now(),
	})
}

// RequeueFailed handles POST /api/v1/queues/failed/requeue
func (h *Handler) RequeueFailed(w http.ResponseWriter, r *http.Request) {
	var req RequeueFailedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "IDS_REQUIRED", "at least one job id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	n, err := admin.RequeueFailed(ctx, h.queue, req.IDs)
	if err != nil {
		h.logger.Error("Failed to requeue failed jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "REQUEUE_ERROR", "Failed to requeue jobs")
		return
	}

	h.logAudit(r, "REQUEUE_FAILED", "failed", "SUCCESS", "", map[string]interface{}{"requeued": n, "ids": req.IDs})

	writeJSON(w, http.StatusOK, RequeueFailedResponse{Requeued: n, Timestamp: time.Now()})
}

// PurgeFailed handles DELETE /api/v1/queues/failed
func (h *Handler) PurgeFailed(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if req.Confirmation != h.apiCfg.DLQPhrase() {
		writeError(w, http.StatusBadRequest, "CONFIRMATION_FAILED",
			fmt.Sprintf("Confirmation phrase must be '%s'", h.apiCfg.DLQPhrase()))
		return
	}
	if req.Reason == "" || len(req.Reason) < 3 {
		writeError(w, http.StatusBadRequest, "REASON_REQUIRED", "A valid reason is required for this operation")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	deleted, err := admin.PurgeFailed(ctx, h.queue)
	if err != nil {
		h.logger.Error("Failed to purge failed list", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "PURGE_ERROR", "Failed to purge failed jobs")
		return
	}

	h.logAudit(r, "PURGE_FAILED", "failed", "SUCCESS", req.Reason, map[string]interface{}{"items_deleted": deleted})

	writeJSON(w, http.StatusOK, PurgeResponse{
		Success:      true,
		ItemsDeleted: int64(deleted),
		Message:      fmt.Sprintf("Successfully purged %d items from the failed list", deleted),
		Timestamp:    time.Now(),
	})
}

// PurgeAll handles DELETE /api/v1/queues/all
func (h *Handler) PurgeAll(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	expectedPhrase := h.apiCfg.PurgeAllPhrase()
	if req.Confirmation != expectedPhrase {
		writeError(w, http.StatusBadRequest, "CONFIRMATION_FAILED",
			fmt.Sprintf("Confirmation phrase must be '%s' for purging all queues", expectedPhrase))
		return
	}
	if req.Reason == "" || len(req.Reason) < 10 {
		writeError(w, http.StatusBadRequest, "REASON_REQUIRED", "A detailed reason (min 10 chars) is required for this operation")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	deleted, err := admin.PurgeAll(ctx, h.cfg, h.rdb)
	if err != nil {
		h.logger.Error("Failed to purge all", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "PURGE_ERROR", "Failed to purge all queues")
		return
	}

	h.logAudit(r, "PURGE_ALL", "ALL_QUEUES", "SUCCESS", req.Reason, map[string]interface{}{"keys_deleted": deleted})

	writeJSON(w, http.StatusOK, PurgeResponse{
		Success:      true,
		ItemsDeleted: deleted,
		Message:      fmt.Sprintf("Successfully purged %d keys from all queues", deleted),
		Timestamp:    time.Now(),
	})
}

// RunBenchmark handles POST /api/v1/bench
func (h *Handler) RunBenchmark(w http.ResponseWriter, r *http.Request) {
	var req BenchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if req.Count <= 0 || req.Count > 10000 {
		writeError(w, http.StatusBadRequest, "INVALID_COUNT", "Count must be between 1 and 10000")
		return
	}
	if req.DeploymentID == "" {
		writeError(w, http.StatusBadRequest, "DEPLOYMENT_REQUIRED", "deployment_id is required")
		return
	}
	if req.Rate <= 0 {
		req.Rate = 100
	}

	timeout := 30 * time.Second
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout+10*time.Second)
	defer cancel()

	result, err := admin.Bench(ctx, h.queue, req.DeploymentID, req.Count, req.Rate, timeout)
	if err != nil {
		h.logger.Error("Failed to run benchmark", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "BENCH_ERROR", "Failed to run benchmark")
		return
	}

	h.logAudit(r, "RUN_BENCHMARK", req.DeploymentID, "SUCCESS", "", map[string]interface{}{
		"count": req.Count, "rate": req.Rate, "throughput": result.Throughput,
	})

	writeJSON(w, http.StatusOK, BenchResponse{
		Count:      result.Count,
		Duration:   result.Duration,
		Throughput: result.Throughput,
		P50:        result.P50,
		P95:        result.P95,
		Timestamp:  time.Now(),
	})
}

func (h *Handler) logAudit(r *http.Request, action, resource, result, reason string, details map[string]interface{}) {
	if h.auditLog == nil {
		return
	}
	entry := AuditEntry{
		ID:        generateID(),
		Timestamp: time.Now(),
		Action:    action,
		Resource:  resource,
		Result:    result,
		Reason:    reason,
		Details:   details,
		IP:        getClientIP(r),
		UserAgent: r.UserAgent(),
	}
	if claims, ok := r.Context().Value(contextKeyClaims).(*Claims); ok {
		entry.User = claims.Subject
	}
	h.auditLog.Log(entry)
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	response := ErrorResponse{
		Error: message,
		Code:  code,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}
