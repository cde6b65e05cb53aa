// Copyright 2025 James Ross
package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobqueue"
	"github.com/flyingrobots/go-redis-work-queue/internal/machine"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestHandler(t *testing.T) (*Handler, *jobqueue.Queue, *machine.Registry, func()) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{JobQueue: config.JobQueue{Namespace: "test"}}
	apiCfg := &Config{
		ConfirmationPhrase:    "CONFIRM_DELETE",
		DLQConfirmationPhrase: "CONFIRM_DELETE",
	}

	queue := jobqueue.New(rdb, zap.NewNop(), "test", time.Hour, 1000, time.Hour)
	registry := machine.NewRegistry(rdb, zap.NewNop(), nil)

	handler := NewHandler(cfg, apiCfg, queue, registry, rdb, zap.NewNop(), nil)

	cleanup := func() {
		rdb.Close()
		mr.Close()
	}

	return handler, queue, registry, cleanup
}

func TestGetStats(t *testing.T) {
	handler, queue, _, cleanup := setupTestHandler(t)
	defer cleanup()

	ctx := context.Background()
	_, _ = queue.Enqueue(ctx, domain.RunRequest{DeploymentID: "dep-1"})
	_, _ = queue.Enqueue(ctx, domain.RunRequest{DeploymentID: "dep-1"})

	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	w := httptest.NewRecorder()

	handler.GetStats(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var resp StatsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Waiting != 2 {
		t.Errorf("Expected 2 waiting jobs, got %d", resp.Waiting)
	}
}

func TestGetMachineStats(t *testing.T) {
	handler, _, registry, cleanup := setupTestHandler(t)
	defer cleanup()

	ctx := context.Background()
	if err := registry.Save(ctx, domain.Machine{ID: "m1", Capacity: 4, CurrentQueue: 2}); err != nil {
		t.Fatalf("seed machine: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/v1/machines/m1", nil)
	w := httptest.NewRecorder()
	handler.GetMachineStats(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp MachineStatsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.CurrentQueue != 2 || resp.Capacity != 4 {
		t.Errorf("unexpected machine stats: %+v", resp)
	}
}

func TestPeekQueue(t *testing.T) {
	handler, queue, _, cleanup := setupTestHandler(t)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := queue.Enqueue(ctx, domain.RunRequest{DeploymentID: "dep-1"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	req := httptest.NewRequest("GET", "/api/v1/queues/waiting/peek?count=2", nil)
	w := httptest.NewRecorder()

	handler.PeekQueue(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var resp PeekResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.State != "waiting" {
		t.Errorf("Expected state 'waiting', got %s", resp.State)
	}
	if resp.Count != 2 {
		t.Errorf("Expected 2 items, got %d", resp.Count)
	}
}

func TestPurgeFailed(t *testing.T) {
	handler, queue, _, cleanup := setupTestHandler(t)
	defer cleanup()

	ctx := context.Background()
	jobID, err := queue.Enqueue(ctx, domain.RunRequest{DeploymentID: "dep-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := queue.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	_, token, err := queue.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := queue.Fail(ctx, job, token, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	reqBody := PurgeRequest{Confirmation: "CONFIRM_DELETE", Reason: "Test purge operation"}
	body, _ := json.Marshal(reqBody)

	req := httptest.NewRequest("DELETE", "/api/v1/queues/failed", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.PurgeFailed(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp PurgeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Success {
		t.Error("Expected success to be true")
	}
	if resp.ItemsDeleted != 1 {
		t.Errorf("Expected 1 item deleted, got %d", resp.ItemsDeleted)
	}
}

func TestPurgeFailedInvalidConfirmation(t *testing.T) {
	handler, _, _, cleanup := setupTestHandler(t)
	defer cleanup()

	reqBody := PurgeRequest{Confirmation: "WRONG_PHRASE", Reason: "Test"}
	body, _ := json.Marshal(reqBody)

	req := httptest.NewRequest("DELETE", "/api/v1/queues/failed", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.PurgeFailed(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Code != "CONFIRMATION_FAILED" {
		t.Errorf("Expected error code CONFIRMATION_FAILED, got %s", resp.Code)
	}
}

func TestBenchmark(t *testing.T) {
	handler, _, _, cleanup := setupTestHandler(t)
	defer cleanup()

	reqBody := BenchRequest{
		Count:        10,
		DeploymentID: "dep-1",
		Rate:         1000,
		Timeout:      5,
	}
	body, _ := json.Marshal(reqBody)

	req := httptest.NewRequest("POST", "/api/v1/bench", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.RunBenchmark(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp BenchResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Count != 10 {
		t.Errorf("Expected count 10, got %d", resp.Count)
	}
}

func TestRateLimiting(t *testing.T) {
	bucket := &rateBucket{
		tokens:    3,
		lastFill:  time.Now(),
		maxTokens: 3,
		fillRate:  1.0,
	}

	for i := 0; i < 3; i++ {
		if !bucket.consume() {
			t.Errorf("Request %d should have been allowed", i+1)
		}
	}

	if bucket.consume() {
		t.Error("4th request should have been denied")
	}

	time.Sleep(2 * time.Second)

	if !bucket.consume() {
		t.Error("Request should be allowed after refill")
	}
}

func TestJWTValidation(t *testing.T) {
	secret := "test-secret"

	tests := []struct {
		name        string
		token       string
		shouldError bool
	}{
		{name: "Invalid format", token: "invalid", shouldError: true},
		{name: "Missing parts", token: "header.payload", shouldError: true},
		{name: "Invalid base64", token: "invalid!.base64!.here!", shouldError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validateJWT(tt.token, secret)
			if tt.shouldError && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.shouldError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}
