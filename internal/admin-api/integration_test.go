// Copyright 2025 James Ross
//go:build integration
// +build integration

package adminapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	adminapi "github.com/flyingrobots/go-redis-work-queue/internal/admin-api"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobqueue"
	"github.com/flyingrobots/go-redis-work-queue/internal/machine"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var testJWTSecret = "test-secret-key-for-testing"

type testSetup struct {
	server     *httptest.Server
	rdb        *redis.Client
	mr         *miniredis.Miniredis
	queue      *jobqueue.Queue
	registry   *machine.Registry
	apiCfg     *adminapi.Config
	appCfg     *config.Config
	httpClient *http.Client
}

func setupIntegrationTest(t *testing.T) (*testSetup, func()) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to create miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	appCfg := &config.Config{JobQueue: config.JobQueue{Namespace: "test"}}

	apiCfg := &adminapi.Config{
		JWTSecret:            testJWTSecret,
		RequireAuth:          false,
		DenyByDefault:        false,
		RateLimitEnabled:     true,
		RateLimitPerMinute:   1000,
		RateLimitBurst:       100,
		AuditEnabled:         true,
		AuditLogPath:         "/tmp/test-audit.log",
		RequireDoubleConfirm: true,
		ConfirmationPhrase:   "CONFIRM_DELETE",
	}

	queue := jobqueue.New(rdb, zap.NewNop(), "test", time.Hour, 1000, time.Hour)
	registry := machine.NewRegistry(rdb, zap.NewNop(), nil)

	logger := zap.NewNop()
	server, err := adminapi.NewServer(apiCfg, appCfg, queue, registry, rdb, logger)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	mux := server.SetupRoutes()
	ts := httptest.NewServer(mux)

	setup := &testSetup{
		server:     ts,
		rdb:        rdb,
		mr:         mr,
		queue:      queue,
		registry:   registry,
		apiCfg:     apiCfg,
		appCfg:     appCfg,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}

	cleanup := func() {
		ts.Close()
		rdb.Close()
		mr.Close()
	}

	return setup, cleanup
}

func TestIntegrationStats(t *testing.T) {
	setup, cleanup := setupIntegrationTest(t)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := setup.queue.Enqueue(ctx, domain.RunRequest{DeploymentID: "dep-1"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	resp, err := setup.httpClient.Get(setup.server.URL + "/api/v1/stats")
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var stats adminapi.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if stats.Waiting != 3 {
		t.Errorf("Expected 3 waiting jobs, got %d", stats.Waiting)
	}
}

func TestIntegrationMachineStats(t *testing.T) {
	setup, cleanup := setupIntegrationTest(t)
	defer cleanup()

	ctx := context.Background()
	if err := setup.registry.Save(ctx, domain.Machine{ID: "m1", Capacity: 4, CurrentQueue: 1}); err != nil {
		t.Fatalf("seed machine: %v", err)
	}

	resp, err := setup.httpClient.Get(setup.server.URL + "/api/v1/machines/m1")
	if err != nil {
		t.Fatalf("Failed to get machine stats: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var stats adminapi.MachineStatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if stats.CurrentQueue != 1 || stats.Capacity != 4 {
		t.Errorf("unexpected machine stats: %+v", stats)
	}
}

func TestIntegrationPeek(t *testing.T) {
	setup, cleanup := setupIntegrationTest(t)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := setup.queue.Enqueue(ctx, domain.RunRequest{DeploymentID: "dep-1"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	resp, err := setup.httpClient.Get(setup.server.URL + "/api/v1/queues/waiting/peek?count=2")
	if err != nil {
		t.Fatalf("Failed to peek queue: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var peek adminapi.PeekResponse
	if err := json.NewDecoder(resp.Body).Decode(&peek); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if peek.State != "waiting" {
		t.Errorf("Expected state waiting, got %s", peek.State)
	}
	if peek.Count != 2 {
		t.Errorf("Expected 2 items, got %d", peek.Count)
	}
}

func TestIntegrationRequeueAndPurgeFailed(t *testing.T) {
	setup, cleanup := setupIntegrationTest(t)
	defer cleanup()

	ctx := context.Background()
	jobID, err := setup.queue.Enqueue(ctx, domain.RunRequest{DeploymentID: "dep-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := setup.queue.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	_, token, err := setup.queue.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := setup.queue.Fail(ctx, job, token, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	wrongReq := adminapi.PurgeRequest{Confirmation: "WRONG", Reason: "Test"}
	body, _ := json.Marshal(wrongReq)
	req, _ := http.NewRequest("DELETE", setup.server.URL+"/api/v1/queues/failed", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := setup.httpClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to purge failed list: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for wrong confirmation, got %d", resp.StatusCode)
	}

	correctReq := adminapi.PurgeRequest{Confirmation: "CONFIRM_DELETE", Reason: "Integration test purge"}
	body, _ = json.Marshal(correctReq)
	req, _ = http.NewRequest("DELETE", setup.server.URL+"/api/v1/queues/failed", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err = setup.httpClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to purge failed list: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var purgeResp adminapi.PurgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&purgeResp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !purgeResp.Success {
		t.Error("Expected success to be true")
	}
	if purgeResp.ItemsDeleted != 1 {
		t.Errorf("Expected 1 item deleted, got %d", purgeResp.ItemsDeleted)
	}
}

func TestIntegrationPurgeAll(t *testing.T) {
	setup, cleanup := setupIntegrationTest(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := setup.queue.Enqueue(ctx, domain.RunRequest{DeploymentID: "dep-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	req := adminapi.PurgeRequest{
		Confirmation: "CONFIRM_DELETE_ALL",
		Reason:       "Integration test full purge for testing",
	}
	body, _ := json.Marshal(req)

	httpReq, _ := http.NewRequest("DELETE", setup.server.URL+"/api/v1/queues/all", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := setup.httpClient.Do(httpReq)
	if err != nil {
		t.Fatalf("Failed to purge all: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp adminapi.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&errResp)
		t.Errorf("Expected status 200, got %d: %s", resp.StatusCode, errResp.Error)
	}

	var purgeResp adminapi.PurgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&purgeResp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !purgeResp.Success {
		t.Error("Expected success to be true")
	}
	if purgeResp.ItemsDeleted < 1 {
		t.Errorf("Expected at least 1 key deleted, got %d", purgeResp.ItemsDeleted)
	}

	stats, err := setup.httpClient.Get(setup.server.URL + "/api/v1/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer stats.Body.Close()
	var statsResp adminapi.StatsResponse
	json.NewDecoder(stats.Body).Decode(&statsResp)
	if statsResp.Waiting != 0 {
		t.Errorf("Expected waiting to be 0 after purge all, got %d", statsResp.Waiting)
	}
}

func TestIntegrationBenchmark(t *testing.T) {
	setup, cleanup := setupIntegrationTest(t)
	defer cleanup()

	benchReq := adminapi.BenchRequest{
		Count:        50,
		DeploymentID: "dep-1",
		Rate:         1000,
		Timeout:      10,
	}
	body, _ := json.Marshal(benchReq)

	req, _ := http.NewRequest("POST", setup.server.URL+"/api/v1/bench", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := setup.httpClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to run benchmark: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var benchResp adminapi.BenchResponse
	if err := json.NewDecoder(resp.Body).Decode(&benchResp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if benchResp.Count != 50 {
		t.Errorf("Expected count 50, got %d", benchResp.Count)
	}
	if benchResp.Duration == 0 {
		t.Error("Expected non-zero duration")
	}
}

func TestIntegrationRateLimiting(t *testing.T) {
	setup, cleanup := setupIntegrationTest(t)
	defer cleanup()

	setup.apiCfg.RateLimitPerMinute = 5
	setup.apiCfg.RateLimitBurst = 2

	successCount := 0
	rateLimitCount := 0

	for i := 0; i < 5; i++ {
		resp, err := setup.httpClient.Get(setup.server.URL + "/api/v1/stats")
		if err != nil {
			t.Fatalf("Request %d failed: %v", i+1, err)
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			successCount++
		} else if resp.StatusCode == http.StatusTooManyRequests {
			rateLimitCount++
			if resp.Header.Get("X-RateLimit-Limit") == "" {
				t.Error("Missing X-RateLimit-Limit header")
			}
			if resp.Header.Get("X-RateLimit-Remaining") == "" {
				t.Error("Missing X-RateLimit-Remaining header")
			}
			if resp.Header.Get("X-RateLimit-Reset") == "" {
				t.Error("Missing X-RateLimit-Reset header")
			}
		}
	}

	if successCount == 0 {
		t.Error("Expected some requests to succeed")
	}
}

func TestIntegrationHealthCheck(t *testing.T) {
	setup, cleanup := setupIntegrationTest(t)
	defer cleanup()

	resp, err := setup.httpClient.Get(setup.server.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to get health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %s", health["status"])
	}
}

func TestIntegrationOpenAPISpec(t *testing.T) {
	setup, cleanup := setupIntegrationTest(t)
	defer cleanup()

	resp, err := setup.httpClient.Get(setup.server.URL + "/api/v1/openapi.yaml")
	if err != nil {
		t.Fatalf("Failed to get OpenAPI spec: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "application/x-yaml" {
		t.Errorf("Expected Content-Type application/x-yaml, got %s", contentType)
	}

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	spec := buf.String()

	if !strings.Contains(spec, "openapi: 3.0.3") {
		t.Error("Response does not contain OpenAPI version")
	}
	if !strings.Contains(spec, "title: Dispatch Core Admin API") {
		t.Error("Response does not contain API title")
	}

	requiredEndpoints := []string{
		"/stats",
		"/machines/{machine_id}",
		"/queues/{state}/peek",
		"/queues/failed",
		"/queues/all",
		"/bench",
	}
	for _, endpoint := range requiredEndpoints {
		if !strings.Contains(spec, endpoint) {
			t.Errorf("OpenAPI spec missing endpoint: %s", endpoint)
		}
	}
}

func TestIntegrationValidationErrors(t *testing.T) {
	setup, cleanup := setupIntegrationTest(t)
	defer cleanup()

	tests := []struct {
		name           string
		method         string
		path           string
		body           interface{}
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "Out-of-range peek count falls back to default rather than errors",
			method:         "GET",
			path:           "/api/v1/queues/waiting/peek?count=200",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Missing confirmation",
			method:         "DELETE",
			path:           "/api/v1/queues/failed",
			body:           adminapi.PurgeRequest{Reason: "Test"},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "CONFIRMATION_FAILED",
		},
		{
			name:           "Short reason",
			method:         "DELETE",
			path:           "/api/v1/queues/failed",
			body:           adminapi.PurgeRequest{Confirmation: "CONFIRM_DELETE", Reason: "X"},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "REASON_REQUIRED",
		},
		{
			name:           "Invalid benchmark count",
			method:         "POST",
			path:           "/api/v1/bench",
			body:           adminapi.BenchRequest{Count: -1, DeploymentID: "dep-1"},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "INVALID_COUNT",
		},
		{
			name:           "Missing deployment id",
			method:         "POST",
			path:           "/api/v1/bench",
			body:           adminapi.BenchRequest{Count: 10},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "DEPLOYMENT_REQUIRED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reqBody []byte
			if tt.body != nil {
				reqBody, _ = json.Marshal(tt.body)
			}

			req, _ := http.NewRequest(tt.method, setup.server.URL+tt.path, bytes.NewReader(reqBody))
			if tt.body != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := setup.httpClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.expectedStatus {
				var errResp adminapi.ErrorResponse
				json.NewDecoder(resp.Body).Decode(&errResp)
				t.Errorf("Expected status %d, got %d: %s", tt.expectedStatus, resp.StatusCode, errResp.Error)
			}

			if tt.expectedCode != "" && resp.StatusCode >= 400 {
				var errResp adminapi.ErrorResponse
				if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
					t.Fatalf("Failed to decode error response: %v", err)
				}
				if errResp.Code != tt.expectedCode {
					t.Errorf("Expected error code %s, got %s", tt.expectedCode, errResp.Code)
				}
			}
		})
	}
}
