// Copyright 2025 James Ross
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/backend"
	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
	"github.com/flyingrobots/go-redis-work-queue/internal/ingestor"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobqueue"
	"github.com/flyingrobots/go-redis-work-queue/internal/machine"
	"github.com/flyingrobots/go-redis-work-queue/internal/notify"
	"github.com/flyingrobots/go-redis-work-queue/internal/repository"
	"github.com/flyingrobots/go-redis-work-queue/internal/retry"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newHarness(t *testing.T, requireAuth bool, authToken string) (*Server, *repository.Memory, *jobqueue.Queue, *machine.Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := jobqueue.New(rdb, zap.NewNop(), "test", time.Hour, 1000, time.Hour)
	reg := machine.NewRegistry(rdb, zap.NewNop(), nil)
	repo := repository.NewMemory()
	client := backend.NewClient(time.Second, 1000, time.Minute, 10*time.Second, 0.9, 5)
	notifier := notify.New(rdb, zap.NewNop(), time.Second, 1, time.Millisecond, time.Hour)
	policy := retry.NewExecutionPolicy(false, time.Second)
	ing := ingestor.New(repo, reg, notifier, nil, client, policy, rdb, zap.NewNop(), 1000)

	m := domain.Machine{ID: "m1", Kind: domain.MachineKindClassic, Status: domain.MachineStatusReady, Capacity: 2}
	require.NoError(t, repo.PutMachine(context.Background(), m))
	require.NoError(t, reg.Save(context.Background(), m))
	repo.PutDeployment(domain.Deployment{ID: "dep-1", WorkflowVersionID: "wfv-1", MachineID: "m1"})
	repo.PutDeployment(domain.Deployment{ID: "dep-staging-group", WorkflowVersionID: "wfv-1", MachineGroupID: "grp-1", Environment: domain.EnvironmentStaging})

	s := New(q, repo, ing, nil, "https://effective.example", requireAuth, authToken, zap.NewNop())
	return s, repo, q, reg
}

func TestHandleEnqueueSucceeds(t *testing.T) {
	s, _, _, _ := newHarness(t, false, "")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"deployment_id": "dep-1", "origin": "https://caller.example"})
	resp, err := http.Post(srv.URL+"/api/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out enqueueResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.JobID)
	require.Equal(t, "queued", out.Status)
}

func TestHandleEnqueueRejectsStagingMachineGroup(t *testing.T) {
	s, _, _, _ := newHarness(t, false, "")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"deployment_id": "dep-staging-group", "origin": "https://caller.example"})
	resp, err := http.Post(srv.URL+"/api/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleStatusFallsBackToRunRow(t *testing.T) {
	s, repo, _, _ := newHarness(t, false, "")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	require.NoError(t, repo.InsertRun(context.Background(), domain.Run{
		ID: "run-1", QueueJobID: "job-gone", Status: domain.RunSuccess, CreatedAt: time.Now(),
	}))

	resp, err := http.Get(srv.URL + "/api/jobs/job-gone")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "run-1", out.WorkflowRunID)
	require.Equal(t, string(domain.RunSuccess), out.WorkflowStatus)
}

func TestHandleStatusNotFound(t *testing.T) {
	s, _, _, _ := newHarness(t, false, "")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/jobs/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleCallbackAppliesStatus(t *testing.T) {
	s, repo, _, reg := newHarness(t, false, "")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	require.NoError(t, repo.InsertRun(context.Background(), domain.Run{ID: "run-2", MachineID: "m1", Status: domain.RunRunning}))

	status := domain.RunSuccess
	body, _ := json.Marshal(map[string]any{"run_id": "run-2", "status": status})
	resp, err := http.Post(srv.URL+"/api/run-callback", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	run, err := repo.GetRun(context.Background(), "run-2")
	require.NoError(t, err)
	require.Equal(t, domain.RunSuccess, run.Status)

	m, err := reg.Get(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, int64(0), m.CurrentQueue)
}

func TestHandleCallbackRequiresAuthWhenConfigured(t *testing.T) {
	s, repo, _, _ := newHarness(t, true, "secret-token")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	require.NoError(t, repo.InsertRun(context.Background(), domain.Run{ID: "run-3", MachineID: "m1", Status: domain.RunRunning}))

	body, _ := json.Marshal(map[string]any{"run_id": "run-3"})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/run-callback", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req2, err := http.NewRequest(http.MethodPost, srv.URL+"/api/run-callback", bytes.NewReader(body))
	require.NoError(t, err)
	req2.Header.Set("Authorization", "Bearer secret-token")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusNoContent, resp2.StatusCode)
}
