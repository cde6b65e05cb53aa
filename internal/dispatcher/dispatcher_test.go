// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/backend"
	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobqueue"
	"github.com/flyingrobots/go-redis-work-queue/internal/machine"
	"github.com/flyingrobots/go-redis-work-queue/internal/notify"
	"github.com/flyingrobots/go-redis-work-queue/internal/repository"
	"github.com/flyingrobots/go-redis-work-queue/internal/retry"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newHarness(t *testing.T, backendURL string) (*Dispatcher, *repository.Memory, *jobqueue.Queue, *machine.Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := jobqueue.New(rdb, zap.NewNop(), "test", time.Hour, 1000, time.Hour)
	reg := machine.NewRegistry(rdb, zap.NewNop(), nil)
	sel := machine.NewSelector()
	repo := repository.NewMemory()
	client := backend.NewClient(5*time.Second, 1000, time.Minute, 10*time.Second, 0.9, 5)
	notifier := notify.New(rdb, zap.NewNop(), time.Second, 1, time.Millisecond, time.Hour)

	m := domain.Machine{ID: "m1", Kind: domain.MachineKindClassic, Endpoint: backendURL, Status: domain.MachineStatusReady, Capacity: 2}
	require.NoError(t, repo.PutMachine(context.Background(), m))
	require.NoError(t, reg.Save(context.Background(), m))
	repo.PutDeployment(domain.Deployment{ID: "dep-1", WorkflowVersionID: "wfv-1", MachineID: "m1"})

	d := New(q, reg, sel, repo, client, notifier, zap.NewNop(), Config{
		EventDriven:              true,
		Concurrency:              1,
		LockDuration:             time.Minute,
		ProcessAllAvailableBound: 10,
		LoadBalancerStrategy:     domain.StrategyLeastLoad,
		QueueRetryPolicy:         retry.NewQueuePolicy(30*time.Second, 3),
		ExecutionRetryPolicy:     retry.NewExecutionPolicy(false, time.Second),
		RatePerSecond:            1000,
	})
	return d, repo, q, reg
}

func TestTryNextDispatchesWaitingJobToMachine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"workflow_run_id":"wfr-1"}`))
	}))
	defer srv.Close()

	d, _, q, reg := newHarness(t, srv.URL)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.RunRequest{DeploymentID: "dep-1"})
	require.NoError(t, err)

	dispatched, err := d.tryNext(ctx)
	require.NoError(t, err)
	require.True(t, dispatched)

	completed, err := q.GetCompleted(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)

	m, err := reg.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, int64(1), m.CurrentQueue)
}

func TestTryNextReturnsErrNoWaitingJobsWhenEmpty(t *testing.T) {
	d, _, _, _ := newHarness(t, "http://unused.example")
	_, err := d.tryNext(context.Background())
	require.ErrorIs(t, err, domain.ErrNoWaitingJobs)
}

func TestTryNextRequeuesOnBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, _, q, _ := newHarness(t, srv.URL)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.RunRequest{DeploymentID: "dep-1"})
	require.NoError(t, err)

	dispatched, err := d.tryNext(ctx)
	require.NoError(t, err)
	require.True(t, dispatched)

	delayed, err := q.GetDelayed(ctx)
	require.NoError(t, err)
	require.Len(t, delayed, 1)
}

func TestProcessAllAvailableJobsDrainsQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"workflow_run_id":"wfr-x"}`))
	}))
	defer srv.Close()

	d, _, q, reg := newHarness(t, srv.URL)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.RunRequest{DeploymentID: "dep-1"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, domain.RunRequest{DeploymentID: "dep-1"})
	require.NoError(t, err)

	d.processAllAvailableJobs(ctx)

	completed, err := q.GetCompleted(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, completed, 2)
	_ = reg
}
