// Copyright 2025 James Ross
package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T, maxAttempts int) (*Queue, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, zap.NewNop(), 2*time.Second, maxAttempts, 5*time.Millisecond, time.Hour), rdb
}

func TestDeliverSucceedsOnFirstAttempt(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q, _ := newTestQueue(t, 3)
	ctx := context.Background()
	q.deliver(ctx, domain.Notification{WorkflowRunID: "run-1", WebhookURL: srv.URL})

	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
	n, err := q.FailedLength(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestDeliverRetriesThenRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q, _ := newTestQueue(t, 2)
	ctx := context.Background()
	q.deliver(ctx, domain.Notification{WorkflowRunID: "run-2", WebhookURL: srv.URL})

	n, err := q.FailedLength(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestEnqueueAndWorkerDelivers(t *testing.T) {
	delivered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		select {
		case delivered <- struct{}{}:
		default:
		}
	}))
	defer srv.Close()

	q, _ := newTestQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.StartWorkers(ctx, 2)
	q.Enqueue(ctx, domain.Notification{WorkflowRunID: "run-3", WebhookURL: srv.URL})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not delivered in time")
	}
}

func TestPostRejectsEmptyWebhookURL(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	err := q.post(context.Background(), domain.Notification{WorkflowRunID: "run-4"})
	require.Error(t, err)
}
