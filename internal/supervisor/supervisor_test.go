// Copyright 2025 James Ross
package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/backend"
	"github.com/flyingrobots/go-redis-work-queue/internal/dispatcher"
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

func TestSupervisorStartStatusStop(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	q := jobqueue.New(rdb, zap.NewNop(), "test", time.Hour, 1000, time.Hour)
	reg := machine.NewRegistry(rdb, zap.NewNop(), nil)
	sel := machine.NewSelector()
	repo := repository.NewMemory()
	client := backend.NewClient(time.Second, 1000, time.Minute, 10*time.Second, 0.9, 5)
	notifier := notify.New(rdb, zap.NewNop(), time.Second, 1, time.Millisecond, time.Hour)

	disp := dispatcher.New(q, reg, sel, repo, client, notifier, zap.NewNop(), dispatcher.Config{
		EventDriven:              true,
		Concurrency:              1,
		LockDuration:             time.Minute,
		ProcessAllAvailableBound: 10,
		LoadBalancerStrategy:     domain.StrategyLeastLoad,
		QueueRetryPolicy:         retry.NewQueuePolicy(30*time.Second, 3),
		ExecutionRetryPolicy:     retry.NewExecutionPolicy(false, time.Second),
		RatePerSecond:            1000,
	})

	sup := New(disp, notifier, q, reg, zap.NewNop(), true, 2)

	before := sup.Status()
	require.False(t, before.DispatcherRunning)

	sup.Start(context.Background(), 50*time.Millisecond, 50*time.Millisecond)
	after := sup.Status()
	require.True(t, after.DispatcherRunning)
	require.Equal(t, "event-driven", after.DispatcherMode)
	require.Equal(t, 2, after.NotifierConcurrency)

	sup.Stop(false, time.Second)
	stopped := sup.Status()
	require.False(t, stopped.DispatcherRunning)
}
