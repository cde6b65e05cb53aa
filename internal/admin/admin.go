// Copyright 2025 James Ross
// Package admin provides read/operational commands (stats, peek, purge,
// bench) against the JobQueue and MachineRegistry, generalizing the
// teacher's raw-Redis-list admin toolkit to the dispatch core's domain.
package admin

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobqueue"
	"github.com/flyingrobots/go-redis-work-queue/internal/machine"
	"github.com/redis/go-redis/v9"
)

// StatsResult reports per-state job counts, mirroring the teacher's queue
// length snapshot but keyed by JobState instead of raw Redis list names.
type StatsResult struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func Stats(ctx context.Context, q *jobqueue.Queue) (StatsResult, error) {
	lengths, err := q.Lengths(ctx)
	if err != nil {
		return StatsResult{}, err
	}
	return StatsResult{
		Waiting:   lengths[domain.JobWaiting],
		Active:    lengths[domain.JobActive],
		Delayed:   lengths[domain.JobDelayed],
		Completed: lengths[domain.JobCompleted],
		Failed:    lengths[domain.JobFailed],
	}, nil
}

// PeekResult is a page of jobs from one queue state, for TUI/CLI listing.
type PeekResult struct {
	State string            `json:"state"`
	Items []domain.QueueJob `json:"items"`
}

// Peek lists up to n jobs from the named state ("waiting", "active",
// "delayed", "completed", "failed").
func Peek(ctx context.Context, q *jobqueue.Queue, state string, n int64) (PeekResult, error) {
	if n <= 0 {
		n = 10
	}
	var items []domain.QueueJob
	var err error
	switch state {
	case "waiting":
		items, err = q.GetWaiting(ctx, 0, n)
	case "active":
		items, err = q.GetActive(ctx)
	case "delayed":
		items, err = q.GetDelayed(ctx)
	case "completed":
		items, err = q.GetCompleted(ctx, 0, n)
	case "failed":
		items, err = q.GetFailed(ctx, 0, n)
	default:
		return PeekResult{}, fmt.Errorf("unknown queue state %q; known: waiting, active, delayed, completed, failed", state)
	}
	if err != nil {
		return PeekResult{}, err
	}
	if int64(len(items)) > n {
		items = items[:n]
	}
	return PeekResult{State: state, Items: items}, nil
}

// PurgeFailed clears the failed list, the dispatch-core analogue of the
// teacher's dead-letter purge.
func PurgeFailed(ctx context.Context, q *jobqueue.Queue) (int, error) {
	return q.Clean(ctx, domain.JobFailed, 0, math.MaxInt64)
}

// RequeueFailed moves failed jobs back onto the waiting set for another
// attempt, resetting their retry accounting.
func RequeueFailed(ctx context.Context, q *jobqueue.Queue, jobIDs []string) (int, error) {
	moved := 0
	for _, id := range jobIDs {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			continue
		}
		if job.State != domain.JobFailed {
			continue
		}
		if err := q.Requeue(ctx, job); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

type BenchResult struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_jobs_per_sec"`
	P50        time.Duration `json:"p50_latency"`
	P95        time.Duration `json:"p95_latency"`
}

// Bench enqueues count synthetic run requests against deploymentID and
// waits, up to timeout, for them to leave the queue as completed or failed,
// reporting throughput and latency percentiles measured from each job's
// enqueue time.
func Bench(ctx context.Context, q *jobqueue.Queue, deploymentID string, count int, rate int, timeout time.Duration) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("count must be > 0")
	}
	if rate <= 0 {
		rate = 100
	}

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	ids := make([]string, 0, count)
	enqueuedAt := make(map[string]time.Time, count)
	start := time.Now()
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
		id, err := q.Enqueue(ctx, domain.RunRequest{DeploymentID: deploymentID})
		if err != nil {
			return res, err
		}
		ids = append(ids, id)
		enqueuedAt[id] = time.Now()
	}

	doneBy := time.Now().Add(timeout)
	completedAt := make(map[string]time.Time, count)
	for time.Now().Before(doneBy) && len(completedAt) < count {
		for _, id := range ids {
			if _, seen := completedAt[id]; seen {
				continue
			}
			// Complete and Fail delete the job envelope, so a missing
			// envelope means the job has finished.
			job, err := q.GetJob(ctx, id)
			if err == domain.ErrJobNotFound || (err == nil && (job.State == domain.JobCompleted || job.State == domain.JobFailed)) {
				completedAt[id] = time.Now()
			}
		}
		if len(completedAt) < count {
			time.Sleep(50 * time.Millisecond)
		}
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(len(completedAt)) / res.Duration.Seconds()
	}

	lats := make([]float64, 0, len(completedAt))
	for _, id := range ids {
		finished, ok := completedAt[id]
		if !ok {
			continue
		}
		lats = append(lats, finished.Sub(enqueuedAt[id]).Seconds())
	}
	if len(lats) > 0 {
		sort.Float64s(lats)
		res.P50 = time.Duration(lats[int(math.Round(0.50*float64(len(lats)-1)))] * float64(time.Second))
		res.P95 = time.Duration(lats[int(math.Round(0.95*float64(len(lats)-1)))] * float64(time.Second))
	}
	return res, nil
}

// MachineStats reports registry-owned admission state for one machine,
// the dispatch-core equivalent of the teacher's per-worker heartbeat scan.
type MachineStats struct {
	ID                string `json:"id"`
	OperationalStatus string `json:"operational_status"`
	CurrentQueue      int64  `json:"current_queue"`
	Capacity          int64  `json:"capacity"`
}

func MachineSnapshot(ctx context.Context, reg *machine.Registry, id string) (MachineStats, error) {
	m, err := reg.Get(ctx, id)
	if err != nil {
		return MachineStats{}, err
	}
	return MachineStats{
		ID:                m.ID,
		OperationalStatus: string(m.OperationalStatus),
		CurrentQueue:      m.CurrentQueue,
		Capacity:          m.Capacity,
	}, nil
}

// PurgeAll deletes every namespace key the JobQueue manages. Intended for
// test/staging environments only, mirroring the teacher's PurgeAll scope.
func PurgeAll(ctx context.Context, cfg *config.Config, rdb *redis.Client) (int64, error) {
	var cursor uint64
	var deleted int64
	pattern := cfg.JobQueue.Namespace + ":*"
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return deleted, err
		}
		cursor = cur
		if len(keys) > 0 {
			n, err := rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += n
		}
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}
