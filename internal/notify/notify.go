// Copyright 2025 James Ross
// Package notify implements the at-least-once webhook notifier of spec
// §4.7: a durable, Redis-backed queue of outbound Notification envelopes
// drained by a pool of workers that POST to the configured webhook URL
// with bounded exponential backoff, grounded on the teacher's event-hooks
// webhook delivery pattern and its producer-style rate limiting.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	pendingKey = "notify:pending"
	failedKey  = "notify:failed"
)

// Queue is the durable outbound notification queue.
type Queue struct {
	rdb             *redis.Client
	log             *zap.Logger
	http            *http.Client
	maxAttempts     int
	initialBackoff  time.Duration
	failedRetention time.Duration
}

func New(rdb *redis.Client, log *zap.Logger, httpTimeout time.Duration, maxAttempts int, initialBackoff, failedRetention time.Duration) *Queue {
	return &Queue{
		rdb:             rdb,
		log:             log,
		http:            &http.Client{Timeout: httpTimeout},
		maxAttempts:     maxAttempts,
		initialBackoff:  initialBackoff,
		failedRetention: failedRetention,
	}
}

// Enqueue durably records n for delivery. Errors are logged, not returned,
// since a notification failure must never block the dispatch path that
// produced it (spec §4.7 "never blocks the run lifecycle").
func (q *Queue) Enqueue(ctx context.Context, n domain.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		q.log.Warn("notification marshal error", obs.Err(err))
		return
	}
	if err := q.rdb.LPush(ctx, pendingKey, payload).Err(); err != nil {
		q.log.Warn("notification enqueue error", obs.Err(err))
	}
}

// StartWorkers launches concurrency goroutines draining the pending list,
// each delivering and retrying independently, until ctx is canceled.
func (q *Queue) StartWorkers(ctx context.Context, concurrency int) {
	for i := 0; i < concurrency; i++ {
		go q.workerLoop(ctx)
	}
}

func (q *Queue) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		res, err := q.rdb.BRPop(ctx, 5*time.Second, pendingKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Warn("notification brpop error", obs.Err(err))
			time.Sleep(time.Second)
			continue
		}
		if len(res) != 2 {
			continue
		}
		var n domain.Notification
		if err := json.Unmarshal([]byte(res[1]), &n); err != nil {
			q.log.Warn("notification payload unmarshal error", obs.Err(err))
			continue
		}
		q.deliver(ctx, n)
	}
}

// deliver attempts webhook delivery with bounded exponential backoff (spec
// §4.7), recording a terminal failure to the failed list after
// maxAttempts is exhausted.
func (q *Queue) deliver(ctx context.Context, n domain.Notification) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.initialBackoff
	policy := backoff.WithMaxRetries(bo, uint64(q.maxAttempts-1))

	attempt := 0
	operation := func() error {
		attempt++
		start := time.Now()
		err := q.post(ctx, n)
		obs.NotificationDeliveryDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			obs.NotificationDeliveries.WithLabelValues("retry").Inc()
			return err
		}
		obs.NotificationDeliveries.WithLabelValues("success").Inc()
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		obs.NotificationDeliveries.WithLabelValues("failed").Inc()
		q.log.Warn("notification delivery exhausted retries",
			obs.String("workflow_run_id", n.WorkflowRunID), obs.Int("attempts", attempt), obs.Err(err))
		q.recordFailed(ctx, n, err)
	}
}

func (q *Queue) post(ctx context.Context, n domain.Notification) error {
	if n.WebhookURL == "" {
		return fmt.Errorf("notification has no webhook url")
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.AuthHeader != "" {
		req.Header.Set("Authorization", n.AuthHeader)
	}
	resp, err := q.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (q *Queue) recordFailed(ctx context.Context, n domain.Notification, deliverErr error) {
	record := struct {
		domain.Notification
		LastError string    `json:"last_error"`
		FailedAt  time.Time `json:"failed_at"`
	}{Notification: n, LastError: deliverErr.Error(), FailedAt: time.Now()}
	payload, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := q.rdb.LPush(ctx, failedKey, payload).Err(); err != nil {
		q.log.Warn("notification failed-record enqueue error", obs.Err(err))
	}
}

// PendingLength and FailedLength expose queue depth for admin/metrics surfaces.
func (q *Queue) PendingLength(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, pendingKey).Result()
}

func (q *Queue) FailedLength(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, failedKey).Result()
}

// CleanFailed trims failed-delivery records older than failedRetention,
// mirroring jobqueue's retention sweep.
func (q *Queue) CleanFailed(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-q.failedRetention)
	removed := 0
	for {
		raw, err := q.rdb.LIndex(ctx, failedKey, -1).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return removed, err
		}
		var rec struct {
			FailedAt time.Time `json:"failed_at"`
		}
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			_ = q.rdb.RPop(ctx, failedKey).Err()
			removed++
			continue
		}
		if rec.FailedAt.After(cutoff) {
			break
		}
		if err := q.rdb.RPop(ctx, failedKey).Err(); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
