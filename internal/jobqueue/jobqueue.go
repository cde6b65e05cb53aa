// Copyright 2025 James Ross
// Package jobqueue implements the durable, prioritized JobQueue of spec
// §4.3: a Redis-backed FIFO-by-priority queue of RunRequest envelopes with
// delayed re-enqueue, token-guarded active locks, and completed/failed
// retention, generalizing the teacher's BRPOPLPUSH processing-list idiom
// and reaper sweep to a ZSET-scheduled job store.
package jobqueue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Ordering is by ZSET score alone: the submission timestamp in
// milliseconds since epoch. Because the spec's own priority formula
// (`floor(now_ms/1000) mod 2^21`) is itself derived from the timestamp and
// wraps every ~24 days, scoring directly on the unwrapped millisecond
// timestamp reproduces the same FIFO-within-epoch ordering while removing
// the wraparound outright — a float64 ZSET score represents every integer
// up to 2^53, comfortably past any operationally relevant horizon. The
// `priority` field is still computed and stored on the job payload for
// observability/compatibility, but never used for ordering.
const priorityModulus = 1 << 21

// Queue state names, used as Redis key suffixes and as the state label that
// SampleLengths publishes on the QueueLength gauge.
const (
	stateQueue     = "queue"     // waiting ∪ prioritized (spec §4.3)
	stateActive    = "active"
	stateDelayed   = "delayed"
	stateCompleted = "completed"
	stateFailed    = "failed"
)

// Queue is the Redis-backed JobQueue.
type Queue struct {
	rdb                *redis.Client
	log                *zap.Logger
	ns                 string
	completedRetention time.Duration
	completedMaxCount  int64
	failedRetention    time.Duration
}

func New(rdb *redis.Client, log *zap.Logger, namespace string, completedRetention time.Duration, completedMaxCount int64, failedRetention time.Duration) *Queue {
	return &Queue{
		rdb:                rdb,
		log:                log,
		ns:                 namespace,
		completedRetention: completedRetention,
		completedMaxCount:  completedMaxCount,
		failedRetention:    failedRetention,
	}
}

func (q *Queue) key(suffix string) string { return fmt.Sprintf("%s:%s", q.ns, suffix) }

// Enqueue assigns a job_id and priority, persists the envelope, and adds it
// to the priority-ordered queue set. Returns the assigned job_id.
func (q *Queue) Enqueue(ctx context.Context, req domain.RunRequest) (string, error) {
	now := time.Now()
	nowMS := now.UnixMilli()
	priority := (nowMS / 1000) % priorityModulus

	jobID := fmt.Sprintf("workflow-%d-%s", nowMS, randSuffix())
	job := domain.QueueJob{
		ID:        jobID,
		Request:   req,
		Priority:  priority,
		Timestamp: nowMS,
		State:     domain.JobWaiting,
		CreatedAt: now,
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key("jobs"), jobID, payload)
	pipe.ZAdd(ctx, q.key(stateQueue), redis.Z{Score: float64(nowMS), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}

	obs.RunsEnqueued.Inc()
	obs.QueueLength.WithLabelValues(q.ns, stateQueue).Inc()
	return jobID, nil
}

func randSuffix() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// GetJob loads the full envelope for job_id, in any state.
func (q *Queue) GetJob(ctx context.Context, jobID string) (domain.QueueJob, error) {
	raw, err := q.rdb.HGet(ctx, q.key("jobs"), jobID).Result()
	if err == redis.Nil {
		return domain.QueueJob{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.QueueJob{}, err
	}
	var job domain.QueueJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return domain.QueueJob{}, err
	}
	return job, nil
}

func (q *Queue) loadJobs(ctx context.Context, ids []string) ([]domain.QueueJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := q.rdb.HMGet(ctx, q.key("jobs"), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.QueueJob, 0, len(ids))
	for _, r := range raws {
		s, ok := r.(string)
		if !ok {
			continue
		}
		var job domain.QueueJob
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// GetWaiting and GetPrioritized both page over the single priority-ordered
// queue set: every enqueued job is always assigned a priority (spec's
// enqueue formula has no "unprioritized" path), so a second physical
// structure would only duplicate this one. Documented in DESIGN.md.
func (q *Queue) GetWaiting(ctx context.Context, offset, limit int64) ([]domain.QueueJob, error) {
	return q.pageQueue(ctx, offset, limit)
}

func (q *Queue) GetPrioritized(ctx context.Context, offset, limit int64) ([]domain.QueueJob, error) {
	return q.pageQueue(ctx, offset, limit)
}

func (q *Queue) pageQueue(ctx context.Context, offset, limit int64) ([]domain.QueueJob, error) {
	ids, err := q.rdb.ZRange(ctx, q.key(stateQueue), offset, offset+limit-1).Result()
	if err != nil {
		return nil, err
	}
	return q.loadJobs(ctx, ids)
}

// GetActive returns all jobs currently claimed by a worker-pool processor.
func (q *Queue) GetActive(ctx context.Context) ([]domain.QueueJob, error) {
	ids, err := q.rdb.ZRange(ctx, q.key(stateActive), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return q.loadJobs(ctx, ids)
}

// GetDelayed returns all jobs scheduled for future re-enqueue.
func (q *Queue) GetDelayed(ctx context.Context) ([]domain.QueueJob, error) {
	ids, err := q.rdb.ZRange(ctx, q.key(stateDelayed), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return q.loadJobs(ctx, ids)
}

// GetCompleted and GetFailed page over the retention lists, newest first.
func (q *Queue) GetCompleted(ctx context.Context, offset, limit int64) ([]domain.QueueJob, error) {
	return q.pageList(ctx, q.key(stateCompleted), offset, limit)
}

func (q *Queue) GetFailed(ctx context.Context, offset, limit int64) ([]domain.QueueJob, error) {
	return q.pageList(ctx, q.key(stateFailed), offset, limit)
}

func (q *Queue) pageList(ctx context.Context, key string, offset, limit int64) ([]domain.QueueJob, error) {
	raws, err := q.rdb.LRange(ctx, key, offset, offset+limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.QueueJob, 0, len(raws))
	for _, r := range raws {
		var job domain.QueueJob
		if err := json.Unmarshal([]byte(r), &job); err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// PeekNext returns the oldest waiting/prioritized job without claiming it,
// used by event-driven dispatch (spec §4.4 step 2) which removes the job
// outright on success rather than holding a worker-pool lock.
func (q *Queue) PeekNext(ctx context.Context) (domain.QueueJob, error) {
	ids, err := q.rdb.ZRange(ctx, q.key(stateQueue), 0, 0).Result()
	if err != nil {
		return domain.QueueJob{}, err
	}
	if len(ids) == 0 {
		return domain.QueueJob{}, domain.ErrNoWaitingJobs
	}
	return q.GetJob(ctx, ids[0])
}

// claimScript atomically pops the lowest-scored member of the queue set
// and records it as active with a token and lock deadline, the worker-pool
// equivalent of the teacher's BRPOPLPUSH claim.
var claimScript = redis.NewScript(`
local queueKey = KEYS[1]
local activeKey = KEYS[2]
local deadline = ARGV[1]
local members = redis.call('ZRANGE', queueKey, 0, 0)
if #members == 0 then
  return nil
end
local jobID = members[1]
redis.call('ZREM', queueKey, jobID)
redis.call('ZADD', activeKey, deadline, jobID)
return jobID
`)

// Claim atomically pops the oldest job into the active set under a
// lockDuration deadline, returning the job and a token the holder must
// present to MoveToDelayed, Complete, or Fail.
func (q *Queue) Claim(ctx context.Context, lockDuration time.Duration) (domain.QueueJob, string, error) {
	deadline := time.Now().Add(lockDuration).UnixMilli()
	res, err := claimScript.Run(ctx, q.rdb, []string{q.key(stateQueue), q.key(stateActive)}, deadline).Result()
	if err == redis.Nil {
		return domain.QueueJob{}, "", domain.ErrNoWaitingJobs
	}
	if err != nil {
		return domain.QueueJob{}, "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return domain.QueueJob{}, "", domain.ErrNoWaitingJobs
	}

	token := uuid.NewString()
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return domain.QueueJob{}, "", err
	}
	job.State = domain.JobActive
	job.Token = token
	if err := q.saveJob(ctx, job); err != nil {
		return domain.QueueJob{}, "", err
	}
	return job, token, nil
}

func (q *Queue) saveJob(ctx context.Context, job domain.QueueJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.HSet(ctx, q.key("jobs"), job.ID, payload).Err()
}

func (q *Queue) checkToken(job domain.QueueJob, token string) error {
	if job.Token == "" || job.Token != token {
		return domain.ErrInvalidToken
	}
	return nil
}

// Requeue returns a claimed job (event-driven peek, or a worker-pool claim
// that failed to admit for a transient reason) to the queue set at its
// original score, leaving it waiting for the next dispatch attempt.
func (q *Queue) Requeue(ctx context.Context, job domain.QueueJob) error {
	job.State = domain.JobWaiting
	job.Token = ""
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key(stateActive), job.ID)
	pipe.ZAdd(ctx, q.key(stateQueue), redis.Z{Score: float64(job.Timestamp), Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// MoveToDelayed re-schedules job to become eligible at wall-clock untilMS,
// requiring the caller's token to match the currently-active claim (spec
// §4.3, §5's lost-update protection).
func (q *Queue) MoveToDelayed(ctx context.Context, job domain.QueueJob, untilMS int64, token string) error {
	current, err := q.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if err := q.checkToken(current, token); err != nil {
		return err
	}
	current.State = domain.JobDelayed
	current.DelayUntil = untilMS
	current.AttemptsMade++
	current.Token = ""
	if err := q.saveJob(ctx, current); err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key(stateActive), job.ID)
	pipe.ZRem(ctx, q.key(stateQueue), job.ID)
	pipe.ZAdd(ctx, q.key(stateDelayed), redis.Z{Score: float64(untilMS), Member: job.ID})
	_, err = pipe.Exec(ctx)
	if err == nil {
		obs.RunsRetriedQueue.Inc()
	}
	return err
}

// PromoteDue moves every delayed job whose delay_until has elapsed back
// into the queue set, returning the number promoted. Callers run this on a
// ticker (the jobqueue analogue of the teacher's reaper sweep).
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	nowMS := time.Now().UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, q.key(stateDelayed), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", nowMS),
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			continue
		}
		job.State = domain.JobWaiting
		job.DelayUntil = 0
		if err := q.saveJob(ctx, job); err != nil {
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key(stateDelayed), id)
		pipe.ZAdd(ctx, q.key(stateQueue), redis.Z{Score: float64(job.Timestamp), Member: id})
		if _, err := pipe.Exec(ctx); err == nil {
			promoted++
			obs.StalledJobsRecovered.Inc()
		}
	}
	return promoted, nil
}

// Complete marks a claimed job as completed, removing it from the active
// set and recording it in the completed retention list.
func (q *Queue) Complete(ctx context.Context, job domain.QueueJob, token, returnValue string) error {
	current, err := q.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if err := q.checkToken(current, token); err != nil {
		return err
	}
	current.State = domain.JobCompleted
	current.ReturnValue = returnValue
	current.Token = ""
	payload, err := json.Marshal(current)
	if err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key(stateActive), job.ID)
	pipe.HDel(ctx, q.key("jobs"), job.ID)
	pipe.LPush(ctx, q.key(stateCompleted), payload)
	pipe.LTrim(ctx, q.key(stateCompleted), 0, q.completedMaxCount-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Fail marks a claimed job as permanently failed (retry budget exhausted
// or a validation error), recording it in the failed retention list.
func (q *Queue) Fail(ctx context.Context, job domain.QueueJob, token, reason string) error {
	current, err := q.GetJob(ctx, job.ID)
	if err == nil {
		if tokenErr := q.checkToken(current, token); token != "" && tokenErr != nil {
			return tokenErr
		}
	} else if err != domain.ErrJobNotFound {
		return err
	} else {
		current = job
	}
	current.State = domain.JobFailed
	current.FailedReason = reason
	current.Token = ""
	payload, err := json.Marshal(current)
	if err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key(stateActive), job.ID)
	pipe.ZRem(ctx, q.key(stateQueue), job.ID)
	pipe.HDel(ctx, q.key("jobs"), job.ID)
	pipe.LPush(ctx, q.key(stateFailed), payload)
	_, err = pipe.Exec(ctx)
	if err == nil {
		obs.JobsDeadLettered.Inc()
	}
	return err
}

// Remove deletes job_id regardless of its current state.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key(stateQueue), jobID)
	pipe.ZRem(ctx, q.key(stateActive), jobID)
	pipe.ZRem(ctx, q.key(stateDelayed), jobID)
	pipe.HDel(ctx, q.key("jobs"), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// UpdateData merges patch into job_id's stored inputs, for callers that
// need to mutate a waiting/delayed job's payload in place.
func (q *Queue) UpdateData(ctx context.Context, jobID string, patch map[string]string) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Request.Inputs == nil {
		job.Request.Inputs = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		job.Request.Inputs[k] = v
	}
	return q.saveJob(ctx, job)
}

// Clean removes completed/failed entries older than maxAge, bounded to
// maxCount removals per call, mirroring the retention sweep of spec §4.3.
func (q *Queue) Clean(ctx context.Context, state domain.JobState, maxAge time.Duration, maxCount int64) (int, error) {
	var key string
	switch state {
	case domain.JobCompleted:
		key = q.key(stateCompleted)
	case domain.JobFailed:
		key = q.key(stateFailed)
	default:
		return 0, fmt.Errorf("clean: unsupported state %q", state)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for int64(removed) < maxCount {
		raw, err := q.rdb.LIndex(ctx, key, -1).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return removed, err
		}
		var job domain.QueueJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			_ = q.rdb.RPop(ctx, key).Err()
			removed++
			continue
		}
		if job.CreatedAt.After(cutoff) {
			break
		}
		if err := q.rdb.RPop(ctx, key).Err(); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Lengths reports the current size of every queue state, for admin/CLI
// stats commands that need the counts directly rather than via the
// QueueLength gauge.
func (q *Queue) Lengths(ctx context.Context) (map[domain.JobState]int64, error) {
	out := map[domain.JobState]int64{}
	waiting, err := q.rdb.ZCard(ctx, q.key(stateQueue)).Result()
	if err != nil {
		return nil, err
	}
	out[domain.JobWaiting] = waiting
	active, err := q.rdb.ZCard(ctx, q.key(stateActive)).Result()
	if err != nil {
		return nil, err
	}
	out[domain.JobActive] = active
	delayed, err := q.rdb.ZCard(ctx, q.key(stateDelayed)).Result()
	if err != nil {
		return nil, err
	}
	out[domain.JobDelayed] = delayed
	completed, err := q.rdb.LLen(ctx, q.key(stateCompleted)).Result()
	if err != nil {
		return nil, err
	}
	out[domain.JobCompleted] = completed
	failed, err := q.rdb.LLen(ctx, q.key(stateFailed)).Result()
	if err != nil {
		return nil, err
	}
	out[domain.JobFailed] = failed
	return out, nil
}

// SampleLengths publishes the current size of every queue state to the
// QueueLength gauge, replacing a background poll loop previously owned by
// the observability package: the jobqueue, not obs, owns this Redis key
// layout.
func (q *Queue) SampleLengths(ctx context.Context) {
	pairs := []struct {
		state string
		key   string
		isSet bool
	}{
		{stateQueue, q.key(stateQueue), true},
		{stateActive, q.key(stateActive), true},
		{stateDelayed, q.key(stateDelayed), true},
		{stateCompleted, q.key(stateCompleted), false},
		{stateFailed, q.key(stateFailed), false},
	}
	for _, p := range pairs {
		var n int64
		var err error
		if p.isSet {
			n, err = q.rdb.ZCard(ctx, p.key).Result()
		} else {
			n, err = q.rdb.LLen(ctx, p.key).Result()
		}
		if err != nil {
			q.log.Debug("queue length sample error", obs.String("state", p.state), obs.Err(err))
			continue
		}
		obs.QueueLength.WithLabelValues(q.ns, p.state).Set(float64(n))
	}
}

// StartLengthSampler runs SampleLengths on interval until ctx is canceled.
func (q *Queue) StartLengthSampler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.SampleLengths(ctx)
			}
		}
	}()
}

// RunRetentionSweep periodically cleans completed/failed lists per the
// configured retention policy, the jobqueue analogue of the teacher's
// reaper.
func (q *Queue) RunRetentionSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.Clean(ctx, domain.JobCompleted, q.completedRetention, q.completedMaxCount); err != nil {
					q.log.Warn("completed retention sweep error", obs.Err(err))
				}
				if _, err := q.Clean(ctx, domain.JobFailed, q.failedRetention, 10000); err != nil {
					q.log.Warn("failed retention sweep error", obs.Err(err))
				}
			}
		}
	}()
}
