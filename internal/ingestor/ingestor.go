// Copyright 2025 James Ross
// Package ingestor implements the CallbackIngestor of spec §4.6: applying
// partial/terminal status updates and merged output artifacts from a
// backend's callback, gated by an is_completing guard so repeated terminal
// callbacks for the same run stay idempotent, serialized per run_id via a
// Redis-backed lock per spec §5's multi-process ingestor requirement.
package ingestor

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/backend"
	"github.com/flyingrobots/go-redis-work-queue/internal/dispatcher"
	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
	"github.com/flyingrobots/go-redis-work-queue/internal/machine"
	"github.com/flyingrobots/go-redis-work-queue/internal/notify"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/repository"
	"github.com/flyingrobots/go-redis-work-queue/internal/retry"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrorPayload is the backend-reported failure classified by RetryPolicy.
type ErrorPayload struct {
	Type    string
	Message string
}

// Ingestor applies callback updates.
type Ingestor struct {
	repo            repository.Repository
	registry        *machine.Registry
	notifier        *notify.Queue
	dispatcher      *dispatcher.Dispatcher
	backendClient   *backend.Client
	executionPolicy retry.ExecutionPolicy
	rdb             *redis.Client
	log             *zap.Logger
	ratePerSecond   float64
}

func New(repo repository.Repository, registry *machine.Registry, notifier *notify.Queue, disp *dispatcher.Dispatcher, backendClient *backend.Client, executionPolicy retry.ExecutionPolicy, rdb *redis.Client, log *zap.Logger, ratePerSecond float64) *Ingestor {
	return &Ingestor{
		repo:            repo,
		registry:        registry,
		notifier:        notifier,
		dispatcher:      disp,
		backendClient:   backendClient,
		executionPolicy: executionPolicy,
		rdb:             rdb,
		log:             log,
		ratePerSecond:   ratePerSecond,
	}
}

func lockKey(runID string) string { return fmt.Sprintf("ingestor:lock:%s", runID) }

// withRunLock serializes fn against every other ingestor process touching
// the same run_id (spec §5: "implementations that run multiple ingestor
// processes must serialize per run_id").
func (in *Ingestor) withRunLock(ctx context.Context, runID string, fn func() error) error {
	token := uuid.NewString()
	key := lockKey(runID)
	deadline := time.Now().Add(5 * time.Second)
	for {
		ok, err := in.rdb.SetNX(ctx, key, token, 10*time.Second).Result()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ingestor: could not acquire lock for run %s", runID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
	defer func() {
		if cur, err := in.rdb.Get(ctx, key).Result(); err == nil && cur == token {
			_ = in.rdb.Del(ctx, key).Err()
		}
	}()
	return fn()
}

// Apply implements the exposed CallbackIngestor.apply(run_id, status?,
// output_data?) operation; either argument may be nil.
func (in *Ingestor) Apply(ctx context.Context, runID string, status *domain.RunStatus, output *domain.OutputData, errPayload *ErrorPayload) error {
	return in.withRunLock(ctx, runID, func() error {
		if output != nil && !output.IsEmpty() {
			if err := in.mergeOutput(ctx, runID, *output); err != nil {
				return err
			}
		}
		if status != nil {
			if err := in.applyStatus(ctx, runID, *status, errPayload); err != nil {
				return err
			}
		}
		return nil
	})
}

// mergeOutput implements the filename-keyed, associative/commutative
// artifact merge of spec §4.6 and §3's RunOutput invariant.
func (in *Ingestor) mergeOutput(ctx context.Context, runID string, incoming domain.OutputData) error {
	existing, err := in.repo.ListRunOutputs(ctx, runID)
	if err != nil {
		return err
	}

	now := time.Now()
	canonical := domain.RunOutput{RunID: runID, CreatedAt: now, UpdatedAt: now}
	if len(existing) > 0 {
		canonical = existing[0]
		for _, dup := range existing[1:] {
			canonical.Data = mergeOutputData(canonical.Data, dup.Data)
		}
	}
	canonical.Data = mergeOutputData(canonical.Data, incoming)
	canonical.UpdatedAt = now

	return in.repo.ReplaceRunOutputs(ctx, runID, canonical)
}

// mergeOutputData implements the merge rule: filename-keyed upsert for
// images/files/gifs (last write wins per field), last-write-wins for
// text/error.
func mergeOutputData(base, incoming domain.OutputData) domain.OutputData {
	out := base
	out.Images = upsertFiles(out.Images, incoming.Images)
	out.Files = upsertFiles(out.Files, incoming.Files)
	out.Gifs = upsertFiles(out.Gifs, incoming.Gifs)
	if incoming.Text != "" {
		out.Text = incoming.Text
	}
	if incoming.Error != "" {
		out.Error = incoming.Error
	}
	return out
}

func upsertFiles(base []domain.OutputFile, incoming []domain.OutputFile) []domain.OutputFile {
	if len(incoming) == 0 {
		return base
	}
	byName := make(map[string]domain.OutputFile, len(base)+len(incoming))
	order := make([]string, 0, len(base)+len(incoming))
	for _, f := range base {
		if _, seen := byName[f.Filename]; !seen {
			order = append(order, f.Filename)
		}
		byName[f.Filename] = f
	}
	for _, f := range incoming {
		if _, seen := byName[f.Filename]; !seen {
			order = append(order, f.Filename)
		}
		byName[f.Filename] = f
	}
	out := make([]domain.OutputFile, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}

// applyStatus implements spec §4.6 steps 1-5.
func (in *Ingestor) applyStatus(ctx context.Context, runID string, newStatus domain.RunStatus, errPayload *ErrorPayload) error {
	run, err := in.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	isCompleting := newStatus.IsTerminal() && !run.Status.IsTerminal()

	if newStatus == domain.RunFailed && isCompleting && in.executionPolicy.Enabled && errPayload != nil {
		if in.executionPolicy.ShouldRetryExecution(run, errPayload.Type, errPayload.Message) {
			return in.retryExecution(ctx, run)
		}
	}

	run.Status = newStatus
	if newStatus.IsTerminal() {
		now := time.Now()
		run.EndedAt = &now
	}
	if err := in.repo.UpdateRun(ctx, run); err != nil {
		return err
	}

	if isCompleting {
		if err := in.registry.Release(ctx, run.MachineID); err != nil {
			in.log.Warn("release machine on completion error", obs.String("run_id", runID), obs.Err(err))
		}
		if in.dispatcher != nil {
			in.dispatcher.Notify()
		}
		if in.notifier != nil {
			outputs, _ := in.repo.ListRunOutputs(ctx, runID)
			var outPtr *domain.OutputData
			if len(outputs) > 0 {
				outPtr = &outputs[0].Data
			}
			errMsg := ""
			if errPayload != nil {
				errMsg = errPayload.Message
			}
			in.notifier.Enqueue(ctx, domain.Notification{
				WorkflowRunID: run.ID,
				Status:        newStatus,
				DeploymentID:  "",
				Outputs:       outPtr,
				Error:         errMsg,
				CompletedAt:   time.Now(),
			})
		}
	}
	return nil
}

// retryExecution implements spec §4.5's execution-level retry: clear
// outputs, increment retry_count, release the machine slot, re-invoke
// startRun against the same Run row.
func (in *Ingestor) retryExecution(ctx context.Context, run domain.Run) error {
	if err := in.repo.ReplaceRunOutputs(ctx, run.ID, domain.RunOutput{RunID: run.ID, CreatedAt: time.Now(), UpdatedAt: time.Now()}); err != nil {
		return err
	}
	run.RetryCount++
	run.Status = domain.RunNotStarted
	run.StartedAt = nil
	run.EndedAt = nil
	if err := in.repo.UpdateRun(ctx, run); err != nil {
		return err
	}
	if err := in.registry.Release(ctx, run.MachineID); err != nil {
		in.log.Warn("release machine before execution retry error", obs.String("run_id", run.ID), obs.Err(err))
	}

	time.AfterFunc(in.executionPolicy.Delay, func() {
		bgCtx := context.Background()
		machineRecord, err := in.registry.Get(bgCtx, run.MachineID)
		if err != nil {
			machineRecord, err = in.repo.GetMachine(bgCtx, run.MachineID)
		}
		if err != nil {
			in.log.Warn("execution retry machine lookup error", obs.String("run_id", run.ID), obs.Err(err))
			return
		}
		admitted, err := in.registry.Admit(bgCtx, machineRecord.ID, 0)
		if err != nil || !admitted {
			in.log.Warn("execution retry admit failed", obs.String("run_id", run.ID), obs.Err(err))
			return
		}
		if _, err := in.backendClient.StartRun(bgCtx, in.ratePerSecond, backend.StartRunParams{
			Machine: machineRecord,
			Inputs:  run.Inputs,
			Origin:  run.Origin,
			RunID:   run.ID,
		}); err != nil {
			_ = in.registry.Release(bgCtx, machineRecord.ID)
			in.log.Warn("execution retry start run error", obs.String("run_id", run.ID), obs.Err(err))
			return
		}
		run.Status = domain.RunRunning
		now := time.Now()
		run.StartedAt = &now
		if err := in.repo.UpdateRun(bgCtx, run); err != nil {
			in.log.Warn("execution retry update run error", obs.String("run_id", run.ID), obs.Err(err))
		}
	})
	return nil
}
