// Copyright 2025 James Ross
// Package dispatcher implements the scheduling loop of spec §4.4: pulling
// the next waiting job, resolving its deployment's machine (or group), and
// attempting to admit it onto a machine before handing it to the backend
// RPC client. Two mutually exclusive modes are supported (spec §4.4, §9):
// event-driven (triggered only by enqueue/release signals) and worker-pool
// (a fixed-concurrency claim loop), generalizing the teacher's
// worker.go claim/backoff/circuit-breaker loop to the dispatch-core domain.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/backend"
	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobqueue"
	"github.com/flyingrobots/go-redis-work-queue/internal/machine"
	"github.com/flyingrobots/go-redis-work-queue/internal/notify"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/repository"
	"github.com/flyingrobots/go-redis-work-queue/internal/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher owns the try-next scheduling step, shared by both modes.
type Dispatcher struct {
	queue     *jobqueue.Queue
	registry  *machine.Registry
	selector  *machine.Selector
	repo      repository.Repository
	client    *backend.Client
	notifier  *notify.Queue
	log       *zap.Logger

	eventDriven          bool
	concurrency          int
	lockDuration         time.Duration
	processAllAvailable  int
	loadBalancerStrategy domain.LoadBalancerStrategy
	queueRetryPolicy     retry.QueuePolicy
	executionRetryPolicy retry.ExecutionPolicy
	ratePerSecond        float64

	// wake coalesces enqueue/release notifications into at-most-one
	// pending wakeup, the event-driven equivalent of the teacher's
	// BRPOPLPUSH blocking pop.
	wake chan struct{}
}

// Config bundles the tunables a Dispatcher needs at construction (spec §6.6).
type Config struct {
	EventDriven              bool
	Concurrency              int
	LockDuration             time.Duration
	ProcessAllAvailableBound int
	LoadBalancerStrategy     domain.LoadBalancerStrategy
	QueueRetryPolicy         retry.QueuePolicy
	ExecutionRetryPolicy     retry.ExecutionPolicy
	RatePerSecond            float64
}

func New(queue *jobqueue.Queue, registry *machine.Registry, selector *machine.Selector, repo repository.Repository, client *backend.Client, notifier *notify.Queue, log *zap.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{
		queue:                queue,
		registry:             registry,
		selector:             selector,
		repo:                 repo,
		client:               client,
		notifier:             notifier,
		log:                  log,
		eventDriven:          cfg.EventDriven,
		concurrency:          cfg.Concurrency,
		lockDuration:         cfg.LockDuration,
		processAllAvailable:  cfg.ProcessAllAvailableBound,
		loadBalancerStrategy: cfg.LoadBalancerStrategy,
		queueRetryPolicy:     cfg.QueueRetryPolicy,
		executionRetryPolicy: cfg.ExecutionRetryPolicy,
		ratePerSecond:        cfg.RatePerSecond,
		wake:                 make(chan struct{}, 1),
	}
}

// Notify signals the event-driven loop that an enqueue or machine-release
// just happened. Safe to call from any goroutine; coalesces bursts into a
// single pending wakeup so a storm of callbacks doesn't queue up redundant
// try-next passes.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run starts the dispatcher in whichever mode Config.EventDriven selects,
// blocking until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.eventDriven {
		d.runEventDriven(ctx)
		return
	}
	d.runWorkerPool(ctx)
}

// runEventDriven wakes only on Notify() (or a long idle-safety ticker),
// draining as many admittable jobs as processAllAvailable bounds on each
// wakeup (spec §4.4 "process all available jobs" step).
func (d *Dispatcher) runEventDriven(ctx context.Context) {
	safety := time.NewTicker(time.Minute)
	defer safety.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			d.processAllAvailableJobs(ctx)
		case <-safety.C:
			d.processAllAvailableJobs(ctx)
		}
	}
}

// processAllAvailableJobs repeatedly calls tryNext until it runs dry, the
// machine pool has no headroom, or processAllAvailable is reached,
// whichever comes first (spec §4.4 step 2, avoiding an unbounded hot loop
// if every waiting job happens to be admittable).
func (d *Dispatcher) processAllAvailableJobs(ctx context.Context) {
	for i := 0; i < d.processAllAvailable; i++ {
		dispatched, err := d.tryNext(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrNoWaitingJobs) && !errors.Is(err, domain.ErrNoAvailableMachines) {
				d.log.Warn("try next error", obs.Err(err))
			}
			return
		}
		if !dispatched {
			return
		}
	}
}

// runWorkerPool starts Concurrency goroutines each looping Claim+dispatch,
// the generalized form of the teacher's fixed worker pool.
func (d *Dispatcher) runWorkerPool(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < d.concurrency; i++ {
		go func() {
			d.claimLoop(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < d.concurrency; i++ {
		<-done
	}
}

func (d *Dispatcher) claimLoop(ctx context.Context) {
	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, token, err := d.queue.Claim(ctx, d.lockDuration)
		if errors.Is(err, domain.ErrNoWaitingJobs) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		if err != nil {
			d.log.Warn("claim error", obs.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 200 * time.Millisecond

		if err := d.dispatchClaimed(ctx, job, token); err != nil {
			d.log.Warn("dispatch claimed job error", obs.String("job_id", job.ID), obs.Err(err))
		}
	}
}

// tryNext is the event-driven admission attempt (spec §4.4 step 2): peek
// the oldest waiting job, resolve and select a machine, admit, and hand
// off to the backend — all without holding a worker-pool lock, since a
// failed admit simply leaves the job where PeekNext found it.
func (d *Dispatcher) tryNext(ctx context.Context) (bool, error) {
	job, err := d.queue.PeekNext(ctx)
	if err != nil {
		return false, err
	}

	chosen, err := d.resolveMachine(ctx, job.Request.DeploymentID)
	if err != nil {
		return false, err
	}

	admitted, err := d.registry.Admit(ctx, chosen.ID, 0)
	if err != nil {
		return false, err
	}
	if !admitted {
		return false, domain.ErrNoAvailableMachines
	}

	claimed, token, err := d.queue.Claim(ctx, d.lockDuration)
	if err != nil {
		_ = d.registry.Release(ctx, chosen.ID)
		if errors.Is(err, domain.ErrNoWaitingJobs) {
			return false, err
		}
		return false, err
	}
	// claimed may differ from job if another dispatcher process claimed a
	// different job between our peek and claim; the machine we admitted
	// onto is still valid for whichever job we did claim.
	if err := d.dispatchClaimed(ctx, claimed, token); err != nil {
		d.log.Warn("dispatch claimed job error", obs.String("job_id", claimed.ID), obs.Err(err))
	}
	return true, nil
}

// liveMachine resolves machineID's record from the MachineRegistry, the
// sole owner of current_queue/operational_status mutation (spec §3
// Ownership), falling back to the read-only repository catalog entry if
// the registry has not yet been seeded for this machine (e.g. before the
// first Save/reconcile at startup).
func (d *Dispatcher) liveMachine(ctx context.Context, id string) (domain.Machine, error) {
	if m, err := d.registry.Get(ctx, id); err == nil {
		return m, nil
	}
	return d.repo.GetMachine(ctx, id)
}

// resolveMachine looks up job's deployment and applies MachineSelector if
// the deployment routes to a group (spec §4.2).
func (d *Dispatcher) resolveMachine(ctx context.Context, deploymentID string) (domain.Machine, error) {
	dep, err := d.repo.GetDeployment(ctx, deploymentID)
	if err != nil {
		return domain.Machine{}, err
	}
	if !dep.UsesGroup() {
		return d.liveMachine(ctx, dep.MachineID)
	}
	group, err := d.repo.GetMachineGroup(ctx, dep.MachineGroupID)
	if err != nil {
		return domain.Machine{}, err
	}
	candidates := make([]domain.Machine, 0, len(group.MemberIDs))
	for _, id := range group.MemberIDs {
		m, err := d.liveMachine(ctx, id)
		if err != nil {
			continue
		}
		candidates = append(candidates, m)
	}
	strategy := group.Strategy
	if strategy == "" {
		strategy = d.loadBalancerStrategy
	}
	chosen, ok := d.selector.Select(group.ID, candidates, strategy)
	if !ok {
		return domain.Machine{}, domain.ErrNoAvailableMachines
	}
	return chosen, nil
}

// dispatchClaimed admits (worker-pool mode only — event-driven already
// admitted in tryNext before claiming) and starts the run on a machine,
// recording the Run row and applying queue-level retry on transient
// failure (spec §4.4.1, §4.5).
func (d *Dispatcher) dispatchClaimed(ctx context.Context, job domain.QueueJob, token string) error {
	dep, err := d.repo.GetDeployment(ctx, job.Request.DeploymentID)
	if err != nil {
		return d.failPermanently(ctx, job, token, err.Error())
	}

	var chosen domain.Machine
	if d.eventDriven {
		// Machine was already resolved and admitted by tryNext; re-resolve
		// only to read its current record for the RPC call. An admit has
		// already been charged against it, so every failure path below
		// must still release it.
		chosen, err = d.resolveMachine(ctx, job.Request.DeploymentID)
		if err != nil {
			return d.requeueForRetry(ctx, job, token, err.Error())
		}
	} else {
		chosen, err = d.resolveMachine(ctx, job.Request.DeploymentID)
		if err != nil {
			return d.requeueForRetry(ctx, job, token, err.Error())
		}
		admitted, err := d.registry.Admit(ctx, chosen.ID, 0)
		if err != nil {
			return d.requeueForRetry(ctx, job, token, err.Error())
		}
		if !admitted {
			return d.requeueForRetry(ctx, job, token, "no available machines")
		}
	}
	// At this point an admit has been charged against chosen.ID in every
	// path (by tryNext for event-driven mode, or just above for worker-pool
	// mode); any return between here and a successful StartRun must release it.
	admittedHere := true

	runID := uuid.NewString()
	run := domain.Run{
		ID:                runID,
		WorkflowVersionID: dep.WorkflowVersionID,
		Inputs:            job.Request.Inputs,
		MachineID:         chosen.ID,
		Origin:            job.Request.Origin,
		QueueJobID:        job.ID,
		Status:            domain.RunNotStarted,
		RetryCount:        job.Request.RetryCount,
		MaxRetries:        d.queueRetryPolicy.MaxRetries,
		CreatedAt:         time.Now(),
	}
	if err := d.repo.InsertRun(ctx, run); err != nil {
		if admittedHere {
			_ = d.registry.Release(ctx, chosen.ID)
		}
		return d.requeueForRetry(ctx, job, token, err.Error())
	}

	result, err := d.client.StartRun(ctx, d.ratePerSecond, backend.StartRunParams{
		Machine: chosen,
		Inputs:  job.Request.Inputs,
		Origin:  job.Request.Origin,
		RunID:   runID,
	})
	if err != nil {
		if admittedHere {
			_ = d.registry.Release(ctx, chosen.ID)
		}
		run.Status = domain.RunFailed
		now := time.Now()
		run.EndedAt = &now
		_ = d.repo.UpdateRun(ctx, run)
		if !retry.IsRetryable("", err.Error()) {
			return d.failPermanently(ctx, job, token, err.Error())
		}
		return d.requeueForRetry(ctx, job, token, err.Error())
	}

	run.Status = domain.RunRunning
	now := time.Now()
	run.StartedAt = &now
	run.GPUEventID = result.GPUEventID
	if err := d.repo.UpdateRun(ctx, run); err != nil {
		d.log.Warn("update run after start error", obs.String("run_id", runID), obs.Err(err))
	}

	return d.queue.Complete(ctx, job, token, runID)
}

// requeueForRetry applies the queue-level retry policy (flat delay,
// max_queue_retries) to a job whose admission/dispatch attempt failed for
// a transient reason (spec §4.5).
func (d *Dispatcher) requeueForRetry(ctx context.Context, job domain.QueueJob, token, reason string) error {
	if d.queueRetryPolicy.Exhausted(job.AttemptsMade) {
		return d.failPermanently(ctx, job, token, reason)
	}
	until := time.Now().Add(d.queueRetryPolicy.NextDelay(job.AttemptsMade)).UnixMilli()
	return d.queue.MoveToDelayed(ctx, job, until, token)
}

func (d *Dispatcher) failPermanently(ctx context.Context, job domain.QueueJob, token, reason string) error {
	if err := d.queue.Fail(ctx, job, token, reason); err != nil {
		return err
	}
	if d.notifier != nil {
		d.notifier.Enqueue(ctx, domain.Notification{
			JobID:        job.ID,
			DeploymentID: job.Request.DeploymentID,
			Status:       domain.RunFailed,
			Error:        reason,
			CompletedAt:  time.Now(),
		})
	}
	return nil
}
