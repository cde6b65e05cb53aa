// Copyright 2025 James Ross
// Package supervisor owns the dispatch core's process lifecycle (spec
// §4.8): the MachineRegistry, JobQueue, and NotificationQueue connections,
// and both worker pools (dispatcher + notification), started and stopped
// together under an errgroup.Group bound, generalizing the teacher's
// cmd/job-queue-system lifecycle wiring.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/dispatcher"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobqueue"
	"github.com/flyingrobots/go-redis-work-queue/internal/machine"
	"github.com/flyingrobots/go-redis-work-queue/internal/notify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Status is the per-worker running-flag report spec §4.8 names.
type Status struct {
	DispatcherRunning   bool
	NotifierRunning     bool
	StoreConnected      bool
	DispatcherMode      string
	NotifierConcurrency int
}

// Supervisor is a process-wide singleton bracketing the serving process's
// lifetime.
type Supervisor struct {
	dispatcher   *dispatcher.Dispatcher
	notifier     *notify.Queue
	queue        *jobqueue.Queue
	registry     *machine.Registry
	log          *zap.Logger
	eventDriven  bool
	notifierConc int

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

func New(disp *dispatcher.Dispatcher, notifier *notify.Queue, queue *jobqueue.Queue, registry *machine.Registry, log *zap.Logger, eventDriven bool, notifierConcurrency int) *Supervisor {
	return &Supervisor{
		dispatcher:   disp,
		notifier:     notifier,
		queue:        queue,
		registry:     registry,
		log:          log,
		eventDriven:  eventDriven,
		notifierConc: notifierConcurrency,
	}
}

// Start launches the dispatcher and notification worker pool, plus the
// jobqueue's retention/length-sampling background loops. It returns
// immediately; use Wait or Stop to bracket the running lifetime.
func (s *Supervisor) Start(ctx context.Context, lengthSampleInterval, retentionSweepInterval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		s.dispatcher.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		s.notifier.StartWorkers(gCtx, s.notifierConc)
		<-gCtx.Done()
		return nil
	})

	s.queue.StartLengthSampler(runCtx, lengthSampleInterval)
	s.queue.RunRetentionSweep(runCtx, retentionSweepInterval)

	s.cancel = cancel
	s.group = g
	s.running = true
	s.log.Info("supervisor started")
}

// Stop drains in-flight jobs (force=false, waiting up to drainTimeout) or
// cancels immediately (force=true), per spec §4.8.
func (s *Supervisor) Stop(force bool, drainTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if force {
		s.cancel()
	} else {
		done := make(chan struct{})
		go func() {
			s.cancel()
			_ = s.group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(drainTimeout):
			s.log.Warn("supervisor drain timeout exceeded, forcing stop")
		}
	}
	s.running = false
	s.log.Info("supervisor stopped", zap.Bool("force", force))
}

// Status reports the per-worker running state named in spec §4.8.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	mode := "worker-pool"
	if s.eventDriven {
		mode = "event-driven"
	}
	return Status{
		DispatcherRunning:   s.running,
		NotifierRunning:     s.running,
		StoreConnected:      s.running,
		DispatcherMode:      mode,
		NotifierConcurrency: s.notifierConc,
	}
}
