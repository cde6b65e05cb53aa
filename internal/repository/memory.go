// Copyright 2025 James Ross
package repository

import (
	"context"
	"sync"

	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
)

// Memory is an in-process Repository implementation. It is the reference
// stand-in for the relational store the spec treats as an external
// collaborator; production deployments swap this for a real database-backed
// implementation without touching the dispatch core.
type Memory struct {
	mu          sync.RWMutex
	deployments map[string]domain.Deployment
	machines    map[string]domain.Machine
	groups      map[string]domain.MachineGroup
	runs        map[string]domain.Run
	runsByJob   map[string]string // queue_job_id -> run_id
	outputs     map[string]domain.RunOutput
}

func NewMemory() *Memory {
	return &Memory{
		deployments: make(map[string]domain.Deployment),
		machines:    make(map[string]domain.Machine),
		groups:      make(map[string]domain.MachineGroup),
		runs:        make(map[string]domain.Run),
		runsByJob:   make(map[string]string),
		outputs:     make(map[string]domain.RunOutput),
	}
}

// Seed helpers, used by tests and by a dev bootstrap: the real deployment/
// machine/group catalogue is owned by the database this repository fronts.

func (m *Memory) PutDeployment(d domain.Deployment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployments[d.ID] = d
}

func (m *Memory) PutMachineGroup(g domain.MachineGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = g
}

func (m *Memory) GetDeployment(ctx context.Context, id string) (domain.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[id]
	if !ok {
		return domain.Deployment{}, domain.ErrDeploymentNotFound
	}
	return d, nil
}

func (m *Memory) GetMachine(ctx context.Context, id string) (domain.Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mach, ok := m.machines[id]
	if !ok {
		return domain.Machine{}, domain.ErrMachineNotFound
	}
	return mach, nil
}

func (m *Memory) PutMachine(ctx context.Context, mach domain.Machine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.machines[mach.ID] = mach
	return nil
}

func (m *Memory) GetMachineGroup(ctx context.Context, id string) (domain.MachineGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return domain.MachineGroup{}, domain.ErrInvalidStagingGroup
	}
	return g, nil
}

func (m *Memory) ListEligibleClassicMachines(ctx context.Context) ([]domain.Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Machine, 0, len(m.machines))
	for _, mach := range m.machines {
		if mach.Kind == domain.MachineKindClassic {
			out = append(out, mach)
		}
	}
	return out, nil
}

func (m *Memory) InsertRun(ctx context.Context, run domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	if run.QueueJobID != "" {
		m.runsByJob[run.QueueJobID] = run.ID
	}
	return nil
}

func (m *Memory) UpdateRun(ctx context.Context, run domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return domain.ErrRunNotFound
	}
	m.runs[run.ID] = run
	if run.QueueJobID != "" {
		m.runsByJob[run.QueueJobID] = run.ID
	}
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (domain.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.Run{}, domain.ErrRunNotFound
	}
	return r, nil
}

func (m *Memory) GetRunByQueueJobID(ctx context.Context, queueJobID string) (domain.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runID, ok := m.runsByJob[queueJobID]
	if !ok {
		return domain.Run{}, domain.ErrRunNotFound
	}
	r, ok := m.runs[runID]
	if !ok {
		return domain.Run{}, domain.ErrRunNotFound
	}
	return r, nil
}

func (m *Memory) ListRunOutputs(ctx context.Context, runID string) ([]domain.RunOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.outputs[runID]
	if !ok {
		return nil, nil
	}
	return []domain.RunOutput{o}, nil
}

func (m *Memory) ReplaceRunOutputs(ctx context.Context, runID string, canonical domain.RunOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[runID] = canonical
	return nil
}
