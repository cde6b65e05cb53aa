// Copyright 2025 James Ross
// Package repository abstracts reads and writes for deployments, machines,
// machine groups, runs, and run outputs. Persistent relational storage of
// workflows, versions, deployments, and runs is out of scope for the
// dispatch core (spec Non-goals); only this contract is specified, and the
// in-memory implementation in memory.go stands in for it.
package repository

import (
	"context"

	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
)

// Repository is the abstract collaborator the dispatch core reads and
// writes through. Deployments and machine groups are read-only from the
// core's perspective; machines, runs, and outputs are mutated by the
// MachineRegistry, Dispatcher, and CallbackIngestor respectively.
type Repository interface {
	GetDeployment(ctx context.Context, id string) (domain.Deployment, error)
	GetMachine(ctx context.Context, id string) (domain.Machine, error)
	PutMachine(ctx context.Context, m domain.Machine) error
	GetMachineGroup(ctx context.Context, id string) (domain.MachineGroup, error)
	ListEligibleClassicMachines(ctx context.Context) ([]domain.Machine, error)

	InsertRun(ctx context.Context, run domain.Run) error
	UpdateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	GetRunByQueueJobID(ctx context.Context, queueJobID string) (domain.Run, error)

	ListRunOutputs(ctx context.Context, runID string) ([]domain.RunOutput, error)
	ReplaceRunOutputs(ctx context.Context, runID string, canonical domain.RunOutput) error
}
