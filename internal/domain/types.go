// Copyright 2025 James Ross
// Package domain holds the wire and storage types shared by every
// dispatch-core component: queue jobs, deployments, machines, runs and
// their merged outputs, and outbound notifications.
package domain

import "time"

// Environment is the deployment target tier.
type Environment string

const (
	EnvironmentStaging    Environment = "staging"
	EnvironmentProduction Environment = "production"
	EnvironmentPublicShare Environment = "public-share"
)

// MachineKind selects the backend RPC dialect used by startRun.
type MachineKind string

const (
	MachineKindClassic             MachineKind = "classic"
	MachineKindComfyDeployServerless MachineKind = "comfy-deploy-serverless"
	MachineKindModalServerless      MachineKind = "modal-serverless"
	MachineKindRunpodServerless     MachineKind = "runpod-serverless"
)

// MachineStatus is the backend's own reported build/health status.
type MachineStatus string

const (
	MachineStatusReady    MachineStatus = "ready"
	MachineStatusBuilding MachineStatus = "building"
	MachineStatusError    MachineStatus = "error"
)

// OperationalStatus tracks whether a machine currently holds any admitted work.
type OperationalStatus string

const (
	OperationalIdle OperationalStatus = "idle"
	OperationalBusy OperationalStatus = "busy"
)

// RunStatus is the lifecycle of one execution attempt.
type RunStatus string

const (
	RunNotStarted RunStatus = "not-started"
	RunRunning    RunStatus = "running"
	RunUploading  RunStatus = "uploading"
	RunSuccess    RunStatus = "success"
	RunFailed     RunStatus = "failed"
)

// IsTerminal reports whether s is a one-way terminal run status.
func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFailed
}

// LoadBalancerStrategy selects how MachineSelector picks among group members.
type LoadBalancerStrategy string

const (
	StrategyRoundRobin LoadBalancerStrategy = "round-robin"
	StrategyLeastLoad  LoadBalancerStrategy = "least-load"
)

// Principal identifies the user/org that submitted a RunRequest, if known.
type Principal struct {
	UserID string `json:"user_id,omitempty"`
	OrgID  string `json:"org_id,omitempty"`
}

// RunRequest is the payload enqueued from the producer edge (spec §3).
type RunRequest struct {
	DeploymentID string            `json:"deployment_id"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	Origin       string            `json:"origin"`
	Principal    *Principal        `json:"principal,omitempty"`
	RetryCount   int               `json:"retry_count"`
}

// Deployment is read-only for the dispatch core.
type Deployment struct {
	ID                string      `json:"id"`
	Name              string      `json:"name,omitempty"`
	WorkflowVersionID string      `json:"workflow_version_id"`
	MachineID         string      `json:"machine_id,omitempty"`
	MachineGroupID    string      `json:"machine_group_id,omitempty"`
	Environment       Environment `json:"environment"`
}

// UsesGroup reports whether the deployment routes to a machine group
// rather than a single machine, per the "exactly one of" invariant.
func (d Deployment) UsesGroup() bool {
	return d.MachineGroupID != ""
}

// Machine is a mutable capacity record for one compute backend.
type Machine struct {
	ID                string            `json:"id"`
	Name              string            `json:"name,omitempty"`
	Kind              MachineKind       `json:"kind"`
	Endpoint          string            `json:"endpoint"`
	AuthToken         string            `json:"auth_token,omitempty"`
	Status            MachineStatus     `json:"status"`
	OperationalStatus OperationalStatus `json:"operational_status"`
	CurrentQueue      int64             `json:"current_queue"`
	Capacity          int64             `json:"capacity"`
	Disabled          bool              `json:"disabled"`
}

// Eligible reports whether the machine can presently accept an admit,
// per the spec's eligibility invariant: not disabled, ready, under capacity.
func (m Machine) Eligible() bool {
	return !m.Disabled && m.Status == MachineStatusReady && m.CurrentQueue < m.Capacity
}

// MachineGroup is an unordered set of machines sharing a load-balancing strategy.
type MachineGroup struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Strategy LoadBalancerStrategy `json:"strategy"`
	MemberIDs []string `json:"member_ids"`
}

// Run is one execution attempt of a workflow version on a chosen machine.
type Run struct {
	ID                string     `json:"id"`
	WorkflowID        string     `json:"workflow_id"`
	WorkflowVersionID string     `json:"workflow_version_id"`
	Inputs            map[string]string `json:"inputs,omitempty"`
	MachineID         string     `json:"machine_id"`
	Origin            string     `json:"origin"`
	QueueJobID        string     `json:"queue_job_id"`
	Status            RunStatus  `json:"status"`
	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries"`
	GPUEventID        string     `json:"gpu_event_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// OutputFile is one filename-keyed artifact entry (image/file/gif).
type OutputFile struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// OutputData is the tagged union of a run's output payload (spec §9 Design Notes).
type OutputData struct {
	Images []OutputFile `json:"images,omitempty"`
	Files  []OutputFile `json:"files,omitempty"`
	Gifs   []OutputFile `json:"gifs,omitempty"`
	Text   string       `json:"text,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// IsEmpty reports whether the output carries no data worth merging.
func (o OutputData) IsEmpty() bool {
	return len(o.Images) == 0 && len(o.Files) == 0 && len(o.Gifs) == 0 && o.Text == "" && o.Error == ""
}

// RunOutput is the single canonical merged artifact record for a run.
type RunOutput struct {
	RunID     string     `json:"run_id"`
	Data      OutputData `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// JobState is the lifecycle state of a QueueJob within the JobQueue.
type JobState string

const (
	JobWaiting     JobState = "waiting"
	JobPrioritized JobState = "prioritized"
	JobActive      JobState = "active"
	JobDelayed     JobState = "delayed"
	JobCompleted   JobState = "completed"
	JobFailed      JobState = "failed"
)

// QueueJob is the internal envelope wrapping a RunRequest as it moves
// through the JobQueue (spec §3, §4.3).
type QueueJob struct {
	ID            string     `json:"id"`
	Request       RunRequest `json:"request"`
	Priority      int64      `json:"priority"`
	Timestamp     int64      `json:"timestamp"`
	State         JobState   `json:"state"`
	AttemptsMade  int        `json:"attempts_made"`
	DelayUntil    int64      `json:"delay_until,omitempty"`
	ReturnValue   string     `json:"return_value,omitempty"`
	FailedReason  string     `json:"failed_reason,omitempty"`
	Token         string     `json:"token,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Notification is the outbound webhook envelope for a terminal run.
type Notification struct {
	WorkflowRunID string     `json:"workflow_run_id"`
	Status        RunStatus  `json:"status"`
	JobID         string     `json:"job_id,omitempty"`
	DeploymentID  string     `json:"deployment_id,omitempty"`
	Outputs       *OutputData `json:"outputs,omitempty"`
	Error         string     `json:"error,omitempty"`
	CompletedAt   time.Time  `json:"completed_at"`
	WebhookURL    string     `json:"webhook_url"`
	AuthHeader    string     `json:"auth_header,omitempty"`
}
