// Copyright 2025 James Ross
// Package machine owns per-machine admission accounting (MachineRegistry)
// and candidate selection (MachineSelector).
package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// admitScript atomically checks eligibility and capacity headroom before
// incrementing current_queue, mirroring the pack's Lua-scripted
// token-bucket pattern but gated on the machine hash fields instead of a
// bucket. A single EVALSHA round trip removes the read-then-write race a
// plain GET/SET pair would have across multiple dispatcher processes.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local capHint = tonumber(ARGV[1])
local disabled = redis.call('HGET', key, 'disabled')
local status = redis.call('HGET', key, 'status')
local cur = tonumber(redis.call('HGET', key, 'current_queue') or '0')
local cap = tonumber(redis.call('HGET', key, 'capacity') or '0')
if disabled == '1' then
  return 0
end
if status ~= 'ready' then
  return 0
end
local effectiveCap = cap
if capHint and capHint < cap then
  effectiveCap = capHint
end
if cur >= effectiveCap then
  return 0
end
redis.call('HSET', key, 'current_queue', cur + 1, 'operational_status', 'busy')
return 1
`)

// releaseScript atomically decrements current_queue, floored at zero, and
// flips operational_status back to idle once the count reaches zero.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local cur = tonumber(redis.call('HGET', key, 'current_queue') or '0')
local next = cur - 1
if next < 0 then
  next = 0
end
if next == 0 then
  redis.call('HSET', key, 'current_queue', 0, 'operational_status', 'idle')
else
  redis.call('HSET', key, 'current_queue', next)
end
return next
`)

func machineKey(id string) string { return fmt.Sprintf("machine:%s", id) }

// Registry is the Redis-backed MachineRegistry (spec §4.1).
type Registry struct {
	rdb    *redis.Client
	log    *zap.Logger
	client *http.Client
}

func NewRegistry(rdb *redis.Client, log *zap.Logger, httpClient *http.Client) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Registry{rdb: rdb, log: log, client: httpClient}
}

// Save persists a machine's record into its Redis hash, used to seed or
// refresh the registry's view (e.g. from the repository's catalogue).
func (r *Registry) Save(ctx context.Context, m domain.Machine) error {
	disabled := "0"
	if m.Disabled {
		disabled = "1"
	}
	return r.rdb.HSet(ctx, machineKey(m.ID), map[string]interface{}{
		"id":                 m.ID,
		"name":               m.Name,
		"kind":               string(m.Kind),
		"endpoint":           m.Endpoint,
		"auth_token":         m.AuthToken,
		"status":             string(m.Status),
		"operational_status": string(m.OperationalStatus),
		"current_queue":      m.CurrentQueue,
		"capacity":           m.Capacity,
		"disabled":           disabled,
	}).Err()
}

// Get loads the current machine record from the registry's hash.
func (r *Registry) Get(ctx context.Context, id string) (domain.Machine, error) {
	vals, err := r.rdb.HGetAll(ctx, machineKey(id)).Result()
	if err != nil {
		return domain.Machine{}, err
	}
	if len(vals) == 0 {
		return domain.Machine{}, domain.ErrMachineNotFound
	}
	return hashToMachine(vals), nil
}

func hashToMachine(vals map[string]string) domain.Machine {
	m := domain.Machine{
		ID:                vals["id"],
		Name:              vals["name"],
		Kind:              domain.MachineKind(vals["kind"]),
		Endpoint:          vals["endpoint"],
		AuthToken:         vals["auth_token"],
		Status:            domain.MachineStatus(vals["status"]),
		OperationalStatus: domain.OperationalStatus(vals["operational_status"]),
		Disabled:          vals["disabled"] == "1",
	}
	fmt.Sscanf(vals["current_queue"], "%d", &m.CurrentQueue)
	fmt.Sscanf(vals["capacity"], "%d", &m.Capacity)
	return m
}

// Admit atomically admits work onto machineID if it is eligible and has
// headroom under min(capacity, capacityHint). capacityHint of 0 means "no
// hint", i.e. only the machine's own capacity applies.
func (r *Registry) Admit(ctx context.Context, machineID string, capacityHint int64) (bool, error) {
	hint := capacityHint
	if hint <= 0 {
		// Large sentinel so the script's min() never binds on the hint.
		hint = 1 << 40
	}
	res, err := admitScript.Run(ctx, r.rdb, []string{machineKey(machineID)}, hint).Int()
	if err != nil {
		return false, err
	}
	admitted := res == 1
	if admitted {
		obs.RunsDispatched.Inc()
	} else {
		obs.MachineAdmitFailures.WithLabelValues(machineID).Inc()
	}
	return admitted, nil
}

// Release atomically decrements machineID's current_queue, flooring at
// zero. Callers must guarantee exactly one release per successful admit.
func (r *Registry) Release(ctx context.Context, machineID string) error {
	next, err := releaseScript.Run(ctx, r.rdb, []string{machineKey(machineID)}).Int()
	if err != nil {
		return err
	}
	obs.MachineCurrentQueue.WithLabelValues(machineID).Set(float64(next))
	return nil
}

// queueResponse is the shape returned by a classic machine's /queue endpoint.
type queueResponse struct {
	QueueRunning []json.RawMessage `json:"queue_running"`
	QueuePending []json.RawMessage `json:"queue_pending"`
}

// Reconcile restores current_queue/operational_status for a classic machine
// from the backend's own /queue view, recovering from lost callbacks (spec
// §4.1, §9 "Drift between in-process counters and backend reality").
func (r *Registry) Reconcile(ctx context.Context, m domain.Machine) error {
	if m.Kind != domain.MachineKindClassic {
		return nil
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, m.Endpoint+"/queue", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Warn("reconcile request failed", obs.String("machine_id", m.ID), obs.Err(err))
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.log.Warn("reconcile non-2xx", obs.String("machine_id", m.ID), obs.Int("status", resp.StatusCode))
		return fmt.Errorf("reconcile %s: status %d", m.ID, resp.StatusCode)
	}

	var qr queueResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return err
	}
	cur := int64(len(qr.QueueRunning) + len(qr.QueuePending))
	status := domain.OperationalIdle
	if cur > 0 {
		status = domain.OperationalBusy
	}
	if err := r.rdb.HSet(ctx, machineKey(m.ID), map[string]interface{}{
		"current_queue":      cur,
		"operational_status": string(status),
	}).Err(); err != nil {
		return err
	}
	obs.MachineCurrentQueue.WithLabelValues(m.ID).Set(float64(cur))
	return nil
}

// ReconcileResult is one machine's reconciliation outcome.
type ReconcileResult struct {
	MachineID string
	Err       error
}

// ReconcileAll reconciles every eligible classic machine in machines,
// returning a per-machine success/failure report.
func (r *Registry) ReconcileAll(ctx context.Context, machines []domain.Machine) []ReconcileResult {
	results := make([]ReconcileResult, 0, len(machines))
	for _, m := range machines {
		if m.Kind != domain.MachineKindClassic {
			continue
		}
		err := r.Reconcile(ctx, m)
		results = append(results, ReconcileResult{MachineID: m.ID, Err: err})
	}
	return results
}
