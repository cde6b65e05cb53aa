// Copyright 2025 James Ross
// Package backend implements startRun (spec §4.4.1): the outbound "start
// run" RPC dialect for each machine kind, rate-limited per kind and
// circuit-broken per machine instance.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/breaker"
	"github.com/flyingrobots/go-redis-work-queue/internal/domain"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// StartRunParams bundles the inputs to startRun's RPC step (spec §4.4.1
// steps 1-4). Origin has already been resolved by the caller (API_URL env
// override beats the request-supplied origin).
type StartRunParams struct {
	Machine        domain.Machine
	WorkflowAPIRaw WorkflowGraph
	Workflow       WorkflowGraph
	Inputs         map[string]string
	Origin         string
	RunID          string
}

// StartRunResult is what a successful /run RPC acknowledges.
type StartRunResult struct {
	WorkflowRunID string
	GPUEventID    string
}

const (
	statusEndpointSuffix     = "/api/run-callback"
	fileUploadEndpointSuffix = "/api/run-file-upload"
)

// ResolveOrigin implements spec §4.4.1 step 1: the API_URL environment
// override, when set, always wins over the per-request origin, because
// machines may live on a private network unreachable at the user-facing
// base URL.
func ResolveOrigin(effectiveOverride, requestOrigin string) string {
	if effectiveOverride != "" {
		return effectiveOverride
	}
	return requestOrigin
}

// Client dispatches startRun RPCs against every machine kind, sharing one
// *http.Client whose transport records a span event per request, a rate
// limiter per machine kind, and a circuit breaker per machine instance.
type Client struct {
	http *http.Client

	limiterMu sync.Mutex
	limiters  map[domain.MachineKind]*rate.Limiter

	breakerMu sync.Mutex
	breakers  map[string]*breaker.CircuitBreaker
	cbWindow  time.Duration
	cbCool    time.Duration
	cbThresh  float64
	cbMinN    int
}

// NewClient constructs a Client. ratePerSecond bounds outbound RPCs per
// machine kind (grounded on the teacher's event-hooks webhook rate
// limiting and its producer ingest rate limiter, both golang.org/x/time/rate
// users); the circuit breaker parameters match internal/breaker's
// constructor signature, instantiated lazily per machine.ID.
func NewClient(httpTimeout time.Duration, ratePerSecond float64, cbWindow, cbCooldown time.Duration, cbFailureThreshold float64, cbMinSamples int) *Client {
	transport := otelTransport(http.DefaultTransport)
	return &Client{
		http:     &http.Client{Timeout: httpTimeout, Transport: transport},
		limiters: make(map[domain.MachineKind]*rate.Limiter),
		breakers: make(map[string]*breaker.CircuitBreaker),
		cbWindow: cbWindow,
		cbCool:   cbCooldown,
		cbThresh: cbFailureThreshold,
		cbMinN:   cbMinSamples,
	}
}

func (c *Client) limiterFor(kind domain.MachineKind, ratePerSecond float64) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	l, ok := c.limiters[kind]
	if !ok {
		burst := int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
		c.limiters[kind] = l
	}
	return l
}

func (c *Client) breakerFor(machineID string) *breaker.CircuitBreaker {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()
	b, ok := c.breakers[machineID]
	if !ok {
		b = breaker.New(c.cbWindow, c.cbCool, c.cbThresh, c.cbMinN)
		c.breakers[machineID] = b
	}
	return b
}

// Allow reports whether machineID's circuit breaker currently admits a
// call, letting the dispatcher skip a known-unhealthy machine without
// spending an RPC timeout to find out.
func (c *Client) Allow(machineID string) bool {
	return c.breakerFor(machineID).Allow()
}

// StartRun performs the machine-kind-specific /run RPC (spec §4.4.1 steps
// 3-6): assigns no run id itself (the caller already minted RunID and
// inserted the not-started Run row per step 3), builds the graph + body,
// POSTs, and on success returns the backend's acknowledgement.
func (c *Client) StartRun(ctx context.Context, ratePerSecond float64, params StartRunParams) (StartRunResult, error) {
	limiter := c.limiterFor(params.Machine.Kind, ratePerSecond)
	if err := limiter.Wait(ctx); err != nil {
		return StartRunResult{}, err
	}

	graph := ApplyInputs(params.WorkflowAPIRaw, params.Inputs)

	url, body, err := buildRequest(params, graph)
	if err != nil {
		return StartRunResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return StartRunResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if params.Machine.Kind == domain.MachineKindRunpodServerless && !isLocalhost(params.Machine.Endpoint) {
		req.Header.Set("Authorization", "Bearer "+params.Machine.AuthToken)
	}

	cb := c.breakerFor(params.Machine.ID)
	start := time.Now()
	resp, err := c.http.Do(req)
	obs.RunDispatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		cb.Record(false)
		return StartRunResult{}, fmt.Errorf("start run: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		cb.Record(false)
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return StartRunResult{}, fmt.Errorf("start run: backend returned status %d: %s", resp.StatusCode, string(text))
	}
	cb.Record(true)

	var ack struct {
		WorkflowRunID string `json:"workflow_run_id"`
		GPUEventID    string `json:"gpu_event_id,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return StartRunResult{}, fmt.Errorf("start run: decode ack: %w", err)
	}
	return StartRunResult{WorkflowRunID: ack.WorkflowRunID, GPUEventID: ack.GPUEventID}, nil
}

func isLocalhost(endpoint string) bool {
	return strings.Contains(endpoint, "localhost") || strings.Contains(endpoint, "127.0.0.1")
}

func buildRequest(params StartRunParams, graph WorkflowGraph) (string, []byte, error) {
	m := params.Machine
	statusEndpoint := params.Origin + statusEndpointSuffix
	fileUploadEndpoint := params.Origin + fileUploadEndpointSuffix

	switch m.Kind {
	case domain.MachineKindClassic:
		body := map[string]interface{}{
			"workflow_api_raw":     graph,
			"workflow":             params.Workflow,
			"status_endpoint":      statusEndpoint,
			"file_upload_endpoint": fileUploadEndpoint,
			"prompt_id":            params.RunID,
		}
		b, err := json.Marshal(body)
		return m.Endpoint + "/comfyui-deploy/run", b, err
	case domain.MachineKindComfyDeployServerless, domain.MachineKindModalServerless, domain.MachineKindRunpodServerless:
		body := map[string]interface{}{
			"input": map[string]interface{}{
				"workflow_api_raw":     graph,
				"workflow":             params.Workflow,
				"status_endpoint":      statusEndpoint,
				"file_upload_endpoint": fileUploadEndpoint,
				"prompt_id":            params.RunID,
			},
		}
		b, err := json.Marshal(body)
		return m.Endpoint + "/run", b, err
	default:
		return "", nil, fmt.Errorf("start run: unknown machine kind %q", m.Kind)
	}
}

// otelTransport wraps base so each request adds a "backend.request" event to
// the caller's recording span (no trace headers are injected); kept as a narrow seam so
// tests can substitute a plain transport without pulling in a collector.
func otelTransport(base http.RoundTripper) http.RoundTripper {
	return &tracingRoundTripper{base: base}
}

type tracingRoundTripper struct {
	base http.RoundTripper
}

func (t *tracingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	span := trace.SpanFromContext(req.Context())
	if span.IsRecording() {
		span.AddEvent("backend.request", trace.WithAttributes())
	}
	return t.base.RoundTrip(req)
}
