// Package dispatch consumes execution requests from the event bus and runs
// them: one lease-guarded pass per request through worker provisioning, the
// streaming controller, and terminal status recording.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/events"
	"github.com/kandev/sessiond/internal/events/bus"
	"github.com/kandev/sessiond/internal/procman"
	"github.com/kandev/sessiond/internal/runner"
	"github.com/kandev/sessiond/internal/session"
	v1 "github.com/kandev/sessiond/pkg/api/v1"
)

const (
	// jobQueueSize buffers accepted requests ahead of the worker pool. A full
	// queue applies backpressure to the bus handler.
	jobQueueSize = 256

	// storeTimeout bounds the store writes that must land regardless of the
	// run context: event appends, terminal status, lease release. Each runs
	// on a fresh context so shutdown cannot strand a final record.
	storeTimeout = 30 * time.Second
)

type job struct {
	executionID string
	messageID   string
}

// Dispatcher is the queue-group consumer of execution requests. Exactly one
// dispatcher member processes each request; concurrency within a member is
// bounded by the configured worker count.
type Dispatcher struct {
	service    *session.Service
	controller *runner.Controller
	instances  *procman.Manager
	eventBus   bus.EventBus
	leaseCfg   config.LeaseConfig
	logger     *logger.Logger

	workers int
	jobs    chan job
	group   *errgroup.Group
	sub     bus.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewDispatcher(
	service *session.Service,
	controller *runner.Controller,
	instances *procman.Manager,
	eventBus bus.EventBus,
	cfg config.DispatchConfig,
	leaseCfg config.LeaseConfig,
	log *logger.Logger,
) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		service:    service,
		controller: controller,
		instances:  instances,
		eventBus:   eventBus,
		leaseCfg:   leaseCfg,
		workers:    workers,
		logger:     log.WithFields(zap.String("component", "dispatcher")),
	}
}

// Start subscribes to the request subject and launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.jobs = make(chan job, jobQueueSize)
	d.group = &errgroup.Group{}

	for i := 0; i < d.workers; i++ {
		d.group.Go(d.worker)
	}

	sub, err := d.eventBus.QueueSubscribe(events.ExecutionRequested, events.QueueDispatch, d.handleRequest)
	if err != nil {
		d.cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", events.ExecutionRequested, err)
	}
	d.sub = sub

	d.logger.Info("Dispatcher started", zap.Int("workers", d.workers))
	return nil
}

// Stop unsubscribes, cancels in-flight executions, and waits for the worker
// pool to drain. In-flight streams end with their interrupted terminal event
// before the pool exits.
func (d *Dispatcher) Stop() {
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.group != nil {
		_ = d.group.Wait()
	}
	d.logger.Info("Dispatcher stopped")
}

// handleRequest accepts one bus delivery. It only parses and enqueues; the
// worker pool does the processing so a synchronous bus is never blocked for
// the length of an execution.
func (d *Dispatcher) handleRequest(ctx context.Context, event *bus.Event) error {
	executionID, _ := event.Data["execution_id"].(string)
	if executionID == "" {
		d.logger.Warn("Dropping execution request without execution_id",
			zap.String("event_id", event.ID))
		return nil
	}
	messageID, _ := event.Data["message_id"].(string)
	if messageID == "" {
		messageID = event.ID
	}

	select {
	case d.jobs <- job{executionID: executionID, messageID: messageID}:
		return nil
	case <-d.ctx.Done():
		return d.ctx.Err()
	}
}

func (d *Dispatcher) worker() error {
	for {
		select {
		case <-d.ctx.Done():
			return nil
		case j := <-d.jobs:
			d.process(d.ctx, j)
		}
	}
}

// process runs one execution request end to end.
func (d *Dispatcher) process(ctx context.Context, j job) {
	log := d.logger.WithFields(
		zap.String("execution_id", j.executionID),
		zap.String("message_id", j.messageID))

	meta, err := d.service.GetExecution(ctx, j.executionID)
	if err != nil {
		log.Warn("Dropping request for unknown execution", zap.Error(err))
		return
	}
	log = log.WithFields(zap.String("session_id", meta.SessionID))
	if meta.Status != v1.ExecutionStatusPending {
		log.Info("Dropping request for already-processed execution",
			zap.String("status", string(meta.Status)))
		return
	}

	// Fresh lease id per delivery: a redelivery of the same message must not
	// look like the original holder.
	leaseID := uuid.NewString()
	if _, err := d.service.TryAcquireLease(ctx, j.executionID, leaseID, j.messageID); err != nil {
		var held *session.AlreadyHeldError
		if errors.As(err, &held) {
			log.Info("Dropping duplicate delivery, lease already held",
				zap.String("holder", held.Holder),
				zap.Time("expires_at", held.ExpiresAt))
			return
		}
		log.Error("Failed to acquire lease", zap.Error(err))
		return
	}
	defer d.releaseLease(j.executionID, leaseID, log)

	if err := d.service.SetActiveExecution(ctx, meta.SessionID, j.executionID); err != nil {
		var active *session.AlreadyActiveError
		if errors.As(err, &active) {
			d.failBeforeStart(j.executionID,
				fmt.Sprintf("session busy: execution %s is active", active.ActiveExecutionID), log)
			return
		}
		log.Error("Failed to claim active slot", zap.Error(err))
		return
	}
	// Terminal status writes clear the slot inside their transaction, scoped
	// to this execution id. The deferred reclaim only fires when no terminal
	// write landed, so it can never wipe a successor's claim.
	defer d.reclaimSlot(meta.SessionID, j.executionID, log)

	instance, err := d.instances.EnsureRunning(ctx, meta.SessionID, meta.WorkspacePath)
	if err != nil {
		log.Error("Worker provisioning failed", zap.Error(err))
		d.failBeforeStart(j.executionID, fmt.Sprintf("worker unavailable: %v", err), log)
		return
	}
	if _, err := d.service.UpdateProcessID(ctx, j.executionID, instance.ProcessID); err != nil {
		log.Warn("Failed to record worker process id", zap.Error(err))
	}

	if _, err := d.service.UpdateExecutionStatus(ctx, j.executionID, v1.ExecutionStatusRunning, "", nil); err != nil {
		log.Error("Failed to mark execution running", zap.Error(err))
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		d.heartbeat(hbCtx, j.executionID, leaseID, log)
	}()

	agentSessionID, err := d.service.AgentSessionID(ctx, meta.SessionID)
	if err != nil {
		log.Warn("Failed to load captured agent session id", zap.Error(err))
		agentSessionID = ""
	}

	stream := d.controller.Run(ctx, runner.Request{
		SessionID:      meta.SessionID,
		ExecutionID:    meta.ID,
		Prompt:         meta.Prompt,
		WorkspacePath:  meta.WorkspacePath,
		Profile:        meta.AgentProfile,
		AgentSessionID: agentSessionID,
	}, d.service.StateHandle(meta.SessionID))

	var last v1.StreamEvent
	for ev := range stream {
		last = ev
		d.appendStreamEvent(ev, log)
	}

	stopHeartbeat()
	hbDone.Wait()

	d.finish(j.executionID, last, log)
}

// appendStreamEvent persists one stream event on its own bounded context.
// The run context cancels on shutdown while the stream is still draining its
// terminal event, and that event must reach the log.
func (d *Dispatcher) appendStreamEvent(ev v1.StreamEvent, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, err := d.service.AppendEvent(ctx, session.EventFromStream(ev)); err != nil {
		log.Error("Failed to append stream event",
			zap.String("event_type", string(ev.Type)), zap.Error(err))
	}
}

// finish records the terminal status derived from the stream's final event.
func (d *Dispatcher) finish(executionID string, last v1.StreamEvent, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	status, errMsg := terminalStatus(last)
	now := time.Now().UTC()
	if _, err := d.service.UpdateExecutionStatus(ctx, executionID, status, errMsg, &now); err != nil {
		log.Error("Failed to record terminal status",
			zap.String("status", string(status)), zap.Error(err))
		return
	}
	log.Info("Execution finished", zap.String("status", string(status)))
}

// terminalStatus maps the stream's final event onto the execution status.
func terminalStatus(last v1.StreamEvent) (v1.ExecutionStatus, string) {
	switch last.Type {
	case v1.StreamEventError:
		return v1.ExecutionStatusFailed, payloadReason(last.Payload)
	case v1.StreamEventInterrupted:
		return v1.ExecutionStatusInterrupted, payloadReason(last.Payload)
	case "":
		return v1.ExecutionStatusFailed, "stream ended without a terminal event"
	default:
		return v1.ExecutionStatusCompleted, ""
	}
}

func payloadReason(payload json.RawMessage) string {
	var p struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.Reason
}

// failBeforeStart records a failure for an execution that never streamed.
// The transition table only permits failure from running, so the admission
// is recorded first. Runs on a fresh context: these are terminal writes.
func (d *Dispatcher) failBeforeStart(executionID, reason string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if _, err := d.service.UpdateExecutionStatus(ctx, executionID, v1.ExecutionStatusRunning, "", nil); err != nil {
		log.Error("Failed to mark execution running before failing it", zap.Error(err))
		return
	}
	now := time.Now().UTC()
	if _, err := d.service.UpdateExecutionStatus(ctx, executionID, v1.ExecutionStatusFailed, reason, &now); err != nil {
		log.Error("Failed to record failure", zap.Error(err))
		return
	}
	log.Info("Execution rejected", zap.String("reason", reason))
}

func (d *Dispatcher) releaseLease(executionID, leaseID string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	released, err := d.service.ReleaseLease(ctx, executionID, leaseID)
	if err != nil {
		log.Warn("Failed to release lease", zap.Error(err))
		return
	}
	if !released {
		log.Warn("Lease no longer held at release time")
	}
}

// reclaimSlot frees the session's active slot when it still points at this
// execution, which only happens when every terminal status write failed.
func (d *Dispatcher) reclaimSlot(sessionID, executionID string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	current, err := d.service.ActiveExecution(ctx, sessionID)
	if err != nil {
		log.Warn("Failed to inspect active slot", zap.Error(err))
		return
	}
	if current != executionID {
		return
	}
	log.Warn("Active slot still held after processing, clearing it")
	if err := d.service.ClearActiveExecution(ctx, sessionID); err != nil {
		log.Warn("Failed to clear active slot", zap.Error(err))
	}
}

// heartbeat extends the lease and stamps the execution while the stream is
// live, so the reaper can tell a working execution from an abandoned one.
func (d *Dispatcher) heartbeat(ctx context.Context, executionID, leaseID string, log *logger.Logger) {
	interval := d.leaseCfg.HeartbeatDuration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.service.ExtendLease(ctx, executionID, leaseID); err != nil {
				log.Warn("Failed to extend lease", zap.Error(err))
			}
			if _, err := d.service.UpdateHeartbeat(ctx, executionID); err != nil {
				log.Warn("Failed to stamp heartbeat", zap.Error(err))
			}
		}
	}
}
