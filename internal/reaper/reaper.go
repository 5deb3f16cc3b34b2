// Package reaper runs the periodic maintenance sweeps: executions whose
// lease expired without a heartbeat are interrupted, spent leases are
// deleted, and the event log is pruned to its retention window.
package reaper

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/config"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/session"
	v1 "github.com/kandev/sessiond/pkg/api/v1"
)

var (
	ErrAlreadyRunning = errors.New("reaper is already running")
	ErrNotRunning     = errors.New("reaper is not running")
)

const (
	defaultLeaseSweep = 30 * time.Second
	defaultEventSweep = time.Hour
	sweepTimeout      = 30 * time.Second
)

type Reaper struct {
	service   *session.Service
	leaseCfg  config.LeaseConfig
	eventsCfg config.EventsConfig
	logger    *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewReaper(svc *session.Service, leaseCfg config.LeaseConfig, eventsCfg config.EventsConfig, log *logger.Logger) *Reaper {
	return &Reaper{
		service:   svc,
		leaseCfg:  leaseCfg,
		eventsCfg: eventsCfg,
		logger:    log.WithFields(zap.String("component", "reaper")),
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("Reaper starting",
		zap.Duration("lease_sweep", r.leaseSweepInterval()),
		zap.Int("event_retention_days", r.eventsCfg.RetentionDays))

	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Reaper stopped")
	return nil
}

// IsRunning reports whether the sweep loop is active.
func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reaper) leaseSweepInterval() time.Duration {
	if d := r.leaseCfg.SweepDuration(); d > 0 {
		return d
	}
	return defaultLeaseSweep
}

func (r *Reaper) eventSweepInterval() time.Duration {
	if d := r.eventsCfg.SweepDuration(); d > 0 {
		return d
	}
	return defaultEventSweep
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	leaseTicker := time.NewTicker(r.leaseSweepInterval())
	defer leaseTicker.Stop()

	// Event pruning only runs when a retention window is configured.
	var eventTick <-chan time.Time
	if r.eventsCfg.RetentionDays > 0 {
		eventTicker := time.NewTicker(r.eventSweepInterval())
		defer eventTicker.Stop()
		eventTick = eventTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-leaseTicker.C:
			r.SweepLeases(ctx)
		case <-eventTick:
			r.SweepEvents(ctx)
		}
	}
}

// SweepLeases interrupts running executions whose lease lapsed and then
// deletes every expired lease. A lapsed lease means the processor stopped
// heartbeating: either it died, or it is alive but stalled badly enough
// that its claim no longer holds.
func (r *Reaper) SweepLeases(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	expired, err := r.service.FindExpiredLeases(sctx)
	if err != nil {
		r.logger.Error("Failed to find expired leases", zap.Error(err))
		return
	}

	for _, lease := range expired {
		r.interruptAbandoned(sctx, lease)
	}

	deleted, err := r.service.DeleteExpiredLeases(sctx)
	if err != nil {
		r.logger.Error("Failed to delete expired leases", zap.Error(err))
		return
	}
	if deleted > 0 {
		r.logger.Info("Deleted expired leases", zap.Int64("count", deleted))
	}
}

func (r *Reaper) interruptAbandoned(ctx context.Context, lease *session.Lease) {
	log := r.logger.WithFields(
		zap.String("execution_id", lease.ExecutionID),
		zap.Time("expired_at", lease.ExpiresAt))

	meta, err := r.service.GetExecution(ctx, lease.ExecutionID)
	if err != nil {
		log.Warn("Expired lease points at unknown execution", zap.Error(err))
		return
	}
	if meta.Status != v1.ExecutionStatusRunning {
		return
	}

	now := time.Now().UTC()
	_, err = r.service.UpdateExecutionStatus(ctx, lease.ExecutionID,
		v1.ExecutionStatusInterrupted, "execution lease expired without heartbeat", &now)
	if err != nil {
		// The holder may have finished in the window between the scan and
		// this write; a terminal race is not a fault.
		var invalid *session.InvalidTransitionError
		if errors.As(err, &invalid) {
			log.Debug("Execution reached a terminal state before the sweep", zap.Error(err))
			return
		}
		log.Error("Failed to interrupt abandoned execution", zap.Error(err))
		return
	}
	log.Warn("Interrupted abandoned execution")
}

// SweepEvents prunes stream events older than the retention window.
func (r *Reaper) SweepEvents(ctx context.Context) {
	if r.eventsCfg.RetentionDays <= 0 {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -r.eventsCfg.RetentionDays)
	deleted, err := r.service.DeleteEventsOlderThan(sctx, cutoff)
	if err != nil {
		r.logger.Error("Failed to prune events", zap.Error(err))
		return
	}
	if deleted > 0 {
		r.logger.Info("Pruned events past retention", zap.Int64("count", deleted), zap.Time("cutoff", cutoff))
	}
}
