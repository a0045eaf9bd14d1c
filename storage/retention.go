package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"bastion/core"
)

// RetentionManager periodically deletes resolved security events older than
// the retention window. Unresolved events are never auto-deleted regardless
// of age. Lifecycle is owned by the caller via Start/Stop so tests can drive
// sweeps directly through Sweep.
type RetentionManager struct {
	events        EventStore
	window        time.Duration
	sweepInterval time.Duration
	clock         core.Clock
	logger        *zap.SugaredLogger
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewRetentionManager creates a retention manager. window defaults to 7 days
// and sweepInterval to 1 hour when zero.
func NewRetentionManager(events EventStore, window, sweepInterval time.Duration, clock core.Clock, logger *zap.SugaredLogger) *RetentionManager {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}
	if clock == nil {
		clock = core.SystemClock()
	}
	return &RetentionManager{
		events:        events,
		window:        window,
		sweepInterval: sweepInterval,
		clock:         clock,
		logger:        logger,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (rm *RetentionManager) Start() {
	go rm.run()
}

func (rm *RetentionManager) run() {
	defer close(rm.doneCh)
	ticker := time.NewTicker(rm.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rm.Sweep(context.Background())
		case <-rm.stopCh:
			return
		}
	}
}

// Stop terminates the sweep loop and waits for it to exit.
func (rm *RetentionManager) Stop() {
	close(rm.stopCh)
	<-rm.doneCh
}

// Sweep deletes resolved events older than the retention window once.
func (rm *RetentionManager) Sweep(ctx context.Context) {
	cutoff := rm.clock.Now().Add(-rm.window)
	deleted, err := rm.events.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		rm.logger.Errorf("Retention sweep failed: %v", err)
		return
	}
	if deleted > 0 {
		rm.logger.Infow("Retention sweep completed",
			"deleted", deleted,
			"cutoff", cutoff.Format(time.RFC3339))
	}
}
