// request_cleanup.go implements the RequestCleanup background job, which
// periodically deletes processed (approved or denied) authorization requests
// older than the configured retention window. Pending requests are never
// touched: an undecided request stays visible to the admin no matter how old
// it is. The job is a no-op when requests.retention_days is zero or negative,
// so it is always safe to start regardless of deployment environment.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/usbgate/usbgate/internal/config"
	"github.com/usbgate/usbgate/internal/db/repositories"
	"github.com/usbgate/usbgate/internal/telemetry"
)

// RequestCleanup periodically prunes old processed authorization requests.
type RequestCleanup struct {
	requests  *repositories.RequestRepository
	retention time.Duration
	interval  time.Duration
	stopChan  chan struct{}
}

// NewRequestCleanup creates a RequestCleanup from the housekeeping config.
// A non-positive cleanup interval falls back to 24h.
func NewRequestCleanup(requests *repositories.RequestRepository, cfg *config.RequestsConfig) *RequestCleanup {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RequestCleanup{
		requests:  requests,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval:  interval,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the background cleanup loop. It runs an initial sweep
// immediately, then repeats on the configured interval. The loop exits when
// ctx is cancelled or Stop() is called.
func (j *RequestCleanup) Start(ctx context.Context) {
	if j.retention <= 0 {
		slog.Info("request cleanup disabled", "reason", "requests.retention_days not set")
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("request cleanup started",
		"interval", j.interval,
		"retention", j.retention)

	j.runSweep(ctx)

	for {
		select {
		case <-ticker.C:
			j.runSweep(ctx)
		case <-j.stopChan:
			slog.Info("request cleanup stopped")
			return
		case <-ctx.Done():
			slog.Info("request cleanup context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (j *RequestCleanup) Stop() {
	close(j.stopChan)
}

// runSweep deletes processed requests whose processed_at is older than the
// retention cutoff.
func (j *RequestCleanup) runSweep(ctx context.Context) {
	cutoff := time.Now().Add(-j.retention)
	deleted, err := j.requests.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		slog.Error("request cleanup sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		telemetry.RequestsCleanedTotal.Add(float64(deleted))
		slog.Info("request cleanup sweep", "deleted", deleted, "cutoff", cutoff)
	}
}
