// Package sweep runs the Cache Infrastructure's offline maintenance: a
// blob-ref-count backstop and an archived-session retention pass (§3.3,
// §4.1 "Failure"). Grounded on internal/tasks/scheduler.go's and
// internal/gateway/task_service.go's use of robfig/cron/v3 purely as a
// schedule parser — cron.ParseStandard computes each job's next fire
// time, which a plain time.Timer loop then waits on — rather than as a
// running cron.Cron instance, matching how the teacher's own scheduling
// code uses the library.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentrund/agentrund/internal/eventstore"
	"github.com/agentrund/agentrund/internal/registry"
)

// Config tunes the sweeper.
type Config struct {
	// Schedule is a standard 5-field cron expression (or a descriptor like
	// "@every 1h"), evaluated against the process's local time.
	Schedule string
	// ArchivedRetention is how long a session may sit archived before the
	// sweep deletes it outright. Zero disables session-retention deletes
	// (only the blob backstop runs).
	ArchivedRetention time.Duration
}

// Result reports one sweep pass's outcome.
type Result struct {
	BlobsDeleted    int64
	SessionsDeleted int
	Errors          []error
}

// Sweeper periodically runs DeleteUnreferencedBlobs and archived-session
// retention deletes against a shared Store/Registry pair.
type Sweeper struct {
	store    *eventstore.Store
	registry *registry.Registry
	log      *slog.Logger
	schedule cron.Schedule
	cfg      Config

	mu       sync.Mutex
	lastRun  time.Time
	lastResult Result
	stop     chan struct{}
	done     chan struct{}
}

// New builds a Sweeper. An empty cfg.Schedule defaults to hourly.
func New(store *eventstore.Store, reg *registry.Registry, log *slog.Logger, cfg Config) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("sweep: store is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("sweep: parse schedule %q: %w", cfg.Schedule, err)
	}
	return &Sweeper{
		store:    store,
		registry: reg,
		log:      log.With("component", "sweep"),
		schedule: schedule,
		cfg:      cfg,
	}, nil
}

// Run executes sweep passes on cfg.Schedule until ctx is cancelled. It
// blocks the calling goroutine; callers typically run it via `go`.
func (sw *Sweeper) Run(ctx context.Context) {
	sw.mu.Lock()
	sw.stop = make(chan struct{})
	sw.done = make(chan struct{})
	sw.mu.Unlock()
	defer close(sw.done)

	now := time.Now()
	next := sw.schedule.Next(now)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.stop:
			return
		case fired := <-timer.C:
			res := sw.RunOnce(ctx)
			sw.log.Info("sweep pass complete",
				"blobs_deleted", res.BlobsDeleted,
				"sessions_deleted", res.SessionsDeleted,
				"errors", len(res.Errors),
			)
			next = sw.schedule.Next(fired)
			timer.Reset(time.Until(next))
		}
	}
}

// Stop signals a running Run loop to exit and waits for it to finish.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	stop, done := sw.stop, sw.done
	sw.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	if done != nil {
		<-done
	}
}

// RunOnce performs one immediate sweep pass, independent of the schedule,
// and records it as the sweeper's last result.
func (sw *Sweeper) RunOnce(ctx context.Context) Result {
	var res Result

	n, err := sw.store.DeleteUnreferencedBlobs(ctx)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("sweep blobs: %w", err))
	} else {
		res.BlobsDeleted = n
	}

	if sw.registry != nil && sw.cfg.ArchivedRetention > 0 {
		cutoff := time.Now().Add(-sw.cfg.ArchivedRetention)
		sessions, err := sw.registry.ListArchivedBefore(ctx, cutoff)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("list archived sessions: %w", err))
		} else {
			for _, s := range sessions {
				if err := sw.store.Delete(ctx, s.ID); err != nil {
					res.Errors = append(res.Errors, fmt.Errorf("delete session %s events: %w", s.ID, err))
					continue
				}
				if err := sw.registry.Delete(ctx, s.ID); err != nil {
					res.Errors = append(res.Errors, fmt.Errorf("delete session %s: %w", s.ID, err))
					continue
				}
				res.SessionsDeleted++
			}
		}
	}

	sw.mu.Lock()
	sw.lastRun = time.Now()
	sw.lastResult = res
	sw.mu.Unlock()

	return res
}

// LastRun reports when RunOnce last completed and its result, for the
// doctor command's connectivity/health report.
func (sw *Sweeper) LastRun() (time.Time, Result) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.lastRun, sw.lastResult
}
