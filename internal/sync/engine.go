package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope      = "ctsync/sync"
	spanRun        = "sync.run"
	metricEvents   = "ctsync.sync.events.found"
	metricInserted = "ctsync.sync.rows.inserted"
	metricUpdated  = "ctsync.sync.rows.updated"
	metricDeleted  = "ctsync.sync.rows.deleted"
	metricErrors   = "ctsync.sync.errors"
)

// staleRunTimeout bounds the in-progress guard. A run older than this is
// assumed to have died (crashed goroutine, lost context) and its lock is
// reclaimed by the next trigger.
const staleRunTimeout = 30 * time.Minute

// ErrRunInProgress is returned when a run is triggered while a previous one
// is still active.
var ErrRunInProgress = errors.New("a sync run is already in progress")

// Engine wraps the Syncer with scheduling, a single-flight guard, and
// telemetry. Create one with [NewEngine]; run it once via [Engine.RunOnce]
// or on a cron schedule via [Engine.Run].
type Engine struct {
	syncer      *Syncer
	calendarIDs []string
	daysPast    int
	daysFuture  int
	schedule    string
	log         *slog.Logger

	mu           sync.Mutex
	runningSince time.Time

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer      trace.Tracer
	cntEvents   metric.Int64Counter
	cntInserted metric.Int64Counter
	cntUpdated  metric.Int64Counter
	cntDeleted  metric.Int64Counter
	cntErrors   metric.Int64Counter
}

// NewEngine creates an Engine. schedule is a cron expression; it is only
// consulted by [Engine.Run]. The window of each run spans daysPast days back
// to daysFuture days ahead of the trigger time.
func NewEngine(syncer *Syncer, calendarIDs []string, daysPast, daysFuture int, schedule string, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		syncer:      syncer,
		calendarIDs: calendarIDs,
		daysPast:    daysPast,
		daysFuture:  daysFuture,
		schedule:    schedule,
		log:         logger,

		tracer:      tracer,
		cntEvents:   mustCounter(metricEvents, "Number of upstream events processed"),
		cntInserted: mustCounter(metricInserted, "Number of rows inserted during sync"),
		cntUpdated:  mustCounter(metricUpdated, "Number of rows updated during sync"),
		cntDeleted:  mustCounter(metricDeleted, "Number of rows deleted during sync"),
		cntErrors:   mustCounter(metricErrors, "Number of errors encountered during sync"),
	}
}

// tryAcquire claims the single-flight lock, reclaiming it from a stale run.
func (e *Engine) tryAcquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.runningSince.IsZero() && time.Since(e.runningSince) < staleRunTimeout {
		return false
	}
	if !e.runningSince.IsZero() {
		e.log.Warn("reclaiming stale sync lock", "held_since", e.runningSince)
	}
	e.runningSince = time.Now()
	return true
}

func (e *Engine) release() {
	e.mu.Lock()
	e.runningSince = time.Time{}
	e.mu.Unlock()
}

// run executes one pass over [from, to], recording a trace span and metrics.
func (e *Engine) run(ctx context.Context, from, to time.Time, forceFull bool) (Stats, error) {
	ctx, span := e.tracer.Start(ctx, spanRun)
	defer span.End()

	stats, err := e.syncer.Sync(ctx, from, to, e.calendarIDs, forceFull)

	if stats.EventsFound > 0 {
		e.cntEvents.Add(ctx, int64(stats.EventsFound))
	}
	if stats.Inserted > 0 {
		e.cntInserted.Add(ctx, int64(stats.Inserted))
	}
	if stats.Updated > 0 {
		e.cntUpdated.Add(ctx, int64(stats.Updated))
	}
	if stats.Deleted > 0 {
		e.cntDeleted.Add(ctx, int64(stats.Deleted))
	}
	if stats.Errors > 0 {
		e.cntErrors.Add(ctx, int64(stats.Errors))
	}

	span.SetAttributes(
		attribute.String("sync.type", stats.SyncType),
		attribute.Int("sync.events", stats.EventsFound),
		attribute.Int("sync.inserted", stats.Inserted),
		attribute.Int("sync.updated", stats.Updated),
		attribute.Int("sync.deleted", stats.Deleted),
		attribute.Int("sync.errors", stats.Errors),
	)
	if err != nil {
		span.RecordError(err)
	}
	return stats, err
}

// RunOnce performs a single guarded pass over the engine's default window
// and returns. It fails with [ErrRunInProgress] when another pass is active.
func (e *Engine) RunOnce(ctx context.Context, forceFull bool) (Stats, error) {
	now := time.Now().UTC()
	return e.RunWindow(ctx, now.AddDate(0, 0, -e.daysPast), now.AddDate(0, 0, e.daysFuture), forceFull)
}

// RunWindow performs a single guarded pass over an explicit window.
func (e *Engine) RunWindow(ctx context.Context, from, to time.Time, forceFull bool) (Stats, error) {
	if !e.tryAcquire() {
		return Stats{}, ErrRunInProgress
	}
	defer e.release()
	return e.run(ctx, from, to, forceFull)
}

// Run schedules passes on the engine's cron expression and blocks until ctx
// is cancelled. An immediate first pass runs before the schedule takes over.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.RunOnce(ctx, false); err != nil {
		e.log.Error("initial sync failed", "error", err)
	}

	c := cron.New()
	_, err := c.AddFunc(e.schedule, func() {
		if _, err := e.RunOnce(ctx, false); err != nil {
			if errors.Is(err, ErrRunInProgress) {
				e.log.Warn("skipping scheduled sync, previous run still active")
				return
			}
			e.log.Error("scheduled sync failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	c.Start()

	<-ctx.Done()
	e.log.Info("sync engine shutting down")
	stop := c.Stop()
	<-stop.Done()
	return ctx.Err()
}
