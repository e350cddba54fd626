// Package sync reconciles the upstream ChurchTools calendar feeds into the
// local event store.
//
// A run covers a date window and a set of target calendars. Phase 1 pulls the
// /events feed once for the whole window and upserts the event-owned columns;
// Phase 2 pulls each calendar's /appointments feed and upserts the
// appointment-owned columns. Rows are keyed by (appointment id, start time),
// so the two phases converge on the same row regardless of arrival order.
// Full runs finish with a deletion sweep that removes rows whose event id no
// longer appears upstream.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/swarnat/churchtools-suite-sub001/internal/model"
	"github.com/swarnat/churchtools-suite-sub001/internal/store"
)

// ErrNoCalendars is returned when a run is requested without any target
// calendars. An empty selection would make the deletion sweep a no-op trap,
// so it is rejected outright.
var ErrNoCalendars = errors.New("no target calendars configured")

// ErrUpstream marks a run aborted because the event feed was unreachable.
// Callers can distinguish it from local (config, store) failures.
var ErrUpstream = errors.New("upstream request failed")

// Stats summarises one reconciliation run.
type Stats struct {
	SyncType           string // "full" or "incremental"
	CalendarsProcessed int
	EventsFound        int
	AppointmentsFound  int
	Inserted           int
	Updated            int
	Deleted            int
	Skipped            int
	Errors             int
}

func (s *Stats) add(o Stats) {
	s.EventsFound += o.EventsFound
	s.AppointmentsFound += o.AppointmentsFound
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Deleted += o.Deleted
	s.Skipped += o.Skipped
	s.Errors += o.Errors
}

// Syncer drives one reconciliation run at a time. It has no internal state
// between runs; the incremental cursor lives in the CursorStore.
type Syncer struct {
	source Source
	store  EventStore
	images ImageImporter
	cursor CursorStore
	log    *slog.Logger
}

func NewSyncer(source Source, st EventStore, images ImageImporter, cursor CursorStore, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{source: source, store: st, images: images, cursor: cursor, log: logger}
}

// Sync reconciles the window [from, to] (calendar dates, inclusive) for the
// given calendars. With forceFull set, or when no cursor exists yet, every
// relevant record is processed and the run ends with a deletion sweep;
// otherwise only records modified since the cursor are fetched and nothing
// is deleted. Record-level failures are logged and counted, per-calendar
// failures isolate that calendar; only a failed Phase-1 fetch (or an empty
// calendar selection) aborts the run.
func (s *Syncer) Sync(ctx context.Context, from, to time.Time, calendarIDs []string, forceFull bool) (Stats, error) {
	if len(calendarIDs) == 0 {
		return Stats{}, ErrNoCalendars
	}

	startedAt := time.Now().UTC()
	windowStart := startOfDay(from)
	windowEnd := startOfDay(to).AddDate(0, 0, 1).Add(-time.Second)

	var modifiedAfter *time.Time
	if !forceFull {
		cur, err := s.resolveCursor(ctx)
		if err != nil {
			return Stats{}, fmt.Errorf("reading sync cursor: %w", err)
		}
		if !cur.IsZero() {
			modifiedAfter = &cur
		}
	}
	stats := Stats{SyncType: "full"}
	if modifiedAfter != nil {
		stats.SyncType = "incremental"
	}
	full := modifiedAfter == nil

	s.log.Info("sync started",
		"type", stats.SyncType,
		"from", windowStart.Format("2006-01-02"),
		"to", to.Format("2006-01-02"),
		"calendars", len(calendarIDs))

	events, err := s.source.Events(ctx, from, to, modifiedAfter)
	if err != nil {
		return stats, fmt.Errorf("%w: fetching events: %w", ErrUpstream, err)
	}

	allOK := true
	for _, calID := range calendarIDs {
		cs, ok := s.syncCalendar(ctx, calID, events, from, to, windowStart, windowEnd, full)
		stats.add(cs)
		stats.CalendarsProcessed++
		if !ok {
			allOK = false
		}
	}

	if allOK {
		if err := s.cursor.SetCursor(ctx, startedAt); err != nil {
			s.log.Error("persisting sync cursor failed", "error", err)
			stats.Errors++
		}
	} else {
		s.log.Warn("cursor not advanced, at least one calendar failed")
	}

	s.log.Info("sync finished",
		"type", stats.SyncType,
		"calendars", stats.CalendarsProcessed,
		"events", stats.EventsFound,
		"appointments", stats.AppointmentsFound,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
		"skipped", stats.Skipped,
		"errors", stats.Errors,
		"duration", time.Since(startedAt).Round(time.Millisecond))
	return stats, nil
}

// resolveCursor loads the incremental watermark. When the cursor row is
// missing (pre-cursor database) it falls back to the newest modification
// timestamp already stored, so an upgrade does not trigger a full refetch.
func (s *Syncer) resolveCursor(ctx context.Context) (time.Time, error) {
	cur, err := s.cursor.GetCursor(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if !cur.IsZero() {
		return cur, nil
	}
	newest, err := s.store.GetNewestModified(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("deriving cursor from stored rows: %w", err)
	}
	return newest, nil
}

// syncCalendar runs both phases and, on full runs, the deletion sweep for a
// single calendar. The bool result reports whether every upstream fetch for
// this calendar succeeded; the cursor only advances when all calendars do.
func (s *Syncer) syncCalendar(ctx context.Context, calID string, events []model.Event, from, to, windowStart, windowEnd time.Time, full bool) (Stats, bool) {
	var cs Stats
	ok := true

	seen := make(map[string]struct{})
	for i := range events {
		ev := &events[i]
		if ev.CalendarID != calID || !inWindow(ev.StartAt, windowStart, windowEnd) {
			continue
		}
		cs.EventsFound++
		if ev.ID != "" {
			seen[ev.ID] = struct{}{}
		}
		if ev.AppointmentID == "" || ev.StartAt.IsZero() {
			s.log.Warn("skipping event without identity", "calendar", calID, "event", ev.ID, "title", ev.Title)
			cs.Skipped++
			continue
		}

		patch := &store.EventPatch{
			AppointmentID:       ev.AppointmentID,
			StartAt:             ev.StartAt,
			EventID:             ev.ID,
			CalendarID:          calID,
			EndAt:               ev.EndAt,
			Title:               ev.Title,
			EventDescription:    ev.Description,
			LastModified:        ev.ModifiedAt,
			AppointmentModified: ev.AppointmentModifiedAt,
			Image:               s.resolveImage(ctx, ev.AppointmentID, ev.StartAt, ev.Image, ev.Title),
		}
		action, err := s.store.UpsertEventFields(ctx, patch)
		if err != nil {
			s.log.Error("storing event failed", "calendar", calID, "event", ev.ID, "error", err)
			cs.Skipped++
			continue
		}
		cs.count(action)
	}

	apts, err := s.source.Appointments(ctx, calID, from, to)
	if err != nil {
		s.log.Error("fetching appointments failed", "calendar", calID, "error", err)
		cs.Errors++
		ok = false
	}
	for i := range apts {
		apt := &apts[i]
		if (apt.CalendarID != "" && apt.CalendarID != calID) || !inWindow(apt.StartAt, windowStart, windowEnd) {
			continue
		}
		cs.AppointmentsFound++
		if apt.ID == "" || apt.StartAt.IsZero() {
			s.log.Warn("skipping appointment without identity", "calendar", calID, "title", apt.Title)
			cs.Skipped++
			continue
		}

		patch := &store.AppointmentPatch{
			AppointmentID:          apt.ID,
			StartAt:                apt.StartAt,
			CalendarID:             calID,
			EndAt:                  apt.EndAt,
			Title:                  apt.Title,
			AppointmentDescription: appointmentText(apt),
			LocationName:           apt.Address.LocationName(),
			Tags:                   apt.Tags,
			AppointmentModified:    apt.ModifiedAt,
			Image:                  s.resolveImage(ctx, apt.ID, apt.StartAt, apt.Image, apt.Title),
		}
		if addr := apt.Address; addr != nil {
			patch.AddressName = addr.Name
			patch.AddressStreet = addr.Street
			patch.AddressZip = addr.Zip
			patch.AddressCity = addr.City
			patch.AddressLatitude = addr.Latitude
			patch.AddressLongitude = addr.Longitude
		}
		action, err := s.store.UpsertAppointmentFields(ctx, patch)
		if err != nil {
			s.log.Error("storing appointment failed", "calendar", calID, "appointment", apt.ID, "error", err)
			cs.Skipped++
			continue
		}
		cs.count(action)
	}

	if full {
		deleted, err := s.sweepDeleted(ctx, calID, seen, windowStart, windowEnd)
		if err != nil {
			s.log.Error("deletion sweep failed", "calendar", calID, "error", err)
			cs.Errors++
			ok = false
		}
		cs.Deleted += deleted
	}
	return cs, ok
}

func (cs *Stats) count(action store.UpsertAction) {
	switch action {
	case store.ActionInserted:
		cs.Inserted++
	case store.ActionUpdated:
		cs.Updated++
	}
}

// resolveImage decides what the upsert should do with the image columns.
// A nil result leaves them untouched: either the record carries no image, or
// the stored reference already matches and the cached copy stays valid. When
// the download fails the upstream url is stored without an attachment so the
// consumer still has something to render.
func (s *Syncer) resolveImage(ctx context.Context, appointmentID string, startAt time.Time, img *model.ImageRef, title string) *store.ImageColumns {
	if img == nil || img.URL == "" {
		return nil
	}
	// Skip the importer only when the stored reference matches AND actually
	// carries an attachment; a row left without one by a failed download
	// gets retried on the next run.
	existing, err := s.store.GetByIdentity(ctx, appointmentID, startAt)
	if err == nil && existing != nil && existing.ImageAttachmentID != "" && img.Matches(existing.ImageURL, existing.ImageName) {
		return nil
	}
	ref, err := s.images.Import(ctx, img.URL, title, appointmentID)
	if err != nil {
		s.log.Warn("image import failed", "url", img.URL, "error", err)
		return &store.ImageColumns{URL: img.URL, Name: img.Name}
	}
	return &store.ImageColumns{AttachmentID: ref.AttachmentID, URL: img.URL, Name: img.Name}
}

// sweepDeleted removes rows whose event id was stored for this calendar and
// window but no longer appears upstream. Standalone appointment rows carry no
// event id and are never swept.
func (s *Syncer) sweepDeleted(ctx context.Context, calID string, seen map[string]struct{}, windowStart, windowEnd time.Time) (int, error) {
	stored, err := s.store.GetEventIDsInRange(ctx, calID, windowStart, windowEnd)
	if err != nil {
		return 0, fmt.Errorf("listing stored event ids: %w", err)
	}
	var stale []string
	for _, id := range stored {
		if _, found := seen[id]; !found {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := s.store.DeleteByEventIDs(ctx, calID, stale)
	if err != nil {
		return 0, fmt.Errorf("deleting vanished events: %w", err)
	}
	s.log.Info("removed vanished events", "calendar", calID, "count", n)
	return int(n), nil
}

// appointmentText combines subtitle and note text into the stored
// appointment description.
func appointmentText(apt *model.Appointment) string {
	switch {
	case apt.Subtitle != "" && apt.Description != "":
		return apt.Subtitle + "\n\n" + apt.Description
	case apt.Subtitle != "":
		return apt.Subtitle
	default:
		return apt.Description
	}
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func inWindow(at, start, end time.Time) bool {
	return !at.Before(start) && !at.After(end)
}
