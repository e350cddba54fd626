package sync

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarnat/churchtools-suite-sub001/internal/model"
	"github.com/swarnat/churchtools-suite-sub001/internal/store"
)

var (
	windowFrom = time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	windowTo   = time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)
	start1     = time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	start2     = time.Date(2025, 1, 12, 18, 30, 0, 0, time.UTC)
)

type fixture struct {
	source *mockSource
	images *mockImages
	store  *store.Store
	syncer *Syncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	src := newMockSource()
	img := &mockImages{}
	return &fixture{
		source: src,
		images: img,
		store:  st,
		syncer: NewSyncer(src, st, img, st, slog.Default()),
	}
}

func sampleEvent(eventID, calendarID, appointmentID string, start time.Time) model.Event {
	return model.Event{
		ID:            eventID,
		CalendarID:    calendarID,
		AppointmentID: appointmentID,
		Title:         "Gottesdienst",
		Description:   "mit Abendmahl",
		StartAt:       start,
		EndAt:         start.Add(90 * time.Minute),
		ModifiedAt:    start.Add(-24 * time.Hour),
	}
}

func sampleAppointment(appointmentID, calendarID string, start time.Time) model.Appointment {
	return model.Appointment{
		ID:          appointmentID,
		CalendarID:  calendarID,
		Title:       "Gottesdienst",
		Subtitle:    "Familiengottesdienst",
		Description: "anschließend Kirchencafé",
		StartAt:     start,
		EndAt:       start.Add(90 * time.Minute),
		ModifiedAt:  start.Add(-24 * time.Hour),
		Address:     &model.Address{MeetingAt: "Gemeindehaus", Street: "Hauptstr. 1", Zip: "12345", City: "Beispielstadt"},
		Tags:        []model.Tag{{ID: 7, Name: "Gottesdienst", Color: "blue"}},
	}
}

func (f *fixture) mustGet(t *testing.T, appointmentID string, start time.Time) *store.Record {
	t.Helper()
	rec, err := f.store.GetByIdentity(context.Background(), appointmentID, start)
	if err != nil {
		t.Fatalf("GetByIdentity: %v", err)
	}
	if rec == nil {
		t.Fatalf("row %s@%s not found", appointmentID, start)
	}
	return rec
}

// A first run over one calendar: one event plus its enriched appointment
// converge on a single row carrying fields from both feeds.
func TestSync_TwoPhasesConvergeOnOneRow(t *testing.T) {
	f := newFixture(t)
	f.source.events = []model.Event{sampleEvent("ev1", "cal1", "apt1", start1)}
	f.source.appointments["cal1"] = []model.Appointment{sampleAppointment("apt1", "cal1", start1)}

	stats, err := f.syncer.Sync(context.Background(), windowFrom, windowTo, []string{"cal1"}, false)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.SyncType != "full" {
		t.Errorf("SyncType = %q, want full (no cursor yet)", stats.SyncType)
	}
	if stats.EventsFound != 1 || stats.AppointmentsFound != 1 {
		t.Errorf("found events=%d appointments=%d, want 1/1", stats.EventsFound, stats.AppointmentsFound)
	}
	if stats.Inserted != 1 || stats.Updated != 1 {
		t.Errorf("inserted=%d updated=%d, want 1/1", stats.Inserted, stats.Updated)
	}

	n, _ := f.store.Count(context.Background())
	if n != 1 {
		t.Fatalf("row count = %d, want 1", n)
	}
	rec := f.mustGet(t, "apt1", start1)
	if rec.EventID != "ev1" || rec.CalendarID != "cal1" {
		t.Errorf("row keys = %s/%s, want ev1/cal1", rec.EventID, rec.CalendarID)
	}
	if rec.Title != "Gottesdienst" {
		t.Errorf("Title = %q", rec.Title)
	}
	if rec.EventDescription != "mit Abendmahl" {
		t.Errorf("EventDescription = %q", rec.EventDescription)
	}
	if want := "Familiengottesdienst\n\nanschließend Kirchencafé"; rec.AppointmentDescription != want {
		t.Errorf("AppointmentDescription = %q, want %q", rec.AppointmentDescription, want)
	}
	if rec.LocationName != "Gemeindehaus" {
		t.Errorf("LocationName = %q", rec.LocationName)
	}
	if len(rec.Tags) != 1 || rec.Tags[0].Color != "#3b82f6" {
		t.Errorf("Tags = %+v, want one tag with color #3b82f6", rec.Tags)
	}
}

// The same series at two different start times yields two independent rows;
// re-running over the same data changes nothing.
func TestSync_CompositeIdentity(t *testing.T) {
	f := newFixture(t)
	f.source.events = []model.Event{
		sampleEvent("ev1", "cal1", "apt1", start1),
		sampleEvent("ev2", "cal1", "apt1", start2),
	}

	ctx := context.Background()
	stats, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, false)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.Inserted != 2 {
		t.Errorf("inserted = %d, want 2", stats.Inserted)
	}
	if n, _ := f.store.Count(ctx); n != 2 {
		t.Fatalf("row count = %d, want 2", n)
	}

	stats, err = f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, true)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if stats.Inserted != 0 || stats.Updated != 2 {
		t.Errorf("second run inserted=%d updated=%d, want 0/2", stats.Inserted, stats.Updated)
	}
	if n, _ := f.store.Count(ctx); n != 2 {
		t.Errorf("row count after rerun = %d, want 2", n)
	}
}

// A later event-only change must not clobber the appointment enrichment.
func TestSync_EventUpdatePreservesAppointmentFields(t *testing.T) {
	f := newFixture(t)
	f.source.events = []model.Event{sampleEvent("ev1", "cal1", "apt1", start1)}
	f.source.appointments["cal1"] = []model.Appointment{sampleAppointment("apt1", "cal1", start1)}

	ctx := context.Background()
	if _, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, false); err != nil {
		t.Fatalf("first Sync: %v", err)
	}

	// Second run: appointment feed empty, event text changed.
	f.source.events[0].Description = "Predigt: Psalm 23"
	f.source.appointments["cal1"] = nil
	if _, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, true); err != nil {
		t.Fatalf("second Sync: %v", err)
	}

	rec := f.mustGet(t, "apt1", start1)
	if rec.EventDescription != "Predigt: Psalm 23" {
		t.Errorf("EventDescription = %q, want updated text", rec.EventDescription)
	}
	if rec.LocationName != "Gemeindehaus" || len(rec.Tags) != 1 {
		t.Errorf("appointment fields lost: location=%q tags=%d", rec.LocationName, len(rec.Tags))
	}
}

// An unchanged image is not downloaded again; a new url is.
func TestSync_ImageImportIdempotent(t *testing.T) {
	f := newFixture(t)
	ev := sampleEvent("ev1", "cal1", "apt1", start1)
	ev.Image = &model.ImageRef{URL: "https://ct.example.com/files/42", Name: "poster.jpg"}
	f.source.events = []model.Event{ev}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, true); err != nil {
			t.Fatalf("Sync #%d: %v", i+1, err)
		}
	}
	if got := f.images.importCount(); got != 1 {
		t.Errorf("imports after two identical runs = %d, want 1", got)
	}
	rec := f.mustGet(t, "apt1", start1)
	if rec.ImageAttachmentID == "" || rec.ImageURL != "https://ct.example.com/files/42" {
		t.Errorf("image columns = %q/%q", rec.ImageAttachmentID, rec.ImageURL)
	}

	f.source.events[0].Image.URL = "https://ct.example.com/files/43"
	if _, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, true); err != nil {
		t.Fatalf("Sync with new image: %v", err)
	}
	if got := f.images.importCount(); got != 2 {
		t.Errorf("imports after url change = %d, want 2", got)
	}
}

// A failed download still stores the upstream url so consumers can fall back.
func TestSync_ImageImportFailureKeepsURL(t *testing.T) {
	f := newFixture(t)
	ev := sampleEvent("ev1", "cal1", "apt1", start1)
	ev.Image = &model.ImageRef{URL: "https://ct.example.com/files/42", Name: "poster.jpg"}
	f.source.events = []model.Event{ev}
	f.images.importErr = errors.New("connection reset")

	if _, err := f.syncer.Sync(context.Background(), windowFrom, windowTo, []string{"cal1"}, false); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	rec := f.mustGet(t, "apt1", start1)
	if rec.ImageAttachmentID != "" {
		t.Errorf("ImageAttachmentID = %q, want empty after failed import", rec.ImageAttachmentID)
	}
	if rec.ImageURL != "https://ct.example.com/files/42" {
		t.Errorf("ImageURL = %q, want upstream url retained", rec.ImageURL)
	}
}

// A transient download failure must not stick: once the upstream recovers,
// the next run imports the image even though url and name are unchanged.
func TestSync_ImageImportRecoversAfterFailure(t *testing.T) {
	f := newFixture(t)
	ev := sampleEvent("ev1", "cal1", "apt1", start1)
	ev.Image = &model.ImageRef{URL: "https://ct.example.com/files/42", Name: "poster.jpg"}
	f.source.events = []model.Event{ev}
	f.images.importErr = errors.New("connection reset")

	ctx := context.Background()
	if _, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, false); err != nil {
		t.Fatalf("Sync with failing importer: %v", err)
	}

	f.images.importErr = nil
	if _, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, true); err != nil {
		t.Fatalf("Sync after recovery: %v", err)
	}
	if got := f.images.importCount(); got != 1 {
		t.Errorf("imports after recovery = %d, want 1", got)
	}
	rec := f.mustGet(t, "apt1", start1)
	if rec.ImageAttachmentID == "" {
		t.Errorf("ImageAttachmentID still empty after the upstream recovered")
	}
}

// Full runs sweep rows whose event vanished upstream; rows without an event
// id (standalone appointments) are never swept.
func TestSync_FullRunSweepsVanishedEvents(t *testing.T) {
	f := newFixture(t)
	f.source.events = []model.Event{
		sampleEvent("ev1", "cal1", "apt1", start1),
		sampleEvent("ev2", "cal1", "apt2", start2),
	}
	f.source.appointments["cal1"] = []model.Appointment{sampleAppointment("apt9", "cal1", start2)}

	ctx := context.Background()
	if _, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, false); err != nil {
		t.Fatalf("seed Sync: %v", err)
	}
	if n, _ := f.store.Count(ctx); n != 3 {
		t.Fatalf("seeded rows = %d, want 3", n)
	}

	// ev2 disappears upstream.
	f.source.events = f.source.events[:1]
	stats, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, true)
	if err != nil {
		t.Fatalf("full Sync: %v", err)
	}
	if stats.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", stats.Deleted)
	}
	if rec, _ := f.store.GetByIdentity(ctx, "apt2", start2); rec != nil {
		t.Errorf("vanished event row still present")
	}
	if rec, _ := f.store.GetByIdentity(ctx, "apt9", start2); rec == nil {
		t.Errorf("standalone appointment row was swept")
	}
}

// Incremental runs never delete, even when the feed omits known events.
func TestSync_IncrementalRunDoesNotDelete(t *testing.T) {
	f := newFixture(t)
	f.source.events = []model.Event{
		sampleEvent("ev1", "cal1", "apt1", start1),
		sampleEvent("ev2", "cal1", "apt2", start2),
	}

	ctx := context.Background()
	if _, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, false); err != nil {
		t.Fatalf("seed Sync: %v", err)
	}

	// Cursor exists now; an incremental feed only carries changed records.
	f.source.events = nil
	stats, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, false)
	if err != nil {
		t.Fatalf("incremental Sync: %v", err)
	}
	if stats.SyncType != "incremental" {
		t.Errorf("SyncType = %q, want incremental", stats.SyncType)
	}
	if stats.Deleted != 0 {
		t.Errorf("deleted = %d, want 0", stats.Deleted)
	}
	if f.source.lastModifiedAfter == nil {
		t.Errorf("upstream fetch missing modified_after filter")
	}
	if n, _ := f.store.Count(ctx); n != 2 {
		t.Errorf("row count = %d, want 2", n)
	}
}

// forceFull ignores the cursor and fetches everything.
func TestSync_ForceFullIgnoresCursor(t *testing.T) {
	f := newFixture(t)
	f.source.events = []model.Event{sampleEvent("ev1", "cal1", "apt1", start1)}

	ctx := context.Background()
	if _, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, false); err != nil {
		t.Fatalf("seed Sync: %v", err)
	}
	stats, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, true)
	if err != nil {
		t.Fatalf("forced Sync: %v", err)
	}
	if stats.SyncType != "full" {
		t.Errorf("SyncType = %q, want full", stats.SyncType)
	}
	if f.source.lastModifiedAfter != nil {
		t.Errorf("forced run still passed modified_after")
	}
}

// A database predating the cursor row derives the watermark from the newest
// stored modification instead of refetching everything.
func TestSync_CursorFallbackToNewestModified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seeded := time.Date(2025, 1, 8, 12, 0, 0, 0, time.UTC)
	_, err := f.store.UpsertEventFields(ctx, &store.EventPatch{
		AppointmentID: "apt0", StartAt: start1, EventID: "ev0", CalendarID: "cal1",
		EndAt: start1.Add(time.Hour), Title: "Alt", LastModified: seeded,
	})
	if err != nil {
		t.Fatalf("seeding row: %v", err)
	}

	stats, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, false)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.SyncType != "incremental" {
		t.Errorf("SyncType = %q, want incremental via fallback", stats.SyncType)
	}
	if f.source.lastModifiedAfter == nil || !f.source.lastModifiedAfter.Equal(seeded) {
		t.Errorf("modified_after = %v, want %v", f.source.lastModifiedAfter, seeded)
	}
}

// Events and appointments outside the requested window are ignored even when
// the upstream returns them.
func TestSync_WindowRefilter(t *testing.T) {
	f := newFixture(t)
	outside := windowTo.AddDate(0, 0, 5)
	f.source.events = []model.Event{
		sampleEvent("ev1", "cal1", "apt1", start1),
		sampleEvent("ev2", "cal1", "apt2", outside),
	}
	f.source.appointments["cal1"] = []model.Appointment{sampleAppointment("apt3", "cal1", outside)}

	stats, err := f.syncer.Sync(context.Background(), windowFrom, windowTo, []string{"cal1"}, false)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.EventsFound != 1 || stats.AppointmentsFound != 0 {
		t.Errorf("found events=%d appointments=%d, want 1/0", stats.EventsFound, stats.AppointmentsFound)
	}
	if n, _ := f.store.Count(context.Background()); n != 1 {
		t.Errorf("row count = %d, want 1", n)
	}
}

// Events of calendars outside the selection are ignored; each selected
// calendar only processes its own share.
func TestSync_CalendarPartitioning(t *testing.T) {
	f := newFixture(t)
	f.source.events = []model.Event{
		sampleEvent("ev1", "cal1", "apt1", start1),
		sampleEvent("ev2", "cal2", "apt2", start2),
		sampleEvent("ev3", "cal9", "apt3", start2),
	}

	stats, err := f.syncer.Sync(context.Background(), windowFrom, windowTo, []string{"cal1", "cal2"}, false)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.CalendarsProcessed != 2 {
		t.Errorf("calendars = %d, want 2", stats.CalendarsProcessed)
	}
	if stats.Inserted != 2 {
		t.Errorf("inserted = %d, want 2 (cal9 excluded)", stats.Inserted)
	}
	if rec, _ := f.store.GetByIdentity(context.Background(), "apt3", start2); rec != nil {
		t.Errorf("row from unselected calendar stored")
	}
}

func TestSync_NoCalendars(t *testing.T) {
	f := newFixture(t)
	_, err := f.syncer.Sync(context.Background(), windowFrom, windowTo, nil, false)
	if !errors.Is(err, ErrNoCalendars) {
		t.Fatalf("err = %v, want ErrNoCalendars", err)
	}
}

func TestSync_EventsFetchFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	cause := errors.New("upstream down")
	f.source.eventsErr = cause
	_, err := f.syncer.Sync(context.Background(), windowFrom, windowTo, []string{"cal1"}, false)
	if err == nil {
		t.Fatal("expected error when the event feed is unreachable")
	}
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("error chain missing ErrUpstream: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("error chain lost the cause: %v", err)
	}
}

// A failing appointment feed isolates that calendar: the other calendar is
// still processed, errors are counted, and the cursor does not advance.
func TestSync_CalendarFailureIsolated(t *testing.T) {
	f := newFixture(t)
	f.source.events = []model.Event{
		sampleEvent("ev1", "cal1", "apt1", start1),
		sampleEvent("ev2", "cal2", "apt2", start2),
	}
	f.source.appointmentsErr["cal1"] = errors.New("500 from upstream")

	ctx := context.Background()
	stats, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1", "cal2"}, false)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.Errors != 1 {
		t.Errorf("errors = %d, want 1", stats.Errors)
	}
	if stats.Inserted != 2 {
		t.Errorf("inserted = %d, want 2 (phase 1 unaffected)", stats.Inserted)
	}
	cur, err := f.store.GetCursor(ctx)
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if !cur.IsZero() {
		t.Errorf("cursor advanced despite calendar failure")
	}
}

// Records without a composite identity and rows the store rejects are
// skipped without aborting the run.
func TestSync_RecordLevelIsolation(t *testing.T) {
	f := newFixture(t)
	broken := sampleEvent("ev1", "cal1", "", start1) // no appointment id
	good := sampleEvent("ev2", "cal1", "apt2", start2)
	f.source.events = []model.Event{broken, good}

	stats, err := f.syncer.Sync(context.Background(), windowFrom, windowTo, []string{"cal1"}, false)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.Skipped != 1 || stats.Inserted != 1 {
		t.Errorf("skipped=%d inserted=%d, want 1/1", stats.Skipped, stats.Inserted)
	}
}

func TestSync_StoreFailureCountsAsSkip(t *testing.T) {
	f := newFixture(t)
	f.source.events = []model.Event{sampleEvent("ev1", "cal1", "apt1", start1)}
	flaky := &flakyStore{EventStore: f.store, upsertEventErr: errors.New("disk full")}
	syncer := NewSyncer(f.source, flaky, f.images, f.store, slog.Default())

	stats, err := syncer.Sync(context.Background(), windowFrom, windowTo, []string{"cal1"}, false)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if stats.Skipped != 1 || stats.Inserted != 0 {
		t.Errorf("skipped=%d inserted=%d, want 1/0", stats.Skipped, stats.Inserted)
	}
}

func TestSync_CursorAdvancesAfterCleanRun(t *testing.T) {
	f := newFixture(t)
	f.source.events = []model.Event{sampleEvent("ev1", "cal1", "apt1", start1)}

	ctx := context.Background()
	before := time.Now().UTC()
	if _, err := f.syncer.Sync(ctx, windowFrom, windowTo, []string{"cal1"}, false); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	cur, err := f.store.GetCursor(ctx)
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if cur.Before(before) {
		t.Errorf("cursor %v predates the run start %v", cur, before)
	}
}
