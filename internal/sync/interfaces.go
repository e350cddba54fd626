package sync

import (
	"context"
	"time"

	"github.com/swarnat/churchtools-suite-sub001/internal/media"
	"github.com/swarnat/churchtools-suite-sub001/internal/model"
	"github.com/swarnat/churchtools-suite-sub001/internal/store"
)

// Source is the upstream calendar feed. The churchtools client implements it.
type Source interface {
	// Events returns the announced events in [from, to]. When modifiedAfter
	// is non-nil only records changed since that instant are returned.
	Events(ctx context.Context, from, to time.Time, modifiedAfter *time.Time) ([]model.Event, error)
	// Appointments returns the enriched appointment records of one calendar.
	Appointments(ctx context.Context, calendarID string, from, to time.Time) ([]model.Appointment, error)
}

// EventStore is the local persistence layer keyed by (appointment, start).
type EventStore interface {
	GetByIdentity(ctx context.Context, appointmentID string, startAt time.Time) (*store.Record, error)
	UpsertEventFields(ctx context.Context, patch *store.EventPatch) (store.UpsertAction, error)
	UpsertAppointmentFields(ctx context.Context, patch *store.AppointmentPatch) (store.UpsertAction, error)
	GetEventIDsInRange(ctx context.Context, calendarID string, from, to time.Time) ([]string, error)
	DeleteByEventIDs(ctx context.Context, calendarID string, eventIDs []string) (int64, error)
	GetNewestModified(ctx context.Context) (time.Time, error)
}

// ImageImporter copies upstream images into the local media cache. Cache
// hits are the importer's concern; the syncer just asks for the reference.
type ImageImporter interface {
	Import(ctx context.Context, url, title, hint string) (media.Ref, error)
}

// CursorStore persists the incremental sync watermark between runs.
type CursorStore interface {
	GetCursor(ctx context.Context) (time.Time, error)
	SetCursor(ctx context.Context, at time.Time) error
}
