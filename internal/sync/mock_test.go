package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/swarnat/churchtools-suite-sub001/internal/media"
	"github.com/swarnat/churchtools-suite-sub001/internal/model"
	"github.com/swarnat/churchtools-suite-sub001/internal/store"
)

// --- Mock upstream feed ------------------------------------------------------

type mockSource struct {
	mu           sync.Mutex
	events       []model.Event
	appointments map[string][]model.Appointment // calendar → appointments

	eventsErr       error
	appointmentsErr map[string]error // calendar → error

	eventsCalls       int
	lastModifiedAfter *time.Time
}

func newMockSource() *mockSource {
	return &mockSource{
		appointments:    make(map[string][]model.Appointment),
		appointmentsErr: make(map[string]error),
	}
}

func (m *mockSource) Events(_ context.Context, _, _ time.Time, modifiedAfter *time.Time) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsCalls++
	m.lastModifiedAfter = modifiedAfter
	if m.eventsErr != nil {
		return nil, m.eventsErr
	}
	return append([]model.Event(nil), m.events...), nil
}

func (m *mockSource) Appointments(_ context.Context, calendarID string, _, _ time.Time) ([]model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.appointmentsErr[calendarID]; err != nil {
		return nil, err
	}
	return append([]model.Appointment(nil), m.appointments[calendarID]...), nil
}

// --- Mock image importer -----------------------------------------------------

type mockImages struct {
	mu        sync.Mutex
	imports   []string // urls passed to Import, in order
	importErr error
}

func (m *mockImages) Import(_ context.Context, url, _, _ string) (media.Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.importErr != nil {
		return media.Ref{}, m.importErr
	}
	m.imports = append(m.imports, url)
	return media.Ref{AttachmentID: "att-" + url, URL: url}, nil
}

func (m *mockImages) importCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.imports)
}

// --- Failure-injecting store wrapper -----------------------------------------

// flakyStore delegates to a real store but can fail selected operations, for
// exercising record-level error isolation.
type flakyStore struct {
	EventStore
	upsertEventErr       error
	upsertAppointmentErr error
	deleteErr            error
}

func (f *flakyStore) UpsertEventFields(ctx context.Context, p *store.EventPatch) (store.UpsertAction, error) {
	if f.upsertEventErr != nil {
		return 0, fmt.Errorf("injected: %w", f.upsertEventErr)
	}
	return f.EventStore.UpsertEventFields(ctx, p)
}

func (f *flakyStore) UpsertAppointmentFields(ctx context.Context, p *store.AppointmentPatch) (store.UpsertAction, error) {
	if f.upsertAppointmentErr != nil {
		return 0, fmt.Errorf("injected: %w", f.upsertAppointmentErr)
	}
	return f.EventStore.UpsertAppointmentFields(ctx, p)
}

func (f *flakyStore) DeleteByEventIDs(ctx context.Context, calendarID string, ids []string) (int64, error) {
	if f.deleteErr != nil {
		return 0, fmt.Errorf("injected: %w", f.deleteErr)
	}
	return f.EventStore.DeleteByEventIDs(ctx, calendarID, ids)
}
