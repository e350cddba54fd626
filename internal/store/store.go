// Package store manages the SQLite database that mirrors ChurchTools
// occurrences locally, plus the sync cursor.
//
// Rows are identified by the composite natural key (appointment_id,
// start_datetime). Writes go through two column-subset upserts — one for the
// event-owned fields, one for the appointment-owned fields — so neither feed
// can clobber data the other feed contributed.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/swarnat/churchtools-suite-sub001/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id                      INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id                TEXT NOT NULL DEFAULT '',
    appointment_id          TEXT NOT NULL,
    calendar_id             TEXT NOT NULL DEFAULT '',
    start_datetime          TEXT NOT NULL,
    end_datetime            TEXT NOT NULL DEFAULT '',
    title                   TEXT NOT NULL DEFAULT '',
    event_description       TEXT NOT NULL DEFAULT '',
    appointment_description TEXT NOT NULL DEFAULT '',
    location_name           TEXT NOT NULL DEFAULT '',
    address_name            TEXT NOT NULL DEFAULT '',
    address_street          TEXT NOT NULL DEFAULT '',
    address_zip             TEXT NOT NULL DEFAULT '',
    address_city            TEXT NOT NULL DEFAULT '',
    address_latitude        REAL,
    address_longitude       REAL,
    tags                    TEXT NOT NULL DEFAULT '',
    image_attachment_id     TEXT NOT NULL DEFAULT '',
    image_url               TEXT NOT NULL DEFAULT '',
    image_name              TEXT NOT NULL DEFAULT '',
    status                  TEXT NOT NULL DEFAULT 'active',
    last_modified           TEXT NOT NULL DEFAULT '',
    appointment_modified    TEXT NOT NULL DEFAULT '',
    updated_at              TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_identity ON events (appointment_id, start_datetime);
CREATE INDEX        IF NOT EXISTS idx_events_calendar ON events (calendar_id, start_datetime);

CREATE TABLE IF NOT EXISTS sync_state (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// datetimeLayout is the storage format for occurrence start/end columns.
// Second precision; also the comparison key for identity lookups.
const datetimeLayout = "2006-01-02 15:04:05"

// cursorKey is the sync_state row holding the last successful sync instant.
const cursorKey = "last_sync"

// StatusActive is the lifecycle status of a live row.
const StatusActive = "active"

// ErrMissingIdentity is returned by the upsert methods when the composite
// key is incomplete. There is no fallback identity.
var ErrMissingIdentity = errors.New("store: appointment id and start time are required")

// UpsertAction reports which mutation an upsert performed.
type UpsertAction int

const (
	ActionInserted UpsertAction = iota + 1
	ActionUpdated
)

func (a UpsertAction) String() string {
	switch a {
	case ActionInserted:
		return "inserted"
	case ActionUpdated:
		return "updated"
	default:
		return "none"
	}
}

// Record is one stored occurrence row.
type Record struct {
	ID                     int64
	EventID                string // empty for standalone appointments
	AppointmentID          string
	CalendarID             string
	StartAt                time.Time
	EndAt                  time.Time
	Title                  string
	EventDescription       string
	AppointmentDescription string
	LocationName           string
	AddressName            string
	AddressStreet          string
	AddressZip             string
	AddressCity            string
	AddressLatitude        *float64
	AddressLongitude       *float64
	Tags                   []model.Tag
	ImageAttachmentID      string
	ImageURL               string
	ImageName              string
	Status                 string
	LastModified           time.Time
	AppointmentModified    time.Time
	UpdatedAt              time.Time
}

// DisplayDescription derives the text shown for an occurrence. The two
// source descriptions stay in separate columns; this is computed, never
// stored.
func (r *Record) DisplayDescription() string {
	switch {
	case r.AppointmentDescription != "" && r.EventDescription != "":
		return r.AppointmentDescription + "\n\n" + r.EventDescription
	case r.AppointmentDescription != "":
		return r.AppointmentDescription
	default:
		return r.EventDescription
	}
}

// ImageColumns carries a resolved image reference for an upsert. A nil
// pointer in a patch leaves the stored image columns untouched.
type ImageColumns struct {
	AttachmentID string
	URL          string
	Name         string
}

// EventPatch is the event-owned column subset written by a Phase-1 upsert.
type EventPatch struct {
	// Composite key.
	AppointmentID string
	StartAt       time.Time

	EventID             string
	CalendarID          string
	EndAt               time.Time
	Title               string
	EventDescription    string
	LastModified        time.Time
	AppointmentModified time.Time
	Image               *ImageColumns
}

// AppointmentPatch is the appointment-owned column subset written by a
// Phase-2 upsert. Title participates only in the insert path (for standalone
// appointments that never see a Phase-1 record); updates never touch it.
type AppointmentPatch struct {
	// Composite key.
	AppointmentID string
	StartAt       time.Time

	CalendarID             string
	EndAt                  time.Time
	Title                  string
	AppointmentDescription string
	LocationName           string
	AddressName            string
	AddressStreet          string
	AddressZip             string
	AddressCity            string
	AddressLatitude        *float64
	AddressLongitude       *float64
	Tags                   []model.Tag
	AppointmentModified    time.Time
	Image                  *ImageColumns
}

// Store is the SQLite-backed event repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the event database:
// ~/.local/share/ctsync/events.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "ctsync", "events.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

const recordColumns = `
	id, event_id, appointment_id, calendar_id, start_datetime, end_datetime,
	title, event_description, appointment_description,
	location_name, address_name, address_street, address_zip, address_city,
	address_latitude, address_longitude, tags,
	image_attachment_id, image_url, image_name,
	status, last_modified, appointment_modified, updated_at`

// GetByIdentity returns the row for the composite key, or (nil, nil) if no
// such row exists.
func (s *Store) GetByIdentity(ctx context.Context, appointmentID string, startAt time.Time) (*Record, error) {
	q := `SELECT` + recordColumns + ` FROM events WHERE appointment_id = ? AND start_datetime = ?`
	row := s.db.QueryRowContext(ctx, q, appointmentID, formatDatetime(startAt))
	return scanRecord(row)
}

// UpsertEventFields inserts or updates the row for the patch's composite key,
// writing only the event-owned column set. Appointment-owned columns are
// never touched on the update path.
func (s *Store) UpsertEventFields(ctx context.Context, p *EventPatch) (UpsertAction, error) {
	if p.AppointmentID == "" || p.StartAt.IsZero() {
		return 0, ErrMissingIdentity
	}

	existing, err := s.GetByIdentity(ctx, p.AppointmentID, p.StartAt)
	if err != nil {
		return 0, err
	}

	now := formatTimestamp(time.Now().UTC())

	if existing != nil {
		q := `UPDATE events SET
			event_id = ?, calendar_id = ?, end_datetime = ?, title = ?,
			event_description = ?, status = ?, last_modified = ?,
			updated_at = ?`
		args := []any{
			p.EventID, p.CalendarID, formatDatetime(p.EndAt), p.Title,
			p.EventDescription, StatusActive, formatTimestamp(p.LastModified),
			now,
		}
		// The appointment clock only travels with payloads that embedded
		// appointment metadata; a zero value must not blank what a
		// Phase-2 upsert stored.
		if !p.AppointmentModified.IsZero() {
			q += `, appointment_modified = ?`
			args = append(args, formatTimestamp(p.AppointmentModified))
		}
		q, args = appendImageColumns(q, args, p.Image)
		q += ` WHERE id = ?`
		args = append(args, existing.ID)

		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return 0, fmt.Errorf("updating event fields for %s@%s: %w", p.AppointmentID, formatDatetime(p.StartAt), err)
		}
		return ActionUpdated, nil
	}

	img := p.Image
	if img == nil {
		img = &ImageColumns{}
	}
	q := `INSERT INTO events
		(event_id, appointment_id, calendar_id, start_datetime, end_datetime,
		 title, event_description, status, last_modified, appointment_modified,
		 image_attachment_id, image_url, image_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		p.EventID, p.AppointmentID, p.CalendarID, formatDatetime(p.StartAt), formatDatetime(p.EndAt),
		p.Title, p.EventDescription, StatusActive, formatTimestamp(p.LastModified), formatTimestamp(p.AppointmentModified),
		img.AttachmentID, img.URL, img.Name, now,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting event row for %s@%s: %w", p.AppointmentID, formatDatetime(p.StartAt), err)
	}
	return ActionInserted, nil
}

// UpsertAppointmentFields inserts or updates the row for the patch's
// composite key, writing only the appointment-owned column set. On insert the
// row gets no event_id — that arrives, if ever, through a Phase-1 upsert.
func (s *Store) UpsertAppointmentFields(ctx context.Context, p *AppointmentPatch) (UpsertAction, error) {
	if p.AppointmentID == "" || p.StartAt.IsZero() {
		return 0, ErrMissingIdentity
	}

	existing, err := s.GetByIdentity(ctx, p.AppointmentID, p.StartAt)
	if err != nil {
		return 0, err
	}

	tags, err := marshalTags(p.Tags)
	if err != nil {
		return 0, fmt.Errorf("encoding tags for %s: %w", p.AppointmentID, err)
	}
	now := formatTimestamp(time.Now().UTC())

	if existing != nil {
		q := `UPDATE events SET
			calendar_id = ?, end_datetime = ?, appointment_description = ?,
			location_name = ?, address_name = ?, address_street = ?, address_zip = ?, address_city = ?,
			address_latitude = ?, address_longitude = ?, tags = ?,
			status = ?, appointment_modified = ?, updated_at = ?`
		args := []any{
			p.CalendarID, formatDatetime(p.EndAt), p.AppointmentDescription,
			p.LocationName, p.AddressName, p.AddressStreet, p.AddressZip, p.AddressCity,
			p.AddressLatitude, p.AddressLongitude, tags,
			StatusActive, formatTimestamp(p.AppointmentModified), now,
		}
		q, args = appendImageColumns(q, args, p.Image)
		q += ` WHERE id = ?`
		args = append(args, existing.ID)

		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return 0, fmt.Errorf("updating appointment fields for %s@%s: %w", p.AppointmentID, formatDatetime(p.StartAt), err)
		}
		return ActionUpdated, nil
	}

	img := p.Image
	if img == nil {
		img = &ImageColumns{}
	}
	q := `INSERT INTO events
		(appointment_id, calendar_id, start_datetime, end_datetime, title,
		 appointment_description, location_name, address_name, address_street, address_zip, address_city,
		 address_latitude, address_longitude, tags, status, appointment_modified,
		 image_attachment_id, image_url, image_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		p.AppointmentID, p.CalendarID, formatDatetime(p.StartAt), formatDatetime(p.EndAt), p.Title,
		p.AppointmentDescription, p.LocationName, p.AddressName, p.AddressStreet, p.AddressZip, p.AddressCity,
		p.AddressLatitude, p.AddressLongitude, tags, StatusActive, formatTimestamp(p.AppointmentModified),
		img.AttachmentID, img.URL, img.Name, now,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting appointment row for %s@%s: %w", p.AppointmentID, formatDatetime(p.StartAt), err)
	}
	return ActionInserted, nil
}

// appendImageColumns extends an UPDATE statement with the image column set
// when the patch carries a resolved reference. nil means "leave unchanged".
func appendImageColumns(q string, args []any, img *ImageColumns) (string, []any) {
	if img == nil {
		return q, args
	}
	q += `, image_attachment_id = ?, image_url = ?, image_name = ?`
	args = append(args, img.AttachmentID, img.URL, img.Name)
	return q, args
}

// GetEventIDsInRange returns the distinct non-empty event_ids stored for a
// calendar whose occurrences start inside [from, to]. Input for the deletion
// sweep; standalone appointments have no event_id and are not returned.
func (s *Store) GetEventIDsInRange(ctx context.Context, calendarID string, from, to time.Time) ([]string, error) {
	const q = `
		SELECT DISTINCT event_id FROM events
		WHERE calendar_id = ? AND event_id != ''
		  AND start_datetime >= ? AND start_datetime <= ?`
	rows, err := s.db.QueryContext(ctx, q, calendarID, formatDatetime(from), formatDatetime(to))
	if err != nil {
		return nil, fmt.Errorf("querying event ids for calendar %q: %w", calendarID, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning event id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// deleteChunkSize keeps the IN list well below SQLite's host-parameter limit.
const deleteChunkSize = 500

// DeleteByEventIDs removes all rows of a calendar carrying one of the given
// event_ids and returns the number of deleted rows. Large id lists are
// deleted in chunks.
func (s *Store) DeleteByEventIDs(ctx context.Context, calendarID string, eventIDs []string) (int64, error) {
	var total int64
	for len(eventIDs) > 0 {
		chunk := eventIDs
		if len(chunk) > deleteChunkSize {
			chunk = chunk[:deleteChunkSize]
		}
		eventIDs = eventIDs[len(chunk):]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		q := `DELETE FROM events WHERE calendar_id = ? AND event_id IN (` + placeholders + `)`

		args := make([]any, 0, len(chunk)+1)
		args = append(args, calendarID)
		for _, id := range chunk {
			args = append(args, id)
		}

		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("deleting events for calendar %q: %w", calendarID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("reading delete count: %w", err)
		}
		total += n
	}
	return total, nil
}

// GetNewestModified returns the newest event-level modification timestamp in
// the store, or the zero time when the store is empty. Used as a cursor
// fallback when no explicit cursor row exists.
func (s *Store) GetNewestModified(ctx context.Context) (time.Time, error) {
	const q = `SELECT COALESCE(MAX(last_modified), '') FROM events WHERE last_modified != ''`
	var raw string
	if err := s.db.QueryRowContext(ctx, q).Scan(&raw); err != nil {
		return time.Time{}, fmt.Errorf("querying newest modification: %w", err)
	}
	t, _ := parseTimestamp(raw)
	return t, nil
}

// Count returns the number of stored occurrence rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// --- Sync cursor -------------------------------------------------------------

// GetCursor returns the last successful sync instant, or the zero time when
// no sync has completed yet.
func (s *Store) GetCursor(ctx context.Context) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, cursorKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading sync cursor: %w", err)
	}
	t, err := parseTimestamp(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing sync cursor %q: %w", raw, err)
	}
	return t, nil
}

// SetCursor records t as the last successful sync instant.
func (s *Store) SetCursor(ctx context.Context, t time.Time) error {
	const q = `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, cursorKey, formatTimestamp(t)); err != nil {
		return fmt.Errorf("writing sync cursor: %w", err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanRecord can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var r Record
	var startAt, endAt, lastMod, aptMod, updatedAt, tags string
	var lat, lng sql.NullFloat64

	err := s.Scan(
		&r.ID,
		&r.EventID,
		&r.AppointmentID,
		&r.CalendarID,
		&startAt,
		&endAt,
		&r.Title,
		&r.EventDescription,
		&r.AppointmentDescription,
		&r.LocationName,
		&r.AddressName,
		&r.AddressStreet,
		&r.AddressZip,
		&r.AddressCity,
		&lat,
		&lng,
		&tags,
		&r.ImageAttachmentID,
		&r.ImageURL,
		&r.ImageName,
		&r.Status,
		&lastMod,
		&aptMod,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	r.StartAt, _ = parseDatetime(startAt)
	r.EndAt, _ = parseDatetime(endAt)
	r.LastModified, _ = parseTimestamp(lastMod)
	r.AppointmentModified, _ = parseTimestamp(aptMod)
	r.UpdatedAt, _ = parseTimestamp(updatedAt)

	if lat.Valid {
		r.AddressLatitude = &lat.Float64
	}
	if lng.Valid {
		r.AddressLongitude = &lng.Float64
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags for row %d: %w", r.ID, err)
		}
	}

	return &r, nil
}

func marshalTags(tags []model.Tag) (string, error) {
	if len(tags) == 0 {
		return "", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func formatDatetime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(datetimeLayout)
}

func parseDatetime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(datetimeLayout, s)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
