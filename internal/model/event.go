// Package model defines the canonical types shared between the ChurchTools
// client, the event store, and the sync engine.
//
// The upstream API returns the same occurrence through two feeds with
// different (and historically unstable) JSON shapes. The client normalises
// every payload into [Event] and [Appointment] at the ingestion boundary;
// all downstream logic operates only on these types.
package model

import "time"

// ImageRef points at an upstream image. URL is the download location, Name
// the upstream filename. Both participate in the re-import decision: an
// image is fetched again only when either differs from what was stored.
type ImageRef struct {
	URL  string
	Name string
}

// Matches reports whether the stored url/name pair refers to the same
// upstream image as this reference.
func (r *ImageRef) Matches(url, name string) bool {
	return r != nil && r.URL == url && r.Name == name
}

// Address is the structured location attached to an appointment. MeetingAt
// is the upstream's meeting-point label, Name the address label; either may
// be empty.
type Address struct {
	MeetingAt string
	Name      string
	Street    string
	Zip       string
	City      string
	Latitude  *float64
	Longitude *float64
}

// LocationName returns the display name for the location, preferring the
// meeting-point label.
func (a *Address) LocationName() string {
	if a == nil {
		return ""
	}
	if a.MeetingAt != "" {
		return a.MeetingAt
	}
	return a.Name
}

// Complete reports whether the address carries enough data to display.
// Incomplete addresses are enriched from the first resource booking.
func (a *Address) Complete() bool {
	return a.LocationName() != ""
}

// Tag is a label attached to an appointment. Color is either a hex value or
// one of the upstream's named colors; see [NormalizeTagColors].
type Tag struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Event is the canonical Phase-1 record: one occurrence as reported by the
// /events feed. It carries only event-owned data.
type Event struct {
	// ID is the upstream event id; the unit the deletion sweep keys on.
	ID string

	// CalendarID is the owning calendar, resolved from whichever of the
	// payload's alternate association shapes was populated.
	CalendarID string

	// AppointmentID identifies the recurring-series definition. Together
	// with StartAt it forms the composite identity of the local row. It may
	// be empty for malformed records, which are skipped.
	AppointmentID string

	Title       string
	Description string

	StartAt time.Time
	EndAt   time.Time

	// ModifiedAt and AppointmentModifiedAt are independent clocks parsed
	// from the event's and the embedded appointment's metadata blocks.
	ModifiedAt            time.Time
	AppointmentModifiedAt time.Time

	// Image is the embedded appointment image, when the payload carries one.
	Image *ImageRef
}

// Appointment is the canonical Phase-2 record: one occurrence as reported by
// the per-calendar /appointments feed. It carries only appointment-owned data.
type Appointment struct {
	// ID is the series id; the first half of the composite identity.
	ID string

	CalendarID string

	Title    string
	Subtitle string
	// Description is the occurrence-level note text.
	Description string

	StartAt time.Time
	EndAt   time.Time

	ModifiedAt time.Time

	Address *Address
	Tags    []Tag
	Image   *ImageRef
}
