package churchtools

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/swarnat/churchtools-suite-sub001/internal/model"
)

// untitledPlaceholder is used when an event carries neither name nor
// designation.
const untitledPlaceholder = "(untitled)"

// --- Lenient scalar types ----------------------------------------------------
//
// The API is inconsistent about scalar encodings: ids arrive as numbers or
// strings depending on endpoint and version, coordinates as floats or
// stringified floats. These wrappers absorb both.

// flexID decodes a JSON number or string into its string form.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// flexFloat decodes a JSON number or numeric string into *float64;
// null, "" and malformed values decode to nil.
type flexFloat struct {
	Value *float64
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		f.Value = nil
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		f.Value = nil
		return nil
	}
	f.Value = &v
	return nil
}

// parseUpstreamTime parses the timestamp formats seen in the wild: RFC 3339,
// a space-separated variant, and bare dates. Failures yield the zero time.
func parseUpstreamTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", dateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// --- Shared fragments --------------------------------------------------------

type rawMeta struct {
	ModifiedDate string `json:"modifiedDate"`
}

func (m *rawMeta) modified() time.Time {
	if m == nil {
		return time.Time{}
	}
	return parseUpstreamTime(m.ModifiedDate)
}

type rawImage struct {
	FileURL string `json:"fileUrl"`
	Name    string `json:"name"`
}

func (i *rawImage) ref() *model.ImageRef {
	if i == nil || i.FileURL == "" {
		return nil
	}
	return &model.ImageRef{URL: i.FileURL, Name: i.Name}
}

// rawCalendarRef is the calendar association object. Older payloads carry a
// plain id, newer ones a domain reference.
type rawCalendarRef struct {
	ID               flexID `json:"id"`
	DomainIdentifier string `json:"domainIdentifier"`
}

// --- Phase-1: /events --------------------------------------------------------

type rawEvent struct {
	ID            flexID          `json:"id"`
	Name          string          `json:"name"`
	Designation   string          `json:"designation"`
	Note          string          `json:"note"`
	StartDate     string          `json:"startDate"`
	EndDate       string          `json:"endDate"`
	CalendarID    flexID          `json:"calendarId"`
	Calendar      *rawCalendarRef `json:"calendar"`
	AppointmentID flexID          `json:"appointmentId"`
	Appointment   *rawEventAppt   `json:"appointment"`
	Meta          *rawMeta        `json:"meta"`
}

// rawEventAppt is the appointment reference embedded in an event payload.
// It carries its own modification clock and, sometimes, the series image.
type rawEventAppt struct {
	ID    flexID    `json:"id"`
	Image *rawImage `json:"image"`
	Meta  *rawMeta  `json:"meta"`
}

// calendarID resolves the calendar association from whichever of the known
// payload locations is populated.
func (e *rawEvent) calendarID() string {
	if e.Calendar != nil {
		if e.Calendar.DomainIdentifier != "" {
			return e.Calendar.DomainIdentifier
		}
		if e.Calendar.ID != "" {
			return string(e.Calendar.ID)
		}
	}
	return string(e.CalendarID)
}

func (e *rawEvent) title() string {
	if e.Name != "" {
		return e.Name
	}
	if e.Designation != "" {
		return e.Designation
	}
	return untitledPlaceholder
}

func (e *rawEvent) normalize() model.Event {
	ev := model.Event{
		ID:          string(e.ID),
		CalendarID:  e.calendarID(),
		Title:       e.title(),
		Description: e.Note,
		StartAt:     parseUpstreamTime(e.StartDate),
		EndAt:       parseUpstreamTime(e.EndDate),
		ModifiedAt:  e.Meta.modified(),
	}
	ev.AppointmentID = string(e.AppointmentID)
	if e.Appointment != nil {
		if ev.AppointmentID == "" {
			ev.AppointmentID = string(e.Appointment.ID)
		}
		ev.AppointmentModifiedAt = e.Appointment.Meta.modified()
		ev.Image = e.Appointment.Image.ref()
	}
	return ev
}

// --- Phase-2: /calendars/{id}/appointments -----------------------------------

// rawAppointmentItem tolerates the feed's two historical shapes: the series
// data nested under appointment.base with calculated occurrence dates, or
// everything flattened at top level.
type rawAppointmentItem struct {
	base       rawAppointmentBase
	calculated rawCalculated
}

type rawCalculated struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type rawAppointmentBase struct {
	ID        flexID          `json:"id"`
	Caption   string          `json:"caption"`
	Subtitle  string          `json:"subtitle"`
	Note      string          `json:"note"`
	StartDate string          `json:"startDate"`
	EndDate   string          `json:"endDate"`
	Calendar  *rawCalendarRef `json:"calendar"`
	Address   *rawAddress     `json:"address"`
	Tags      []model.Tag     `json:"tags"`
	Image     *rawImage       `json:"image"`
	Meta      *rawMeta        `json:"meta"`
	Bookings  []rawBooking    `json:"bookings"`
}

type rawAddress struct {
	MeetingAt string    `json:"meetingAt"`
	Name      string    `json:"name"`
	Street    string    `json:"street"`
	Zip       string    `json:"zip"`
	City      string    `json:"city"`
	Latitude  flexFloat `json:"latitude"`
	Longitude flexFloat `json:"longitude"`
}

// rawBooking is a resource booking linked to an appointment. Like the
// appointment itself it appears nested under base or flat.
type rawBooking struct {
	Base     *rawBookingBase `json:"base"`
	Resource *rawResource    `json:"resource"`
}

type rawBookingBase struct {
	Resource *rawResource `json:"resource"`
}

func (b *rawBooking) resource() *rawResource {
	if b.Base != nil && b.Base.Resource != nil {
		return b.Base.Resource
	}
	return b.Resource
}

type rawResource struct {
	Name      string    `json:"name"`
	Latitude  flexFloat `json:"latitude"`
	Longitude flexFloat `json:"longitude"`
}

func (a *rawAppointmentItem) UnmarshalJSON(data []byte) error {
	// Nested shape: {"appointment": {"base": {...}, "calculated": {...}}}.
	var nested struct {
		Appointment *struct {
			Base       *rawAppointmentBase `json:"base"`
			Calculated *rawCalculated      `json:"calculated"`
		} `json:"appointment"`
		Calculated *rawCalculated      `json:"calculated"`
		Base       *rawAppointmentBase `json:"base"`
	}
	if err := json.Unmarshal(data, &nested); err == nil {
		switch {
		case nested.Appointment != nil && nested.Appointment.Base != nil:
			a.base = *nested.Appointment.Base
			if nested.Appointment.Calculated != nil {
				a.calculated = *nested.Appointment.Calculated
			} else if nested.Calculated != nil {
				a.calculated = *nested.Calculated
			}
			return nil
		case nested.Base != nil:
			a.base = *nested.Base
			if nested.Calculated != nil {
				a.calculated = *nested.Calculated
			}
			return nil
		}
	}

	// Flat shape: base fields at top level, occurrence dates included.
	if err := json.Unmarshal(data, &a.base); err != nil {
		return err
	}
	a.calculated = rawCalculated{StartDate: a.base.StartDate, EndDate: a.base.EndDate}
	return nil
}

// startEnd prefers the calculated occurrence dates over the series base
// dates; for recurring series the base dates describe the first occurrence
// only.
func (a *rawAppointmentItem) startEnd() (time.Time, time.Time) {
	start := parseUpstreamTime(a.calculated.StartDate)
	if start.IsZero() {
		start = parseUpstreamTime(a.base.StartDate)
	}
	end := parseUpstreamTime(a.calculated.EndDate)
	if end.IsZero() {
		end = parseUpstreamTime(a.base.EndDate)
	}
	return start, end
}

func (a *rawAppointmentItem) address() *model.Address {
	addr := &model.Address{}
	if raw := a.base.Address; raw != nil {
		addr.MeetingAt = raw.MeetingAt
		addr.Name = raw.Name
		addr.Street = raw.Street
		addr.Zip = raw.Zip
		addr.City = raw.City
		addr.Latitude = raw.Latitude.Value
		addr.Longitude = raw.Longitude.Value
	}

	// Fallback enrichment: an incomplete address borrows the location name
	// and coordinates from the first resource booking.
	if !addr.Complete() {
		for i := range a.base.Bookings {
			res := a.base.Bookings[i].resource()
			if res == nil || res.Name == "" {
				continue
			}
			addr.MeetingAt = res.Name
			if addr.Latitude == nil {
				addr.Latitude = res.Latitude.Value
			}
			if addr.Longitude == nil {
				addr.Longitude = res.Longitude.Value
			}
			break
		}
	}

	if !addr.Complete() && addr.Street == "" && addr.City == "" {
		return nil
	}
	return addr
}

func (a *rawAppointmentItem) normalize(calendarID string) model.Appointment {
	start, end := a.startEnd()

	if a.base.Calendar != nil {
		if a.base.Calendar.DomainIdentifier != "" {
			calendarID = a.base.Calendar.DomainIdentifier
		} else if a.base.Calendar.ID != "" {
			calendarID = string(a.base.Calendar.ID)
		}
	}

	return model.Appointment{
		ID:          string(a.base.ID),
		CalendarID:  calendarID,
		Title:       a.base.Caption,
		Subtitle:    a.base.Subtitle,
		Description: a.base.Note,
		StartAt:     start,
		EndAt:       end,
		ModifiedAt:  a.base.Meta.modified(),
		Address:     a.address(),
		Tags:        model.NormalizeTagColors(a.base.Tags),
		Image:       a.base.Image.ref(),
	}
}
