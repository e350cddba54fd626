// Package churchtools wraps the ChurchTools REST API for the two feeds the
// sync engine consumes. It provides a [Client] with methods aligned to the
// engine's needs, a 3-attempt exponential-backoff [Retry] helper, and
// normalisation of the API's irregular payload shapes into the canonical
// [model.Event] and [model.Appointment] types.
package churchtools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/swarnat/churchtools-suite-sub001/internal/model"
)

const (
	dateLayout = "2006-01-02"

	// requestTimeout bounds a single upstream call. The engine itself has no
	// overall deadline; individual calls rely on this.
	requestTimeout = 30 * time.Second
)

// Doer is the subset of [http.Client] used by the client. Defining it as an
// interface allows mock injection in tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to a ChurchTools instance's REST API using a login token.
// Create one with [NewClient] or [NewClientWithDoer].
type Client struct {
	baseURL string
	token   string
	hc      Doer
	log     *slog.Logger
}

// NewClient creates a Client for the given instance base URL (e.g.
// "https://church.example.com") and login token.
func NewClient(baseURL, token string, logger *slog.Logger) (*Client, error) {
	u, err := url.ParseRequestURI(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("base URL %q must be a valid http or https URL", baseURL)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: requestTimeout},
		log:     logger,
	}, nil
}

// NewClientWithDoer creates a Client with a caller-supplied HTTP doer.
// Intended for testing with a mock [Doer].
func NewClientWithDoer(baseURL, token string, hc Doer, logger *slog.Logger) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, hc: hc, log: logger}
}

// Request performs a single API call and decodes the response's data envelope
// into out. path is relative to /api (e.g. "/events").
func (c *Client) Request(ctx context.Context, method, path string, params url.Values, out any) error {
	endpoint := c.baseURL + "/api" + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Login "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute request for %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("ChurchTools returned %d for %s — check the login token", resp.StatusCode, path)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ChurchTools returned unexpected status %d for %s: %s", resp.StatusCode, path, strings.TrimSpace(string(body)))
	}

	// Every endpoint wraps its payload in a data envelope.
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response for %s: %w", path, err)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode data for %s: %w", path, err)
	}
	return nil
}

// Events fetches the Phase-1 feed for the window [from, to]. When
// modifiedAfter is non-nil the upstream additionally filters to records
// modified after that instant (incremental mode). The result is normalised;
// window filtering is left to the caller since the upstream does not
// guarantee exact range handling.
func (c *Client) Events(ctx context.Context, from, to time.Time, modifiedAfter *time.Time) ([]model.Event, error) {
	params := url.Values{}
	params.Set("from", from.Format(dateLayout))
	params.Set("to", to.Format(dateLayout))
	params.Set("direction", "forward")
	params.Set("include", "eventServices")
	if modifiedAfter != nil {
		params.Set("modified_after", modifiedAfter.UTC().Format(time.RFC3339))
	}

	var raw []rawEvent
	err := withRetry(ctx, defaultMaxAttempts, func() error {
		raw = raw[:0]
		return c.Request(ctx, http.MethodGet, "/events", params, &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}

	events := make([]model.Event, 0, len(raw))
	for i := range raw {
		events = append(events, raw[i].normalize())
	}
	c.log.Debug("fetched events", "count", len(events), "incremental", modifiedAfter != nil)
	return events, nil
}

// appointmentIncludes are the related objects requested alongside each
// appointment; bookings feed the address fallback, tags the tag import.
var appointmentIncludes = []string{"bookings", "event", "group", "meetingRequests", "tags", "titleSuffix"}

// Appointments fetches the Phase-2 feed for one calendar over [from, to].
func (c *Client) Appointments(ctx context.Context, calendarID string, from, to time.Time) ([]model.Appointment, error) {
	params := url.Values{}
	params.Set("from", from.Format(dateLayout))
	params.Set("to", to.Format(dateLayout))
	for _, inc := range appointmentIncludes {
		params.Add("include[]", inc)
	}

	path := "/calendars/" + url.PathEscape(calendarID) + "/appointments"
	var raw []rawAppointmentItem
	err := withRetry(ctx, defaultMaxAttempts, func() error {
		raw = raw[:0]
		return c.Request(ctx, http.MethodGet, path, params, &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch appointments for calendar %s: %w", calendarID, err)
	}

	appointments := make([]model.Appointment, 0, len(raw))
	for i := range raw {
		appointments = append(appointments, raw[i].normalize(calendarID))
	}
	c.log.Debug("fetched appointments", "calendar", calendarID, "count", len(appointments))
	return appointments, nil
}
