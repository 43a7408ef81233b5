// Package gcal is a thin typed façade over the Google Calendar v3 API.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const dateLayout = "2006-01-02"

// ErrNotFound reports that the referenced remote event no longer exists
// (HTTP 404 Not Found or 410 Gone).
var ErrNotFound = errors.New("remote event not found")

// Gateway provides the remote calendar operations the sync engine needs
type Gateway interface {
	// List returns every event of the given year, recurring instances
	// expanded, ordered by start time
	List(ctx context.Context, year int) ([]Event, error)
	// Create inserts a new event and returns it with its assigned ID
	Create(ctx context.Context, ev Event) (Event, error)
	// Update replaces the event with the given ID
	Update(ctx context.Context, id string, ev Event) (Event, error)
	// Delete removes the event with the given ID
	Delete(ctx context.Context, id string) error
}

// Event is a full snapshot of one remote event
type Event struct {
	ID          string
	Summary     string
	Description string
	Start       EventTime
	End         EventTime
	Updated     time.Time // remote last-modified time; zero if unknown
}

// EventTime is either an instant or, for all-day events, a date
type EventTime struct {
	Time     time.Time
	AllDay   bool
	TimeZone string // IANA name; optional
}

// IsAllDay reports whether the event is date-only
func (e Event) IsAllDay() bool {
	return e.Start.AllDay
}

// Client implements Gateway for a single Google calendar
type Client struct {
	svc        *calendar.Service
	calendarID string
}

// NewClient creates a gateway for calendarID. httpClient carries the
// credentials (see auth.Authenticator.Client); extra options are appended,
// which lets tests point the client at a local endpoint.
func NewClient(ctx context.Context, httpClient *http.Client, calendarID string, opts ...option.ClientOption) (*Client, error) {
	if calendarID == "" {
		calendarID = "primary"
	}

	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &Client{svc: svc, calendarID: calendarID}, nil
}

// List fetches all events between Jan 1 00:00:00 and Dec 31 23:59:59 UTC of year
func (c *Client) List(ctx context.Context, year int) ([]Event, error) {
	timeMin := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	timeMax := time.Date(year, time.December, 31, 23, 59, 59, 0, time.UTC)

	var events []Event
	call := c.svc.Events.List(c.calendarID).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime")

	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			ev, err := fromAPI(item)
			if err != nil {
				return fmt.Errorf("event %s: %w", item.Id, err)
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events for %d: %w", year, mapError(err))
	}

	return events, nil
}

// Create inserts ev and returns the stored event
func (c *Client) Create(ctx context.Context, ev Event) (Event, error) {
	created, err := c.svc.Events.Insert(c.calendarID, toAPI(ev)).Context(ctx).Do()
	if err != nil {
		return Event{}, fmt.Errorf("create event: %w", mapError(err))
	}
	if created.Id == "" {
		return Event{}, fmt.Errorf("create event: remote returned no event id")
	}
	return fromAPI(created)
}

// Update replaces the event id with ev
func (c *Client) Update(ctx context.Context, id string, ev Event) (Event, error) {
	updated, err := c.svc.Events.Update(c.calendarID, id, toAPI(ev)).Context(ctx).Do()
	if err != nil {
		return Event{}, fmt.Errorf("update event %s: %w", id, mapError(err))
	}
	return fromAPI(updated)
}

// Delete removes the event id
func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.svc.Events.Delete(c.calendarID, id).Context(ctx).Do(); err != nil {
		return fmt.Errorf("delete event %s: %w", id, mapError(err))
	}
	return nil
}

// mapError turns 404/410 API errors into ErrNotFound and leaves every other
// error as it is
func mapError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
		}
	}
	return err
}

func toAPI(ev Event) *calendar.Event {
	return &calendar.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       toAPITime(ev.Start),
		End:         toAPITime(ev.End),
	}
}

func toAPITime(t EventTime) *calendar.EventDateTime {
	if t.AllDay {
		return &calendar.EventDateTime{Date: t.Time.Format(dateLayout)}
	}
	return &calendar.EventDateTime{
		DateTime: t.Time.Format(time.RFC3339),
		TimeZone: t.TimeZone,
	}
}

func fromAPI(item *calendar.Event) (Event, error) {
	ev := Event{
		ID:          item.Id,
		Summary:     item.Summary,
		Description: item.Description,
	}

	var err error
	if ev.Start, err = fromAPITime(item.Start); err != nil {
		return Event{}, fmt.Errorf("start: %w", err)
	}
	if ev.End, err = fromAPITime(item.End); err != nil {
		return Event{}, fmt.Errorf("end: %w", err)
	}
	if item.Updated != "" {
		// updated is informational; a malformed value only disables the local-edit guard
		if updated, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			ev.Updated = updated
		}
	}

	return ev, nil
}

func fromAPITime(t *calendar.EventDateTime) (EventTime, error) {
	if t == nil {
		return EventTime{}, errors.New("missing time")
	}

	if t.DateTime != "" {
		parsed, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return EventTime{}, err
		}
		return EventTime{Time: parsed, TimeZone: t.TimeZone}, nil
	}

	if t.Date != "" {
		parsed, err := time.ParseInLocation(dateLayout, t.Date, time.Local)
		if err != nil {
			return EventTime{}, err
		}
		return EventTime{Time: parsed, AllDay: true, TimeZone: t.TimeZone}, nil
	}

	return EventTime{}, errors.New("neither dateTime nor date set")
}
