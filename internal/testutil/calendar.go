package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"
)

// Call records one request served by FakeCalendar
type Call struct {
	Method  string // list, insert, update, delete
	EventID string
}

// FakeCalendar is an in-memory Google Calendar v3 events endpoint served over HTTP.
// Point a client at URL() with option.WithEndpoint.
type FakeCalendar struct {
	Server *httptest.Server

	// PageSize splits list responses into pages when > 0
	PageSize int
	// FailWith makes every request with the given method fail with the status code
	FailWith map[string]int

	mu     sync.Mutex
	events map[string]*calendar.Event
	gone   map[string]bool
	calls  []Call
	nextID int
	now    func() time.Time
}

// NewFakeCalendar starts a fake calendar server. It is closed by Close.
func NewFakeCalendar() *FakeCalendar {
	f := &FakeCalendar{
		FailWith: make(map[string]int),
		events:   make(map[string]*calendar.Event),
		gone:     make(map[string]bool),
		now:      time.Now,
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	return f
}

// URL returns the endpoint to pass to option.WithEndpoint
func (f *FakeCalendar) URL() string {
	return f.Server.URL + "/"
}

// Close shuts the server down
func (f *FakeCalendar) Close() {
	f.Server.Close()
}

// Put stores an event as if it had been created remotely
func (f *FakeCalendar) Put(ev *calendar.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.Updated == "" {
		ev.Updated = f.now().UTC().Format(time.RFC3339)
	}
	f.events[ev.Id] = ev
}

// MarkGone removes an event and makes further requests for it answer 410
func (f *FakeCalendar) MarkGone(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, id)
	f.gone[id] = true
}

// Event returns a stored event
func (f *FakeCalendar) Event(id string) (*calendar.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	return ev, ok
}

// Len returns the number of stored events
func (f *FakeCalendar) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// Calls returns the requests served so far
func (f *FakeCalendar) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CountCalls returns how many requests of the given method were served
func (f *FakeCalendar) CountCalls(method string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ResetCalls forgets recorded requests
func (f *FakeCalendar) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// serve routes /calendars/{calendarId}/events[/{eventId}]
func (f *FakeCalendar) serve(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "calendars" || parts[2] != "events" {
		writeAPIError(w, http.StatusNotFound, "unknown path "+r.URL.Path)
		return
	}

	var id string
	if len(parts) == 4 {
		id = parts[3]
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	method := methodName(r.Method, id)
	f.calls = append(f.calls, Call{Method: method, EventID: id})

	if code, ok := f.FailWith[method]; ok {
		writeAPIError(w, code, "injected failure")
		return
	}

	switch method {
	case "list":
		f.list(w, r)
	case "insert":
		f.insert(w, r)
	case "update":
		f.update(w, r, id)
	case "delete":
		f.delete(w, id)
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "unsupported method "+r.Method)
	}
}

func methodName(httpMethod, id string) string {
	switch {
	case httpMethod == http.MethodGet && id == "":
		return "list"
	case httpMethod == http.MethodPost && id == "":
		return "insert"
	case httpMethod == http.MethodPut && id != "":
		return "update"
	case httpMethod == http.MethodDelete && id != "":
		return "delete"
	}
	return strings.ToLower(httpMethod)
}

func (f *FakeCalendar) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	timeMin, _ := time.Parse(time.RFC3339, q.Get("timeMin"))
	timeMax, _ := time.Parse(time.RFC3339, q.Get("timeMax"))

	var items []*calendar.Event
	for _, ev := range f.events {
		start := startOf(ev)
		if !timeMin.IsZero() && start.Before(timeMin) {
			continue
		}
		if !timeMax.IsZero() && start.After(timeMax) {
			continue
		}
		items = append(items, ev)
	}
	sort.Slice(items, func(i, j int) bool {
		si, sj := startOf(items[i]), startOf(items[j])
		if si.Equal(sj) {
			return items[i].Id < items[j].Id
		}
		return si.Before(sj)
	})

	resp := &calendar.Events{Kind: "calendar#events"}
	offset, _ := strconv.Atoi(q.Get("pageToken"))
	if offset > len(items) {
		offset = len(items)
	}
	items = items[offset:]
	if f.PageSize > 0 && len(items) > f.PageSize {
		items = items[:f.PageSize]
		resp.NextPageToken = strconv.Itoa(offset + f.PageSize)
	}
	resp.Items = items

	writeJSON(w, http.StatusOK, resp)
}

func (f *FakeCalendar) insert(w http.ResponseWriter, r *http.Request) {
	var ev calendar.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}

	f.nextID++
	ev.Id = fmt.Sprintf("evt%03d", f.nextID)
	ev.Updated = f.now().UTC().Format(time.RFC3339)
	f.events[ev.Id] = &ev

	writeJSON(w, http.StatusOK, &ev)
}

func (f *FakeCalendar) update(w http.ResponseWriter, r *http.Request, id string) {
	if f.gone[id] {
		writeAPIError(w, http.StatusGone, "Resource has been deleted")
		return
	}
	if _, ok := f.events[id]; !ok {
		writeAPIError(w, http.StatusNotFound, "Not Found")
		return
	}

	var ev calendar.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev.Id = id
	ev.Updated = f.now().UTC().Format(time.RFC3339)
	f.events[id] = &ev

	writeJSON(w, http.StatusOK, &ev)
}

func (f *FakeCalendar) delete(w http.ResponseWriter, id string) {
	if f.gone[id] {
		writeAPIError(w, http.StatusGone, "Resource has been deleted")
		return
	}
	if _, ok := f.events[id]; !ok {
		writeAPIError(w, http.StatusNotFound, "Not Found")
		return
	}
	delete(f.events, id)
	f.gone[id] = true
	w.WriteHeader(http.StatusNoContent)
}

func startOf(ev *calendar.Event) time.Time {
	if ev.Start == nil {
		return time.Time{}
	}
	if ev.Start.DateTime != "" {
		t, _ := time.Parse(time.RFC3339, ev.Start.DateTime)
		return t
	}
	t, _ := time.Parse("2006-01-02", ev.Start.Date)
	return t
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
			"errors": []map[string]string{
				{"domain": "global", "reason": http.StatusText(code), "message": msg},
			},
		},
	})
}
