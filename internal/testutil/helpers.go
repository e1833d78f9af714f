package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
)

// ParseJSONResponse decodes JSON response body into v
func ParseJSONResponse(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()

	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v. Body: %s", err, w.Body.String())
	}
}

// AssertStatus checks HTTP status code matches expected
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()

	if w.Code != expected {
		t.Errorf("expected status %d, got %d. Body: %s", expected, w.Code, w.Body.String())
	}
}

// AssertErrorResponse checks error response format and message
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedMessage string) {
	t.Helper()

	AssertStatus(t, w, expectedStatus)

	var resp map[string]string
	ParseJSONResponse(t, w, &resp)

	if resp["error"] != expectedMessage {
		t.Errorf("expected error message %q, got %q", expectedMessage, resp["error"])
	}
}

// SessionCounter is a session.Tracker that counts open sessions.
type SessionCounter struct {
	mu      sync.Mutex
	open    int
	maxOpen int
	opened  []string
}

// NewSessionCounter returns an empty counter.
func NewSessionCounter() *SessionCounter {
	return &SessionCounter{}
}

func (c *SessionCounter) OnOpen(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open++
	if c.open > c.maxOpen {
		c.maxOpen = c.open
	}
	c.opened = append(c.opened, name)
}

func (c *SessionCounter) OnClose(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open--
}

// Open is the number of sessions currently open.
func (c *SessionCounter) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// MaxOpen is the highest number of simultaneously open sessions seen.
func (c *SessionCounter) MaxOpen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxOpen
}

// Opened lists session names in open order.
func (c *SessionCounter) Opened() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.opened...)
}
