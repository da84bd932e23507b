package realtime

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeTransport struct {
	mu      sync.Mutex
	written []Event
	pings   int
	closed  bool
}

func (t *fakeTransport) WriteJSON(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	event, _ := v.(Event)
	t.written = append(t.written, event)
	return nil
}

func (t *fakeTransport) WriteControl(int, []byte, time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	t.pings++
	return nil
}

func (t *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) Written() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.written...)
}

type recordingHook struct {
	mu     sync.Mutex
	opened []string
	closed []string
}

func (h *recordingHook) ConnectionOpened(_ context.Context, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, conn.ID())
}

func (h *recordingHook) ConnectionClosed(_ context.Context, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, conn.ID())
}

func (h *recordingHook) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.opened), len(h.closed)
}

func drain(conn *Connection) []Event {
	events := make([]Event, 0)
	for {
		select {
		case event := <-conn.Outbound():
			events = append(events, event)
		default:
			return events
		}
	}
}
