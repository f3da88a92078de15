package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []*Event
	err    error
	done   chan struct{}
}

func newCaptureEmitter() *captureEmitter {
	return &captureEmitter{done: make(chan struct{}, 8)}
}

func (c *captureEmitter) Emit(ctx context.Context, event *Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	c.done <- struct{}{}
	return c.err
}

func (c *captureEmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestEmitAsync_DeliversEvent(t *testing.T) {
	em := newCaptureEmitter()
	EmitAsync(em, &Event{EventType: "token.login", Source: "test"})

	select {
	case <-em.done:
	case <-time.After(2 * time.Second):
		t.Fatal("async emit never ran")
	}
	if em.count() != 1 {
		t.Fatalf("emitted %d events, want 1", em.count())
	}
}

func TestEmitAsync_NilSafe(t *testing.T) {
	// Neither call may panic or start anything.
	EmitAsync(nil, &Event{EventType: "token.login"})
	em := newCaptureEmitter()
	EmitAsync(em, nil)

	select {
	case <-em.done:
		t.Fatal("nil event must not be emitted")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMulti_FansOutAndCollapsesNil(t *testing.T) {
	if Multi(nil, nil) != nil {
		t.Error("Multi of only nil emitters should be nil")
	}

	a := newCaptureEmitter()
	b := newCaptureEmitter()
	b.err = errors.New("broker down")
	m := Multi(a, nil, b)
	if m == nil {
		t.Fatal("Multi returned nil for non-nil emitters")
	}

	err := m.Emit(context.Background(), &Event{EventType: "token.refresh"})
	if err == nil || err.Error() != "broker down" {
		t.Errorf("Emit err = %v, want first failure propagated", err)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("fan-out counts = %d/%d, want 1/1", a.count(), b.count())
	}
}
