// Package toast queues ephemeral in-app notifications with bounded
// concurrency and automatic expiry.
package toast

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/systemflow/pulse/internal/clock"
	"github.com/systemflow/pulse/internal/notify"
)

const (
	// MaxVisible bounds the queue; pushing beyond it drops the oldest
	// toast instead of stacking indefinitely.
	MaxVisible = 4
	// DefaultDuration applies when the producer does not choose one.
	DefaultDuration = 5200 * time.Millisecond
	// MinDuration is the readability floor; shorter requests are raised
	// to it rather than rejected.
	MinDuration = 1200 * time.Millisecond
)

// Item is one queued toast.
type Item struct {
	ID        string
	Kind      notify.Channel
	Title     string
	Message   string
	Duration  time.Duration
	CreatedAt time.Time
	onClick   func()
}

// Dispatcher owns the visible toast queue. It implements
// notify.Toaster, so aggregators can hand toasts straight to it.
type Dispatcher struct {
	clock clock.Clock
	newID func() string

	mu     sync.Mutex
	items  []Item
	timers map[string]clock.Timer
	closed bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithIDFunc overrides toast id generation. Tests use it for stable
// ids.
func WithIDFunc(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// New creates an empty dispatcher.
func New(clk clock.Clock, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		clock:  clk,
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
		timers: make(map[string]clock.Timer),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Push implements notify.Toaster. A zero duration takes the default;
// anything below the floor is raised to it. When the queue is full the
// oldest toast is dropped to make room.
func (d *Dispatcher) Push(t notify.Toast) {
	duration := t.Duration
	if duration == 0 {
		duration = DefaultDuration
	}
	if duration < MinDuration {
		duration = MinDuration
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	item := Item{
		ID:        d.newID(),
		Kind:      t.Kind,
		Title:     t.Title,
		Message:   t.Message,
		Duration:  duration,
		CreatedAt: d.clock.Now(),
		onClick:   t.OnClick,
	}
	d.items = append(d.items, item)
	for len(d.items) > MaxVisible {
		d.removeLocked(d.items[0].ID)
	}
	id := item.ID
	d.timers[id] = d.clock.AfterFunc(duration, func() {
		d.Dismiss(id)
	})
	d.mu.Unlock()
}

// Dismiss removes one toast by id. Unknown ids are ignored.
func (d *Dispatcher) Dismiss(id string) {
	d.mu.Lock()
	d.removeLocked(id)
	d.mu.Unlock()
}

// DismissAll empties the queue.
func (d *Dispatcher) DismissAll() {
	d.mu.Lock()
	for _, item := range d.items {
		if timer := d.timers[item.ID]; timer != nil {
			timer.Stop()
		}
	}
	d.items = nil
	d.timers = make(map[string]clock.Timer)
	d.mu.Unlock()
}

// Click runs the toast's click action and dismisses it.
func (d *Dispatcher) Click(id string) {
	d.mu.Lock()
	var onClick func()
	for _, item := range d.items {
		if item.ID == id {
			onClick = item.onClick
			break
		}
	}
	d.removeLocked(id)
	d.mu.Unlock()

	if onClick != nil {
		onClick()
	}
}

// Items returns the queue oldest first.
func (d *Dispatcher) Items() []Item {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Item, len(d.items))
	copy(out, d.items)
	return out
}

// Close empties the queue and rejects further pushes. Idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, item := range d.items {
		if timer := d.timers[item.ID]; timer != nil {
			timer.Stop()
		}
	}
	d.items = nil
	d.timers = make(map[string]clock.Timer)
	d.mu.Unlock()
}

// removeLocked drops the toast and stops its expiry timer.
func (d *Dispatcher) removeLocked(id string) {
	if timer := d.timers[id]; timer != nil {
		timer.Stop()
		delete(d.timers, id)
	}
	for i, item := range d.items {
		if item.ID == id {
			d.items = append(d.items[:i], d.items[i+1:]...)
			return
		}
	}
}
