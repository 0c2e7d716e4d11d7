// Package presence maintains this user's published status and a read
// model of every peer's status on the shared presence channel.
//
// Presence is not a correctness-critical path: publish failures are
// swallowed and self-heal on the next activity signal or status change.
// The peer map is cleared unconditionally on teardown so no stale
// presence survives a session boundary.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/systemflow/pulse/internal/clock"
	"github.com/systemflow/pulse/internal/localstore"
	"github.com/systemflow/pulse/internal/remote"
)

// Status is a user's availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the four availability values.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusBusy, StatusAway, StatusOffline:
		return true
	}
	return false
}

// IdleAwayAfter is how long without an activity signal an online user
// is automatically marked away.
const IdleAwayAfter = 5 * time.Minute

// MaxStatusTextRunes caps the free-form status text.
const MaxStatusTextRunes = 80

// ChannelName is the shared presence channel every client joins.
const ChannelName = "global_presence"

const statusTextKind = "statusText"

// UserPresence is one peer's visible state.
type UserPresence struct {
	Status     Status
	StatusText string
}

// DeliveryAcker acknowledges message deliveries as a side effect of
// coming online and of chat notification arrivals.
type DeliveryAcker interface {
	MarkAllDelivered(ctx context.Context) error
	MarkMessageDelivered(ctx context.Context, messageID string) error
}

// Tracker publishes this user's presence and folds peer events into a
// local status map.
type Tracker struct {
	userID string
	client remote.Client
	clock  clock.Clock
	store  *localstore.Store
	acker  DeliveryAcker
	log    *slog.Logger

	mu         sync.Mutex
	status     Status
	statusText string
	peers      map[string]UserPresence
	channel    remote.PresenceChannel
	notifSub   remote.Subscription
	idleTimer  clock.Timer
	ackedEarly bool
	started    bool
	closed     bool
}

// Options configure a Tracker.
type Options struct {
	UserID string
	Client remote.Client
	Clock  clock.Clock
	// Store persists the status text across restarts. Optional.
	Store *localstore.Store
	// Acker receives delivery acknowledgements. Optional.
	Acker DeliveryAcker
	Log   *slog.Logger
}

// New creates a Tracker. The cached status text (if any) is restored
// from the local store; status starts online.
func New(opts Options) *Tracker {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{
		userID: opts.UserID,
		client: opts.Client,
		clock:  opts.Clock,
		store:  opts.Store,
		acker:  opts.Acker,
		log:    log,
		status: StatusOnline,
		peers:  make(map[string]UserPresence),
	}
	if t.store != nil {
		if cached, err := t.store.Get(localstore.Key(statusTextKind, t.userID)); err == nil {
			t.statusText = cached
		}
	}
	return t
}

// Start joins the shared presence channel and the chat notification
// feed used for delivery acknowledgements. On subscription
// acknowledgement the tracker publishes its current state, acks all
// pending deliveries, and starts the idle timer.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return fmt.Errorf("presence: tracker already started")
	}
	t.started = true
	t.mu.Unlock()

	channel, err := t.client.JoinPresence(ctx, ChannelName, t.userID, t.handlePresence, func(status remote.SubscriptionStatus) {
		if status != remote.StatusSubscribed {
			return
		}
		t.mu.Lock()
		if t.channel == nil {
			// Acknowledged before JoinPresence returned the handle;
			// Start finishes the subscribed work once it has it.
			t.ackedEarly = true
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
		t.onSubscribed(ctx)
	})
	if err != nil {
		return fmt.Errorf("presence: join channel: %w", err)
	}

	t.mu.Lock()
	t.channel = channel
	ackedEarly := t.ackedEarly
	t.ackedEarly = false
	t.mu.Unlock()
	if ackedEarly {
		t.onSubscribed(ctx)
	}

	// Chat notification inserts double as delivery receipts: the peer
	// learns its message reached a live client.
	if t.acker != nil {
		sub, err := t.client.Subscribe(ctx, "chat_notifications", remote.Filter{"user_id": t.userID},
			func(ev remote.ChangeEvent) {
				if ev.Kind != remote.ChangeInsert {
					return
				}
				messageID := ev.New.String("message_id")
				if messageID == "" {
					return
				}
				if err := t.acker.MarkMessageDelivered(ctx, messageID); err != nil {
					t.log.Debug("mark message delivered failed", "message_id", messageID, "error", err)
				}
			}, nil)
		if err != nil {
			t.log.Debug("chat notification feed unavailable", "error", err)
		} else {
			t.mu.Lock()
			t.notifSub = sub
			t.mu.Unlock()
		}
	}

	return nil
}

// Close leaves the channel, stops the idle timer, and clears the peer
// map. Idempotent.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	channel := t.channel
	notifSub := t.notifSub
	t.channel = nil
	t.notifSub = nil
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	t.peers = make(map[string]UserPresence)
	t.mu.Unlock()

	if notifSub != nil {
		notifSub.Unsubscribe()
	}
	if channel != nil {
		channel.Unsubscribe()
	}
}

// SetStatus updates and republishes this user's availability. Any
// status may follow any other, self-transitions included.
func (t *Tracker) SetStatus(ctx context.Context, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("presence: invalid status %q", status)
	}
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()

	t.publish(ctx)
	return nil
}

// SetStatusText normalizes and truncates the text, persists it to the
// device-local store, and republishes.
func (t *Tracker) SetStatusText(ctx context.Context, text string) {
	normalized := truncateRunes(norm.NFC.String(text), MaxStatusTextRunes)

	t.mu.Lock()
	t.statusText = normalized
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Set(localstore.Key(statusTextKind, t.userID), t.userID, normalized); err != nil {
			t.log.Warn("persist status text failed", "error", err)
		}
	}
	t.publish(ctx)
}

// Activity records a user input signal (pointer, key, click, scroll,
// touch). It wakes an away user back to online and re-arms the idle
// timer. Manual busy/offline suspend idle handling entirely.
func (t *Tracker) Activity(ctx context.Context) {
	t.mu.Lock()
	current := t.status
	t.mu.Unlock()

	if current == StatusBusy || current == StatusOffline {
		return
	}
	if current == StatusAway {
		t.mu.Lock()
		t.status = StatusOnline
		t.mu.Unlock()
		t.publish(ctx)
	}
	t.resetIdleTimer(ctx)
}

// MyStatus returns this user's current availability.
func (t *Tracker) MyStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// MyStatusText returns this user's current status text.
func (t *Tracker) MyStatusText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusText
}

// Snapshot returns a copy of the peer presence map.
func (t *Tracker) Snapshot() map[string]UserPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]UserPresence, len(t.peers))
	for id, p := range t.peers {
		out[id] = p
	}
	return out
}

// onSubscribed runs the subscription-acknowledged work: publish the
// current state, ack pending deliveries, start the idle timer.
func (t *Tracker) onSubscribed(ctx context.Context) {
	t.publish(ctx)
	if t.acker != nil {
		if err := t.acker.MarkAllDelivered(ctx); err != nil {
			t.log.Debug("mark all delivered failed", "error", err)
		}
	}
	t.resetIdleTimer(ctx)
}

// handlePresence folds a channel event into the peer map. Join and
// sync events carry the full channel state and replace the map; leave
// events remove the departed entries.
func (t *Tracker) handlePresence(ev remote.PresenceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	switch ev.Kind {
	case remote.PresenceJoin, remote.PresenceSync:
		peers := make(map[string]UserPresence, len(ev.Peers))
		for _, p := range ev.Peers {
			if p.UserID == "" {
				continue
			}
			status := Status(p.Status)
			if !status.Valid() {
				status = StatusOnline
			}
			peers[p.UserID] = UserPresence{Status: status, StatusText: p.StatusText}
		}
		t.peers = peers
	case remote.PresenceLeave:
		for _, p := range ev.Peers {
			delete(t.peers, p.UserID)
		}
	}
}

// publish announces current status and text to the channel, best
// effort.
func (t *Tracker) publish(ctx context.Context) {
	t.mu.Lock()
	channel := t.channel
	state := remote.PresenceState{
		UserID:     t.userID,
		Status:     string(t.status),
		StatusText: t.statusText,
	}
	t.mu.Unlock()

	if channel == nil {
		return
	}
	if err := channel.Track(ctx, state); err != nil {
		t.log.Debug("presence publish failed", "error", err)
	}
}

// resetIdleTimer re-arms the idle-to-away timer. Firing transitions
// online to away only; manual busy/offline are never overridden.
func (t *Tracker) resetIdleTimer(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = t.clock.AfterFunc(IdleAwayAfter, func() {
		t.mu.Lock()
		if t.closed || t.status != StatusOnline {
			t.mu.Unlock()
			return
		}
		t.status = StatusAway
		t.mu.Unlock()
		t.publish(ctx)
	})
	t.mu.Unlock()
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
