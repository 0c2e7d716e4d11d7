// Package transport supervises the push connection shared by every
// reconciliation component in a session.
//
// The Manager is the only entity allowed to install auth tokens on the
// remote client or to drive subscribe/resubscribe cycles; components
// observe trust state through shared Channels instead of opening their
// own connections. A channel is trusted only while the service has
// acknowledged the subscription; everything else means incremental
// events may be incomplete and consumers must fall back to polling.
package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/systemflow/pulse/internal/clock"
	"github.com/systemflow/pulse/internal/remote"
)

// Backoff bounds for resubscribe attempts.
const (
	retryBaseDelay = 800 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
	retryMaxShift  = 6
)

// State is a channel's trust snapshot.
type State struct {
	// Trusted is true while the subscription is acknowledged and
	// incremental events can be taken as complete.
	Trusted bool
	// At is when the state last changed.
	At time.Time
}

// Listener observes state notifications for a channel. Listeners are
// also poked (with an unchanged state) when page visibility returns
// while the channel is untrusted, so consumers can refresh immediately
// instead of waiting out their poll interval.
type Listener func(State)

// Manager owns the push transport for one authenticated session.
type Manager struct {
	mu       sync.Mutex
	client   remote.Client
	clock    clock.Clock
	log      *slog.Logger
	token    string
	hasToken bool
	visible  bool
	channels map[string]*Channel
}

// New creates a Manager over the session's remote client.
func New(client remote.Client, clk clock.Clock, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		client:   client,
		clock:    clk,
		log:      log,
		visible:  true,
		channels: make(map[string]*Channel),
	}
}

// SetAuthToken installs the session token on the remote client.
// Repeated calls with the same token are no-ops. The token reaches the
// client synchronously, so any subsequent (re)subscribe is authorized
// with the current token, never a stale one.
func (m *Manager) SetAuthToken(token string) {
	m.mu.Lock()
	if m.hasToken && m.token == token {
		m.mu.Unlock()
		return
	}
	m.token = token
	m.hasToken = true
	m.mu.Unlock()

	m.client.SetAuthToken(token)
}

// SetVisible records page visibility. Regaining visibility pokes the
// listeners of every untrusted channel and retries their subscriptions
// immediately, bounding staleness to the time spent hidden.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()
	wasVisible := m.visible
	m.visible = visible
	var stale []*Channel
	if visible && !wasVisible {
		for _, ch := range m.channels {
			stale = append(stale, ch)
		}
	}
	m.mu.Unlock()

	for _, ch := range stale {
		ch.onVisibilityRegained()
	}
}

// Visible reports the last recorded page visibility.
func (m *Manager) Visible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}

// Channel returns the shared channel with the given name, creating it
// on first use. All consumers of one name observe the same trust state.
func (m *Manager) Channel(name string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[name]; ok {
		return ch
	}
	ch := &Channel{
		manager: m,
		name:    name,
		state:   State{At: m.clock.Now()},
	}
	m.channels[name] = ch
	return ch
}

// Close tears down every channel. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}

// SubscribeFunc opens the underlying subscription for a channel. The
// provided status handler must be installed as the subscription's
// status callback.
type SubscribeFunc func(onStatus remote.StatusHandler) (remote.Subscription, error)

// Channel is the shared trust state for one named subscription.
type Channel struct {
	manager *Manager
	name    string

	mu         sync.Mutex
	state      State
	attempts   int
	retryTimer clock.Timer
	subscribe  SubscribeFunc
	sub        remote.Subscription
	gen        int // bumped per subscribe attempt; stale callbacks are dropped
	closed     bool
	listeners  map[int]Listener
	nextID     int
}

// OnState registers a listener and returns its removal function. The
// listener is invoked with the current state immediately so consumers
// never start from an unknown view.
func (c *Channel) OnState(fn Listener) func() {
	c.mu.Lock()
	if c.listeners == nil {
		c.listeners = make(map[int]Listener)
	}
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	state := c.state
	c.mu.Unlock()

	fn(state)
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Trusted reports whether the subscription is currently acknowledged.
func (c *Channel) Trusted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Trusted
}

// Bind installs the subscribe function and opens the subscription.
// Failures are not fatal: the channel stays untrusted and retries with
// backoff, while consumers poll.
func (c *Channel) Bind(subscribe SubscribeFunc) {
	c.mu.Lock()
	c.subscribe = subscribe
	c.mu.Unlock()
	c.resubscribe()
}

// Close tears the channel down: the retry timer is stopped, the
// subscription is dropped, and the state is left untrusted. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	sub := c.sub
	c.sub = nil
	c.state = State{Trusted: false, At: c.manager.clock.Now()}
	c.listeners = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (c *Channel) resubscribe() {
	c.mu.Lock()
	if c.closed || c.subscribe == nil {
		c.mu.Unlock()
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	old := c.sub
	c.sub = nil
	c.gen++
	gen := c.gen
	subscribe := c.subscribe
	c.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}

	sub, err := subscribe(func(status remote.SubscriptionStatus) {
		c.handleStatus(gen, status)
	})
	if err != nil {
		c.manager.log.Warn("subscribe failed", "channel", c.name, "error", err)
		c.scheduleRetry()
		return
	}

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	c.sub = sub
	c.mu.Unlock()
}

// handleStatus folds a subscription status callback into trust state.
// Callbacks from superseded subscribe attempts are dropped.
func (c *Channel) handleStatus(gen int, status remote.SubscriptionStatus) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	now := c.manager.clock.Now()
	var notify []Listener
	var state State
	switch status {
	case remote.StatusSubscribed:
		c.attempts = 0
		if c.retryTimer != nil {
			c.retryTimer.Stop()
			c.retryTimer = nil
		}
		c.state = State{Trusted: true, At: now}
		state = c.state
		notify = c.listenersLocked()
		c.mu.Unlock()
	default:
		wasTrusted := c.state.Trusted
		c.state = State{Trusted: false, At: now}
		state = c.state
		if wasTrusted {
			notify = c.listenersLocked()
		}
		c.mu.Unlock()
		c.scheduleRetry()
	}

	for _, fn := range notify {
		fn(state)
	}
}

func (c *Channel) listenersLocked() []Listener {
	out := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		out = append(out, fn)
	}
	return out
}

func (c *Channel) scheduleRetry() {
	c.mu.Lock()
	if c.closed || c.retryTimer != nil {
		c.mu.Unlock()
		return
	}
	c.attempts++
	shift := c.attempts
	if shift > retryMaxShift {
		shift = retryMaxShift
	}
	delay := retryBaseDelay << shift
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	c.retryTimer = c.manager.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		c.retryTimer = nil
		c.mu.Unlock()
		c.resubscribe()
	})
	c.mu.Unlock()
}

// onVisibilityRegained pokes listeners and retries immediately if the
// channel is untrusted.
func (c *Channel) onVisibilityRegained() {
	c.mu.Lock()
	if c.closed || c.state.Trusted {
		c.mu.Unlock()
		return
	}
	state := c.state
	notify := c.listenersLocked()
	c.mu.Unlock()

	for _, fn := range notify {
		fn(state)
	}
	c.resubscribe()
}
