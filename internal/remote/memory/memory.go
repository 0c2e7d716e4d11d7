// Package memory implements remote.Client entirely in process.
//
// It backs unit tests, the scenario replay harness, and the demo CLI.
// Change events are delivered synchronously on the mutating call's
// goroutine, after the backend's lock is released, so handlers may call
// back into the backend.
//
// The backend also exposes control surfaces a real service does not:
// SetChannelStatus simulates transport degradation and recovery, and
// Delete emits delete events (the client port itself has no delete
// operation).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/systemflow/pulse/internal/remote"
)

// Backend is an in-memory data service.
type Backend struct {
	mu          sync.Mutex
	collections map[string][]remote.Row
	subs        map[int]*subscription
	channels    map[string]*presenceChannel
	nextSubID   int
	authToken   string
	// autoAck controls whether new subscriptions are immediately
	// acknowledged as subscribed. Tests disable it to exercise the
	// degraded/polling path.
	autoAck  bool
	failNext error
}

// New creates an empty backend. Subscriptions are acknowledged
// immediately unless WithoutAutoAck is applied.
func New(opts ...Option) *Backend {
	b := &Backend{
		collections: make(map[string][]remote.Row),
		subs:        make(map[int]*subscription),
		channels:    make(map[string]*presenceChannel),
		autoAck:     true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Option configures a Backend.
type Option func(*Backend)

// WithoutAutoAck makes new subscriptions start unacknowledged; tests
// drive status transitions explicitly via SetChannelStatus.
func WithoutAutoAck() Option {
	return func(b *Backend) { b.autoAck = false }
}

type subscription struct {
	backend    *Backend
	id         int
	collection string
	filter     remote.Filter
	onChange   remote.ChangeHandler
	onStatus   remote.StatusHandler
}

func (s *subscription) Unsubscribe() {
	s.backend.mu.Lock()
	_, ok := s.backend.subs[s.id]
	delete(s.backend.subs, s.id)
	s.backend.mu.Unlock()
	if ok && s.onStatus != nil {
		s.onStatus(remote.StatusClosed)
	}
}

// Provision creates an empty collection. Querying or subscribing to a
// collection that was never provisioned (and never inserted into)
// fails with CodeSchemaAbsent, mirroring a partially provisioned
// backend.
func (b *Backend) Provision(collections ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range collections {
		if _, ok := b.collections[c]; !ok {
			b.collections[c] = nil
		}
	}
}

// FailNext makes the next Query/Insert/Update call return err.
func (b *Backend) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

// AuthToken returns the last token installed via SetAuthToken.
func (b *Backend) AuthToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authToken
}

// SetAuthToken implements remote.Client.
func (b *Backend) SetAuthToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authToken = token
}

func (b *Backend) takeFailure() error {
	err := b.failNext
	b.failNext = nil
	return err
}

// Query implements remote.Client.
func (b *Backend) Query(ctx context.Context, collection string, opts remote.QueryOptions) ([]remote.Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.takeFailure(); err != nil {
		return nil, err
	}
	rows, ok := b.collections[collection]
	if !ok {
		return nil, &remote.ServiceError{Code: remote.CodeSchemaAbsent, Message: fmt.Sprintf("collection %q does not exist", collection)}
	}

	var out []remote.Row
	for _, r := range rows {
		if opts.Filter.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	if opts.OrderBy != "" {
		key := opts.OrderBy
		sort.SliceStable(out, func(i, j int) bool {
			a := fmt.Sprint(out[i][key])
			z := fmt.Sprint(out[j][key])
			if opts.Descending {
				return a > z
			}
			return a < z
		})
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Insert implements remote.Client. Rows without an "id" column get a
// generated UUID. The stored image is returned and an insert event is
// fanned out to matching subscribers.
func (b *Backend) Insert(ctx context.Context, collection string, row remote.Row) (remote.Row, error) {
	b.mu.Lock()
	if err := b.takeFailure(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	stored := row.Clone()
	if stored.String("id") == "" {
		stored["id"] = uuid.Must(uuid.NewV7()).String()
	}
	b.collections[collection] = append(b.collections[collection], stored)
	deliveries := b.matchSubsLocked(collection, stored, remote.ChangeEvent{Kind: remote.ChangeInsert, New: stored.Clone()})
	b.mu.Unlock()

	for _, d := range deliveries {
		d()
	}
	return stored.Clone(), nil
}

// Update implements remote.Client. Every row matching the filter gets
// the patch applied; one update event per changed row is fanned out.
func (b *Backend) Update(ctx context.Context, collection string, filter remote.Filter, patch remote.Row) error {
	b.mu.Lock()
	if err := b.takeFailure(); err != nil {
		b.mu.Unlock()
		return err
	}
	rows, ok := b.collections[collection]
	if !ok {
		b.mu.Unlock()
		return &remote.ServiceError{Code: remote.CodeSchemaAbsent, Message: fmt.Sprintf("collection %q does not exist", collection)}
	}

	var deliveries []func()
	for i, r := range rows {
		if !filter.Matches(r) {
			continue
		}
		old := r.Clone()
		next := r.Clone()
		for k, v := range patch {
			next[k] = v
		}
		rows[i] = next
		ev := remote.ChangeEvent{Kind: remote.ChangeUpdate, New: next.Clone(), Old: old}
		deliveries = append(deliveries, b.matchSubsLocked(collection, next, ev)...)
	}
	b.mu.Unlock()

	for _, d := range deliveries {
		d()
	}
	return nil
}

// Delete removes matching rows and emits delete events. Not part of the
// remote.Client interface; the client only ever observes deletes.
func (b *Backend) Delete(collection string, filter remote.Filter) {
	b.mu.Lock()
	rows := b.collections[collection]
	var kept []remote.Row
	var deliveries []func()
	for _, r := range rows {
		if !filter.Matches(r) {
			kept = append(kept, r)
			continue
		}
		ev := remote.ChangeEvent{Kind: remote.ChangeDelete, Old: r.Clone()}
		deliveries = append(deliveries, b.matchSubsLocked(collection, r, ev)...)
	}
	b.collections[collection] = kept
	b.mu.Unlock()

	for _, d := range deliveries {
		d()
	}
}

// Subscribe implements remote.Client.
func (b *Backend) Subscribe(ctx context.Context, collection string, filter remote.Filter, onChange remote.ChangeHandler, onStatus remote.StatusHandler) (remote.Subscription, error) {
	b.mu.Lock()
	if _, ok := b.collections[collection]; !ok {
		b.mu.Unlock()
		return nil, &remote.ServiceError{Code: remote.CodeSchemaAbsent, Message: fmt.Sprintf("collection %q does not exist", collection)}
	}
	b.nextSubID++
	sub := &subscription{
		backend:    b,
		id:         b.nextSubID,
		collection: collection,
		filter:     filter,
		onChange:   onChange,
		onStatus:   onStatus,
	}
	b.subs[sub.id] = sub
	ack := b.autoAck
	b.mu.Unlock()

	if ack && onStatus != nil {
		onStatus(remote.StatusSubscribed)
	}
	return sub, nil
}

// SetChannelStatus reports a transport status transition to every
// subscriber of the collection. Simulates disconnects and recoveries.
func (b *Backend) SetChannelStatus(collection string, status remote.SubscriptionStatus) {
	b.mu.Lock()
	var handlers []remote.StatusHandler
	for _, s := range b.subs {
		if s.collection == collection && s.onStatus != nil {
			handlers = append(handlers, s.onStatus)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(status)
	}
}

// matchSubsLocked collects delivery thunks for subscribers whose filter
// matches the row. Called with b.mu held; thunks run after unlock.
func (b *Backend) matchSubsLocked(collection string, row remote.Row, ev remote.ChangeEvent) []func() {
	var out []func()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids) // deterministic fan-out order
	for _, id := range ids {
		s := b.subs[id]
		if s.collection != collection || !s.filter.Matches(row) || s.onChange == nil {
			continue
		}
		handler := s.onChange
		out = append(out, func() { handler(ev) })
	}
	return out
}
