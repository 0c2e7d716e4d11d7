package remote

import (
	"context"
	"errors"
	"fmt"
)

// Row is a single record from the data service. Column names follow the
// backend's snake_case convention ("id", "user_id", "is_read", ...).
type Row map[string]any

// String returns the named column as a string, or "" if absent or not
// a string.
func (r Row) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Bool returns the named column as a bool. Missing or non-bool values
// read as false.
func (r Row) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Map returns the named column as a nested object, or nil.
func (r Row) Map(key string) map[string]any {
	m, _ := r[key].(map[string]any)
	return m
}

// Clone returns a shallow copy of the row. Handlers that retain rows
// past the callback must clone them first.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	cp := make(Row, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}

// Filter selects rows by column equality. All entries must match
// (conjunction). An empty filter matches every row.
type Filter map[string]any

// Matches reports whether the row satisfies every filter entry.
func (f Filter) Matches(r Row) bool {
	for k, want := range f {
		if r[k] != want {
			return false
		}
	}
	return true
}

// QueryOptions shape a point query.
type QueryOptions struct {
	Filter Filter
	// OrderBy names the column to sort on; Descending selects newest-first
	// ordering for timestamp columns.
	OrderBy    string
	Descending bool
	// Limit caps the result set. Zero means no limit.
	Limit int
	// Offset skips rows after ordering, for paged scans.
	Offset int
}

// ChangeKind discriminates change-feed events.
type ChangeKind int

const (
	// ChangeInsert is a newly created row.
	ChangeInsert ChangeKind = iota + 1
	// ChangeUpdate is a modified row; Old carries the previous image.
	ChangeUpdate
	// ChangeDelete is a removed row; Old carries the last image.
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// ChangeEvent is one entry from the push feed. Delivery is at-least-once
// and may be reordered; consumers must merge idempotently.
type ChangeEvent struct {
	Kind ChangeKind
	New  Row // insert/update
	Old  Row // update/delete; may be a partial image
}

// SubscriptionStatus reports transport state for one subscribed channel.
// Only StatusSubscribed means the feed is trusted to be complete;
// everything else is "not yet trusted".
type SubscriptionStatus string

const (
	StatusSubscribed SubscriptionStatus = "subscribed"
	StatusError      SubscriptionStatus = "error"
	StatusTimedOut   SubscriptionStatus = "timed_out"
	StatusClosed     SubscriptionStatus = "closed"
)

// ChangeHandler receives change events for a subscription. Handlers run
// on the transport's delivery goroutine and must not block.
type ChangeHandler func(ChangeEvent)

// StatusHandler receives subscription status transitions.
type StatusHandler func(SubscriptionStatus)

// Subscription is a live change-feed registration.
type Subscription interface {
	// Unsubscribe tears the registration down. Idempotent. After it
	// returns no further events or status callbacks are delivered.
	Unsubscribe()
}

// PresenceEventKind discriminates shared-presence channel events.
type PresenceEventKind int

const (
	// PresenceJoin means a peer announced (or re-announced) its state.
	PresenceJoin PresenceEventKind = iota + 1
	// PresenceSync means the full channel state was (re)delivered.
	PresenceSync
	// PresenceLeave means a peer left the channel.
	PresenceLeave
)

// PresenceState is one peer's announced state on a presence channel.
type PresenceState struct {
	UserID     string
	Status     string
	StatusText string
}

// PresenceEvent is one event from a shared presence channel. Peers
// carries the full channel state for join/sync; for leave it carries
// only the departed entries.
type PresenceEvent struct {
	Kind  PresenceEventKind
	Peers []PresenceState
}

// PresenceHandler receives presence channel events.
type PresenceHandler func(PresenceEvent)

// PresenceChannel is a live registration on a shared presence channel.
type PresenceChannel interface {
	// Track publishes this client's state to all channel peers.
	Track(ctx context.Context, state PresenceState) error
	// Unsubscribe leaves the channel. Idempotent.
	Unsubscribe()
}

// Client is the data-service port. One Client instance is shared by all
// components for the lifetime of an authenticated session; only the
// transport manager may call SetAuthToken.
type Client interface {
	// Query runs a point query against a collection.
	Query(ctx context.Context, collection string, opts QueryOptions) ([]Row, error)
	// Insert creates a row and returns the stored image.
	Insert(ctx context.Context, collection string, row Row) (Row, error)
	// Update patches every row matching the filter.
	Update(ctx context.Context, collection string, filter Filter, patch Row) error
	// Subscribe registers for the collection's change feed, scoped by
	// filter. The status handler is invoked on every transport state
	// change, including the initial acknowledgement.
	Subscribe(ctx context.Context, collection string, filter Filter, onChange ChangeHandler, onStatus StatusHandler) (Subscription, error)
	// JoinPresence joins a named shared presence channel.
	JoinPresence(ctx context.Context, channel, userID string, onEvent PresenceHandler, onStatus StatusHandler) (PresenceChannel, error)
	// SetAuthToken installs the session's access token. Must be called
	// before any subscription relies on that token.
	SetAuthToken(token string)
}

// ServiceError is a classified failure from the data service.
type ServiceError struct {
	Code    string
	Message string
}

// Error codes returned by implementations.
const (
	// CodeSchemaAbsent means the referenced collection does not exist
	// yet. Callers treat this as an empty result.
	CodeSchemaAbsent = "schema_absent"
	// CodeUnavailable means the service could not be reached.
	CodeUnavailable = "unavailable"
	// CodeUnauthorized means the current token was rejected.
	CodeUnauthorized = "unauthorized"
)

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsSchemaAbsent reports whether err is a schema_absent service error,
// unwrapping as needed.
func IsSchemaAbsent(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code == CodeSchemaAbsent
	}
	return false
}
