package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/systemflow/pulse/internal/clock"
	"github.com/systemflow/pulse/internal/remote"
	"github.com/systemflow/pulse/internal/transport"
)

// Defaults for the two concrete instances.
const (
	SystemCollection   = "notifications"
	ChatCollection     = "chat_notifications"
	SystemListCap      = 20
	ChatListCap        = 30
	SystemPollInterval = 25 * time.Second
	ChatPollInterval   = 45 * time.Second

	// DefaultPageSize bounds the paged scan that rebuilds per-room
	// unread counts on refresh.
	DefaultPageSize = 1000

	// soundThrottle spaces alert sounds so an event burst plays once.
	soundThrottle = 900 * time.Millisecond

	// toastDuration is passed along to the toast dispatcher.
	toastDuration = 5200 * time.Millisecond
)

// ReadAckPolicy controls what happens when the remote write behind an
// optimistic mark-read fails.
type ReadAckPolicy int

const (
	// ReadAckBestEffort fires and forgets; a failed write self-heals on
	// the next successful refresh.
	ReadAckBestEffort ReadAckPolicy = iota
	// ReadAckRetry keeps unacknowledged ids in an outbox retried on
	// every poll tick until the write succeeds or a refresh reconciles.
	ReadAckRetry
)

// Config fixes one aggregator instance's shape.
type Config struct {
	// Collection is the remote collection and doubles as the transport
	// channel name.
	Collection string
	UserID     string
	// Channel selects the preference gates and the toast kind.
	Channel Channel
	// ListCap bounds the cached record list.
	ListCap int
	// PollInterval is the degraded-mode refresh cadence.
	PollInterval time.Duration
	// RoomScoped maintains the per-room unread map and active-room
	// suppression. Used by the chat instance.
	RoomScoped bool
	// PageSize for room-count scans; defaults to DefaultPageSize.
	PageSize int
	ReadAck  ReadAckPolicy
}

// Deps are the aggregator's collaborators.
type Deps struct {
	Client    remote.Client
	Transport *transport.Manager
	Clock     clock.Clock
	// Preferences returns the current notification preferences. Nil
	// means all side effects enabled.
	Preferences func() Preferences
	Sinks       Sinks
	Log         *slog.Logger
}

// SystemConfig returns the system-feed configuration for a user.
func SystemConfig(userID string) Config {
	return Config{
		Collection:   SystemCollection,
		UserID:       userID,
		Channel:      ChannelSystem,
		ListCap:      SystemListCap,
		PollInterval: SystemPollInterval,
	}
}

// ChatConfig returns the chat-feed configuration for a user.
func ChatConfig(userID string) Config {
	return Config{
		Collection:   ChatCollection,
		UserID:       userID,
		Channel:      ChannelChat,
		ListCap:      ChatListCap,
		PollInterval: ChatPollInterval,
		RoomScoped:   true,
	}
}

// Aggregator reconciles one notification collection with a local view.
//
// All exported methods are safe for concurrent use. Merge operations
// are idempotent and the unread counters never go negative, so change
// events may be duplicated or reordered without corrupting the view.
type Aggregator struct {
	cfg   Config
	deps  Deps
	log   *slog.Logger
	prefs func() Preferences

	// ctx is captured at Start for fire-and-forget acknowledgements
	// issued from event callbacks.
	ctx context.Context

	mu             sync.Mutex
	list           []Record
	unread         int
	rooms          map[string]int
	activeRoom     string
	gen            int
	lastSoundAt    time.Time
	pollTimer      clock.Timer
	removeListener func()
	outbox         map[string]bool
	seenFirstState bool
	started        bool
	closed         bool
}

// New creates an aggregator. Call Start to begin reconciling.
func New(cfg Config, deps Deps) *Aggregator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	prefs := deps.Preferences
	if prefs == nil {
		all := Preferences{
			System: ChannelPreferences{InApp: true, Sound: true, Native: true},
			Chat:   ChannelPreferences{InApp: true, Sound: true, Native: true},
		}
		prefs = func() Preferences { return all }
	}
	return &Aggregator{
		cfg:    cfg,
		deps:   deps,
		log:    log,
		prefs:  prefs,
		rooms:  make(map[string]int),
		outbox: make(map[string]bool),
	}
}

// Start loads the initial view, binds the change subscription through
// the shared transport channel, and arms the degraded-mode poll.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started || a.closed {
		a.mu.Unlock()
		return fmt.Errorf("notify: aggregator already started")
	}
	a.started = true
	a.ctx = ctx
	a.mu.Unlock()

	ch := a.deps.Transport.Channel(a.cfg.Collection)
	remove := ch.OnState(func(state transport.State) {
		a.mu.Lock()
		if !a.seenFirstState {
			// Registration callback; the initial refresh below covers it.
			a.seenFirstState = true
			a.mu.Unlock()
			return
		}
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}
		// Trusted again: one refresh closes the gap between the last
		// complete view and subscription start. Untrusted pokes arrive
		// only when visibility returns, which also warrants a refresh.
		a.Refresh(ctx)
	})
	a.mu.Lock()
	a.removeListener = remove
	a.mu.Unlock()

	ch.Bind(func(onStatus remote.StatusHandler) (remote.Subscription, error) {
		return a.deps.Client.Subscribe(ctx, a.cfg.Collection,
			remote.Filter{"user_id": a.cfg.UserID}, a.handleChange, onStatus)
	})

	a.Refresh(ctx)
	a.schedulePoll(ctx)
	return nil
}

// Close tears the aggregator down: the poll stops, the state listener
// is removed, and all local state is cleared. Any in-flight refresh
// resolving later is discarded by the generation guard. Idempotent.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.gen++
	if a.pollTimer != nil {
		a.pollTimer.Stop()
		a.pollTimer = nil
	}
	remove := a.removeListener
	a.removeListener = nil
	a.list = nil
	a.unread = 0
	a.rooms = make(map[string]int)
	a.activeRoom = ""
	a.outbox = make(map[string]bool)
	a.mu.Unlock()

	if remove != nil {
		remove()
	}
}

// Refresh replaces the local view with the remote one. Safe to call
// concurrently with event handling: a refresh that resolves after a
// newer refresh or after teardown is discarded wholesale.
func (a *Aggregator) Refresh(ctx context.Context) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	gen := a.gen
	a.mu.Unlock()

	var list []Record
	listOK := false
	if a.cfg.ListCap > 0 {
		rows, err := a.deps.Client.Query(ctx, a.cfg.Collection, remote.QueryOptions{
			Filter:     remote.Filter{"user_id": a.cfg.UserID},
			OrderBy:    "created_at",
			Descending: true,
			Limit:      a.cfg.ListCap,
		})
		switch {
		case err == nil:
			list = make([]Record, 0, len(rows))
			for _, row := range rows {
				list = append(list, recordFromRow(row))
			}
			listOK = true
		case remote.IsSchemaAbsent(err):
			listOK = true
		default:
			a.log.Debug("refresh query failed", "collection", a.cfg.Collection, "error", err)
		}
	}

	var rooms map[string]int
	roomsOK := false
	if a.cfg.RoomScoped {
		rooms, roomsOK = a.scanRoomCounts(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || gen != a.gen {
		return
	}
	if listOK {
		a.list = list
		a.unread = countUnread(list)
	}
	if roomsOK {
		if rooms == nil {
			rooms = make(map[string]int)
		}
		a.rooms = rooms
	}
}

// scanRoomCounts rebuilds per-room unread counts with a paged scan of
// every unread row, so the counts reflect true server-side state
// regardless of the list cap.
func (a *Aggregator) scanRoomCounts(ctx context.Context) (map[string]int, bool) {
	rooms := make(map[string]int)
	offset := 0
	for {
		rows, err := a.deps.Client.Query(ctx, a.cfg.Collection, remote.QueryOptions{
			Filter: remote.Filter{"user_id": a.cfg.UserID, "is_read": false},
			Limit:  a.cfg.PageSize,
			Offset: offset,
		})
		if err != nil {
			if remote.IsSchemaAbsent(err) {
				return rooms, true
			}
			a.log.Debug("room scan failed", "collection", a.cfg.Collection, "error", err)
			return nil, false
		}
		for _, row := range rows {
			rec := recordFromRow(row)
			if rec.RoomID == "" {
				continue
			}
			rooms[rec.RoomID]++
		}
		if len(rows) < a.cfg.PageSize {
			return rooms, true
		}
		offset += a.cfg.PageSize
	}
}

func (a *Aggregator) schedulePoll(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.cfg.PollInterval <= 0 {
		return
	}
	a.pollTimer = a.deps.Clock.AfterFunc(a.cfg.PollInterval, func() {
		a.pollTick(ctx)
	})
}

// pollTick runs one degraded-mode poll: refresh only while the page is
// visible and the channel is still untrusted, then re-arm.
func (a *Aggregator) pollTick(ctx context.Context) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	retry := a.cfg.ReadAck == ReadAckRetry && len(a.outbox) > 0
	a.mu.Unlock()

	trusted := a.deps.Transport.Channel(a.cfg.Collection).Trusted()
	if a.deps.Transport.Visible() && !trusted {
		a.Refresh(ctx)
	}
	if retry {
		a.flushOutbox(ctx)
	}
	a.schedulePoll(ctx)
}

// SetActiveRoom records the room currently open in the UI. Inserts for
// that room are acknowledged read immediately instead of counting as
// unread. Pass "" when no room is open.
func (a *Aggregator) SetActiveRoom(roomID string) {
	a.mu.Lock()
	a.activeRoom = roomID
	a.mu.Unlock()
}

// ActiveRoom returns the currently open room id, or "".
func (a *Aggregator) ActiveRoom() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeRoom
}

// Notifications returns the cached list, newest first.
func (a *Aggregator) Notifications() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, len(a.list))
	copy(out, a.list)
	return out
}

// UnreadCount returns the unread counter derived from the cached list.
func (a *Aggregator) UnreadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unread
}

// UnreadByRoom returns a copy of the per-room unread map. Rooms with
// zero unread are absent.
func (a *Aggregator) UnreadByRoom() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.rooms))
	for id, n := range a.rooms {
		out[id] = n
	}
	return out
}

// TotalUnread sums the per-room unread counts.
func (a *Aggregator) TotalUnread() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, n := range a.rooms {
		total += n
	}
	return total
}

// HasAnyUnread reports whether any room has unread messages.
func (a *Aggregator) HasAnyUnread() bool {
	return a.TotalUnread() > 0
}

// handleChange folds one push event into the local view.
func (a *Aggregator) handleChange(ev remote.ChangeEvent) {
	switch ev.Kind {
	case remote.ChangeInsert:
		a.handleInsert(ev)
	case remote.ChangeUpdate:
		a.handleUpdate(ev)
	case remote.ChangeDelete:
		a.handleDelete(ev)
	}
}

func (a *Aggregator) handleInsert(ev remote.ChangeEvent) {
	rec := recordFromRow(ev.New)
	if rec.ID == "" {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}

	// Active-room suppression: a message for the room the user is
	// looking at is read the moment it arrives. No badge, no sound.
	if a.cfg.RoomScoped && !rec.Read && rec.RoomID != "" && rec.RoomID == a.activeRoom {
		rec.Read = true
		a.upsertLocked(rec)
		a.unread = countUnread(a.list)
		ctx := a.ctx
		a.mu.Unlock()
		a.ackRead(ctx, rec.ID)
		return
	}

	existing, existed := a.findLocked(rec.ID)
	wasUnread := existed && !existing.Read
	a.upsertLocked(rec)
	// The unread counter is always recomputed from the capped list, so
	// duplicate deliveries and evictions cannot skew it.
	a.unread = countUnread(a.list)

	if a.cfg.RoomScoped && rec.RoomID != "" {
		switch {
		case !rec.Read && !wasUnread:
			a.adjustRoomLocked(rec.RoomID, +1)
		case rec.Read && wasUnread:
			a.adjustRoomLocked(rec.RoomID, -1)
		}
	}

	// Alert only on genuinely new unread records; a duplicate delivery
	// of the same insert must not re-alert.
	alert := !rec.Read && !existed
	var prefs ChannelPreferences
	var visible, playSound bool
	if alert {
		prefs = a.prefs().channel(a.cfg.Channel)
		visible = a.deps.Transport.Visible()
		now := a.deps.Clock.Now()
		if prefs.Sound && now.Sub(a.lastSoundAt) > soundThrottle {
			a.lastSoundAt = now
			playSound = true
		}
	}
	a.mu.Unlock()

	if !alert {
		return
	}
	if playSound && a.deps.Sinks.Sound != nil {
		a.deps.Sinks.Sound.Play()
	}
	if visible && prefs.InApp && a.deps.Sinks.Toasts != nil {
		id := rec.ID
		link := rec.Link
		a.deps.Sinks.Toasts.Push(Toast{
			Kind:     a.cfg.Channel,
			Title:    rec.Title,
			Message:  rec.Content,
			Duration: toastDuration,
			OnClick: func() {
				a.MarkAsRead(a.ctx, id)
				_ = link // navigation is the dispatcher's concern
			},
		})
	}
	if !visible && prefs.Native && a.deps.Sinks.Native != nil {
		a.deps.Sinks.Native.Show(NativeNotification{
			Title: rec.Title,
			Body:  rec.Content,
			URL:   rec.Link,
			Tag:   fmt.Sprintf("%s:%s", a.cfg.Channel, rec.ID),
		})
	}
}

func (a *Aggregator) handleUpdate(ev remote.ChangeEvent) {
	rec := recordFromRow(ev.New)
	if rec.ID == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	existing, existed := a.findLocked(rec.ID)
	prevRead := rec.Read // unknown transitions are treated as no-ops
	if existed {
		prevRead = existing.Read
	} else if ev.Old != nil {
		prevRead = ev.Old.Bool("is_read")
	}

	if existed {
		a.replaceLocked(rec)
		a.unread = countUnread(a.list)
	}

	roomID := rec.RoomID
	if roomID == "" && ev.Old != nil {
		roomID = recordFromRow(ev.Old).RoomID
	}

	// Only the read-flag transition drives the room counts; repeated
	// updates with an unchanged flag must not double-count.
	if a.cfg.RoomScoped && roomID != "" {
		switch {
		case !prevRead && rec.Read:
			a.adjustRoomLocked(roomID, -1)
		case prevRead && !rec.Read:
			a.adjustRoomLocked(roomID, +1)
		}
	}
}

func (a *Aggregator) handleDelete(ev remote.ChangeEvent) {
	id := ev.Old.String("id")
	if id == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	existing, existed := a.findLocked(id)
	wasUnread := false
	roomID := ""
	if existed {
		wasUnread = !existing.Read
		roomID = existing.RoomID
		a.removeLocked(id)
	} else {
		old := recordFromRow(ev.Old)
		wasUnread = !old.Read
		roomID = old.RoomID
	}

	if existed {
		a.unread = countUnread(a.list)
	}
	if wasUnread && a.cfg.RoomScoped && roomID != "" {
		a.adjustRoomLocked(roomID, -1)
	}
}

// MarkAsRead optimistically flips the record's read flag and decrements
// the counters, then issues the remote write. Idempotent: a record
// already read locally issues no write at all.
func (a *Aggregator) MarkAsRead(ctx context.Context, id string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	existing, existed := a.findLocked(id)
	if existed && existing.Read {
		a.mu.Unlock()
		return
	}
	if existed {
		existing.Read = true
		a.replaceLocked(existing)
		a.unread = countUnread(a.list)
		if a.cfg.RoomScoped && existing.RoomID != "" {
			a.adjustRoomLocked(existing.RoomID, -1)
		}
	}
	if a.cfg.ReadAck == ReadAckRetry {
		a.outbox[id] = true
	}
	a.mu.Unlock()

	a.ackRead(ctx, id)
}

// MarkAllAsRead clears every unread flag locally and issues one bulk
// remote write for all of the user's unread records.
func (a *Aggregator) MarkAllAsRead(ctx context.Context) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	for i := range a.list {
		a.list[i].Read = true
	}
	a.unread = 0
	a.rooms = make(map[string]int)
	a.outbox = make(map[string]bool)
	a.mu.Unlock()

	err := a.deps.Client.Update(ctx, a.cfg.Collection,
		remote.Filter{"user_id": a.cfg.UserID, "is_read": false},
		remote.Row{"is_read": true})
	if err != nil {
		a.log.Debug("mark all read failed", "collection", a.cfg.Collection, "error", err)
	}
}

// MarkRoomAsRead zeroes a room's unread entry locally and issues one
// bulk remote write scoped to the room.
func (a *Aggregator) MarkRoomAsRead(ctx context.Context, roomID string) {
	if roomID == "" {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	delete(a.rooms, roomID)
	for i := range a.list {
		if a.list[i].RoomID == roomID {
			a.list[i].Read = true
		}
	}
	a.unread = countUnread(a.list)
	a.mu.Unlock()

	err := a.deps.Client.Update(ctx, a.cfg.Collection,
		remote.Filter{"user_id": a.cfg.UserID, "room_id": roomID, "is_read": false},
		remote.Row{"is_read": true})
	if err != nil {
		a.log.Debug("mark room read failed", "room_id", roomID, "error", err)
	}
}

// ackRead writes the read flag remotely according to the read-ack
// policy.
func (a *Aggregator) ackRead(ctx context.Context, id string) {
	err := a.deps.Client.Update(ctx, a.cfg.Collection,
		remote.Filter{"id": id, "user_id": a.cfg.UserID},
		remote.Row{"is_read": true})
	if err == nil {
		a.mu.Lock()
		delete(a.outbox, id)
		a.mu.Unlock()
		return
	}
	if a.cfg.ReadAck == ReadAckBestEffort {
		a.log.Debug("mark read failed", "id", id, "error", err)
	}
}

// flushOutbox retries unacknowledged mark-read writes.
func (a *Aggregator) flushOutbox(ctx context.Context) {
	a.mu.Lock()
	pending := make([]string, 0, len(a.outbox))
	for id := range a.outbox {
		pending = append(pending, id)
	}
	a.mu.Unlock()

	for _, id := range pending {
		a.ackRead(ctx, id)
	}
}

// findLocked returns a copy of the record with the given id.
func (a *Aggregator) findLocked(id string) (Record, bool) {
	for _, rec := range a.list {
		if rec.ID == id {
			return rec, true
		}
	}
	return Record{}, false
}

// upsertLocked removes any record with the same id, prepends rec, and
// re-caps the list.
func (a *Aggregator) upsertLocked(rec Record) {
	a.removeLocked(rec.ID)
	a.list = append([]Record{rec}, a.list...)
	if a.cfg.ListCap > 0 && len(a.list) > a.cfg.ListCap {
		a.list = a.list[:a.cfg.ListCap]
	}
}

// replaceLocked swaps the record with the same id in place, keeping
// list order.
func (a *Aggregator) replaceLocked(rec Record) {
	for i := range a.list {
		if a.list[i].ID == rec.ID {
			a.list[i] = rec
			return
		}
	}
}

func (a *Aggregator) removeLocked(id string) {
	for i := range a.list {
		if a.list[i].ID == id {
			a.list = append(a.list[:i], a.list[i+1:]...)
			return
		}
	}
}

// adjustRoomLocked moves a room's unread count by delta, clamping at
// zero; a zero entry is removed rather than stored.
func (a *Aggregator) adjustRoomLocked(roomID string, delta int) {
	next := a.rooms[roomID] + delta
	if next <= 0 {
		delete(a.rooms, roomID)
		return
	}
	a.rooms[roomID] = next
}
