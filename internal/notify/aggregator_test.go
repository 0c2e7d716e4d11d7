package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemflow/pulse/internal/clock"
	"github.com/systemflow/pulse/internal/remote"
	"github.com/systemflow/pulse/internal/remote/memory"
	"github.com/systemflow/pulse/internal/transport"
)

var testStart = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type recordingToaster struct {
	toasts []Toast
}

func (r *recordingToaster) Push(t Toast) { r.toasts = append(r.toasts, t) }

type recordingNotifier struct {
	shown []NativeNotification
}

func (r *recordingNotifier) Show(n NativeNotification) { r.shown = append(r.shown, n) }

type countingSounder struct {
	plays int
}

func (s *countingSounder) Play() { s.plays++ }

// countingClient counts Query calls; everything else passes through.
type countingClient struct {
	remote.Client
	mu      sync.Mutex
	queries int
}

func (c *countingClient) Query(ctx context.Context, collection string, opts remote.QueryOptions) ([]remote.Row, error) {
	c.mu.Lock()
	c.queries++
	c.mu.Unlock()
	return c.Client.Query(ctx, collection, opts)
}

func (c *countingClient) Queries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries
}

// gatedClient blocks the first Query until released.
type gatedClient struct {
	remote.Client
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedClient) Query(ctx context.Context, collection string, opts remote.QueryOptions) ([]remote.Row, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Client.Query(ctx, collection, opts)
}

type aggFixture struct {
	backend *memory.Backend
	clock   *clock.Fake
	manager *transport.Manager
	toasts  *recordingToaster
	native  *recordingNotifier
	sounds  *countingSounder
}

func newAggFixture(t *testing.T, opts ...memory.Option) *aggFixture {
	t.Helper()
	b := memory.New(opts...)
	b.Provision(SystemCollection, ChatCollection)
	clk := clock.NewFake(testStart)
	f := &aggFixture{
		backend: b,
		clock:   clk,
		manager: transport.New(b, clk, nil),
		toasts:  &recordingToaster{},
		native:  &recordingNotifier{},
		sounds:  &countingSounder{},
	}
	t.Cleanup(f.manager.Close)
	return f
}

func (f *aggFixture) deps() Deps {
	return Deps{
		Client:    f.backend,
		Transport: f.manager,
		Clock:     f.clock,
		Sinks:     Sinks{Toasts: f.toasts, Native: f.native, Sound: f.sounds},
	}
}

func (f *aggFixture) start(t *testing.T, cfg Config, deps Deps) *Aggregator {
	t.Helper()
	agg := New(cfg, deps)
	require.NoError(t, agg.Start(context.Background()))
	t.Cleanup(agg.Close)
	return agg
}

func (f *aggFixture) insert(t *testing.T, collection, id, roomID string, read bool, createdAt string) {
	t.Helper()
	row := remote.Row{
		"id":         id,
		"user_id":    "alice",
		"title":      "title " + id,
		"content":    "content " + id,
		"is_read":    read,
		"created_at": createdAt,
	}
	if roomID != "" {
		row["room_id"] = roomID
	}
	_, err := f.backend.Insert(context.Background(), collection, row)
	require.NoError(t, err)
}

func (f *aggFixture) remoteRead(t *testing.T, collection, id string) bool {
	t.Helper()
	rows, err := f.backend.Query(context.Background(), collection, remote.QueryOptions{
		Filter: remote.Filter{"id": id},
	})
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	return rows[0].Bool("is_read")
}

func TestAggregator_DuplicateInsertMergedOnce(t *testing.T) {
	f := newAggFixture(t)
	agg := f.start(t, SystemConfig("alice"), f.deps())

	// The same insert delivered twice must land once.
	f.insert(t, SystemCollection, "n1", "", false, "2025-06-01T09:00:01Z")
	f.insert(t, SystemCollection, "n1", "", false, "2025-06-01T09:00:01Z")

	assert.Len(t, agg.Notifications(), 1)
	assert.Equal(t, 1, agg.UnreadCount())
	assert.Equal(t, 1, f.sounds.plays, "duplicate delivery must not re-alert")
	assert.Len(t, f.toasts.toasts, 1)
}

func TestAggregator_CountersClampAtZero(t *testing.T) {
	f := newAggFixture(t)
	agg := f.start(t, ChatConfig("alice"), f.deps())

	// Duplicate storage of the same id means the delete below emits two
	// delete events for one logical record.
	f.insert(t, ChatCollection, "m1", "room-a", false, "2025-06-01T09:00:01Z")
	f.insert(t, ChatCollection, "m1", "room-a", false, "2025-06-01T09:00:01Z")
	require.Equal(t, map[string]int{"room-a": 1}, agg.UnreadByRoom())

	f.backend.Delete(ChatCollection, remote.Filter{"id": "m1"})

	assert.Equal(t, 0, agg.UnreadCount())
	assert.Empty(t, agg.UnreadByRoom())
	assert.Equal(t, 0, agg.TotalUnread())
}

func TestAggregator_ReadFlagConvergesOnce(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	agg := f.start(t, SystemConfig("alice"), f.deps())

	f.insert(t, SystemCollection, "n1", "", false, "2025-06-01T09:00:01Z")
	require.Equal(t, 1, agg.UnreadCount())

	require.NoError(t, f.backend.Update(ctx, SystemCollection,
		remote.Filter{"id": "n1"}, remote.Row{"is_read": true}))
	assert.Equal(t, 0, agg.UnreadCount())
	assert.True(t, agg.Notifications()[0].Read)

	// A second read update is a non-transition and must not double-count.
	require.NoError(t, f.backend.Update(ctx, SystemCollection,
		remote.Filter{"id": "n1"}, remote.Row{"is_read": true}))
	assert.Equal(t, 0, agg.UnreadCount())
}

func TestAggregator_ActiveRoomSuppressesInsert(t *testing.T) {
	f := newAggFixture(t)
	agg := f.start(t, ChatConfig("alice"), f.deps())

	agg.SetActiveRoom("room-a")
	f.insert(t, ChatCollection, "m1", "room-a", false, "2025-06-01T09:00:01Z")

	assert.Empty(t, agg.UnreadByRoom(), "active room accrues no unread")
	require.Len(t, agg.Notifications(), 1)
	assert.True(t, agg.Notifications()[0].Read)
	assert.True(t, f.remoteRead(t, ChatCollection, "m1"), "read acked remotely")
	assert.Zero(t, f.sounds.plays)
	assert.Empty(t, f.toasts.toasts)

	// Inserts for other rooms still count and alert.
	f.insert(t, ChatCollection, "m2", "room-b", false, "2025-06-01T09:00:02Z")
	assert.Equal(t, map[string]int{"room-b": 1}, agg.UnreadByRoom())
	assert.Equal(t, 1, f.sounds.plays)
}

func TestAggregator_ToastClickMarksRead(t *testing.T) {
	f := newAggFixture(t)
	agg := f.start(t, SystemConfig("alice"), f.deps())

	f.insert(t, SystemCollection, "n1", "", false, "2025-06-01T09:00:01Z")
	require.Len(t, f.toasts.toasts, 1)
	require.Equal(t, 1, agg.UnreadCount())

	f.toasts.toasts[0].OnClick()

	assert.Equal(t, 0, agg.UnreadCount())
	assert.True(t, f.remoteRead(t, SystemCollection, "n1"))
	assert.Empty(t, f.native.shown, "visible page never shows native notifications")
}

func TestAggregator_HiddenPageShowsNative(t *testing.T) {
	f := newAggFixture(t)
	agg := f.start(t, SystemConfig("alice"), f.deps())
	f.manager.SetVisible(false)

	f.insert(t, SystemCollection, "n1", "", false, "2025-06-01T09:00:01Z")

	assert.Equal(t, 1, agg.UnreadCount())
	assert.Empty(t, f.toasts.toasts, "no toast while hidden")
	require.Len(t, f.native.shown, 1)
	assert.Equal(t, "title n1", f.native.shown[0].Title)
}

func TestAggregator_SoundThrottled(t *testing.T) {
	f := newAggFixture(t)
	f.start(t, SystemConfig("alice"), f.deps())

	f.insert(t, SystemCollection, "n1", "", false, "2025-06-01T09:00:01Z")
	f.insert(t, SystemCollection, "n2", "", false, "2025-06-01T09:00:01Z")
	assert.Equal(t, 1, f.sounds.plays, "burst plays once")

	f.clock.Advance(time.Second)
	f.insert(t, SystemCollection, "n3", "", false, "2025-06-01T09:00:02Z")
	assert.Equal(t, 2, f.sounds.plays)
}

func TestAggregator_PreferencesGateSinks(t *testing.T) {
	f := newAggFixture(t)
	deps := f.deps()
	prefs := Preferences{System: ChannelPreferences{InApp: false, Sound: false, Native: false}}
	deps.Preferences = func() Preferences { return prefs }
	agg := f.start(t, SystemConfig("alice"), deps)

	f.insert(t, SystemCollection, "n1", "", false, "2025-06-01T09:00:01Z")

	assert.Equal(t, 1, agg.UnreadCount(), "counters are not preference-gated")
	assert.Empty(t, f.toasts.toasts)
	assert.Zero(t, f.sounds.plays)
	assert.Empty(t, f.native.shown)
}

func TestAggregator_DegradedPollOnlyWhileVisible(t *testing.T) {
	f := newAggFixture(t, memory.WithoutAutoAck())
	counting := &countingClient{Client: f.backend}
	deps := f.deps()
	deps.Client = counting
	f.start(t, SystemConfig("alice"), deps)

	base := counting.Queries()

	f.clock.Advance(SystemPollInterval)
	assert.Equal(t, base+1, counting.Queries(), "untrusted and visible: poll refreshes")

	f.manager.SetVisible(false)
	f.clock.Advance(SystemPollInterval)
	assert.Equal(t, base+1, counting.Queries(), "hidden: poll skipped")

	// Regaining visibility pokes an immediate refresh rather than
	// waiting out the interval.
	f.manager.SetVisible(true)
	assert.Equal(t, base+2, counting.Queries())
}

func TestAggregator_TrustedChannelSkipsPoll(t *testing.T) {
	f := newAggFixture(t)
	counting := &countingClient{Client: f.backend}
	deps := f.deps()
	deps.Client = counting
	f.start(t, SystemConfig("alice"), deps)

	base := counting.Queries()
	f.clock.Advance(3 * SystemPollInterval)
	assert.Equal(t, base, counting.Queries(), "trusted channel needs no polling")
}

func TestAggregator_CloseDiscardsInFlightRefresh(t *testing.T) {
	f := newAggFixture(t)
	f.insert(t, SystemCollection, "n1", "", false, "2025-06-01T09:00:01Z")

	gated := &gatedClient{
		Client:  f.backend,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	deps := f.deps()
	deps.Client = gated
	agg := New(SystemConfig("alice"), deps)

	done := make(chan struct{})
	go func() {
		agg.Refresh(context.Background())
		close(done)
	}()

	<-gated.entered
	agg.Close()
	close(gated.release)
	<-done

	assert.Empty(t, agg.Notifications(), "late refresh must not resurrect state")
	assert.Equal(t, 0, agg.UnreadCount())
}

func TestAggregator_RoomLifecycle(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	agg := f.start(t, ChatConfig("alice"), f.deps())

	f.insert(t, ChatCollection, "m1", "room-a", false, "2025-06-01T09:00:01Z")
	f.insert(t, ChatCollection, "m2", "room-a", false, "2025-06-01T09:00:02Z")
	f.insert(t, ChatCollection, "m3", "room-b", false, "2025-06-01T09:00:03Z")
	require.Equal(t, map[string]int{"room-a": 2, "room-b": 1}, agg.UnreadByRoom())
	require.Equal(t, 3, agg.TotalUnread())
	assert.True(t, agg.HasAnyUnread())

	agg.MarkRoomAsRead(ctx, "room-a")
	assert.Equal(t, map[string]int{"room-b": 1}, agg.UnreadByRoom())
	assert.True(t, f.remoteRead(t, ChatCollection, "m1"))
	assert.True(t, f.remoteRead(t, ChatCollection, "m2"))
	assert.False(t, f.remoteRead(t, ChatCollection, "m3"))

	f.backend.Delete(ChatCollection, remote.Filter{"id": "m3"})
	assert.Empty(t, agg.UnreadByRoom())
	assert.False(t, agg.HasAnyUnread())
}

func TestAggregator_ListCappedNewestKept(t *testing.T) {
	f := newAggFixture(t)
	agg := f.start(t, SystemConfig("alice"), f.deps())

	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("n%02d", i)
		f.insert(t, SystemCollection, id, "", false, fmt.Sprintf("2025-06-01T09:00:%02dZ", i))
	}

	list := agg.Notifications()
	require.Len(t, list, SystemListCap)
	assert.Equal(t, "n24", list[0].ID, "newest first")
	assert.Equal(t, SystemListCap, agg.UnreadCount(), "counter derived from the capped list")

	// A refresh converges on the same capped view.
	agg.Refresh(context.Background())
	list = agg.Notifications()
	require.Len(t, list, SystemListCap)
	assert.Equal(t, "n24", list[0].ID)
	assert.Equal(t, "n05", list[SystemListCap-1].ID)
	assert.Equal(t, SystemListCap, agg.UnreadCount())
}

func TestAggregator_RoomScanPagesBeyondListCap(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()

	// Seed before any subscriber exists; only the refresh scan can see
	// these rows.
	for i := 0; i < 25; i++ {
		room := "room-a"
		if i%5 == 0 {
			room = "room-b"
		}
		_, err := f.backend.Insert(ctx, ChatCollection, remote.Row{
			"id":         fmt.Sprintf("m%02d", i),
			"user_id":    "alice",
			"room_id":    room,
			"is_read":    false,
			"created_at": fmt.Sprintf("2025-06-01T09:00:%02dZ", i),
		})
		require.NoError(t, err)
	}

	cfg := ChatConfig("alice")
	cfg.PageSize = 10
	agg := f.start(t, cfg, f.deps())

	assert.Equal(t, map[string]int{"room-a": 20, "room-b": 5}, agg.UnreadByRoom())
}

func TestAggregator_SchemaAbsentIsEmptyThenRecovers(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()

	cfg := Config{
		Collection:   "later_notifications",
		UserID:       "alice",
		Channel:      ChannelSystem,
		ListCap:      SystemListCap,
		PollInterval: SystemPollInterval,
	}
	agg := f.start(t, cfg, f.deps())
	assert.Empty(t, agg.Notifications())
	assert.Equal(t, 0, agg.UnreadCount())

	// Provisioning later lets the subscribe retry bind and refresh.
	f.backend.Provision("later_notifications")
	_, err := f.backend.Insert(ctx, "later_notifications", remote.Row{
		"id": "n1", "user_id": "alice", "is_read": false, "created_at": "2025-06-01T09:00:01Z",
	})
	require.NoError(t, err)

	f.clock.Advance(1600 * time.Millisecond)
	require.Len(t, agg.Notifications(), 1)
	assert.Equal(t, 1, agg.UnreadCount())
}

func TestAggregator_MarkAllAsRead(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	agg := f.start(t, SystemConfig("alice"), f.deps())

	for i := 0; i < 3; i++ {
		f.insert(t, SystemCollection, fmt.Sprintf("n%d", i), "", false, fmt.Sprintf("2025-06-01T09:00:%02dZ", i))
	}
	require.Equal(t, 3, agg.UnreadCount())

	agg.MarkAllAsRead(ctx)

	assert.Equal(t, 0, agg.UnreadCount())
	for _, rec := range agg.Notifications() {
		assert.True(t, rec.Read)
	}
	for i := 0; i < 3; i++ {
		assert.True(t, f.remoteRead(t, SystemCollection, fmt.Sprintf("n%d", i)))
	}
}

func TestAggregator_MarkAsReadIdempotentLocally(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	agg := f.start(t, SystemConfig("alice"), f.deps())

	f.insert(t, SystemCollection, "n1", "", false, "2025-06-01T09:00:01Z")
	agg.MarkAsRead(ctx, "n1")
	require.Equal(t, 0, agg.UnreadCount())

	// Already read: no second remote write. A planted failure stays
	// armed because MarkAsRead never reaches the backend.
	planted := &remote.ServiceError{Code: remote.CodeUnavailable, Message: "planted"}
	f.backend.FailNext(planted)
	agg.MarkAsRead(ctx, "n1")
	assert.Equal(t, 0, agg.UnreadCount())

	_, err := f.backend.Query(ctx, SystemCollection, remote.QueryOptions{})
	assert.Equal(t, planted, err, "failure still armed, so no write was issued")
}

func TestAggregator_ReadAckRetriedOnPoll(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	cfg := SystemConfig("alice")
	cfg.ReadAck = ReadAckRetry
	agg := f.start(t, cfg, f.deps())

	f.insert(t, SystemCollection, "n1", "", false, "2025-06-01T09:00:01Z")

	f.backend.FailNext(&remote.ServiceError{Code: remote.CodeUnavailable, Message: "write failed"})
	agg.MarkAsRead(ctx, "n1")
	assert.Equal(t, 0, agg.UnreadCount(), "optimistic flip survives the failed ack")
	assert.False(t, f.remoteRead(t, SystemCollection, "n1"))

	f.clock.Advance(SystemPollInterval)
	assert.True(t, f.remoteRead(t, SystemCollection, "n1"), "outbox retried on poll")
}
