package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemflow/pulse/internal/clock"
	"github.com/systemflow/pulse/internal/localstore"
	"github.com/systemflow/pulse/internal/notify"
	"github.com/systemflow/pulse/internal/presence"
	"github.com/systemflow/pulse/internal/remote"
	"github.com/systemflow/pulse/internal/remote/memory"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	backend *memory.Backend
	clock   *clock.Fake
	store   *localstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := localstore.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := memory.New()
	b.Provision(
		notify.SystemCollection,
		notify.ChatCollection,
		notify.PreferencesCollection,
		DeliveriesCollection,
	)
	return &fixture{backend: b, clock: clock.NewFake(t0), store: store}
}

func (f *fixture) newSession(t *testing.T, userID string) *Session {
	t.Helper()
	s, err := New(Options{
		UserID:    userID,
		AuthToken: "token-" + userID,
		Client:    f.backend,
		Clock:     f.clock,
		Store:     f.store,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestNew_RequiresUserAndClient(t *testing.T) {
	_, err := New(Options{Client: memory.New()})
	require.Error(t, err)

	_, err = New(Options{UserID: "alice"})
	require.Error(t, err)
}

func TestSession_StartWiresEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.newSession(t, "alice")
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, "token-alice", f.backend.AuthToken(), "auth token installed via transport")

	// System insert reaches the aggregator and the toast dispatcher.
	_, err := f.backend.Insert(ctx, notify.SystemCollection, remote.Row{
		"id": "n1", "user_id": "alice", "title": "release",
		"is_read": false, "created_at": "2025-06-01T09:00:01Z",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.System().UnreadCount())
	require.Len(t, s.Toasts().Items(), 1)
	assert.Equal(t, "release", s.Toasts().Items()[0].Title)

	// Chat insert lands in the room map.
	_, err = f.backend.Insert(ctx, notify.ChatCollection, remote.Row{
		"id": "m1", "user_id": "alice", "room_id": "room-a",
		"is_read": false, "created_at": "2025-06-01T09:00:02Z",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"room-a": 1}, s.Chat().UnreadByRoom())
}

func TestSession_PresenceVisibleAcrossSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.newSession(t, "alice")
	require.NoError(t, alice.Start(ctx))
	bob := f.newSession(t, "bob")
	require.NoError(t, bob.Start(ctx))

	require.NoError(t, alice.Presence().SetStatus(ctx, presence.StatusBusy))
	assert.Equal(t, presence.StatusBusy, bob.Presence().Snapshot()["alice"].Status)
}

func TestSession_StartAcksPendingDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.backend.Insert(ctx, DeliveriesCollection, remote.Row{
		"user_id": "alice", "message_id": "m1", "status": "sent",
	})
	require.NoError(t, err)

	s := f.newSession(t, "alice")
	require.NoError(t, s.Start(ctx))

	rows, err := f.backend.Query(ctx, DeliveriesCollection, remote.QueryOptions{
		Filter: remote.Filter{"user_id": "alice"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "delivered", rows[0].String("status"))
	assert.NotEmpty(t, rows[0].String("delivered_at"))
}

func TestSession_ChatInsertAcksMessageDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.newSession(t, "alice")
	require.NoError(t, s.Start(ctx))

	_, err := f.backend.Insert(ctx, DeliveriesCollection, remote.Row{
		"user_id": "alice", "message_id": "m2", "status": "sent",
	})
	require.NoError(t, err)
	_, err = f.backend.Insert(ctx, notify.ChatCollection, remote.Row{
		"id": "c1", "user_id": "alice", "room_id": "room-a",
		"message_id": "m2", "is_read": false, "created_at": "2025-06-01T09:00:01Z",
	})
	require.NoError(t, err)

	rows, err := f.backend.Query(ctx, DeliveriesCollection, remote.QueryOptions{
		Filter: remote.Filter{"message_id": "m2"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "delivered", rows[0].String("status"))
}

func TestSession_LogoutWipesLocalCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.newSession(t, "alice")
	require.NoError(t, s.Start(ctx))
	s.Presence().SetStatusText(ctx, "in a meeting")

	require.NoError(t, s.Logout(ctx))

	// A fresh session no longer restores the cached status text.
	fresh := f.newSession(t, "alice")
	assert.Empty(t, fresh.Presence().MyStatusText())
}

func TestSession_CloseIdempotentAndStartOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.newSession(t, "alice")
	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx), "second start rejected")

	s.Close()
	s.Close()
	assert.Empty(t, s.Chat().UnreadByRoom())
}

func TestSession_VisibilityForwarded(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(t, "alice")
	require.NoError(t, s.Start(context.Background()))

	s.SetVisible(false)
	assert.False(t, s.Transport().Visible())
	s.SetVisible(true)
	assert.True(t, s.Transport().Visible())
}
