package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestScenarios_Golden(t *testing.T) {
	for _, name := range []string{"system-feed-burst", "chat-room-flow", "idle-away-recovery"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(filepath.Join("testdata", name+".yaml"))
			require.NoError(t, err)
			RunWithGolden(t, scenario)
		})
	}
}

func TestLoadScenario_RejectsUnknownFields(t *testing.T) {
	path := writeScenario(t, `
name: typo
user: alice
stepz:
  - advance: "1s"
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stepz")
}

func TestLoadScenario_RejectsMultipleDirectives(t *testing.T) {
	path := writeScenario(t, `
name: two-in-one
user: alice
steps:
  - advance: "1s"
    mark_room_read: room-a
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one")
}

func TestLoadScenario_RequiresUser(t *testing.T) {
	path := writeScenario(t, "name: anonymous\n")
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user is required")
}

func TestLoadScenario_RejectsBadDurationAndFeed(t *testing.T) {
	path := writeScenario(t, `
name: bad-advance
user: alice
steps:
  - advance: "soon"
`)
	_, err := LoadScenario(path)
	require.Error(t, err)

	path = writeScenario(t, `
name: bad-feed
user: alice
steps:
  - mark_all_read: everything
`)
	_, err = LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown feed")
}

func TestLoadScenario_RejectsBadChannelStatus(t *testing.T) {
	path := writeScenario(t, `
name: bad-status
user: alice
steps:
  - set_channel_status:
      channel: notifications
      status: flaky
`)
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown subscription status")
}

func TestRun_InlineScenario(t *testing.T) {
	snap, err := Run(&Scenario{
		Name: "inline",
		User: "alice",
		Seed: map[string][]map[string]any{
			"notifications": {
				{"id": "n1", "user_id": "alice", "title": "hello", "is_read": false, "created_at": "2025-06-01T08:00:00Z"},
				{"id": "n2", "user_id": "alice", "title": "again", "is_read": false, "created_at": "2025-06-01T08:00:01Z"},
			},
		},
		Steps: []Step{
			{MarkAllRead: "system"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, snap.System.Unread)
	require.Len(t, snap.System.Records, 2)
	for _, rec := range snap.System.Records {
		assert.True(t, rec.Read)
	}
	assert.Equal(t, "online", snap.Status)
}

func TestRun_SeedVisibleOnlyToRefresh(t *testing.T) {
	snap, err := Run(&Scenario{
		Name: "seeded-rooms",
		User: "alice",
		Seed: map[string][]map[string]any{
			"chat_notifications": {
				{"id": "m1", "user_id": "alice", "room_id": "room-a", "is_read": false, "created_at": "2025-06-01T08:00:00Z"},
				{"id": "m2", "user_id": "alice", "room_id": "room-a", "is_read": false, "created_at": "2025-06-01T08:00:01Z"},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Chat.Total)
	require.Len(t, snap.Chat.Rooms, 1)
	assert.Equal(t, RoomCount{Room: "room-a", Unread: 2}, snap.Chat.Rooms[0])
	assert.Empty(t, snap.Toasts, "seeded rows never alert")
}

func TestSnapshot_RenderDeterministic(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "chat-room-flow.yaml"))
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, string(first.Render()), string(second.Render()))
}
