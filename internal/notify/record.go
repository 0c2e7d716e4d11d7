// Package notify keeps bounded, de-duplicated views of notification
// collections consistent with the remote source of truth under
// at-least-once, possibly reordered change delivery.
//
// One Aggregator type serves both concrete instances: the system feed
// (bounded list + unread counter) and the chat feed (per-room unread
// map with active-room suppression). Merges are idempotent and
// counters are clamped at zero, which is the defense against duplicate
// or reordered events; a full refresh always supersedes any stale
// partial merge via a generation guard.
package notify

import (
	"github.com/systemflow/pulse/internal/remote"
)

// Channel names the two notification feeds.
type Channel string

const (
	ChannelSystem Channel = "system"
	ChannelChat   Channel = "chat"
)

// Record is one notification as cached locally.
type Record struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Content   string
	Link      string
	Read      bool
	CreatedAt string
	// RoomID scopes chat notifications to their room. Taken from the
	// room_id column or, for the unified feed, metadata.room_id.
	RoomID string
	// MessageID links a chat notification to the message it announces.
	MessageID string
}

// recordFromRow maps a service row onto a Record. Unknown columns are
// ignored; room and message ids are accepted both as top-level columns
// and nested metadata keys.
func recordFromRow(row remote.Row) Record {
	rec := Record{
		ID:        row.String("id"),
		UserID:    row.String("user_id"),
		Type:      row.String("type"),
		Title:     row.String("title"),
		Content:   row.String("content"),
		Link:      row.String("link"),
		Read:      row.Bool("is_read"),
		CreatedAt: row.String("created_at"),
		RoomID:    row.String("room_id"),
		MessageID: row.String("message_id"),
	}
	if meta := row.Map("metadata"); meta != nil {
		if rec.RoomID == "" {
			if roomID, ok := meta["room_id"].(string); ok {
				rec.RoomID = roomID
			}
		}
		if rec.MessageID == "" {
			if messageID, ok := meta["message_id"].(string); ok {
				rec.MessageID = messageID
			}
		}
	}
	return rec
}

func countUnread(list []Record) int {
	n := 0
	for _, rec := range list {
		if !rec.Read {
			n++
		}
	}
	return n
}
