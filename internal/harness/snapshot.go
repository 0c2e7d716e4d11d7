package harness

import (
	"bytes"
	"fmt"
	"sort"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/systemflow/pulse/internal/notify"
	"github.com/systemflow/pulse/internal/session"
)

// Snapshot is the observable end state of a scenario run. Rendering is
// canonical: same state, same bytes.
type Snapshot struct {
	Scenario   string          `json:"scenario"`
	Status     string          `json:"status"`
	StatusText string          `json:"status_text,omitempty"`
	Peers      []PeerSnapshot  `json:"peers"`
	System     FeedSnapshot    `json:"system"`
	Chat       ChatSnapshot    `json:"chat"`
	Toasts     []ToastSnapshot `json:"toasts"`
	Channels   []ChannelState  `json:"channels"`
}

type PeerSnapshot struct {
	User       string `json:"user"`
	Status     string `json:"status"`
	StatusText string `json:"status_text,omitempty"`
}

type FeedSnapshot struct {
	Unread  int              `json:"unread"`
	Records []RecordSnapshot `json:"records"`
}

type ChatSnapshot struct {
	Total      int              `json:"total"`
	ActiveRoom string           `json:"active_room,omitempty"`
	Rooms      []RoomCount      `json:"rooms"`
	Records    []RecordSnapshot `json:"records"`
}

type RoomCount struct {
	Room   string `json:"room"`
	Unread int    `json:"unread"`
}

type RecordSnapshot struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Room  string `json:"room,omitempty"`
	Read  bool   `json:"read"`
}

type ToastSnapshot struct {
	Kind  string `json:"kind"`
	Title string `json:"title"`
}

type ChannelState struct {
	Name    string `json:"name"`
	Trusted bool   `json:"trusted"`
}

// Take snapshots a live session.
func Take(name string, sess *session.Session) *Snapshot {
	snap := &Snapshot{
		Scenario:   name,
		Status:     string(sess.Presence().MyStatus()),
		StatusText: sess.Presence().MyStatusText(),
	}

	for user, p := range sess.Presence().Snapshot() {
		snap.Peers = append(snap.Peers, PeerSnapshot{
			User:       user,
			Status:     string(p.Status),
			StatusText: p.StatusText,
		})
	}
	sort.Slice(snap.Peers, func(i, j int) bool { return snap.Peers[i].User < snap.Peers[j].User })

	snap.System = FeedSnapshot{
		Unread:  sess.System().UnreadCount(),
		Records: recordSnapshots(sess.System().Notifications()),
	}

	snap.Chat = ChatSnapshot{
		Total:      sess.Chat().TotalUnread(),
		ActiveRoom: sess.Chat().ActiveRoom(),
		Records:    recordSnapshots(sess.Chat().Notifications()),
	}
	for room, n := range sess.Chat().UnreadByRoom() {
		snap.Chat.Rooms = append(snap.Chat.Rooms, RoomCount{Room: room, Unread: n})
	}
	sort.Slice(snap.Chat.Rooms, func(i, j int) bool { return snap.Chat.Rooms[i].Room < snap.Chat.Rooms[j].Room })

	for _, item := range sess.Toasts().Items() {
		snap.Toasts = append(snap.Toasts, ToastSnapshot{Kind: string(item.Kind), Title: item.Title})
	}

	for _, channel := range []string{notify.ChatCollection, notify.SystemCollection} {
		snap.Channels = append(snap.Channels, ChannelState{
			Name:    channel,
			Trusted: sess.Transport().Channel(channel).Trusted(),
		})
	}
	return snap
}

func recordSnapshots(records []notify.Record) []RecordSnapshot {
	out := make([]RecordSnapshot, 0, len(records))
	for _, rec := range records {
		out = append(out, RecordSnapshot{
			ID:    rec.ID,
			Title: rec.Title,
			Room:  rec.RoomID,
			Read:  rec.Read,
		})
	}
	return out
}

// Render serializes the snapshot into its canonical text form.
func (s *Snapshot) Render() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "scenario: %s\n", s.Scenario)
	fmt.Fprintf(&b, "status: %s\n", s.Status)
	if s.StatusText != "" {
		fmt.Fprintf(&b, "status_text: %q\n", s.StatusText)
	}

	if len(s.Peers) == 0 {
		b.WriteString("peers: {}\n")
	} else {
		b.WriteString("peers:\n")
		for _, p := range s.Peers {
			if p.StatusText != "" {
				fmt.Fprintf(&b, "  %s: %s %q\n", p.User, p.Status, p.StatusText)
			} else {
				fmt.Fprintf(&b, "  %s: %s\n", p.User, p.Status)
			}
		}
	}

	b.WriteString("system:\n")
	fmt.Fprintf(&b, "  unread: %d\n", s.System.Unread)
	renderRecords(&b, s.System.Records)

	b.WriteString("chat:\n")
	fmt.Fprintf(&b, "  total: %d\n", s.Chat.Total)
	if s.Chat.ActiveRoom != "" {
		fmt.Fprintf(&b, "  active_room: %s\n", s.Chat.ActiveRoom)
	}
	if len(s.Chat.Rooms) == 0 {
		b.WriteString("  rooms: {}\n")
	} else {
		b.WriteString("  rooms:\n")
		for _, rc := range s.Chat.Rooms {
			fmt.Fprintf(&b, "    %s: %d\n", rc.Room, rc.Unread)
		}
	}
	renderRecords(&b, s.Chat.Records)

	if len(s.Toasts) == 0 {
		b.WriteString("toasts: []\n")
	} else {
		b.WriteString("toasts:\n")
		for _, toast := range s.Toasts {
			fmt.Fprintf(&b, "  - %s %q\n", toast.Kind, toast.Title)
		}
	}

	b.WriteString("channels:\n")
	for _, ch := range s.Channels {
		fmt.Fprintf(&b, "  %s: %s\n", ch.Name, trustWord(ch.Trusted))
	}
	return b.Bytes()
}

func renderRecords(b *bytes.Buffer, records []RecordSnapshot) {
	if len(records) == 0 {
		b.WriteString("  records: []\n")
		return
	}
	b.WriteString("  records:\n")
	for _, rec := range records {
		state := "unread"
		if rec.Read {
			state = "read"
		}
		if rec.Room != "" {
			fmt.Fprintf(b, "    - %s %s room=%s %q\n", rec.ID, state, rec.Room, rec.Title)
		} else {
			fmt.Fprintf(b, "    - %s %s %q\n", rec.ID, state, rec.Title)
		}
	}
}

func trustWord(trusted bool) string {
	if trusted {
		return "trusted"
	}
	return "untrusted"
}

// RunWithGolden executes a scenario and compares the rendered snapshot
// with testdata/golden/<name>.golden. Regenerate with go test -update.
func RunWithGolden(t *testing.T, scenario *Scenario) {
	t.Helper()

	snap, err := Run(scenario)
	if err != nil {
		t.Fatalf("running scenario %s: %v", scenario.Name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, snap.Render())
}
