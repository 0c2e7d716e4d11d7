package memory

import (
	"context"
	"sort"

	"github.com/systemflow/pulse/internal/remote"
)

type presenceChannel struct {
	name     string
	members  map[string]remote.PresenceState
	joined   map[int]*presenceMember
	handlers []memberHandler
}

type presenceMember struct {
	backend *Backend
	channel *presenceChannel
	id      int
	userID  string
	left    bool
}

// JoinPresence implements remote.Client. The joining member receives a
// sync event with the current channel state; peers receive a join event
// once the member first tracks its state.
func (b *Backend) JoinPresence(ctx context.Context, channel, userID string, onEvent remote.PresenceHandler, onStatus remote.StatusHandler) (remote.PresenceChannel, error) {
	b.mu.Lock()
	ch, ok := b.channels[channel]
	if !ok {
		ch = &presenceChannel{
			name:    channel,
			members: make(map[string]remote.PresenceState),
			joined:  make(map[int]*presenceMember),
		}
		b.channels[channel] = ch
	}
	b.nextSubID++
	m := &presenceMember{backend: b, channel: ch, id: b.nextSubID, userID: userID}
	ch.joined[m.id] = m
	ch.handlers = append(ch.handlers, memberHandler{id: m.id, onEvent: onEvent})
	peers := ch.peersLocked()
	ack := b.autoAck
	b.mu.Unlock()

	if ack && onStatus != nil {
		onStatus(remote.StatusSubscribed)
	}
	if onEvent != nil {
		onEvent(remote.PresenceEvent{Kind: remote.PresenceSync, Peers: peers})
	}
	return m, nil
}

type memberHandler struct {
	id      int
	onEvent remote.PresenceHandler
}

// Track publishes the member's state and fans a join event (with full
// channel state) out to every member, the tracker included. Mirrors the
// shared-channel semantics of the hosted service: join and sync both
// deliver the complete peer set.
func (m *presenceMember) Track(ctx context.Context, state remote.PresenceState) error {
	b := m.backend
	b.mu.Lock()
	if m.left {
		b.mu.Unlock()
		return &remote.ServiceError{Code: remote.CodeUnavailable, Message: "presence channel left"}
	}
	state.UserID = m.userID
	m.channel.members[m.userID] = state
	deliveries := m.channel.fanoutLocked(remote.PresenceEvent{Kind: remote.PresenceJoin, Peers: m.channel.peersLocked()})
	b.mu.Unlock()

	for _, d := range deliveries {
		d()
	}
	return nil
}

// Unsubscribe leaves the channel and fans a leave event (carrying the
// departed entry) out to the remaining members.
func (m *presenceMember) Unsubscribe() {
	b := m.backend
	b.mu.Lock()
	if m.left {
		b.mu.Unlock()
		return
	}
	m.left = true
	delete(m.channel.joined, m.id)
	for i, h := range m.channel.handlers {
		if h.id == m.id {
			m.channel.handlers = append(m.channel.handlers[:i], m.channel.handlers[i+1:]...)
			break
		}
	}

	var deliveries []func()
	// The user's state leaves the channel only when no other member
	// (another tab, another device) still carries it.
	stillPresent := false
	for _, other := range m.channel.joined {
		if other.userID == m.userID {
			stillPresent = true
			break
		}
	}
	if !stillPresent {
		departed, had := m.channel.members[m.userID]
		delete(m.channel.members, m.userID)
		if had {
			deliveries = m.channel.fanoutLocked(remote.PresenceEvent{
				Kind:  remote.PresenceLeave,
				Peers: []remote.PresenceState{departed},
			})
		}
	}
	b.mu.Unlock()

	for _, d := range deliveries {
		d()
	}
}

func (ch *presenceChannel) peersLocked() []remote.PresenceState {
	peers := make([]remote.PresenceState, 0, len(ch.members))
	for _, s := range ch.members {
		peers = append(peers, s)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].UserID < peers[j].UserID })
	return peers
}

func (ch *presenceChannel) fanoutLocked(ev remote.PresenceEvent) []func() {
	out := make([]func(), 0, len(ch.handlers))
	for _, h := range ch.handlers {
		if h.onEvent == nil {
			continue
		}
		handler := h.onEvent
		out = append(out, func() { handler(ev) })
	}
	return out
}
