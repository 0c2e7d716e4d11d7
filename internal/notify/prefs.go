package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/systemflow/pulse/internal/localstore"
	"github.com/systemflow/pulse/internal/remote"
)

// PreferencesCollection is the remote source of truth for notification
// preferences; the local store only caches it for offline starts.
const PreferencesCollection = "notification_preferences"

const preferencesKind = "notificationPreferences"

// ChannelPreferences gate the side effects of one notification channel.
type ChannelPreferences struct {
	InApp  bool `json:"in_app_enabled"`
	Sound  bool `json:"sound_enabled"`
	Native bool `json:"native_enabled"`
	Push   bool `json:"push_enabled"`
}

// Preferences hold per-channel settings plus the native-permission
// prompt snooze.
type Preferences struct {
	System ChannelPreferences `json:"system"`
	Chat   ChannelPreferences `json:"chat"`
	// PromptDismissedUntil is an RFC 3339 instant; empty means never
	// dismissed.
	PromptDismissedUntil string `json:"permission_prompt_dismissed_until,omitempty"`
}

// DefaultPreferences are used until a cached or remote copy loads.
func DefaultPreferences() Preferences {
	return Preferences{
		System: ChannelPreferences{InApp: true, Sound: true},
		Chat:   ChannelPreferences{InApp: true, Sound: true},
	}
}

func (p Preferences) channel(ch Channel) ChannelPreferences {
	if ch == ChannelChat {
		return p.Chat
	}
	return p.System
}

// ChannelPatch is a partial update of one channel's preferences.
type ChannelPatch struct {
	InApp  *bool
	Sound  *bool
	Native *bool
	Push   *bool
}

func (p ChannelPatch) apply(base ChannelPreferences) ChannelPreferences {
	if p.InApp != nil {
		base.InApp = *p.InApp
	}
	if p.Sound != nil {
		base.Sound = *p.Sound
	}
	if p.Native != nil {
		base.Native = *p.Native
	}
	if p.Push != nil {
		base.Push = *p.Push
	}
	return base
}

// PreferencesManager reconciles notification preferences: defaults,
// then the device-local cache, then the remote row once it loads.
// Writes are optimistic (local first, remote best effort).
type PreferencesManager struct {
	userID string
	client remote.Client
	store  *localstore.Store
	log    *slog.Logger

	mu    sync.Mutex
	prefs Preferences
}

// NewPreferencesManager creates a manager seeded with defaults merged
// with the device-local cache, if one exists.
func NewPreferencesManager(userID string, client remote.Client, store *localstore.Store, log *slog.Logger) *PreferencesManager {
	if log == nil {
		log = slog.Default()
	}
	m := &PreferencesManager{
		userID: userID,
		client: client,
		store:  store,
		log:    log,
		prefs:  DefaultPreferences(),
	}
	if store != nil {
		if raw, err := store.Get(localstore.Key(preferencesKind, userID)); err == nil {
			var cached Preferences
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				m.prefs = cached
			}
		} else if !errors.Is(err, localstore.ErrNotFound) {
			log.Warn("read preference cache failed", "error", err)
		}
	}
	return m
}

// Current returns a copy of the effective preferences.
func (m *PreferencesManager) Current() Preferences {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs
}

// Refresh loads the remote row and makes it the effective state,
// updating the local cache. A missing row is provisioned with defaults.
// Errors leave the current state intact.
func (m *PreferencesManager) Refresh(ctx context.Context) {
	rows, err := m.client.Query(ctx, PreferencesCollection, remote.QueryOptions{
		Filter: remote.Filter{"user_id": m.userID},
		Limit:  1,
	})
	if err != nil {
		if !remote.IsSchemaAbsent(err) {
			m.log.Warn("refresh preferences failed", "error", err)
		}
		return
	}
	if len(rows) == 0 {
		if _, err := m.client.Insert(ctx, PreferencesCollection, m.toRow(DefaultPreferences())); err != nil {
			m.log.Debug("provision preference row failed", "error", err)
		}
		return
	}

	next := preferencesFromRow(rows[0])
	m.mu.Lock()
	m.prefs = next
	m.mu.Unlock()
	m.persistLocal(next)
}

// SetChannel applies a partial channel update: optimistic local state
// and cache, then a best-effort remote write.
func (m *PreferencesManager) SetChannel(ctx context.Context, ch Channel, patch ChannelPatch) {
	m.mu.Lock()
	next := m.prefs
	if ch == ChannelChat {
		next.Chat = patch.apply(next.Chat)
	} else {
		next.System = patch.apply(next.System)
	}
	m.prefs = next
	m.mu.Unlock()

	m.persistLocal(next)
	m.upsertRemote(ctx, next)
}

// SetPromptDismissedUntil snoozes the native-permission prompt.
func (m *PreferencesManager) SetPromptDismissedUntil(ctx context.Context, until string) {
	m.mu.Lock()
	next := m.prefs
	next.PromptDismissedUntil = until
	m.prefs = next
	m.mu.Unlock()

	m.persistLocal(next)
	m.upsertRemote(ctx, next)
}

func (m *PreferencesManager) persistLocal(p Preferences) {
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := m.store.Set(localstore.Key(preferencesKind, m.userID), m.userID, string(raw)); err != nil {
		m.log.Warn("cache preferences failed", "error", err)
	}
}

func (m *PreferencesManager) upsertRemote(ctx context.Context, p Preferences) {
	rows, err := m.client.Query(ctx, PreferencesCollection, remote.QueryOptions{
		Filter: remote.Filter{"user_id": m.userID},
		Limit:  1,
	})
	if err != nil {
		m.log.Debug("preference upsert query failed", "error", err)
		return
	}
	row := m.toRow(p)
	if len(rows) == 0 {
		if _, err := m.client.Insert(ctx, PreferencesCollection, row); err != nil {
			m.log.Debug("preference insert failed", "error", err)
		}
		return
	}
	delete(row, "user_id")
	if err := m.client.Update(ctx, PreferencesCollection, remote.Filter{"user_id": m.userID}, row); err != nil {
		m.log.Debug("preference update failed", "error", err)
	}
}

func (m *PreferencesManager) toRow(p Preferences) remote.Row {
	return remote.Row{
		"user_id":                           m.userID,
		"system_in_app_enabled":             p.System.InApp,
		"system_sound_enabled":              p.System.Sound,
		"system_native_enabled":             p.System.Native,
		"system_push_enabled":               p.System.Push,
		"chat_in_app_enabled":               p.Chat.InApp,
		"chat_sound_enabled":                p.Chat.Sound,
		"chat_native_enabled":               p.Chat.Native,
		"chat_push_enabled":                 p.Chat.Push,
		"permission_prompt_dismissed_until": p.PromptDismissedUntil,
	}
}

func preferencesFromRow(row remote.Row) Preferences {
	defaults := DefaultPreferences()
	read := func(key string, fallback bool) bool {
		if v, ok := row[key].(bool); ok {
			return v
		}
		return fallback
	}
	return Preferences{
		System: ChannelPreferences{
			InApp:  read("system_in_app_enabled", defaults.System.InApp),
			Sound:  read("system_sound_enabled", defaults.System.Sound),
			Native: read("system_native_enabled", defaults.System.Native),
			Push:   read("system_push_enabled", defaults.System.Push),
		},
		Chat: ChannelPreferences{
			InApp:  read("chat_in_app_enabled", defaults.Chat.InApp),
			Sound:  read("chat_sound_enabled", defaults.Chat.Sound),
			Native: read("chat_native_enabled", defaults.Chat.Native),
			Push:   read("chat_push_enabled", defaults.Chat.Push),
		},
		PromptDismissedUntil: row.String("permission_prompt_dismissed_until"),
	}
}
