// Package session is the composition root for one authenticated user.
//
// It owns the transport manager, the presence tracker, both
// notification aggregators, the preferences manager, and the toast
// dispatcher, and wires them together. Nothing here is package-level
// state: a process can run any number of sessions side by side, which
// is also how multi-user tests are written.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/systemflow/pulse/internal/clock"
	"github.com/systemflow/pulse/internal/config"
	"github.com/systemflow/pulse/internal/localstore"
	"github.com/systemflow/pulse/internal/notify"
	"github.com/systemflow/pulse/internal/presence"
	"github.com/systemflow/pulse/internal/remote"
	"github.com/systemflow/pulse/internal/toast"
	"github.com/systemflow/pulse/internal/transport"
)

// DeliveriesCollection tracks per-recipient message delivery state.
const DeliveriesCollection = "message_deliveries"

// Options configure a session.
type Options struct {
	UserID    string
	AuthToken string
	Client    remote.Client
	Clock     clock.Clock
	// Store caches status text and preferences across restarts.
	// Optional.
	Store *localstore.Store
	// Config tunes caps and intervals; nil means config.Default().
	Config *config.Config
	// Native and Sound are optional side-effect sinks; toasts always go
	// through the session's own dispatcher.
	Native  notify.NativeNotifier
	Sound   notify.Sounder
	ReadAck notify.ReadAckPolicy
	Log     *slog.Logger
}

// Session holds every reconciliation component of one signed-in user.
type Session struct {
	userID    string
	authToken string
	store     *localstore.Store
	log       *slog.Logger

	transport *transport.Manager
	prefs     *notify.PreferencesManager
	presence  *presence.Tracker
	system    *notify.Aggregator
	chat      *notify.Aggregator
	toasts    *toast.Dispatcher

	mu      sync.Mutex
	started bool
	closed  bool
}

// New wires a session together. Call Start to bring it online.
func New(opts Options) (*Session, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("session: user id required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("session: remote client required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("user_id", opts.UserID)

	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}

	manager := transport.New(opts.Client, opts.Clock, log)
	toasts := toast.New(opts.Clock)
	prefs := notify.NewPreferencesManager(opts.UserID, opts.Client, opts.Store, log)

	acker := &deliveryAcker{userID: opts.UserID, client: opts.Client, clock: opts.Clock}
	tracker := presence.New(presence.Options{
		UserID: opts.UserID,
		Client: opts.Client,
		Clock:  opts.Clock,
		Store:  opts.Store,
		Acker:  acker,
		Log:    log,
	})

	sinks := notify.Sinks{Toasts: toasts, Native: opts.Native, Sound: opts.Sound}
	deps := notify.Deps{
		Client:      opts.Client,
		Transport:   manager,
		Clock:       opts.Clock,
		Preferences: prefs.Current,
		Sinks:       sinks,
		Log:         log,
	}

	systemCfg := notify.SystemConfig(opts.UserID)
	systemCfg.ListCap = cfg.System.ListCap
	systemCfg.PollInterval = cfg.System.PollInterval
	systemCfg.ReadAck = opts.ReadAck

	chatCfg := notify.ChatConfig(opts.UserID)
	chatCfg.ListCap = cfg.Chat.ListCap
	chatCfg.PollInterval = cfg.Chat.PollInterval
	chatCfg.PageSize = cfg.Chat.PageSize
	chatCfg.ReadAck = opts.ReadAck

	return &Session{
		userID:    opts.UserID,
		authToken: opts.AuthToken,
		store:     opts.Store,
		log:       log,
		transport: manager,
		prefs:     prefs,
		presence:  tracker,
		system:    notify.New(systemCfg, deps),
		chat:      notify.New(chatCfg, deps),
		toasts:    toasts,
	}, nil
}

// Start installs the auth token, loads preferences, and brings every
// component online.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session: already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.authToken != "" {
		s.transport.SetAuthToken(s.authToken)
	}
	s.prefs.Refresh(ctx)

	if err := s.presence.Start(ctx); err != nil {
		return fmt.Errorf("session: starting presence: %w", err)
	}
	if err := s.system.Start(ctx); err != nil {
		return fmt.Errorf("session: starting system feed: %w", err)
	}
	if err := s.chat.Start(ctx); err != nil {
		return fmt.Errorf("session: starting chat feed: %w", err)
	}

	s.log.Info("session started")
	return nil
}

// SetVisible forwards page visibility to the transport, which gates
// degraded-mode polling and pokes stale channels on regain.
func (s *Session) SetVisible(visible bool) {
	s.transport.SetVisible(visible)
}

// Presence returns the presence tracker.
func (s *Session) Presence() *presence.Tracker { return s.presence }

// System returns the system notification aggregator.
func (s *Session) System() *notify.Aggregator { return s.system }

// Chat returns the chat notification aggregator.
func (s *Session) Chat() *notify.Aggregator { return s.chat }

// Toasts returns the toast dispatcher.
func (s *Session) Toasts() *toast.Dispatcher { return s.toasts }

// Preferences returns the preferences manager.
func (s *Session) Preferences() *notify.PreferencesManager { return s.prefs }

// Transport returns the transport manager.
func (s *Session) Transport() *transport.Manager { return s.transport }

// Close tears the session down synchronously: aggregators first so
// their listeners detach, then presence, toasts, and the transport.
// Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.system.Close()
	s.chat.Close()
	s.presence.Close()
	s.toasts.Close()
	s.transport.Close()
	s.log.Info("session closed")
}

// Logout closes the session and wipes the user's local cache, so the
// next sign-in on this device starts clean.
func (s *Session) Logout(ctx context.Context) error {
	s.Close()
	if s.store == nil {
		return nil
	}
	if err := s.store.DeleteUser(s.userID); err != nil {
		return fmt.Errorf("session: wiping local cache: %w", err)
	}
	return nil
}

// deliveryAcker marks message deliveries against the deliveries
// collection. Schema absence is tolerated: deployments without the
// collection simply skip delivery tracking.
type deliveryAcker struct {
	userID string
	client remote.Client
	clock  clock.Clock
}

func (a *deliveryAcker) MarkAllDelivered(ctx context.Context) error {
	err := a.client.Update(ctx, DeliveriesCollection,
		remote.Filter{"user_id": a.userID, "status": "sent"},
		remote.Row{"status": "delivered", "delivered_at": a.now()})
	if remote.IsSchemaAbsent(err) {
		return nil
	}
	return err
}

func (a *deliveryAcker) MarkMessageDelivered(ctx context.Context, messageID string) error {
	err := a.client.Update(ctx, DeliveriesCollection,
		remote.Filter{"user_id": a.userID, "message_id": messageID, "status": "sent"},
		remote.Row{"status": "delivered", "delivered_at": a.now()})
	if remote.IsSchemaAbsent(err) {
		return nil
	}
	return err
}

func (a *deliveryAcker) now() string {
	return a.clock.Now().UTC().Format(time.RFC3339)
}
