// Package harness replays scripted session scenarios against the
// in-memory backend with a fake clock, producing deterministic
// snapshots for golden-file comparison.
package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/systemflow/pulse/internal/clock"
	"github.com/systemflow/pulse/internal/notify"
	"github.com/systemflow/pulse/internal/presence"
	"github.com/systemflow/pulse/internal/remote"
	"github.com/systemflow/pulse/internal/remote/memory"
	"github.com/systemflow/pulse/internal/session"
)

// Epoch is the fake clock's start, shared by every scenario run.
var Epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

var defaultCollections = []string{
	notify.SystemCollection,
	notify.ChatCollection,
	notify.PreferencesCollection,
	session.DeliveriesCollection,
}

// Run executes a scenario from a cold start and returns the final
// snapshot. The session is torn down before returning.
func Run(scenario *Scenario) (*Snapshot, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	ctx := context.Background()

	backend := memory.New()
	backend.Provision(defaultCollections...)
	for collection, rows := range scenario.Seed {
		backend.Provision(collection)
		for i, row := range rows {
			if _, err := backend.Insert(ctx, collection, remote.Row(row)); err != nil {
				return nil, fmt.Errorf("seeding %s[%d]: %w", collection, i, err)
			}
		}
	}

	clk := clock.NewFake(Epoch)
	sess, err := session.New(session.Options{
		UserID:    scenario.User,
		AuthToken: "scenario-token",
		Client:    backend,
		Clock:     clk,
	})
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		return nil, err
	}

	for i, step := range scenario.Steps {
		if err := applyStep(ctx, backend, clk, sess, &step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	return Take(scenario.Name, sess), nil
}

func applyStep(ctx context.Context, backend *memory.Backend, clk *clock.Fake, sess *session.Session, st *Step) error {
	switch {
	case st.Insert != nil:
		_, err := backend.Insert(ctx, st.Insert.Collection, remote.Row(st.Insert.Row))
		return err
	case st.Update != nil:
		return backend.Update(ctx, st.Update.Collection, remote.Filter(st.Update.Filter), remote.Row(st.Update.Patch))
	case st.Delete != nil:
		backend.Delete(st.Delete.Collection, remote.Filter(st.Delete.Filter))
		return nil
	case st.MarkRead != nil:
		feed, err := feedFor(sess, st.MarkRead.Feed)
		if err != nil {
			return err
		}
		feed.MarkAsRead(ctx, st.MarkRead.ID)
		return nil
	case st.MarkAllRead != "":
		feed, err := feedFor(sess, st.MarkAllRead)
		if err != nil {
			return err
		}
		feed.MarkAllAsRead(ctx)
		return nil
	case st.MarkRoomRead != "":
		sess.Chat().MarkRoomAsRead(ctx, st.MarkRoomRead)
		return nil
	case st.SetActiveRoom != nil:
		sess.Chat().SetActiveRoom(*st.SetActiveRoom)
		return nil
	case st.Advance != "":
		d, err := time.ParseDuration(st.Advance)
		if err != nil {
			return err
		}
		clk.Advance(d)
		return nil
	case st.SetStatus != "":
		return sess.Presence().SetStatus(ctx, presence.Status(st.SetStatus))
	case st.SetStatusText != nil:
		sess.Presence().SetStatusText(ctx, *st.SetStatusText)
		return nil
	case st.Activity:
		sess.Presence().Activity(ctx)
		return nil
	case st.SetChannelStatus != nil:
		status, err := parseSubscriptionStatus(st.SetChannelStatus.Status)
		if err != nil {
			return err
		}
		backend.SetChannelStatus(st.SetChannelStatus.Channel, status)
		return nil
	case st.SetVisible != nil:
		sess.SetVisible(*st.SetVisible)
		return nil
	default:
		return fmt.Errorf("step has no directive")
	}
}

func feedFor(sess *session.Session, feed string) (*notify.Aggregator, error) {
	switch feed {
	case "system":
		return sess.System(), nil
	case "chat":
		return sess.Chat(), nil
	default:
		return nil, fmt.Errorf("unknown feed %q", feed)
	}
}

func parseSubscriptionStatus(s string) (remote.SubscriptionStatus, error) {
	switch s {
	case "subscribed":
		return remote.StatusSubscribed, nil
	case "error":
		return remote.StatusError, nil
	case "timed_out":
		return remote.StatusTimedOut, nil
	case "closed":
		return remote.StatusClosed, nil
	default:
		return "", fmt.Errorf("unknown subscription status %q", s)
	}
}
