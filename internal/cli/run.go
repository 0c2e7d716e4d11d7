package cli

import (
	"github.com/spf13/cobra"

	"github.com/systemflow/pulse/internal/harness"
)

// demoScenario is the built-in session the run command executes: a
// seeded feed, a chat burst across two rooms, one room caught up, and
// an idle stretch long enough to go away.
var demoScenario = &harness.Scenario{
	Name: "demo",
	User: "demo",
	Seed: map[string][]map[string]any{
		"notifications": {
			{"id": "n1", "user_id": "demo", "title": "Welcome to Pulse", "is_read": false, "created_at": "2025-06-01T08:59:00Z"},
		},
	},
	Steps: []harness.Step{
		{Insert: &harness.InsertStep{Collection: "chat_notifications", Row: map[string]any{
			"id": "m1", "user_id": "demo", "room_id": "general", "title": "standup in 5",
			"is_read": false, "created_at": "2025-06-01T09:00:01Z",
		}}},
		{Insert: &harness.InsertStep{Collection: "chat_notifications", Row: map[string]any{
			"id": "m2", "user_id": "demo", "room_id": "general", "title": "moved to room 4",
			"is_read": false, "created_at": "2025-06-01T09:00:02Z",
		}}},
		{Insert: &harness.InsertStep{Collection: "chat_notifications", Row: map[string]any{
			"id": "m3", "user_id": "demo", "room_id": "random", "title": "lunch poll",
			"is_read": false, "created_at": "2025-06-01T09:00:03Z",
		}}},
		{MarkRoomRead: "general"},
		{Advance: "5m"},
	},
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the built-in demo session",
		Long: `Run a demo session against the in-memory backend and print the final
snapshot: notification feeds, per-room unread counts, toasts, presence,
and channel trust state.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(rootOpts, cmd)
		},
	}
	return cmd
}

func runDemo(opts *RootOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	formatter.VerboseLog("Running demo session (%d steps)", len(demoScenario.Steps))

	snapshot, err := harness.Run(demoScenario)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "running demo session", Err: err}
	}
	return formatter.SuccessRaw(snapshot.Render(), snapshot)
}
