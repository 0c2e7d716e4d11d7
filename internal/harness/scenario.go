package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a replayable session script: seed data, then a sequence
// of remote events and user actions, then a snapshot of everything the
// session exposes.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description,omitempty"`

	// User is the session owner.
	User string `yaml:"user"`

	// Seed holds rows inserted per collection before the session
	// starts, so only the initial refresh can observe them.
	Seed map[string][]map[string]any `yaml:"seed,omitempty"`

	// Steps run in order against the live session.
	Steps []Step `yaml:"steps,omitempty"`
}

// Step is one scripted action. Exactly one directive must be set.
type Step struct {
	Insert           *InsertStep        `yaml:"insert,omitempty"`
	Update           *UpdateStep        `yaml:"update,omitempty"`
	Delete           *DeleteStep        `yaml:"delete,omitempty"`
	MarkRead         *MarkReadStep      `yaml:"mark_read,omitempty"`
	MarkAllRead      string             `yaml:"mark_all_read,omitempty"`
	MarkRoomRead     string             `yaml:"mark_room_read,omitempty"`
	SetActiveRoom    *string            `yaml:"set_active_room,omitempty"`
	Advance          string             `yaml:"advance,omitempty"`
	SetStatus        string             `yaml:"set_status,omitempty"`
	SetStatusText    *string            `yaml:"set_status_text,omitempty"`
	Activity         bool               `yaml:"activity,omitempty"`
	SetChannelStatus *ChannelStatusStep `yaml:"set_channel_status,omitempty"`
	SetVisible       *bool              `yaml:"set_visible,omitempty"`
}

// InsertStep inserts one row, which fans out to live subscriptions.
type InsertStep struct {
	Collection string         `yaml:"collection"`
	Row        map[string]any `yaml:"row"`
}

// UpdateStep patches every row matching the filter.
type UpdateStep struct {
	Collection string         `yaml:"collection"`
	Filter     map[string]any `yaml:"filter"`
	Patch      map[string]any `yaml:"patch"`
}

// DeleteStep removes matching rows, emitting delete events.
type DeleteStep struct {
	Collection string         `yaml:"collection"`
	Filter     map[string]any `yaml:"filter"`
}

// MarkReadStep acknowledges one notification on a feed.
type MarkReadStep struct {
	Feed string `yaml:"feed"`
	ID   string `yaml:"id"`
}

// ChannelStatusStep simulates a transport status transition.
type ChannelStatusStep struct {
	Channel string `yaml:"channel"`
	Status  string `yaml:"status"`
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields
// are rejected so typos fail loudly instead of silently skipping steps.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parsing scenario YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.User == "" {
		return fmt.Errorf("user is required")
	}
	for i, step := range s.Steps {
		if err := validateStep(&step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(st *Step) error {
	directives := 0
	if st.Insert != nil {
		directives++
		if st.Insert.Collection == "" || st.Insert.Row == nil {
			return fmt.Errorf("insert needs collection and row")
		}
	}
	if st.Update != nil {
		directives++
		if st.Update.Collection == "" || st.Update.Filter == nil || st.Update.Patch == nil {
			return fmt.Errorf("update needs collection, filter and patch")
		}
	}
	if st.Delete != nil {
		directives++
		if st.Delete.Collection == "" || st.Delete.Filter == nil {
			return fmt.Errorf("delete needs collection and filter")
		}
	}
	if st.MarkRead != nil {
		directives++
		if err := validateFeed(st.MarkRead.Feed); err != nil {
			return err
		}
		if st.MarkRead.ID == "" {
			return fmt.Errorf("mark_read needs an id")
		}
	}
	if st.MarkAllRead != "" {
		directives++
		if err := validateFeed(st.MarkAllRead); err != nil {
			return err
		}
	}
	if st.MarkRoomRead != "" {
		directives++
	}
	if st.SetActiveRoom != nil {
		directives++
	}
	if st.Advance != "" {
		directives++
		if _, err := time.ParseDuration(st.Advance); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	}
	if st.SetStatus != "" {
		directives++
	}
	if st.SetStatusText != nil {
		directives++
	}
	if st.Activity {
		directives++
	}
	if st.SetChannelStatus != nil {
		directives++
		if st.SetChannelStatus.Channel == "" {
			return fmt.Errorf("set_channel_status needs a channel")
		}
		if _, err := parseSubscriptionStatus(st.SetChannelStatus.Status); err != nil {
			return err
		}
	}
	if st.SetVisible != nil {
		directives++
	}

	if directives == 0 {
		return fmt.Errorf("step has no directive")
	}
	if directives > 1 {
		return fmt.Errorf("step has %d directives, want exactly one", directives)
	}
	return nil
}

func validateFeed(feed string) error {
	switch feed {
	case "system", "chat":
		return nil
	default:
		return fmt.Errorf("unknown feed %q (want system or chat)", feed)
	}
}
