// Package config loads session configuration from CUE files. The
// embedded schema supplies defaults and constraints; user files only
// need to state what differs.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaSource string

// Error code constants, stable across CLI output.
const (
	ErrCodeGeneric         = "C001"
	ErrCodeNotFound        = "C002"
	ErrCodeNoFiles         = "C003"
	ErrCodeLoadFailed      = "C004"
	ErrCodeBuildFailed     = "C005"
	ErrCodeInvalidValue    = "C006"
	ErrCodeInvalidDuration = "C007"
)

// LoadError is one configuration problem, with a CUE position when the
// source offers one.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Config is the decoded session configuration.
type Config struct {
	Database DatabaseConfig
	Presence PresenceConfig
	System   FeedConfig
	Chat     FeedConfig
	Backoff  BackoffConfig
	Toast    ToastConfig
}

type DatabaseConfig struct {
	Path string
}

type PresenceConfig struct {
	IdleTimeout time.Duration
}

// FeedConfig parameterizes one notification aggregator instance.
type FeedConfig struct {
	ListCap      int
	PollInterval time.Duration
	// PageSize only applies to room-scoped feeds.
	PageSize int
}

type BackoffConfig struct {
	Base time.Duration
	Max  time.Duration
}

type ToastConfig struct {
	DefaultDuration time.Duration
	MinDuration     time.Duration
	MaxVisible      int
}

// Default returns the configuration the embedded schema defaults to.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "pulse.db"},
		Presence: PresenceConfig{IdleTimeout: 5 * time.Minute},
		System:   FeedConfig{ListCap: 20, PollInterval: 25 * time.Second},
		Chat:     FeedConfig{ListCap: 30, PollInterval: 45 * time.Second, PageSize: 1000},
		Backoff:  BackoffConfig{Base: 800 * time.Millisecond, Max: 30 * time.Second},
		Toast: ToastConfig{
			DefaultDuration: 5200 * time.Millisecond,
			MinDuration:     1200 * time.Millisecond,
			MaxVisible:      4,
		},
	}
}

// rawConfig mirrors the schema before duration parsing.
type rawConfig struct {
	Database struct {
		Path string `json:"path"`
	} `json:"database"`
	Presence struct {
		IdleTimeout string `json:"idle_timeout"`
	} `json:"presence"`
	System rawFeed `json:"system"`
	Chat   rawFeed `json:"chat"`
	Backoff struct {
		Base string `json:"base"`
		Max  string `json:"max"`
	} `json:"backoff"`
	Toast struct {
		DefaultDuration string `json:"default_duration"`
		MinDuration     string `json:"min_duration"`
		MaxVisible      int    `json:"max_visible"`
	} `json:"toast"`
}

type rawFeed struct {
	ListCap      int    `json:"list_cap"`
	PollInterval string `json:"poll_interval"`
	PageSize     int    `json:"page_size"`
}

// Load reads every CUE file in dir, unifies it with the embedded
// schema, and decodes the result. All problems found are returned.
func Load(dir string) (*Config, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing config directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := findCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("compiling embedded schema: %v", err)}}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{loadErrorFrom(ErrCodeLoadFailed, inst.Err)}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{loadErrorFrom(ErrCodeBuildFailed, err)}
	}

	unified := schema.Unify(value)
	if err := unified.Validate(); err != nil {
		return nil, []error{loadErrorFrom(ErrCodeInvalidValue, err)}
	}

	var raw rawConfig
	if err := unified.Decode(&raw); err != nil {
		return nil, []error{loadErrorFrom(ErrCodeInvalidValue, err)}
	}

	cfg := Config{
		Database: DatabaseConfig{Path: raw.Database.Path},
		System:   FeedConfig{ListCap: raw.System.ListCap},
		Chat:     FeedConfig{ListCap: raw.Chat.ListCap, PageSize: raw.Chat.PageSize},
		Toast:    ToastConfig{MaxVisible: raw.Toast.MaxVisible},
	}

	var errs []error
	parse := func(field, text string) time.Duration {
		d, err := time.ParseDuration(text)
		if err != nil {
			errs = append(errs, &LoadError{
				Code:    ErrCodeInvalidDuration,
				Message: fmt.Sprintf("%s: %q is not a duration", field, text),
			})
			return 0
		}
		return d
	}
	cfg.Presence.IdleTimeout = parse("presence.idle_timeout", raw.Presence.IdleTimeout)
	cfg.System.PollInterval = parse("system.poll_interval", raw.System.PollInterval)
	cfg.Chat.PollInterval = parse("chat.poll_interval", raw.Chat.PollInterval)
	cfg.Backoff.Base = parse("backoff.base", raw.Backoff.Base)
	cfg.Backoff.Max = parse("backoff.max", raw.Backoff.Max)
	cfg.Toast.DefaultDuration = parse("toast.default_duration", raw.Toast.DefaultDuration)
	cfg.Toast.MinDuration = parse("toast.min_duration", raw.Toast.MinDuration)

	if len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

func loadErrorFrom(code string, err error) *LoadError {
	le := &LoadError{Code: code, Message: err.Error()}
	if positions := cueerrors.Positions(cueerrors.Promote(err, "")); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}

func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
