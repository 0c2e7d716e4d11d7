package notify

import "time"

// Toast is an ephemeral in-app notification handed to the Toaster.
type Toast struct {
	Kind     Channel
	Title    string
	Message  string
	Duration time.Duration
	// OnClick acknowledges the source record and follows its link.
	OnClick func()
}

// Toaster renders in-app toasts. Implementations must not block.
type Toaster interface {
	Push(t Toast)
}

// NativeNotification is an OS-level notification shown while the app
// is not visible.
type NativeNotification struct {
	Title string
	Body  string
	URL   string
	// Tag de-duplicates notifications for the same record.
	Tag string
}

// NativeNotifier shows OS-level notifications.
type NativeNotifier interface {
	Show(n NativeNotification)
}

// Sounder plays the alert sound.
type Sounder interface {
	Play()
}

// Sinks groups the side-effect consumers of an aggregator. Any field
// may be nil; a nil sink is skipped.
type Sinks struct {
	Toasts Toaster
	Native NativeNotifier
	Sound  Sounder
}
