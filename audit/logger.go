package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action identifies what happened. The set is fixed so downstream
// consumers can filter without string matching.
type Action string

const (
	ActionRegister         Action = "register"
	ActionLogin            Action = "login"
	ActionUnlock           Action = "unlock"
	ActionPinUnlock        Action = "pin_unlock"
	ActionPinFailure       Action = "pin_failure"
	ActionHardLock         Action = "hard_lock"
	ActionAutoLock         Action = "auto_lock"
	ActionManualLock       Action = "manual_lock"
	ActionLogout           Action = "logout"
	ActionTokenRefresh     Action = "token_refresh"
	ActionManifestSave     Action = "manifest_save"
	ActionManifestConflict Action = "manifest_conflict"
	ActionManifestFetch    Action = "manifest_fetch"
)

// Event is a single audit record. Events never carry key material,
// passwords, PINs, tokens, or manifest contents: identifiers and outcomes
// only.
type Event struct {
	// ID is a unique identifier assigned when the event is logged.
	ID string `json:"id"`

	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Action is what happened.
	Action Action `json:"action"`

	// ProfileID identifies the local profile.
	ProfileID string `json:"profile_id,omitempty"`

	// UserID identifies the authenticated account, when known.
	UserID string `json:"user_id,omitempty"`

	// Success indicates whether the operation completed.
	Success bool `json:"success"`

	// Detail is an optional human-readable note. Callers must keep
	// secrets out of it.
	Detail string `json:"detail,omitempty"`
}

// Query filters events when reading a log back.
type Query struct {
	// Action limits results to one action. Empty matches all.
	Action Action

	// Since limits results to events at or after this time. Zero matches
	// all.
	Since time.Time

	// Limit caps the number of results. Zero means no cap.
	Limit int
}

// Logger receives vault lifecycle events. Implementations must be safe
// for concurrent use and must never block vault operations on logging
// failures.
type Logger interface {
	// Log records an event. The ID and Timestamp fields are filled in if
	// zero.
	Log(event Event) error

	// Query returns recorded events matching the filter, oldest first.
	// Implementations that do not retain events return an empty slice.
	Query(q Query) ([]Event, error)

	// Close flushes and releases resources.
	Close() error
}

// Config selects and configures a logger backend.
type Config struct {
	// Type selects the backend: "file", "syslog" or "none".
	Type string `json:"type"`

	// Options holds backend-specific settings. The file backend requires
	// "path"; the syslog backend accepts "tag".
	Options map[string]interface{} `json:"options"`
}

// NewLogger creates a Logger from configuration.
func NewLogger(config Config) (Logger, error) {
	switch config.Type {
	case "file":
		path, err := stringOption(config.Options, "path")
		if err != nil {
			return nil, err
		}
		return NewFileLogger(path)
	case "syslog":
		tag, _ := stringOption(config.Options, "tag")
		if tag == "" {
			tag = "satchel"
		}
		return NewSysLogger(tag)
	case "none", "":
		return NewNoOpLogger(), nil
	default:
		return nil, fmt.Errorf("unsupported audit logger type: %s", config.Type)
	}
}

func stringOption(options map[string]interface{}, key string) (string, error) {
	if options == nil {
		return "", fmt.Errorf("audit option %q is required", key)
	}
	value, ok := options[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("audit option %q is required", key)
	}
	return value, nil
}

func stamp(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return event
}

func matches(event Event, q Query) bool {
	if q.Action != "" && event.Action != q.Action {
		return false
	}
	if !q.Since.IsZero() && event.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
