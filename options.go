package satchel

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// DefaultAutoLockTimeout applies when no timeout is configured.
const DefaultAutoLockTimeout = 20 * time.Minute

// DefaultPinAttemptThreshold is the number of consecutive wrong PIN
// entries that hard-locks the vault.
const DefaultPinAttemptThreshold = 5

// Default refresh cadence: check every 30s, never refresh a session
// younger than a minute, start refreshing when less than five minutes of
// token life remain.
const (
	DefaultRefreshCheckInterval = 30 * time.Second
	DefaultMinRefreshInterval   = time.Minute
	DefaultRefreshSafetyWindow  = 5 * time.Minute
)

// Options configures a Vault.
//
// AUTO-LOCK TIMEOUT:
//
// AutoLockTimeout uses the syntax "Nmin", "Nh" or "never". An empty
// string means the 20 minute default. "never" disables idle locking but
// the vault still locks when the session token expires: the key store is
// never left unlocked past token expiry.
//
// PIN THRESHOLD:
//
// PinAttemptThreshold is how many consecutive wrong PIN entries are
// tolerated before the vault hard-locks and deletes the PIN enrolment.
// Zero selects the default of 5.
//
// REFRESH TUNING:
//
// RefreshCheckInterval is how often the background refresher wakes while
// unlocked. MinRefreshInterval is the minimum session age before any
// refresh is attempted; RefreshSafetyWindow is the remaining token
// lifetime below which a refresh is due. Zero values select the
// defaults. These exist mainly so tests can tighten the cadence.
//
// MEMORY PROTECTION:
//
// EnableMemoryLock asks the OS to pin process memory so key material is
// not swapped to disk. This is best-effort: on platforms or under limits
// where locking is unavailable the vault continues with explicit wiping
// only.
type Options struct {
	// APIBaseURL is the vault server base URL. Required when the vault is
	// constructed with the HTTP client; callers injecting their own
	// remote.Client may leave it empty.
	APIBaseURL string

	// ProfileID isolates local state between accounts on one machine.
	// Empty means "default".
	ProfileID string

	// AutoLockTimeout is the idle lock timeout ("Nmin", "Nh", "never").
	AutoLockTimeout string

	// PinAttemptThreshold hard-locks the vault after this many wrong PINs.
	PinAttemptThreshold int

	RefreshCheckInterval time.Duration
	MinRefreshInterval   time.Duration
	RefreshSafetyWindow  time.Duration

	// EnableMemoryLock requests best-effort OS memory locking.
	EnableMemoryLock bool
}

// DefaultOptions returns a ready-to-use configuration.
func DefaultOptions() Options {
	return Options{
		AutoLockTimeout:      "20min",
		PinAttemptThreshold:  DefaultPinAttemptThreshold,
		RefreshCheckInterval: DefaultRefreshCheckInterval,
		MinRefreshInterval:   DefaultMinRefreshInterval,
		RefreshSafetyWindow:  DefaultRefreshSafetyWindow,
		EnableMemoryLock:     true,
	}
}

var autoLockTimeoutRegex = regexp.MustCompile(`^(\d+)(min|h)$`)

// ParseAutoLockTimeout parses the "Nmin"|"Nh"|"never" timeout syntax.
// Zero means "never auto-lock on idle"; an empty string selects the
// default.
func ParseAutoLockTimeout(value string) (time.Duration, error) {
	switch value {
	case "":
		return DefaultAutoLockTimeout, nil
	case "never":
		return 0, nil
	}

	matches := autoLockTimeoutRegex.FindStringSubmatch(value)
	if matches == nil {
		return 0, &ConfigError{Field: "AutoLockTimeout", Reason: fmt.Sprintf("%q is not Nmin, Nh or never", value)}
	}
	n, err := strconv.Atoi(matches[1])
	if err != nil || n <= 0 {
		return 0, &ConfigError{Field: "AutoLockTimeout", Reason: "timeout must be a positive number"}
	}

	if matches[2] == "h" {
		return time.Duration(n) * time.Hour, nil
	}
	return time.Duration(n) * time.Minute, nil
}

// Validate checks the configuration and fills in defaults for zero
// values.
func (o *Options) Validate() error {
	if _, err := ParseAutoLockTimeout(o.AutoLockTimeout); err != nil {
		return err
	}

	if o.PinAttemptThreshold < 0 {
		return &ConfigError{Field: "PinAttemptThreshold", Reason: "must not be negative"}
	}
	if o.PinAttemptThreshold == 0 {
		o.PinAttemptThreshold = DefaultPinAttemptThreshold
	}

	if o.RefreshCheckInterval < 0 || o.MinRefreshInterval < 0 || o.RefreshSafetyWindow < 0 {
		return &ConfigError{Field: "Refresh intervals", Reason: "must not be negative"}
	}
	if o.RefreshCheckInterval == 0 {
		o.RefreshCheckInterval = DefaultRefreshCheckInterval
	}
	if o.MinRefreshInterval == 0 {
		o.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if o.RefreshSafetyWindow == 0 {
		o.RefreshSafetyWindow = DefaultRefreshSafetyWindow
	}

	if o.ProfileID == "" {
		o.ProfileID = "default"
	}
	return nil
}
