package persist

import (
	"errors"
	"fmt"
)

// Record identifies one of the fixed client-side records. Every value is
// opaque bytes: serialization and encryption happen in the vault layer,
// never here.
type Record string

const (
	// RecordSession is the persisted session: token, expiry, KDF
	// parameters and the wrapped master key. Never plaintext keys.
	RecordSession Record = "session"

	// RecordManifest is the combined {manifest, etag, version} record.
	// It must always be written as a unit so a stale etag can never be
	// paired with a fresh manifest body.
	RecordManifest Record = "manifest"

	// RecordPinKey is the PIN-wrapped master key blob. Deleted when the
	// vault hard-locks.
	RecordPinKey Record = "pinkey"

	// RecordLockState tracks PIN failure counters and the hard-lock flag.
	RecordLockState Record = "lockstate"
)

func (r Record) valid() bool {
	switch r {
	case RecordSession, RecordManifest, RecordPinKey, RecordLockState:
		return true
	}
	return false
}

// Store is the local persistence boundary of the vault client. Writes are
// all-or-nothing: a torn record is worse than a missing one.
type Store interface {
	// Save replaces the record atomically.
	Save(rec Record, data []byte) error

	// Load returns the record bytes, or NotFoundError if absent.
	Load(rec Record) ([]byte, error)

	// Exists reports whether the record is present.
	Exists(rec Record) (bool, error)

	// Delete removes the record. Deleting an absent record is not an
	// error.
	Delete(rec Record) error

	// Ping tests that the backend is usable.
	Ping() error

	// Close releases backend resources.
	Close() error

	// GetType identifies the backend ("filesystem", "bbolt").
	GetType() string
}

// NotFoundError indicates a record that has never been written or has
// been deleted.
type NotFoundError struct {
	Rec Record
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("record %q not found", string(e.Rec))
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}
