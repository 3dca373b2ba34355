package persist

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/satchel-vault/satchel/internal/misc"
)

var recordsBucket = []byte("records")

// BoltStore keeps all records in a single bbolt database, one key per
// record inside one bucket. Each Save runs in its own write transaction,
// which gives the all-or-nothing guarantee without temp files.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens (or creates) the database at
// basePath/profileID/vault.db.
func NewBoltStore(basePath, profileID string) (*BoltStore, error) {
	if profileID == "" {
		profileID = "default"
	}
	if err := validateProfileID(profileID); err != nil {
		return nil, fmt.Errorf("invalid profile ID: %w", err)
	}

	dir := filepath.Join(basePath, profileID)
	if err := os.MkdirAll(dir, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	path := filepath.Join(dir, "vault.db")
	db, err := bolt.Open(path, misc.FilePermissions, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create records bucket: %w", err)
	}

	return &BoltStore{db: db, path: path}, nil
}

var _ Store = (*BoltStore)(nil)

func (s *BoltStore) Save(rec Record, data []byte) error {
	if !rec.valid() {
		return fmt.Errorf("unknown record %q", string(rec))
	}
	if data == nil {
		return fmt.Errorf("record data cannot be nil")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(rec), data)
	})
}

func (s *BoltStore) Load(rec Record) ([]byte, error) {
	if !rec.valid() {
		return nil, fmt.Errorf("unknown record %q", string(rec))
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(recordsBucket).Get([]byte(rec))
		if value == nil {
			return NotFoundError{Rec: rec}
		}
		// Copy: the slice is only valid for the transaction lifetime.
		data = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *BoltStore) Exists(rec Record) (bool, error) {
	if !rec.valid() {
		return false, fmt.Errorf("unknown record %q", string(rec))
	}

	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(recordsBucket).Get([]byte(rec)) != nil
		return nil
	})
	return exists, err
}

func (s *BoltStore) Delete(rec Record) error {
	if !rec.valid() {
		return fmt.Errorf("unknown record %q", string(rec))
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(rec))
	})
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(recordsBucket) == nil {
			return fmt.Errorf("records bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) GetType() string {
	return "bbolt"
}
