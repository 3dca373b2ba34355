package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/satchel-vault/satchel/internal/misc"
)

var profileIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9\-_.]*$`)

// FileSystemStore keeps each record in its own file under
// basePath/profileID/, written atomically via a temp file and rename.
type FileSystemStore struct {
	basePath    string
	profileID   string
	profilePath string
}

// NewFileSystemStore initializes the store, creating the profile
// directory with restrictive permissions.
func NewFileSystemStore(basePath, profileID string) (*FileSystemStore, error) {
	if profileID == "" {
		profileID = "default"
	}
	if err := validateProfileID(profileID); err != nil {
		return nil, fmt.Errorf("invalid profile ID: %w", err)
	}

	profilePath := filepath.Join(basePath, profileID)
	if err := os.MkdirAll(profilePath, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	return &FileSystemStore{
		basePath:    basePath,
		profileID:   profileID,
		profilePath: profilePath,
	}, nil
}

var _ Store = (*FileSystemStore)(nil)

func validateProfileID(profileID string) error {
	if len(profileID) > 64 {
		return fmt.Errorf("profile ID too long")
	}
	if !profileIDRegex.MatchString(profileID) {
		return fmt.Errorf("profile ID contains invalid characters")
	}
	return nil
}

func (fs *FileSystemStore) recordPath(rec Record) (string, error) {
	if !rec.valid() {
		return "", fmt.Errorf("unknown record %q", string(rec))
	}
	return filepath.Join(fs.profilePath, string(rec)+".rec"), nil
}

func (fs *FileSystemStore) Save(rec Record, data []byte) error {
	if data == nil {
		return fmt.Errorf("record data cannot be nil")
	}
	path, err := fs.recordPath(rec)
	if err != nil {
		return err
	}
	return writeSecureFile(path, data)
}

func (fs *FileSystemStore) Load(rec Record) ([]byte, error) {
	path, err := fs.recordPath(rec)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NotFoundError{Rec: rec}
		}
		return nil, fmt.Errorf("failed to load record %q: %w", string(rec), err)
	}
	return data, nil
}

func (fs *FileSystemStore) Exists(rec Record) (bool, error) {
	path, err := fs.recordPath(rec)
	if err != nil {
		return false, err
	}

	if _, err = os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat record %q: %w", string(rec), err)
	}
	return true, nil
}

func (fs *FileSystemStore) Delete(rec Record) error {
	path, err := fs.recordPath(rec)
	if err != nil {
		return err
	}

	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record %q: %w", string(rec), err)
	}
	return nil
}

func (fs *FileSystemStore) Ping() error {
	info, err := os.Stat(fs.profilePath)
	if err != nil {
		return fmt.Errorf("profile directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("profile path %s is not a directory", fs.profilePath)
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return "filesystem"
}

// writeSecureFile writes data to a temp file in the target directory,
// fsyncs it, then renames over the destination. Readers either see the
// old record or the new one, never a partial write.
func writeSecureFile(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err = tmp.Chmod(misc.FilePermissions); err != nil {
		cleanup()
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync record: %w", err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit record: %w", err)
	}
	return nil
}
