package persist

import (
	"fmt"
)

// StoreType represents the supported local storage backends.
type StoreType string

const (
	// StoreTypeFileSystem keeps one file per record.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeBolt keeps all records in a single bbolt database.
	StoreTypeBolt StoreType = "bbolt"
)

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// NewStore creates a Store from configuration. Both backends require a
// "base_path" entry.
func NewStore(config StoreConfig, profileID string) (Store, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok || basePath == "" {
		return nil, fmt.Errorf("base_path is required for %s store", config.Type)
	}

	switch config.Type {
	case StoreTypeFileSystem, "":
		return NewFileSystemStore(basePath, profileID)
	case StoreTypeBolt:
		return NewBoltStore(basePath, profileID)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
