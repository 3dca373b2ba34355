package satchel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/satchel-vault/satchel/internal/crypto"
)

// Bookmark is a single saved link inside the manifest.
type Bookmark struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Tags         []string  `json:"tags,omitempty"`
	CollectionID string    `json:"collection_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Tag is a user-defined label.
type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Collection groups bookmarks, optionally nested.
type Collection struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

// Manifest is the vault's plaintext index. It only ever exists decrypted
// in memory; at rest and in transit it is sealed under the master key
// with a MAK-derived AAD.
type Manifest struct {
	Version     int64        `json:"version"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Bookmarks   []Bookmark   `json:"bookmarks"`
	Tags        []Tag        `json:"tags,omitempty"`
	Collections []Collection `json:"collections,omitempty"`
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Bookmarks = make([]Bookmark, len(m.Bookmarks))
	for i, b := range m.Bookmarks {
		clone.Bookmarks[i] = b
		clone.Bookmarks[i].Tags = append([]string(nil), b.Tags...)
	}
	clone.Tags = append([]Tag(nil), m.Tags...)
	clone.Collections = append([]Collection(nil), m.Collections...)
	return &clone
}

// Checksum identifies this exact manifest content, used to record which
// base snapshot local edits were applied to.
func (m *Manifest) Checksum() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to checksum manifest: %w", err)
	}
	return crypto.CalculateChecksum(data), nil
}

const manifestSchemaVersion = 1

// storedManifest is the combined local record. ETag and ServerVersion are
// always written together from one server response; a stale etag paired
// with a fresh manifest body would defeat the conflict detection.
type storedManifest struct {
	SchemaVersion int       `json:"schema_version"`
	Manifest      *Manifest `json:"manifest"`
	ETag          string    `json:"etag,omitempty"`
	ServerVersion int64     `json:"server_version"`
	BaseChecksum  string    `json:"base_checksum,omitempty"`
}

func encodeStoredManifest(rec storedManifest) ([]byte, error) {
	rec.SchemaVersion = manifestSchemaVersion
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest record: %w", err)
	}
	return data, nil
}

// decodeStoredManifest reads the combined record, accepting a legacy
// standalone manifest for first-run migration: such a record is treated
// as version = manifest.version (0 when absent) with no etag, so the
// first save after migration goes through the create-or-conflict path.
func decodeStoredManifest(data []byte) (storedManifest, error) {
	var rec storedManifest
	if err := json.Unmarshal(data, &rec); err != nil {
		return storedManifest{}, fmt.Errorf("failed to decode manifest record: %w", err)
	}

	switch rec.SchemaVersion {
	case manifestSchemaVersion:
		if rec.Manifest == nil {
			return storedManifest{}, fmt.Errorf("manifest record has no manifest body")
		}
		return rec, nil
	case 0:
		return migrateLegacyManifest(data)
	default:
		return storedManifest{}, fmt.Errorf("unsupported manifest record schema %d", rec.SchemaVersion)
	}
}

func migrateLegacyManifest(data []byte) (storedManifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return storedManifest{}, fmt.Errorf("failed to decode legacy manifest: %w", err)
	}
	return storedManifest{
		SchemaVersion: manifestSchemaVersion,
		Manifest:      &m,
		ETag:          "",
		ServerVersion: m.Version,
	}, nil
}
