package satchel

import (
	"encoding/json"
	"testing"
	"time"
)

func sampleManifest() *Manifest {
	return &Manifest{
		Version:   3,
		UpdatedAt: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		Bookmarks: []Bookmark{
			{ID: "b1", URL: "https://go.dev", Title: "Go", Tags: []string{"dev", "lang"}},
			{ID: "b2", URL: "https://pkg.go.dev", Title: "pkg.go.dev"},
		},
		Tags:        []Tag{{ID: "t1", Name: "dev"}},
		Collections: []Collection{{ID: "c1", Name: "Programming"}},
	}
}

func TestManifestCloneIsIndependent(t *testing.T) {
	original := sampleManifest()
	clone := original.Clone()

	clone.Bookmarks[0].Title = "changed"
	clone.Bookmarks[0].Tags[0] = "changed"
	clone.Tags[0].Name = "changed"

	if original.Bookmarks[0].Title != "Go" {
		t.Fatal("clone shares bookmark structs")
	}
	if original.Bookmarks[0].Tags[0] != "dev" {
		t.Fatal("clone shares tag slices")
	}
	if original.Tags[0].Name != "dev" {
		t.Fatal("clone shares tag records")
	}
}

func TestManifestChecksum(t *testing.T) {
	a, err := sampleManifest().Checksum()
	if err != nil {
		t.Fatal(err)
	}
	b, err := sampleManifest().Checksum()
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("checksum not deterministic")
	}

	edited := sampleManifest()
	edited.Bookmarks[0].Title = "changed"
	c, err := edited.Checksum()
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Fatal("different content produced the same checksum")
	}
}

func TestStoredManifestRoundTrip(t *testing.T) {
	rec := storedManifest{
		Manifest:      sampleManifest(),
		ETag:          "e2",
		ServerVersion: 3,
		BaseChecksum:  "abc",
	}

	data, err := encodeStoredManifest(rec)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeStoredManifest(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ETag != "e2" || got.ServerVersion != 3 || got.BaseChecksum != "abc" {
		t.Fatalf("tokens: %+v", got)
	}
	if len(got.Manifest.Bookmarks) != 2 {
		t.Fatalf("manifest body: %+v", got.Manifest)
	}
}

func TestDecodeStoredManifestMigratesLegacyShape(t *testing.T) {
	legacy, err := json.Marshal(sampleManifest())
	if err != nil {
		t.Fatal(err)
	}

	got, err := decodeStoredManifest(legacy)
	if err != nil {
		t.Fatalf("legacy decode: %v", err)
	}
	if got.SchemaVersion != manifestSchemaVersion {
		t.Fatalf("schema = %d", got.SchemaVersion)
	}
	if got.ServerVersion != 3 {
		t.Fatalf("migrated version = %d, want the manifest's own version", got.ServerVersion)
	}
	if got.ETag != "" {
		t.Fatalf("migrated etag = %q, want empty", got.ETag)
	}
}

func TestDecodeStoredManifestRejectsFutureSchema(t *testing.T) {
	if _, err := decodeStoredManifest([]byte(`{"schema_version": 99}`)); err == nil {
		t.Fatal("accepted a record from the future")
	}
}
