// Package snapshot maintains the compact JSON view of every file path
// already reported. It is a redundant, quick-inspection companion to
// the ledger; the ledger stays authoritative for novelty decisions.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Record is the per-path metadata kept in the snapshot document.
type Record struct {
	Size     int64  `json:"size"`
	ETag     string `json:"etag"`
	LastMod  string `json:"lastmod"`
	Lang     string `json:"lang"`
	Filename string `json:"filename"`
	ShowPath string `json:"show_path"`
	SeenAt   int64  `json:"ts_seen"`
}

// File is an in-memory snapshot bound to its on-disk location.
// Writes are serialized internally; Save replaces the document
// atomically so an interrupted write never destroys the previous one.
type File struct {
	path string

	mu      sync.Mutex
	records map[string]Record
}

// Load reads the snapshot at path. A missing or unreadable document
// yields an empty snapshot: the ledger will repopulate it.
func Load(path string) *File {
	f := &File{path: path, records: map[string]Record{}}

	data, err := os.ReadFile(path)
	if err != nil {
		return f
	}
	if err := json.Unmarshal(data, &f.records); err != nil {
		f.records = map[string]Record{}
	}
	return f
}

// Contains reports whether a path is present.
func (f *File) Contains(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[path]
	return ok
}

// Mark records a path. Re-marking an existing path overwrites its
// metadata only; membership never shrinks.
func (f *File) Mark(path string, rec Record) {
	f.mu.Lock()
	f.records[path] = rec
	f.mu.Unlock()
}

// Len returns the number of recorded paths.
func (f *File) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// Save writes the document to a temp file and renames it over the
// previous one. A crash mid-write leaves the old snapshot readable.
func (f *File) Save() error {
	f.mu.Lock()
	data, err := json.MarshalIndent(f.records, "", "  ")
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshalling snapshot: %w", err)
	}

	tmp := f.path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating snapshot temp file: %w", err)
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing snapshot temp file: %w", err)
	}

	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalizing snapshot: %w", err)
	}
	return nil
}
