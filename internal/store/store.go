package store

import (
	"context"
	"errors"
)

// ErrDuplicate reports an insert for a path the ledger already holds.
// Callers treat it as a benign no-op.
var ErrDuplicate = errors.New("store: record already exists")

// CacheStore is the durable directory cache. Only one scan engine
// instance writes to it at a time.
type CacheStore interface {
	Get(ctx context.Context, path string) (DirectoryCache, bool, error)
	Upsert(ctx context.Context, entry DirectoryCache) error
	// Reset drops every cache entry. Scanning afterwards re-traverses
	// everything unconditionally.
	Reset(ctx context.Context) error
}

// Ledger is the monotonically growing record of every episode path
// ever reported. Records are inserted exactly once and never updated
// or deleted in normal operation.
type Ledger interface {
	Contains(ctx context.Context, path string) (bool, error)
	// Insert records an episode, failing with ErrDuplicate when the
	// path is already present.
	Insert(ctx context.Context, ep Episode) error
	// All returns every recorded episode, for snapshot rebuilds.
	All(ctx context.Context) ([]Episode, error)
	// Shows lists the distinct show directories known to the ledger.
	Shows(ctx context.Context) ([]ShowEntry, error)
}

// MetadataStore persists per-show enrichment fetched from TMDB.
type MetadataStore interface {
	GetShowMetadata(ctx context.Context, showPath string) (ShowMetadata, bool, error)
	UpsertShowMetadata(ctx context.Context, md ShowMetadata) error
}
