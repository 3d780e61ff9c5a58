// Package store defines the persisted records and the contracts of the
// directory cache and the seen-file ledger.
package store

import "time"

// DirectoryCache is the durable per-directory record driving the
// skip/rescan decision. LastKnownMTime is the remote-reported mtime
// observed when the directory was last fully scanned; a zero value
// means the server never reported one.
type DirectoryCache struct {
	Path           string
	LastKnownMTime time.Time
	LastScannedAt  time.Time
}

// Episode is a qualifying file as recorded in the ledger and reported
// to the caller.
type Episode struct {
	Path        string    `json:"path"`
	ShowPath    string    `json:"showPath"`
	Lang        string    `json:"lang"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	LastMod     string    `json:"lastmod"`
	ETag        string    `json:"etag"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
}

// ShowEntry names a show directory known to the ledger together with
// the language of its most recently recorded episode.
type ShowEntry struct {
	ShowPath string
	Lang     string
}

// ShowMetadata is externally fetched per-show enrichment. It never
// participates in novelty decisions.
type ShowMetadata struct {
	ShowPath  string
	Title     string
	Lang      string
	Rating    float64
	HasRating bool
	Overview  string
	Genres    []string
	Source    string
	UpdatedAt time.Time
}
