// Package sqlite persists the directory cache, the seen-file ledger and
// show metadata inside a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"davscan/internal/store"
)

// Store implements store.CacheStore, store.Ledger and
// store.MetadataStore over one database file.
type Store struct {
	db *sql.DB
}

// Open initializes (or reuses) a SQLite database at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS directory_cache (
        path TEXT PRIMARY KEY,
        last_known_mtime INTEGER NOT NULL DEFAULT 0,
        last_scanned_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS episodes (
        path TEXT PRIMARY KEY,
        show_path TEXT NOT NULL,
        lang TEXT,
        filename TEXT,
        size INTEGER,
        lastmod TEXT,
        etag TEXT,
        first_seen_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS show_metadata (
        show_path TEXT PRIMARY KEY,
        title TEXT,
        lang TEXT,
        rating REAL,
        overview TEXT,
        genres TEXT,
        source TEXT,
        updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_episodes_show ON episodes(show_path);
`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// Get looks up the cache entry for a directory path.
func (s *Store) Get(ctx context.Context, path string) (store.DirectoryCache, bool, error) {
	var (
		mtime   int64
		scanned int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT last_known_mtime, last_scanned_at FROM directory_cache WHERE path = ?
`, path).Scan(&mtime, &scanned)

	if errors.Is(err, sql.ErrNoRows) {
		return store.DirectoryCache{}, false, nil
	}
	if err != nil {
		return store.DirectoryCache{}, false, fmt.Errorf("query cache entry %s: %w", path, err)
	}

	entry := store.DirectoryCache{
		Path:          path,
		LastScannedAt: time.Unix(0, scanned),
	}
	if mtime != 0 {
		entry.LastKnownMTime = time.Unix(0, mtime)
	}
	return entry, true, nil
}

// Upsert overwrites the cache entry for a directory.
func (s *Store) Upsert(ctx context.Context, entry store.DirectoryCache) error {
	var mtime int64
	if !entry.LastKnownMTime.IsZero() {
		mtime = entry.LastKnownMTime.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO directory_cache(path, last_known_mtime, last_scanned_at)
VALUES(?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
        last_known_mtime=excluded.last_known_mtime,
        last_scanned_at=excluded.last_scanned_at
`, entry.Path, mtime, entry.LastScannedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert cache entry %s: %w", entry.Path, err)
	}
	return nil
}

// Reset drops all cache entries.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM directory_cache`); err != nil {
		return fmt.Errorf("reset directory cache: %w", err)
	}
	return nil
}

// Contains reports whether an episode path was ever recorded.
func (s *Store) Contains(ctx context.Context, path string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM episodes WHERE path = ?`, path).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query episode %s: %w", path, err)
	}
	return true, nil
}

// Insert records a newly discovered episode. It fails with
// store.ErrDuplicate when the path is already present; the record is
// never overwritten.
func (s *Store) Insert(ctx context.Context, ep store.Episode) error {
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO episodes(path, show_path, lang, filename, size, lastmod, etag, first_seen_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, ep.Path, ep.ShowPath, ep.Lang, ep.Filename, ep.Size, ep.LastMod, ep.ETag, ep.FirstSeenAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert episode %s: %w", ep.Path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert episode %s: %w", ep.Path, err)
	}
	if n == 0 {
		return store.ErrDuplicate
	}
	return nil
}

// All returns every recorded episode.
func (s *Store) All(ctx context.Context) ([]store.Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT path, show_path, lang, filename, size, lastmod, etag, first_seen_at FROM episodes
`)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()

	var episodes []store.Episode
	for rows.Next() {
		var (
			ep        store.Episode
			firstSeen int64
		)
		if scanErr := rows.Scan(&ep.Path, &ep.ShowPath, &ep.Lang, &ep.Filename, &ep.Size, &ep.LastMod, &ep.ETag, &firstSeen); scanErr != nil {
			return nil, fmt.Errorf("scan episode row: %w", scanErr)
		}
		ep.FirstSeenAt = time.Unix(0, firstSeen)
		episodes = append(episodes, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate episodes: %w", err)
	}
	return episodes, nil
}

// Shows lists the distinct show directories recorded in the ledger,
// each with the language of its most recently seen episode.
func (s *Store) Shows(ctx context.Context) ([]store.ShowEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT e.show_path, COALESCE(e.lang, '') AS lang
FROM episodes e
WHERE e.first_seen_at = (
        SELECT MAX(first_seen_at) FROM episodes WHERE show_path = e.show_path
)
GROUP BY e.show_path
ORDER BY e.show_path
`)
	if err != nil {
		return nil, fmt.Errorf("query shows: %w", err)
	}
	defer rows.Close()

	var shows []store.ShowEntry
	for rows.Next() {
		var entry store.ShowEntry
		if scanErr := rows.Scan(&entry.ShowPath, &entry.Lang); scanErr != nil {
			return nil, fmt.Errorf("scan show row: %w", scanErr)
		}
		shows = append(shows, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shows: %w", err)
	}
	return shows, nil
}

// GetShowMetadata looks up cached enrichment for a show directory.
func (s *Store) GetShowMetadata(ctx context.Context, showPath string) (store.ShowMetadata, bool, error) {
	var (
		md        store.ShowMetadata
		rating    sql.NullFloat64
		genres    string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT show_path, COALESCE(title, ''), COALESCE(lang, ''), rating,
       COALESCE(overview, ''), COALESCE(genres, '[]'), COALESCE(source, ''), updated_at
FROM show_metadata WHERE show_path = ?
`, showPath).Scan(&md.ShowPath, &md.Title, &md.Lang, &rating, &md.Overview, &genres, &md.Source, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return store.ShowMetadata{}, false, nil
	}
	if err != nil {
		return store.ShowMetadata{}, false, fmt.Errorf("query show metadata %s: %w", showPath, err)
	}

	if rating.Valid {
		md.Rating = rating.Float64
		md.HasRating = true
	}
	if unmarshalErr := json.Unmarshal([]byte(genres), &md.Genres); unmarshalErr != nil {
		md.Genres = nil
	}
	md.UpdatedAt = time.Unix(0, updatedAt)
	return md, true, nil
}

// UpsertShowMetadata inserts or refreshes enrichment for a show.
func (s *Store) UpsertShowMetadata(ctx context.Context, md store.ShowMetadata) error {
	genres, err := json.Marshal(md.Genres)
	if err != nil {
		return fmt.Errorf("marshal genres for %s: %w", md.ShowPath, err)
	}
	var rating any
	if md.HasRating {
		rating = md.Rating
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO show_metadata(show_path, title, lang, rating, overview, genres, source, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(show_path) DO UPDATE SET
        title=excluded.title,
        lang=excluded.lang,
        rating=excluded.rating,
        overview=excluded.overview,
        genres=excluded.genres,
        source=excluded.source,
        updated_at=excluded.updated_at
`, md.ShowPath, md.Title, md.Lang, rating, md.Overview, string(genres), md.Source, md.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert show metadata %s: %w", md.ShowPath, err)
	}
	return nil
}
