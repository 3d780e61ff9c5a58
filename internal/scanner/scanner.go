// Package scanner implements the incremental, cache-aware traversal of
// the remote tree. It owns every write to the directory cache and the
// seen-file ledger.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"davscan/internal/config"
	"davscan/internal/filter"
	"davscan/internal/snapshot"
	"davscan/internal/store"
	"davscan/internal/webdav"
)

// Lister is the remote directory interface. List returns the immediate
// children of a path; Stat returns the path's own resource without
// listing its children.
type Lister interface {
	List(ctx context.Context, path string) ([]webdav.Resource, error)
	Stat(ctx context.Context, path string) (webdav.Resource, error)
}

// Classifier decides whether a file path is a reportable episode.
type Classifier interface {
	Qualify(path string) (lang string, ok bool)
}

// Options carries the collaborators and tunables of the engine.
type Options struct {
	Lister     Lister
	Classifier Classifier
	Skips      *filter.SkipSet
	Cache      store.CacheStore
	Ledger     store.Ledger
	Snapshot   *snapshot.File
	// CacheWindow is how long an unchanged directory may be skipped
	// without a remote call. Zero disables skipping entirely.
	CacheWindow time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
	Log *logrus.Logger
}

// Engine performs the traversal. A single engine instance must be the
// only writer of its cache store and ledger.
type Engine struct {
	lister Lister
	filt   Classifier
	skips  *filter.SkipSet
	cache  store.CacheStore
	ledger store.Ledger
	snap   *snapshot.File
	window time.Duration
	now    func() time.Time
	log    *logrus.Logger
}

// New creates an engine from options.
func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = logrus.New()
	}
	skips := opts.Skips
	if skips == nil {
		skips = filter.NewSkipSet(nil)
	}
	return &Engine{
		lister: opts.Lister,
		filt:   opts.Classifier,
		skips:  skips,
		cache:  opts.Cache,
		ledger: opts.Ledger,
		snap:   opts.Snapshot,
		window: opts.CacheWindow,
		now:    now,
		log:    log,
	}
}

// Scan traverses every configured root and returns the newly
// discovered episodes. A failing root is logged and does not abort its
// siblings; the returned error is non-nil only when every root failed,
// which callers treat as total transport failure.
func (e *Engine) Scan(ctx context.Context, roots []string) ([]store.Episode, error) {
	if e.snap != nil {
		e.rebuildSnapshot(ctx)
	}

	var (
		all    []store.Episode
		failed int
		first  error
	)
	for _, root := range roots {
		eps, err := e.ScanRoot(ctx, root)
		if err != nil {
			failed++
			if first == nil {
				first = err
			}
			e.log.WithField("root", root).Warnf("scan failed: %v", err)
			continue
		}
		all = append(all, eps...)
	}
	if len(roots) > 0 && failed == len(roots) {
		return nil, fmt.Errorf("all %d roots failed: %w", failed, first)
	}
	return all, nil
}

// rebuildSnapshot backfills ledger records missing from the snapshot.
// A run aborted between a ledger insert and the snapshot save leaves
// the on-disk document behind the ledger; membership never shrinks,
// so backfilling is always safe.
func (e *Engine) rebuildSnapshot(ctx context.Context) {
	eps, err := e.ledger.All(ctx)
	if err != nil {
		e.log.Errorf("reading ledger for snapshot rebuild: %v", err)
		return
	}

	added := 0
	for _, ep := range eps {
		if e.snap.Contains(ep.Path) {
			continue
		}
		e.snap.Mark(ep.Path, snapshot.Record{
			Size:     ep.Size,
			ETag:     ep.ETag,
			LastMod:  ep.LastMod,
			Lang:     ep.Lang,
			Filename: ep.Filename,
			ShowPath: ep.ShowPath,
			SeenAt:   ep.FirstSeenAt.Unix(),
		})
		added++
	}
	if added == 0 {
		return
	}

	e.log.Infof("snapshot rebuilt, %d ledger records backfilled", added)
	if err := e.snap.Save(); err != nil {
		e.log.Errorf("saving rebuilt snapshot: %v", err)
	}
}

// ScanRoot traverses one root and returns the episodes that were
// absent from the ledger when the call started. Every returned episode
// is already recorded in the ledger and mirrored into the snapshot by
// the time ScanRoot returns.
func (e *Engine) ScanRoot(ctx context.Context, root string) ([]store.Episode, error) {
	root = config.NormalizePath(root)
	if e.skips.Match(root) {
		e.log.WithField("root", root).Debug("root is skip-listed, nothing to do")
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Roots have no parent listing to supply their mtime, so a Depth-0
	// stat provides it. The stat mtime is also what gets cached, which
	// keeps later freshness checks comparing like against like.
	var remoteMod time.Time
	res, statErr := e.lister.Stat(ctx, root)
	if statErr == nil {
		remoteMod = res.ModTime
	}
	if entry, ok := e.freshEntry(ctx, root); ok {
		if statErr != nil {
			return nil, fmt.Errorf("stat root %s: %w", root, statErr)
		}
		if e.unchanged(entry, remoteMod) {
			e.log.WithField("root", root).Debug("root unchanged within cache window")
			return nil, nil
		}
	} else if statErr != nil {
		e.log.WithField("root", root).Debugf("stat failed, scanning without a root mtime: %v", statErr)
	}

	eps, err := e.scanDir(ctx, root, remoteMod)

	// Every episode in eps is already in the ledger and marked in the
	// snapshot, so the save happens even when the traversal aborted
	// partway; otherwise those marks would never reach disk.
	if len(eps) > 0 && e.snap != nil {
		if saveErr := e.snap.Save(); saveErr != nil {
			e.log.Errorf("saving snapshot: %v", saveErr)
		}
	}
	return eps, err
}

// freshEntry returns the cache entry for path when it exists and its
// last scan is inside the window. A cache read failure degrades to a
// miss so the directory is simply rescanned.
func (e *Engine) freshEntry(ctx context.Context, path string) (store.DirectoryCache, bool) {
	if e.window <= 0 {
		return store.DirectoryCache{}, false
	}
	entry, ok, err := e.cache.Get(ctx, path)
	if err != nil {
		e.log.WithField("path", path).Errorf("cache read failed, rescanning: %v", err)
		return store.DirectoryCache{}, false
	}
	if !ok {
		return store.DirectoryCache{}, false
	}
	if e.now().Sub(entry.LastScannedAt) >= e.window {
		return store.DirectoryCache{}, false
	}
	return entry, true
}

// unchanged reports whether the remote mtime matches the cached one.
// A missing timestamp on either side always counts as changed; any
// difference, including a decrease, counts as changed.
func (e *Engine) unchanged(entry store.DirectoryCache, remoteMod time.Time) bool {
	if remoteMod.IsZero() || entry.LastKnownMTime.IsZero() {
		return false
	}
	return remoteMod.Equal(entry.LastKnownMTime)
}

// scanDir traverses one directory. remoteMod is the mtime the parent's
// listing reported for it (zero when unknown). The directory's cache
// entry is only updated after every child was processed successfully,
// so a failed branch is always revisited on the next run.
func (e *Engine) scanDir(ctx context.Context, path string, remoteMod time.Time) ([]store.Episode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.skips.Match(path) {
		return nil, nil
	}

	if entry, ok := e.freshEntry(ctx, path); ok && e.unchanged(entry, remoteMod) {
		// Skipping does not advance last_scanned_at: the staleness
		// clock only moves on actual traversal.
		return nil, nil
	}

	children, err := e.lister.List(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	var (
		result    []store.Episode
		degraded  bool
		maxChild  time.Time
		scannedAt = e.now()
	)
	for _, child := range children {
		if child.ModTime.After(maxChild) {
			maxChild = child.ModTime
		}
		if child.IsDir {
			if e.skips.Match(child.Path) {
				continue
			}
			eps, childErr := e.scanDir(ctx, child.Path, child.ModTime)
			result = append(result, eps...)
			if childErr != nil {
				if errors.Is(childErr, context.Canceled) {
					return result, childErr
				}
				// Failure isolation: siblings proceed, this directory
				// is not marked fully processed.
				e.log.WithField("path", child.Path).Warnf("subtree failed: %v", childErr)
				degraded = true
			}
			continue
		}

		ep, reported := e.classifyFile(ctx, child, path, scannedAt)
		switch {
		case reported:
			result = append(result, ep)
		case ep.Path != "":
			// Qualifying file whose ledger write could not be
			// confirmed: not reported this run, and the directory is
			// left uncached so the next run retries it.
			degraded = true
		}
	}

	if degraded {
		return result, nil
	}

	mtime := remoteMod
	if mtime.IsZero() {
		mtime = maxChild
	}
	upsertErr := e.cache.Upsert(ctx, store.DirectoryCache{
		Path:           path,
		LastKnownMTime: mtime,
		LastScannedAt:  scannedAt,
	})
	if upsertErr != nil {
		// Safe degradation: the scan result stands, the directory is
		// simply rescanned unconditionally next run.
		e.log.WithField("path", path).Errorf("cache upsert failed: %v", upsertErr)
	}
	return result, nil
}

// classifyFile runs the classifier and the ledger check for one listed
// file. It returns the episode and whether it is newly reported. A
// non-empty episode with reported=false marks an unconfirmed ledger
// write.
func (e *Engine) classifyFile(ctx context.Context, res webdav.Resource, dir string, now time.Time) (store.Episode, bool) {
	lang, ok := e.filt.Qualify(res.Path)
	if !ok {
		return store.Episode{}, false
	}

	seen, err := e.ledger.Contains(ctx, res.Path)
	if err != nil {
		e.log.WithField("path", res.Path).Errorf("ledger lookup failed: %v", err)
		return store.Episode{Path: res.Path}, false
	}
	if seen {
		return store.Episode{}, false
	}

	ep := store.Episode{
		Path:        res.Path,
		ShowPath:    dir,
		Lang:        lang,
		Filename:    baseName(res.Path),
		Size:        res.Size,
		ETag:        res.ETag,
		FirstSeenAt: now,
	}
	if !res.ModTime.IsZero() {
		ep.LastMod = res.ModTime.UTC().Format(time.RFC3339)
	}

	switch insertErr := e.ledger.Insert(ctx, ep); {
	case insertErr == nil:
	case errors.Is(insertErr, store.ErrDuplicate):
		// Benign race with an interrupted earlier run: already
		// recorded, so not new.
		return store.Episode{}, false
	default:
		e.log.WithField("path", res.Path).Errorf("ledger insert failed: %v", insertErr)
		return store.Episode{Path: res.Path}, false
	}

	if e.snap != nil {
		e.snap.Mark(ep.Path, snapshot.Record{
			Size:     ep.Size,
			ETag:     ep.ETag,
			LastMod:  ep.LastMod,
			Lang:     ep.Lang,
			Filename: ep.Filename,
			ShowPath: ep.ShowPath,
			SeenAt:   now.Unix(),
		})
	}
	return ep, true
}

func baseName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
