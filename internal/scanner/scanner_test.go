package scanner

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"davscan/internal/filter"
	"davscan/internal/snapshot"
	"davscan/internal/store"
	"davscan/internal/webdav"
)

// fakeLister serves a canned remote tree and counts remote calls.
type fakeLister struct {
	children  map[string][]webdav.Resource
	self      map[string]webdav.Resource
	listErr   map[string]error
	listCalls map[string]int
	statCalls map[string]int
	listHook  func(path string)
}

func newFakeLister() *fakeLister {
	return &fakeLister{
		children:  map[string][]webdav.Resource{},
		self:      map[string]webdav.Resource{},
		listErr:   map[string]error{},
		listCalls: map[string]int{},
		statCalls: map[string]int{},
	}
}

func (f *fakeLister) List(_ context.Context, path string) ([]webdav.Resource, error) {
	f.listCalls[path]++
	if f.listHook != nil {
		f.listHook(path)
	}
	if err := f.listErr[path]; err != nil {
		return nil, err
	}
	return f.children[path], nil
}

func (f *fakeLister) Stat(_ context.Context, path string) (webdav.Resource, error) {
	f.statCalls[path]++
	if res, ok := f.self[path]; ok {
		return res, nil
	}
	return webdav.Resource{}, errors.New("stat: not found")
}

// setDir registers a directory with its own mtime and children.
func (f *fakeLister) setDir(path string, mod time.Time, children ...webdav.Resource) {
	f.self[path] = webdav.Resource{Path: path, IsDir: true, ModTime: mod}
	f.children[path] = children
}

func dir(path string, mod time.Time) webdav.Resource {
	return webdav.Resource{Path: path, IsDir: true, ModTime: mod}
}

func file(path string, mod time.Time) webdav.Resource {
	return webdav.Resource{Path: path, ModTime: mod, Size: 100}
}

// memCache is an in-memory store.CacheStore with injectable failures.
type memCache struct {
	entries   map[string]store.DirectoryCache
	getErr    error
	upsertErr error
}

func newMemCache() *memCache { return &memCache{entries: map[string]store.DirectoryCache{}} }

func (m *memCache) Get(_ context.Context, path string) (store.DirectoryCache, bool, error) {
	if m.getErr != nil {
		return store.DirectoryCache{}, false, m.getErr
	}
	e, ok := m.entries[path]
	return e, ok, nil
}

func (m *memCache) Upsert(_ context.Context, entry store.DirectoryCache) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.entries[entry.Path] = entry
	return nil
}

func (m *memCache) Reset(context.Context) error {
	m.entries = map[string]store.DirectoryCache{}
	return nil
}

// memLedger is an in-memory store.Ledger with injectable failures.
type memLedger struct {
	records   map[string]store.Episode
	insertErr map[string]error
}

func newMemLedger() *memLedger {
	return &memLedger{records: map[string]store.Episode{}, insertErr: map[string]error{}}
}

func (m *memLedger) Contains(_ context.Context, path string) (bool, error) {
	_, ok := m.records[path]
	return ok, nil
}

func (m *memLedger) Insert(_ context.Context, ep store.Episode) error {
	if err := m.insertErr[ep.Path]; err != nil {
		return err
	}
	if _, ok := m.records[ep.Path]; ok {
		return store.ErrDuplicate
	}
	m.records[ep.Path] = ep
	return nil
}

func (m *memLedger) All(context.Context) ([]store.Episode, error) {
	var out []store.Episode
	for _, ep := range m.records {
		out = append(out, ep)
	}
	return out, nil
}

func (m *memLedger) Shows(context.Context) ([]store.ShowEntry, error) { return nil, nil }

// extClassifier qualifies every .mkv file as a US drama.
type extClassifier struct{}

func (extClassifier) Qualify(path string) (string, bool) {
	if filepath.Ext(path) == ".mkv" {
		return "美剧", true
	}
	return "", false
}

type harness struct {
	lister   *fakeLister
	cache    *memCache
	ledger   *memLedger
	snap     *snapshot.File
	snapPath string
	engine   *Engine
	now      time.Time
}

func newHarness(t *testing.T, skips []string) *harness {
	t.Helper()
	snapPath := filepath.Join(t.TempDir(), "state.json")
	h := &harness{
		lister:   newFakeLister(),
		cache:    newMemCache(),
		ledger:   newMemLedger(),
		snap:     snapshot.Load(snapPath),
		snapPath: snapPath,
		now:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.engine = New(Options{
		Lister:      h.lister,
		Classifier:  extClassifier{},
		Skips:       filter.NewSkipSet(skips),
		Cache:       h.cache,
		Ledger:      h.ledger,
		Snapshot:    h.snap,
		CacheWindow: 24 * time.Hour,
		Now:         func() time.Time { return h.now },
	})
	return h
}

func paths(eps []store.Episode) []string {
	out := make([]string, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.Path)
	}
	return out
}

func TestScanRootFirstRun(t *testing.T) {
	// Scenario A: empty cache and ledger.
	h := newHarness(t, nil)
	mod := h.now.Add(-time.Hour)
	h.lister.setDir("/shows", mod,
		file("/shows/a.mkv", mod),
		file("/shows/readme.txt", mod),
	)

	eps, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	assert.Equal(t, []string{"/shows/a.mkv"}, paths(eps))

	seen, err := h.ledger.Contains(context.Background(), "/shows/a.mkv")
	require.NoError(t, err)
	assert.True(t, seen, "reported file must be in the ledger")

	entry, ok, err := h.cache.Get(context.Background(), "/shows")
	require.NoError(t, err)
	require.True(t, ok, "scanned directory must be cached")
	assert.Equal(t, mod, entry.LastKnownMTime)
	assert.Equal(t, h.now, entry.LastScannedAt)

	assert.True(t, h.snap.Contains("/shows/a.mkv"), "ledger insert must be mirrored into the snapshot")

	ep := eps[0]
	assert.Equal(t, "美剧", ep.Lang)
	assert.Equal(t, "a.mkv", ep.Filename)
	assert.Equal(t, "/shows", ep.ShowPath)
}

func TestScanRootUnchangedSkipsListing(t *testing.T) {
	// Scenario B: immediate re-run with no remote change.
	h := newHarness(t, nil)
	mod := h.now.Add(-time.Hour)
	h.lister.setDir("/shows", mod, file("/shows/a.mkv", mod))

	_, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	require.Equal(t, 1, h.lister.listCalls["/shows"])

	h.now = h.now.Add(time.Minute)
	eps, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	assert.Empty(t, eps)
	assert.Equal(t, 1, h.lister.listCalls["/shows"], "unchanged root must not be listed again")
	assert.Equal(t, 2, h.lister.statCalls["/shows"], "the re-run costs one stat, not a listing")
}

func TestScanRootCachesStatMtime(t *testing.T) {
	// The root's own mtime can differ from every child's. Caching the
	// stat mtime keeps an unchanged in-window re-run down to one stat.
	h := newHarness(t, nil)
	selfMod := h.now.Add(-time.Hour)
	childMod := h.now.Add(-30 * time.Minute)
	h.lister.setDir("/shows", selfMod, file("/shows/a.mkv", childMod))

	_, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)

	entry, ok, err := h.cache.Get(context.Background(), "/shows")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, selfMod, entry.LastKnownMTime)

	h.now = h.now.Add(time.Minute)
	eps, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	assert.Empty(t, eps)
	assert.Equal(t, 1, h.lister.listCalls["/shows"], "matching stat and cache must prune without a listing")
}

func TestScanRootSkipDoesNotAdvanceScanClock(t *testing.T) {
	h := newHarness(t, nil)
	mod := h.now.Add(-time.Hour)
	h.lister.setDir("/shows", mod, file("/shows/a.mkv", mod))

	_, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	firstScan := h.now

	h.now = h.now.Add(2 * time.Hour)
	_, err = h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)

	entry, ok, err := h.cache.Get(context.Background(), "/shows")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, firstScan, entry.LastScannedAt, "a skipped directory keeps its true last-scan time")
}

func TestScanRootDetectsNewFileAfterMtimeAdvance(t *testing.T) {
	// Scenario C: remote mtime advances and a new file appears.
	h := newHarness(t, nil)
	mod1 := h.now.Add(-2 * time.Hour)
	h.lister.setDir("/shows", mod1, file("/shows/a.mkv", mod1))

	eps, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	require.Equal(t, []string{"/shows/a.mkv"}, paths(eps))

	h.now = h.now.Add(time.Hour)
	mod2 := h.now
	h.lister.setDir("/shows", mod2,
		file("/shows/a.mkv", mod1),
		file("/shows/b.mkv", mod2),
	)

	eps, err = h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	assert.Equal(t, []string{"/shows/b.mkv"}, paths(eps), "only the genuinely new file is reported")
}

func TestScanRootSkipList(t *testing.T) {
	// Scenario D: a skip-listed subtree is never touched.
	h := newHarness(t, []string{"/shows/old"})
	mod := h.now.Add(-time.Hour)
	h.lister.setDir("/shows", mod,
		dir("/shows/old", mod),
		file("/shows/a.mkv", mod),
	)
	h.lister.setDir("/shows/old", mod, file("/shows/old/c.mkv", mod))

	for i := 0; i < 3; i++ {
		eps, err := h.engine.ScanRoot(context.Background(), "/shows")
		require.NoError(t, err)
		for _, ep := range eps {
			assert.NotContains(t, ep.Path, "/shows/old")
		}
		h.now = h.now.Add(48 * time.Hour) // expire the window every round
	}

	assert.Zero(t, h.lister.listCalls["/shows/old"], "skip-listed directory must never be listed")
	seen, err := h.ledger.Contains(context.Background(), "/shows/old/c.mkv")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.False(t, h.snap.Contains("/shows/old/c.mkv"))
}

func TestScanRootSkippedRootIsNoOp(t *testing.T) {
	h := newHarness(t, []string{"/shows"})
	eps, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	assert.Empty(t, eps)
	assert.Empty(t, h.lister.listCalls)
	assert.Empty(t, h.lister.statCalls)
	_, ok, err := h.cache.Get(context.Background(), "/shows")
	require.NoError(t, err)
	assert.False(t, ok, "skipped root must not touch the cache")
}

func TestScanUnchangedSubdirectoryIsPruned(t *testing.T) {
	h := newHarness(t, nil)
	mod1 := h.now.Add(-2 * time.Hour)
	h.lister.setDir("/shows", mod1, dir("/shows/s1", mod1))
	h.lister.setDir("/shows/s1", mod1, file("/shows/s1/a.mkv", mod1))

	_, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	require.Equal(t, 1, h.lister.listCalls["/shows/s1"])

	// Root changes, the subdirectory does not.
	h.now = h.now.Add(time.Hour)
	mod2 := h.now
	h.lister.setDir("/shows", mod2,
		dir("/shows/s1", mod1),
		file("/shows/b.mkv", mod2),
	)

	eps, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	assert.Equal(t, []string{"/shows/b.mkv"}, paths(eps))
	assert.Equal(t, 1, h.lister.listCalls["/shows/s1"], "unchanged subdirectory inside the window is not re-listed")
}

func TestScanMissingMtimeAlwaysRescans(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.setDir("/shows", time.Time{}, file("/shows/a.mkv", time.Time{}))

	_, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)

	h.now = h.now.Add(time.Minute)
	_, err = h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	assert.Equal(t, 2, h.lister.listCalls["/shows"], "a server that omits timestamps is treated as always changed")
}

func TestScanMtimeDecreaseRescans(t *testing.T) {
	h := newHarness(t, nil)
	mod1 := h.now.Add(-time.Hour)
	h.lister.setDir("/shows", mod1, file("/shows/a.mkv", mod1))

	_, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)

	// Server clock rolled back: mtime decreased.
	h.now = h.now.Add(time.Minute)
	older := mod1.Add(-time.Hour)
	h.lister.setDir("/shows", older, file("/shows/a.mkv", mod1))

	_, err = h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	assert.Equal(t, 2, h.lister.listCalls["/shows"], "an mtime decrease counts as changed")
}

func TestScanSubtreeFailureIsolation(t *testing.T) {
	h := newHarness(t, nil)
	mod := h.now.Add(-time.Hour)
	h.lister.setDir("/shows", mod,
		dir("/shows/bad", mod),
		dir("/shows/good", mod),
	)
	h.lister.setDir("/shows/good", mod, file("/shows/good/a.mkv", mod))
	h.lister.listErr["/shows/bad"] = errors.New("connection reset")

	eps, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err, "a failed subtree must not fail the root")
	assert.Equal(t, []string{"/shows/good/a.mkv"}, paths(eps))

	_, ok, err := h.cache.Get(context.Background(), "/shows/bad")
	require.NoError(t, err)
	assert.False(t, ok, "failed directory keeps no cache entry")

	_, ok, err = h.cache.Get(context.Background(), "/shows")
	require.NoError(t, err)
	assert.False(t, ok, "a directory with a failed child is not fully processed")

	_, ok, err = h.cache.Get(context.Background(), "/shows/good")
	require.NoError(t, err)
	assert.True(t, ok, "the healthy sibling is cached normally")
}

func TestScanRootTransportErrorPropagates(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.listErr["/shows"] = errors.New("base unreachable")
	h.lister.children["/shows"] = nil

	_, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.Error(t, err)
}

func TestScanAllRootsFailed(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.listErr["/a"] = errors.New("unreachable")
	h.lister.listErr["/b"] = errors.New("unreachable")

	_, err := h.engine.Scan(context.Background(), []string{"/a", "/b"})
	require.Error(t, err, "total transport failure must surface")

	h.lister.setDir("/b", h.now, file("/b/x.mkv", h.now))
	delete(h.lister.listErr, "/b")
	eps, err := h.engine.Scan(context.Background(), []string{"/a", "/b"})
	require.NoError(t, err, "one healthy root keeps the run successful")
	assert.Equal(t, []string{"/b/x.mkv"}, paths(eps))
}

func TestScanUnconfirmedLedgerWrite(t *testing.T) {
	h := newHarness(t, nil)
	mod := h.now.Add(-time.Hour)
	h.lister.setDir("/shows", mod,
		file("/shows/a.mkv", mod),
		file("/shows/b.mkv", mod),
	)
	h.ledger.insertErr["/shows/b.mkv"] = errors.New("disk full")

	eps, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	assert.Equal(t, []string{"/shows/a.mkv"}, paths(eps), "a file with an unconfirmed write is not reported this run")

	_, ok, err := h.cache.Get(context.Background(), "/shows")
	require.NoError(t, err)
	assert.False(t, ok, "the directory stays uncached so the next run retries")

	// Next run, ledger healthy again: the file is picked up.
	delete(h.ledger.insertErr, "/shows/b.mkv")
	h.now = h.now.Add(time.Minute)
	eps, err = h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	assert.Equal(t, []string{"/shows/b.mkv"}, paths(eps))
}

func TestScanDuplicateInsertIsBenign(t *testing.T) {
	h := newHarness(t, nil)
	mod := h.now.Add(-time.Hour)
	h.lister.setDir("/shows", mod, file("/shows/a.mkv", mod))
	h.ledger.records["/shows/a.mkv"] = store.Episode{Path: "/shows/a.mkv"}

	eps, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	assert.Empty(t, eps, "an already-recorded path is never reported again")

	entry, ok, err := h.cache.Get(context.Background(), "/shows")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, mod, entry.LastKnownMTime)
}

func TestScanCacheWriteFailureDegrades(t *testing.T) {
	h := newHarness(t, nil)
	mod := h.now.Add(-time.Hour)
	h.lister.setDir("/shows", mod, file("/shows/a.mkv", mod))
	h.cache.upsertErr = errors.New("readonly database")

	eps, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err, "the scan result stands when the cache write fails")
	assert.Equal(t, []string{"/shows/a.mkv"}, paths(eps))

	// Next run simply rescans; nothing is reported twice.
	h.cache.upsertErr = nil
	h.now = h.now.Add(time.Minute)
	eps, err = h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	assert.Empty(t, eps)
	assert.Equal(t, 2, h.lister.listCalls["/shows"])
}

func TestScanReplacedFileIsNotReReported(t *testing.T) {
	// Identity is by path: a file replaced in place with new content is
	// never re-reported. Deliberate simplification, not a bug.
	h := newHarness(t, nil)
	mod1 := h.now.Add(-2 * time.Hour)
	h.lister.setDir("/shows", mod1, file("/shows/a.mkv", mod1))

	eps, err := h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	require.Len(t, eps, 1)

	h.now = h.now.Add(time.Hour)
	mod2 := h.now
	replaced := file("/shows/a.mkv", mod2)
	replaced.Size = 999
	h.lister.setDir("/shows", mod2, replaced)

	eps, err = h.engine.ScanRoot(context.Background(), "/shows")
	require.NoError(t, err)
	assert.Empty(t, eps)
}

func TestScanAbortedRunStillSavesSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	mod := h.now.Add(-time.Hour)
	h.lister.setDir("/shows", mod,
		file("/shows/a.mkv", mod),
		dir("/shows/sub", mod),
	)
	h.lister.setDir("/shows/sub", mod, file("/shows/sub/b.mkv", mod))

	// Cancellation lands after the root listing, before the subtree.
	ctx, cancel := context.WithCancel(context.Background())
	h.lister.listHook = func(path string) {
		if path == "/shows" {
			cancel()
		}
	}

	_, err := h.engine.ScanRoot(ctx, "/shows")
	require.ErrorIs(t, err, context.Canceled)

	reloaded := snapshot.Load(h.snapPath)
	assert.True(t, reloaded.Contains("/shows/a.mkv"),
		"a ledger insert from an aborted run must still reach the on-disk snapshot")
}

func TestScanBackfillsSnapshotFromLedger(t *testing.T) {
	// An earlier run recorded a.mkv in the ledger but died before its
	// snapshot write landed. The next scan must close the gap: the
	// ledger suppresses re-reporting, so nothing else ever would.
	h := newHarness(t, nil)
	mod := h.now.Add(-time.Hour)
	h.lister.setDir("/shows", mod,
		file("/shows/a.mkv", mod),
		file("/shows/b.mkv", mod),
	)
	h.ledger.records["/shows/a.mkv"] = store.Episode{
		Path:        "/shows/a.mkv",
		ShowPath:    "/shows",
		Lang:        "美剧",
		Filename:    "a.mkv",
		FirstSeenAt: h.now.Add(-2 * time.Hour),
	}

	eps, err := h.engine.Scan(context.Background(), []string{"/shows"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/shows/b.mkv"}, paths(eps), "a backfilled path is not reported as new")

	reloaded := snapshot.Load(h.snapPath)
	assert.True(t, reloaded.Contains("/shows/a.mkv"))
	assert.True(t, reloaded.Contains("/shows/b.mkv"))
}

func TestScanCancellationStopsAtDirectoryBoundary(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.ScanRoot(ctx, "/shows")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.lister.listCalls)
}
