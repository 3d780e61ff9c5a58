package metadata

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"davscan/internal/store"
)

// Updater walks the shows recorded by the ledger and refreshes their
// metadata when it is missing, incomplete or older than the TTL.
type Updater struct {
	ledger  store.Ledger
	meta    store.MetadataStore
	fetcher *Fetcher
	ttl     time.Duration
	now     func() time.Time
	log     *logrus.Logger
}

// NewUpdater wires an updater. A non-positive cacheHours refreshes
// incomplete entries only.
func NewUpdater(ledger store.Ledger, meta store.MetadataStore, fetcher *Fetcher, cacheHours int, log *logrus.Logger) *Updater {
	if cacheHours < 0 {
		cacheHours = 0
	}
	return &Updater{
		ledger:  ledger,
		meta:    meta,
		fetcher: fetcher,
		ttl:     time.Duration(cacheHours) * time.Hour,
		now:     time.Now,
		log:     log,
	}
}

// Run refreshes metadata for every known show. Per-show failures are
// logged and do not abort the pass.
func (u *Updater) Run(ctx context.Context) error {
	shows, err := u.ledger.Shows(ctx)
	if err != nil {
		return err
	}
	if len(shows) == 0 {
		u.log.Info("no recorded shows yet, run a scan first")
		return nil
	}

	var updated, skipped, failed int
	for _, show := range shows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !u.shouldFetch(ctx, show.ShowPath) {
			skipped++
			continue
		}

		title := DeriveTitle(show.ShowPath)
		if title == "" {
			skipped++
			continue
		}

		lang := show.Lang
		if lang == "" {
			lang = "美剧"
		}

		md, ok, err := u.fetcher.Fetch(ctx, title, lang)
		if err != nil {
			u.log.WithField("show", show.ShowPath).Warnf("metadata fetch failed: %v", err)
			failed++
			continue
		}
		if !ok {
			failed++
			continue
		}

		md.ShowPath = show.ShowPath
		md.Lang = lang
		md.UpdatedAt = u.now()
		if err := u.meta.UpsertShowMetadata(ctx, md); err != nil {
			u.log.WithField("show", show.ShowPath).Errorf("metadata upsert failed: %v", err)
			failed++
			continue
		}
		updated++
		u.log.WithFields(logrus.Fields{"show": show.ShowPath, "title": md.Title}).Info("metadata updated")
	}

	u.log.Infof("metadata pass done: %d shows, %d updated, %d skipped, %d failed",
		len(shows), updated, skipped, failed)
	return nil
}

func (u *Updater) shouldFetch(ctx context.Context, showPath string) bool {
	cached, ok, err := u.meta.GetShowMetadata(ctx, showPath)
	if err != nil {
		u.log.WithField("show", showPath).Errorf("metadata lookup failed: %v", err)
		return false
	}
	if !ok {
		return true
	}
	if !cached.HasRating || cached.Overview == "" || len(cached.Genres) == 0 {
		return true
	}
	return u.now().Sub(cached.UpdatedAt) >= u.ttl && u.ttl > 0
}
