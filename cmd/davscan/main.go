package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"davscan/internal/config"
	"davscan/internal/filter"
	"davscan/internal/logging"
	"davscan/internal/mailbox"
	"davscan/internal/metadata"
	"davscan/internal/scanner"
	"davscan/internal/snapshot"
	"davscan/internal/store"
	"davscan/internal/store/sqlite"
	"davscan/internal/webdav"
)

func main() {
	var (
		configPath      = flag.String("config", "config.yaml", "path to the YAML config file")
		refreshMetadata = flag.Bool("refresh-metadata", false, "refresh show metadata from TMDB instead of scanning")
		resetCache      = flag.Bool("reset-cache", false, "drop the directory cache before scanning")
	)
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	if err := run(ctx, cfg, log, *refreshMetadata, *resetCache); err != nil {
		log.Errorf("run failed: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger, refreshMetadata, resetCache bool) error {
	db, err := sqlite.Open(cfg.Store.DatabaseFile)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if refreshMetadata {
		fetcher, err := metadata.NewFetcher(cfg.Metadata.TMDBAPIKey, log)
		if err != nil {
			return err
		}
		updater := metadata.NewUpdater(db, db, fetcher, cfg.Metadata.CacheHours, log)
		return updater.Run(ctx)
	}

	if resetCache {
		if err := db.Reset(ctx); err != nil {
			return fmt.Errorf("resetting cache: %w", err)
		}
		log.Info("directory cache reset")
	}

	client, err := webdav.New(cfg.WebDAV, log)
	if err != nil {
		return fmt.Errorf("creating webdav client: %w", err)
	}

	classifier, err := filter.NewClassifier(cfg.Filter)
	if err != nil {
		return fmt.Errorf("compiling filter rules: %w", err)
	}

	snap := snapshot.Load(cfg.Store.SnapshotFile)

	engine := scanner.New(scanner.Options{
		Lister:      client,
		Classifier:  classifier,
		Skips:       filter.NewSkipSet(cfg.Scan.SkipPaths),
		Cache:       db,
		Ledger:      db,
		Snapshot:    snap,
		CacheWindow: time.Duration(cfg.Scan.CacheWindowHours) * time.Hour,
		Log:         log,
	})

	if cfg.Scan.Schedule == "" {
		return runOnce(ctx, cfg, log, engine, db, snap)
	}
	return runScheduled(ctx, cfg, log, engine, db, snap)
}

// runOnce performs a single scan and reports on stdout. Exit code 0
// means the scan completed, even with zero new files.
func runOnce(ctx context.Context, cfg *config.Config, log *logrus.Logger, engine *scanner.Engine, ledger store.Ledger, snap *snapshot.File) error {
	log.Infof("scanning %d roots", len(cfg.Scan.Roots))

	eps, err := engine.Scan(ctx, cfg.Scan.Roots)
	if err != nil {
		return err
	}

	if err := report(ctx, cfg, ledger, eps); err != nil {
		return err
	}

	if err := snap.Save(); err != nil {
		log.Errorf("saving snapshot: %v", err)
	}
	log.Infof("scan complete, %d new episodes, snapshot saved to %s", len(eps), cfg.Store.SnapshotFile)
	return nil
}

// runScheduled keeps scanning on the configured cron schedule until
// the context is cancelled. Triggers that fire while a scan is still
// running coalesce through the mailbox, so at most one scan runs at a
// time against the stores.
func runScheduled(ctx context.Context, cfg *config.Config, log *logrus.Logger, engine *scanner.Engine, ledger store.Ledger, snap *snapshot.File) error {
	mb := mailbox.New[time.Time]()

	c := cron.New()
	if _, err := c.AddFunc(cfg.Scan.Schedule, func() {
		mb.Put(time.Now())
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Scan.Schedule, err)
	}
	c.Start()
	defer c.Stop()

	// First scan right away, scheduler covers the rest.
	mb.Put(time.Now())

	log.Infof("scheduled mode, cron %q", cfg.Scan.Schedule)

	for {
		due, ok := mb.Take(ctx)
		if !ok {
			log.Info("scheduler stopped")
			return nil
		}

		log.Debugf("scan triggered at %s", due.Format(time.RFC3339))
		eps, err := engine.Scan(ctx, cfg.Scan.Roots)
		if err != nil {
			log.Errorf("scan failed: %v", err)
			continue
		}
		if err := report(ctx, cfg, ledger, eps); err != nil {
			log.Errorf("reporting failed: %v", err)
		}
		if err := snap.Save(); err != nil {
			log.Errorf("saving snapshot: %v", err)
		}
		log.Infof("scan complete, %d new episodes", len(eps))
	}
}

// report prints the run's result as a JSON array on stdout: the newly
// discovered episodes when onlyNew is set, otherwise the full set the
// ledger knows about.
func report(ctx context.Context, cfg *config.Config, ledger store.Ledger, newEps []store.Episode) error {
	eps := newEps
	if !cfg.Scan.OnlyNew {
		all, err := ledger.All(ctx)
		if err != nil {
			return fmt.Errorf("loading ledger for report: %w", err)
		}
		eps = all
	}
	if eps == nil {
		eps = []store.Episode{}
	}

	data, err := json.MarshalIndent(eps, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling report: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
