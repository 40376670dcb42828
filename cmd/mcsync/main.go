package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mcsync/internal/config"
	"mcsync/internal/export"
	"mcsync/internal/ics"
	appLog "mcsync/internal/log"
	"mcsync/internal/store"
	calsync "mcsync/internal/sync"
	"mcsync/internal/web"
)

const version = "0.3.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	property   int64
	dryRun     bool
	exportID   int64
	outDir     string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Info("mcsync starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"store", conf.Store.Driver,
		"sync_cron", conf.SyncCron,
		"sync_concurrency", conf.SyncConcurrency,
		"properties", len(conf.Properties),
		"once", flags.once,
		"dry_run", flags.dryRun,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, conf.Store)
	if err != nil {
		appLog.Error("failed to open store", err, "driver", conf.Store.Driver)
		os.Exit(1)
	}
	defer closeStore()

	fetcher := ics.NewFetcher(conf.Fetch.CacheDir, conf.Fetch.Timeout())
	syncer := calsync.New(st, fetcher, conf)

	switch {
	case flags.exportID > 0:
		err = runExport(ctx, conf, st, flags.exportID, flags.outDir)
	case flags.once:
		err = runOnce(ctx, syncer, flags)
	default:
		err = runServer(ctx, conf, st, syncer)
	}
	if err != nil {
		appLog.Error("mcsync failed", err)
		os.Exit(1)
	}
	appLog.Info("mcsync exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/mcsync/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one import of all feeds and exit")
	flag.Int64Var(&cfg.property, "property", 0, "With -once, import only this property")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "With -once, report changes without writing them")
	flag.Int64Var(&cfg.exportID, "export", 0, "Write the ICS export of this property and exit")
	flag.StringVar(&cfg.outDir, "out", ".", "Directory for -export")

	flag.Parse()

	return cfg
}

// openStore builds the configured slot store. The returned func releases
// its resources.
func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, func(), error) {
	noop := func() {}
	switch sc.Driver {
	case config.DriverMemory:
		appLog.Warn("memory store selected; slots are lost on exit")
		return store.NewMemory(), noop, nil
	case config.DriverFile:
		s, err := store.NewFile(sc.Path)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		s := store.NewRedis(client, sc.RedisPrefix)
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("redis %s: %w", sc.RedisAddr, err)
		}
		return s, func() { _ = client.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

func runOnce(ctx context.Context, syncer *calsync.Syncer, flags flagConfig) error {
	opts := calsync.Options{DryRun: flags.dryRun}
	var result any
	if flags.property > 0 {
		res, err := syncer.SyncProperty(ctx, flags.property, opts)
		if err != nil {
			return err
		}
		result = res
	} else {
		res, err := syncer.SyncAll(ctx, opts)
		if err != nil {
			return err
		}
		result = res
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runExport(ctx context.Context, conf *config.Config, st store.Store, propertyID int64, dir string) error {
	p, ok := conf.Property(propertyID)
	if !ok {
		return fmt.Errorf("%w: %d", store.ErrUnknownProperty, propertyID)
	}
	path, err := export.New(st, p.ID, p.Title).ExportToFile(ctx, dir, "")
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

// runServer runs the HTTP server and the sync scheduler until ctx ends.
func runServer(ctx context.Context, conf *config.Config, st store.Store, syncer *calsync.Syncer) error {
	sched, err := calsync.NewScheduler(syncer, conf.SyncCron)
	if err != nil {
		return err
	}
	srv := web.NewServer(conf, st, syncer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
