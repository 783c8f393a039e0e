package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/eddielth/eds-sync/checkpoint"
	"github.com/eddielth/eds-sync/config"
	"github.com/eddielth/eds-sync/eds"
	"github.com/eddielth/eds-sync/logger"
	"github.com/eddielth/eds-sync/metrics"
	"github.com/eddielth/eds-sync/mqtt"
	"github.com/eddielth/eds-sync/pipeline"
	"github.com/eddielth/eds-sync/rjn"
	"github.com/eddielth/eds-sync/storage"
	"github.com/eddielth/eds-sync/transformer"
)

// app wires the configured components together
type app struct {
	cfg         *config.Config
	conversions *transformer.Manager
	archive     *storage.Manager
	publisher   *mqtt.Publisher
	orch        *pipeline.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config, dryRun bool) (*app, error) {
	conversions, err := transformer.NewManager(cfg.Conversions)
	if err != nil {
		return nil, err
	}

	quality, err := pipeline.NewQualityPolicy(cfg)
	if err != nil {
		return nil, err
	}

	dest, err := rjn.NewClient(cfg.Destination)
	if err != nil {
		return nil, err
	}

	sources := make(map[string]pipeline.Source, len(cfg.Sources))
	for group, src := range cfg.Sources {
		sources[group] = eds.NewClient(group, src)
	}

	tracker := checkpoint.NewTracker(cfg.Sync.CheckpointPath,
		checkpoint.WithLookback(cfg.Sync.DefaultLookback),
		checkpoint.WithMaxLookback(cfg.Sync.MaxLookback),
		checkpoint.WithGranularity(cfg.Sync.Granularity),
	)

	a := &app{cfg: cfg, conversions: conversions}
	if err := a.openArchive(ctx); err != nil {
		a.Close()
		return nil, err
	}

	opts := pipeline.Options{
		RegistryPath: cfg.Sync.RegistryPath,
		Sources:      sources,
		Destination:  dest,
		Tracker:      tracker,
		Resolve:      conversions.Lookup,
		Quality:      quality,
		DryRun:       dryRun,
	}
	if a.archive.Len() > 0 {
		opts.Archive = a.archive
	}

	a.orch, err = pipeline.New(opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// openArchive opens the enabled archive backends
func (a *app) openArchive(ctx context.Context) error {
	a.archive = storage.NewManager()

	if fc := a.cfg.Storage.File; fc.Enabled {
		fs, err := storage.NewFileStorage(fc.Path)
		if err != nil {
			return err
		}
		a.archive.AddBackend(fs)
	}

	if dc := a.cfg.Storage.Database; dc.Enabled {
		db, err := storage.NewDatabaseStorage(ctx, dc.Type, dc.DSN)
		if err != nil {
			return err
		}
		a.archive.AddBackend(db)
	}

	if mc := a.cfg.MQTT; mc.Enabled {
		p, err := mqtt.NewPublisher(mc)
		if err != nil {
			return err
		}
		if err := p.Connect(); err != nil {
			return err
		}
		a.archive.AddBackend(p)
		a.publisher = p
	}
	return nil
}

// reload applies a changed configuration. Conversion scripts and the quality
// policy take effect from the next cycle; other settings need a restart.
func (a *app) reload(newCfg *config.Config) error {
	var errs []error
	for name, conv := range newCfg.Conversions {
		if err := a.conversions.ReloadConversion(name, conv); err != nil {
			errs = append(errs, fmt.Errorf("conversion %s: %w", name, err))
		}
	}

	quality, err := pipeline.NewQualityPolicy(newCfg)
	if err != nil {
		errs = append(errs, err)
	} else {
		a.orch.SetQualityPolicy(quality)
	}

	if newCfg.Logger.Level != a.cfg.Logger.Level {
		logger.Info("log level changes take effect after a restart")
	}
	return errors.Join(errs...)
}

// daemon runs cycles on schedule until ctx is done
func (a *app) daemon(ctx context.Context, configPath string) error {
	trigger := make(chan struct{}, 1)
	if a.publisher != nil {
		err := a.publisher.OnTrigger(func() {
			select {
			case trigger <- struct{}{}:
			default:
			}
		})
		if err != nil {
			logger.Warn("on-demand sync disabled: %v", err)
		}
	}

	if a.cfg.Metrics.Enabled {
		go func() {
			logger.Info("serving metrics on %s", a.cfg.Metrics.Listen)
			if err := metrics.Serve(ctx, a.cfg.Metrics.Listen); err != nil {
				logger.Error("metrics server stopped: %v", err)
			}
		}()
	}

	if err := config.WatchConfig(configPath, a.reload); err != nil {
		logger.Warn("config watching disabled: %v", err)
	}

	return pipeline.Run(ctx, a.cfg.Sync.Interval, a.cfg.Sync.Offset, trigger, func(ctx context.Context) {
		if _, err := a.orch.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sync cycle failed: %v", err)
		}
	})
}

// Close releases the archive backends
func (a *app) Close() {
	if a.archive != nil {
		_ = a.archive.Close()
	}
}
