package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"twinklysync/internal/api"
	"twinklysync/internal/config"
	"twinklysync/internal/device"
	"twinklysync/internal/discovery"
	"twinklysync/internal/effects"
	"twinklysync/internal/store"
)

// App wires the daemon together: durable cache, effects registry,
// device manager, discovery scanner, control API, and the tick
// scheduler driving every renderer.
type App struct {
	logger *zap.Logger
	cfg    *config.Config

	store   *store.Store
	effects *effects.Registry
	manager *device.Manager
	scanner *discovery.Scanner
	api     *api.Server

	done chan struct{}
}

func NewApp(cfg *config.Config, logger *zap.Logger) *App {
	return &App{
		logger: logger,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
}

func (a *App) Start(ctx context.Context) error {
	settings, err := a.cfg.Render.Settings()
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}

	reg, err := effects.NewRegistry(a.cfg.Effect.Options(), a.logger)
	if err != nil {
		return fmt.Errorf("effect config: %w", err)
	}
	a.effects = reg

	st, err := a.openStore()
	if err != nil {
		return fmt.Errorf("device cache: %w", err)
	}
	a.store = st

	a.manager = device.NewManager(st, settings, reg.Factory, a.logger)
	a.scanner = discovery.NewScanner(a.manager, a.cfg.Discovery.DevicePort, a.logger)

	reg.Start(ctx)
	go a.manager.ReplayCache(ctx)
	if a.cfg.Discovery.Enabled {
		go a.scanner.Run(ctx, a.cfg.Discovery.Every)
	}
	if a.cfg.API.Enabled {
		a.api = api.NewServer(a.cfg.API.Listen, a.manager, a.scanner, a.logger)
		a.api.Start()
	}

	go a.tickLoop(ctx)
	return nil
}

func (a *App) openStore() (*store.Store, error) {
	if a.cfg.CachePath != "" {
		return store.Open(a.cfg.CachePath)
	}
	return store.New()
}

// tickLoop is the render scheduler: one fan-out tick per interval.
// The ticker drops beats rather than stacking them when a round runs
// long.
func (a *App) tickLoop(ctx context.Context) {
	defer close(a.done)

	tick := a.cfg.Tick
	if tick <= 0 {
		tick = 20 * time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.manager.Tick()
		}
	}
}

// Shutdown tears the daemon down in dependency order: control surface
// first, then the tick loop, then every device controller.
func (a *App) Shutdown(suspending bool) {
	if a.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.api.Shutdown(ctx); err != nil {
			a.logger.Warn("api shutdown", zap.Error(err))
		}
		cancel()
	}
	<-a.done
	a.manager.Shutdown(suspending)
}
