package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"twinklysync/internal/render"
	"twinklysync/internal/store"
)

// Manager owns the device fleet: confirmation of discovery candidates,
// the durable identity cache, and fan-out of ticks and lifecycle
// events to each controller.
type Manager struct {
	logger   *zap.Logger
	store    *store.Store
	defaults render.Settings
	factory  SourceFactory

	mu          sync.RWMutex
	controllers map[string]*Controller
	activeIPs   map[string]bool
}

func NewManager(st *store.Store, defaults render.Settings, factory SourceFactory, logger *zap.Logger) *Manager {
	return &Manager{
		logger:      logger.Named("manager"),
		store:       st,
		defaults:    defaults,
		factory:     factory,
		controllers: make(map[string]*Controller),
		activeIPs:   make(map[string]bool),
	}
}

// ActiveIP reports whether a controller is already running on ip, so
// discovery can drop repeat responders cheaply.
func (m *Manager) ActiveIP(ip string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeIPs[ip]
}

// Confirm vets a discovery candidate: full login handshake, capability
// check, then controller registration and a cache write. Incompatible
// hardware surfaces as ErrUnsupported and is not cached.
func (m *Manager) Confirm(ctx context.Context, ip string, port int) error {
	if m.ActiveIP(ip) {
		return nil
	}

	ctrl, err := Connect(ctx, ip, port, m.defaults, m.factory, m.logger)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			m.logger.Info("candidate rejected", zap.String("ip", ip), zap.Error(err))
		} else {
			m.logger.Debug("candidate confirmation failed", zap.String("ip", ip), zap.Error(err))
		}
		return err
	}

	m.mu.Lock()
	if old, ok := m.controllers[ctrl.ID()]; ok {
		// Same hardware on a new address: the old controller is stale.
		delete(m.activeIPs, old.IP())
		m.mu.Unlock()
		old.OnShutdown(false)
		m.mu.Lock()
	}
	m.controllers[ctrl.ID()] = ctrl
	m.activeIPs[ip] = true
	m.mu.Unlock()

	if err := m.store.Upsert(store.Device{
		ID:   ctrl.ID(),
		Name: ctrl.Name(),
		IP:   ip,
		Port: port,
	}); err != nil {
		m.logger.Warn("cache write failed", zap.Error(err))
	}
	m.logger.Info("device confirmed", zap.String("id", ctrl.ID()), zap.String("name", ctrl.Name()), zap.String("ip", ip))
	return nil
}

// ReplayCache re-runs confirmation for every cached identity so known
// devices come back without waiting for a broadcast round.
func (m *Manager) ReplayCache(ctx context.Context) {
	cached := m.store.Devices()
	if len(cached) == 0 {
		return
	}
	m.logger.Info("replaying device cache", zap.Int("entries", len(cached)))

	var wg sync.WaitGroup
	for _, d := range cached {
		wg.Add(1)
		go func(d store.Device) {
			defer wg.Done()
			if err := m.Confirm(ctx, d.IP, d.Port); err != nil {
				m.logger.Debug("cached device unreachable", zap.String("id", d.ID), zap.String("ip", d.IP), zap.Error(err))
			}
		}(d)
	}
	wg.Wait()
}

// Tick fans one render tick out to every controller concurrently and
// returns when all have run.
func (m *Manager) Tick() {
	m.mu.RLock()
	ctrls := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		ctrls = append(ctrls, c)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range ctrls {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			c.OnTick()
		}(c)
	}
	wg.Wait()
}

// Shutdown runs every controller's synchronous power-down hook.
func (m *Manager) Shutdown(suspending bool) {
	m.mu.Lock()
	ctrls := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		ctrls = append(ctrls, c)
	}
	m.controllers = make(map[string]*Controller)
	m.activeIPs = make(map[string]bool)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range ctrls {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			c.OnShutdown(suspending)
		}(c)
	}
	wg.Wait()
	m.logger.Info("all devices shut down", zap.Int("count", len(ctrls)), zap.Bool("suspending", suspending))
}

// Devices lists the fleet sorted by name for the status surface.
func (m *Manager) Devices() []Info {
	m.mu.RLock()
	ctrls := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		ctrls = append(ctrls, c)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Controller looks a device up by id.
func (m *Manager) Controller(id string) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.controllers[id]
	return c, ok
}

// SetLighting is the runtime override surface: switch between canvas
// and forced mode, with an optional forced color.
func (m *Manager) SetLighting(id string, mode render.Mode, color *render.RGB) error {
	c, ok := m.Controller(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	if mode != render.ModeCanvas && mode != render.ModeForced {
		return fmt.Errorf("unknown lighting mode %q", mode)
	}
	c.UpdateSettings(func(s *render.Settings) {
		s.Mode = mode
		if color != nil {
			s.ForcedColor = *color
		}
	})
	return nil
}

// SetPower flips the standing start-mode preference, which the render
// loop treats as the user's on/off switch.
func (m *Manager) SetPower(id string, on bool) error {
	c, ok := m.Controller(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	c.UpdateSettings(func(s *render.Settings) {
		if on {
			s.StartMode = render.StartOn
		} else {
			s.StartMode = render.StartOff
		}
	})
	return nil
}

// Forget shuts a device down and removes it from the cache.
func (m *Manager) Forget(id string) error {
	m.mu.Lock()
	c, ok := m.controllers[id]
	if ok {
		delete(m.controllers, id)
		delete(m.activeIPs, c.IP())
	}
	m.mu.Unlock()

	if ok {
		c.OnShutdown(false)
	} else if _, cached := m.store.Get(id); !cached {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	return m.store.Delete(id)
}

// PurgeCache clears the durable identity cache. Running controllers
// keep running; they just will not come back after a restart.
func (m *Manager) PurgeCache() error {
	return m.store.Purge()
}
