package render

import (
	"context"
	"hash/crc32"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Renderer runs the tick-driven frame loop and the power policy for
// one device. All state lives behind one mutex; the host tick, the
// idle timer and async completion goroutines only ever touch it
// through that lock, so at most one Active/ForcedOff transition is in
// flight at any time.
type Renderer struct {
	logger *zap.Logger
	link   Link
	source ColorSource
	prefs  SettingsProvider
	now    func() time.Time

	mu           sync.Mutex
	forcedOff    bool
	rtActive     bool
	healthBusy   bool
	lastHealth   time.Time
	lastRTReq    time.Time
	lastSent     time.Time
	lastAccepted time.Time
	lastCRC      uint32
	crcValid     bool
	lastForced   RGB
	forcedKnown  bool
	buf          []byte
	idleStarted  bool
	idleStop     chan struct{}
	closed       bool
}

// New wires a renderer to its device link. startOff pre-enters
// ForcedOff (the caller has already put the device in standby);
// otherwise the device is assumed live in realtime mode.
func New(link Link, source ColorSource, prefs SettingsProvider, startOff bool, logger *zap.Logger) *Renderer {
	r := &Renderer{
		logger:   logger.Named("render"),
		link:     link,
		source:   source,
		prefs:    prefs,
		now:      time.Now,
		idleStop: make(chan struct{}),
	}
	if startOff {
		r.forcedOff = true
	} else {
		r.rtActive = true
	}
	return r
}

// ForcedOff reports whether the device is currently held dark.
func (r *Renderer) ForcedOff() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forcedOff
}

// SetSource swaps the color source, typically after a canvas resize.
// The checksum is dropped so the next tick repaints unconditionally.
func (r *Renderer) SetSource(src ColorSource) {
	r.mu.Lock()
	r.source = src
	r.crcValid = false
	r.mu.Unlock()
}

// OnTick runs one pass of the render state machine. It never blocks
// on the network: HTTP work is handed to goroutines, and the only
// inline I/O is the UDP frame write.
func (r *Renderer) OnTick() {
	now := r.now()
	s := r.prefs.RenderSettings()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	// Start mode Off is a standing user choice, not an idle state.
	// Ticks never wake it; only a settings change does.
	if s.StartMode == StartOff {
		if !r.forcedOff {
			r.shutdownLocked(s, "start mode off")
		}
		return
	}

	// A tick arriving at all means the host is producing output again.
	if r.forcedOff {
		r.forcedOff = false
		r.rtActive = false
		r.crcValid = false
		r.lastAccepted = now
		go r.restoreOutput()
		r.logger.Info("woken by render activity")
	}

	// Static forced color with keepalive disabled: guaranteed silence.
	forcedChanged := s.Mode == ModeForced && (!r.forcedKnown || r.lastForced != s.ForcedColor)
	if s.Mode == ModeForced && !forcedChanged && s.Keepalive == 0 {
		r.lastAccepted = now
		return
	}

	// Periodic health probe; an in-flight probe suppresses a new one.
	if now.Sub(r.lastHealth) >= healthInterval && !r.healthBusy {
		r.healthBusy = true
		go r.runHealthCheck(s.AutoReconnect)
	}

	// Device fell out of realtime mode: ask it back, on a cooldown so
	// a slow device is not hammered, and send nothing meanwhile.
	if !r.rtActive {
		if now.Sub(r.lastRTReq) >= rtCooldown {
			r.lastRTReq = now
			go r.requestRealtime()
		}
		return
	}

	// Frame pacing. The clock only ever advances on attempted sends,
	// so skipped ticks do not drift the cadence.
	if now.Sub(r.lastSent) < s.frameInterval() {
		return
	}

	points, stride := r.link.Geometry()
	need := len(points) * stride
	if need == 0 {
		return
	}
	if len(r.buf) != need {
		// Geometry changed: new buffer, and the old checksum no longer
		// describes anything comparable.
		r.buf = make([]byte, need)
		r.crcValid = false
	}
	if s.Mode == ModeForced {
		fillSolid(r.buf, stride, s.ForcedColor)
	} else {
		fillCanvas(r.buf, stride, points, r.source)
	}

	// Change gate: identical payloads are not re-sent. A literal
	// forced-color change always goes out even if the checksum happens
	// to collide with a stale value, and keepalive re-sends a static
	// forced color on its interval.
	sum := crc32.ChecksumIEEE(r.buf)
	keepaliveDue := s.Mode == ModeForced && s.Keepalive > 0 && now.Sub(r.lastSent) >= s.Keepalive
	if r.crcValid && sum == r.lastCRC && !forcedChanged && !keepaliveDue {
		r.lastAccepted = now
		return
	}

	if err := r.link.SendFrame(r.buf); err != nil {
		r.logger.Warn("frame send failed", zap.Error(err))
		return
	}
	r.lastCRC = sum
	r.crcValid = true
	r.lastSent = now
	r.lastAccepted = now
	if s.Mode == ModeForced {
		r.lastForced = s.ForcedColor
		r.forcedKnown = true
	}
	if !r.idleStarted {
		r.idleStarted = true
		go r.idleLoop()
	}
}

// runHealthCheck completes a health probe off the tick path and, on a
// bad verdict, optionally walks the full recovery ladder.
func (r *Renderer) runHealthCheck(autoReconnect bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	h := r.link.CheckHealth(ctx)
	cancel()

	r.mu.Lock()
	r.healthBusy = false
	r.lastHealth = r.now()
	wasActive := r.rtActive
	r.rtActive = h.Good()
	if h.Good() && !wasActive {
		// The device kept no frame across the mode gap.
		r.crcValid = false
	}
	r.mu.Unlock()

	if h.Good() {
		return
	}
	r.logger.Warn("session unhealthy", zap.String("status", string(h)))
	if !autoReconnect {
		return
	}

	rctx, rcancel := context.WithTimeout(context.Background(), opTimeout)
	defer rcancel()
	if err := r.link.Recover(rctx); err != nil {
		r.logger.Warn("session recovery failed", zap.Error(err))
		return
	}
	r.logger.Info("session recovered")
}

func (r *Renderer) requestRealtime() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := r.link.RequestRealtime(ctx); err != nil {
		r.logger.Debug("realtime mode request failed", zap.Error(err))
		return
	}
	r.mu.Lock()
	r.rtActive = true
	r.crcValid = false
	r.mu.Unlock()
}

func (r *Renderer) restoreOutput() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := r.link.RestoreOutput(ctx); err != nil {
		r.logger.Debug("output restore failed", zap.Error(err))
	}
}
