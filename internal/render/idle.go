package render

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// idleLoop watches for output going quiet. It starts only after the
// first real frame went out, so it can never power off a device that
// was never live.
func (r *Renderer) idleLoop() {
	t := time.NewTicker(idleInterval)
	defer t.Stop()
	for {
		select {
		case <-r.idleStop:
			return
		case <-t.C:
			r.idleCheck()
		}
	}
}

// idleCheck applies both idle rules: the immediate-pause threshold and
// the fallback timeout. Once ForcedOff is set the rules go quiet until
// a tick wakes the machine, so the two can never double-fire.
func (r *Renderer) idleCheck() {
	now := r.now()
	s := r.prefs.RenderSettings()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.forcedOff {
		return
	}

	idle := now.Sub(r.lastAccepted)
	switch {
	case s.ImmediatePause && idle > pauseThreshold:
		r.shutdownLocked(s, "render paused")
	case idle > s.idleTimeout():
		r.shutdownLocked(s, "idle timeout")
	}
}

// shutdownLocked darkens the device: one idle-color frame past the
// change gate, then ForcedOff, then standby commands off the lock.
// Caller holds r.mu and has checked the machine is not already off.
func (r *Renderer) shutdownLocked(s Settings, reason string) {
	r.sendShutdownFrameLocked(s)
	r.forcedOff = true
	r.rtActive = false
	r.crcValid = false
	go r.standby()
	r.logger.Info("device forced off", zap.String("reason", reason))
}

// sendShutdownFrameLocked paints the idle color and sends it without
// consulting the change gate. Caller holds r.mu.
func (r *Renderer) sendShutdownFrameLocked(s Settings) {
	points, stride := r.link.Geometry()
	need := len(points) * stride
	if need == 0 {
		return
	}
	if len(r.buf) != need {
		r.buf = make([]byte, need)
	}
	fillSolid(r.buf, stride, s.ShutdownColor)
	if err := r.link.SendFrame(r.buf); err != nil {
		r.logger.Debug("shutdown frame failed", zap.Error(err))
	}
	r.lastSent = r.now()
}

func (r *Renderer) standby() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := r.link.Standby(ctx); err != nil {
		r.logger.Warn("standby failed", zap.Error(err))
	}
}

// OnShutdown is the host lifecycle hook for process exit or system
// suspend. Unlike everything else here it is synchronous: the caller
// expects the device dark before it goes away.
func (r *Renderer) OnShutdown(suspending bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.idleStop)

	s := r.prefs.RenderSettings()
	if !s.ForceOffOnShutdown {
		r.mu.Unlock()
		return
	}
	if s.ShutdownFrame && !r.forcedOff {
		r.sendShutdownFrameLocked(s)
	}
	r.forcedOff = true
	r.rtActive = false
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := r.link.Standby(ctx); err != nil {
		r.logger.Warn("power off on shutdown failed", zap.Error(err))
	}
	r.logger.Info("render loop closed", zap.Bool("suspending", suspending))
}
