package effects

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/kbinani/screenshot"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"

	"twinklysync/internal/render"
)

const defaultCaptureInterval = 100 * time.Millisecond

// Screen grabs the desktop on a fixed cadence and hands the latest
// frame to any number of per-canvas views. Capture runs in its own
// loop so sampling a pixel never waits on the OS.
type Screen struct {
	logger   *zap.Logger
	display  int
	interval time.Duration

	mu      sync.RWMutex
	frame   *image.RGBA
	version uint64

	warnedDisplay bool
}

func NewScreen(display int, interval time.Duration, logger *zap.Logger) *Screen {
	if interval <= 0 {
		interval = defaultCaptureInterval
	}
	return &Screen{
		logger:   logger.Named("screen"),
		display:  display,
		interval: interval,
	}
}

// Start runs the capture loop until ctx is cancelled. Capture failures
// keep the previous frame; views simply see stale pixels.
func (s *Screen) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("capture started", zap.Int("display", s.display), zap.Duration("interval", s.interval))
	s.captureOnce()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("capture stopped")
			return
		case <-ticker.C:
			s.captureOnce()
		}
	}
}

func (s *Screen) captureOnce() {
	display := s.display
	if n := screenshot.NumActiveDisplays(); display >= n {
		if !s.warnedDisplay {
			s.logger.Warn("display index out of range, using primary", zap.Int("display", display), zap.Int("active", n))
			s.warnedDisplay = true
		}
		display = 0
	}
	img, err := screenshot.CaptureDisplay(display)
	if err != nil {
		s.logger.Debug("capture failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.frame = img
	s.version++
	s.mu.Unlock()
}

// Source returns a view that maps the captured frame onto a w by h
// canvas. Scaling happens at most once per captured frame.
func (s *Screen) Source(w, h int) render.ColorSource {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return &screenView{
		screen: s,
		canvas: image.NewRGBA(image.Rect(0, 0, w, h)),
	}
}

type screenView struct {
	screen *Screen
	canvas *image.RGBA
	seen   uint64
}

func (v *screenView) ColorAt(x, y int) render.RGB {
	v.refresh()
	b := v.canvas.Bounds()
	if x < b.Min.X {
		x = b.Min.X
	}
	if x >= b.Max.X {
		x = b.Max.X - 1
	}
	if y < b.Min.Y {
		y = b.Min.Y
	}
	if y >= b.Max.Y {
		y = b.Max.Y - 1
	}
	c := v.canvas.RGBAAt(x, y)
	return render.RGB{R: c.R, G: c.G, B: c.B}
}

// refresh rescales the shared frame into the view's canvas when a new
// capture has landed since the last sample.
func (v *screenView) refresh() {
	v.screen.mu.RLock()
	frame, version := v.screen.frame, v.screen.version
	v.screen.mu.RUnlock()
	if frame == nil || version == v.seen {
		return
	}
	xdraw.BiLinear.Scale(v.canvas, v.canvas.Bounds(), frame, frame.Bounds(), xdraw.Src, nil)
	v.seen = version
}
