// Package effects provides the built-in color sources a device canvas
// can sample from: solid fill, two-color gradient, animated rainbow,
// and ambient screen capture.
package effects

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/lucasb-eyer/go-colorful"
	"go.uber.org/zap"

	"twinklysync/internal/render"
)

const defaultRainbowPeriod = 10 * time.Second

// Options selects and parameterizes the active effect.
type Options struct {
	Effect   string        // solid, gradient, rainbow, screen
	Color    string        // solid fill, hex
	From     string        // gradient start, hex
	To       string        // gradient end, hex
	Period   time.Duration // rainbow sweep period
	Display  int           // screen capture display index
	Interval time.Duration // screen capture cadence
}

// Registry builds per-canvas color sources for the configured effect
// and owns whatever background capture the effect needs. Hex colors
// are parsed eagerly so a bad configuration fails at startup, not on
// the first tick.
type Registry struct {
	logger *zap.Logger
	effect string

	solid    render.RGB
	gradFrom colorful.Color
	gradTo   colorful.Color
	period   time.Duration

	screen *Screen
}

func NewRegistry(opts Options, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		logger: logger.Named("effects"),
		effect: opts.Effect,
		period: opts.Period,
	}
	switch opts.Effect {
	case "solid":
		c, err := colorful.Hex(opts.Color)
		if err != nil {
			return nil, fmt.Errorf("effect solid: color %q: %w", opts.Color, err)
		}
		r.solid = toRGB(c)
	case "gradient":
		from, err := colorful.Hex(opts.From)
		if err != nil {
			return nil, fmt.Errorf("effect gradient: from %q: %w", opts.From, err)
		}
		to, err := colorful.Hex(opts.To)
		if err != nil {
			return nil, fmt.Errorf("effect gradient: to %q: %w", opts.To, err)
		}
		r.gradFrom, r.gradTo = from, to
	case "rainbow":
	case "screen":
		r.screen = NewScreen(opts.Display, opts.Interval, logger)
	default:
		return nil, fmt.Errorf("unknown effect %q", opts.Effect)
	}
	return r, nil
}

// Start launches the background capture loop when the active effect
// needs one. Safe to call for every effect.
func (r *Registry) Start(ctx context.Context) {
	if r.screen != nil {
		go r.screen.Start(ctx)
	}
}

// Factory returns the color source for one canvas. Device controllers
// call this on connect and again whenever canvas dimensions change.
func (r *Registry) Factory(w, h int) render.ColorSource {
	switch r.effect {
	case "gradient":
		return NewGradient(r.gradFrom, r.gradTo, w)
	case "rainbow":
		return NewRainbow(w, r.period)
	case "screen":
		return r.screen.Source(w, h)
	default:
		return Solid{Color: r.solid}
	}
}

// Solid paints every pixel one color.
type Solid struct {
	Color render.RGB
}

func (s Solid) ColorAt(x, y int) render.RGB { return s.Color }

// NewSolid parses a hex color into a solid fill.
func NewSolid(hex string) (Solid, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return Solid{}, fmt.Errorf("solid color %q: %w", hex, err)
	}
	return Solid{Color: toRGB(c)}, nil
}

// Gradient blends between two colors across the canvas width. The
// column table is precomputed; sampling is a lookup.
type Gradient struct {
	steps []render.RGB
}

func NewGradient(from, to colorful.Color, w int) *Gradient {
	if w < 1 {
		w = 1
	}
	g := &Gradient{steps: make([]render.RGB, w)}
	for i := range g.steps {
		t := 0.0
		if w > 1 {
			t = float64(i) / float64(w-1)
		}
		g.steps[i] = toRGB(from.BlendLab(to, t))
	}
	return g
}

func (g *Gradient) ColorAt(x, y int) render.RGB {
	if x < 0 {
		x = 0
	}
	if x >= len(g.steps) {
		x = len(g.steps) - 1
	}
	return g.steps[x]
}

// Rainbow sweeps the full hue circle across the canvas width, rotating
// once per period.
type Rainbow struct {
	w      int
	period time.Duration
	start  time.Time
	now    func() time.Time
}

func NewRainbow(w int, period time.Duration) *Rainbow {
	if w < 1 {
		w = 1
	}
	if period <= 0 {
		period = defaultRainbowPeriod
	}
	return &Rainbow{
		w:      w,
		period: period,
		start:  time.Now(),
		now:    time.Now,
	}
}

func (r *Rainbow) ColorAt(x, y int) render.RGB {
	elapsed := r.now().Sub(r.start) % r.period
	phase := float64(elapsed) / float64(r.period)
	hue := math.Mod(phase*360+float64(x)/float64(r.w)*360, 360)
	return toRGB(colorful.Hsv(hue, 1, 1))
}

// ParseColor converts a hex color string into the renderer's RGB.
func ParseColor(hex string) (render.RGB, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return render.RGB{}, err
	}
	return toRGB(c), nil
}

func toRGB(c colorful.Color) render.RGB {
	r, g, b := c.RGB255()
	return render.RGB{R: r, G: g, B: b}
}
