// Package device binds the wire protocol to the render loop: one
// Controller per physical device, plus a Manager that owns the fleet.
package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cnf/structhash"
	"go.uber.org/zap"

	"twinklysync/internal/render"
	"twinklysync/internal/xled"
)

// ErrUnsupported rejects hardware whose color format the realtime
// protocol cannot drive (fewer than 3 bytes per LED).
var ErrUnsupported = errors.New("device color format unsupported")

// ErrUnknownDevice marks operations aimed at an id the manager does
// not hold.
var ErrUnknownDevice = errors.New("unknown device")

// SourceFactory builds the color source for a canvas of the given
// size. The manager hands it to every controller it creates.
type SourceFactory func(w, h int) render.ColorSource

// scaleKey is the slice of settings whose change forces a layout
// re-quantization.
type scaleKey struct {
	XScale int `version:"1"`
	YScale int `version:"1"`
}

func scaleSig(s render.Settings) string {
	return fmt.Sprintf("%x", structhash.Md5(scaleKey{XScale: s.XScale, YScale: s.YScale}, 1))
}

// Controller owns one device end to end: HTTP session, UDP realtime
// stream, geometry, and the renderer driving both.
type Controller struct {
	logger  *zap.Logger
	client  *xled.Client
	rt      *xled.Realtime
	factory SourceFactory

	id   string
	name string
	ip   string
	port int

	mu         sync.RWMutex
	fwVersion  string
	gen        xled.Generation
	product    string
	hwRevision string
	ledCount   int
	stride     int
	rawLayout  *xled.Layout
	positions  []xled.Point
	canvasW    int
	canvasH    int
	prevBright xled.Brightness
	settings   render.Settings
	layoutSig  string

	renderer *render.Renderer
}

// Connect authenticates the device at ip, loads its identity and
// layout, puts it in realtime mode (or standby, per start mode) and
// starts a renderer for it. It is also discovery's confirmation step:
// incompatible hardware comes back as ErrUnsupported.
func Connect(ctx context.Context, ip string, port int, settings render.Settings, factory SourceFactory, logger *zap.Logger) (*Controller, error) {
	client := xled.NewClient(ip, port, logger)
	if err := client.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", ip, err)
	}
	g, err := client.Gestalt(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", ip, err)
	}
	if g.BytesPerLED <= 2 {
		return nil, fmt.Errorf("connect %s: %w", ip, ErrUnsupported)
	}

	c := &Controller{
		client:   client,
		factory:  factory,
		id:       g.MAC,
		name:     g.DeviceName,
		ip:       ip,
		port:     port,
		product:  g.ProductCode,
		ledCount: g.NumberOfLED,
		stride:   g.Stride(),
		settings: settings,
		gen:      xled.Gen3,
		prevBright: xled.Brightness{
			Mode:  xled.BrightnessEnabled,
			Value: 100,
		},
		hwRevision: g.HardwareVersion,
	}
	if c.id == "" {
		c.id = g.UUID
	}
	if c.name == "" {
		c.name = g.ProductName
	}
	c.logger = logger.Named("device").With(zap.String("id", c.id), zap.String("ip", ip))

	// Metadata beyond the gestalt is best effort: a refusal leaves the
	// defaults in place rather than failing the whole connect.
	if fw, err := client.FirmwareVersion(ctx); err == nil {
		c.fwVersion = fw
		c.gen = xled.GenerationFor(fw)
	} else {
		c.logger.Warn("firmware version unavailable, assuming newest frame layout", zap.Error(err))
	}
	if b, err := client.Brightness(ctx); err == nil && b.Value > 0 {
		c.prevBright = b
	}
	c.loadLayout(ctx)
	c.layoutSig = scaleSig(settings)

	startOff := settings.StartMode == render.StartOff
	if settings.StartMode == render.StartKeep {
		if mode, err := client.Mode(ctx); err == nil && mode == xled.ModeOff {
			startOff = true
		}
	}
	if startOff {
		if err := c.Standby(ctx); err != nil {
			c.logger.Warn("standby at connect failed", zap.Error(err))
		}
	} else if err := client.SetMode(ctx, xled.ModeRealtime); err != nil {
		return nil, fmt.Errorf("connect %s: %w", ip, err)
	}

	rt, err := xled.DialRealtime(ip, c.gen, c.logger)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", ip, err)
	}
	rt.SetAuth(client.TokenBytes(), c.ledCount)
	c.rt = rt

	c.renderer = render.New(c, factory(c.canvasW, c.canvasH), c, startOff, c.logger)
	c.logger.Info("device connected",
		zap.String("name", c.name),
		zap.String("fw", c.fwVersion),
		zap.Int("generation", int(c.gen)),
		zap.Int("leds", c.ledCount),
		zap.Int("stride", c.stride),
		zap.Bool("startOff", startOff))
	return c, nil
}

// loadLayout fetches and quantizes the LED map. On refusal it falls
// back to an evenly spaced strip so rendering still has geometry.
func (c *Controller) loadLayout(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.settings
	if l, err := c.client.Layout(ctx); err == nil && len(l.Coordinates) > 0 {
		c.rawLayout = l
		if len(l.Coordinates) != c.ledCount {
			c.ledCount = len(l.Coordinates)
		}
	} else if err != nil {
		c.logger.Warn("layout unavailable", zap.Error(err))
	}

	if c.rawLayout != nil {
		c.positions, c.canvasW, c.canvasH = xled.NormalizeLayout(c.rawLayout, s.XScale, s.YScale)
		return
	}
	c.canvasW, c.canvasH = xled.CanvasSize(s.XScale, s.YScale)
	c.positions = stripPositions(c.ledCount, c.canvasW)
}

// stripPositions spreads n LEDs across the canvas top row.
func stripPositions(n, w int) []xled.Point {
	if n <= 0 {
		return nil
	}
	pts := make([]xled.Point, n)
	if n == 1 {
		return pts
	}
	for i := range pts {
		pts[i] = xled.Point{X: int(math.Round(float64(i) * float64(w-1) / float64(n-1)))}
	}
	return pts
}

func (c *Controller) ID() string   { return c.id }
func (c *Controller) Name() string { return c.name }
func (c *Controller) IP() string   { return c.ip }
func (c *Controller) Port() int    { return c.port }

// OnTick drives one render pass.
func (c *Controller) OnTick() { c.renderer.OnTick() }

// OnShutdown runs the synchronous power-down hook and releases the
// UDP socket.
func (c *Controller) OnShutdown(suspending bool) {
	c.renderer.OnShutdown(suspending)
	if err := c.rt.Close(); err != nil {
		c.logger.Debug("realtime socket close", zap.Error(err))
	}
}

// RenderSettings hands the renderer its per-tick settings snapshot.
func (c *Controller) RenderSettings() render.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// UpdateSettings applies a settings change. A scale change re-runs
// layout quantization, since cell assignment depends on it.
func (c *Controller) UpdateSettings(mutate func(*render.Settings)) {
	c.mu.Lock()
	mutate(&c.settings)
	s := c.settings
	sig := scaleSig(s)
	rescale := sig != c.layoutSig
	c.layoutSig = sig
	if rescale {
		if c.rawLayout != nil {
			c.positions, c.canvasW, c.canvasH = xled.NormalizeLayout(c.rawLayout, s.XScale, s.YScale)
		} else {
			c.canvasW, c.canvasH = xled.CanvasSize(s.XScale, s.YScale)
			c.positions = stripPositions(c.ledCount, c.canvasW)
		}
	}
	w, h := c.canvasW, c.canvasH
	c.mu.Unlock()

	if rescale {
		c.swapSource(w, h)
		c.logger.Info("layout rescaled", zap.Int("canvasW", w), zap.Int("canvasH", h))
	}
}

// swapSource rebuilds the color source for a new canvas size.
func (c *Controller) swapSource(w, h int) {
	if c.factory == nil {
		return
	}
	c.renderer.SetSource(c.factory(w, h))
}

// Geometry implements render.Link.
func (c *Controller) Geometry() ([]xled.Point, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.positions, c.stride
}

// SendFrame implements render.Link.
func (c *Controller) SendFrame(payload []byte) error {
	return c.rt.SendFrame(payload)
}

// CheckHealth implements render.Link.
func (c *Controller) CheckHealth(ctx context.Context) xled.Health {
	return c.client.CheckHealth(ctx)
}

// Recover implements render.Link: full re-login plus a layout refresh,
// since a firmware reset may have moved the LEDs.
func (c *Controller) Recover(ctx context.Context) error {
	if err := c.client.Authenticate(ctx); err != nil {
		return err
	}
	c.mu.RLock()
	count := c.ledCount
	c.mu.RUnlock()
	c.rt.SetAuth(c.client.TokenBytes(), count)
	c.loadLayout(ctx)
	return nil
}

// RequestRealtime implements render.Link.
func (c *Controller) RequestRealtime(ctx context.Context) error {
	return c.client.SetMode(ctx, xled.ModeRealtime)
}

// Standby implements render.Link: brightness driver off, LEDs off.
func (c *Controller) Standby(ctx context.Context) error {
	errB := c.client.SetBrightness(ctx, xled.Brightness{Mode: xled.BrightnessDisabled, Value: 0})
	errM := c.client.SetMode(ctx, xled.ModeOff)
	if errB != nil {
		return errB
	}
	return errM
}

// RestoreOutput implements render.Link, undoing Standby with the
// brightness captured at connect.
func (c *Controller) RestoreOutput(ctx context.Context) error {
	c.mu.RLock()
	b := c.prevBright
	c.mu.RUnlock()
	return c.client.SetBrightness(ctx, b)
}

// Info is the read-only device summary surfaced over the local API.
type Info struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	IP              string `json:"ip"`
	Port            int    `json:"port"`
	ProductCode     string `json:"productCode"`
	HardwareVersion string `json:"hardwareVersion"`
	FirmwareVersion string `json:"firmwareVersion"`
	Generation      int    `json:"generation"`
	LEDCount        int    `json:"ledCount"`
	BytesPerLED     int    `json:"bytesPerLed"`
	CanvasW         int    `json:"canvasW"`
	CanvasH         int    `json:"canvasH"`
	PoweredOff      bool   `json:"poweredOff"`
	FramesSent      uint64 `json:"framesSent"`
}

func (c *Controller) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		ID:              c.id,
		Name:            c.name,
		IP:              c.ip,
		Port:            c.port,
		ProductCode:     c.product,
		HardwareVersion: c.hwRevision,
		FirmwareVersion: c.fwVersion,
		Generation:      int(c.gen),
		LEDCount:        c.ledCount,
		BytesPerLED:     c.stride,
		CanvasW:         c.canvasW,
		CanvasH:         c.canvasH,
		PoweredOff:      c.renderer.ForcedOff(),
		FramesSent:      c.rt.Frames(),
	}
}
