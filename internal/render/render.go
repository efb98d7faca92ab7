// Package render is the per-device orchestration core: it decides on
// every host tick whether a frame goes out, keeps the device's
// realtime session healthy, and powers the hardware off when output
// goes idle.
package render

import (
	"context"
	"time"

	"twinklysync/internal/xled"
)

// RGB is a single output color. The white channel of RGBW hardware is
// not computed here; its padding byte stays zero.
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Mode selects where per-LED colors come from.
type Mode string

const (
	// ModeCanvas samples the external color source at each LED's grid
	// coordinate.
	ModeCanvas Mode = "canvas"
	// ModeForced paints every LED with one fixed color.
	ModeForced Mode = "forced"
)

// StartMode is the user's power preference applied at connect time.
type StartMode string

const (
	StartOn   StartMode = "on"
	StartOff  StartMode = "off"
	StartKeep StartMode = "keep"
)

// Settings is the user-facing knob set, snapshotted once per tick so a
// concurrent settings change never splits a single tick's decisions.
type Settings struct {
	Mode        Mode      `json:"mode"`
	ForcedColor RGB       `json:"forcedColor"`
	StartMode   StartMode `json:"startMode"`

	XScale int `json:"xScale"`
	YScale int `json:"yScale"`

	FPSLimit int `json:"fpsLimit"`
	// Keepalive re-sends a static forced color so the device does not
	// fall out of realtime mode. Zero disables it, which also disables
	// all network traffic while the forced color is unchanged.
	Keepalive time.Duration `json:"keepalive"`

	IdleOff        time.Duration `json:"idleOff"`
	ImmediatePause bool          `json:"immediatePause"`

	AutoReconnect      bool `json:"autoReconnect"`
	ForceOffOnShutdown bool `json:"forceOffOnShutdown"`
	ShutdownFrame      bool `json:"shutdownFrame"`
	ShutdownColor      RGB  `json:"shutdownColor"`
}

const (
	healthInterval = 60 * time.Second
	rtCooldown     = 900 * time.Millisecond
	idleInterval   = 200 * time.Millisecond
	pauseThreshold = 300 * time.Millisecond
	minIdleOff     = 2 * time.Second
	defaultIdleOff = 5 * time.Second
	opTimeout      = 4 * time.Second
)

// frameInterval is the minimum spacing between sent frames.
func (s Settings) frameInterval() time.Duration {
	fps := s.FPSLimit
	if fps < 10 {
		fps = 10
	}
	if fps > 120 {
		fps = 120
	}
	return time.Second / time.Duration(fps)
}

// idleTimeout is the fallback inactivity window before the device is
// powered off.
func (s Settings) idleTimeout() time.Duration {
	if s.IdleOff <= 0 {
		return defaultIdleOff
	}
	if s.IdleOff < minIdleOff {
		return minIdleOff
	}
	return s.IdleOff
}

// ColorSource supplies the color to display at a canvas grid
// coordinate. Implementations must be safe for concurrent reads and
// must not block.
type ColorSource interface {
	ColorAt(x, y int) RGB
}

// SettingsProvider hands the renderer its current settings snapshot.
type SettingsProvider interface {
	RenderSettings() Settings
}

// Link is the device side the renderer drives. All methods must be
// safe for concurrent use; SendFrame and Geometry must not block on
// the network beyond a raw datagram write.
//
// The renderer assumes the device is already authenticated and in
// realtime mode when it takes over (unless constructed startOff).
type Link interface {
	// Geometry returns the canvas grid position of every LED, ordered
	// by the device's native LED index, plus the per-LED byte stride.
	Geometry() (points []xled.Point, stride int)
	// SendFrame transmits one realtime frame payload.
	SendFrame(payload []byte) error
	// CheckHealth probes session health. Never returns an error.
	CheckHealth(ctx context.Context) xled.Health
	// Recover re-authenticates and refreshes the layout after a failed
	// health probe.
	Recover(ctx context.Context) error
	// RequestRealtime asks the device to enter realtime mode.
	RequestRealtime(ctx context.Context) error
	// Standby turns physical output off: brightness driver disabled,
	// LED mode off.
	Standby(ctx context.Context) error
	// RestoreOutput undoes Standby, re-enabling the brightness driver
	// at its captured previous level.
	RestoreOutput(ctx context.Context) error
}

// fillSolid paints every LED slot with one color. RGBW hardware gets a
// zero padding byte ahead of each triplet.
func fillSolid(buf []byte, stride int, c RGB) {
	for off := 0; off+stride <= len(buf); off += stride {
		o := off
		if stride == 4 {
			buf[o] = 0x00
			o++
		}
		buf[o] = c.R
		buf[o+1] = c.G
		buf[o+2] = c.B
	}
}

// fillCanvas samples the color source at each LED's grid coordinate.
func fillCanvas(buf []byte, stride int, points []xled.Point, src ColorSource) {
	for i, p := range points {
		c := src.ColorAt(p.X, p.Y)
		o := i * stride
		if stride == 4 {
			buf[o] = 0x00
			o++
		}
		buf[o] = c.R
		buf[o+1] = c.G
		buf[o+2] = c.B
	}
}
