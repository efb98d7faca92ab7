// Package xled speaks the HTTP control API and the UDP realtime frame
// protocol of Twinkly addressable LED devices.
package xled

import "fmt"

const (
	// DefaultPort is the port the device HTTP API listens on.
	DefaultPort = 80
	// RealtimePort is the UDP port realtime frames are sent to.
	RealtimePort = 7777
	// DiscoveryPort is the UDP port the discovery broadcast goes to.
	DiscoveryPort = 5555

	// statusOK is the application-level success code carried in every
	// JSON response body.
	statusOK = 1000
)

// Device lighting modes accepted by the mode endpoint.
const (
	ModeOff      = "off"
	ModeColor    = "color"
	ModeRealtime = "rt"
	ModeMovie    = "movie"
	ModeEffect   = "effect"
	ModeDemo     = "demo"
)

// Brightness driver modes accepted by the brightness endpoint.
const (
	BrightnessEnabled  = "enabled"
	BrightnessDisabled = "disabled"
)

// NetworkError wraps a transport failure (connect, send, receive).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("xled %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError reports a failed or rejected authentication step.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("xled %s: %v", e.Op, e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// ParseError reports a response body that could not be decoded.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("xled %s: parse response: %v", e.Op, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// ProtocolError reports a well-formed response whose application code
// is not the success code.
type ProtocolError struct {
	Op   string
	Code int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("xled %s: device returned code %d", e.Op, e.Code)
}

// Health is the realtime-session health verdict. Anything other than
// HealthOK carries a short reason and means frames should stop until
// the session is repaired.
type Health string

const (
	HealthOK    Health = "ok"
	HealthError Health = "error"
)

// Good reports whether the session is healthy for realtime streaming.
func (h Health) Good() bool { return h == HealthOK }

func healthWrongMode(mode string) Health { return Health("mode:" + mode) }

func healthBadStatus(code int) Health { return Health(fmt.Sprintf("status:%d", code)) }

// Gestalt is the device identity block returned by the gestalt endpoint.
type Gestalt struct {
	ProductName     string  `json:"product_name"`
	ProductCode     string  `json:"product_code"`
	HardwareVersion string  `json:"hardware_version"`
	DeviceName      string  `json:"device_name"`
	MAC             string  `json:"mac"`
	UUID            string  `json:"uuid"`
	LEDProfile      string  `json:"led_profile"`
	NumberOfLED     int     `json:"number_of_led"`
	BytesPerLED     int     `json:"bytes_per_led"`
	MaxSupportedLED int     `json:"max_supported_led"`
	FrameRate       float64 `json:"frame_rate"`
	Code            int     `json:"code"`
}

// Stride returns the payload bytes occupied by one LED. Devices that
// predate the bytes_per_led field report zero; treat those as RGB.
func (g *Gestalt) Stride() int {
	if g.BytesPerLED <= 0 {
		return 3
	}
	return g.BytesPerLED
}

// Brightness is the state of the device brightness driver.
type Brightness struct {
	Mode  string `json:"mode"`
	Value int    `json:"value"`
}

// Enabled reports whether the driver is scaling output. A disabled
// driver leaves LEDs at full drive regardless of Value.
func (b Brightness) Enabled() bool { return b.Mode == BrightnessEnabled }
