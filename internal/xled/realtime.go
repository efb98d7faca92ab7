package xled

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// MaxChunk is the largest payload slice a generation-3 datagram carries.
// Larger frames are split across consecutive packet indices.
const MaxChunk = 900

// Generation selects the realtime datagram layout. It doubles as the
// leading header byte on the wire.
type Generation byte

const (
	Gen1 Generation = 1
	Gen2 Generation = 2
	Gen3 Generation = 3
)

// GenerationFor maps a firmware version to the realtime protocol
// generation it speaks. 1.x firmware uses the original single-datagram
// layout, 2.x up to 2.4.14 the revised one, everything newer the
// chunked layout.
func GenerationFor(version string) Generation {
	maj, min, patch := parseVersion(version)
	switch {
	case maj < 2:
		return Gen1
	case maj == 2 && (min < 4 || (min == 4 && patch < 14)):
		return Gen2
	default:
		return Gen3
	}
}

func parseVersion(v string) (maj, min, patch int) {
	parts := strings.SplitN(strings.TrimSpace(v), ".", 3)
	read := func(i int) int {
		if i >= len(parts) {
			return 0
		}
		n, err := strconv.Atoi(strings.TrimFunc(parts[i], func(r rune) bool {
			return r < '0' || r > '9'
		}))
		if err != nil {
			return 0
		}
		return n
	}
	return read(0), read(1), read(2)
}

// Realtime streams color frames to a device over UDP. The header bytes
// in front of every payload are fixed for the life of an auth token, so
// they are assembled once in SetAuth and only the payload region is
// rewritten per frame.
type Realtime struct {
	logger *zap.Logger
	gen    Generation

	mu      sync.Mutex
	conn    net.Conn
	prefix  []byte
	scratch []byte
	frames  uint64
}

// NewRealtime wraps an established UDP connection. The connection is
// owned by the Realtime from here on; Close releases it.
func NewRealtime(conn net.Conn, gen Generation, logger *zap.Logger) *Realtime {
	return &Realtime{
		logger: logger.Named("rt"),
		gen:    gen,
		conn:   conn,
	}
}

// DialRealtime opens the UDP side of a device session.
func DialRealtime(ip string, gen Generation, logger *zap.Logger) (*Realtime, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(ip, strconv.Itoa(RealtimePort)))
	if err != nil {
		return nil, &NetworkError{Op: "dial realtime", Err: err}
	}
	return NewRealtime(conn, gen, logger), nil
}

// SetAuth rebuilds the constant header prefix for a new decoded token.
// Must be called after every (re)authentication before frames flow.
// ledCount is only significant for generation 1, whose header carries
// the count's low byte; generation 2 carries a zero there and
// generation 3 two zeros followed by the per-datagram packet index.
func (rt *Realtime) SetAuth(tokenRaw []byte, ledCount int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	prefix := make([]byte, 0, len(tokenRaw)+4)
	prefix = append(prefix, byte(rt.gen))
	prefix = append(prefix, tokenRaw...)
	switch rt.gen {
	case Gen1:
		prefix = append(prefix, byte(ledCount))
	case Gen2:
		prefix = append(prefix, 0x00)
	default:
		prefix = append(prefix, 0x00, 0x00)
	}
	rt.prefix = prefix
	rt.scratch = rt.scratch[:0]
}

// SendFrame transmits one frame payload, chunking it for generation 3.
// Fire and forget: a returned error means the local send failed, never
// that the device rejected anything.
func (rt *Realtime) SendFrame(payload []byte) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.conn == nil {
		return &NetworkError{Op: "send frame", Err: net.ErrClosed}
	}
	if len(rt.prefix) == 0 {
		return &AuthError{Op: "send frame", Err: errors.New("no session token")}
	}

	if rt.gen != Gen3 {
		if err := rt.send(-1, payload); err != nil {
			return err
		}
		rt.frames++
		return nil
	}

	idx := 0
	for off := 0; off < len(payload); off += MaxChunk {
		end := off + MaxChunk
		if end > len(payload) {
			end = len(payload)
		}
		if err := rt.send(idx, payload[off:end]); err != nil {
			return err
		}
		idx++
	}
	rt.frames++
	return nil
}

// send assembles one datagram in the scratch buffer and writes it.
// idx < 0 means the layout carries no packet index byte.
func (rt *Realtime) send(idx int, body []byte) error {
	need := len(rt.prefix) + 1 + len(body)
	if cap(rt.scratch) < need {
		rt.scratch = make([]byte, 0, need)
	}
	d := append(rt.scratch[:0], rt.prefix...)
	if idx >= 0 {
		d = append(d, byte(idx))
	}
	d = append(d, body...)
	rt.scratch = d[:0]
	if _, err := rt.conn.Write(d); err != nil {
		return &NetworkError{Op: "send frame", Err: err}
	}
	return nil
}

// Frames returns how many frames have been handed to the socket.
func (rt *Realtime) Frames() uint64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.frames
}

func (rt *Realtime) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.conn == nil {
		return nil
	}
	err := rt.conn.Close()
	rt.conn = nil
	return err
}
