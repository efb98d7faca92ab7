package render

import (
	"bytes"
	"context"
	"hash/crc32"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"twinklysync/internal/xled"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeLink struct {
	mu         sync.Mutex
	points     []xled.Point
	stride     int
	frames     [][]byte
	sendErr    error
	health     xled.Health
	healthGate chan struct{}

	healthCalls  int
	recoverCalls int
	rtRequests   int
	standbys     int
	restores     int
}

func newFakeLink(n, stride int) *fakeLink {
	pts := make([]xled.Point, n)
	for i := range pts {
		pts[i] = xled.Point{X: i, Y: i}
	}
	return &fakeLink{points: pts, stride: stride, health: xled.HealthOK}
}

func (l *fakeLink) Geometry() ([]xled.Point, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.points, l.stride
}

func (l *fakeLink) SendFrame(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.frames = append(l.frames, append([]byte(nil), payload...))
	return nil
}

func (l *fakeLink) CheckHealth(ctx context.Context) xled.Health {
	l.mu.Lock()
	l.healthCalls++
	h := l.health
	gate := l.healthGate
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return h
}

func (l *fakeLink) Recover(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recoverCalls++
	return nil
}

func (l *fakeLink) RequestRealtime(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rtRequests++
	return nil
}

func (l *fakeLink) Standby(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.standbys++
	return nil
}

func (l *fakeLink) RestoreOutput(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restores++
	return nil
}

func (l *fakeLink) frameCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

func (l *fakeLink) frame(i int) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frames[i]
}

func (l *fakeLink) counts() (health, recover, rt, standby, restore int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.healthCalls, l.recoverCalls, l.rtRequests, l.standbys, l.restores
}

type fakePrefs struct {
	mu sync.Mutex
	s  Settings
}

func (p *fakePrefs) RenderSettings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s
}

func (p *fakePrefs) update(f func(*Settings)) {
	p.mu.Lock()
	f(&p.s)
	p.mu.Unlock()
}

func defaultPrefs() *fakePrefs {
	return &fakePrefs{s: Settings{
		Mode:      ModeCanvas,
		StartMode: StartOn,
		FPSLimit:  30,
		IdleOff:   5 * time.Second,
	}}
}

type solidSource struct{ c RGB }

func (s solidSource) ColorAt(x, y int) RGB { return s.c }

// coordSource encodes the sampled coordinate into the color, proving
// LED index alignment.
type coordSource struct{}

func (coordSource) ColorAt(x, y int) RGB {
	return RGB{R: uint8(x), G: uint8(y), B: 7}
}

func newTestRenderer(t *testing.T, link *fakeLink, prefs *fakePrefs, src ColorSource, startOff bool) (*Renderer, *fakeClock) {
	t.Helper()
	r := New(link, src, prefs, startOff, zap.NewNop())
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	r.now = clk.Now
	t.Cleanup(func() { r.OnShutdown(false) })
	return r, clk
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTickSendsCanvasFrame(t *testing.T) {
	link := newFakeLink(3, 3)
	r, _ := newTestRenderer(t, link, defaultPrefs(), coordSource{}, false)

	r.OnTick()

	if link.frameCount() != 1 {
		t.Fatalf("frames = %d, want 1", link.frameCount())
	}
	want := []byte{0, 0, 7, 1, 1, 7, 2, 2, 7}
	if !bytes.Equal(link.frame(0), want) {
		t.Fatalf("payload = % x, want % x", link.frame(0), want)
	}
}

func TestRGBWPaddingByte(t *testing.T) {
	link := newFakeLink(2, 4)
	prefs := defaultPrefs()
	prefs.update(func(s *Settings) {
		s.Mode = ModeForced
		s.ForcedColor = RGB{R: 10, G: 20, B: 30}
		s.Keepalive = time.Minute
	})
	r, _ := newTestRenderer(t, link, prefs, solidSource{}, false)

	r.OnTick()

	want := []byte{0, 10, 20, 30, 0, 10, 20, 30}
	if link.frameCount() != 1 || !bytes.Equal(link.frame(0), want) {
		t.Fatalf("payload = % x, want % x", link.frame(0), want)
	}
}

func TestIdenticalCanvasBufferSentOnce(t *testing.T) {
	link := newFakeLink(5, 3)
	r, clk := newTestRenderer(t, link, defaultPrefs(), solidSource{c: RGB{R: 50}}, false)

	r.OnTick()
	clk.Advance(200 * time.Millisecond)
	r.OnTick()
	clk.Advance(200 * time.Millisecond)
	r.OnTick()

	if link.frameCount() != 1 {
		t.Fatalf("identical buffer transmitted %d times, want 1", link.frameCount())
	}
}

func TestChangedCanvasBufferResends(t *testing.T) {
	link := newFakeLink(2, 3)
	src := &countingSource{}
	r, clk := newTestRenderer(t, link, defaultPrefs(), src, false)

	r.OnTick()
	src.bump()
	clk.Advance(200 * time.Millisecond)
	r.OnTick()

	if link.frameCount() != 2 {
		t.Fatalf("frames = %d, want 2", link.frameCount())
	}
}

func TestForcedColorChangeBeatsStaleChecksum(t *testing.T) {
	link := newFakeLink(4, 3)
	prefs := defaultPrefs()
	prefs.update(func(s *Settings) {
		s.Mode = ModeForced
		s.ForcedColor = RGB{R: 255}
		s.Keepalive = time.Hour
	})
	r, clk := newTestRenderer(t, link, prefs, solidSource{}, false)

	r.OnTick()
	if link.frameCount() != 1 {
		t.Fatalf("first forced frame not sent")
	}

	// Poison the checksum cache so it claims the blue payload was
	// already sent; the literal color change must still win.
	blue := make([]byte, 12)
	fillSolid(blue, 3, RGB{B: 255})
	r.mu.Lock()
	r.lastCRC = crc32.ChecksumIEEE(blue)
	r.crcValid = true
	r.mu.Unlock()

	prefs.update(func(s *Settings) { s.ForcedColor = RGB{B: 255} })
	clk.Advance(200 * time.Millisecond)
	r.OnTick()

	if link.frameCount() != 2 {
		t.Fatalf("forced color change did not send, frames = %d", link.frameCount())
	}
	want := make([]byte, 12)
	fillSolid(want, 3, RGB{B: 255})
	if !bytes.Equal(link.frame(1), want) {
		t.Fatalf("second frame = % x, want % x", link.frame(1), want)
	}
}

func TestForcedStaticKeepaliveOffIsSilent(t *testing.T) {
	link := newFakeLink(4, 3)
	prefs := defaultPrefs()
	prefs.update(func(s *Settings) {
		s.Mode = ModeForced
		s.ForcedColor = RGB{G: 200}
	})
	r, clk := newTestRenderer(t, link, prefs, solidSource{}, false)

	r.OnTick()
	for i := 0; i < 20; i++ {
		clk.Advance(time.Second)
		r.OnTick()
	}

	if link.frameCount() != 1 {
		t.Fatalf("static forced color produced %d frames, want 1", link.frameCount())
	}
	// The standing color counts as activity: no idle shutdown.
	r.idleCheck()
	if r.ForcedOff() {
		t.Fatal("idle check powered off a standing forced color")
	}
}

func TestForcedKeepaliveResends(t *testing.T) {
	link := newFakeLink(4, 3)
	prefs := defaultPrefs()
	prefs.update(func(s *Settings) {
		s.Mode = ModeForced
		s.ForcedColor = RGB{G: 200}
		s.Keepalive = time.Second
	})
	r, clk := newTestRenderer(t, link, prefs, solidSource{}, false)

	r.OnTick()
	clk.Advance(500 * time.Millisecond)
	r.OnTick()
	if link.frameCount() != 1 {
		t.Fatalf("keepalive fired early, frames = %d", link.frameCount())
	}

	clk.Advance(600 * time.Millisecond)
	r.OnTick()
	if link.frameCount() != 2 {
		t.Fatalf("keepalive did not resend, frames = %d", link.frameCount())
	}
	if !bytes.Equal(link.frame(0), link.frame(1)) {
		t.Fatal("keepalive frame differs from original")
	}
}

func TestFrameRateCeiling(t *testing.T) {
	link := newFakeLink(1, 3)
	src := &countingSource{}
	prefs := defaultPrefs()
	prefs.update(func(s *Settings) { s.FPSLimit = 10 })
	r, clk := newTestRenderer(t, link, prefs, src, false)

	r.OnTick()
	clk.Advance(50 * time.Millisecond)
	r.OnTick() // inside the 100ms window: skipped before the buffer is built
	if link.frameCount() != 1 {
		t.Fatalf("frames = %d, want 1", link.frameCount())
	}
	if src.calls() != 1 {
		t.Fatalf("source sampled %d times, want 1 (skipped tick must not build)", src.calls())
	}

	clk.Advance(60 * time.Millisecond)
	src.bump()
	r.OnTick()
	if link.frameCount() != 2 {
		t.Fatalf("frames = %d, want 2", link.frameCount())
	}
}

// countingSource changes its color on demand and counts samples.
type countingSource struct {
	mu sync.Mutex
	n  int
	v  uint8
}

func (s *countingSource) ColorAt(x, y int) RGB {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return RGB{R: s.v}
}

func (s *countingSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func (s *countingSource) bump() {
	s.mu.Lock()
	s.v++
	s.mu.Unlock()
}

func TestFPSClampAllowsHighLimit(t *testing.T) {
	s := Settings{FPSLimit: 1000}
	if got := s.frameInterval(); got != time.Second/120 {
		t.Fatalf("interval = %v, want %v", got, time.Second/120)
	}
	s.FPSLimit = 1
	if got := s.frameInterval(); got != time.Second/10 {
		t.Fatalf("interval = %v, want %v", got, time.Second/10)
	}
}

func TestGeometryChangeInvalidatesChecksum(t *testing.T) {
	link := newFakeLink(3, 3)
	r, clk := newTestRenderer(t, link, defaultPrefs(), solidSource{c: RGB{R: 9}}, false)

	r.OnTick()
	if link.frameCount() != 1 {
		t.Fatal("first frame not sent")
	}

	link.mu.Lock()
	link.points = append(link.points, xled.Point{X: 3, Y: 3})
	link.mu.Unlock()

	clk.Advance(200 * time.Millisecond)
	r.OnTick()
	if link.frameCount() != 2 {
		t.Fatalf("resized layout did not force a send, frames = %d", link.frameCount())
	}
	if len(link.frame(1)) != 12 {
		t.Fatalf("second frame = %d bytes, want 12", len(link.frame(1)))
	}
}

func TestSendFailureDoesNotPoisonChecksum(t *testing.T) {
	link := newFakeLink(2, 3)
	r, clk := newTestRenderer(t, link, defaultPrefs(), solidSource{c: RGB{B: 3}}, false)

	link.mu.Lock()
	link.sendErr = context.DeadlineExceeded
	link.mu.Unlock()
	r.OnTick()
	if link.frameCount() != 0 {
		t.Fatal("send should have failed")
	}

	link.mu.Lock()
	link.sendErr = nil
	link.mu.Unlock()
	clk.Advance(200 * time.Millisecond)
	r.OnTick()
	if link.frameCount() != 1 {
		t.Fatalf("retry after failed send did not go out, frames = %d", link.frameCount())
	}
}

func TestHealthCheckRecoversSession(t *testing.T) {
	link := newFakeLink(2, 3)
	link.health = xled.Health("mode:movie")
	prefs := defaultPrefs()
	prefs.update(func(s *Settings) { s.AutoReconnect = true })
	r, clk := newTestRenderer(t, link, prefs, solidSource{}, false)

	// First tick still sends (the session starts live) and launches
	// the overdue health probe; the bad verdict drops realtime and
	// walks the recovery ladder.
	r.OnTick()
	n0 := link.frameCount()
	if n0 != 1 {
		t.Fatalf("first tick sent %d frames, want 1", n0)
	}
	waitFor(t, "recovery", func() bool {
		_, rec, _, _, _ := link.counts()
		return rec == 1
	})
	if r.ForcedOff() {
		t.Fatal("recovery path must not touch power state")
	}

	link.mu.Lock()
	link.health = xled.HealthOK
	link.mu.Unlock()

	// No frames while realtime is down; a cooldown-gated request
	// brings it back, then frames flow again.
	clk.Advance(time.Second)
	r.OnTick()
	waitFor(t, "realtime request", func() bool {
		_, _, rt, _, _ := link.counts()
		return rt >= 1
	})
	waitFor(t, "realtime restored", func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.rtActive
	})
	clk.Advance(time.Second)
	r.OnTick()
	if link.frameCount() != n0+1 {
		t.Fatalf("frames after recovery = %d, want %d", link.frameCount(), n0+1)
	}
}

func TestHealthCheckInFlightGuard(t *testing.T) {
	link := newFakeLink(2, 3)
	gate := make(chan struct{})
	link.healthGate = gate
	r, clk := newTestRenderer(t, link, defaultPrefs(), solidSource{}, false)

	r.OnTick()
	waitFor(t, "first probe", func() bool {
		h, _, _, _, _ := link.counts()
		return h == 1
	})

	// A second due probe is dropped, not queued, while one is in flight.
	clk.Advance(2 * healthInterval)
	r.OnTick()
	h, _, _, _, _ := link.counts()
	if h != 1 {
		t.Fatalf("health calls = %d while one in flight, want 1", h)
	}

	close(gate)
	waitFor(t, "probe completion", func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return !r.healthBusy
	})

	clk.Advance(2 * healthInterval)
	r.OnTick()
	waitFor(t, "second probe", func() bool {
		h, _, _, _, _ := link.counts()
		return h == 2
	})
}

func TestRealtimeRequestCooldown(t *testing.T) {
	link := newFakeLink(2, 3)
	r, clk := newTestRenderer(t, link, defaultPrefs(), solidSource{}, false)

	// Let the startup health probe drain so it cannot flip rtActive
	// underneath the assertions below.
	r.OnTick()
	waitFor(t, "startup probe", func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return !r.healthBusy
	})

	r.mu.Lock()
	r.rtActive = false
	r.mu.Unlock()
	clk.Advance(time.Second)
	r.OnTick()
	waitFor(t, "first request", func() bool {
		_, _, rt, _, _ := link.counts()
		return rt == 1
	})
	waitFor(t, "request completion", func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.rtActive
	})

	r.mu.Lock()
	r.rtActive = false
	r.mu.Unlock()
	clk.Advance(300 * time.Millisecond)
	r.OnTick()
	time.Sleep(10 * time.Millisecond)
	_, _, rt, _, _ := link.counts()
	if rt != 1 {
		t.Fatalf("request inside cooldown fired, count = %d", rt)
	}

	clk.Advance(700 * time.Millisecond)
	r.OnTick()
	waitFor(t, "second request", func() bool {
		_, _, rt, _, _ := link.counts()
		return rt == 2
	})
}

func TestCRCMatchesReference(t *testing.T) {
	ref := func(data []byte) uint32 {
		crc := ^uint32(0)
		for _, b := range data {
			crc ^= uint32(b)
			for i := 0; i < 8; i++ {
				if crc&1 != 0 {
					crc = crc>>1 ^ 0xEDB88320
				} else {
					crc >>= 1
				}
			}
		}
		return ^crc
	}

	if got := crc32.ChecksumIEEE(nil); got != ref(nil) {
		t.Fatalf("empty buffer crc = %#x, want %#x", got, ref(nil))
	}
	if got := crc32.ChecksumIEEE([]byte("123456789")); got != 0xCBF43926 {
		t.Fatalf("check value = %#x, want 0xCBF43926", got)
	}
	buf := make([]byte, 300)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	if crc32.ChecksumIEEE(buf) != ref(buf) {
		t.Fatal("table-driven crc diverges from bitwise reference")
	}
	if crc32.ChecksumIEEE(buf) != crc32.ChecksumIEEE(buf) {
		t.Fatal("identical buffer produced different checksums")
	}
}
