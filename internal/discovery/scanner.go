package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"twinklysync/internal/xled"
)

const (
	// A broadcast round is allowed at most this often; Scan calls in
	// between are dropped, not queued.
	probeInterval  = 60 * time.Second
	responseWindow = 3 * time.Second

	mdnsService = "_twinkly._tcp"
)

// probeMessage is the fixed discovery payload: a one-byte version
// prefix ahead of the ASCII token.
var probeMessage = []byte("\x01discover")

// idTokens are the identification substrings a responder's name is
// matched against before it becomes a candidate.
var idTokens = []string{"Twinkly", "twinkly"}

// Confirmer vets candidates: Scan hands every fresh address over and
// lets the device layer decide whether it is worth keeping.
type Confirmer interface {
	ActiveIP(ip string) bool
	Confirm(ctx context.Context, ip string, port int) error
}

// Candidate is one responder observed during a scan round. ID is
// provisional; the hardware identity replaces it once confirmation
// has spoken to the device.
type Candidate struct {
	ID     string `json:"id"`
	IP     string `json:"ip"`
	Name   string `json:"name"`
	Source string `json:"source"`
}

type Scanner struct {
	logger     *zap.Logger
	confirmer  Confirmer
	devicePort int

	interval time.Duration
	window   time.Duration

	mu        sync.Mutex
	lastProbe time.Time

	now func() time.Time
}

func NewScanner(c Confirmer, devicePort int, logger *zap.Logger) *Scanner {
	if devicePort <= 0 {
		devicePort = xled.DefaultPort
	}
	return &Scanner{
		logger:     logger.Named("discovery"),
		confirmer:  c,
		devicePort: devicePort,
		interval:   probeInterval,
		window:     responseWindow,
		now:        time.Now,
	}
}

// Scan runs one discovery round: UDP broadcast probe plus an mDNS
// query, deduplicated, filtered against already-active addresses, and
// fed through the confirmer. Returns the candidates that were tried,
// or nil when the rate limit suppressed the round.
func (s *Scanner) Scan(ctx context.Context) []Candidate {
	if !s.shouldProbe() {
		s.logger.Debug("scan suppressed by rate limit")
		return nil
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		out  []Candidate
	)
	add := func(c Candidate) {
		mu.Lock()
		defer mu.Unlock()
		if c.IP == "" || seen[c.IP] || s.confirmer.ActiveIP(c.IP) {
			return
		}
		seen[c.IP] = true
		out = append(out, c)
		s.logger.Debug("candidate",
			zap.String("id", c.ID),
			zap.String("ip", c.IP),
			zap.String("name", c.Name),
			zap.String("source", c.Source))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := net.ListenPacket("udp4", ":0")
		if err != nil {
			s.logger.Warn("discovery socket unavailable", zap.Error(err))
			return
		}
		defer conn.Close()
		s.probeOnce(ctx, conn, broadcastTargets(), add)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.queryMDNS(ctx, add)
	}()
	wg.Wait()

	s.logger.Info("scan round complete", zap.Int("candidates", len(out)))
	s.confirmAll(ctx, out)
	return out
}

// Force feeds one address straight into confirmation, bypassing both
// the broadcast and its rate limit.
func (s *Scanner) Force(ctx context.Context, ip string) (Candidate, error) {
	c := Candidate{ID: uuid.New().String(), IP: ip, Source: "manual"}
	if net.ParseIP(ip) == nil {
		return c, fmt.Errorf("force discovery: invalid address %q", ip)
	}
	s.logger.Info("forced candidate", zap.String("id", c.ID), zap.String("ip", ip))
	if err := s.confirmer.Confirm(ctx, ip, s.devicePort); err != nil {
		return c, err
	}
	return c, nil
}

// Run drives periodic scan rounds until ctx is cancelled. The
// broadcast rate limit inside Scan applies regardless of cadence.
func (s *Scanner) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = s.interval
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		s.Scan(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// shouldProbe consumes one broadcast slot. A denied round does not
// move the clock.
func (s *Scanner) shouldProbe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.now()
	if !s.lastProbe.IsZero() && n.Sub(s.lastProbe) < s.interval {
		return false
	}
	s.lastProbe = n
	return true
}

func (s *Scanner) probeOnce(ctx context.Context, conn net.PacketConn, targets []*net.UDPAddr, add func(Candidate)) {
	for _, t := range targets {
		if _, err := conn.WriteTo(probeMessage, t); err != nil {
			s.logger.Debug("probe send failed", zap.Stringer("target", t), zap.Error(err))
		}
	}

	deadline := time.Now().Add(s.window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.logger.Debug("probe read failed", zap.Error(err))
			continue
		}
		ip, name, ok := parseProbeResponse(buf[:n])
		if !ok || !recognized(name) {
			continue
		}
		if ip == "" {
			// Responder left the address field zeroed; trust the
			// datagram source instead.
			if ua, ok := addr.(*net.UDPAddr); ok && ua.IP.To4() != nil {
				ip = ua.IP.To4().String()
			}
		}
		if ip == "" {
			continue
		}
		add(Candidate{ID: uuid.New().String(), IP: ip, Name: name, Source: "broadcast"})
	}
}

// queryMDNS is the secondary path for firmware that advertises the
// service record. The service type is vendor-specific, so responders
// are taken as-is without the name filter.
func (s *Scanner) queryMDNS(ctx context.Context, add func(Candidate)) {
	entries := make(chan *mdns.ServiceEntry, 10)

	go func() {
		params := &mdns.QueryParam{
			Service:             mdnsService,
			Domain:              "local",
			Timeout:             responseWindow,
			Entries:             entries,
			DisableIPv6:         true,
			WantUnicastResponse: true,
		}
		if err := mdns.Query(params); err != nil {
			s.logger.Debug("mdns query failed", zap.Error(err))
		}
		close(entries)
	}()

	suffix := "." + mdnsService + ".local."
	for entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.AddrV4 == nil {
			continue
		}
		addr := entry.AddrV4.String()
		if addr == "" || addr == "<nil>" {
			continue
		}
		add(Candidate{
			ID:     uuid.New().String(),
			IP:     addr,
			Name:   strings.TrimSuffix(entry.Name, suffix),
			Source: "mdns",
		})
	}
}

func (s *Scanner) confirmAll(ctx context.Context, candidates []Candidate) {
	var wg sync.WaitGroup
	for _, c := range candidates {
		wg.Add(1)
		go func(c Candidate) {
			defer wg.Done()
			if err := s.confirmer.Confirm(ctx, c.IP, s.devicePort); err != nil {
				s.logger.Debug("candidate rejected",
					zap.String("ip", c.IP),
					zap.String("source", c.Source),
					zap.Error(err))
			}
		}(c)
	}
	wg.Wait()
}

// parseProbeResponse splits a discovery reply: four address octets in
// reverse order, the literal "OK", then the NUL-padded device name.
// An all-zero address field yields ip == "" with ok still true.
func parseProbeResponse(b []byte) (ip, name string, ok bool) {
	if len(b) < 7 || b[4] != 'O' || b[5] != 'K' {
		return "", "", false
	}
	if b[0] != 0 || b[1] != 0 || b[2] != 0 || b[3] != 0 {
		ip = net.IPv4(b[3], b[2], b[1], b[0]).String()
	}
	name = strings.TrimRight(string(b[6:]), "\x00")
	return ip, name, true
}

func recognized(name string) bool {
	for _, t := range idTokens {
		if strings.Contains(name, t) {
			return true
		}
	}
	return false
}

// broadcastTargets enumerates the directed broadcast address of every
// up, non-loopback IPv4 interface, plus the all-ones fallback.
func broadcastTargets() []*net.UDPAddr {
	targets := []*net.UDPAddr{{IP: net.IPv4bcast, Port: xled.DiscoveryPort}}
	ifaces, err := net.Interfaces()
	if err != nil {
		return targets
	}
	seen := make(map[string]bool)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil {
				continue
			}
			mask := ipNet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			if len(mask) != net.IPv4len {
				continue
			}
			bcast := make(net.IP, net.IPv4len)
			for i := range bcast {
				bcast[i] = ip[i] | ^mask[i]
			}
			if key := bcast.String(); !seen[key] {
				seen[key] = true
				targets = append(targets, &net.UDPAddr{IP: bcast, Port: xled.DiscoveryPort})
			}
		}
	}
	return targets
}
