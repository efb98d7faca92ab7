package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"twinklysync/internal/device"
	"twinklysync/internal/discovery"
	"twinklysync/internal/render"
)

type fakeDevices struct {
	mu       sync.Mutex
	infos    []device.Info
	lighting []string
	power    []string
	forgot   []string
	purged   int
	err      error
}

func (f *fakeDevices) Devices() []device.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infos
}

func (f *fakeDevices) SetLighting(id string, mode render.Mode, color *render.RGB) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.lighting = append(f.lighting, fmt.Sprintf("%s/%s/%v", id, mode, color))
	return nil
}

func (f *fakeDevices) SetPower(id string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.power = append(f.power, fmt.Sprintf("%s/%v", id, on))
	return nil
}

func (f *fakeDevices) Forget(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.forgot = append(f.forgot, id)
	return nil
}

func (f *fakeDevices) PurgeCache() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.purged++
	return nil
}

type fakeDiscovery struct {
	mu     sync.Mutex
	scans  int
	forced []string
	err    error
}

func (f *fakeDiscovery) Scan(ctx context.Context) []discovery.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	return nil
}

func (f *fakeDiscovery) Force(ctx context.Context, ip string) (discovery.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, ip)
	return discovery.Candidate{ID: "prov-1", IP: ip, Source: "manual"}, f.err
}

func (f *fakeDiscovery) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func newTestServer(t *testing.T) (*Server, *fakeDevices, *fakeDiscovery) {
	t.Helper()
	fd := &fakeDevices{}
	fs := &fakeDiscovery{}
	return NewServer("127.0.0.1:0", fd, fs, zap.NewNop()), fd, fs
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestStatus(t *testing.T) {
	s, fd, _ := newTestServer(t)
	fd.infos = []device.Info{
		{ID: "aa", Name: "Tree"},
		{ID: "bb", Name: "Strip", PoweredOff: true},
	}

	w := doJSON(t, s, http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	out := decode(t, w)
	if out["count"].(float64) != 2 {
		t.Fatalf("count = %v", out["count"])
	}
	devices := out["devices"].([]any)
	if devices[0].(map[string]any)["id"] != "aa" {
		t.Fatalf("devices = %v", devices)
	}
}

func TestDiscoverByIP(t *testing.T) {
	s, _, fs := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/discover", `{"ip":"10.0.0.5"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	out := decode(t, w)
	cand := out["candidate"].(map[string]any)
	if cand["ip"] != "10.0.0.5" || cand["source"] != "manual" {
		t.Fatalf("candidate = %v", cand)
	}
	if len(fs.forced) != 1 || fs.forced[0] != "10.0.0.5" {
		t.Fatalf("forced = %v", fs.forced)
	}
}

func TestDiscoverBroadcast(t *testing.T) {
	s, _, fs := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/discover", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for fs.scanCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scan never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDiscoverUnsupportedDevice(t *testing.T) {
	s, _, fs := newTestServer(t)
	fs.err = fmt.Errorf("confirm: %w", device.ErrUnsupported)

	w := doJSON(t, s, http.MethodPost, "/api/discover", `{"ip":"10.0.0.6"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestDiscoverUnreachableDevice(t *testing.T) {
	s, _, fs := newTestServer(t)
	fs.err = errors.New("connection refused")

	w := doJSON(t, s, http.MethodPost, "/api/discover", `{"ip":"10.0.0.7"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestLighting(t *testing.T) {
	s, fd, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/devices/aa/lighting",
		`{"mode":"forced","color":{"r":255,"g":0,"b":128}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if len(fd.lighting) != 1 || fd.lighting[0] != "aa/forced/&{255 0 128}" {
		t.Fatalf("lighting calls = %v", fd.lighting)
	}
}

func TestLightingRejectsBadMode(t *testing.T) {
	s, fd, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/devices/aa/lighting", `{"mode":"disco"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if len(fd.lighting) != 0 {
		t.Fatal("service reached with invalid mode")
	}

	if w := doJSON(t, s, http.MethodPost, "/api/devices/aa/lighting", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing mode accepted: %d", w.Code)
	}
}

func TestLightingUnknownDevice(t *testing.T) {
	s, fd, _ := newTestServer(t)
	fd.err = fmt.Errorf("%w: %q", device.ErrUnknownDevice, "nope")

	w := doJSON(t, s, http.MethodPost, "/api/devices/nope/lighting", `{"mode":"canvas"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestPower(t *testing.T) {
	s, fd, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/devices/aa/power", `{"on":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if len(fd.power) != 1 || fd.power[0] != "aa/false" {
		t.Fatalf("power calls = %v", fd.power)
	}

	if w := doJSON(t, s, http.MethodPost, "/api/devices/aa/power", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing on field accepted: %d", w.Code)
	}
}

func TestForget(t *testing.T) {
	s, fd, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodDelete, "/api/devices/aa", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(fd.forgot) != 1 || fd.forgot[0] != "aa" {
		t.Fatalf("forgot = %v", fd.forgot)
	}

	fd.err = fmt.Errorf("%w: %q", device.ErrUnknownDevice, "bb")
	if w := doJSON(t, s, http.MethodDelete, "/api/devices/bb", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown device delete = %d", w.Code)
	}
}

func TestPurgeCache(t *testing.T) {
	s, fd, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodDelete, "/api/cache", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if fd.purged != 1 {
		t.Fatalf("purged = %d", fd.purged)
	}

	fd.err = errors.New("disk full")
	if w := doJSON(t, s, http.MethodDelete, "/api/cache", ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("purge failure = %d", w.Code)
	}
}
