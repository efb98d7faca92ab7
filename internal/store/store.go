// Package store persists discovered device identities so the daemon
// can reconnect at startup without waiting for a fresh network probe.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
)

// Device is one cached identity, keyed by the hardware id the device
// reports (its MAC).
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type cacheFile struct {
	Devices []Device `json:"devices"`
}

type Store struct {
	mu       sync.Mutex
	devices  map[string]Device
	filePath string
}

// New opens the store at the platform default location.
func New() (*Store, error) {
	p, err := defaultPath()
	if err != nil {
		return nil, err
	}
	return Open(p)
}

// Open opens the store backed by the given file, creating state in
// memory if the file does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{
		devices:  make(map[string]Device),
		filePath: path,
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

// Devices returns all cached entries ordered by id.
func (s *Store) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Get(id string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	return d, ok
}

// Upsert adds or replaces one entry and rewrites the whole file.
func (s *Store) Upsert(d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
	return s.saveLocked()
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return nil
	}
	delete(s.devices, id)
	return s.saveLocked()
}

// Purge drops every entry. Kept around for troubleshooting devices
// that moved IPs or were re-flashed.
func (s *Store) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = make(map[string]Device)
	return s.saveLocked()
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}
	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range f.Devices {
		s.devices[d.ID] = d
	}
	return nil
}

// saveLocked serializes the full mapping and writes atomically.
// Caller must hold s.mu.
func (s *Store) saveLocked() error {
	f := cacheFile{Devices: make([]Device, 0, len(s.devices))}
	for _, d := range s.devices {
		f.Devices = append(f.Devices, d)
	}
	sort.Slice(f.Devices, func(i, j int) bool { return f.Devices[i].ID < f.Devices[j].ID })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath)
}

func defaultPath() (string, error) {
	var dir string
	switch runtime.GOOS {
	case "windows":
		dir = os.Getenv("APPDATA")
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, "Library", "Application Support")
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "twinklysync", "devices.json"), nil
}
