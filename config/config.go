// Package config manages the persisted, disk-backed recorder configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Data holds the serialisable recorder configuration (spec §6: "Start-up
// parameters (flags or env)").
type Data struct {
	ListenPort string `json:"listen_port"`
	DataRoot   string `json:"data_root"`

	// Scheduler behaviour
	ReconcileInterval string `json:"reconcile_interval"` // default 30s
	SchedulingHorizon  string `json:"scheduling_horizon"` // how far ahead plans are armed, default 25h
	SeriesHorizon      string `json:"series_horizon"`     // how far ahead SeriesWatch polls events, default 7 * 24h

	// Capture timing
	LeadIn  string `json:"lead_in"`  // default 5s
	TailOut string `json:"tail_out"` // default 30s

	// Upstream
	UpstreamBaseURL   string `json:"upstream_base_url"`
	SeriesCacheTTL    string `json:"series_cache_ttl"` // default 6h
	UpstreamTimeout   string `json:"upstream_timeout"` // default 60s

	// Capture subprocess
	MuxerPath      string `json:"muxer_path"`      // executable used to capture HLS (spec §4.4)
	ConverterPath  string `json:"converter_path"`  // executable used for on-demand single-container conversion
	SegmentSeconds int    `json:"segment_seconds"` // target segment duration, default 6

	Verbose bool `json:"verbose"`
}

// Global is a thread-safe, disk-backed wrapper around Data.
type Global struct {
	mu      sync.RWMutex
	data    Data
	confDir string
}

// Load reads confDir/config.json, filling in defaults for any missing
// fields, creating confDir if necessary.
func Load(confDir string) (*Global, error) {
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return nil, err
	}

	g := &Global{confDir: confDir, data: defaults()}

	raw, err := os.ReadFile(filepath.Join(confDir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(raw, &g.data); err != nil {
		return nil, err
	}
	return g, nil
}

func defaults() Data {
	return Data{
		ListenPort:        "8080",
		DataRoot:          "/data",
		ReconcileInterval: "30s",
		SchedulingHorizon: "25h",
		SeriesHorizon:     "168h",
		LeadIn:            "5s",
		TailOut:           "30s",
		SeriesCacheTTL:    "6h",
		UpstreamTimeout:   "60s",
		MuxerPath:         "ffmpeg",
		ConverterPath:     "ffmpeg",
		SegmentSeconds:    6,
	}
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the current configuration and persists it to disk.
func (g *Global) Set(d Data) error {
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return g.save()
}

func (g *Global) save() error {
	g.mu.RLock()
	raw, err := json.MarshalIndent(g.data, "", "  ")
	g.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.confDir, "config.json"), raw, 0o644)
}
