// Package daemon wires the mesh subsystems into one running node: identity,
// routing table, lookup engine, DHT, router, and the transport adapters.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Node    NodeConfig    `toml:"node"`
	Routing RoutingConfig `toml:"routing"`
	Rate    RateConfig    `toml:"rate"`
	Offline OfflineConfig `toml:"offline"`
	DHT     DHTConfig     `toml:"dht"`
}

type NodeConfig struct {
	Home      string   `toml:"home"`
	Listen    string   `toml:"listen"`
	Bootstrap []string `toml:"bootstrap"`
	// InsecureTLS accepts any transport certificate. Development only.
	InsecureTLS bool   `toml:"insecure_tls"`
	MetricsPath string `toml:"metrics_path"`
}

type RoutingConfig struct {
	PoWBits      uint8 `toml:"pow_bits"`
	K            int   `toml:"k"`
	Alpha        int   `toml:"alpha"`
	RefreshMins  int   `toml:"refresh_mins"`
	FreshnessSec int   `toml:"freshness_sec"`
}

type RateConfig struct {
	WindowLimit int `toml:"window_limit"`
	BurstLimit  int `toml:"burst_limit"`
	PenaltyMins int `toml:"penalty_mins"`
}

type OfflineConfig struct {
	PerDestCap int `toml:"per_dest_cap"`
	GlobalCap  int `toml:"global_cap"`
}

type DHTConfig struct {
	MaxKeys  int `toml:"max_keys"`
	MaxBytes int `toml:"max_bytes"`
}

func DefaultConfig() Config {
	return Config{
		Node: NodeConfig{
			Home:   meshHome(),
			Listen: "127.0.0.1:47800",
		},
		Routing: RoutingConfig{
			PoWBits:      16,
			K:            20,
			Alpha:        3,
			RefreshMins:  30,
			FreshnessSec: 300,
		},
		Rate: RateConfig{
			WindowLimit: 100,
			BurstLimit:  20,
			PenaltyMins: 10,
		},
		Offline: OfflineConfig{
			PerDestCap: 64,
			GlobalCap:  4096,
		},
		DHT: DHTConfig{
			MaxKeys:  4096,
			MaxBytes: 64 << 20,
		},
	}
}

// LoadConfig reads path over the defaults. A missing file is not an error;
// the defaults apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Freshness() time.Duration {
	return time.Duration(c.Routing.FreshnessSec) * time.Second
}

func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.Routing.RefreshMins) * time.Minute
}

func (c Config) Penalty() time.Duration {
	return time.Duration(c.Rate.PenaltyMins) * time.Minute
}

func meshHome() string {
	if env := os.Getenv("MESHCORE_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meshcore"
	}
	return filepath.Join(home, ".meshcore")
}
