// Copyright 2021 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package impl

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const defaultDaemonTimeout = 30 * time.Second

// Config is the file based configuration of the client.
type Config struct {
	// CacheDir overrides where fetched firmware and metadata are kept.
	CacheDir string `toml:"cache_dir" yaml:"cache_dir" json:"cache_dir"`
	// Reason is passed to the daemon with each install.
	Reason string `toml:"reason" yaml:"reason" json:"reason"`
	// DaemonTimeout bounds how long to wait for the daemon to appear, e.g. "30s".
	DaemonTimeout string `toml:"daemon_timeout" yaml:"daemon_timeout" json:"daemon_timeout"`

	// Remotes restricts metadata refresh to these remote IDs. Empty means all.
	Remotes []string `toml:"remotes" yaml:"remotes" json:"remotes"`
	// Devices restricts updates to these device IDs. Empty means all.
	Devices []string `toml:"devices" yaml:"devices" json:"devices"`

	Refresh   bool `toml:"refresh" yaml:"refresh" json:"refresh"`
	Install   bool `toml:"install" yaml:"install" json:"install"`
	Force     bool `toml:"force" yaml:"force" json:"force"`
	NoHistory bool `toml:"no_history" yaml:"no_history" json:"no_history"`
	// Watch keeps printing daemon notifications after the work is done.
	Watch bool `toml:"watch" yaml:"watch" json:"watch"`

	JournalDriver string `toml:"journal_driver" yaml:"journal_driver" json:"journal_driver"`
	JournalDSN    string `toml:"journal_dsn" yaml:"journal_dsn" json:"journal_dsn"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Reason:        "(user)",
		DaemonTimeout: defaultDaemonTimeout.String(),
		Refresh:       true,
		JournalDriver: "sqlite3",
	}
}

// LoadConfig reads the configuration at path, choosing the format by file
// extension. An empty path returns the defaults. The result is not validated,
// since flags may still override it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	return cfg, nil
}

// Validate checks that the configuration, with any overrides applied, is usable.
func (c *Config) Validate() error {
	if _, err := c.daemonTimeout(); err != nil {
		return err
	}
	if c.JournalDSN != "" {
		switch c.JournalDriver {
		case "sqlite3", "mysql":
		default:
			return fmt.Errorf("journal_driver must be one of: 'sqlite3', 'mysql', got %q", c.JournalDriver)
		}
	}
	if c.Force && !c.Install {
		return errors.New("force only applies with install")
	}
	return nil
}

func (c *Config) daemonTimeout() (time.Duration, error) {
	if c.DaemonTimeout == "" {
		return defaultDaemonTimeout, nil
	}
	d, err := time.ParseDuration(c.DaemonTimeout)
	if err != nil {
		return 0, fmt.Errorf("daemon_timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("daemon_timeout must be positive, got %s", d)
	}
	return d, nil
}
