package config

import (
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

// Config holds the toolkit configuration, normally loaded from
// /etc/conftool/config.yaml. Keys absent from the file keep their defaults
// (see Load).
type Config struct {
	Driver        string                 `json:"driver"`
	Hosts         []string               `json:"hosts"`
	Namespace     string                 `json:"namespace"`
	APIVersion    string                 `json:"api_version"`
	PoolsPath     string                 `json:"pools_path"`
	ServicesPath  string                 `json:"services_path"`
	DriverOptions map[string]interface{} `json:"driver_options"`
	TCPircbotHost string                 `json:"tcpircbot_host"`
	TCPircbotPort int                    `json:"tcpircbot_port"`
	CachePath     string                 `json:"cache_path"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Driver:        "etcd",
		Hosts:         []string{"http://localhost:2379"},
		Namespace:     "/conftool",
		APIVersion:    "v1",
		PoolsPath:     "pools",
		ServicesPath:  "services",
		DriverOptions: map[string]interface{}{},
		TCPircbotHost: "localhost",
		TCPircbotPort: 9999,
		CachePath:     "/var/cache/conftool",
	}
}

// Load reads a YAML configuration file and overlays it on the defaults. A
// missing file yields the defaults; a malformed file or an invalid value is
// an error.
func Load(filename string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.validate()
		}
		return cfg, fmt.Errorf("could not load %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse %s: %w", filename, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if strings.HasPrefix(c.PoolsPath, "/") {
		return fmt.Errorf("pools_path must be a relative path")
	}
	if strings.HasPrefix(c.ServicesPath, "/") {
		return fmt.Errorf("services_path must be a relative path")
	}
	return nil
}
