package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// NodeConfig holds the settings of one node process. Values come from an
// optional YAML file and are overridden by command line flags.
type NodeConfig struct {
	DataDir            string        `yaml:"data_dir"`
	CoordDir           string        `yaml:"coord_dir"`
	Host               string        `yaml:"host"`
	Ports              []string      `yaml:"ports"`
	MetricsAddr        string        `yaml:"metrics_addr"`
	StatisticsInterval time.Duration `yaml:"statistics_interval"`
	// NodeTTL is how long a node stays ready without a heartbeat.
	NodeTTL           time.Duration `yaml:"node_ttl"`
	Workers           int           `yaml:"workers"`
	RedistributeRate  float64       `yaml:"redistribute_rate"`
	RoutingRetries    int           `yaml:"routing_retries"`
	Groups            []GroupConfig `yaml:"groups"`
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		DataDir:            "spacedb",
		CoordDir:           "spacedb_coord",
		Ports:              []string{"8008", "8009", "8010", "8011"},
		MetricsAddr:        ":9108",
		StatisticsInterval: 30 * time.Second,
		NodeTTL:            90 * time.Second,
		Workers:            4,
		RedistributeRate:   5000,
		RoutingRetries:     5,
	}
}

// LoadNodeConfig reads a YAML file on top of the defaults. An empty path
// returns the defaults.
func LoadNodeConfig(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read node config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse node config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c NodeConfig) Validate() error {
	if c.DataDir == "" || c.CoordDir == "" {
		return errors.New("data_dir and coord_dir must be set")
	}
	if len(c.Ports) == 0 {
		return errors.New("at least one port is required")
	}
	if c.StatisticsInterval <= 0 {
		return errors.Newf("statistics_interval must be positive, got %s", c.StatisticsInterval)
	}
	if c.NodeTTL < c.StatisticsInterval {
		return errors.Newf("node_ttl %s is shorter than statistics_interval %s", c.NodeTTL, c.StatisticsInterval)
	}
	if c.Workers <= 0 {
		return errors.Newf("workers must be positive, got %d", c.Workers)
	}
	if c.RoutingRetries <= 0 {
		return errors.Newf("routing_retries must be positive, got %d", c.RoutingRetries)
	}
	for _, g := range c.Groups {
		if err := g.Validate(); err != nil {
			return err
		}
	}
	return nil
}
