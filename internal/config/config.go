// Package config holds the master configuration, read from YAML and merged
// with environment variables and command line flags by the entrypoint.
package config

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"

	"github.com/corral-sh/corral/internal/db"
	"github.com/corral-sh/corral/pkg/logger"
)

// DefaultReconnectWait is how long an agent has to reconnect before the
// master gives up on it and terminates its containers.
const DefaultReconnectWait = Duration(25 * time.Second)

var (
	once         sync.Once
	masterConfig *Config
)

// Config is the top-level master configuration.
type Config struct {
	ConfigFile    string               `json:"config_file"`
	Log           logger.Config        `json:"log"`
	DB            db.Config            `json:"db"`
	Port          int                  `json:"port"`
	ClusterName   string               `json:"cluster_name"`
	ResourcePools []ResourcePoolConfig `json:"resource_pools"`
}

// DefaultConfig returns the default master configuration.
func DefaultConfig() *Config {
	return &Config{
		Log:  *logger.DefaultConfig(),
		DB:   *db.DefaultConfig(),
		Port: 8080,
		ResourcePools: []ResourcePoolConfig{
			defaultResourcePoolConfig(),
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return errors.Wrap(err, "invalid log config")
	}
	seen := map[string]bool{}
	for i := range c.ResourcePools {
		if err := c.ResourcePools[i].Validate(); err != nil {
			return err
		}
		if seen[c.ResourcePools[i].PoolName] {
			return errors.Errorf("duplicate resource pool: %s", c.ResourcePools[i].PoolName)
		}
		seen[c.ResourcePools[i].PoolName] = true
	}
	return nil
}

// Resolve fills in defaults that depend on other settings.
func (c *Config) Resolve() {
	if len(c.ResourcePools) == 0 {
		c.ResourcePools = []ResourcePoolConfig{defaultResourcePoolConfig()}
	}
	for i := range c.ResourcePools {
		if c.ResourcePools[i].AgentReconnectWait == 0 {
			c.ResourcePools[i].AgentReconnectWait = DefaultReconnectWait
		}
	}
}

// ResourcePool returns the config of the named pool, or nil.
func (c *Config) ResourcePool(name string) *ResourcePoolConfig {
	for i := range c.ResourcePools {
		if c.ResourcePools[i].PoolName == name {
			return &c.ResourcePools[i]
		}
	}
	return nil
}

// Printable returns the config as YAML with secrets redacted.
func (c *Config) Printable() (string, error) {
	redacted := *c
	redacted.DB.Password = "********"
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return "", errors.Wrap(err, "marshalling config")
	}
	return string(out), nil
}

// SetMasterConfig sets the process-wide master config. It may only be set
// once.
func SetMasterConfig(c *Config) {
	if masterConfig != nil {
		panic("master config is already set")
	}
	once.Do(func() {
		masterConfig = c
	})
}

// GetMasterConfig returns the process-wide master config.
func GetMasterConfig() *Config {
	return masterConfig
}

// Duration is a time.Duration that round-trips through JSON and YAML as a
// string like "30s".
type Duration time.Duration

// MarshalJSON implements the json.Marshaler interface.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "invalid duration: %s", v)
		}
		*d = Duration(parsed)
		return nil
	default:
		return errors.Errorf("invalid duration: %v", raw)
	}
}
