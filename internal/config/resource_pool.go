package config

import "github.com/pkg/errors"

// DefaultResourcePoolName is used for agents that do not name a pool.
const DefaultResourcePoolName = "default"

// ResourcePoolConfig configures one resource pool of agents.
type ResourcePoolConfig struct {
	PoolName    string `json:"pool_name"`
	Description string `json:"description"`

	// MaxAuxContainersPerAgent caps concurrent zero-slot containers per agent.
	MaxAuxContainersPerAgent int `json:"max_aux_containers_per_agent"`
	// AgentReconnectWait is the window an agent has to reconnect after its
	// socket drops.
	AgentReconnectWait Duration `json:"agent_reconnect_wait"`
	// AgentReattachEnabled makes agent state in this pool durable across
	// master restarts; on startup, snapshots for the pool are restored and
	// reconnecting agents reattach their containers.
	AgentReattachEnabled bool `json:"agent_reattach_enabled"`
}

func defaultResourcePoolConfig() ResourcePoolConfig {
	return ResourcePoolConfig{
		PoolName:                 DefaultResourcePoolName,
		MaxAuxContainersPerAgent: 100,
		AgentReconnectWait:       DefaultReconnectWait,
		AgentReattachEnabled:     true,
	}
}

// Validate checks the pool configuration.
func (r ResourcePoolConfig) Validate() error {
	if r.PoolName == "" {
		return errors.New("resource pool must have a name")
	}
	if r.MaxAuxContainersPerAgent < 0 {
		return errors.Errorf(
			"resource pool %s: max_aux_containers_per_agent must be >= 0", r.PoolName)
	}
	if r.AgentReconnectWait < 0 {
		return errors.Errorf("resource pool %s: agent_reconnect_wait must be >= 0", r.PoolName)
	}
	return nil
}
