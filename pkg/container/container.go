// Package container holds the master's view of a container workload: its
// identity, lifecycle state and the devices it occupies on an agent.
package container

import (
	"github.com/google/uuid"

	"github.com/corral-sh/corral/pkg/device"
)

// ID is a globally unique identifier for a container. IDs are random, so no
// cross-agent coordination is needed to avoid collisions.
type ID string

// NewID generates a random container ID.
func NewID() ID {
	return ID(uuid.New().String())
}

// Container tracks a single container running on an agent. A container with
// no devices is an aux (zero-slot) workload.
type Container struct {
	ID          ID              `json:"id"`
	State       State           `json:"state"`
	Devices     []device.Device `json:"devices"`
	Description string          `json:"description"`
}

// DeviceIDs returns the per-agent device IDs the container occupies.
func (c Container) DeviceIDs() []device.ID {
	ids := make([]device.ID, 0, len(c.Devices))
	for _, d := range c.Devices {
		ids = append(ids, d.ID)
	}
	return ids
}

// Transition returns a copy of the container in the new state, panicking on
// illegal transitions since they always indicate masterside bugs.
func (c Container) Transition(next State) Container {
	if err := c.State.checkTransition(next); err != nil {
		panic(err)
	}
	c.State = next
	return c
}

// Spec is the agent-facing description of how to run a container.
type Spec struct {
	Image   string            `json:"image"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"env"`
	WorkDir string            `json:"work_dir"`
}
