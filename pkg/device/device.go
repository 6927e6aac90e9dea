package device

import "fmt"

// Type is the kind of compute a Device provides.
type Type string

const (
	// CPU is a logical CPU device.
	CPU Type = "cpu"
	// CUDA is an NVIDIA GPU device.
	CUDA Type = "cuda"
	// ROCM is an AMD GPU device.
	ROCM Type = "rocm"
)

// ID identifies a device within a single agent. IDs are assigned by the agent
// when it inventories its hardware and are stable for the life of the process.
type ID int

// Device is a single schedulable compute device on an agent.
type Device struct {
	ID    ID     `json:"id"`
	Brand string `json:"brand"`
	UUID  string `json:"uuid"`
	Type  Type   `json:"type"`
}

func (d Device) String() string {
	return fmt.Sprintf("%s%d (%s)", d.Type, d.ID, d.Brand)
}
