// Package agentmsg defines the messages exchanged between the master and its
// agents over the agent websocket.
package agentmsg

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/pkg/errors"

	"github.com/corral-sh/corral/pkg/container"
	"github.com/corral-sh/corral/pkg/device"
)

// ID identifies an agent. It is derived from the agent's connection identity
// and is stable across reconnects of the same agent process.
type ID string

// ErrAgentMustReconnect is returned to agents whose state the master no
// longer holds; they must restart and register fresh.
var ErrAgentMustReconnect = errors.New("agent is no longer recoverable, it must restart")

// MasterMessage is a union of all messages agents send to the master.
type MasterMessage struct {
	AgentStarted          *AgentStarted
	ContainerStateChanged *ContainerStateChanged
	ContainerLog          *ContainerLog
}

// AgentMessage is a union of all messages the master sends to agents.
type AgentMessage struct {
	MasterSetAgentOptions *MasterSetAgentOptions
	StartContainer        *StartContainer
	SignalContainer       *SignalContainer
	AgentShutdown         *AgentShutdown
}

// MasterInfo identifies the master an agent has connected to.
type MasterInfo struct {
	Version     string `json:"version"`
	MasterID    string `json:"master_id"`
	ClusterID   string `json:"cluster_id"`
	ClusterName string `json:"cluster_name"`
}

// MasterSetAgentOptions is the handshake the master sends on connect.
type MasterSetAgentOptions struct {
	MasterInfo           MasterInfo
	ContainersToReattach []ContainerReattach
}

// AgentStarted tells the master the agent is up, what devices it has and the
// outcome of any container reattach attempts.
type AgentStarted struct {
	Version              string
	Devices              []device.Device
	Label                string
	ResourcePoolName     string
	ContainersReattached []ContainerReattachAck
}

// ContainerReattach describes a container the agent should try to reattach.
type ContainerReattach struct {
	Container container.Container
}

// ContainerReattachAck reports the result of one reattach attempt.
type ContainerReattachAck struct {
	Container container.Container
	Failure   *ContainerFailure
}

// FromContainerStateChanged builds a reattach ack from a state change.
func FromContainerStateChanged(csc ContainerStateChanged) ContainerReattachAck {
	ack := ContainerReattachAck{Container: csc.Container}
	if csc.ContainerStopped != nil {
		ack.Failure = csc.ContainerStopped.Failure
	}
	return ack
}

// ContainerStateChanged tells the master a container transitioned state.
type ContainerStateChanged struct {
	Container container.Container

	ContainerStarted *ContainerStarted
	ContainerStopped *ContainerStopped
}

// ContainerStarted carries the details of a container that began running.
type ContainerStarted struct {
	ProxyAddress  string
	ContainerInfo types.ContainerJSON
}

func (c ContainerStarted) String() string {
	return fmt.Sprintf("container %s running", c.ContainerInfo.ID)
}

// Addresses computes the exposed addresses of the started container from the
// docker inspect payload.
func (c ContainerStarted) Addresses() []container.Address {
	proxy := c.ProxyAddress

	info := c.ContainerInfo
	var addresses []container.Address
	switch info.HostConfig.NetworkMode {
	case "host":
		for port := range info.Config.ExposedPorts {
			addresses = append(addresses, container.Address{
				ContainerIP:   proxy,
				ContainerPort: port.Int(),
			})
		}
	default:
		if info.NetworkSettings == nil {
			return nil
		}
		networks := info.NetworkSettings.Networks
		ipAddresses := make([]string, 0, len(networks))
		for _, network := range networks {
			ipAddresses = append(ipAddresses, network.IPAddress)
		}

		for port, bindings := range info.NetworkSettings.Ports {
			// An unpublished port is only reachable by container IP.
			if len(bindings) == 0 {
				for _, ip := range ipAddresses {
					addresses = append(addresses, container.Address{
						ContainerIP:   ip,
						ContainerPort: port.Int(),
					})
				}
				continue
			}

			for _, binding := range bindings {
				hostIP := binding.HostIP
				if ip := net.ParseIP(hostIP); ip == nil || ip.IsUnspecified() {
					hostIP = proxy
				}
				hostPort, err := natPortToInt(binding.HostPort)
				if err != nil {
					continue
				}
				for _, ip := range ipAddresses {
					addresses = append(addresses, container.Address{
						ContainerIP:   ip,
						ContainerPort: port.Int(),
						HostIP:        &hostIP,
						HostPort:      &hostPort,
					})
				}
			}
		}
	}
	return addresses
}

func natPortToInt(port string) (int, error) {
	var p int
	_, err := fmt.Sscanf(port, "%d", &p)
	return p, err
}

// ContainerStopped carries the details of a container that exited.
type ContainerStopped struct {
	Failure *ContainerFailure
}

func (c ContainerStopped) String() string {
	if c.Failure == nil {
		return "container exited successfully"
	}
	return c.Failure.Error()
}

// FailureType classifies why a container stopped abnormally.
type FailureType string

const (
	// ContainerFailed means the container ran and exited non-zero.
	ContainerFailed FailureType = "container_failed"
	// ContainerAborted means the master aborted the container before it ran.
	ContainerAborted FailureType = "container_aborted"
	// AgentFailed means the hosting agent crashed or was lost.
	AgentFailed FailureType = "agent_failed"
	// RestoreError means the agent could not reattach the container after a
	// restart.
	RestoreError FailureType = "restore_error"
)

// ContainerFailure describes an abnormal container stop.
type ContainerFailure struct {
	FailureType FailureType `json:"failure_type"`
	ErrMsg      string      `json:"err_msg"`
	ExitCode    *int        `json:"exit_code,omitempty"`
}

func (f ContainerFailure) Error() string {
	if f.ExitCode == nil {
		return fmt.Sprintf("%s: %s", f.FailureType, f.ErrMsg)
	}
	return fmt.Sprintf("%s: %s (exit code %d)", f.FailureType, f.ErrMsg, *f.ExitCode)
}

// ContainerError builds a ContainerStopped for a masterside failure.
func ContainerError(failureType FailureType, err error) ContainerStopped {
	return ContainerStopped{
		Failure: &ContainerFailure{
			FailureType: failureType,
			ErrMsg:      err.Error(),
		},
	}
}

// ContainerLog is a log line from a container forwarded by the agent.
type ContainerLog struct {
	ContainerID container.ID
	Timestamp   time.Time
	Level       *string
	Message     string
}

// StartContainer tells the agent to start a container.
type StartContainer struct {
	Container container.Container
	Spec      container.Spec
}

// SignalContainer tells the agent to signal a container's process.
type SignalContainer struct {
	ContainerID container.ID
	Signal      syscall.Signal
}

// AgentShutdown tells the agent to shut itself down.
type AgentShutdown struct {
	ErrMsg string
}
