package container

import (
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// State is the lifecycle state of a container.
type State string

const (
	// Assigned means the container is bound to an agent but not yet started.
	Assigned State = "ASSIGNED"
	// Pulling means the agent is pulling the container image.
	Pulling State = "PULLING"
	// Starting means the image is present and the container is being created.
	Starting State = "STARTING"
	// Running means the container's process is up.
	Running State = "RUNNING"
	// Terminated means the container has exited or was aborted. It is the only
	// terminal state.
	Terminated State = "TERMINATED"
	// Unknown is the null state.
	Unknown State = ""
)

func (s State) String() string {
	return string(s)
}

// Before reports whether s comes at or before other in the lifecycle ordering.
func (s State) Before(other State) bool {
	ordering := []State{Assigned, Pulling, Starting, Running, Terminated}
	return slices.Index(ordering, s) <= slices.Index(ordering, other)
}

var validTransitions = map[State]map[State]bool{
	Assigned:   {Pulling: true, Terminated: true},
	Pulling:    {Starting: true, Terminated: true},
	Starting:   {Running: true, Terminated: true},
	Running:    {Terminated: true},
	Terminated: {},
	Unknown:    {},
}

func (s State) checkTransition(next State) error {
	if !validTransitions[s][next] {
		return errors.Errorf("cannot transition from %s to %s", s, next)
	}
	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (s *State) UnmarshalText(text []byte) error {
	parsed := State(text)
	if _, ok := validTransitions[parsed]; !ok {
		return errors.Errorf("invalid container state: %s", text)
	}
	*s = parsed
	return nil
}

// ParseStateFromDocker maps a raw docker container state into ours.
func ParseStateFromDocker(cont types.Container) (State, error) {
	switch cont.State {
	case "created", "restarting":
		return Starting, nil
	case "paused", "exited":
		return Terminated, nil
	case "running":
		return Running, nil
	default:
		return Unknown, fmt.Errorf("unknown container state: %s", cont.State)
	}
}
