package container

import (
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/require"

	"github.com/corral-sh/corral/pkg/device"
)

func TestStateOrdering(t *testing.T) {
	require.True(t, Assigned.Before(Pulling))
	require.True(t, Pulling.Before(Running))
	require.True(t, Running.Before(Terminated))
	require.True(t, Running.Before(Running))
	require.False(t, Terminated.Before(Assigned))
}

func TestStateTransitions(t *testing.T) {
	c := Container{
		ID:      NewID(),
		State:   Assigned,
		Devices: []device.Device{{ID: 1}, {ID: 3}},
	}
	require.Equal(t, []device.ID{1, 3}, c.DeviceIDs())

	for _, next := range []State{Pulling, Starting, Running, Terminated} {
		c = c.Transition(next)
		require.Equal(t, next, c.State)
	}

	require.Panics(t, func() {
		Container{State: Terminated}.Transition(Running)
	})
	require.Panics(t, func() {
		Container{State: Assigned}.Transition(Running)
	})
}

func TestStateUnmarshalRejectsUnknown(t *testing.T) {
	var s State
	require.NoError(t, s.UnmarshalText([]byte("RUNNING")))
	require.Equal(t, Running, s)
	require.Error(t, s.UnmarshalText([]byte("SLEEPING")))
}

func TestParseStateFromDocker(t *testing.T) {
	tests := []struct {
		dockerState string
		want        State
		wantErr     bool
	}{
		{"created", Starting, false},
		{"restarting", Starting, false},
		{"running", Running, false},
		{"paused", Terminated, false},
		{"exited", Terminated, false},
		{"dead", Unknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.dockerState, func(t *testing.T) {
			got, err := ParseStateFromDocker(types.Container{State: tt.dockerState})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
