package fleet

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/corral-sh/corral/internal/allocationmap"
	"github.com/corral-sh/corral/internal/taskevents"
	"github.com/corral-sh/corral/pkg/agentmsg"
	"github.com/corral-sh/corral/pkg/container"
	"github.com/corral-sh/corral/pkg/device"
	"github.com/corral-sh/corral/pkg/model"
	"github.com/corral-sh/corral/pkg/ptrs"
)

func testDevices(n int) []device.Device {
	devices := make([]device.Device, 0, n)
	for i := 0; i < n; i++ {
		devices = append(devices, device.Device{
			ID:    device.ID(i),
			Brand: "nvda",
			UUID:  uuid.NewString(),
			Type:  device.CUDA,
		})
	}
	return devices
}

// seedSlots populates the state as agentStarted would, without touching the
// durable store.
func seedSlots(state *agentState, devices []device.Device) {
	for _, d := range devices {
		state.slotStates[d.ID] = &slot{
			device:  d,
			enabled: slotEnabled{agentEnabled: true, userEnabled: true},
		}
		state.updateSlotDeviceView(d.ID)
	}
}

func TestCapacityAccounting(t *testing.T) {
	state := newAgentState(agentmsg.ID(uuid.NewString()), 10)
	devices := testDevices(4)
	seedSlots(state, devices)

	require.Equal(t, 4, state.numSlots())
	require.Equal(t, 4, state.numEmptySlots())
	require.Equal(t, 0, state.numUsedSlots())
	require.Equal(t, 10, state.numZeroSlots())
	require.Equal(t, 10, state.numEmptyZeroSlots())
	require.True(t, state.idle())

	// Occupy two devices.
	cID := container.NewID()
	allocated, err := state.allocateFreeDevices(2, cID)
	require.NoError(t, err)
	require.Len(t, allocated, 2)
	require.Equal(t, 2, state.numUsedSlots())
	require.Equal(t, 2, state.numEmptySlots())
	require.False(t, state.idle())

	// A zero-slot container counts against the zero-slot pool only.
	zID := container.NewID()
	state.containerState[zID] = &container.Container{ID: zID}
	require.Equal(t, 1, state.numUsedZeroSlots())
	require.Equal(t, 9, state.numEmptyZeroSlots())
	require.Equal(t, 2, state.numUsedSlots())

	// Draining reports only what is occupied and admits nothing.
	state.disable(true)
	require.Equal(t, 2, state.numSlots())
	require.Equal(t, 0, state.numEmptySlots())
	require.Equal(t, 1, state.numZeroSlots())
	require.Equal(t, 0, state.numEmptyZeroSlots())

	// Disabled reports nothing at all.
	state.disable(false)
	require.Equal(t, 0, state.numSlots())
	require.Equal(t, 0, state.numEmptySlots())
	require.Equal(t, 0, state.numZeroSlots())
	require.Equal(t, 0, state.numEmptyZeroSlots())

	state.enable()
	require.Equal(t, 4, state.numSlots())
	require.Equal(t, 2, state.numEmptySlots())
	require.Equal(t, 10, state.numZeroSlots())
}

func TestAllocateFreeDevices(t *testing.T) {
	state := newAgentState(agentmsg.ID(uuid.NewString()), 0)
	devices := testDevices(4)
	seedSlots(state, devices)

	// The lowest-numbered free devices are taken first.
	first := container.NewID()
	allocated, err := state.allocateFreeDevices(2, first)
	require.NoError(t, err)
	require.Equal(t, []device.ID{0, 1}, deviceIDs(allocated))

	second := container.NewID()
	allocated, err = state.allocateFreeDevices(1, second)
	require.NoError(t, err)
	require.Equal(t, []device.ID{2}, deviceIDs(allocated))

	// Failure leaves the state untouched.
	before := len(state.containerState)
	_, err = state.allocateFreeDevices(2, container.NewID())
	require.ErrorContains(t, err, "not enough devices")
	require.Len(t, state.containerState, before)
	require.Equal(t, 3, state.numUsedSlots())

	// Releasing the first container frees its devices for reuse.
	state.deallocateContainer(first)
	require.Equal(t, 1, state.numUsedSlots())
	require.NotContains(t, state.containerState, first)

	allocated, err = state.allocateFreeDevices(3, container.NewID())
	require.NoError(t, err)
	require.Equal(t, []device.ID{0, 1, 3}, deviceIDs(allocated))
}

func deviceIDs(devices []device.Device) []device.ID {
	ids := make([]device.ID, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	return ids
}

func TestSlotStatePatches(t *testing.T) {
	state := newAgentState(agentmsg.ID(uuid.NewString()), 0)
	seedSlots(state, testDevices(2))

	slots := state.getSlotsSummary("/agents/a1")
	require.Len(t, slots, 2)
	for _, s := range slots {
		require.True(t, s.Enabled)
		require.False(t, s.Draining)
	}

	summary, err := state.patchSlotState(patchSlotState{
		id:      0,
		enabled: ptrs.Ptr(false),
		drain:   ptrs.Ptr(true),
	})
	require.NoError(t, err)
	require.False(t, summary.Enabled)
	require.True(t, summary.Draining)
	// A draining slot keeps its device visible.
	require.Equal(t, 2, state.numSlots())

	_, err = state.patchSlotState(patchSlotState{id: 42, enabled: ptrs.Ptr(true)})
	require.ErrorContains(t, err, "not found")

	all := state.patchAllSlotsState(patchAllSlotsState{enabled: ptrs.Ptr(true)})
	require.Len(t, all, 2)
	for _, s := range all {
		require.True(t, s.Enabled)
	}
}

func TestDisabledSlotRemovedFromView(t *testing.T) {
	state := newAgentState(agentmsg.ID(uuid.NewString()), 0)
	devices := testDevices(2)
	seedSlots(state, devices)

	_, err := state.patchSlotState(patchSlotState{id: 1, enabled: ptrs.Ptr(false)})
	require.NoError(t, err)
	require.Equal(t, 1, state.numSlots())
	require.NotContains(t, state.Devices, devices[1])

	// Re-enabling materializes the device again.
	_, err = state.patchSlotState(patchSlotState{id: 1, enabled: ptrs.Ptr(true)})
	require.NoError(t, err)
	require.Equal(t, 2, state.numSlots())
	require.Contains(t, state.Devices, devices[1])
}

func TestSnapshotRestoreKeepsSlotDisable(t *testing.T) {
	state := newAgentState(agentmsg.ID(uuid.NewString()), 5)
	state.resourcePoolName = "pool1"
	devices := testDevices(2)
	seedSlots(state, devices)

	_, err := state.patchSlotState(patchSlotState{id: 1, enabled: ptrs.Ptr(false)})
	require.NoError(t, err)

	restored, err := newAgentStateFromSnapshot(*state.snapshot())
	require.NoError(t, err)

	require.Equal(t, state.id, restored.id)
	require.Equal(t, state.uuid, restored.uuid)
	require.Equal(t, state.resourcePoolName, restored.resourcePoolName)
	require.Equal(t, state.enabled, restored.enabled)
	require.Equal(t, state.draining, restored.draining)

	// The individually disabled slot comes back disabled and stays out of
	// the materialized view.
	require.False(t, restored.slotStates[1].enabled.userEnabled)
	require.True(t, restored.slotStates[0].enabled.userEnabled)
	require.NotContains(t, restored.Devices, devices[1])
	require.Contains(t, restored.Devices, devices[0])
	require.Equal(t, 1, restored.numSlots())
}

type stubAllocation struct{ id model.AllocationID }

func (s stubAllocation) ID() model.AllocationID { return s.id }

func TestDisablingOccupiedSlotEvictsContainer(t *testing.T) {
	allocationmap.InitAllocationMap()

	state := newAgentState(agentmsg.ID(uuid.NewString()), 0)
	devices := testDevices(1)
	seedSlots(state, devices)

	aID := model.AllocationID(uuid.NewString())
	allocationmap.RegisterAllocation(aID, stubAllocation{id: aID})
	defer allocationmap.UnregisterAllocation(aID)

	sub := taskevents.Subscribe(aID)
	defer sub.Close()

	cID := container.NewID()
	_, err := state.allocateFreeDevices(1, cID)
	require.NoError(t, err)
	state.slotStates[devices[0].ID].containerID = &cID
	state.containerAllocation[cID] = aID

	// Draining must not evict.
	_, err = state.patchSlotState(patchSlotState{
		id:      devices[0].ID,
		enabled: ptrs.Ptr(false),
		drain:   ptrs.Ptr(true),
	})
	require.NoError(t, err)
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event while draining: %+v", ev)
	default:
	}

	// A hard disable evicts with force.
	_, err = state.patchSlotState(patchSlotState{
		id:      devices[0].ID,
		enabled: ptrs.Ptr(false),
		drain:   ptrs.Ptr(false),
	})
	require.NoError(t, err)

	ev := <-sub.C
	release, ok := ev.(taskevents.ReleaseResources)
	require.True(t, ok)
	require.True(t, release.ForceKill)
	require.Equal(t, "slot disabled", release.Reason)
}

func TestStartContainerValidation(t *testing.T) {
	state := newAgentState(agentmsg.ID(uuid.NewString()), 0)
	devices := testDevices(2)
	seedSlots(state, devices)

	badDevice := device.Device{ID: 9, Brand: "nvda", UUID: uuid.NewString(), Type: device.CUDA}
	msg := StartTaskContainer{
		AllocationID: model.AllocationID(uuid.NewString()),
		StartContainer: agentmsg.StartContainer{
			Container: container.Container{
				ID:      container.NewID(),
				State:   container.Assigned,
				Devices: []device.Device{devices[0], badDevice},
			},
		},
	}

	err := state.startContainer(msg)
	require.ErrorContains(t, err, "slot does not exist")
	// No binding happened for the valid device either.
	require.Nil(t, state.slotStates[devices[0].ID].containerID)
	require.Empty(t, state.containerAllocation)

	_, err = state.patchSlotState(patchSlotState{id: 1, enabled: ptrs.Ptr(false)})
	require.NoError(t, err)
	msg.StartContainer.Container.Devices = []device.Device{devices[1]}
	err = state.startContainer(msg)
	require.ErrorContains(t, err, "slot is not enabled")
}

func TestDeviceAndPoolReconnectChecks(t *testing.T) {
	stableUUID := uuid.NewString()
	makeState := func() agentState {
		return agentState{
			resourcePoolName: "pool1",
			slotStates: map[device.ID]*slot{
				0: {device: device.Device{ID: 0, Brand: "nvda", UUID: stableUUID, Type: device.CUDA}},
			},
		}
	}

	tests := []struct {
		name            string
		started         *agentmsg.AgentStarted
		wantErrContains string
	}{
		{
			name: "everything matches",
			started: &agentmsg.AgentStarted{
				ResourcePoolName: "pool1",
				Devices: []device.Device{
					{ID: 0, Brand: "nvda", UUID: stableUUID, Type: device.CUDA},
				},
			},
		},
		{
			name:            "device is missing",
			started:         &agentmsg.AgentStarted{ResourcePoolName: "pool1"},
			wantErrContains: "device count has changed",
		},
		{
			name: "extra device",
			started: &agentmsg.AgentStarted{
				ResourcePoolName: "pool1",
				Devices: []device.Device{
					{ID: 0, Brand: "nvda", UUID: stableUUID, Type: device.CUDA},
					{ID: 1, Brand: "nvda", UUID: uuid.NewString(), Type: device.CUDA},
				},
			},
			wantErrContains: "device count has changed",
		},
		{
			name: "device properties changed",
			started: &agentmsg.AgentStarted{
				ResourcePoolName: "pool1",
				Devices: []device.Device{
					{ID: 0, Brand: "nvda", UUID: uuid.NewString(), Type: device.ROCM},
				},
			},
			wantErrContains: "device properties have changed",
		},
		{
			name: "pool changed",
			started: &agentmsg.AgentStarted{
				ResourcePoolName: "pool2",
				Devices: []device.Device{
					{ID: 0, Brand: "nvda", UUID: stableUUID, Type: device.CUDA},
				},
			},
			wantErrContains: "resource pool has changed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := makeState()
			err := state.checkAgentStartedDevicesMatch(tt.started)
			if err == nil {
				err = state.checkAgentResourcePoolMatch(tt.started)
			}
			if tt.wantErrContains == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErrContains)
		})
	}
}

func TestDeepCopyIsolation(t *testing.T) {
	state := newAgentState(agentmsg.ID(uuid.NewString()), 2)
	devices := testDevices(2)
	seedSlots(state, devices)

	cID := container.NewID()
	_, err := state.allocateFreeDevices(1, cID)
	require.NoError(t, err)

	snapshot := state.deepCopy()
	state.deallocateContainer(cID)

	require.Contains(t, snapshot.containerState, cID)
	require.NotNil(t, snapshot.Devices[devices[0]])
	require.Nil(t, state.Devices[devices[0]])
}
