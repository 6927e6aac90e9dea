//go:build integration

package fleet

import (
	"context"
	"log"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/corral-sh/corral/internal/allocationmap"
	"github.com/corral-sh/corral/internal/config"
	"github.com/corral-sh/corral/internal/db"
	"github.com/corral-sh/corral/pkg/agentmsg"
	"github.com/corral-sh/corral/pkg/container"
	"github.com/corral-sh/corral/pkg/device"
	"github.com/corral-sh/corral/pkg/model"
	"github.com/corral-sh/corral/pkg/ptrs"
)

func TestMain(m *testing.M) {
	if err := db.ResolveTestPostgres(); err != nil {
		log.Panicln(err)
	}

	ctx := context.Background()
	for _, tbl := range []interface{}{(*agentSnapshot)(nil), (*containerSnapshot)(nil)} {
		if _, err := db.Bun().NewCreateTable().Model(tbl).IfNotExists().Exec(ctx); err != nil {
			log.Panicln(err)
		}
	}

	cfg := config.DefaultConfig()
	cfg.ResourcePools = append(cfg.ResourcePools, config.ResourcePoolConfig{
		PoolName:             "compute",
		AgentReattachEnabled: true,
	})
	config.SetMasterConfig(cfg)

	allocationmap.InitAllocationMap()

	os.Exit(m.Run())
}

type intgAllocation struct{ id model.AllocationID }

func (a intgAllocation) ID() model.AllocationID { return a.id }

func TestAgentStatePersistence(t *testing.T) {
	// Clear all agent states.
	_, err := db.Bun().NewDelete().Model((*agentSnapshot)(nil)).Where("1 = 1").Exec(context.TODO())
	require.NoError(t, err)

	// Fake an agent, test adding it to the db.
	state := newAgentState(agentmsg.ID(uuid.NewString()), 64)
	state.handler = &agent{}
	state.resourcePoolName = "compute"
	devices := []device.Device{
		{
			ID:    0,
			Brand: "nvda",
			UUID:  uuid.NewString(),
			Type:  device.CUDA,
		},
		{
			ID:    1,
			Brand: "nvda",
			UUID:  uuid.NewString(),
			Type:  device.CUDA,
		},
		{
			ID:    2,
			Brand: "nvda",
			UUID:  uuid.NewString(),
			Type:  device.CUDA,
		},
	}
	started := &agentmsg.AgentStarted{
		Version:              "",
		Devices:              devices,
		ContainersReattached: []agentmsg.ContainerReattachAck{},
		ResourcePoolName:     "compute",
	}
	state.agentStarted(started)
	require.Len(t, state.getSlotsSummary("/myagent"), 3)

	snapshot, err := state.restore()
	require.NoError(t, err)
	require.Equal(t, state.id, snapshot.AgentID)
	require.Len(t, snapshot.Slots, 3)

	// An operator disables one slot; the later persists must carry it.
	_, err = state.patchSlotState(patchSlotState{id: 2, enabled: ptrs.Ptr(false)})
	require.NoError(t, err)

	// Register a live allocation for the container to belong to.
	aID := model.AllocationID(uuid.NewString())
	allocationmap.RegisterAllocation(aID, intgAllocation{id: aID})
	defer allocationmap.UnregisterAllocation(aID)

	cID := container.NewID()
	c := container.Container{
		ID:          cID,
		State:       container.Assigned,
		Devices:     devices[:2],
		Description: "some job",
	}
	err = state.startContainer(StartTaskContainer{
		AllocationID: aID,
		StartContainer: agentmsg.StartContainer{
			Container: c,
			Spec:      container.Spec{},
		},
	})
	require.NoError(t, err)

	state.containerStateChanged(agentmsg.ContainerStateChanged{
		Container: container.Container{
			ID:          cID,
			State:       container.Running,
			Devices:     devices[:2],
			Description: "some job",
		},
		ContainerStarted: &agentmsg.ContainerStarted{
			ProxyAddress: "localhost",
		},
	})
	require.Equal(t, container.Running, state.containerState[cID].State)

	// Ensure agent state is retrievable and looks right, for crashes.
	states, err := retrieveAgentStates()
	require.NoError(t, err)
	require.Len(t, states, 1)
	var restored *agentState
	for _, s := range states {
		restored = &s
		break
	}
	require.NotNil(t, restored)
	require.Equal(t, state.id, restored.id)
	require.Equal(t, state.uuid, restored.uuid)
	require.Equal(t, "compute", restored.resourcePoolName)
	require.Equal(t, 64, restored.maxZeroSlotContainers)
	require.True(t, restored.enabled)
	require.False(t, restored.draining)
	require.Contains(t, restored.containerState, cID)

	// Per-slot flags survive the restart, including the one-off disable.
	require.True(t, restored.slotStates[0].enabled.userEnabled)
	require.True(t, restored.slotStates[1].enabled.userEnabled)
	require.False(t, restored.slotStates[2].enabled.userEnabled)
	require.NotContains(t, restored.Devices, devices[2])
	require.Equal(t, &cID, restored.slotStates[0].containerID)

	// And test restoring the ownership of containers.
	err = restored.restoreContainersField()
	require.NoError(t, err)
	require.Len(t, restored.containerAllocation, 1)
	require.Equal(t, aID, restored.containerAllocation[cID])

	// A recovered container is kept through reconciliation.
	err = state.clearUnlessRecovered(map[container.ID]agentmsg.ContainerReattachAck{
		cID: {Container: c},
	})
	require.NoError(t, err)
	require.Contains(t, state.containerState, cID)

	// An unrecovered one is pruned everywhere.
	err = state.clearUnlessRecovered(map[container.ID]agentmsg.ContainerReattachAck{})
	require.NoError(t, err)
	require.NotContains(t, state.containerState, cID)
	require.NotContains(t, state.containerAllocation, cID)
	for _, owner := range state.Devices {
		require.Nil(t, owner)
	}
	for _, s := range state.slotStates {
		require.Nil(t, s.containerID)
	}

	// Test deleting the state.
	err = state.delete()
	require.NoError(t, err)
	exists, err := db.Bun().NewSelect().Model((*agentSnapshot)(nil)).
		Where("agent_id = ?", state.id).
		Exists(context.TODO())
	require.NoError(t, err)
	require.False(t, exists)
}

func TestContainerTerminationPrunesState(t *testing.T) {
	_, err := db.Bun().NewDelete().Model((*agentSnapshot)(nil)).Where("1 = 1").Exec(context.TODO())
	require.NoError(t, err)

	state := newAgentState(agentmsg.ID(uuid.NewString()), 4)
	state.handler = &agent{}
	state.resourcePoolName = "compute"
	devices := []device.Device{
		{ID: 0, Brand: "nvda", UUID: uuid.NewString(), Type: device.CUDA},
	}
	state.agentStarted(&agentmsg.AgentStarted{
		Devices:          devices,
		ResourcePoolName: "compute",
	})

	aID := model.AllocationID(uuid.NewString())
	cID := container.NewID()
	err = state.startContainer(StartTaskContainer{
		AllocationID: aID,
		StartContainer: agentmsg.StartContainer{
			Container: container.Container{
				ID:      cID,
				State:   container.Assigned,
				Devices: devices,
			},
		},
	})
	require.NoError(t, err)

	state.containerStateChanged(agentmsg.ContainerStateChanged{
		Container: container.Container{
			ID:      cID,
			State:   container.Terminated,
			Devices: devices,
		},
		ContainerStopped: &agentmsg.ContainerStopped{},
	})
	require.NotContains(t, state.containerState, cID)
	require.Nil(t, state.slotStates[0].containerID)

	require.NoError(t, state.delete())
}

func TestClearAgentStates(t *testing.T) {
	ctx := context.Background()
	agentIDs := []agentmsg.ID{agentmsg.ID(uuid.NewString()), agentmsg.ID(uuid.NewString())}
	for _, agentID := range agentIDs {
		_, err := db.Bun().NewInsert().Model(&agentSnapshot{
			AgentID:               agentID,
			UUID:                  uuid.NewString(),
			ResourcePoolName:      "rp-name",
			Label:                 "label",
			MaxZeroSlotContainers: 0,
		}).Exec(ctx)
		require.NoError(t, err)
	}

	require.NoError(t, clearAgentStates(agentIDs))
	exists, err := db.Bun().NewSelect().Model(&agentSnapshot{}).
		Where("agent_id IN (?)", bun.In(agentIDs)).
		Exists(ctx)
	require.NoError(t, err)
	require.False(t, exists)
}
