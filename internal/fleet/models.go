package fleet

import (
	"github.com/uptrace/bun"

	"github.com/corral-sh/corral/pkg/agentmsg"
	"github.com/corral-sh/corral/pkg/container"
	"github.com/corral-sh/corral/pkg/device"
	"github.com/corral-sh/corral/pkg/model"
)

// agentSnapshot is the durable projection of an agentState. It carries only
// authoritative fields; the materialized device view and the live owner
// handles are derived and deliberately excluded.
type agentSnapshot struct {
	bun.BaseModel `bun:"table:fleet_agentstate,alias:fas"`

	ID                    int64          `bun:"id,pk,autoincrement"`
	AgentID               agentmsg.ID    `bun:"agent_id,notnull,unique"`
	UUID                  string         `bun:"uuid,notnull,unique"`
	ResourcePoolName      string         `bun:"resource_pool_name,notnull"`
	Label                 string         `bun:"label"`
	UserEnabled           bool           `bun:"user_enabled"`
	UserDraining          bool           `bun:"user_draining"`
	MaxZeroSlotContainers int            `bun:"max_zero_slot_containers"`
	Slots                 []slotData     `bun:"slot_data,type:jsonb"`
	Containers            []container.ID `bun:"containers,array"`
}

// slotData is the durable projection of one slot.
type slotData struct {
	Device      device.Device `json:"device"`
	UserEnabled bool          `json:"user_enabled"`
	ContainerID *container.ID `json:"container_id"`
}

// containerSnapshot is the durable row for one container on an agent.
type containerSnapshot struct {
	bun.BaseModel `bun:"table:fleet_containers,alias:fc"`

	AgentID      agentmsg.ID        `bun:"agent_id"`
	ID           container.ID       `bun:"container_id,pk"`
	AllocationID model.AllocationID `bun:"allocation_id"`
	State        container.State    `bun:"state"`
	Devices      []device.Device    `bun:"devices,type:jsonb"`
}

func newContainerSnapshot(agentID agentmsg.ID, aID model.AllocationID, c container.Container) containerSnapshot {
	return containerSnapshot{
		AgentID:      agentID,
		ID:           c.ID,
		AllocationID: aID,
		State:        c.State,
		Devices:      c.Devices,
	}
}

// ToContainer rebuilds the in-memory container from the row.
func (cs containerSnapshot) ToContainer() container.Container {
	return container.Container{
		ID:      cs.ID,
		State:   cs.State,
		Devices: cs.Devices,
	}
}
