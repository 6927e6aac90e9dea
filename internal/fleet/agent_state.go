package fleet

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/corral-sh/corral/internal/allocationmap"
	"github.com/corral-sh/corral/internal/config"
	"github.com/corral-sh/corral/internal/db"
	"github.com/corral-sh/corral/internal/taskevents"
	"github.com/corral-sh/corral/pkg/agentmsg"
	"github.com/corral-sh/corral/pkg/container"
	"github.com/corral-sh/corral/pkg/device"
	"github.com/corral-sh/corral/pkg/model"
)

// slotEnabled is the administrative state of one slot. A slot is effectively
// enabled only when both the agent and the user say so; deviceAdded tracks
// whether the device is currently materialized in the scheduling view.
type slotEnabled struct {
	deviceAdded  bool
	agentEnabled bool
	userEnabled  bool
	draining     bool
}

func (s slotEnabled) enabled() bool {
	return s.agentEnabled && s.userEnabled
}

type slot struct {
	device      device.Device
	enabled     slotEnabled
	containerID *container.ID
}

// agentState is the master's bookkeeping for one agent: which devices exist,
// which are claimed by which containers, and the administrative flags that
// gate scheduling. All mutation is serialized by the owning agent's lock.
type agentState struct {
	id      agentmsg.ID
	handler *agent
	syslog  *logrus.Entry

	// Devices is the materialized scheduling view: an entry exists iff the
	// slot is currently schedulable, and the value is the owning container,
	// if any. It is derived from slotStates by updateSlotDeviceView.
	Devices map[device.Device]*container.ID

	resourcePoolName string
	label            string
	enabled          bool
	draining         bool
	uuid             uuid.UUID

	maxZeroSlotContainers int

	slotStates          map[device.ID]*slot
	containerAllocation map[container.ID]model.AllocationID
	containerState      map[container.ID]*container.Container
}

func newAgentState(id agentmsg.ID, maxZeroSlotContainers int) *agentState {
	return &agentState{
		id:                    id,
		syslog:                logrus.WithField("component", "agent-state").WithField("id", id),
		Devices:               make(map[device.Device]*container.ID),
		enabled:               true,
		uuid:                  uuid.New(),
		maxZeroSlotContainers: maxZeroSlotContainers,
		slotStates:            make(map[device.ID]*slot),
		containerAllocation:   make(map[container.ID]model.AllocationID),
		containerState:        make(map[container.ID]*container.Container),
	}
}

func (a *agentState) agentID() agentmsg.ID {
	return a.id
}

// numSlots is the agent's slot capacity as the scheduler sees it: a draining
// agent only reports what is occupied, a disabled agent reports nothing.
func (a *agentState) numSlots() int {
	switch {
	case a.draining:
		return a.numUsedSlots()
	case !a.enabled:
		return 0
	default:
		return len(a.Devices)
	}
}

// numEmptySlots is the number of slots open to new containers.
func (a *agentState) numEmptySlots() int {
	switch {
	case a.draining, !a.enabled:
		return 0
	default:
		return a.numSlots() - a.numUsedSlots()
	}
}

// numUsedSlots is the number of devices claimed by containers.
func (a *agentState) numUsedSlots() int {
	slots := 0
	for _, id := range a.Devices {
		if id != nil {
			slots++
		}
	}
	return slots
}

// numUsedZeroSlots is the number of running zero-slot containers.
func (a *agentState) numUsedZeroSlots() int {
	result := 0
	for _, c := range a.containerState {
		if len(c.Devices) == 0 {
			result++
		}
	}
	return result
}

// numZeroSlots is the agent's zero-slot capacity, with the same draining and
// disabled semantics as numSlots.
func (a *agentState) numZeroSlots() int {
	switch {
	case a.draining:
		return a.numUsedZeroSlots()
	case !a.enabled:
		return 0
	default:
		return a.maxZeroSlotContainers
	}
}

// numEmptyZeroSlots is the number of zero-slot units open to new containers.
func (a *agentState) numEmptyZeroSlots() int {
	switch {
	case a.draining, !a.enabled:
		return 0
	default:
		return a.numZeroSlots() - a.numUsedZeroSlots()
	}
}

// idle reports whether nothing at all runs on the agent.
func (a *agentState) idle() bool {
	return a.numUsedSlots() == 0 && a.numUsedZeroSlots() == 0
}

// allocateFreeDevices claims n free devices for the container, choosing the
// lowest-numbered free devices so allocation order is deterministic. Either
// every device is claimed or the call fails without mutating anything.
func (a *agentState) allocateFreeDevices(n int, cid container.ID) ([]device.Device, error) {
	var free []device.Device
	for d, owner := range a.Devices {
		if owner == nil {
			free = append(free, d)
		}
	}
	if len(free) < n {
		return nil, errors.New("not enough devices")
	}
	slices.SortFunc(free, func(x, y device.Device) int { return int(x.ID) - int(y.ID) })
	devices := free[:n]

	for _, d := range devices {
		cid := cid
		a.Devices[d] = &cid
	}
	a.containerState[cid] = &container.Container{ID: cid, Devices: devices}

	return devices, nil
}

// deallocateContainer releases every device owned by the container and
// forgets it.
func (a *agentState) deallocateContainer(id container.ID) {
	delete(a.containerState, id)
	delete(a.containerAllocation, id)
	for d, cid := range a.Devices {
		if cid != nil && *cid == id {
			a.Devices[d] = nil
		}
	}
}

// deepCopy returns a copy for cross-agent reads by the scheduler; the copy
// must not be mutated through.
func (a *agentState) deepCopy() *agentState {
	return &agentState{
		id:                    a.id,
		handler:               a.handler,
		syslog:                a.syslog,
		Devices:               maps.Clone(a.Devices),
		resourcePoolName:      a.resourcePoolName,
		label:                 a.label,
		enabled:               a.enabled,
		draining:              a.draining,
		uuid:                  a.uuid,
		maxZeroSlotContainers: a.maxZeroSlotContainers,
		slotStates:            a.slotStates,
		containerAllocation:   maps.Clone(a.containerAllocation),
		containerState:        maps.Clone(a.containerState),
	}
}

// enable admits new work to the agent.
func (a *agentState) enable() {
	a.syslog.Infof("enabling agent: %s", a.id)
	a.enabled = true
	a.draining = false
}

// disable stops admission of new work; with drain, existing work is allowed
// to finish.
func (a *agentState) disable(drain bool) {
	verb := "disabling"
	if drain {
		verb = "draining"
	}
	a.syslog.Infof("%s agent: %s", verb, a.id)
	a.draining = drain
	a.enabled = false
}

func (a *agentState) addDevice(d device.Device, cid *container.ID) {
	a.syslog.Infof("adding device: %s on %s", d.String(), a.id)
	a.Devices[d] = cid
}

func (a *agentState) removeDevice(d device.Device) {
	a.syslog.Infof("removing device: %s (%s)", d.String(), a.id)
	delete(a.Devices, d)
}

// agentStarted seeds the slots from the agent's reported device inventory,
// defaulting every slot to fully enabled, and materializes each.
func (a *agentState) agentStarted(msg *agentmsg.AgentStarted) {
	for _, d := range msg.Devices {
		a.slotStates[d.ID] = &slot{
			device:  d,
			enabled: slotEnabled{agentEnabled: true, userEnabled: true},
		}
		a.updateSlotDeviceView(d.ID)
	}

	if err := a.persist(); err != nil {
		a.syslog.WithError(err).Warnf("agentStarted persist failure")
	}
}

// checkAgentStartedDevicesMatch rejects a reconnecting agent whose hardware
// no longer matches what we remember; containers cannot be safely reattached
// across a hardware change.
func (a *agentState) checkAgentStartedDevicesMatch(msg *agentmsg.AgentStarted) error {
	ourDevices := map[device.ID]device.Device{}
	for did, s := range a.slotStates {
		ourDevices[did] = s.device
	}

	theirDevices := map[device.ID]device.Device{}
	for _, d := range msg.Devices {
		theirDevices[d.ID] = d
	}

	if len(ourDevices) != len(theirDevices) {
		return fmt.Errorf("device count has changed: %d -> %d", len(ourDevices), len(theirDevices))
	}

	if !maps.Equal(ourDevices, theirDevices) {
		for k := range ourDevices {
			if ourDevices[k] != theirDevices[k] {
				return fmt.Errorf(
					"device properties have changed: %v -> %v", ourDevices[k], theirDevices[k])
			}
		}
		return fmt.Errorf("devices have changed")
	}

	return nil
}

func (a *agentState) checkAgentResourcePoolMatch(msg *agentmsg.AgentStarted) error {
	if msg.ResourcePoolName != a.resourcePoolName {
		return fmt.Errorf("resource pool has changed: %s -> %s",
			a.resourcePoolName, msg.ResourcePoolName)
	}
	return nil
}

// containerStateChanged records a container transition against the slots it
// occupies. A device we don't know is logged and skipped rather than failing
// the whole update. Persistence failures are logged, not propagated: the
// in-memory transition stands either way.
func (a *agentState) containerStateChanged(msg agentmsg.ContainerStateChanged) {
	for _, d := range msg.Container.Devices {
		s, ok := a.slotStates[d.ID]
		if !ok {
			a.syslog.Warnf("bad containerStateChanged on device: %d (%s)", d.ID, a.id)
			continue
		}

		s.containerID = &msg.Container.ID
		if msg.Container.State == container.Terminated {
			s.containerID = nil
		}
	}

	c := msg.Container
	a.containerState[c.ID] = &c
	if c.State == container.Terminated {
		delete(a.containerState, c.ID)
	}

	if err := a.persist(); err != nil {
		a.syslog.WithError(err).Warnf("containerStateChanged persist failure")
	}

	if err := a.updateContainerState(&c); err != nil {
		a.syslog.WithError(err).Warnf("containerStateChanged failed to update container row")
	}
}

// startContainer binds every target device to the container. Validation is
// all-or-nothing: if any device is missing, disabled or already claimed, the
// whole call fails before any binding happens.
func (a *agentState) startContainer(msg StartTaskContainer) error {
	c := msg.StartContainer.Container

	checkSlot := func(deviceID device.ID) error {
		s, ok := a.slotStates[deviceID]
		switch {
		case !ok:
			return errors.New("slot does not exist")
		case !s.enabled.enabled():
			return errors.New("container allocated but slot is not enabled")
		case s.containerID != nil && *s.containerID != c.ID:
			return errors.New("container already allocated to slot")
		}
		return nil
	}

	for _, d := range c.Devices {
		if err := checkSlot(d.ID); err != nil {
			return errors.Wrapf(err, "bad startContainer on device: %d (%s)", d.ID, a.id)
		}
	}

	for _, d := range c.Devices {
		cid := c.ID
		a.slotStates[d.ID].containerID = &cid
		if a.slotStates[d.ID].enabled.deviceAdded {
			a.Devices[d] = &cid
		}
	}
	a.containerState[c.ID] = &c
	a.containerAllocation[c.ID] = msg.AllocationID

	if err := a.persist(); err != nil {
		a.syslog.WithError(err).Warnf("startContainer persist failure")
	}

	if err := a.updateContainerState(&c); err != nil {
		a.syslog.WithError(err).Warnf("startContainer failed to update container row")
	}

	return nil
}

func (a *agentState) getSlotsSummary(basePath string) model.SlotsSummary {
	summary := make(model.SlotsSummary, len(a.slotStates))
	for deviceID := range a.slotStates {
		summary[fmt.Sprintf("%s/slots/%d", basePath, deviceID)] = a.getSlotSummary(deviceID)
	}
	return summary
}

func (a *agentState) getSlotSummary(deviceID device.ID) model.SlotSummary {
	s := a.slotStates[deviceID]
	var c *container.Container
	if s.containerID != nil {
		c = a.containerState[*s.containerID]
	}

	return model.SlotSummary{
		ID:        strconv.Itoa(int(s.device.ID)),
		Device:    s.device,
		Enabled:   s.enabled.enabled(),
		Container: c,
		Draining:  s.enabled.draining,
	}
}

// updateSlotDeviceView reconciles one slot's administrative flags into the
// materialized Devices view. Disabling an occupied slot evicts its container
// unless the slot is draining, in which case the work is left to finish.
func (a *agentState) updateSlotDeviceView(deviceID device.ID) {
	s, ok := a.slotStates[deviceID]
	if !ok {
		a.syslog.Warnf("bad updateSlotDeviceView on device: %d (%s): not found", deviceID, a.id)
		return
	}

	if s.enabled.enabled() && !s.enabled.deviceAdded {
		s.enabled.deviceAdded = true
		a.addDevice(s.device, s.containerID)
	} else if !s.enabled.enabled() {
		if !s.enabled.draining && s.enabled.deviceAdded {
			s.enabled.deviceAdded = false
			a.removeDevice(s.device)
		}

		if !s.enabled.draining && s.containerID != nil {
			aID, ok := a.containerAllocation[*s.containerID]
			if !ok {
				a.syslog.Warnf(
					"slot %d disabled with container %s but no allocation to notify",
					deviceID, *s.containerID)
				return
			}
			taskevents.Publish(aID, taskevents.ReleaseResources{
				Reason:    "slot disabled",
				ForceKill: true,
			})
		}
	}
}

func (a *agentState) patchSlotStateInner(msg patchSlotState, s *slot) model.SlotSummary {
	if msg.enabled != nil {
		s.enabled.userEnabled = *msg.enabled
	}
	if msg.drain != nil {
		s.enabled.draining = *msg.drain
	}
	a.updateSlotDeviceView(s.device.ID)

	return a.getSlotSummary(s.device.ID)
}

func (a *agentState) patchAllSlotsState(msg patchAllSlotsState) model.SlotsSummary {
	result := model.SlotsSummary{}
	for _, s := range a.slotStates {
		summary := a.patchSlotStateInner(patchSlotState{
			id:      s.device.ID,
			enabled: msg.enabled,
			drain:   msg.drain,
		}, s)
		result[summary.ID] = summary
	}
	return result
}

func (a *agentState) patchSlotState(msg patchSlotState) (model.SlotSummary, error) {
	s, ok := a.slotStates[msg.id]
	if !ok {
		return model.SlotSummary{}, fmt.Errorf("slot %d (%s): not found", msg.id, a.id)
	}
	return a.patchSlotStateInner(msg, s), nil
}

// snapshot produces the durable projection of the agent. Owner handles and
// the materialized Devices view are derived state and are excluded.
func (a *agentState) snapshot() *agentSnapshot {
	slots := make([]slotData, 0, len(a.slotStates))
	for _, s := range a.slotStates {
		slots = append(slots, slotData{
			Device:      s.device,
			UserEnabled: s.enabled.userEnabled,
			ContainerID: s.containerID,
		})
	}

	return &agentSnapshot{
		AgentID:               a.id,
		UUID:                  a.uuid.String(),
		ResourcePoolName:      a.resourcePoolName,
		Label:                 a.label,
		UserEnabled:           a.enabled,
		UserDraining:          a.draining,
		MaxZeroSlotContainers: a.maxZeroSlotContainers,
		Slots:                 slots,
		Containers:            maps.Keys(a.containerState),
	}
}

func (a *agentState) persist() error {
	snapshot := a.snapshot()
	_, err := db.Bun().NewInsert().Model(snapshot).
		On("CONFLICT (uuid) DO UPDATE").
		On("CONFLICT (agent_id) DO UPDATE").
		Exec(context.TODO())
	return err
}

// restore is the point-lookup of the agent's durable snapshot.
func (a *agentState) restore() (*agentSnapshot, error) {
	snapshot := agentSnapshot{}
	err := db.Bun().NewSelect().Model(&snapshot).
		Where("agent_id = ?", a.id).
		Scan(context.TODO())
	if err != nil {
		return nil, err
	}
	a.syslog.Debugf("restored agent state snapshot: %v", snapshot.AgentID)
	return &snapshot, nil
}

func (a *agentState) delete() error {
	_, err := db.Bun().NewDelete().Model((*agentSnapshot)(nil)).
		Where("agent_id = ?", a.id).
		Exec(context.TODO())
	return err
}

// clearUnlessRecovered prunes every reference to containers the reconnecting
// agent did not confirm alive, and persists once if anything changed. This is
// what keeps the durable bookkeeping from diverging from physical reality
// after a master restart or reconnect race.
func (a *agentState) clearUnlessRecovered(
	recovered map[container.ID]agentmsg.ContainerReattachAck,
) error {
	updated := false
	for d, cID := range a.Devices {
		if cID == nil {
			continue
		}
		if _, ok := recovered[*cID]; !ok {
			a.Devices[d] = nil
			a.slotStates[d.ID].containerID = nil
			updated = true
		}
	}

	for _, s := range a.slotStates {
		if s.containerID == nil {
			continue
		}
		if _, ok := recovered[*s.containerID]; !ok {
			s.containerID = nil
			updated = true
		}
	}

	for cid := range a.containerState {
		if _, ok := recovered[cid]; !ok {
			delete(a.containerState, cid)
			updated = true
		}
	}

	for cid := range a.containerAllocation {
		if _, ok := recovered[cid]; !ok {
			delete(a.containerAllocation, cid)
			updated = true
		}
	}

	if updated {
		return a.persist()
	}
	return nil
}

func listResourcePoolsWithReattachEnabled() []string {
	cfg := config.GetMasterConfig()
	if cfg == nil {
		return nil
	}
	var result []string
	for _, rp := range cfg.ResourcePools {
		if rp.AgentReattachEnabled {
			result = append(result, rp.PoolName)
		}
	}
	return result
}

// retrieveAgentStates reconstructs agent states from the durable store for
// every resource pool with agent reattach enabled. It runs once at master
// startup, before any new events are processed.
func retrieveAgentStates() (map[agentmsg.ID]agentState, error) {
	rpNames := listResourcePoolsWithReattachEnabled()
	if len(rpNames) == 0 {
		return map[agentmsg.ID]agentState{}, nil
	}

	var snapshots []agentSnapshot
	err := db.Bun().NewSelect().Model(&snapshots).
		Where("resource_pool_name IN (?)", bun.In(rpNames)).
		Scan(context.TODO())
	if err != nil {
		return nil, err
	}

	result := make(map[agentmsg.ID]agentState, len(snapshots))
	for _, s := range snapshots {
		state, err := newAgentStateFromSnapshot(s)
		if err != nil {
			return nil, fmt.Errorf("failed to recreate agent state %s: %w", s.AgentID, err)
		}
		result[s.AgentID] = *state
	}

	return result, nil
}

func newAgentStateFromSnapshot(as agentSnapshot) (*agentState, error) {
	parsedUUID, err := uuid.Parse(as.UUID)
	if err != nil {
		return nil, err
	}

	slotStates := make(map[device.ID]*slot)
	devices := make(map[device.Device]*container.ID)

	for _, sd := range as.Slots {
		s := &slot{
			device:      sd.Device,
			containerID: sd.ContainerID,
			enabled: slotEnabled{
				agentEnabled: as.UserEnabled,
				userEnabled:  sd.UserEnabled,
				draining:     as.UserDraining,
			},
		}
		// A hard-disabled slot stays out of the materialized view; a
		// draining slot stays in until its container finishes.
		if s.enabled.enabled() || s.enabled.draining {
			s.enabled.deviceAdded = true
			devices[sd.Device] = sd.ContainerID
		}
		slotStates[sd.Device.ID] = s
	}

	containerState := make(map[container.ID]*container.Container)
	if len(as.Containers) > 0 {
		var containerSnapshots []containerSnapshot
		err := db.Bun().NewSelect().Model(&containerSnapshots).
			Where("container_id IN (?)", bun.In(as.Containers)).
			Scan(context.TODO())
		if err != nil {
			return nil, err
		}

		for _, cs := range containerSnapshots {
			c := cs.ToContainer()
			containerState[c.ID] = &c
		}
	}

	return &agentState{
		id:                    as.AgentID,
		syslog:                logrus.WithField("component", "agent-state").WithField("id", as.AgentID),
		Devices:               devices,
		resourcePoolName:      as.ResourcePoolName,
		label:                 as.Label,
		enabled:               as.UserEnabled,
		draining:              as.UserDraining,
		uuid:                  parsedUUID,
		maxZeroSlotContainers: as.MaxZeroSlotContainers,
		slotStates:            slotStates,
		containerAllocation:   make(map[container.ID]model.AllocationID),
		containerState:        containerState,
	}, nil
}

// restoreContainersField resolves each remembered container to a live owner
// handle. Containers whose owner no longer exists in this process are left
// out; the next reconciliation pass prunes them.
func (a *agentState) restoreContainersField() error {
	ids := maps.Keys(a.containerState)

	resolved, err := loadContainersToAllocationIDs(ids)
	if err != nil {
		return err
	}

	restored := make(map[container.ID]model.AllocationID, len(resolved))
	for cid, aID := range resolved {
		if allocationmap.GetAllocation(aID) == nil {
			a.syslog.Debugf("allocation %s for container %s is gone", aID, cid)
			continue
		}
		restored[cid] = aID
	}

	a.syslog.Debugf("restored containers: %d", len(restored))
	a.containerAllocation = restored
	return nil
}

func clearAgentStates(agentIDs []agentmsg.ID) error {
	_, err := db.Bun().NewDelete().Model((*agentSnapshot)(nil)).
		Where("agent_id IN (?)", bun.In(agentIDs)).
		Exec(context.TODO())
	return err
}

// updateContainerState upserts the container's durable row.
func (a *agentState) updateContainerState(c *container.Container) error {
	snapshot := newContainerSnapshot(a.id, a.containerAllocation[c.ID], *c)
	_, err := db.Bun().NewInsert().Model(&snapshot).
		On("CONFLICT (container_id) DO UPDATE").
		Set("state = EXCLUDED.state").
		Set("devices = EXCLUDED.devices").
		Exec(context.TODO())
	return err
}

func loadContainersToAllocationIDs(
	containerIDs []container.ID,
) (map[container.ID]model.AllocationID, error) {
	result := map[container.ID]model.AllocationID{}
	if len(containerIDs) == 0 {
		return result, nil
	}

	var rows []containerSnapshot
	err := db.Bun().NewSelect().Model(&rows).
		Column("container_id", "allocation_id").
		Where("container_id IN (?)", bun.In(containerIDs)).
		Scan(context.TODO())
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		result[row.ID] = row.AllocationID
	}
	return result, nil
}
