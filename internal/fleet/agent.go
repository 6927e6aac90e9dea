package fleet

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"

	"github.com/corral-sh/corral/internal/config"
	"github.com/corral-sh/corral/internal/taskevents"
	"github.com/corral-sh/corral/pkg/agentmsg"
	"github.com/corral-sh/corral/pkg/container"
	"github.com/corral-sh/corral/pkg/device"
	"github.com/corral-sh/corral/pkg/logger"
	"github.com/corral-sh/corral/pkg/model"
	"github.com/corral-sh/corral/pkg/syncx/queue"
	"github.com/corral-sh/corral/pkg/ws"
)

var errRecovering = errors.New("agent disconnected, wait for recovery")

type (
	// agent serializes every mutation of one agent's state behind its lock:
	// exactly one in-flight mutation per agent, in arrival order.
	agent struct {
		syslog     *logrus.Entry
		unregister func()

		mu sync.Mutex

		id               agentmsg.ID
		registeredTime   time.Time
		address          string
		updates          *queue.Queue[agentUpdatedEvent]
		socket           *ws.WebSocket[*agentmsg.MasterMessage, agentmsg.AgentMessage]
		resourcePoolName string
		// started tracks whether the AgentStarted handshake has completed.
		started bool
		version string

		maxZeroSlotContainers int
		agentReconnectWait    time.Duration

		// Reconnect handling: when the socket drops, the agent gets a bounded
		// window to come back. Outbound Start/Kill messages are buffered and
		// replayed in order on reconnect since they do not commute. While
		// down, the agent is marked draining+disabled so the scheduler leaves
		// it alone, and the pre-disconnect flags are restored on reconnect.
		awaitingReconnect bool
		// awaitingRestore tracks that containerAllocation still needs to be
		// rebuilt from the allocation index after a master restart.
		awaitingRestore       bool
		reconnectBacklog      []interface{}
		reconnectTimers       []*time.Timer
		preDisconnectEnabled  bool
		preDisconnectDraining bool

		opts *agentmsg.MasterSetAgentOptions

		agentState *agentState
	}

	// agentUpdatedEvent tells listeners an agent's capacity may have changed.
	agentUpdatedEvent struct {
		resourcePool string
	}

	// patchAllSlotsState updates the state of every slot on the agent.
	patchAllSlotsState struct {
		enabled *bool
		drain   *bool
	}
	// patchSlotState updates the state of one slot.
	patchSlotState struct {
		id      device.ID
		enabled *bool
		drain   *bool
	}

	// StartTaskContainer asks the agent to start a container for an
	// allocation.
	StartTaskContainer struct {
		AllocationID   model.AllocationID
		StartContainer agentmsg.StartContainer
		LogContext     logger.Context
	}
	// KillTaskContainer asks the agent to kill a container.
	KillTaskContainer struct {
		ContainerID container.ID
		LogContext  logger.Context
	}

	webSocketRequest struct {
		echoCtx echo.Context
	}
)

func newAgent(
	id agentmsg.ID,
	updates *queue.Queue[agentUpdatedEvent],
	resourcePoolName string,
	rpConfig *config.ResourcePoolConfig,
	opts *agentmsg.MasterSetAgentOptions,
	restoredAgentState *agentState,
	unregister func(),
) *agent {
	a := &agent{
		syslog:                logrus.WithField("component", "agent").WithField("id", id),
		id:                    id,
		registeredTime:        time.Now(),
		updates:               updates,
		resourcePoolName:      resourcePoolName,
		maxZeroSlotContainers: rpConfig.MaxAuxContainersPerAgent,
		agentReconnectWait:    time.Duration(rpConfig.AgentReconnectWait),
		opts:                  opts,
		agentState:            restoredAgentState,
		unregister:            unregister,
	}

	if restoring := a.agentState != nil; restoring {
		a.started = true
		a.awaitingRestore = true
		a.agentState.handler = a
		// The config may have changed across the restart.
		a.agentState.maxZeroSlotContainers = a.maxZeroSlotContainers
		a.syslog.Infof("adding restored agent: %s", a.agentState.agentID())
		a.notifyListeners()
		a.socketDisconnected()
	}

	return a
}

// AllocateFreeDevices reserves n free devices for a container before it
// starts. It fails with "not enough devices" rather than allocating
// partially.
func (a *agent) AllocateFreeDevices(n int, cid container.ID) ([]device.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil, errors.New("can't allocate free devices: agent not started")
	}
	return a.agentState.allocateFreeDevices(n, cid)
}

// DeallocateContainer releases every device owned by the container.
func (a *agent) DeallocateContainer(cid container.ID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return errors.New("can't deallocate container: agent not started")
	}
	a.agentState.deallocateContainer(cid)
	return nil
}

// State returns a copy of the agent's state for cross-agent scheduler reads.
func (a *agent) State() (*agentState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil, errors.New("agent state is not available: agent not started")
	}
	return a.agentState.deepCopy(), nil
}

func (a *agent) StartTaskContainer(msg StartTaskContainer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.startTaskContainer(msg)
}

func (a *agent) startTaskContainer(msg StartTaskContainer) {
	if a.awaitingReconnect {
		a.bufferForRecovery(msg)
		return
	}
	log := a.syslog.
		WithFields(msg.LogContext.Fields()).
		WithField("container-id", msg.StartContainer.Container.ID).
		WithField("slots", len(msg.StartContainer.Container.Devices))
	log.Infof("starting container")

	a.socket.Outbox <- agentmsg.AgentMessage{StartContainer: &msg.StartContainer}

	if err := a.agentState.startContainer(msg); err != nil {
		log.WithError(err).Error("failed to update agent state")
	}
}

func (a *agent) KillTaskContainer(msg KillTaskContainer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.killTaskContainer(msg)
}

func (a *agent) killTaskContainer(msg KillTaskContainer) {
	if a.awaitingReconnect {
		a.bufferForRecovery(msg)
		return
	}

	log := a.syslog.
		WithFields(msg.LogContext.Fields()).
		WithField("container-id", msg.ContainerID)
	log.Infof("killing container")

	a.socket.Outbox <- agentmsg.AgentMessage{SignalContainer: &agentmsg.SignalContainer{
		ContainerID: msg.ContainerID,
		Signal:      syscall.SIGKILL,
	}}
}

func (a *agent) stop(cause error) {
	defer a.unregister()

	if cause != nil {
		a.syslog.WithError(cause).WithFields(logrus.Fields{
			"address": a.address,
			"started": a.started,
		}).Error("agent crashed")
	}

	if a.started {
		// Rebuild containerAllocation so the terminations below reach their
		// owners even when we never got a reconnect.
		if err := a.agentState.restoreContainersField(); err != nil {
			a.syslog.WithError(err).Error("failed restoreContainersField in agent shutdown")
		}

		for cid := range a.agentState.containerAllocation {
			stopped := agentmsg.ContainerError(
				agentmsg.AgentFailed, errors.New("agent closed with allocated containers"))
			a.containerStateChanged(agentmsg.ContainerStateChanged{
				Container: container.Container{
					ID:    cid,
					State: container.Terminated,
				},
				ContainerStopped: &stopped,
			})
		}

		if err := a.agentState.delete(); err != nil {
			a.syslog.WithError(err).Warnf("failed to delete agent state")
		}
	} else {
		a.syslog.Info("agent disconnected but wasn't started")
	}

	if a.socket != nil {
		if err := a.socket.Close(); err != nil {
			a.syslog.WithError(err).Warnf("error closing agent websocket")
		}
	}

	a.syslog.Infof("removing agent: %s", a.id)
	a.notifyListeners()
}

func (a *agent) HandleWebsocketConnection(msg webSocketRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.handleWebsocketConnection(msg); err != nil {
		a.stop(err)
	}
}

func (a *agent) handleWebsocketConnection(msg webSocketRequest) error {
	if a.socket != nil {
		err := errors.New("websocket already connected")
		a.syslog.WithError(err).Error("socket not nil when websocket request received")
		return err
	}

	conn, err := ws.UpgradeEchoConnection(msg.echoCtx)
	if err != nil {
		return errors.Wrap(err, "error upgrading connection to websocket")
	}

	wsName := "master-agent-ws-" + string(a.id)
	socket, err := ws.Wrap[*agentmsg.MasterMessage, agentmsg.AgentMessage](wsName, conn)
	if err != nil {
		return errors.Wrap(err, "failed to accept websocket connection")
	}

	go func() {
		defer a.HandleWebsocketDisconnect()

		for {
			select {
			case msg := <-socket.Inbox:
				// A nil message means the inbox has closed.
				if msg == nil {
					return
				}
				a.HandleIncomingWebsocketMessage(msg)
			case <-socket.Done:
				return
			}
		}
	}()

	a.socket = socket
	a.version = msg.echoCtx.QueryParam("version")

	remoteAddr := msg.echoCtx.Request().RemoteAddr
	if i := strings.LastIndex(remoteAddr, ":"); i >= 0 {
		remoteAddr = remoteAddr[:i]
	}
	a.address = remoteAddr

	var hello agentmsg.AgentMessage
	if a.awaitingReconnect {
		optsCopy := *a.opts
		optsCopy.ContainersToReattach = a.gatherContainersToReattach()
		hello = agentmsg.AgentMessage{MasterSetAgentOptions: &optsCopy}
	} else {
		hello = agentmsg.AgentMessage{MasterSetAgentOptions: a.opts}
	}

	a.awaitingRestore = false

	a.socket.Outbox <- hello

	if a.awaitingReconnect {
		a.syslog.Info("agent reconnected")
		a.awaitingReconnect = false

		for _, timer := range a.reconnectTimers {
			timer.Stop()
		}
		a.reconnectTimers = nil

		// Re-propagate the pre-disconnect admin state.
		if a.preDisconnectEnabled {
			a.agentState.enable()
		} else {
			a.agentState.disable(a.preDisconnectDraining)
		}
		a.agentState.patchAllSlotsState(patchAllSlotsState{
			enabled: &a.agentState.enabled,
			drain:   &a.agentState.draining,
		})

		for _, msg := range a.reconnectBacklog {
			a.syslog.Debugf("replaying buffered message: %s", reflect.TypeOf(msg))
			switch msg := msg.(type) {
			case KillTaskContainer:
				a.killTaskContainer(msg)
			case StartTaskContainer:
				a.startTaskContainer(msg)
			default:
				panic(fmt.Sprintf("incorrect type buffered for recovery: %T", msg))
			}
		}
		a.reconnectBacklog = nil
		a.notifyListeners()
	}
	return nil
}

func (a *agent) HandleWebsocketDisconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()

	closeErr := a.socket.Close()

	// Nothing can be running on an agent that never finished the handshake,
	// so fail outright and force a fresh registration.
	if !a.started {
		if closeErr != nil {
			closeErr = errors.Wrapf(closeErr, "websocket failed: %s", a.socket.Name())
		}
		a.stop(closeErr)
		return
	}

	if closeErr != nil {
		a.syslog.WithError(closeErr).
			Errorf("websocket failed, awaiting reconnect: %s", a.socket.Name())
	} else {
		// A graceful closure is either a temporary restart (agent upgrade or
		// config change) or a permanent removal. The former is far more
		// common and the latter is not hurt by waiting, so always treat it
		// as temporary.
		a.syslog.Infof("websocket closed gracefully, awaiting reconnect: %s", a.socket.Name())
	}

	a.socketDisconnected()
	a.notifyListeners()
}

// Enable admits new work to the agent and its slots.
func (a *agent) Enable() (model.AgentSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.awaitingReconnect {
		return model.AgentSummary{}, errRecovering
	}
	if !a.started {
		return model.AgentSummary{}, errors.New("can't enable agent: agent not started")
	}

	a.agentState.enable()
	a.agentState.patchAllSlotsState(patchAllSlotsState{
		enabled: &a.agentState.enabled,
		drain:   &a.agentState.draining,
	})
	a.notifyListeners()
	return a.summarize(), nil
}

// Disable stops admission of new work; with drain, running work is left to
// finish, otherwise every allocation on the agent is told to release.
func (a *agent) Disable(drain bool) (model.AgentSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.awaitingReconnect {
		return model.AgentSummary{}, errRecovering
	}
	if !a.started {
		return model.AgentSummary{}, errors.New("can't disable agent: agent not started")
	}

	a.agentState.disable(drain)
	a.agentState.patchAllSlotsState(patchAllSlotsState{
		enabled: &a.agentState.enabled,
		drain:   &a.agentState.draining,
	})
	if !drain {
		for _, aID := range a.agentState.containerAllocation {
			taskevents.Publish(aID, taskevents.ReleaseResources{
				Reason:    "agent disabled",
				ForceKill: true,
			})
		}
	}
	a.notifyListeners()
	return a.summarize(), nil
}

// PatchSlotState patches one slot's enabled/drain flags.
func (a *agent) PatchSlotState(msg patchSlotState) (model.SlotSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return model.SlotSummary{}, errors.New("can't patch slot state: agent not started")
	}
	return a.agentState.patchSlotState(msg)
}

// PatchAllSlotsState patches every slot on the agent.
func (a *agent) PatchAllSlotsState(msg patchAllSlotsState) (model.SlotsSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil, errors.New("can't patch slots state: agent not started")
	}
	return a.agentState.patchAllSlotsState(msg), nil
}

// GetSlotSummary returns one slot's admin API summary.
func (a *agent) GetSlotSummary(id device.ID) (model.SlotSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return model.SlotSummary{}, errors.New("can't get slot summary: agent not started")
	}
	if _, ok := a.agentState.slotStates[id]; !ok {
		return model.SlotSummary{}, errors.Errorf("slot %d not found", id)
	}
	return a.agentState.getSlotSummary(id), nil
}

func (a *agent) bufferForRecovery(msg interface{}) {
	a.syslog.WithField("msg-type", reflect.TypeOf(msg)).
		Debugf("buffering message until agent reconnects")
	a.reconnectBacklog = append(a.reconnectBacklog, msg)
}

func (a *agent) HandleIncomingWebsocketMessage(msg *agentmsg.MasterMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case msg.AgentStarted != nil:
		a.syslog.Infof("agent connected ip: %v resource pool: %s slots: %d",
			a.address, a.resourcePoolName, len(msg.AgentStarted.Devices))

		if a.started {
			if err := a.checkAgentStartedMatchesState(msg.AgentStarted); err != nil {
				a.syslog.WithError(err).Error("change in agent inventory was detected")
				a.socket.Outbox <- agentmsg.AgentMessage{
					AgentShutdown: &agentmsg.AgentShutdown{
						ErrMsg: agentmsg.ErrAgentMustReconnect.Error(),
					},
				}
				a.stop(err)
				return
			}
		} else {
			a.agentStarted(msg.AgentStarted)
		}

		a.started = true

		if err := a.handleContainersReattached(msg.AgentStarted); err != nil {
			a.syslog.WithError(err).Error("failure in handleContainersReattached")
		}
	case msg.ContainerStateChanged != nil:
		a.containerStateChanged(*msg.ContainerStateChanged)
	case msg.ContainerLog != nil:
		aID, ok := a.agentState.containerAllocation[msg.ContainerLog.ContainerID]
		if !ok {
			a.syslog.WithField("container-id", msg.ContainerLog.ContainerID).
				Warnf("received ContainerLog from container not allocated to agent")
			return
		}
		taskevents.Publish(aID, taskevents.ContainerLog{Log: *msg.ContainerLog})
	default:
		a.syslog.Errorf("unexpected message from agent: %+v", msg)
	}
}

func (a *agent) checkAgentStartedMatchesState(msg *agentmsg.AgentStarted) error {
	if err := a.agentState.checkAgentStartedDevicesMatch(msg); err != nil {
		return err
	}
	return a.agentState.checkAgentResourcePoolMatch(msg)
}

func (a *agent) agentStarted(msg *agentmsg.AgentStarted) {
	a.agentState = newAgentState(a.id, a.maxZeroSlotContainers)
	a.agentState.handler = a
	a.agentState.resourcePoolName = a.resourcePoolName
	a.agentState.label = msg.Label
	a.agentState.agentStarted(msg)

	a.syslog.Infof("adding agent: %s", a.agentState.agentID())
	a.notifyListeners()
}

func (a *agent) containerStateChanged(sc agentmsg.ContainerStateChanged) {
	aID, ok := a.agentState.containerAllocation[sc.Container.ID]
	if !ok {
		// Late terminations arrive when a reconnected agent cleans up
		// containers we already pruned.
		if sc.Container.State != container.Terminated {
			a.syslog.WithField("container-id", sc.Container.ID).
				Warnf("received ContainerStateChanged from container not allocated to agent")
		}
		return
	}

	switch sc.Container.State {
	case container.Running:
		if sc.ContainerStarted != nil && sc.ContainerStarted.ProxyAddress == "" {
			sc.ContainerStarted.ProxyAddress = a.address
		}
	case container.Terminated:
		a.syslog.Infof("container %s terminated", sc.Container.ID)
		delete(a.agentState.containerAllocation, sc.Container.ID)
	}

	taskevents.Publish(aID, taskevents.ContainerStateChanged{Changed: sc})
	a.agentState.containerStateChanged(sc)
}

// Summarize returns the agent's admin API summary.
func (a *agent) Summarize() model.AgentSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.summarize()
}

func (a *agent) summarize() model.AgentSummary {
	result := model.AgentSummary{
		ID:             string(a.id),
		RegisteredTime: a.registeredTime,
		ResourcePool:   a.resourcePoolName,
		Addresses:      []string{a.address},
		// Clients expect Slots to always be present, even before the
		// AgentStarted handshake.
		Slots:    model.SlotsSummary{},
		Enabled:  true,
		Draining: false,
		Version:  a.version,
	}

	if a.agentState != nil {
		result.Slots = a.agentState.getSlotsSummary(fmt.Sprintf("/agents/%s", a.id))
		result.Label = a.agentState.label
		result.Enabled = a.agentState.enabled
		result.Draining = a.agentState.draining
		result.NumContainers = len(a.agentState.containerAllocation)
	}

	return result
}

func (a *agent) gatherContainersToReattach() []agentmsg.ContainerReattach {
	if err := a.agentState.restoreContainersField(); err != nil {
		a.syslog.WithError(err).Warn("failed restoreContainersField in gatherContainersToReattach")
	}

	result := make([]agentmsg.ContainerReattach, 0, len(a.agentState.containerState))
	for _, c := range a.agentState.containerState {
		result = append(result, agentmsg.ContainerReattach{Container: *c})
	}
	a.syslog.Infof("will try to reattach %d containers", len(result))
	return result
}

// handleContainersReattached triages each reattach ack into recovered or
// doomed, then clears everything not recovered.
func (a *agent) handleContainersReattached(msg *agentmsg.AgentStarted) error {
	a.syslog.WithField("ip", a.address).
		Debugf("reattached containers: actual: %v, expected: %v",
			msg.ContainersReattached, maps.Keys(a.agentState.containerState))

	recovered := map[container.ID]agentmsg.ContainerReattachAck{}
	doomed := map[container.ID]agentmsg.ContainerReattachAck{}

	for _, ack := range msg.ContainersReattached {
		cid := ack.Container.ID
		switch {
		case ack.Failure != nil && ack.Failure.FailureType == agentmsg.RestoreError:
			a.syslog.Infof("agent failed to restore container %s: %s", cid, ack.Failure.ErrMsg)
			doomed[cid] = ack
		case ack.Failure != nil:
			a.syslog.Infof("reattached container %s terminated while away: %s",
				cid, ack.Failure.ErrMsg)
			doomed[cid] = ack
		case ack.Container.State == container.Terminated:
			a.syslog.Warnf("reattached container %s terminated while away", cid)
			doomed[cid] = ack
		default:
			if _, ok := a.agentState.containerAllocation[cid]; !ok {
				a.syslog.Warnf("agent state is missing container %s on reattach", cid)
				doomed[cid] = ack
			} else if a.agentState.containerState[cid].State != ack.Container.State {
				a.syslog.Warnf("reattached container %s has changed state: %s to %s",
					cid, a.agentState.containerState[cid].State, ack.Container.State)
				doomed[cid] = ack
			} else {
				recovered[cid] = ack
			}
		}
	}

	return a.clearNonReattachedContainers(recovered, doomed)
}

func (a *agent) clearNonReattachedContainers(
	recovered map[container.ID]agentmsg.ContainerReattachAck,
	explicitlyDoomed map[container.ID]agentmsg.ContainerReattachAck,
) error {
	for cID := range a.agentState.containerAllocation {
		if _, ok := recovered[cID]; ok {
			continue
		}

		containerState := a.agentState.containerState[cID]
		if containerState == nil {
			containerState = &container.Container{ID: cID}
		}
		containerState.State = container.Terminated

		var stopped agentmsg.ContainerStopped
		if ack, ok := explicitlyDoomed[cID]; ok {
			stopped = agentmsg.ContainerStopped{Failure: ack.Failure}
		} else {
			stopped = agentmsg.ContainerError(
				agentmsg.AgentFailed, errors.New("failed to reattach container on reconnect"))
		}

		a.containerStateChanged(agentmsg.ContainerStateChanged{
			Container:        *containerState,
			ContainerStopped: &stopped,
		})

		// The owning allocation may already be gone, in which case the state
		// change above reaches nobody. Send an extra SIGKILL so the agent
		// cannot keep running a container whose slots we are about to free.
		a.socket.Outbox <- agentmsg.AgentMessage{
			SignalContainer: &agentmsg.SignalContainer{
				ContainerID: cID,
				Signal:      syscall.SIGKILL,
			},
		}
	}

	return a.agentState.clearUnlessRecovered(recovered)
}

func (a *agent) socketDisconnected() {
	a.socket = nil
	a.awaitingReconnect = true

	timer := time.AfterFunc(a.agentReconnectWait, a.HandleReconnectTimeout)
	a.reconnectTimers = append(a.reconnectTimers, timer)

	a.preDisconnectEnabled = a.agentState.enabled
	a.preDisconnectDraining = a.agentState.draining
	// Mark ourselves draining while down so nothing new is scheduled onto an
	// agent that may never come back.
	a.agentState.disable(true)
	a.agentState.patchAllSlotsState(patchAllSlotsState{
		enabled: &a.agentState.enabled,
		drain:   &a.agentState.draining,
	})
	a.notifyListeners()
}

func (a *agent) HandleReconnectTimeout() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.awaitingReconnect {
		a.stop(errors.New("agent failed to reconnect by deadline"))
	}
}

func (a *agent) notifyListeners() {
	a.updates.Put(agentUpdatedEvent{resourcePool: a.resourcePoolName})
}
