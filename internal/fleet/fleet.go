// Package fleet tracks every agent connected to the master: its devices,
// slot states, running containers and durable state, plus the admin
// operations that enable, disable and drain agents and slots.
package fleet

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/corral-sh/corral/internal/config"
	"github.com/corral-sh/corral/pkg/agentmsg"
	"github.com/corral-sh/corral/pkg/model"
	"github.com/corral-sh/corral/pkg/syncx/queue"
)

// Fleet is the registry of connected agents. It owns agent creation on
// websocket connect, restoration after a master restart, and fan-out of
// admin API requests to individual agents.
type Fleet struct {
	syslog *logrus.Entry

	mu     sync.Mutex
	agents map[agentmsg.ID]*agent

	opts    *agentmsg.MasterSetAgentOptions
	updates *queue.Queue[agentUpdatedEvent]
}

// New restores agents from their persisted states and returns the registry.
// Restored agents begin disconnected, with the usual reconnect deadline to
// come back before being removed.
func New(opts *agentmsg.MasterSetAgentOptions) *Fleet {
	f := &Fleet{
		syslog:  logrus.WithField("component", "fleet"),
		agents:  map[agentmsg.ID]*agent{},
		opts:    opts,
		updates: queue.New[agentUpdatedEvent](),
	}

	agentStates, err := retrieveAgentStates()
	if err != nil {
		f.syslog.WithError(err).Warnf("failed to retrieve agent states")
	}

	f.syslog.Debugf("agent states to restore: %d", len(agentStates))
	var toClear []agentmsg.ID
	for agentID := range agentStates {
		state := agentStates[agentID]
		if err := f.restoreAgent(agentID, &state); err != nil {
			f.syslog.WithError(err).Warnf("failed to restore agent %s", agentID)
			toClear = append(toClear, agentID)
		}
	}
	if len(toClear) > 0 {
		if err := clearAgentStates(toClear); err != nil {
			f.syslog.WithError(err).Warnf("failed to clear agent states")
		}
	}

	return f
}

func (f *Fleet) restoreAgent(agentID agentmsg.ID, state *agentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cfg := config.GetMasterConfig()
	poolConfig := cfg.ResourcePool(state.resourcePoolName)
	if poolConfig == nil {
		return errors.Errorf(
			"can't restore agent %s: resource pool %s no longer exists",
			agentID, state.resourcePoolName)
	}
	if !poolConfig.AgentReattachEnabled {
		return errors.Errorf(
			"can't restore agent %s: reattach disabled for resource pool %s",
			agentID, state.resourcePoolName)
	}

	if err := state.restoreContainersField(); err != nil {
		return errors.Wrapf(err, "failed to restore containers for agent %s", agentID)
	}

	f.agents[agentID] = newAgent(
		agentID,
		f.updates,
		state.resourcePoolName,
		poolConfig,
		f.opts,
		state,
		func() { f.removeAgent(agentID) },
	)
	return nil
}

func (f *Fleet) removeAgent(agentID agentmsg.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.agents, agentID)
}

// HandleWebsocketConnection routes an incoming agent websocket to an
// existing agent handler or creates one for a new agent.
func (f *Fleet) HandleWebsocketConnection(c echo.Context) error {
	id := agentmsg.ID(c.QueryParam("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}
	reconnect := c.QueryParam("reconnect") == "true"

	a, err := f.agentForConnection(c, id, reconnect)
	if err != nil {
		return err
	}

	a.HandleWebsocketConnection(webSocketRequest{echoCtx: c})
	return nil
}

func (f *Fleet) agentForConnection(
	c echo.Context, id agentmsg.ID, reconnect bool,
) (*agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if a, ok := f.agents[id]; ok {
		return a, nil
	}

	// The agent believes it is reconnecting, but the master no longer knows
	// it: either the reconnect deadline passed or the master restarted
	// without its state. Make it start a fresh registration.
	if reconnect {
		return nil, echo.NewHTTPError(
			http.StatusBadRequest, agentmsg.ErrAgentMustReconnect.Error())
	}

	cfg := config.GetMasterConfig()
	resourcePoolName := c.QueryParam("resource_pool")
	if resourcePoolName == "" {
		f.syslog.Infof(
			"agent %s did not specify a resource pool, using default", id)
		resourcePoolName = config.DefaultResourcePoolName
	}

	poolConfig := cfg.ResourcePool(resourcePoolName)
	if poolConfig == nil {
		f.syslog.WithField("resource-pool", resourcePoolName).
			Warnf("agent %s connected to nonexistent resource pool", id)
		return nil, echo.NewHTTPError(
			http.StatusBadRequest, "resource pool not found: "+resourcePoolName)
	}

	a := newAgent(
		id,
		f.updates,
		resourcePoolName,
		poolConfig,
		f.opts,
		nil,
		func() { f.removeAgent(id) },
	)
	f.agents[id] = a
	return a, nil
}

// Updates exposes the stream of agent capacity change events for schedulers.
func (f *Fleet) Updates() *queue.Queue[agentUpdatedEvent] {
	return f.updates
}

// GetAgent returns the handler for one agent, or nil.
func (f *Fleet) GetAgent(id agentmsg.ID) *agent {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.agents[id]
}

// Summaries returns the admin API summary of every agent, keyed by id.
func (f *Fleet) Summaries() model.AgentsSummary {
	summaries := make(model.AgentsSummary)
	for id, a := range f.snapshotAgents() {
		summaries[string(id)] = a.Summarize()
	}
	return summaries
}

// States returns a copy of every started agent's state, keyed by id.
func (f *Fleet) States() map[agentmsg.ID]*agentState {
	states := make(map[agentmsg.ID]*agentState)
	for id, a := range f.snapshotAgents() {
		state, err := a.State()
		if err != nil {
			continue
		}
		states[id] = state
	}
	return states
}

// AgentIDs returns the ids of all registered agents in sorted order.
func (f *Fleet) AgentIDs() []agentmsg.ID {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := maps.Keys(f.agents)
	slices.Sort(ids)
	return ids
}

func (f *Fleet) snapshotAgents() map[agentmsg.ID]*agent {
	f.mu.Lock()
	defer f.mu.Unlock()

	return maps.Clone(f.agents)
}
