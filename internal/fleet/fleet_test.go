package fleet

import (
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/corral-sh/corral/internal/config"
	"github.com/corral-sh/corral/pkg/agentmsg"
)

func TestFleetRejectsUnknownReconnect(t *testing.T) {
	f := New(&agentmsg.MasterSetAgentOptions{})

	e := echo.New()
	req := httptest.NewRequest("GET", "/agents/ws?id=ghost&reconnect=true", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := f.HandleWebsocketConnection(c)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	require.Equal(t, 400, httpErr.Code)
	require.Contains(t, httpErr.Message, "no longer recoverable")
}

func TestFleetRequiresAgentID(t *testing.T) {
	f := New(&agentmsg.MasterSetAgentOptions{})

	e := echo.New()
	req := httptest.NewRequest("GET", "/agents/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := f.HandleWebsocketConnection(c)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	require.Equal(t, 400, httpErr.Code)
}

func TestFleetRegistry(t *testing.T) {
	f := New(&agentmsg.MasterSetAgentOptions{})
	require.Empty(t, f.Summaries())
	require.Empty(t, f.AgentIDs())
	require.Empty(t, f.States())
	require.Nil(t, f.GetAgent("missing"))

	a := newAgent(
		"a1",
		f.Updates(),
		"default",
		&config.ResourcePoolConfig{},
		f.opts,
		nil,
		func() { f.removeAgent("a1") },
	)
	f.mu.Lock()
	f.agents["a1"] = a
	f.mu.Unlock()

	require.Equal(t, []agentmsg.ID{"a1"}, f.AgentIDs())
	require.Contains(t, f.Summaries(), "a1")
	// Not started yet, so no state snapshot is available.
	require.Empty(t, f.States())

	// Agents remove themselves from the registry on stop.
	a.unregister()
	require.Empty(t, f.AgentIDs())
}
