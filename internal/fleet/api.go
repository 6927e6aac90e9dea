package fleet

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/corral-sh/corral/pkg/agentmsg"
	"github.com/corral-sh/corral/pkg/device"
)

// patchSlotBody is the request body for slot patches.
type patchSlotBody struct {
	Enabled *bool `json:"enabled"`
	Drain   *bool `json:"drain"`
}

// RegisterRoutes attaches the agent websocket endpoint and the admin API to
// the echo server.
func (f *Fleet) RegisterRoutes(e *echo.Echo) {
	e.GET("/agents/ws", f.HandleWebsocketConnection)

	e.GET("/agents", f.getAgents)
	e.GET("/agents/:agent_id", f.getAgent)
	e.POST("/agents/:agent_id/enable", f.enableAgent)
	e.POST("/agents/:agent_id/disable", f.disableAgent)
	e.GET("/agents/:agent_id/slots", f.getSlots)
	e.PATCH("/agents/:agent_id/slots", f.patchSlots)
	e.GET("/agents/:agent_id/slots/:slot_id", f.getSlot)
	e.PATCH("/agents/:agent_id/slots/:slot_id", f.patchSlot)
}

func (f *Fleet) agentFromContext(c echo.Context) (*agent, error) {
	id := agentmsg.ID(c.Param("agent_id"))
	a := f.GetAgent(id)
	if a == nil {
		return nil, echo.NewHTTPError(
			http.StatusNotFound, "agent not found: "+string(id))
	}
	return a, nil
}

func slotIDFromContext(c echo.Context) (device.ID, error) {
	id, err := strconv.Atoi(c.Param("slot_id"))
	if err != nil {
		return 0, echo.NewHTTPError(
			http.StatusBadRequest, "invalid slot id: "+c.Param("slot_id"))
	}
	return device.ID(id), nil
}

func (f *Fleet) getAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, f.Summaries())
}

func (f *Fleet) getAgent(c echo.Context) error {
	a, err := f.agentFromContext(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a.Summarize())
}

func (f *Fleet) enableAgent(c echo.Context) error {
	a, err := f.agentFromContext(c)
	if err != nil {
		return err
	}
	summary, err := a.Enable()
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}

func (f *Fleet) disableAgent(c echo.Context) error {
	a, err := f.agentFromContext(c)
	if err != nil {
		return err
	}
	drain := c.QueryParam("drain") == "true"
	summary, err := a.Disable(drain)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}

func (f *Fleet) getSlots(c echo.Context) error {
	a, err := f.agentFromContext(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a.Summarize().Slots)
}

func (f *Fleet) patchSlots(c echo.Context) error {
	a, err := f.agentFromContext(c)
	if err != nil {
		return err
	}
	var body patchSlotBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	summaries, err := a.PatchAllSlotsState(patchAllSlotsState{
		enabled: body.Enabled,
		drain:   body.Drain,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, summaries)
}

func (f *Fleet) getSlot(c echo.Context) error {
	a, err := f.agentFromContext(c)
	if err != nil {
		return err
	}
	slotID, err := slotIDFromContext(c)
	if err != nil {
		return err
	}

	summary, err := a.GetSlotSummary(slotID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}

func (f *Fleet) patchSlot(c echo.Context) error {
	a, err := f.agentFromContext(c)
	if err != nil {
		return err
	}
	slotID, err := slotIDFromContext(c)
	if err != nil {
		return err
	}
	var body patchSlotBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	summary, err := a.PatchSlotState(patchSlotState{
		id:      slotID,
		enabled: body.Enabled,
		drain:   body.Drain,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}
