package model

import (
	"time"

	"github.com/corral-sh/corral/pkg/container"
	"github.com/corral-sh/corral/pkg/device"
)

// AgentSummary summarizes the state of an agent for the admin API.
type AgentSummary struct {
	ID             string       `json:"id"`
	RegisteredTime time.Time    `json:"registered_time"`
	Slots          SlotsSummary `json:"slots"`
	NumContainers  int          `json:"num_containers"`
	ResourcePool   string       `json:"resource_pool"`
	Label          string       `json:"label"`
	Addresses      []string     `json:"addresses"`
	Enabled        bool         `json:"enabled"`
	Draining       bool         `json:"draining"`
	Version        string       `json:"version"`
}

// AgentsSummary maps agent IDs to their summaries.
type AgentsSummary map[string]AgentSummary

// SlotsSummary maps slot addresses to their summaries.
type SlotsSummary map[string]SlotSummary

// SlotSummary summarizes the state of a single slot.
type SlotSummary struct {
	ID        string               `json:"id"`
	Device    device.Device        `json:"device"`
	Enabled   bool                 `json:"enabled"`
	Container *container.Container `json:"container"`
	Draining  bool                 `json:"draining"`
}
