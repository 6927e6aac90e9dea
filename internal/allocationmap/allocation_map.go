// Package allocationmap indexes the live allocation handles in this process
// by allocation ID. Handles are volatile: they are registered when an
// allocation starts (or is restored) and are never persisted.
package allocationmap

import (
	"sync"

	"golang.org/x/exp/maps"

	"github.com/corral-sh/corral/pkg/model"
)

// Allocation is the live, in-process handle of a running allocation.
type Allocation interface {
	// ID returns the allocation's identifier.
	ID() model.AllocationID
}

var (
	allocationMap   map[model.AllocationID]Allocation
	allocationMutex sync.RWMutex
)

// InitAllocationMap initializes the global allocation ID -> handle map.
func InitAllocationMap() {
	allocationMutex.Lock()
	defer allocationMutex.Unlock()
	allocationMap = map[model.AllocationID]Allocation{}
}

// GetAllocation returns the handle for an allocation ID, or nil.
func GetAllocation(id model.AllocationID) Allocation {
	allocationMutex.RLock()
	defer allocationMutex.RUnlock()
	return allocationMap[id]
}

// GetAllAllocationIDs returns every registered allocation ID.
func GetAllAllocationIDs() []model.AllocationID {
	allocationMutex.RLock()
	defer allocationMutex.RUnlock()
	return maps.Keys(allocationMap)
}

// RegisterAllocation adds an allocation to the map.
func RegisterAllocation(id model.AllocationID, a Allocation) {
	allocationMutex.Lock()
	defer allocationMutex.Unlock()
	allocationMap[id] = a
}

// UnregisterAllocation removes an allocation from the map.
func UnregisterAllocation(id model.AllocationID) {
	allocationMutex.Lock()
	defer allocationMutex.Unlock()
	delete(allocationMap, id)
}
