package allocationmap

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/corral-sh/corral/pkg/model"
)

type fakeAllocation struct{ id model.AllocationID }

func (f fakeAllocation) ID() model.AllocationID { return f.id }

func TestAllocationMap(t *testing.T) {
	InitAllocationMap()

	id := model.AllocationID(uuid.NewString())
	require.Nil(t, GetAllocation(id))

	RegisterAllocation(id, fakeAllocation{id: id})
	got := GetAllocation(id)
	require.NotNil(t, got)
	require.Equal(t, id, got.ID())

	other := model.AllocationID(uuid.NewString())
	RegisterAllocation(other, fakeAllocation{id: other})
	require.ElementsMatch(t, []model.AllocationID{id, other}, GetAllAllocationIDs())

	UnregisterAllocation(id)
	require.Nil(t, GetAllocation(id))
	require.ElementsMatch(t, []model.AllocationID{other}, GetAllAllocationIDs())
}
