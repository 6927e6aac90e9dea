package model

// AllocationID is the unique identifier of a task allocation: the unit of
// work that owns one or more containers across the cluster.
type AllocationID string

func (a AllocationID) String() string {
	return string(a)
}
