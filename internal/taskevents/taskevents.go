// Package taskevents routes fire-and-forget notifications from the fleet to
// the owners of allocations. Publishing never blocks on a consumer: the
// fleet's state transitions must not wait for acknowledgement.
package taskevents

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/corral-sh/corral/pkg/agentmsg"
	"github.com/corral-sh/corral/pkg/model"
)

const perSubscriberBuffer = 64

// Event is a notification delivered to an allocation's owner.
type Event interface{ taskEvent() }

// ReleaseResources tells the owner its resources are being revoked.
type ReleaseResources struct {
	// Reason is surfaced to the user, e.g. "slot disabled".
	Reason string
	// ForceKill means the workload is killed rather than asked to stop.
	ForceKill bool
}

// ContainerStateChanged forwards a container transition to the owner.
type ContainerStateChanged struct {
	Changed agentmsg.ContainerStateChanged
}

// ContainerLog forwards a container log line to the owner.
type ContainerLog struct {
	Log agentmsg.ContainerLog
}

func (ReleaseResources) taskEvent()      {}
func (ContainerStateChanged) taskEvent() {}
func (ContainerLog) taskEvent()          {}

// Subscription receives the events published for one allocation.
type Subscription struct {
	// C delivers the events. It is closed on Close.
	C <-chan Event

	topic model.AllocationID
	id    int
}

var (
	mu     sync.Mutex
	nextID int
	subs   = map[model.AllocationID]map[int]chan Event{}
	syslog = logrus.WithField("component", "taskevents")
)

// Subscribe registers for the events of one allocation.
func Subscribe(topic model.AllocationID) *Subscription {
	mu.Lock()
	defer mu.Unlock()

	nextID++
	ch := make(chan Event, perSubscriberBuffer)
	if subs[topic] == nil {
		subs[topic] = map[int]chan Event{}
	}
	subs[topic][nextID] = ch
	return &Subscription{C: ch, topic: topic, id: nextID}
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	mu.Lock()
	defer mu.Unlock()

	topicSubs, ok := subs[s.topic]
	if !ok {
		return
	}
	if ch, ok := topicSubs[s.id]; ok {
		delete(topicSubs, s.id)
		close(ch)
	}
	if len(topicSubs) == 0 {
		delete(subs, s.topic)
	}
}

// Publish delivers an event to every subscriber of the allocation. Slow
// subscribers that have filled their buffer lose the event.
func Publish(topic model.AllocationID, event Event) {
	mu.Lock()
	defer mu.Unlock()

	for _, ch := range subs[topic] {
		select {
		case ch <- event:
		default:
			syslog.WithField("allocation-id", topic).
				Warnf("dropping event for slow subscriber: %T", event)
		}
	}
}
