package runtime

import (
	"sort"

	"github.com/tombee/baton/internal/metrics"
	"github.com/tombee/baton/pkg/activity"
)

// InstanceMap is the registry of live activity instances, keyed by
// serialized id. Ids are assigned monotonically and never collide within
// a map; they survive persistence round-trips.
type InstanceMap struct {
	instances map[int64]*ActivityInstance
	nextID    int64
}

// NewInstanceMap creates an empty instance map.
func NewInstanceMap() *InstanceMap {
	return &InstanceMap{
		instances: make(map[int64]*ActivityInstance),
		nextID:    1,
	}
}

// register creates and records an instance for the given activity,
// assigning the next serialized id.
func (m *InstanceMap) register(a activity.Activity) *ActivityInstance {
	inst := &ActivityInstance{
		activity: a,
		id:       m.nextID,
	}
	m.nextID++
	m.instances[inst.id] = inst
	metrics.InstanceCreated()
	return inst
}

// registerExisting records an instance rebuilt from a persisted snapshot
// under its original id.
func (m *InstanceMap) registerExisting(inst *ActivityInstance) {
	m.instances[inst.id] = inst
	if inst.id >= m.nextID {
		m.nextID = inst.id + 1
	}
	metrics.InstanceCreated()
}

// unregister drops a completed instance.
func (m *InstanceMap) unregister(id int64) {
	if _, ok := m.instances[id]; ok {
		delete(m.instances, id)
		metrics.InstanceCompleted()
	}
}

// Get returns the live instance with the given id, or nil.
func (m *InstanceMap) Get(id int64) *ActivityInstance {
	return m.instances[id]
}

// Count returns the number of live instances.
func (m *InstanceMap) Count() int {
	return len(m.instances)
}

// all returns the live instances in ascending id order.
func (m *InstanceMap) all() []*ActivityInstance {
	out := make([]*ActivityInstance, 0, len(m.instances))
	ids := make([]int64, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, m.instances[id])
	}
	return out
}
