package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/tombee/baton/pkg/activity"
	"github.com/tombee/baton/pkg/errors"
)

// Snapshot is the serializable form of a quiescent executor: the live
// instance tree, outstanding bookmarks, and any runnable work items.
// Activity definitions are not serialized; instances reference them by
// IdSpace id and the definition is re-walked before restore.
type Snapshot struct {
	NextInstanceID int64                `json:"next_instance_id"`
	NextBookmarkID int64                `json:"next_bookmark_id"`
	RootID         int64                `json:"root_id"`
	Instances      []instanceSnapshot   `json:"instances"`
	Bookmarks      []bookmarkSnapshot   `json:"bookmarks,omitempty"`
	Queue          []workItemSnapshot   `json:"queue,omitempty"`
}

type instanceSnapshot struct {
	ID                      int64  `json:"id"`
	ActivityID              int    `json:"activity_id"`
	ParentID                int64  `json:"parent_id,omitempty"`
	Substate                int    `json:"substate"`
	CancelRequested         bool   `json:"cancel_requested,omitempty"`
	PerformingDefaultCancel bool   `json:"performing_default_cancel,omitempty"`
	MarkedCanceled          bool   `json:"marked_canceled,omitempty"`
	BodyExecuted            bool   `json:"body_executed,omitempty"`
	OwnsEnvironment         bool   `json:"owns_environment,omitempty"`
	Slots                   []any  `json:"slots,omitempty"`
	PublicSlots             []any  `json:"public_slots,omitempty"`
	ContKind                int    `json:"cont_kind,omitempty"`
	ContIndex               int    `json:"cont_index,omitempty"`
}

type bookmarkSnapshot struct {
	ID             int64  `json:"id"`
	Name           string `json:"name,omitempty"`
	OwnerID        int64  `json:"owner_id"`
	NonBlocking    bool   `json:"non_blocking,omitempty"`
	MultipleResume bool   `json:"multiple_resume,omitempty"`
}

type workItemSnapshot struct {
	Kind         int    `json:"kind"`
	InstanceID   int64  `json:"instance_id"`
	Index        int    `json:"index,omitempty"`
	BookmarkID   int64  `json:"bookmark_id,omitempty"`
	BookmarkName string `json:"bookmark_name,omitempty"`
	Value        any    `json:"value,omitempty"`
}

// IsRunnable reports whether the snapshot carries pending work, meaning a
// loaded instance should resume running without external stimulus.
func (s *Snapshot) IsRunnable() bool {
	return len(s.Queue) > 0
}

// Snapshot captures the executor's state. The executor must not be
// running; hosts call this only at a pause or idle point.
func (ex *Executor) Snapshot() (*Snapshot, error) {
	if ex.State() == ExecutorRunning {
		return nil, errors.New("cannot snapshot a running executor")
	}
	if ex.rootInst == nil {
		return nil, errors.New("cannot snapshot before the root invocation is scheduled")
	}

	snap := &Snapshot{
		NextInstanceID: ex.instances.nextID,
		NextBookmarkID: ex.bookmarks.nextID,
		RootID:         ex.rootInst.id,
	}

	for _, inst := range ex.instances.all() {
		is := instanceSnapshot{
			ID:                      inst.id,
			ActivityID:              inst.activity.Meta().ID(),
			Substate:                int(inst.substate),
			CancelRequested:         inst.cancelRequested,
			PerformingDefaultCancel: inst.performingDefaultCancel,
			MarkedCanceled:          inst.markedCanceled,
			BodyExecuted:            inst.bodyExecuted,
			OwnsEnvironment:         inst.ownsEnvironment,
			ContKind:                int(inst.cont.kind),
			ContIndex:               inst.cont.index,
		}
		if inst.parent != nil {
			is.ParentID = inst.parent.id
		}
		if inst.ownsEnvironment {
			meta := inst.activity.Meta()
			is.Slots = snapshotSlots(inst.env.Scope(meta, false))
			is.PublicSlots = snapshotSlots(inst.env.Scope(meta, true))
		}
		snap.Instances = append(snap.Instances, is)
	}

	for _, rec := range ex.bookmarks.records() {
		snap.Bookmarks = append(snap.Bookmarks, bookmarkSnapshot{
			ID:             rec.bookmark.ID,
			Name:           rec.bookmark.Name,
			OwnerID:        rec.ownerID,
			NonBlocking:    rec.options.NonBlocking,
			MultipleResume: rec.options.MultipleResume,
		})
	}

	for _, item := range ex.queue {
		snap.Queue = append(snap.Queue, workItemSnapshot{
			Kind:         int(item.kind),
			InstanceID:   item.instance.id,
			Index:        item.index,
			BookmarkID:   item.bookmark.ID,
			BookmarkName: item.bookmark.Name,
			Value:        item.value,
		})
	}

	return snap, nil
}

// Marshal renders a snapshot as the opaque executor blob stored under the
// reserved "Workflow" key.
func (s *Snapshot) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal executor snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot parses a persisted executor blob.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal executor snapshot: %w", err)
	}
	return &s, nil
}

// Restore rebuilds the live instance tree from a snapshot. The executor
// must be fresh and its root definition cached runtime-ready; the
// definition's IdSpace ids resolve the persisted activity references.
func (ex *Executor) Restore(snap *Snapshot) error {
	if ex.rootInst != nil {
		return errors.New("cannot restore into an executor that already has instances")
	}
	meta := ex.root.Meta()
	if meta.CacheState() != activity.StateCached || !meta.IsRuntimeReady() {
		return errors.New("root definition is not cached runtime-ready")
	}
	idSpace := meta.IdSpace()

	// Instances were snapshotted in ascending id order, so parents always
	// precede children.
	for _, is := range snap.Instances {
		a := idSpace.ByID(is.ActivityID)
		if a == nil {
			return fmt.Errorf("persisted instance %d references unknown activity id %d", is.ID, is.ActivityID)
		}

		var parent *ActivityInstance
		parentEnv := meta.HostEnvironment()
		if is.ParentID != 0 {
			parent = ex.instances.Get(is.ParentID)
			if parent == nil {
				return fmt.Errorf("persisted instance %d references unknown parent %d", is.ID, is.ParentID)
			}
			parentEnv = parent.env
		}

		inst := &ActivityInstance{
			activity:                a,
			id:                      is.ID,
			parent:                  parent,
			parentEnv:               parentEnv,
			substate:                Substate(is.Substate),
			cancelRequested:         is.CancelRequested,
			performingDefaultCancel: is.PerformingDefaultCancel,
			markedCanceled:          is.MarkedCanceled,
			bodyExecuted:            is.BodyExecuted,
			ownsEnvironment:         is.OwnsEnvironment,
			cont:                    continuation{kind: continuationKind(is.ContKind), index: is.ContIndex},
		}

		if is.OwnsEnvironment {
			inst.env = activity.NewEnvironment(parentEnv, a.Meta())
			if err := restoreSlots(inst.env.Scope(a.Meta(), false), is.Slots, is.ID); err != nil {
				return err
			}
			if err := restoreSlots(inst.env.Scope(a.Meta(), true), is.PublicSlots, is.ID); err != nil {
				return err
			}
			// Re-mark the intermediate buffers of empty out/inout
			// bindings; the flag itself is not persisted.
			for _, arg := range a.Meta().RuntimeArguments() {
				if arg.Direction == activity.In || arg.Expression != nil {
					continue
				}
				if loc, ok := inst.env.Resolve(arg); ok {
					loc.MarkTemporary(inst.env, true)
				}
			}
		} else {
			inst.env = parentEnv
		}

		if parent != nil {
			parent.addChild(inst)
			ex.relinkResultLocation(parent, inst)
		}

		ex.instances.registerExisting(inst)
		if is.ID == snap.RootID {
			ex.rootInst = inst
		}
	}

	if ex.rootInst == nil {
		return errors.New("persisted snapshot has no root instance")
	}

	ex.instances.nextID = snap.NextInstanceID
	ex.bookmarks.nextID = snap.NextBookmarkID

	for _, bs := range snap.Bookmarks {
		owner := ex.instances.Get(bs.OwnerID)
		if owner == nil {
			return fmt.Errorf("persisted bookmark %q references unknown instance %d", bs.Name, bs.OwnerID)
		}
		rec := &bookmarkRecord{
			bookmark: Bookmark{ID: bs.ID, Name: bs.Name},
			ownerID:  bs.OwnerID,
			options:  BookmarkOptions{NonBlocking: bs.NonBlocking, MultipleResume: bs.MultipleResume},
		}
		ex.bookmarks.byID[rec.bookmark.ID] = rec
		if rec.bookmark.Name != "" {
			ex.bookmarks.byName[rec.bookmark.Name] = rec
		}
		if !rec.options.NonBlocking {
			owner.busyCount++
			owner.blockingBookmarkCount++
		}
	}

	for _, ws := range snap.Queue {
		inst := ex.instances.Get(ws.InstanceID)
		if inst == nil {
			return fmt.Errorf("persisted work item references unknown instance %d", ws.InstanceID)
		}
		ex.enqueue(inst, &workItem{
			kind:     workItemKind(ws.Kind),
			instance: inst,
			index:    ws.Index,
			bookmark: Bookmark{ID: ws.BookmarkID, Name: ws.BookmarkName},
			value:    ws.Value,
		})
	}

	if len(ex.queue) > 0 {
		ex.setState(ExecutorRunnable)
	} else {
		ex.setState(ExecutorIdle)
	}
	return nil
}

// snapshotSlots captures one owned environment's slot values in order.
func snapshotSlots(env *activity.Environment) []any {
	if env == nil {
		return nil
	}
	slots := make([]any, env.SlotCount())
	for i := 0; i < env.SlotCount(); i++ {
		if loc := env.Slot(i); loc != nil {
			slots[i] = loc.Get()
		}
	}
	return slots
}

// restoreSlots writes persisted slot values back into one owned
// environment.
func restoreSlots(env *activity.Environment, slots []any, instanceID int64) error {
	if env == nil {
		return nil
	}
	for i, v := range slots {
		if v == nil || i >= env.SlotCount() {
			continue
		}
		if loc := env.Slot(i); loc != nil {
			if err := loc.Set(v); err != nil {
				return fmt.Errorf("instance %d slot %d: %w", instanceID, i, err)
			}
		}
	}
	return nil
}

// relinkResultLocation reattaches an expression instance's result cell
// after restore, derived from its resume continuation.
func (ex *Executor) relinkResultLocation(parent, inst *ActivityInstance) {
	switch inst.cont.kind {
	case contResolveNextArgument:
		args := parent.activity.Meta().RuntimeArguments()
		if i := inst.cont.index - 1; i >= 0 && i < len(args) {
			if loc, ok := parent.env.Resolve(args[i]); ok {
				inst.resultLocation = loc
			}
		}
	case contResolveNextVariable:
		vars := instanceVariables(parent)
		if i := inst.cont.index - 1; i >= 0 && i < len(vars) {
			if loc, ok := parent.env.Resolve(vars[i]); ok {
				inst.resultLocation = loc
			}
		}
	}
}
