package tasktable

import (
	"fmt"
	"sync/atomic"

	uatomic "go.uber.org/atomic"
)

type side struct {
	byID        map[int64]*CaptureTask
	byKey       map[string]int64
	bySignature map[string]int64
	bySID       map[string]int64
}

func newSide() *side {
	return &side{
		byID:        make(map[int64]*CaptureTask),
		byKey:       make(map[string]int64),
		bySignature: make(map[string]int64),
		bySID:       make(map[string]int64),
	}
}

// clone makes a shallow copy of the index maps (not the task records they
// point to), matching spec.md §4.2: "a writer clones the idle side, mutates,
// and flips current".
func (s *side) clone() *side {
	n := newSide()
	for k, v := range s.byID {
		n.byID[k] = v
	}
	for k, v := range s.byKey {
		n.byKey[k] = v
	}
	for k, v := range s.bySignature {
		n.bySignature[k] = v
	}
	for k, v := range s.bySID {
		n.bySID[k] = v
	}
	return n
}

// Table is the double-buffered CaptureTask registry. All write methods
// (Add/Update/Remove/...) must be called from a single goroutine (the
// capture manager's); Query methods are safe from any goroutine.
type Table struct {
	sides        [2]atomic.Pointer[side]
	current      uatomic.Int32
	nextCaptureID uatomic.Int64

	statusCounts [statusCount]uatomic.Int64

	pendingDelete []*CaptureTask
}

// New creates an empty Table. Capture IDs are assigned starting at 1000
// (spec.md §9: "Capture IDs start at 1000").
func New() *Table {
	t := &Table{}
	t.sides[0].Store(newSide())
	t.sides[1].Store(newSide())
	t.nextCaptureID.Store(999)
	return t
}

func (t *Table) currentSide() *side {
	return t.sides[t.current.Load()].Load()
}

// NextCaptureID allocates the next monotonic capture_id (spec.md §3:
// "unique across the table's lifetime"; §9 notes wraparound is undefined,
// so none is implemented here).
func (t *Table) NextCaptureID() int64 {
	return t.nextCaptureID.Add(1)
}

// Add inserts a new task. It fails if key or signature already maps to a
// non-terminal task (spec.md §4.2 add contract) — the manager is expected
// to have already checked this via QueryBySignature/QueryByKey, but Add
// re-validates to keep the table self-consistent under misuse.
func (t *Table) Add(task *CaptureTask) error {
	cur := t.currentSide()
	if existingID, ok := cur.bySignature[task.Signature]; ok {
		if existing, ok := cur.byID[existingID]; ok && !existing.Status.IsTerminal() {
			return fmt.Errorf("tasktable: signature %s already active on capture %d", task.Signature, existingID)
		}
	}
	if existingID, ok := cur.byKey[task.Key]; ok {
		if existing, ok := cur.byID[existingID]; ok && !existing.Status.IsTerminal() {
			return fmt.Errorf("tasktable: key %s already active on capture %d", task.Key, existingID)
		}
	}

	idle := cur.clone()
	idle.byID[task.CaptureID] = task
	idle.byKey[task.Key] = task.CaptureID
	idle.bySignature[task.Signature] = task.CaptureID
	idle.bySID[task.SID] = task.CaptureID
	t.publish(idle)
	t.statusCounts[task.Status].Inc()
	return nil
}

// Update applies updater to a copy of the current record for captureID and
// publishes the result (spec.md §4.2 update contract). The displaced record
// is queued for deferred deletion.
func (t *Table) Update(captureID int64, updater func(*CaptureTask)) error {
	cur := t.currentSide()
	old, ok := cur.byID[captureID]
	if !ok {
		return fmt.Errorf("tasktable: capture %d not found", captureID)
	}

	next := old.Clone()
	updater(next)

	idle := cur.clone()
	idle.byID[captureID] = next
	// Key/signature/sid indexes are immutable for the lifetime of a task in
	// this design, so only byID needs republishing here.
	t.publish(idle)

	if next.Status != old.Status {
		t.statusCounts[old.Status].Dec()
		t.statusCounts[next.Status].Inc()
	}
	t.pendingDelete = append(t.pendingDelete, old)
	return nil
}

// UpdateStatus is a thin wrapper over Update that only changes Status
// (spec.md §4.2).
func (t *Table) UpdateStatus(captureID int64, newStatus Status) error {
	return t.Update(captureID, func(c *CaptureTask) {
		c.Status = newStatus
	})
}

// Remove frees captureID's indexes and queues the record for deferred
// deletion.
func (t *Table) Remove(captureID int64) error {
	cur := t.currentSide()
	old, ok := cur.byID[captureID]
	if !ok {
		return fmt.Errorf("tasktable: capture %d not found", captureID)
	}

	idle := cur.clone()
	delete(idle.byID, captureID)
	delete(idle.byKey, old.Key)
	delete(idle.bySignature, old.Signature)
	delete(idle.bySID, old.SID)
	t.publish(idle)

	t.statusCounts[old.Status].Dec()
	t.pendingDelete = append(t.pendingDelete, old)
	return nil
}

func (t *Table) publish(idle *side) {
	idleIdx := 1 - t.current.Load()
	t.sides[idleIdx].Store(idle)
	t.current.Store(idleIdx)
}

// Query returns a copy of the current record for captureID.
func (t *Table) Query(captureID int64) (*Snapshot, bool) {
	s := t.currentSide()
	task, ok := s.byID[captureID]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// QueryByKey looks up a task by its coarse dedup key.
func (t *Table) QueryByKey(key string) (*Snapshot, bool) {
	s := t.currentSide()
	id, ok := s.byKey[key]
	if !ok {
		return nil, false
	}
	task, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// QueryBySignature looks up a task by its dedup signature.
func (t *Table) QueryBySignature(sig string) (*Snapshot, bool) {
	s := t.currentSide()
	id, ok := s.bySignature[sig]
	if !ok {
		return nil, false
	}
	task, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// QueryBySID looks up a task by its user-presentable sid.
func (t *Table) QueryBySID(sid string) (*Snapshot, bool) {
	s := t.currentSide()
	id, ok := s.bySID[sid]
	if !ok {
		return nil, false
	}
	task, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// List returns a copy of every current record.
func (t *Table) List() []*Snapshot {
	s := t.currentSide()
	out := make([]*Snapshot, 0, len(s.byID))
	for _, task := range s.byID {
		out = append(out, task.Clone())
	}
	return out
}

// Stats is the aggregated per-status count (spec.md §4.2 get_stats).
type Stats struct {
	Pending, Resolving, Running, Completed, Failed, Stopped int64
}

// Stats reads the atomic per-status counters.
func (t *Table) Stats() Stats {
	return Stats{
		Pending:   t.statusCounts[Pending].Load(),
		Resolving: t.statusCounts[Resolving].Load(),
		Running:   t.statusCounts[Running].Load(),
		Completed: t.statusCounts[Completed].Load(),
		Failed:    t.statusCounts[Failed].Load(),
		Stopped:   t.statusCounts[Stopped].Load(),
	}
}

// Size returns the number of tasks currently indexed.
func (t *Table) Size() int {
	return len(t.currentSide().byID)
}

// CleanupPendingDeletes drains the deferred-delete queue. Callable only by
// the manager at a quiescent point (spec.md §4.2): no reader may hold a
// pointer into a removed record across this call, which this design
// satisfies because Query/List always hand out clones rather than shared
// pointers into the table's own records.
func (t *Table) CleanupPendingDeletes() int {
	n := len(t.pendingDelete)
	t.pendingDelete = t.pendingDelete[:0]
	return n
}
