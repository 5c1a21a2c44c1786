package claims

import (
	"github.com/google/uuid"

	"chunkclaims.dev/internal/spreadout"
)

// ReplaceResult is reported when a replacement task ends.
type ReplaceResult int

const (
	ReplaceDone ReplaceResult = iota
	// ReplaceStateMatches means the replacement state belongs to the same
	// owner and matches the predicate itself, so the task would never end.
	ReplaceStateMatches
)

func (r ReplaceResult) String() string {
	switch r {
	case ReplaceDone:
		return "DONE"
	case ReplaceStateMatches:
		return "FAILURE_STATE_MATCHES"
	}
	return "UNKNOWN"
}

// ReplaceTask re-owns or clears every chunk of one owner whose state matches
// a predicate, a bounded number of chunks per tick. It is idempotent over the
// currently matching chunks, so an interrupted task can be issued again.
type ReplaceTask struct {
	owner    uuid.UUID
	match    func(StateKey) bool
	with     *StateKey
	onFinish func(ReplaceResult, int)

	changed int
	done    bool
}

var _ spreadout.Task[*Manager] = (*ReplaceTask)(nil)

// EnqueueReplacementTask queues a replacement for owner. with == nil unclaims
// the matching chunks. Tasks of one owner run one after another.
func (m *Manager) EnqueueReplacementTask(owner uuid.UUID, match func(StateKey) bool, with *StateKey, onFinish func(ReplaceResult, int)) {
	m.replacer.Add(owner, &ReplaceTask{owner: owner, match: match, with: with, onFinish: onFinish})
}

// CancelReplacements drops every queued replacement of owner.
func (m *Manager) CancelReplacements(owner uuid.UUID) { m.replacer.Remove(owner) }

// PendingReplacements counts queued replacement tasks of owner.
func (m *Manager) PendingReplacements(owner uuid.UUID) int { return m.replacer.Pending(owner) }

func (t *ReplaceTask) ShouldWork(*Manager) bool { return !t.done }
func (t *ReplaceTask) ShouldDrop(*Manager) bool { return t.done }
func (t *ReplaceTask) Changed() int             { return t.changed }

type replaceTarget struct {
	dim  string
	x, z int32
}

func (t *ReplaceTask) OnTick(m *Manager, units int, _ func(spreadout.Task[*Manager])) {
	if t.done {
		return
	}
	if t.with != nil && t.with.Owner == t.owner && t.match(*t.with) {
		t.finish(ReplaceStateMatches)
		return
	}
	o := m.owners.Get(t.owner)
	if o == nil {
		t.finish(ReplaceDone)
		return
	}
	targets := make([]replaceTarget, 0, units)
collect:
	for _, dim := range o.Dimensions() {
		for _, s := range o.States(dim) {
			if !t.match(s.key) {
				continue
			}
			for _, p := range o.dims[dim][s].positions {
				x, z := UnpackPos(p)
				targets = append(targets, replaceTarget{dim: dim, x: x, z: z})
				if len(targets) >= units {
					break collect
				}
			}
		}
	}
	if len(targets) == 0 {
		t.finish(ReplaceDone)
		return
	}
	for _, tg := range targets {
		if t.with == nil {
			m.Unclaim(tg.dim, tg.x, tg.z)
		} else {
			m.Claim(tg.dim, tg.x, tg.z, t.with.Owner, t.with.Sub, t.with.Forceload)
		}
		t.changed++
	}
}

func (t *ReplaceTask) finish(r ReplaceResult) {
	t.done = true
	if t.onFinish != nil {
		t.onFinish(r, t.changed)
	}
}
