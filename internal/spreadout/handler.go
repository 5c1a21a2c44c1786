// Package spreadout spreads bulk work over many ticks. Each tick a global
// unit budget is split evenly between the holders that have work to do.
package spreadout

import "chunkclaims.dev/internal/claims/linked"

// Task is a resumable unit-budgeted job run against an environment E.
type Task[E any] interface {
	// ShouldWork is false while the task is paused, e.g. waiting on a
	// congested client. Paused tasks take no share of the budget.
	ShouldWork(env E) bool
	// OnTick performs at most units units of work. Follow-up tasks passed to
	// spawn are queued on the same holder after the current one.
	OnTick(env E, units int, spawn func(Task[E]))
	// ShouldDrop is true once the task is finished or cancelled.
	ShouldDrop(env E) bool
}

// Limits bound the work done per tick.
type Limits struct {
	PerTick int
	PerTask int
}

func (l Limits) share(active int) int {
	per := l.PerTask
	if active > 0 && l.PerTick/active < per {
		per = l.PerTick / active
	}
	if per < 1 {
		per = 1
	}
	return per
}

type holder[K comparable, E any] struct {
	key   K
	queue []Task[E]
	link  linked.Link[*holder[K, E]]
}

func (h *holder[K, E]) ChainLink() *linked.Link[*holder[K, E]] { return &h.link }

func (h *holder[K, E]) current() Task[E] {
	if len(h.queue) == 0 {
		return nil
	}
	return h.queue[0]
}

// Handler runs one task at a time per holder key. A queued handler forgets a
// holder once its queue drains; a per-player handler keeps it until Remove.
type Handler[K comparable, E any] struct {
	limits   Limits
	keepIdle bool
	holders  map[K]*holder[K, E]
	order    linked.Chain[*holder[K, E]]
}

// NewQueued returns a handler whose holders are task queues, such as the
// per-owner replacement queue.
func NewQueued[K comparable, E any](l Limits) *Handler[K, E] {
	return &Handler[K, E]{limits: l, holders: map[K]*holder[K, E]{}}
}

// NewPerPlayer returns a handler whose holders live as long as the player
// is connected, even while idle.
func NewPerPlayer[K comparable, E any](l Limits) *Handler[K, E] {
	h := NewQueued[K, E](l)
	h.keepIdle = true
	return h
}

func (h *Handler[K, E]) Limits() Limits { return h.limits }

func (h *Handler[K, E]) SetLimits(l Limits) { h.limits = l }

func (h *Handler[K, E]) ensure(key K) *holder[K, E] {
	hd := h.holders[key]
	if hd == nil {
		hd = &holder[K, E]{key: key}
		h.holders[key] = hd
		h.order.Add(hd)
	}
	return hd
}

// Add queues t behind the holder's current task.
func (h *Handler[K, E]) Add(key K, t Task[E]) {
	hd := h.ensure(key)
	hd.queue = append(hd.queue, t)
}

// Register creates an idle holder. Only meaningful for per-player handlers.
func (h *Handler[K, E]) Register(key K) { h.ensure(key) }

// Clear drops every task of key but keeps a per-player holder registered.
func (h *Handler[K, E]) Clear(key K) {
	hd := h.holders[key]
	if hd == nil {
		return
	}
	hd.queue = nil
	if !h.keepIdle {
		h.drop(hd)
	}
}

// Remove drops the holder and all of its tasks.
func (h *Handler[K, E]) Remove(key K) {
	if hd := h.holders[key]; hd != nil {
		h.drop(hd)
	}
}

func (h *Handler[K, E]) drop(hd *holder[K, E]) {
	delete(h.holders, hd.key)
	h.order.Remove(hd)
	hd.queue = nil
}

// Pending is the number of queued tasks for key, including the running one.
func (h *Handler[K, E]) Pending(key K) int {
	if hd := h.holders[key]; hd != nil {
		return len(hd.queue)
	}
	return 0
}

func (h *Handler[K, E]) Holders() int { return len(h.holders) }

// Tick runs one round.
func (h *Handler[K, E]) Tick(env E) {
	active := 0
	for it := h.order.Iter(); ; {
		hd, ok := it.Next()
		if !ok {
			break
		}
		if t := hd.current(); t != nil && t.ShouldWork(env) {
			active++
		}
	}
	if active == 0 {
		h.sweep(env)
		return
	}
	per := h.limits.share(active)

	for it := h.order.Iter(); ; {
		hd, ok := it.Next()
		if !ok {
			break
		}
		t := hd.current()
		if t == nil {
			continue
		}
		if t.ShouldWork(env) {
			t.OnTick(env, per, func(next Task[E]) {
				hd.queue = append(hd.queue, next)
			})
		}
		h.advance(hd, env)
	}
}

// sweep drops finished tasks without running any work.
func (h *Handler[K, E]) sweep(env E) {
	for it := h.order.Iter(); ; {
		hd, ok := it.Next()
		if !ok {
			return
		}
		h.advance(hd, env)
	}
}

func (h *Handler[K, E]) advance(hd *holder[K, E], env E) {
	if hd.link.Destroyed() {
		return
	}
	for len(hd.queue) > 0 && hd.queue[0].ShouldDrop(env) {
		hd.queue[0] = nil
		hd.queue = hd.queue[1:]
	}
	if len(hd.queue) == 0 && !h.keepIdle {
		h.drop(hd)
	}
}
