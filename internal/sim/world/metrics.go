package world

import "time"

// WorldMetrics is a read-only view published by the world loop after every
// tick for HTTP handlers and tests.
type WorldMetrics struct {
	Tick uint64 `json:"tick"`

	Players     int `json:"players"`
	ClaimStates int `json:"claim_states"`
	Regions     int `json:"regions"`
	Owners      int `json:"owners"`
	DirtyOwners int `json:"dirty_owners"`

	LazyQueuedBytes  int64  `json:"lazy_queued_bytes"`
	LazySentBytes    uint64 `json:"lazy_sent_bytes"`
	LazyDroppedTotal uint64 `json:"lazy_dropped_total"`

	QueueDepths QueueDepths `json:"queue_depths"`

	StepMS float64 `json:"step_ms"`
}

type QueueDepths struct {
	Inbox int `json:"inbox"`
	Join  int `json:"join"`
	Leave int `json:"leave"`
}

func (w *World) publishMetrics(step time.Duration) {
	regions := 0
	for _, id := range w.store.Dimensions() {
		regions += w.store.Dimension(id).RegionCount()
	}
	lazy := w.sender.Stats()
	w.metrics.Store(WorldMetrics{
		Tick:             w.tick.Load(),
		Players:          len(w.clients),
		ClaimStates:      w.store.States().Len(),
		Regions:          regions,
		Owners:           w.store.Owners().Len(),
		DirtyOwners:      len(w.dirty),
		LazyQueuedBytes:  lazy.QueuedBytes,
		LazySentBytes:    lazy.SentBytes,
		LazyDroppedTotal: lazy.DroppedTotal,
		QueueDepths: QueueDepths{
			Inbox: len(w.inbox),
			Join:  len(w.join),
			Leave: len(w.leave),
		},
		StepMS: float64(step.Microseconds()) / 1000,
	})
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	m, _ := w.metrics.Load().(WorldMetrics)
	return m
}
