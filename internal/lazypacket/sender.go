// Package lazypacket paces replication traffic. Messages are queued per
// client and released under a shared byte budget; a client that stops
// confirming receipt is paused, and eventually dropped.
package lazypacket

import (
	"time"

	"github.com/google/uuid"
)

// Config holds the bandwidth budget constants.
type Config struct {
	// BytesPerTick is the base send budget shared by all clients.
	BytesPerTick int
	// Capacity is the total queued byte count above which budgets and
	// confirmations are ignored until the backlog shrinks.
	Capacity int64
	// SpeedUpAtOccupancy is the fraction of Capacity above which the budget
	// scales with occupancy.
	SpeedUpAtOccupancy float64
	// BytesPerConfirmation is how much a client may receive before it has
	// to confirm.
	BytesPerConfirmation int
	ConfirmationTimeout  time.Duration
	// CloggedAfter marks a client as congested while a confirmation has been
	// outstanding this long.
	CloggedAfter time.Duration
	// ReviveCooldown is the minimum time a dropped client stays dropped
	// before Revive accepts it again.
	ReviveCooldown time.Duration
}

// State of one client queue.
type State int

const (
	Idle State = iota
	Sending
	AwaitingConfirmation
	Dropped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Sending:
		return "SENDING"
	case AwaitingConfirmation:
		return "AWAITING_CONFIRMATION"
	case Dropped:
		return "DROPPED"
	}
	return "UNKNOWN"
}

type client struct {
	id           uuid.UUID
	queue        [][]byte
	bytes        int64
	sinceConfirm int
	awaiting     bool
	awaitSince   time.Time
	dropped      bool
	droppedAt    time.Time
}

func (c *client) state() State {
	switch {
	case c.dropped:
		return Dropped
	case c.awaiting:
		return AwaitingConfirmation
	case len(c.queue) > 0:
		return Sending
	}
	return Idle
}

// Stats is a point-in-time view for metrics.
type Stats struct {
	Clients      int
	QueuedBytes  int64
	SentBytes    uint64
	DroppedTotal uint64
}

// Sender owns every client queue. It is driven from the world tick goroutine
// and is not safe for concurrent use.
type Sender struct {
	cfg  Config
	send func(id uuid.UUID, b []byte)
	now  func() time.Time

	confirmRequest []byte
	onDropped      func(id uuid.UUID, bytes int64)

	clients map[uuid.UUID]*client
	order   []uuid.UUID
	next    int
	total   int64

	sentTotal    uint64
	droppedTotal uint64
}

// NewSender returns a sender that writes through send. confirmRequest is
// the prepared message asking a client to confirm.
func NewSender(cfg Config, send func(id uuid.UUID, b []byte), confirmRequest []byte) *Sender {
	return &Sender{
		cfg:            cfg,
		send:           send,
		now:            time.Now,
		confirmRequest: confirmRequest,
		clients:        map[uuid.UUID]*client{},
	}
}

// SetClock replaces the time source.
func (s *Sender) SetClock(now func() time.Time) { s.now = now }

// OnDropped registers the callback fired when a client queue is dropped.
func (s *Sender) OnDropped(fn func(id uuid.UUID, bytes int64)) { s.onDropped = fn }

// Add registers a client. Re-adding an existing client is a no-op.
func (s *Sender) Add(id uuid.UUID) {
	if _, ok := s.clients[id]; ok {
		return
	}
	s.clients[id] = &client{id: id}
	s.order = append(s.order, id)
}

// Remove discards the client's queue.
func (s *Sender) Remove(id uuid.UUID) {
	c := s.clients[id]
	if c == nil {
		return
	}
	s.total -= c.bytes
	delete(s.clients, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			if s.next > i {
				s.next--
			}
			break
		}
	}
}

// Enqueue appends b to the client's FIFO. It is refused for unknown or
// dropped clients.
func (s *Sender) Enqueue(id uuid.UUID, b []byte) bool {
	c := s.clients[id]
	if c == nil || c.dropped {
		return false
	}
	c.queue = append(c.queue, b)
	c.bytes += int64(len(b))
	s.total += int64(len(b))
	return true
}

// OnConfirmation resets the client's confirmation window. Confirmations
// from a dropped client are ignored: a client can confirm without having
// processed anything, so only Revive brings it back.
func (s *Sender) OnConfirmation(id uuid.UUID) {
	c := s.clients[id]
	if c == nil || c.dropped {
		return
	}
	c.sinceConfirm = 0
	c.awaiting = false
}

// Revive makes a dropped client schedulable again once ReviveCooldown has
// passed since the drop. It reports whether the client is live afterwards.
func (s *Sender) Revive(id uuid.UUID) bool {
	c := s.clients[id]
	if c == nil {
		return false
	}
	if !c.dropped {
		return true
	}
	if s.now().Sub(c.droppedAt) < s.cfg.ReviveCooldown {
		return false
	}
	c.dropped = false
	c.droppedAt = time.Time{}
	return true
}

func (s *Sender) State(id uuid.UUID) State {
	if c := s.clients[id]; c != nil {
		return c.state()
	}
	return Idle
}

// Queued returns the bytes waiting for the client.
func (s *Sender) Queued(id uuid.UUID) int64 {
	if c := s.clients[id]; c != nil {
		return c.bytes
	}
	return 0
}

// Total is the global queued byte count.
func (s *Sender) Total() int64 { return s.total }

// IsClogged is true while the client has been awaiting a confirmation for
// longer than CloggedAfter, or has been dropped.
func (s *Sender) IsClogged(id uuid.UUID) bool {
	c := s.clients[id]
	if c == nil {
		return false
	}
	if c.dropped {
		return true
	}
	return c.awaiting && s.now().Sub(c.awaitSince) > s.cfg.CloggedAfter
}

func (s *Sender) Stats() Stats {
	return Stats{
		Clients:      len(s.clients),
		QueuedBytes:  s.total,
		SentBytes:    s.sentTotal,
		DroppedTotal: s.droppedTotal,
	}
}

// Budget returns this tick's byte budget and whether the capacity escape
// valve is open.
func (s *Sender) Budget() (budget int, overCapacity bool) {
	budget = s.cfg.BytesPerTick
	if s.cfg.Capacity <= 0 {
		return budget, false
	}
	if s.total > s.cfg.Capacity {
		return budget, true
	}
	occupancy := float64(s.total) / float64(s.cfg.Capacity)
	if s.cfg.SpeedUpAtOccupancy > 0 && occupancy > s.cfg.SpeedUpAtOccupancy {
		budget = int(float64(budget) * occupancy / s.cfg.SpeedUpAtOccupancy)
	}
	return budget, false
}

// Tick drops timed-out clients and sends up to the budget, one message per
// client per round, starting from a rotating client.
func (s *Sender) Tick() {
	now := s.now()
	for _, id := range s.order {
		c := s.clients[id]
		if c.awaiting && !c.dropped && now.Sub(c.awaitSince) > s.cfg.ConfirmationTimeout {
			s.drop(c)
		}
	}
	n := len(s.order)
	if n == 0 {
		return
	}
	budget, _ := s.Budget()
	start := s.next % n
	s.next = (start + 1) % n

	sent := 0
	for {
		progressed := false
		for i := 0; i < n; i++ {
			c := s.clients[s.order[(start+i)%n]]
			over := s.cfg.Capacity > 0 && s.total > s.cfg.Capacity
			if len(c.queue) == 0 || c.dropped || (c.awaiting && !over) {
				continue
			}
			size := len(c.queue[0])
			if !over && sent > 0 && sent+size > budget {
				return
			}
			s.pop(c)
			sent += size
			progressed = true
			c.sinceConfirm += size
			if !c.awaiting && c.sinceConfirm >= s.cfg.BytesPerConfirmation {
				c.awaiting = true
				c.awaitSince = now
				s.send(c.id, s.confirmRequest)
			}
		}
		if !progressed {
			return
		}
	}
}

func (s *Sender) pop(c *client) {
	b := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	if len(c.queue) == 0 {
		c.queue = nil
	}
	c.bytes -= int64(len(b))
	s.total -= int64(len(b))
	s.sentTotal += uint64(len(b))
	s.send(c.id, b)
}

func (s *Sender) drop(c *client) {
	dropped := c.bytes
	s.total -= c.bytes
	c.bytes = 0
	c.queue = nil
	c.dropped = true
	c.droppedAt = s.now()
	c.awaiting = false
	c.sinceConfirm = 0
	s.droppedTotal++
	if s.onDropped != nil {
		s.onDropped(c.id, dropped)
	}
}
