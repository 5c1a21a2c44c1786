package claimsync

import (
	"github.com/google/uuid"

	"chunkclaims.dev/internal/claims"
	"chunkclaims.dev/internal/claims/linked"
	"chunkclaims.dev/internal/protocol"
	"chunkclaims.dev/internal/spreadout"
)

type spreadoutTask = spreadout.Task[*Synchronizer]

// scanFactor bounds how many entries a filtered task may inspect per unit
// of budget when most of them are skipped.
const scanFactor = 32

// A login snapshot runs as three phases, each spawning the next on the same
// holder: properties, states, then regions followed by LOADING END. All
// phases pause while the player's outbound queue is clogged.
type phase struct {
	player uuid.UUID
	done   bool
}

func (p *phase) ShouldWork(s *Synchronizer) bool { return !s.out.IsClogged(p.player) }
func (p *phase) ShouldDrop(*Synchronizer) bool   { return p.done }

type propertiesTask struct {
	phase
	owners *linked.Iterator[*claims.Owner]
	head   bool
}

func newPropertiesTask(s *Synchronizer, id uuid.UUID) *propertiesTask {
	t := &propertiesTask{phase: phase{player: id}}
	if s.cfg.Mode == ModeAll {
		t.owners = s.store.Owners().Iter()
	}
	return t
}

func (t *propertiesTask) OnTick(s *Synchronizer, units int, spawn func(spreadoutTask)) {
	for ; units > 0 && !t.done; units-- {
		batch := make([]protocol.PropertiesEntry, 0, s.cfg.PropertiesPerPacket)
		if !t.head {
			t.head = true
			p, _ := s.store.Properties(t.player)
			batch = append(batch, propertiesEntry(t.player, p))
			if s.cfg.Mode == ModeOwnedOnly {
				if p, ok := s.store.Properties(claims.ServerOwner); ok {
					batch = append(batch, propertiesEntry(claims.ServerOwner, p))
				}
			}
		}
		for t.owners != nil && len(batch) < s.cfg.PropertiesPerPacket {
			o, ok := t.owners.Next()
			if !ok {
				t.owners = nil
				break
			}
			if o.ID() == t.player {
				continue
			}
			if p, ok := s.store.Properties(o.ID()); ok {
				batch = append(batch, propertiesEntry(o.ID(), p))
			}
		}
		if len(batch) > 0 {
			s.send(t.player, protocol.ClaimPropertiesMsg{
				Type:            protocol.TypeClaimProperties,
				ProtocolVersion: protocol.Version,
				Entries:         batch,
			})
		}
		if t.owners == nil {
			t.done = true
			if s.cfg.Mode == ModeDisabled {
				s.finishSync(t.player)
			} else {
				spawn(&statesTask{phase: phase{player: t.player}, states: s.store.States().Iter()})
			}
		}
	}
}

type statesTask struct {
	phase
	states *linked.Iterator[*claims.State]
}

func (t *statesTask) OnTick(s *Synchronizer, units int, spawn func(spreadoutTask)) {
	for ; units > 0 && !t.done; units-- {
		batch := make([]protocol.StateEntry, 0, s.cfg.StatesPerPacket)
		for scan := s.cfg.StatesPerPacket * scanFactor; scan > 0 && len(batch) < s.cfg.StatesPerPacket; scan-- {
			st, ok := t.states.Next()
			if !ok {
				t.done = true
				break
			}
			if s.allowed(t.player, st) {
				batch = append(batch, stateEntry(st))
			}
		}
		if len(batch) > 0 {
			s.send(t.player, protocol.ClaimStatesMsg{
				Type:            protocol.TypeClaimStates,
				ProtocolVersion: protocol.Version,
				States:          batch,
			})
		}
	}
	if t.done {
		spawn(&regionsTask{phase: phase{player: t.player}, dims: s.store.Dimensions()})
	}
}

type regionsTask struct {
	phase
	dims     []string
	next     int
	dim      string
	regions  *linked.Iterator[*claims.Region]
	prefixed bool
}

func (t *regionsTask) OnTick(s *Synchronizer, units int, _ func(spreadoutTask)) {
	for scan := units * scanFactor; units > 0 && scan > 0 && !t.done; {
		if t.regions == nil {
			if t.next >= len(t.dims) {
				t.done = true
				s.finishSync(t.player)
				return
			}
			t.dim = t.dims[t.next]
			t.next++
			d := s.store.Dimension(t.dim)
			if d == nil {
				continue
			}
			t.regions = d.Regions()
			t.prefixed = false
			continue
		}
		r, ok := t.regions.Next()
		if !ok {
			t.regions = nil
			continue
		}
		scan--
		msg, ok := s.regionMessage(t.player, r)
		if !ok {
			continue
		}
		if !t.prefixed {
			t.prefixed = true
			s.send(t.player, protocol.NewDimension(t.dim))
		}
		s.send(t.player, msg)
		units--
	}
}

// regionMessage builds the snapshot of r as seen by player. Under
// ModeOwnedOnly the palette is filtered to the states the player may see
// and regions with none of them are skipped.
func (s *Synchronizer) regionMessage(player uuid.UUID, r *claims.Region) (protocol.ClaimRegionMsg, bool) {
	if r.Destroyed() || r.IsEmpty() {
		return protocol.ClaimRegionMsg{}, false
	}
	var (
		palette []*claims.State
		bits    int
		words   []uint64
	)
	switch s.cfg.Mode {
	case ModeAll:
		palette, bits, words = r.Palette(), r.Bits(), r.Words()
	case ModeOwnedOnly:
		if !r.ContainsOwner(player) && !r.ContainsOwner(claims.ServerOwner) {
			return protocol.ClaimRegionMsg{}, false
		}
		f := r.Filter(func(st *claims.State) bool { return s.allowed(player, st) })
		if f.IsEmpty() {
			return protocol.ClaimRegionMsg{}, false
		}
		palette, bits, words = f.Values(), f.Bits(), f.Words()
	default:
		return protocol.ClaimRegionMsg{}, false
	}
	idx := make([]int32, len(palette))
	for i, st := range palette {
		idx[i] = st.SyncIndex()
	}
	return protocol.ClaimRegionMsg{
		Type:            protocol.TypeClaimRegion,
		ProtocolVersion: protocol.Version,
		X:               r.X(),
		Z:               r.Z(),
		Palette:         idx,
		Bits:            bits,
		Data:            protocol.PackWords(words),
	}, true
}
