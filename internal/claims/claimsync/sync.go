// Package claimsync decides which connected players receive which claim
// updates, and drives the full snapshot a player receives on login.
package claimsync

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chunkclaims.dev/internal/claims"
	"chunkclaims.dev/internal/protocol"
	"chunkclaims.dev/internal/spreadout"
)

// Mode selects what players are told about claims they do not own.
type Mode int

const (
	// ModeDisabled sends players only their own limits and properties.
	ModeDisabled Mode = iota
	// ModeOwnedOnly sends players their own and the server's claims.
	ModeOwnedOnly
	// ModeAll sends every claim to every player.
	ModeAll
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeOwnedOnly:
		return "owned_only"
	case ModeAll:
		return "all"
	}
	return "unknown"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled":
		return ModeDisabled, nil
	case "owned_only":
		return ModeOwnedOnly, nil
	case "all", "":
		return ModeAll, nil
	}
	return ModeAll, fmt.Errorf("unknown sync mode %q", s)
}

type Config struct {
	Mode Mode
	// RegionsPerTick and RegionsPerTickPerPlayer bound login snapshot work.
	// A unit is one region, or one properties/states message.
	RegionsPerTick          int
	RegionsPerTickPerPlayer int
	StatesPerPacket         int
	PropertiesPerPacket     int
}

func (c *Config) applyDefaults() {
	if c.RegionsPerTick <= 0 {
		c.RegionsPerTick = 1024
	}
	if c.RegionsPerTickPerPlayer <= 0 {
		c.RegionsPerTickPerPlayer = 16
	}
	if c.StatesPerPacket <= 0 {
		c.StatesPerPacket = 128
	}
	if c.PropertiesPerPacket <= 0 {
		c.PropertiesPerPacket = 64
	}
}

// Outbox is the paced per-player queue, normally a *lazypacket.Sender.
type Outbox interface {
	Enqueue(player uuid.UUID, b []byte) bool
	IsClogged(player uuid.UUID) bool
}

type player struct {
	id      uuid.UUID
	syncing bool
}

// Synchronizer is a claims.Listener. It must only be used from the world
// tick goroutine.
type Synchronizer struct {
	cfg    Config
	store  *claims.Manager
	limits claims.Limits
	out    Outbox
	log    *zap.Logger

	players     map[uuid.UUID]*player
	tasks       *spreadout.Handler[uuid.UUID, *Synchronizer]
	limitsDirty map[uuid.UUID]struct{}
}

var _ claims.Listener = (*Synchronizer)(nil)

// New creates a synchronizer and subscribes it to store.
func New(cfg Config, store *claims.Manager, limits claims.Limits, out Outbox, log *zap.Logger) *Synchronizer {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	s := &Synchronizer{
		cfg:         cfg,
		store:       store,
		limits:      limits,
		out:         out,
		log:         log,
		players:     map[uuid.UUID]*player{},
		limitsDirty: map[uuid.UUID]struct{}{},
	}
	s.tasks = spreadout.NewPerPlayer[uuid.UUID, *Synchronizer](spreadout.Limits{
		PerTick: cfg.RegionsPerTick,
		PerTask: cfg.RegionsPerTickPerPlayer,
	})
	store.AddListener(s)
	return s
}

func (s *Synchronizer) Mode() Mode { return s.cfg.Mode }

// Online reports whether the player is connected.
func (s *Synchronizer) Online(id uuid.UUID) bool { return s.players[id] != nil }

// Syncing reports whether the player's login snapshot is still in progress.
func (s *Synchronizer) Syncing(id uuid.UUID) bool {
	p := s.players[id]
	return p != nil && p.syncing
}

// Join registers a player and starts its full synchronisation.
func (s *Synchronizer) Join(id uuid.UUID) {
	if s.players[id] == nil {
		s.players[id] = &player{id: id}
		s.tasks.Register(id)
	}
	s.startSync(id)
}

// Leave forgets the player and cancels its pending sync work.
func (s *Synchronizer) Leave(id uuid.UUID) {
	delete(s.players, id)
	delete(s.limitsDirty, id)
	s.tasks.Remove(id)
}

// Resync restarts a player's full synchronisation from scratch.
func (s *Synchronizer) Resync(id uuid.UUID) {
	if s.players[id] == nil {
		return
	}
	s.tasks.Clear(id)
	s.startSync(id)
}

// OnLazyPacketsDropped cancels the player's in-flight snapshot. Everything
// queued for the player was discarded, so its view is repaired by a Resync
// once the player asks for one and the sender lets it back in.
func (s *Synchronizer) OnLazyPacketsDropped(id uuid.UUID, dropped int64) {
	p := s.players[id]
	if p == nil {
		return
	}
	s.tasks.Clear(id)
	p.syncing = false
	s.log.Info("lazy packets dropped", zap.Stringer("player", id), zap.Int64("bytes", dropped))
}

// Tick runs budgeted snapshot work and flushes pending limit updates.
func (s *Synchronizer) Tick() {
	s.tasks.Tick(s)
	for id := range s.limitsDirty {
		s.SendLimits(id)
	}
	clear(s.limitsDirty)
}

// SendLimits queues the player's current counts and limits.
func (s *Synchronizer) SendLimits(id uuid.UUID) {
	if s.players[id] == nil {
		return
	}
	n, f := s.store.OwnerCounts(id)
	s.send(id, protocol.ClaimLimitsMsg{
		Type:            protocol.TypeClaimLimits,
		ProtocolVersion: protocol.Version,
		Claims:          n,
		Forceloads:      f,
		MaxClaims:       s.limits.MaxClaims,
		MaxForceloads:   s.limits.MaxForceloads,
		MaxDistance:     s.limits.MaxDistance,
	})
}

func (s *Synchronizer) startSync(id uuid.UUID) {
	s.players[id].syncing = true
	s.send(id, protocol.NewLoading(protocol.LoadingStart))
	s.SendLimits(id)
	s.tasks.Add(id, newPropertiesTask(s, id))
}

func (s *Synchronizer) finishSync(id uuid.UUID) {
	s.send(id, protocol.NewLoading(protocol.LoadingEnd))
	if p := s.players[id]; p != nil {
		p.syncing = false
	}
}

func (s *Synchronizer) send(id uuid.UUID, msg any) {
	s.out.Enqueue(id, protocol.Marshal(msg))
}

func (s *Synchronizer) broadcast(msg any) {
	b := protocol.Marshal(msg)
	for id := range s.players {
		s.out.Enqueue(id, b)
	}
}

// sendToOwner sends to owner if online, or to everyone for the server owner.
func (s *Synchronizer) sendToOwner(owner uuid.UUID, msg any) {
	if owner == claims.ServerOwner {
		s.broadcast(msg)
		return
	}
	if s.players[owner] != nil {
		s.send(owner, msg)
	}
}

// allowed reports whether a player may see cells of state st.
func (s *Synchronizer) allowed(id uuid.UUID, st *claims.State) bool {
	switch s.cfg.Mode {
	case ModeAll:
		return true
	case ModeOwnedOnly:
		return st.OwnerID() == id || st.OwnerID() == claims.ServerOwner
	}
	return false
}

func stateEntry(st *claims.State) protocol.StateEntry {
	return protocol.StateEntry{
		PlayerID:  st.OwnerID().String(),
		Sub:       st.SubConfig(),
		Forceload: st.Forceloadable(),
		SyncIndex: st.SyncIndex(),
	}
}

func updateMsg(c claims.CellChange, st *claims.State) protocol.ClaimUpdateMsg {
	m := protocol.ClaimUpdateMsg{
		Type:            protocol.TypeClaimUpdate,
		ProtocolVersion: protocol.Version,
		Dim:             c.Dim,
		X:               c.X,
		Z:               c.Z,
	}
	if st != nil {
		m.PlayerID = st.OwnerID().String()
		m.Sub = st.SubConfig()
		m.Forceload = st.Forceloadable()
	}
	return m
}

func propertiesEntry(id uuid.UUID, p claims.Properties) protocol.PropertiesEntry {
	return protocol.PropertiesEntry{
		PlayerID:   id.String(),
		Username:   p.Username,
		ClaimsName: p.ClaimsName,
		Color:      p.Color,
	}
}

func (s *Synchronizer) markLimits(st *claims.State) {
	if st == nil {
		return
	}
	if id := st.OwnerID(); s.players[id] != nil {
		s.limitsDirty[id] = struct{}{}
	}
}

// CellChanged routes a chunk delta. Under ModeAll, or when the server owner
// is involved, everyone is told. Otherwise the old owner learns of the
// removal and the new owner of the addition.
func (s *Synchronizer) CellChanged(c claims.CellChange) {
	s.markLimits(c.Old)
	s.markLimits(c.New)
	if s.cfg.Mode == ModeDisabled {
		return
	}
	oldServer := c.Old != nil && c.Old.OwnerID() == claims.ServerOwner
	newServer := c.New != nil && c.New.OwnerID() == claims.ServerOwner
	if s.cfg.Mode == ModeAll || oldServer || newServer {
		s.broadcast(updateMsg(c, c.New))
		return
	}
	if c.New != nil && c.Old != nil && c.New.OwnerID() == c.Old.OwnerID() {
		s.sendToOwner(c.New.OwnerID(), updateMsg(c, c.New))
		return
	}
	if c.Old != nil {
		s.sendToOwner(c.Old.OwnerID(), updateMsg(c, nil))
	}
	if c.New != nil {
		s.sendToOwner(c.New.OwnerID(), updateMsg(c, c.New))
	}
}

// StateCreated announces new states before any cell can reference them.
func (s *Synchronizer) StateCreated(st *claims.State) {
	msg := protocol.ClaimStatesMsg{
		Type:            protocol.TypeClaimStates,
		ProtocolVersion: protocol.Version,
		States:          []protocol.StateEntry{stateEntry(st)},
	}
	switch s.cfg.Mode {
	case ModeAll:
		s.broadcast(msg)
	case ModeOwnedOnly:
		s.sendToOwner(st.OwnerID(), msg)
	}
}

func (s *Synchronizer) StateRemoved(st *claims.State) {
	msg := protocol.RemoveClaimStateMsg{
		Type:            protocol.TypeRemoveClaimState,
		ProtocolVersion: protocol.Version,
		SyncIndex:       st.SyncIndex(),
	}
	switch s.cfg.Mode {
	case ModeAll:
		s.broadcast(msg)
	case ModeOwnedOnly:
		s.sendToOwner(st.OwnerID(), msg)
	}
}

func (s *Synchronizer) RegionEmptied(string, int32, int32) {}

func (s *Synchronizer) PropertiesChanged(owner uuid.UUID, p claims.Properties) {
	msg := protocol.ClaimPropertiesMsg{
		Type:            protocol.TypeClaimProperties,
		ProtocolVersion: protocol.Version,
		Entries:         []protocol.PropertiesEntry{propertiesEntry(owner, p)},
	}
	switch s.cfg.Mode {
	case ModeAll:
		s.broadcast(msg)
	case ModeOwnedOnly:
		s.sendToOwner(owner, msg)
	default:
		if s.players[owner] != nil {
			s.send(owner, msg)
		}
	}
}
