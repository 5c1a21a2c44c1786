package world

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chunkclaims.dev/internal/claims"
	"chunkclaims.dev/internal/lazypacket"
	"chunkclaims.dev/internal/protocol"
)

func (w *World) Run(ctx context.Context) error {
	defer close(w.done)
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingActions []Envelope
	var pendingJoins []JoinRequest
	var pendingLeaves []uuid.UUID

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return ctx.Err()
		case <-w.stop:
			w.shutdown()
			return nil
		case req := <-w.join:
			pendingJoins = append(pendingJoins, req)
		case id := <-w.leave:
			pendingLeaves = append(pendingLeaves, id)
		case env := <-w.inbox:
			pendingActions = append(pendingActions, env)
		case <-ticker.C:
			w.step(pendingJoins, pendingLeaves, pendingActions)
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingActions = pendingActions[:0]
		}
	}
}

func (w *World) Stop() { close(w.stop) }

// step advances one tick: leaves, joins, client messages, replacement
// work, login sync work, then the paced send.
func (w *World) step(joins []JoinRequest, leaves []uuid.UUID, actions []Envelope) {
	start := time.Now()

	for _, id := range leaves {
		w.handleLeave(id)
	}
	for _, req := range joins {
		resp := w.handleJoin(req)
		if req.Resp != nil {
			req.Resp <- resp
		}
	}
	for _, env := range actions {
		if w.clients[env.PlayerID] == nil {
			continue
		}
		w.handleMessage(env.PlayerID, env.Msg)
	}

	w.maybeExpire(w.now())
	w.store.Tick()
	w.sync.Tick()
	w.sender.Tick()
	w.repairStalled()
	w.maybeSave(start)

	w.tick.Add(1)
	w.publishMetrics(time.Since(start))
}

func (w *World) handleJoin(req JoinRequest) JoinResponse {
	if claims.IsReserved(req.PlayerID) {
		e := protocol.NewError(protocol.ErrBadRequest, "reserved player id")
		return JoinResponse{Error: &e}
	}
	if w.clients[req.PlayerID] != nil {
		e := protocol.NewError(protocol.ErrAlreadyConnected, "player already connected")
		return JoinResponse{Error: &e}
	}
	w.clients[req.PlayerID] = &client{out: req.Out, name: req.Name}
	w.sender.Add(req.PlayerID)
	w.touch(req.PlayerID)

	props, _ := w.store.Properties(req.PlayerID)
	props.Username = req.Name
	if req.ClaimsName != "" {
		props.ClaimsName = req.ClaimsName
	}
	if req.ClaimsColor != 0 {
		props.Color = req.ClaimsColor
	}
	w.store.SetProperties(req.PlayerID, props)
	w.sync.Join(req.PlayerID)

	w.log.Info("player joined", zap.Stringer("player", req.PlayerID), zap.String("name", req.Name))
	return JoinResponse{Welcome: protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		PlayerID:        req.PlayerID.String(),
		SyncMode:        w.sync.Mode().String(),
		TickRateHz:      w.cfg.TickRateHz,
		MaxAreaRequest:  w.cfg.Limits.MaxArea,
	}}
}

func (w *World) handleLeave(id uuid.UUID) {
	if w.clients[id] == nil {
		return
	}
	delete(w.clients, id)
	w.touch(id)
	w.sync.Leave(id)
	w.sender.Remove(id)
	w.log.Info("player left", zap.Stringer("player", id))
}

func (w *World) handleMessage(id uuid.UUID, msg any) {
	switch m := msg.(type) {
	case protocol.ConfirmMsg:
		w.sender.OnConfirmation(id)
	case protocol.ResyncMsg:
		dropped := w.sender.State(id) == lazypacket.Dropped
		if !w.sender.Revive(id) {
			e := protocol.NewError(protocol.ErrRateLimit, "resync cooling down after drop")
			w.deliver(id, protocol.Marshal(e))
			return
		}
		if dropped {
			w.log.Info("player revived after drop", zap.Stringer("player", id))
		}
		w.sync.Resync(id)
	case protocol.ClaimActionMsg:
		w.handleClaimAction(id, m)
	}
}

func (w *World) handleClaimAction(id uuid.UUID, m protocol.ClaimActionMsg) {
	req := claims.Request{
		Action: claims.Action(m.Action),
		Dim:    m.Dim,
		X:      m.X,
		Z:      m.Z,
		Sub:    m.Sub,
		FromX:  m.FromX,
		FromZ:  m.FromZ,
	}
	w.actor, w.hasActor = id, true
	var results []claims.CellResult
	if m.IsArea() {
		req.X2, req.Z2 = *m.X2, *m.Z2
		results = w.actions.TryArea(id, req)
	} else {
		results = []claims.CellResult{{X: m.X, Z: m.Z, Result: w.actions.Try(id, req)}}
	}
	w.hasActor = false

	out := protocol.ClaimResultMsg{
		Type:            protocol.TypeClaimResult,
		ProtocolVersion: protocol.Version,
		ID:              m.ID,
		Results:         make([]protocol.CellResult, len(results)),
	}
	for i, r := range results {
		out.Results[i] = protocol.CellResult{X: r.X, Z: r.Z, Result: string(r.Result)}
	}
	w.deliver(id, protocol.Marshal(out))
}

// deliver hands a frame to the connection writer. A full connection queue
// loses the frame, so the player is resynchronised once it drains.
func (w *World) deliver(id uuid.UUID, b []byte) {
	c := w.clients[id]
	if c == nil {
		return
	}
	select {
	case c.out <- b:
	default:
		if !c.stalled {
			c.stalled = true
			w.log.Warn("connection queue full", zap.Stringer("player", id))
		}
	}
}

func (w *World) repairStalled() {
	for id, c := range w.clients {
		if c.stalled && len(c.out) < cap(c.out)/2 {
			c.stalled = false
			w.sync.Resync(id)
		}
	}
}

func (w *World) shutdown() {
	if err := w.SaveNow(); err != nil {
		w.log.Error("final save failed", zap.Error(err))
	}
}
