package world

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chunkclaims.dev/internal/claims"
)

var _ claims.Listener = (*World)(nil)

// CellChanged marks both owners for saving and writes the audit entry.
func (w *World) CellChanged(c claims.CellChange) {
	e := AuditEntry{Tick: w.tick.Load(), Dim: c.Dim, X: c.X, Z: c.Z}
	if w.hasActor {
		e.Actor = w.actor.String()
	}
	if c.Old != nil {
		w.dirty[c.Old.OwnerID()] = struct{}{}
		e.From = c.Old.OwnerID().String()
		e.FromSub = c.Old.SubConfig()
		e.FromForceload = c.Old.Forceloadable()
	}
	if c.New != nil {
		w.dirty[c.New.OwnerID()] = struct{}{}
		e.To = c.New.OwnerID().String()
		e.Sub = c.New.SubConfig()
		e.Forceload = c.New.Forceloadable()
	}
	if w.auditLogger != nil {
		if err := w.auditLogger.WriteAudit(e); err != nil {
			w.log.Warn("audit write failed", zap.Error(err))
		}
	}
}

func (w *World) StateCreated(*claims.State)         {}
func (w *World) StateRemoved(*claims.State)         {}
func (w *World) RegionEmptied(string, int32, int32) {}
func (w *World) PropertiesChanged(owner uuid.UUID, _ claims.Properties) {
	w.dirty[owner] = struct{}{}
}
