package world

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chunkclaims.dev/internal/persistence/snapshot"
)

// maybeSave collects the pending save result and starts the next one once
// the save interval elapsed. Only one save is in flight at a time.
func (w *World) maybeSave(now time.Time) {
	if w.pendingSave != nil {
		select {
		case err := <-w.pendingSave:
			w.finishSave(err)
		default:
			return
		}
	}
	if w.blobs == nil || len(w.dirty) == 0 || now.Sub(w.lastSave) < w.cfg.SaveInterval {
		return
	}
	w.startSave(now)
}

func (w *World) startSave(now time.Time) {
	blobs := make([]snapshot.Blob, 0, len(w.dirty))
	ids := make([]uuid.UUID, 0, len(w.dirty))
	for id := range w.dirty {
		b, err := snapshot.CaptureBlob(w.store, id)
		if err != nil {
			w.log.Error("encode owner", zap.Stringer("owner", id), zap.Error(err))
			continue
		}
		blobs = append(blobs, b)
		ids = append(ids, id)
	}
	for _, id := range ids {
		delete(w.dirty, id)
	}
	w.saveBatch = ids
	w.lastSave = now
	w.pendingSave = w.blobs.SaveOwners(blobs)
}

// finishSave puts the owners of a failed save back into the dirty set.
func (w *World) finishSave(err error) {
	if err != nil {
		w.log.Error("save owners", zap.Int("owners", len(w.saveBatch)), zap.Error(err))
		for _, id := range w.saveBatch {
			w.dirty[id] = struct{}{}
		}
	}
	w.pendingSave = nil
	w.saveBatch = nil
}

// SaveNow writes every dirty owner and blocks until the store confirms.
// It must be called from the loop goroutine, or before Run.
func (w *World) SaveNow() error {
	if w.blobs == nil {
		return nil
	}
	if w.pendingSave != nil {
		w.finishSave(<-w.pendingSave)
	}
	if len(w.dirty) == 0 {
		return nil
	}
	w.startSave(time.Now())
	err := <-w.pendingSave
	w.finishSave(err)
	return err
}

// DirtyOwners is the number of owners changed since their last save.
func (w *World) DirtyOwners() int { return len(w.dirty) }

// Load replays persisted owners into the store. Call it before Run; the
// replay is neither audited nor marked dirty.
func (w *World) Load(blobs []snapshot.Blob) (owners, chunks int, err error) {
	audit := w.auditLogger
	w.auditLogger = nil
	defer func() {
		w.auditLogger = audit
		clear(w.dirty)
	}()
	return snapshot.RestoreBlobs(w.store, blobs)
}
