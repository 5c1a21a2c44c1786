package world

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chunkclaims.dev/internal/claims"
)

func (w *World) touch(id uuid.UUID) {
	w.store.Touch(id, w.now())
	w.dirty[id] = struct{}{}
}

func matchAll(claims.StateKey) bool { return true }

// maybeExpire queues a replacement task for every offline owner whose last
// activity is older than Expiration.After. Owners with no recorded activity
// start their clock now.
func (w *World) maybeExpire(now time.Time) {
	e := w.cfg.Expiration
	if e.After <= 0 || (!w.lastExpiryCheck.IsZero() && now.Sub(w.lastExpiryCheck) < e.CheckInterval) {
		return
	}
	w.lastExpiryCheck = now

	var with *claims.StateKey
	if e.Convert {
		with = &claims.StateKey{Owner: claims.ExpiredOwner}
	}
	var expired int
	for it := w.store.Owners().Iter(); ; {
		o, ok := it.Next()
		if !ok {
			break
		}
		id := o.ID()
		if claims.IsReserved(id) || w.clients[id] != nil || w.store.PendingReplacements(id) > 0 {
			continue
		}
		seen, ok := w.store.LastSeen(id)
		if !ok {
			w.store.Touch(id, now)
			w.dirty[id] = struct{}{}
			continue
		}
		if now.Sub(seen) <= e.After {
			continue
		}
		expired++
		w.log.Info("owner claims expired",
			zap.Stringer("owner", id),
			zap.Int("chunks", o.Count()),
			zap.Duration("inactive", now.Sub(seen)),
			zap.Bool("convert", e.Convert))
		w.store.EnqueueReplacementTask(id, matchAll, with, func(r claims.ReplaceResult, n int) {
			w.log.Info("expired claims replaced", zap.Stringer("owner", id), zap.Stringer("result", r), zap.Int("chunks", n))
		})
	}
	if expired > 0 {
		w.log.Info("expiration check", zap.Int("owners", expired))
	}
}
