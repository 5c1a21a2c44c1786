package world

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chunkclaims.dev/internal/claims"
	"chunkclaims.dev/internal/claims/claimsync"
	"chunkclaims.dev/internal/lazypacket"
	"chunkclaims.dev/internal/persistence/snapshot"
	"chunkclaims.dev/internal/protocol"
	"chunkclaims.dev/internal/spreadout"
)

type WorldConfig struct {
	TickRateHz   int
	SaveInterval time.Duration

	Sync        claimsync.Config
	Replication lazypacket.Config
	Limits      claims.Limits
	Replace     spreadout.Limits
	Expiration  ExpirationConfig
}

// ExpirationConfig controls the expiry of inactive owners' claims. A zero
// After disables it.
type ExpirationConfig struct {
	After         time.Duration
	CheckInterval time.Duration
	// Convert hands expired chunks to claims.ExpiredOwner instead of
	// unclaiming them.
	Convert bool
}

type JoinRequest struct {
	PlayerID    uuid.UUID
	Name        string
	ClaimsName  string
	ClaimsColor int32
	Out         chan []byte
	Resp        chan JoinResponse
}

// JoinResponse carries either a welcome or a rejection.
type JoinResponse struct {
	Welcome protocol.WelcomeMsg
	Error   *protocol.ErrorMsg
}

// Envelope is a decoded client message: protocol.ConfirmMsg,
// protocol.ResyncMsg or protocol.ClaimActionMsg.
type Envelope struct {
	PlayerID uuid.UUID
	Msg      any
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

// AuditEntry records one chunk ownership change. Actor is empty for changes
// not caused by a player request, such as replacement tasks.
type AuditEntry struct {
	Tick  uint64 `json:"tick"`
	Actor string `json:"actor,omitempty"`
	Dim   string `json:"dim"`
	X     int32  `json:"x"`
	Z     int32  `json:"z"`

	From          string `json:"from,omitempty"`
	FromSub       int32  `json:"from_sub,omitempty"`
	FromForceload bool   `json:"from_forceload,omitempty"`

	To        string `json:"to,omitempty"`
	Sub       int32  `json:"sub,omitempty"`
	Forceload bool   `json:"forceload,omitempty"`
}

// BlobStore persists owner blobs off the tick goroutine. The returned
// channel yields the outcome once the write finished.
type BlobStore interface {
	SaveOwners(blobs []snapshot.Blob) <-chan error
}

type client struct {
	out     chan []byte
	name    string
	stalled bool
}

// World is the single-threaded owner of the claim store and everything
// replicating it. All state must be accessed only from the world loop
// goroutine.
type World struct {
	cfg WorldConfig
	log *zap.Logger

	tick atomic.Uint64

	store   *claims.Manager
	actions *claims.Actions
	sender  *lazypacket.Sender
	sync    *claimsync.Synchronizer

	clients map[uuid.UUID]*client

	inbox chan Envelope
	join  chan JoinRequest
	leave chan uuid.UUID
	stop  chan struct{}
	done  chan struct{}

	auditLogger AuditLogger
	blobs       BlobStore

	actor    uuid.UUID
	hasActor bool

	dirty       map[uuid.UUID]struct{}
	lastSave    time.Time
	pendingSave <-chan error
	saveBatch   []uuid.UUID

	now             func() time.Time
	lastExpiryCheck time.Time

	metrics atomic.Value
}

func New(cfg WorldConfig, logger *zap.Logger) *World {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 20
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &World{
		cfg:     cfg,
		log:     logger,
		store:   claims.NewManager(cfg.Replace),
		clients: map[uuid.UUID]*client{},
		inbox:   make(chan Envelope, 4096),
		join:    make(chan JoinRequest, 256),
		leave:   make(chan uuid.UUID, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		dirty:   map[uuid.UUID]struct{}{},
		now:     time.Now,
	}
	w.actions = claims.NewActions(w.store, cfg.Limits)
	w.sender = lazypacket.NewSender(cfg.Replication, w.deliver, protocol.Marshal(protocol.NewRequestConfirm()))
	w.sync = claimsync.New(cfg.Sync, w.store, cfg.Limits, w.sender, logger)
	w.sender.OnDropped(w.sync.OnLazyPacketsDropped)
	w.store.AddListener(w)
	w.lastSave = time.Now()
	return w
}

func (w *World) Inbox() chan<- Envelope       { return w.inbox }
func (w *World) Join() chan<- JoinRequest     { return w.join }
func (w *World) Leave() chan<- uuid.UUID      { return w.leave }
func (w *World) CurrentTick() uint64          { return w.tick.Load() }
func (w *World) Store() *claims.Manager       { return w.store }
func (w *World) TickRateHz() int              { return w.cfg.TickRateHz }
func (w *World) SetAuditLogger(l AuditLogger) { w.auditLogger = l }
func (w *World) SetBlobStore(s BlobStore)     { w.blobs = s }

// SetClock replaces the wall clock used for owner activity and expiry.
func (w *World) SetClock(now func() time.Time) { w.now = now }

// Done is closed once Run has returned and nothing reads the request
// channels any more.
func (w *World) Done() <-chan struct{} { return w.done }
