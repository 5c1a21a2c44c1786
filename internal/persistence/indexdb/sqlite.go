package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"chunkclaims.dev/internal/persistence/snapshot"
	"chunkclaims.dev/internal/sim/tuning"
	"chunkclaims.dev/internal/sim/world"
)

var (
	ErrClosed    = errors.New("indexdb: closed")
	ErrQueueFull = errors.New("indexdb: queue full")
)

// SQLiteIndex stores owner claim blobs and an audit index in sqlite. All
// writes go through one I/O goroutine; callers never block on disk.
type SQLiteIndex struct {
	db  *sql.DB
	log *zap.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropAuditTotal atomic.Uint64
	dropSaveTotal  atomic.Uint64
	saveFailTotal  atomic.Uint64
	savedTotal     atomic.Uint64
}

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqSave
)

type req struct {
	kind reqKind

	audit world.AuditEntry
	blobs []snapshot.Blob
	done  chan error
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropAuditTotal uint64
	DropSaveTotal  uint64
	SaveFailTotal  uint64
	SavedTotal     uint64
}

func OpenSQLite(path string, logger *zap.Logger) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragmas: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}

	s := &SQLiteIndex{
		db:  db,
		log: logger,
		// Area claims emit one audit row per chunk.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS owner_claims (
			owner TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			data BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			actor TEXT NOT NULL,
			dim TEXT NOT NULL,
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			from_owner TEXT NOT NULL,
			to_owner TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_pos_tick ON audits(dim, x, z, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor_tick ON audits(actor, tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropAuditTotal: s.dropAuditTotal.Load(),
		DropSaveTotal:  s.dropSaveTotal.Load(),
		SaveFailTotal:  s.saveFailTotal.Load(),
		SavedTotal:     s.savedTotal.Load(),
	}
}

// WriteAudit queues an audit row. Rows are dropped when the writer falls
// behind; the JSONL audit log remains the source of truth.
func (s *SQLiteIndex) WriteAudit(entry world.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: entry}:
	default:
		s.dropAuditTotal.Add(1)
	}
	return nil
}

// SaveOwners queues owner blobs for an upsert; an empty blob deletes the
// owner row. The returned channel yields exactly one result.
func (s *SQLiteIndex) SaveOwners(blobs []snapshot.Blob) <-chan error {
	done := make(chan error, 1)
	if s == nil || s.closed.Load() {
		done <- ErrClosed
		return done
	}
	select {
	case s.ch <- req{kind: reqSave, blobs: blobs, done: done}:
	default:
		s.dropSaveTotal.Add(1)
		done <- ErrQueueFull
	}
	return done
}

// LoadOwners returns every stored owner blob ordered by owner id.
func (s *SQLiteIndex) LoadOwners(ctx context.Context) ([]snapshot.Blob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT owner, version, data FROM owner_claims ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("load owners: %w", err)
	}
	defer rows.Close()

	var out []snapshot.Blob
	for rows.Next() {
		var (
			b       snapshot.Blob
			version int
		)
		if err := rows.Scan(&b.Owner, &version, &b.Data); err != nil {
			return nil, fmt.Errorf("load owners: %w", err)
		}
		if version != snapshot.Version {
			return nil, fmt.Errorf("load owners: %s has version %d", b.Owner, version)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load owners: %w", err)
	}
	return out, nil
}

// AuditsAt returns the newest audit entries for one chunk, newest first.
func (s *SQLiteIndex) AuditsAt(ctx context.Context, dim string, x, z int32, limit int) ([]world.AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT raw_json FROM audits WHERE dim=? AND x=? AND z=? ORDER BY tick DESC, seq DESC LIMIT ?`,
		dim, x, z, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []world.AuditEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e world.AuditEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertTuning records the configuration the server runs with, keyed by
// the digest of its canonical JSON.
func (s *SQLiteIndex) UpsertTuning(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for k, v := range map[string]string{
		"tuning":            string(b),
		"tuning_digest":     hex.EncodeToString(sum[:]),
		"tuning_updated_at": now,
	} {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(tick,seq,actor,dim,x,z,from_owner,to_owner,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertAudit != nil {
			_ = insertAudit.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastAuditTick uint64
		auditSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.log.Warn("begin tx", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() error {
		if tx == nil {
			return nil
		}
		err := tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
		return err
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			if err := commit(); err != nil {
				s.log.Warn("commit audits", zap.Error(err))
			}
		}
	}

	for r := range s.ch {
		switch r.kind {
		case reqAudit:
			begin()
			if tx == nil || insertAudit == nil {
				continue
			}
			a := r.audit
			if a.Tick != lastAuditTick {
				lastAuditTick = a.Tick
				auditSeq = 0
			}
			seq := auditSeq
			auditSeq++
			raw, _ := json.Marshal(a)
			if _, err := tx.Stmt(insertAudit).Exec(int64(a.Tick), seq, a.Actor, a.Dim, a.X, a.Z, a.From, a.To, string(raw)); err != nil {
				rollback()
				continue
			}
			opCount++
			flushIfNeeded()

		case reqSave:
			// Saves are durable on their own; pending audits go first.
			if err := commit(); err != nil {
				s.log.Warn("commit audits", zap.Error(err))
			}
			err := s.saveOwners(ctx, r.blobs)
			if err != nil {
				s.saveFailTotal.Add(1)
				s.log.Error("save owners", zap.Int("owners", len(r.blobs)), zap.Error(err))
			} else {
				s.savedTotal.Add(uint64(len(r.blobs)))
			}
			r.done <- err
		}
	}

	_ = commit()
}

func (s *SQLiteIndex) saveOwners(ctx context.Context, blobs []snapshot.Blob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, b := range blobs {
		if len(b.Data) == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM owner_claims WHERE owner=?`, b.Owner); err != nil {
				return fmt.Errorf("delete %s: %w", b.Owner, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO owner_claims(owner,version,data,updated_at) VALUES(?,?,?,?)`,
			b.Owner, snapshot.Version, b.Data, now); err != nil {
			return fmt.Errorf("upsert %s: %w", b.Owner, err)
		}
	}
	return tx.Commit()
}
