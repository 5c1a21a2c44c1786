package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"chunkclaims.dev/internal/claims"
	"chunkclaims.dev/internal/claims/claimsync"
	"chunkclaims.dev/internal/lazypacket"
	"chunkclaims.dev/internal/persistence/indexdb"
	persistlog "chunkclaims.dev/internal/persistence/log"
	"chunkclaims.dev/internal/sim/tuning"
	"chunkclaims.dev/internal/sim/world"
	"chunkclaims.dev/internal/spreadout"
	"chunkclaims.dev/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/claims.yaml", "path to claims.yaml")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		dev        = flag.Bool("dev", false, "human readable debug logging")
	)
	flag.Parse()

	logger, err := newLogger(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	tune, err := tuning.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatal("load config", zap.String("path", *configPath), zap.Error(err))
		}
		logger.Warn("config not found; using defaults", zap.String("path", *configPath))
		tune = tuning.Defaults()
	}
	cfg, err := worldConfig(tune)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatal("data dir", zap.Error(err))
	}
	idx, err := indexdb.OpenSQLite(filepath.Join(*dataDir, "claims.sqlite"), logger.Named("indexdb"))
	if err != nil {
		logger.Fatal("open index", zap.Error(err))
	}
	defer func() { _ = idx.Close() }()
	if err := idx.UpsertTuning(tune); err != nil {
		logger.Warn("record tuning", zap.Error(err))
	}

	w := world.New(cfg, logger.Named("world"))
	w.SetBlobStore(idx)

	loadCtx, loadCancel := context.WithTimeout(context.Background(), time.Minute)
	blobs, err := idx.LoadOwners(loadCtx)
	loadCancel()
	if err != nil {
		logger.Fatal("load owners", zap.Error(err))
	}
	owners, chunks, err := w.Load(blobs)
	if err != nil {
		logger.Fatal("restore owners", zap.Error(err))
	}
	logger.Info("claims loaded", zap.Int("owners", owners), zap.Int("chunks", chunks))

	auditLog := persistlog.NewAuditLogger(*dataDir)
	defer func() { _ = auditLog.Close() }()
	w.SetAuditLogger(persistlog.MultiAudit{auditLog, idx})

	ctx, cancel := signalContext()
	defer cancel()

	worldDone := make(chan struct{})
	go func() {
		defer close(worldDone)
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("world stopped", zap.Error(err))
		}
	}()

	wsSrv := ws.NewServer(w, ws.Config{}, logger.Named("ws"))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, w.Metrics(), idx.Stats(), wsSrv)
	})
	mux.HandleFunc("/admin/v1/audit", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		q := r.URL.Query()
		x, errX := strconv.ParseInt(q.Get("x"), 10, 32)
		z, errZ := strconv.ParseInt(q.Get("z"), 10, 32)
		dim := strings.TrimSpace(q.Get("dim"))
		if errX != nil || errZ != nil || dim == "" {
			http.Error(rw, "dim, x and z are required", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(q.Get("limit"))
		entries, err := idx.AuditsAt(r.Context(), dim, int32(x), int32(z), limit)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(entries)
	})
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info("listening", zap.String("addr", *addr), zap.String("sync_mode", cfg.Sync.Mode.String()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("ListenAndServe", zap.Error(err))
	}

	// The world performs its final save on the way out; the index must
	// still be open for it.
	<-worldDone
	logger.Info("shutdown complete")
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// worldConfig maps the file configuration onto the world.
func worldConfig(t tuning.Tuning) (world.WorldConfig, error) {
	mode, err := claimsync.ParseMode(t.Sync.Mode)
	if err != nil {
		return world.WorldConfig{}, err
	}
	return world.WorldConfig{
		TickRateHz:   t.World.TickRateHz,
		SaveInterval: t.World.SaveInterval,
		Sync: claimsync.Config{
			Mode:                    mode,
			RegionsPerTick:          t.Sync.RegionsPerTick,
			RegionsPerTickPerPlayer: t.Sync.RegionsPerTickPerPlayer,
			StatesPerPacket:         t.Sync.StatesPerPacket,
			PropertiesPerPacket:     t.Sync.PropertiesPerTickPerPlayer,
		},
		Replication: lazypacket.Config{
			BytesPerTick:         t.Replication.BytesPerTick,
			Capacity:             t.Replication.CapacityBytes,
			SpeedUpAtOccupancy:   t.Replication.SpeedUpAtOccupancy,
			BytesPerConfirmation: t.Replication.BytesPerConfirmation,
			ConfirmationTimeout:  t.Replication.ConfirmationTimeout,
			CloggedAfter:         t.Replication.CloggedAfter,
			ReviveCooldown:       t.Replication.ReviveCooldown,
		},
		Limits: claims.Limits{
			Disabled:            t.Claims.Disabled,
			MaxClaims:           t.Claims.MaxClaims,
			MaxForceloads:       t.Claims.MaxForceloads,
			MaxDistance:         t.Claims.MaxClaimDistance,
			MaxArea:             t.Claims.MaxAreaRequest,
			ClaimableDimensions: t.Claims.ClaimableDimensions,
		},
		Replace: spreadout.Limits{
			PerTick: t.Replacement.PerTick,
			PerTask: t.Replacement.PerTaskPerTick,
		},
		Expiration: world.ExpirationConfig{
			After:         time.Duration(t.Claims.ExpirationHours) * time.Hour,
			CheckInterval: t.Claims.ExpirationCheckInterval,
			Convert:       t.Claims.ConvertExpired,
		},
	}, nil
}

type connStats interface {
	Connections() int64
	Rejects() uint64
}

// writeMetrics renders the minimal Prometheus exposition format.
func writeMetrics(rw http.ResponseWriter, m world.WorldMetrics, idx indexdb.Stats, conns connStats) {
	fmt.Fprintf(rw, "# HELP chunkclaims_world_tick Current world tick.\n")
	fmt.Fprintf(rw, "# TYPE chunkclaims_world_tick gauge\n")
	fmt.Fprintf(rw, "chunkclaims_world_tick %d\n", m.Tick)

	fmt.Fprintf(rw, "# HELP chunkclaims_players Connected players.\n")
	fmt.Fprintf(rw, "# TYPE chunkclaims_players gauge\n")
	fmt.Fprintf(rw, "chunkclaims_players %d\n", m.Players)

	fmt.Fprintf(rw, "# HELP chunkclaims_live Live objects in the claim store.\n")
	fmt.Fprintf(rw, "# TYPE chunkclaims_live gauge\n")
	fmt.Fprintf(rw, "chunkclaims_live{kind=%q} %d\n", "claim_states", m.ClaimStates)
	fmt.Fprintf(rw, "chunkclaims_live{kind=%q} %d\n", "regions", m.Regions)
	fmt.Fprintf(rw, "chunkclaims_live{kind=%q} %d\n", "owners", m.Owners)

	fmt.Fprintf(rw, "# HELP chunkclaims_dirty_owners Owners waiting for the next save.\n")
	fmt.Fprintf(rw, "# TYPE chunkclaims_dirty_owners gauge\n")
	fmt.Fprintf(rw, "chunkclaims_dirty_owners %d\n", m.DirtyOwners)

	fmt.Fprintf(rw, "# HELP chunkclaims_lazy_queued_bytes Bytes waiting in paced send queues.\n")
	fmt.Fprintf(rw, "# TYPE chunkclaims_lazy_queued_bytes gauge\n")
	fmt.Fprintf(rw, "chunkclaims_lazy_queued_bytes %d\n", m.LazyQueuedBytes)

	fmt.Fprintf(rw, "# HELP chunkclaims_lazy_sent_bytes_total Bytes released by the paced sender.\n")
	fmt.Fprintf(rw, "# TYPE chunkclaims_lazy_sent_bytes_total counter\n")
	fmt.Fprintf(rw, "chunkclaims_lazy_sent_bytes_total %d\n", m.LazySentBytes)

	fmt.Fprintf(rw, "# HELP chunkclaims_lazy_dropped_total Client queues dropped for not confirming.\n")
	fmt.Fprintf(rw, "# TYPE chunkclaims_lazy_dropped_total counter\n")
	fmt.Fprintf(rw, "chunkclaims_lazy_dropped_total %d\n", m.LazyDroppedTotal)

	fmt.Fprintf(rw, "# HELP chunkclaims_world_queue_depth Channel backlog depth.\n")
	fmt.Fprintf(rw, "# TYPE chunkclaims_world_queue_depth gauge\n")
	fmt.Fprintf(rw, "chunkclaims_world_queue_depth{queue=%q} %d\n", "inbox", m.QueueDepths.Inbox)
	fmt.Fprintf(rw, "chunkclaims_world_queue_depth{queue=%q} %d\n", "join", m.QueueDepths.Join)
	fmt.Fprintf(rw, "chunkclaims_world_queue_depth{queue=%q} %d\n", "leave", m.QueueDepths.Leave)
	fmt.Fprintf(rw, "chunkclaims_world_queue_depth{queue=%q} %d\n", "index", idx.QueueDepth)

	fmt.Fprintf(rw, "# HELP chunkclaims_world_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE chunkclaims_world_step_ms gauge\n")
	fmt.Fprintf(rw, "chunkclaims_world_step_ms %.3f\n", m.StepMS)

	fmt.Fprintf(rw, "# HELP chunkclaims_index_total Index writer outcomes.\n")
	fmt.Fprintf(rw, "# TYPE chunkclaims_index_total counter\n")
	fmt.Fprintf(rw, "chunkclaims_index_total{event=%q} %d\n", "audit_dropped", idx.DropAuditTotal)
	fmt.Fprintf(rw, "chunkclaims_index_total{event=%q} %d\n", "save_dropped", idx.DropSaveTotal)
	fmt.Fprintf(rw, "chunkclaims_index_total{event=%q} %d\n", "save_failed", idx.SaveFailTotal)
	fmt.Fprintf(rw, "chunkclaims_index_total{event=%q} %d\n", "owners_saved", idx.SavedTotal)

	if conns != nil {
		fmt.Fprintf(rw, "# HELP chunkclaims_ws_connections Open websocket sessions.\n")
		fmt.Fprintf(rw, "# TYPE chunkclaims_ws_connections gauge\n")
		fmt.Fprintf(rw, "chunkclaims_ws_connections %d\n", conns.Connections())

		fmt.Fprintf(rw, "# HELP chunkclaims_ws_rejected_total Inbound frames rejected.\n")
		fmt.Fprintf(rw, "# TYPE chunkclaims_ws_rejected_total counter\n")
		fmt.Fprintf(rw, "chunkclaims_ws_rejected_total %d\n", conns.Rejects())
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
