package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/profile"
	"golang.org/x/sync/errgroup"

	persistlog "appworld.ai/internal/persistence/log"
	"appworld.ai/internal/persistence/snapshot"
	"appworld.ai/internal/sim/asset"
	"appworld.ai/internal/sim/blueprint"
	"appworld.ai/internal/sim/script"
	"appworld.ai/internal/sim/tuning"
	"appworld.ai/internal/sim/world"
	"appworld.ai/internal/transport/observer"
	"appworld.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "world_1", "world id")
		configDir  = flag.String("configs", "./configs", "config directory (tuning.yaml, blueprints.yaml)")
		assetDir   = flag.String("assets", "./assets", "asset directory served to the loader")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index (audits, blueprint versions, snapshot metadata)")
		netLog     = flag.Bool("net_log", true, "journal inbound frames under <data>/<world>/net")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")

		profMode = flag.String("profile", "", "write a pprof profile on exit: cpu, mem or block")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	if p := startProfile(*profMode, *dataDir); p != nil {
		defer p.Stop()
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	worldDir := filepath.Join(*dataDir, *worldID)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	idx, err := openRuntimeIndex(worldDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertTuning(tune); err != nil {
			logger.Printf("index: upsert tuning: %v", err)
		}
	}

	cfg := world.ConfigFromTuning(*worldID, tune)
	cfg.Logger = logger
	store := blueprint.NewStore()
	w := world.New(cfg, world.Deps{
		Blueprints: store,
		Loader:     asset.NewFileLoader(*assetDir, script.Builtins()),
	})

	// Snapshot first so that catalog seeding cannot downgrade a restored version.
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		if snapshotToLoad, err = snapshot.Latest(*dataDir, *worldID); err != nil {
			logger.Fatalf("find snapshot: %v", err)
		}
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if err := w.Restore(snap); err != nil {
			logger.Fatalf("restore: %v", err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d entities=%d", filepath.Base(snapshotToLoad), w.CurrentTick(), len(snap.World.Entities))
	}
	if err := seedBlueprints(context.Background(), store, filepath.Join(*configDir, "blueprints.yaml"), idx, logger); err != nil {
		logger.Fatalf("blueprints: %v", err)
	}

	auditLog := persistlog.NewAuditLogger(worldDir)
	defer auditLog.Close()
	w.SetAuditLogger(multiAuditLogger{a: auditLog, b: idx})

	hub := ws.NewServer(w, logger, tune.ClientMaxQueue)
	if *netLog {
		nl := persistlog.NewNetLogger(worldDir)
		defer nl.Close()
		hub.SetJournal(nl)
	}
	w.SetNetwork(hub)

	ctx, cancel := signalContext()
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	snapCh := make(chan snapshot.SnapshotV1, 2)
	w.SetSnapshotSink(snapCh)
	g.Go(func() error {
		writeSnapshots(ctx, snapCh, *dataDir, idx, logger)
		return nil
	})

	g.Go(func() error {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	obs := observer.NewServer(w, hub, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(obs, *worldID))
	if envBool("APPWORLD_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		mux.HandleFunc("/admin/v1/status", obs.StatusHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obs.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (APPWORLD_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("APPWORLD_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", hub.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	g.Go(func() error {
		logger.Printf("listening on %s world=%s blueprints=%d", *addr, *worldID, store.Len())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Printf("stopped: %v", err)
	}
	// Final snapshot so a restart resumes where this run ended.
	final := w.Snapshot()
	if err := snapshot.WriteSnapshot(snapshot.Path(*dataDir, *worldID, final.Header.Tick), final); err != nil {
		logger.Printf("final snapshot: %v", err)
	}
}

func writeSnapshots(ctx context.Context, ch <-chan snapshot.SnapshotV1, dataDir string, idx runtimeIndex, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			path := snapshot.Path(dataDir, snap.Header.WorldID, snap.Header.Tick)
			if err := snapshot.WriteSnapshot(path, snap); err != nil {
				logger.Printf("snapshot write: %v", err)
				continue
			}
			var size int64
			if fi, err := os.Stat(path); err == nil {
				size = fi.Size()
			}
			logger.Printf("snapshot tick=%d entities=%d size=%s", snap.Header.Tick, len(snap.World.Entities), humanize.Bytes(uint64(size)))
			if idx != nil {
				idx.RecordSnapshot(path, size, snap)
			}
		}
	}
}

// seedBlueprints loads the catalog and any newer versions recorded in the index.
func seedBlueprints(ctx context.Context, store *blueprint.Store, path string, idx runtimeIndex, logger *log.Logger) error {
	bps, err := blueprint.LoadCatalog(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if idx != nil {
		recorded, err := idx.LoadBlueprints(ctx)
		if err != nil {
			logger.Printf("index: load blueprints: %v", err)
		}
		bps = append(bps, recorded...)
	}
	added, err := store.Seed(bps)
	if err != nil {
		return err
	}
	for _, bp := range store.All() {
		if idx != nil {
			idx.RecordBlueprint(*bp)
		}
	}
	logger.Printf("blueprints: %d seeded, %d total, digest=%s", added, store.Len(), store.Digest())
	return nil
}

func startProfile(mode, dir string) interface{ Stop() } {
	opts := []func(*profile.Profile){profile.ProfilePath(dir), profile.NoShutdownHook}
	switch mode {
	case "":
		return nil
	case "cpu":
		return profile.Start(append(opts, profile.CPUProfile)...)
	case "mem":
		return profile.Start(append(opts, profile.MemProfileAllocs)...)
	case "block":
		return profile.Start(append(opts, profile.BlockProfile)...)
	default:
		log.Fatalf("unknown -profile mode %q", mode)
		return nil
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

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

type multiAuditLogger struct {
	a world.AuditLogger
	b world.AuditLogger
}

func (m multiAuditLogger) WriteAudit(entry world.AuditEntry) error {
	if m.a != nil {
		_ = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		_ = m.b.WriteAudit(entry)
	}
	return nil
}
