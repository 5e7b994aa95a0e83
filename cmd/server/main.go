package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"gridholm.gg/internal/persistence/archive"
	persistlog "gridholm.gg/internal/persistence/log"
	"gridholm.gg/internal/persistence/snapshot"
	"gridholm.gg/internal/persistence/store"
	"gridholm.gg/internal/sim/catalogs"
	"gridholm.gg/internal/sim/realm"
	"gridholm.gg/internal/sim/tuning"
	"gridholm.gg/internal/transport/observer"
	"gridholm.gg/internal/transport/ws"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "http listen address")
		realmID      = flag.String("realm", "gridholm-1", "realm id")
		configDir    = flag.String("configs", "./configs", "config directory")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		tuningPath   = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		identityPath = flag.String("identity", "", "path to the token table json (empty: open identity, token = player id)")
		disableDB    = flag.Bool("disable_db", false, "disable the sqlite read-model index")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
		keepSnaps  = flag.Int("keep_snapshots", 48, "interval snapshots retained on disk")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	realmDir := filepath.Join(*dataDir, "realms", *realmID)
	_ = os.MkdirAll(realmDir, 0o755)
	snapDir := filepath.Join(realmDir, "snapshots")

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = archive.LatestSnapshot(snapDir)
	}

	// Tuning is required for a fresh realm. A resume may run without the
	// file; the balance constants took effect when the realm was founded.
	tune, tuneErr := tuning.Load(tp)
	if tuneErr != nil {
		if snapshotToLoad == "" || !os.IsNotExist(tuneErr) {
			logger.Fatalf("load tuning: %v", tuneErr)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Default()
	}

	// Read-model index (does not affect simulation correctness).
	var idx *store.SQLiteStore
	if !*disableDB {
		idx, err = store.Open(filepath.Join(realmDir, "index", "realm.db"))
		if err != nil {
			logger.Fatalf("open store: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertCatalogs(*configDir, cats, tune); err != nil {
			logger.Printf("store: upsert catalogs: %v", err)
		}
	} else {
		logger.Printf("sqlite index disabled")
	}

	reportLog := persistlog.NewReportLogger(realmDir)
	auditLog := persistlog.NewAuditLogger(realmDir)
	defer reportLog.Close()
	defer auditLog.Close()

	hub := ws.NewHub(0)

	sink := reportRouter{
		player: []realm.ReportSink{reportLog, hub},
		audit:  []realm.ReportSink{auditLog},
	}
	if idx != nil {
		sink.player = append(sink.player, idx)
		sink.audit = append(sink.audit, idx)
	}

	rcfg := realm.Config{
		RealmID:  *realmID,
		Catalogs: cats,
		Tuning:   tune,
		Reports:  sink,
		Logger:   log.New(os.Stdout, "[realm] ", log.LstdFlags|log.Lmicroseconds),
	}
	if idx != nil {
		rcfg.Batches = idx
	}
	r, err := realm.NewRealm(rcfg)
	if err != nil {
		logger.Fatalf("realm: %v", err)
	}

	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if snap.Header.RealmID != "" && snap.Header.RealmID != *realmID {
			logger.Fatalf("snapshot realm id mismatch: flag=%s snap=%s", *realmID, snap.Header.RealmID)
		}
		if err := r.ImportState(snap.State); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s taken_at=%s villages=%d armies=%d orders=%d",
			filepath.Base(snapshotToLoad), snap.Header.TakenAt,
			len(snap.State.Villages), len(snap.State.Armies), len(snap.State.Orders))
	}

	var identity ws.Identity = ws.OpenIdentity{}
	if p := strings.TrimSpace(*identityPath); p != "" {
		identity, err = ws.LoadIdentity(p)
		if err != nil {
			logger.Fatalf("load identity: %v", err)
		}
	} else {
		logger.Printf("no identity file; open identity (token = player id)")
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Sweeper: the only writer that advances idle villages, so due
	// arrivals and order expiries land within one interval of wall time.
	go func() {
		tick := time.NewTicker(time.Duration(tune.SweepEverySeconds) * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				r.SettleDue(time.Now().UTC())
			}
		}
	}()

	// takeSnapshot is shared by the ticker, the admin trigger, and
	// shutdown; the mutex keeps their writes from interleaving.
	var snapMu sync.Mutex
	takeSnapshot := func() (string, snapshot.SnapshotV1, error) {
		snapMu.Lock()
		defer snapMu.Unlock()
		snap := snapshot.Capture(r.ExportState())
		path := archive.SnapshotPath(snapDir, snap.State.TakenAt)
		if err := snapshot.WriteSnapshot(path, snap); err != nil {
			return "", snap, err
		}
		if idx != nil {
			idx.RecordSnapshot(path, snap.State)
		}
		if _, err := archive.PruneSnapshots(snapDir, *keepSnaps); err != nil {
			logger.Printf("prune snapshots: %v", err)
		}
		return path, snap, nil
	}

	go func() {
		tick := time.NewTicker(time.Duration(tune.SnapshotEveryMinutes) * time.Minute)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if path, _, err := takeSnapshot(); err != nil {
					logger.Printf("snapshot: %v", err)
				} else {
					logger.Printf("snapshot written: %s", filepath.Base(path))
				}
			}
		}
	}()

	gw := ws.NewServer(r, identity, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		st := r.Stats()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP gridholm_realm_villages Villages on the grid.\n")
		fmt.Fprintf(rw, "# TYPE gridholm_realm_villages gauge\n")
		fmt.Fprintf(rw, "gridholm_realm_villages{realm=%q} %d\n", *realmID, st.Villages)

		fmt.Fprintf(rw, "# HELP gridholm_realm_armies Armies in flight.\n")
		fmt.Fprintf(rw, "# TYPE gridholm_realm_armies gauge\n")
		fmt.Fprintf(rw, "gridholm_realm_armies{realm=%q} %d\n", *realmID, st.Armies)

		fmt.Fprintf(rw, "# HELP gridholm_realm_open_orders Open market orders.\n")
		fmt.Fprintf(rw, "# TYPE gridholm_realm_open_orders gauge\n")
		fmt.Fprintf(rw, "gridholm_realm_open_orders{realm=%q} %d\n", *realmID, st.OpenOrders)

		fmt.Fprintf(rw, "# HELP gridholm_realm_settles_total Village settle operations.\n")
		fmt.Fprintf(rw, "# TYPE gridholm_realm_settles_total counter\n")
		fmt.Fprintf(rw, "gridholm_realm_settles_total{realm=%q} %d\n", *realmID, st.Settles)

		fmt.Fprintf(rw, "# HELP gridholm_realm_battles_total Battles resolved.\n")
		fmt.Fprintf(rw, "# TYPE gridholm_realm_battles_total counter\n")
		fmt.Fprintf(rw, "gridholm_realm_battles_total{realm=%q} %d\n", *realmID, st.Battles)

		fmt.Fprintf(rw, "# HELP gridholm_realm_trades_total Market trades executed.\n")
		fmt.Fprintf(rw, "# TYPE gridholm_realm_trades_total counter\n")
		fmt.Fprintf(rw, "gridholm_realm_trades_total{realm=%q} %d\n", *realmID, st.Trades)

		fmt.Fprintf(rw, "# HELP gridholm_ws_sessions Connected player sessions.\n")
		fmt.Fprintf(rw, "# TYPE gridholm_ws_sessions gauge\n")
		fmt.Fprintf(rw, "gridholm_ws_sessions{realm=%q} %d\n", *realmID, hub.Sessions())

		fmt.Fprintf(rw, "# HELP gridholm_ws_dropped_frames_total Outbound frames dropped on slow sessions.\n")
		fmt.Fprintf(rw, "# TYPE gridholm_ws_dropped_frames_total counter\n")
		fmt.Fprintf(rw, "gridholm_ws_dropped_frames_total{realm=%q} %d\n", *realmID, gw.Dropped())

		if idx != nil {
			ss := idx.Stats()
			fmt.Fprintf(rw, "# HELP gridholm_store_queue_depth Write-behind queue backlog.\n")
			fmt.Fprintf(rw, "# TYPE gridholm_store_queue_depth gauge\n")
			fmt.Fprintf(rw, "gridholm_store_queue_depth{realm=%q} %d\n", *realmID, ss.QueueDepth)

			fmt.Fprintf(rw, "# HELP gridholm_store_queue_capacity Write-behind queue capacity.\n")
			fmt.Fprintf(rw, "# TYPE gridholm_store_queue_capacity gauge\n")
			fmt.Fprintf(rw, "gridholm_store_queue_capacity{realm=%q} %d\n", *realmID, ss.QueueCapacity)

			fmt.Fprintf(rw, "# HELP gridholm_store_dropped_total Rows dropped because the queue was saturated.\n")
			fmt.Fprintf(rw, "# TYPE gridholm_store_dropped_total counter\n")
			fmt.Fprintf(rw, "gridholm_store_dropped_total{realm=%q,kind=%q} %d\n", *realmID, "batch", ss.DropBatchTotal)
			fmt.Fprintf(rw, "gridholm_store_dropped_total{realm=%q,kind=%q} %d\n", *realmID, "report", ss.DropReportTotal)
			fmt.Fprintf(rw, "gridholm_store_dropped_total{realm=%q,kind=%q} %d\n", *realmID, "snapshot", ss.DropSnapshotTotal)
		}
	})

	enableAdminHTTP := envBool("GH_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("GH_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		// Local-only operator endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, req *http.Request) {
			if !isLoopbackRemote(req.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				RealmID    string           `json:"realm_id"`
				ServerTime string           `json:"server_time"`
				Stats      realm.RealmStats `json:"stats"`
			}{
				RealmID:    *realmID,
				ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
				Stats:      r.Stats(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/village", func(rw http.ResponseWriter, req *http.Request) {
			if !isLoopbackRemote(req.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			id := strings.TrimSpace(req.URL.Query().Get("id"))
			if id == "" {
				http.Error(rw, "missing id", http.StatusBadRequest)
				return
			}
			view, err := r.ViewVillage(id, time.Now().UTC())
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusNotFound)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "code": realm.CodeOf(err), "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(view)
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, req *http.Request) {
			if req.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(req.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			path, snap, err := takeSnapshot()
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{
				"ok": true, "path": path, "taken_at": snap.Header.TakenAt,
				"villages": len(snap.State.Villages), "armies": len(snap.State.Armies), "orders": len(snap.State.Orders),
			})
		})
		mux.HandleFunc("/admin/v1/adjust", func(rw http.ResponseWriter, req *http.Request) {
			if req.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(req.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			var body struct {
				VillageID string           `json:"village_id"`
				ExpectRev uint64           `json:"expect_rev"`
				Resources realm.Amounts    `json:"resources"`
				Silver    int64            `json:"silver"`
				Troops    map[string]int64 `json:"troops"`
				Actor     string           `json:"actor"`
				Reason    string           `json:"reason"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				http.Error(rw, "malformed body", http.StatusBadRequest)
				return
			}
			if body.Actor == "" {
				body.Actor = "ops"
			}
			err := r.AdminAdjust(body.VillageID, body.ExpectRev, body.Resources, body.Silver, body.Troops,
				body.Actor, body.Reason, time.Now().UTC())
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				status := http.StatusBadRequest
				if realm.CodeOf(err) == "E_CONFLICT" {
					status = http.StatusConflict
				}
				rw.WriteHeader(status)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "code": realm.CodeOf(err), "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true})
		})

		obsSrv := observer.NewServer(r, hub.Sessions, logger)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (GH_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", gw.Handler())

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

	logger.Printf("realm %s listening on %s", *realmID, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Final snapshot, archived out of reach of pruning, so a clean
	// shutdown resumes without replaying anything.
	if path, snap, err := takeSnapshot(); err != nil {
		logger.Printf("shutdown snapshot: %v", err)
	} else if archived, err := archive.ArchiveShutdownSnapshot(realmDir, path, snap); err != nil {
		logger.Printf("archive shutdown snapshot: %v", err)
	} else {
		logger.Printf("shutdown snapshot archived: %s", archived)
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

// reportRouter fans finished reports out to every sink. Operator audit
// entries go to their own stream so report retention never erases the
// trail.
type reportRouter struct {
	player []realm.ReportSink
	audit  []realm.ReportSink
}

func (m reportRouter) Record(rep realm.Report) error {
	sinks := m.player
	if rep.Kind == realm.ReportAudit {
		sinks = m.audit
	}
	for _, s := range sinks {
		_ = s.Record(rep)
	}
	return nil
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

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
