package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"gridholm.gg/internal/sim/catalogs"
	"gridholm.gg/internal/sim/realm"
	"gridholm.gg/internal/sim/tuning"
)

// SQLiteStore is the durable read-model index of one realm: villages,
// armies, orders, trades, and reports, fed write-behind so the engine
// never waits on disk. Snapshots remain the recovery mechanism; losing
// index rows under pressure is acceptable, losing half a trade is not,
// so each engine batch is applied inside one transaction.
type SQLiteStore struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropBatch    atomic.Uint64
	dropReport   atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqBatch reqKind = iota + 1
	reqReport
	reqSnapshot
)

type req struct {
	kind reqKind

	batch    realm.Batch
	report   realm.Report
	snapshot snapshotRow
}

type snapshotRow struct {
	Path     string
	RealmID  string
	TakenAt  string
	Villages int
	Armies   int
	Orders   int
}

func Open(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
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
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db: db,
		// High buffer: a raid wave settling after downtime can emit
		// thousands of batches at once without stalling the engine.
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
	// WAL is much faster for append-style workloads, and lets cmd/admin
	// read the same file while the server writes.
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
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS villages (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			tribe TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			capital INTEGER NOT NULL,
			wood INTEGER NOT NULL,
			clay INTEGER NOT NULL,
			iron INTEGER NOT NULL,
			crop INTEGER NOT NULL,
			silver INTEGER NOT NULL,
			loyalty INTEGER NOT NULL,
			population INTEGER NOT NULL,
			starving INTEGER NOT NULL,
			rev INTEGER NOT NULL,
			as_of TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_villages_owner ON villages(owner_id);`,
		`CREATE INDEX IF NOT EXISTS idx_villages_cell ON villages(x, y);`,
		`CREATE TABLE IF NOT EXISTS armies (
			id TEXT PRIMARY KEY,
			mission TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			home_id TEXT NOT NULL,
			target_id TEXT,
			target_x INTEGER NOT NULL,
			target_y INTEGER NOT NULL,
			state TEXT NOT NULL,
			arrives_at TEXT NOT NULL,
			returns_at TEXT,
			deleted INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_armies_owner ON armies(owner_id, deleted);`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			village_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			side TEXT NOT NULL,
			resource TEXT NOT NULL,
			price INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			remaining INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_book ON orders(resource, side, status, price);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_owner ON orders(owner_id);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			resource TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price INTEGER NOT NULL,
			buy_order TEXT NOT NULL,
			sell_order TEXT NOT NULL,
			buyer_village TEXT NOT NULL,
			seller_village TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_at ON trades(at);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_resource_at ON trades(resource, at);`,
		`CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			at TEXT NOT NULL,
			village_id TEXT,
			payload TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reports_kind_at ON reports(kind, at);`,
		`CREATE TABLE IF NOT EXISTS report_recipients (
			player_id TEXT NOT NULL,
			report_id TEXT NOT NULL,
			at TEXT NOT NULL,
			PRIMARY KEY (player_id, report_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_recipients_player_at ON report_recipients(player_id, at);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			path TEXT PRIMARY KEY,
			realm_id TEXT NOT NULL,
			taken_at TEXT NOT NULL,
			villages INTEGER NOT NULL,
			armies INTEGER NOT NULL,
			orders INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_taken ON snapshots(taken_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Apply implements realm.BatchSink. Never blocks the engine: a full
// queue drops the batch and counts it.
func (s *SQLiteStore) Apply(b realm.Batch) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqBatch, batch: b}:
	default:
		s.dropBatch.Add(1)
	}
}

// Record implements realm.ReportSink.
func (s *SQLiteStore) Record(rep realm.Report) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqReport, report: rep}:
	default:
		s.dropReport.Add(1)
	}
	return nil
}

func (s *SQLiteStore) RecordSnapshot(path string, st realm.State) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Path:     path,
		RealmID:  st.RealmID,
		TakenAt:  st.TakenAt.UTC().Format(time.RFC3339Nano),
		Villages: len(st.Villages),
		Armies:   len(st.Armies),
		Orders:   len(st.Orders),
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// UpsertCatalogs records the static data the realm was started with, so
// operators can tell exactly which balance files a db file belongs to.
func (s *SQLiteStore) UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	read := func(name, digest, path string) {
		b, err := os.ReadFile(path)
		if err != nil || len(b) == 0 {
			return
		}
		rows = append(rows, kv{name: name, digest: digest, json: b})
	}
	if configDir != "" {
		read("units", cats.Units.DefsDigest, filepath.Join(configDir, "units.json"))
		read("buildings", cats.Buildings.DefsDigest, filepath.Join(configDir, "buildings.json"))
	}
	{
		// Tuning: store the values we actually apply (canonical JSON).
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Stats is the metrics projection of the write queue.
type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropBatchTotal    uint64
	DropReportTotal   uint64
	DropSnapshotTotal uint64
}

func (s *SQLiteStore) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropBatchTotal:    s.dropBatch.Load(),
		DropReportTotal:   s.dropReport.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

func (s *SQLiteStore) loop() {
	ctx := context.Background()

	upsertVillage, _ := s.db.Prepare(`INSERT OR REPLACE INTO villages
		(id,name,owner_id,tribe,x,y,capital,wood,clay,iron,crop,silver,loyalty,population,starving,rev,as_of)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	upsertArmy, _ := s.db.Prepare(`INSERT OR REPLACE INTO armies
		(id,mission,owner_id,home_id,target_id,target_x,target_y,state,arrives_at,returns_at,deleted)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	upsertOrder, _ := s.db.Prepare(`INSERT OR REPLACE INTO orders
		(id,village_id,owner_id,side,resource,price,quantity,remaining,status,created_at,expires_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertTrade, _ := s.db.Prepare(`INSERT OR REPLACE INTO trades
		(id,resource,quantity,price,buy_order,sell_order,buyer_village,seller_village,at)
		VALUES(?,?,?,?,?,?,?,?,?)`)
	insertReport, _ := s.db.Prepare(`INSERT OR REPLACE INTO reports(id,kind,at,village_id,payload) VALUES(?,?,?,?,?)`)
	insertRecipient, _ := s.db.Prepare(`INSERT OR REPLACE INTO report_recipients(player_id,report_id,at) VALUES(?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(path,realm_id,taken_at,villages,armies,orders) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{upsertVillage, upsertArmy, upsertOrder, insertTrade, insertReport, insertRecipient, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
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
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqBatch:
			// A rollback here discards the whole open transaction, so a
			// batch is never half-applied.
			if !s.applyBatchTx(tx, r.batch, upsertVillage, upsertArmy, upsertOrder, insertTrade, &opCount) {
				rollback()
				continue
			}

		case reqReport:
			rep := r.report
			at := rep.At.UTC().Format(time.RFC3339Nano)
			payload, _ := json.Marshal(rep.Payload)
			if insertReport != nil {
				if _, err := tx.Stmt(insertReport).Exec(rep.ID, rep.Kind, at, rep.Village, string(payload)); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			for _, pid := range rep.For {
				if insertRecipient == nil {
					break
				}
				if _, err := tx.Stmt(insertRecipient).Exec(pid, rep.ID, at); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(sn.Path, sn.RealmID, sn.TakenAt, sn.Villages, sn.Armies, sn.Orders); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}

func (s *SQLiteStore) applyBatchTx(tx *sql.Tx, b realm.Batch, upsertVillage, upsertArmy, upsertOrder, insertTrade *sql.Stmt, opCount *int) bool {
	for _, v := range b.Villages {
		if upsertVillage == nil {
			break
		}
		if _, err := tx.Stmt(upsertVillage).Exec(
			v.ID, v.Name, v.OwnerID, v.Tribe, v.X, v.Y, boolInt(v.Capital),
			v.Stocks.Wood, v.Stocks.Clay, v.Stocks.Iron, v.Stocks.Crop,
			v.Silver, v.Loyalty, v.Population, boolInt(v.Starving),
			int64(v.Rev), v.AsOf.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return false
		}
		*opCount++
	}
	for _, a := range b.Armies {
		if upsertArmy == nil {
			break
		}
		returns := ""
		if !a.ReturnsAt.IsZero() {
			returns = a.ReturnsAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err := tx.Stmt(upsertArmy).Exec(
			a.ID, a.Mission, a.OwnerID, a.HomeID, a.TargetID, a.TargetX, a.TargetY,
			a.State, a.ArrivesAt.UTC().Format(time.RFC3339Nano), returns, boolInt(a.Deleted),
		); err != nil {
			return false
		}
		*opCount++
	}
	for _, o := range b.Orders {
		if upsertOrder == nil {
			break
		}
		if _, err := tx.Stmt(upsertOrder).Exec(
			o.ID, o.VillageID, o.OwnerID, o.Side, o.Resource, o.Price, o.Quantity,
			o.Remaining, o.Status,
			o.CreatedAt.UTC().Format(time.RFC3339Nano), o.ExpiresAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return false
		}
		*opCount++
	}
	for _, t := range b.Trades {
		if insertTrade == nil {
			break
		}
		if _, err := tx.Stmt(insertTrade).Exec(
			t.ID, t.Resource, t.Quantity, t.Price, t.BuyOrderID, t.SellOrderID,
			t.BuyerVillage, t.SellerVillage, t.At.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return false
		}
		*opCount++
	}
	return true
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
