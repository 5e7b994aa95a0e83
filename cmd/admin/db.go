package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// dbCmd runs read queries against the server's sqlite index. WAL mode
// lets this work while the server is writing the same file.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	realmID := fs.String("realm", "", "realm id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 50, "result limit")
	owner := fs.String("owner", "", "owner filter (villages, armies, orders)")
	resource := fs.String("resource", "", "resource filter (orders, trades)")
	side := fs.String("side", "", "side filter (orders)")
	status := fs.String("status", "", "status filter (orders)")
	player := fs.String("player", "", "recipient filter (reports)")
	kind := fs.String("kind", "", "kind filter (reports)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 50
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*realmID) == "" {
			fmt.Fprintln(os.Stderr, "missing -realm or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "realms", *realmID, "index", "realm.db")
	}

	db, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "villages":
		type row struct {
			ID         string `db:"id" json:"id"`
			Name       string `db:"name" json:"name"`
			OwnerID    string `db:"owner_id" json:"owner_id"`
			Tribe      string `db:"tribe" json:"tribe,omitempty"`
			X          int    `db:"x" json:"x"`
			Y          int    `db:"y" json:"y"`
			Capital    bool   `db:"capital" json:"capital,omitempty"`
			Wood       int64  `db:"wood" json:"wood"`
			Clay       int64  `db:"clay" json:"clay"`
			Iron       int64  `db:"iron" json:"iron"`
			Crop       int64  `db:"crop" json:"crop"`
			Silver     int64  `db:"silver" json:"silver"`
			Loyalty    int64  `db:"loyalty" json:"loyalty"`
			Population int64  `db:"population" json:"population"`
			Starving   bool   `db:"starving" json:"starving,omitempty"`
			Rev        int64  `db:"rev" json:"rev"`
			AsOf       string `db:"as_of" json:"as_of"`
		}
		var rows []row
		query := `SELECT * FROM villages ORDER BY id LIMIT ?`
		qargs := []any{*limit}
		if *owner != "" {
			query = `SELECT * FROM villages WHERE owner_id=? ORDER BY id LIMIT ?`
			qargs = []any{*owner, *limit}
		}
		if err := db.Select(&rows, query, qargs...); err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			printJSON(r)
		}

	case "armies":
		type row struct {
			ID        string  `db:"id" json:"id"`
			Mission   string  `db:"mission" json:"mission"`
			OwnerID   string  `db:"owner_id" json:"owner_id"`
			HomeID    string  `db:"home_id" json:"home_id"`
			TargetID  *string `db:"target_id" json:"target_id,omitempty"`
			TargetX   int     `db:"target_x" json:"target_x"`
			TargetY   int     `db:"target_y" json:"target_y"`
			State     string  `db:"state" json:"state"`
			ArrivesAt string  `db:"arrives_at" json:"arrives_at"`
			ReturnsAt *string `db:"returns_at" json:"returns_at,omitempty"`
			Deleted   bool    `db:"deleted" json:"deleted,omitempty"`
		}
		var rows []row
		query := `SELECT * FROM armies WHERE deleted=0 ORDER BY arrives_at LIMIT ?`
		qargs := []any{*limit}
		if *owner != "" {
			query = `SELECT * FROM armies WHERE deleted=0 AND owner_id=? ORDER BY arrives_at LIMIT ?`
			qargs = []any{*owner, *limit}
		}
		if err := db.Select(&rows, query, qargs...); err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			printJSON(r)
		}

	case "orders":
		type row struct {
			ID        string `db:"id" json:"id"`
			VillageID string `db:"village_id" json:"village_id"`
			OwnerID   string `db:"owner_id" json:"owner_id"`
			Side      string `db:"side" json:"side"`
			Resource  string `db:"resource" json:"resource"`
			Price     int64  `db:"price" json:"price"`
			Quantity  int64  `db:"quantity" json:"quantity"`
			Remaining int64  `db:"remaining" json:"remaining"`
			Status    string `db:"status" json:"status"`
			CreatedAt string `db:"created_at" json:"created_at"`
			ExpiresAt string `db:"expires_at" json:"expires_at"`
		}
		var conds []string
		var qargs []any
		if *owner != "" {
			conds = append(conds, "owner_id=?")
			qargs = append(qargs, *owner)
		}
		if *resource != "" {
			conds = append(conds, "resource=?")
			qargs = append(qargs, *resource)
		}
		if *side != "" {
			conds = append(conds, "side=?")
			qargs = append(qargs, *side)
		}
		if *status != "" {
			conds = append(conds, "status=?")
			qargs = append(qargs, *status)
		}
		query := `SELECT * FROM orders`
		if len(conds) > 0 {
			query += " WHERE " + strings.Join(conds, " AND ")
		}
		query += " ORDER BY resource, side, price LIMIT ?"
		qargs = append(qargs, *limit)
		var rows []row
		if err := db.Select(&rows, query, qargs...); err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			printJSON(r)
		}

	case "trades":
		type row struct {
			ID            string `db:"id" json:"id"`
			Resource      string `db:"resource" json:"resource"`
			Quantity      int64  `db:"quantity" json:"quantity"`
			Price         int64  `db:"price" json:"price"`
			BuyOrder      string `db:"buy_order" json:"buy_order"`
			SellOrder     string `db:"sell_order" json:"sell_order"`
			BuyerVillage  string `db:"buyer_village" json:"buyer_village"`
			SellerVillage string `db:"seller_village" json:"seller_village"`
			At            string `db:"at" json:"at"`
		}
		var rows []row
		query := `SELECT * FROM trades ORDER BY at DESC LIMIT ?`
		qargs := []any{*limit}
		if *resource != "" {
			query = `SELECT * FROM trades WHERE resource=? ORDER BY at DESC LIMIT ?`
			qargs = []any{*resource, *limit}
		}
		if err := db.Select(&rows, query, qargs...); err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			printJSON(r)
		}

	case "reports":
		type row struct {
			ID        string  `db:"id" json:"id"`
			Kind      string  `db:"kind" json:"kind"`
			At        string  `db:"at" json:"at"`
			VillageID *string `db:"village_id" json:"village_id,omitempty"`
			Payload   string  `db:"payload" json:"payload"`
		}
		var conds []string
		var qargs []any
		query := `SELECT r.id, r.kind, r.at, r.village_id, r.payload FROM reports r`
		if *player != "" {
			query += ` JOIN report_recipients rr ON rr.report_id = r.id`
			conds = append(conds, "rr.player_id=?")
			qargs = append(qargs, *player)
		}
		if *kind != "" {
			conds = append(conds, "r.kind=?")
			qargs = append(qargs, *kind)
		}
		if len(conds) > 0 {
			query += " WHERE " + strings.Join(conds, " AND ")
		}
		query += " ORDER BY r.at DESC LIMIT ?"
		qargs = append(qargs, *limit)
		var rows []row
		if err := db.Select(&rows, query, qargs...); err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			printJSON(r)
		}

	case "snapshots":
		type row struct {
			Path     string `db:"path" json:"path"`
			RealmID  string `db:"realm_id" json:"realm_id"`
			TakenAt  string `db:"taken_at" json:"taken_at"`
			Villages int    `db:"villages" json:"villages"`
			Armies   int    `db:"armies" json:"armies"`
			Orders   int    `db:"orders" json:"orders"`
		}
		var rows []row
		if err := db.Select(&rows, `SELECT * FROM snapshots ORDER BY taken_at DESC LIMIT ?`, *limit); err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			printJSON(r)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data] [-realm REALM|-db PATH] villages|armies|orders|trades|reports|snapshots")
		os.Exit(2)
	}
}
