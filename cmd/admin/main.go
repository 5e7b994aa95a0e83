package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gridholm.gg/internal/persistence/archive"
	"gridholm.gg/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "village":
			villageCmd(os.Args[2:])
			return
		case "adjust":
			adjustCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "rollback":
			rollbackCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	realmID := fs.String("realm", "", "realm id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "realms")
	if *realmID != "" {
		base = filepath.Join(base, *realmID)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

// inspectCmd reads a snapshot file directly, without a running server.
func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	realmID := fs.String("realm", "", "realm id")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	villageID := fs.String("village", "", "dump one village by id")
	armies := fs.Bool("armies", false, "dump armies in flight")
	orders := fs.Bool("orders", false, "dump orders")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		if strings.TrimSpace(*realmID) == "" {
			fmt.Fprintln(os.Stderr, "missing -realm or -snapshot")
			os.Exit(2)
		}
		path = archive.LatestSnapshot(filepath.Join(*dataDir, "realms", *realmID, "snapshots"))
		if path == "" {
			fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run server until it writes one")
			os.Exit(2)
		}
	}

	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	if *villageID != "" {
		for _, v := range snap.State.Villages {
			if v.ID == *villageID {
				printJSON(v)
				return
			}
		}
		fmt.Fprintf(os.Stderr, "no village %s in %s\n", *villageID, filepath.Base(path))
		os.Exit(2)
	}
	if *armies {
		for _, a := range snap.State.Armies {
			printJSON(a)
		}
		return
	}
	if *orders {
		for _, o := range snap.State.Orders {
			printJSON(o)
		}
		return
	}

	printJSON(struct {
		Path     string `json:"path"`
		Version  int    `json:"version"`
		RealmID  string `json:"realm_id"`
		TakenAt  string `json:"taken_at"`
		Villages int    `json:"villages"`
		Armies   int    `json:"armies"`
		Orders   int    `json:"orders"`
	}{
		Path:     path,
		Version:  snap.Header.Version,
		RealmID:  snap.Header.RealmID,
		TakenAt:  snap.Header.TakenAt,
		Villages: len(snap.State.Villages),
		Armies:   len(snap.State.Armies),
		Orders:   len(snap.State.Orders),
	})
}

// rollbackCmd promotes an older snapshot so the next server start
// resumes from it. Run it with the server stopped; a running server's
// in-memory realm wins over anything this writes.
func rollbackCmd(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	realmID := fs.String("realm", "", "realm id")
	snapPath := fs.String("snapshot", "", "snapshot to roll back to (optional)")
	steps := fs.Int("steps", 1, "snapshots to step back from the newest")
	_ = fs.Parse(args)

	if strings.TrimSpace(*realmID) == "" {
		fmt.Fprintln(os.Stderr, "missing -realm")
		os.Exit(2)
	}
	snapDir := filepath.Join(*dataDir, "realms", *realmID, "snapshots")
	snaps := archive.ListSnapshots(snapDir)

	src := strings.TrimSpace(*snapPath)
	if src == "" {
		if *steps < 1 || *steps >= len(snaps) {
			fmt.Fprintf(os.Stderr, "cannot step back %d: %d snapshots available\n", *steps, len(snaps))
			os.Exit(2)
		}
		src = snaps[len(snaps)-1-*steps]
	}

	snap, err := snapshot.ReadSnapshot(src)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	if snap.Header.RealmID != "" && snap.Header.RealmID != *realmID {
		fmt.Fprintf(os.Stderr, "snapshot belongs to realm %s, not %s\n", snap.Header.RealmID, *realmID)
		os.Exit(2)
	}

	// The newest stamp wins at boot, so the promoted copy needs a
	// stamp past everything already present.
	stamp := time.Now().UTC().Unix()
	if len(snaps) > 0 {
		base := strings.TrimSuffix(filepath.Base(snaps[len(snaps)-1]), ".snap.zst")
		if last, err := strconv.ParseInt(base, 10, 64); err == nil && last >= stamp {
			stamp = last + 1
		}
	}
	dst := archive.SnapshotPath(snapDir, time.Unix(stamp, 0).UTC())

	b, err := os.ReadFile(src)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	if err := os.WriteFile(dst, b, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}

	printJSON(struct {
		Source   string `json:"source"`
		Promoted string `json:"promoted"`
		TakenAt  string `json:"taken_at"`
		Villages int    `json:"villages"`
		Armies   int    `json:"armies"`
		Orders   int    `json:"orders"`
	}{
		Source:   src,
		Promoted: dst,
		TakenAt:  snap.Header.TakenAt,
		Villages: len(snap.State.Villages),
		Armies:   len(snap.State.Armies),
		Orders:   len(snap.State.Orders),
	})
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
