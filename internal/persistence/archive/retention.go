package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gridholm.gg/internal/persistence/snapshot"
)

// Snapshots accumulate one per interval forever; retention keeps the
// recovery window bounded and the last realm state preserved.

type ArchiveMeta struct {
	RealmID   string `json:"realm_id"`
	TakenAt   string `json:"taken_at"`
	Snapshot  string `json:"snapshot"`
	Villages  int    `json:"villages"`
	Armies    int    `json:"armies"`
	Orders    int    `json:"orders"`
	CreatedAt string `json:"created_at"`
}

// PruneSnapshots removes the oldest *.snap.zst files so at most keep
// remain. Files whose names are not unix-second stamps are left alone.
func PruneSnapshots(snapDir string, keep int) ([]string, error) {
	if keep < 1 {
		keep = 1
	}
	ents, err := os.ReadDir(snapDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type stamped struct {
		name  string
		stamp uint64
	}
	var snaps []stamped
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".snap.zst")
		stamp, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		snaps = append(snaps, stamped{name: e.Name(), stamp: stamp})
	}
	if len(snaps) <= keep {
		return nil, nil
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].stamp < snaps[j].stamp })

	var removed []string
	for _, s := range snaps[:len(snaps)-keep] {
		p := filepath.Join(snapDir, s.name)
		if err := os.Remove(p); err != nil {
			return removed, err
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// ArchiveShutdownSnapshot copies the final snapshot of a server run
// into realmDir/archives/<stamp>/ alongside a meta.json, out of reach
// of retention pruning.
func ArchiveShutdownSnapshot(realmDir, snapshotPath string, snap snapshot.SnapshotV1) (string, error) {
	if snapshotPath == "" {
		return "", nil
	}
	stamp := snap.State.TakenAt.UTC().Format("20060102T150405Z")
	archiveDir := filepath.Join(realmDir, "archives", stamp)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", err
	}

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", err
	}

	meta := ArchiveMeta{
		RealmID:   snap.Header.RealmID,
		TakenAt:   snap.Header.TakenAt,
		Snapshot:  filepath.Base(dst),
		Villages:  len(snap.State.Villages),
		Armies:    len(snap.State.Armies),
		Orders:    len(snap.State.Orders),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}

	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// ListSnapshots returns the stamped snapshot paths in snapDir, oldest
// first. Names that are not unix-second stamps are skipped.
func ListSnapshots(snapDir string) []string {
	ents, err := os.ReadDir(snapDir)
	if err != nil {
		return nil
	}
	type stamped struct {
		name  string
		stamp uint64
	}
	var snaps []stamped
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".snap.zst")
		stamp, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		snaps = append(snaps, stamped{name: e.Name(), stamp: stamp})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].stamp < snaps[j].stamp })

	out := make([]string, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, filepath.Join(snapDir, s.name))
	}
	return out
}

// LatestSnapshot returns the newest stamped snapshot path in snapDir,
// or "" when none exist.
func LatestSnapshot(snapDir string) string {
	snaps := ListSnapshots(snapDir)
	if len(snaps) == 0 {
		return ""
	}
	return snaps[len(snaps)-1]
}

// SnapshotPath names a snapshot file for a capture instant.
func SnapshotPath(snapDir string, takenAt time.Time) string {
	return filepath.Join(snapDir, fmt.Sprintf("%d.snap.zst", takenAt.UTC().Unix()))
}
