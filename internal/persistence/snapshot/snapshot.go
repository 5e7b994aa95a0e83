package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"gridholm.gg/internal/sim/realm"
)

// A snapshot file is zstd-compressed: one JSON header line (so tooling
// can identify a file without decoding the body) followed by the
// gob-encoded SnapshotV1. realm.State is already a plain DTO with no
// behavior, so it doubles as the versioned payload.

type Header struct {
	Version int    `json:"version"`
	RealmID string `json:"realm_id"`
	TakenAt string `json:"taken_at"`
}

type SnapshotV1 struct {
	Header Header      `json:"header"`
	State  realm.State `json:"state"`
}

const Version = 1

// Capture wraps an exported realm state in a versioned envelope.
func Capture(st realm.State) SnapshotV1 {
	return SnapshotV1{
		Header: Header{
			Version: Version,
			RealmID: st.RealmID,
			TakenAt: st.TakenAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		},
		State: st,
	}
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line is advisory; gob carries the authoritative copy.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}
