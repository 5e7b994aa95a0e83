package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"gridholm.gg/internal/sim/realm"
)

func TestReportLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewReportLogger(dir)

	at := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	reps := []realm.Report{
		{ID: "R1", Kind: "battle_report", At: at, For: []string{"p1", "p2"}, Village: "V2"},
		{ID: "R2", Kind: "trade_report", At: at.Add(time.Minute), For: []string{"p1"}, Village: "V1"},
	}
	for _, rep := range reps {
		if err := l.Record(rep); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "reports", "reports-*.jsonl.zst"))
	if err != nil || len(files) != 1 {
		t.Fatalf("log files: %v err=%v", files, err)
	}

	f, err := os.Open(files[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	var got []realm.Report
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var rep realm.Report
		if err := json.Unmarshal(sc.Bytes(), &rep); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		got = append(got, rep)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 || got[0].ID != "R1" || got[1].ID != "R2" {
		t.Fatalf("round trip: %+v", got)
	}
	if got[0].Kind != "battle_report" || len(got[0].For) != 2 {
		t.Fatalf("round trip fields: %+v", got[0])
	}
}

func TestAuditLogger_SeparateStream(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	if err := l.Record(realm.Report{ID: "R1", Kind: "audit_report", For: []string{"ops"}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "audit", "audit-*.jsonl.zst"))
	if len(files) != 1 {
		t.Fatalf("audit files: %v", files)
	}
}
