package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"gridholm.gg/internal/sim/realm"
)

// Replays the compressed report streams a server run leaves behind.
// Reports are the realm's narrative; this answers "what happened to
// that player last night" without a running server.
func main() {
	var (
		dataDir = flag.String("data", "./data", "runtime data directory")
		realmID = flag.String("realm", "", "realm id")
		dir     = flag.String("dir", "", "stream directory (overrides -data/-realm)")
		stream  = flag.String("stream", "reports", "stream name: reports|audit")
		kind    = flag.String("kind", "", "kind filter (battle_report, trade_report, ...)")
		player  = flag.String("player", "", "recipient filter")
		village = flag.String("village", "", "village filter")
		since   = flag.String("since", "", "RFC3339 lower bound (inclusive)")
		until   = flag.String("until", "", "RFC3339 upper bound (inclusive)")
		summary = flag.Bool("summary", false, "print per-kind counts instead of entries")
		limit   = flag.Int("limit", 0, "stop after N matches (0: unbounded)")
	)
	flag.Parse()

	if *stream != "reports" && *stream != "audit" {
		fmt.Fprintln(os.Stderr, "bad -stream: want reports or audit")
		os.Exit(2)
	}

	base := strings.TrimSpace(*dir)
	if base == "" {
		if strings.TrimSpace(*realmID) == "" {
			fmt.Fprintln(os.Stderr, "missing -realm or -dir")
			os.Exit(2)
		}
		base = filepath.Join(*dataDir, "realms", *realmID, *stream)
	}

	sinceT, err := parseWhen(*since)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -since:", err)
		os.Exit(2)
	}
	untilT, err := parseWhen(*until)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -until:", err)
		os.Exit(2)
	}

	files, err := listStreamFiles(base, *stream)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list streams:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no stream files found in", base)
		os.Exit(1)
	}

	keep := func(rep realm.Report) bool {
		if *kind != "" && rep.Kind != *kind {
			return false
		}
		if *player != "" && !recipientOf(rep, *player) {
			return false
		}
		if *village != "" && rep.Village != *village {
			return false
		}
		if !sinceT.IsZero() && rep.At.Before(sinceT) {
			return false
		}
		if !untilT.IsZero() && rep.At.After(untilT) {
			return false
		}
		return true
	}

	counts := map[string]int{}
	matched := 0
	for _, path := range files {
		err := scanStream(path, func(line []byte, rep realm.Report) bool {
			if !keep(rep) {
				return true
			}
			matched++
			if *summary {
				counts[rep.Kind]++
			} else {
				fmt.Println(string(line))
			}
			return *limit <= 0 || matched < *limit
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		if *limit > 0 && matched >= *limit {
			break
		}
	}

	if *summary {
		kinds := make([]string, 0, len(counts))
		for k := range counts {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Printf("%s\t%d\n", k, counts[k])
		}
		fmt.Printf("total\t%d\n", matched)
	}
}

func parseWhen(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func recipientOf(rep realm.Report, player string) bool {
	for _, pid := range rep.For {
		if pid == player {
			return true
		}
	}
	return false
}

// listStreamFiles returns the hour files of one stream in order; the
// timestamped names sort chronologically.
func listStreamFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// scanStream feeds each line to fn until fn returns false or the file
// ends. The line passed to fn is only valid during the call.
func scanStream(path string, fn func(line []byte, rep realm.Report) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var rep realm.Report
		if err := json.Unmarshal(sc.Bytes(), &rep); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if !fn(sc.Bytes(), rep) {
			return nil
		}
	}
	return sc.Err()
}
