package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	httpGet(*baseURL, "/admin/v1/state")
}

func villageCmd(args []string) {
	fs := flag.NewFlagSet("village", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	id := fs.String("id", "", "village id (required)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*id) == "" {
		fmt.Fprintln(os.Stderr, "missing -id")
		os.Exit(2)
	}
	httpGet(*baseURL, "/admin/v1/village?id="+url.QueryEscape(strings.TrimSpace(*id)))
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	httpPost(*baseURL, "/admin/v1/snapshot", nil, 30*time.Second)
}

// adjustCmd applies an operator override. -rev must carry the revision
// from a fresh `admin village` read; the server rejects stale ones.
func adjustCmd(args []string) {
	fs := flag.NewFlagSet("adjust", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	villageID := fs.String("village", "", "village id (required)")
	rev := fs.Uint64("rev", 0, "expected village revision (required)")
	wood := fs.Int64("wood", 0, "wood delta")
	clay := fs.Int64("clay", 0, "clay delta")
	iron := fs.Int64("iron", 0, "iron delta")
	crop := fs.Int64("crop", 0, "crop delta")
	silver := fs.Int64("silver", 0, "silver delta")
	troops := fs.String("troops", "", "troop deltas: unit=delta[,unit=delta...]")
	actor := fs.String("actor", "ops", "operator id for the audit trail")
	reason := fs.String("reason", "", "reason for the audit trail (required)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*villageID) == "" {
		fmt.Fprintln(os.Stderr, "missing -village")
		os.Exit(2)
	}
	if strings.TrimSpace(*reason) == "" {
		fmt.Fprintln(os.Stderr, "missing -reason")
		os.Exit(2)
	}
	troopDeltas, err := parseTroops(*troops)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -troops:", err)
		os.Exit(2)
	}

	body := map[string]any{
		"village_id": strings.TrimSpace(*villageID),
		"expect_rev": *rev,
		"resources":  map[string]int64{"wood": *wood, "clay": *clay, "iron": *iron, "crop": *crop},
		"silver":     *silver,
		"troops":     troopDeltas,
		"actor":      strings.TrimSpace(*actor),
		"reason":     strings.TrimSpace(*reason),
	}
	b, _ := json.Marshal(body)
	httpPost(*baseURL, "/admin/v1/adjust", b, 10*time.Second)
}

func parseTroops(s string) (map[string]int64, error) {
	out := map[string]int64{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		unit, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || unit == "" {
			return nil, fmt.Errorf("expected unit=delta, got %q", part)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", unit, err)
		}
		out[strings.TrimSpace(unit)] = n
	}
	return out, nil
}

func httpGet(baseURL, path string) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func httpPost(baseURL, path string, body []byte, timeout time.Duration) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	req, _ := http.NewRequest(http.MethodPost, u, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
