package ws

import (
	"encoding/json"
	"sync"
	"time"

	"gridholm.gg/internal/protocol"
	"gridholm.gg/internal/sim/realm"
)

const defaultKeepReports = 200

// Hub fans finished reports out to connected sessions as EVENT frames
// and keeps a short per-player tail so LIST_REPORTS works for players
// who were offline when the report fired. It implements realm.ReportSink
// and sits in the same fan-out as the persistent sinks.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[*session]struct{}
	recent   map[string][]realm.Report
	keep     int
}

func NewHub(keep int) *Hub {
	if keep <= 0 {
		keep = defaultKeepReports
	}
	return &Hub{
		sessions: map[string]map[*session]struct{}{},
		recent:   map[string][]realm.Report{},
		keep:     keep,
	}
}

// Record implements realm.ReportSink. It never blocks: a session whose
// outbound queue is full loses the push and recovers via LIST_REPORTS.
func (h *Hub) Record(rep realm.Report) error {
	ev := protocol.EventMsg{
		Type:            protocol.TypeEvent,
		ProtocolVersion: protocol.Version,
		Kind:            rep.Kind,
		At:              rep.At.UTC().Format(time.RFC3339Nano),
		Payload:         rep,
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.Lock()
	var targets []*session
	for _, pid := range rep.For {
		tail := append(h.recent[pid], rep)
		if len(tail) > h.keep {
			tail = tail[len(tail)-h.keep:]
		}
		h.recent[pid] = tail
		for s := range h.sessions[pid] {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.send(frame)
	}
	return nil
}

func (h *Hub) attach(playerID string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[playerID]
	if set == nil {
		set = map[*session]struct{}{}
		h.sessions[playerID] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) detach(playerID string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[playerID]
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, playerID)
	}
}

// reportsFor returns the retained tail for a player, oldest first.
// sinceID skips everything up to and including that report if it is
// still retained; limit keeps the newest N of what remains.
func (h *Hub) reportsFor(playerID, sinceID string, limit int) []realm.Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	tail := h.recent[playerID]
	if sinceID != "" {
		for i := len(tail) - 1; i >= 0; i-- {
			if tail[i].ID == sinceID {
				tail = tail[i+1:]
				break
			}
		}
	}
	if limit > 0 && len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	out := make([]realm.Report, len(tail))
	copy(out, tail)
	return out
}

// Sessions counts live connections, for metrics.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}
