package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gridholm.gg/internal/protocol"
	"gridholm.gg/internal/sim/catalogs"
	"gridholm.gg/internal/sim/realm"
	"gridholm.gg/internal/sim/tuning"
)

const (
	handshakeTimeout = 5 * time.Second
	readIdleTimeout  = 60 * time.Second
	writeTimeout     = 5 * time.Second
	outQueueDepth    = 32
)

// Server is the player gateway: one websocket per session carrying JSON
// frames. HELLO -> WELCOME + CATALOG, then CMD/RESULT pairs with EVENT
// pushes in between.
type Server struct {
	realm    *realm.Realm
	cats     *catalogs.Catalogs
	tun      tuning.Tuning
	identity Identity
	hub      *Hub
	log      *log.Logger

	upgrader websocket.Upgrader
	dropped  atomic.Uint64
}

func NewServer(r *realm.Realm, identity Identity, hub *Hub, logger *log.Logger) *Server {
	s := &Server{
		realm:    r,
		cats:     r.Catalogs(),
		tun:      r.Tuning(),
		identity: identity,
		hub:      hub,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

// Dropped reports outbound frames discarded on slow sessions, for
// metrics.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

type session struct {
	srv      *Server
	id       string
	playerID string
	out      chan []byte

	cmdGate      rateGate
	dispatchGate rateGate
}

// send queues a frame without blocking. Slow consumers lose frames; the
// writer deadline closes them soon after.
func (s *session) send(b []byte) {
	select {
	case s.out <- b:
	default:
		s.srv.dropped.Add(1)
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess, frames := s.handshake(conn)
		if sess == nil {
			return
		}

		// Attach before the client can observe WELCOME, so no report
		// emitted after login slips past the push path.
		s.hub.attach(sess.playerID, sess)
		defer s.hub.detach(sess.playerID, sess)
		for _, f := range frames {
			if err := writeJSON(conn, f); err != nil {
				return
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-sess.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				sess.send(marshalResult(s.log, protoErr("", "", "malformed frame")))
				continue
			}
			if base.Type != protocol.TypeCmd {
				continue
			}
			var cmd protocol.CmdMsg
			if err := json.Unmarshal(msg, &cmd); err != nil {
				sess.send(marshalResult(s.log, protoErr("", "", "malformed CMD")))
				continue
			}
			sess.send(marshalResult(s.log, s.dispatchCmd(sess, cmd, time.Now().UTC())))
		}
	}
}

// handshake reads and validates HELLO, resolves the player, and spawns
// a first village when the player has none. It writes nothing on
// success; the caller sends the returned frames after hub attach.
func (s *Server) handshake(conn *websocket.Conn) (*session, []any) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closePolicy(conn, "expected HELLO")
		return nil, nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closePolicy(conn, "malformed HELLO")
		return nil, nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closePolicy(conn, "bad protocol_version")
		return nil, nil
	}

	token := ""
	if hello.Auth != nil {
		token = strings.TrimSpace(hello.Auth.Token)
	}
	playerID, err := s.identity.Resolve(token)
	if err != nil {
		closePolicy(conn, "auth rejected")
		return nil, nil
	}

	now := time.Now().UTC()
	villages := s.realm.VillagesOf(playerID)
	if len(villages) == 0 {
		id, err := s.spawnVillage(playerID, now)
		if err != nil {
			s.log.Printf("spawn failed for %s: %v", playerID, err)
			closePolicy(conn, "no spawn available")
			return nil, nil
		}
		villages = []string{id}
	}

	sess := &session{
		srv:      s,
		id:       uuid.NewString(),
		playerID: playerID,
		out:      make(chan []byte, outQueueDepth),
	}

	frames := []any{
		protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			SessionID:       sess.id,
			PlayerID:        playerID,
			ServerTime:      now.Format(time.RFC3339Nano),
			RealmParams: protocol.RealmParams{
				RealmID:    s.realm.ID(),
				GridWidth:  s.tun.GridWidth,
				GridHeight: s.tun.GridHeight,
			},
			Catalogs: protocol.CatalogDigests{
				Units:        protocol.DigestRef{Digest: s.cats.Units.DefsDigest, Count: len(s.cats.Units.Defs)},
				Buildings:    protocol.DigestRef{Digest: s.cats.Buildings.DefsDigest, Count: len(s.cats.Buildings.Defs)},
				TuningDigest: s.tun.Digest,
			},
			Villages: villages,
		},
		protocol.CatalogMsg{Type: protocol.TypeCatalog, ProtocolVersion: protocol.Version, Name: "units", Digest: s.cats.Units.DefsDigest, Data: s.cats.Units.Defs},
		protocol.CatalogMsg{Type: protocol.TypeCatalog, ProtocolVersion: protocol.Version, Name: "buildings", Digest: s.cats.Buildings.DefsDigest, Data: s.cats.Buildings.Defs},
	}
	return sess, frames
}

// spawnVillage founds the player's first village near the grid center,
// walking outward ring by ring until a free cell takes. Races between
// concurrent first logins resolve through E_INVALID_TARGET on the
// occupied cell and the loser moves on.
func (s *Server) spawnVillage(playerID string, now time.Time) (string, error) {
	tribe := ""
	if ts, ok := s.identity.(TribeSource); ok {
		tribe = ts.TribeOf(playerID)
	}
	cx, cy := s.tun.GridWidth/2, s.tun.GridHeight/2
	maxR := s.tun.GridWidth
	if s.tun.GridHeight > maxR {
		maxR = s.tun.GridHeight
	}
	for radius := 0; radius <= maxR; radius++ {
		for _, c := range ringCells(cx, cy, radius) {
			id, err := s.realm.FoundVillage(playerID, tribe, "", c.X, c.Y, true, now)
			if err == nil {
				return id, nil
			}
			if realm.CodeOf(err) != protocol.ErrInvalidTarget {
				return "", err
			}
		}
	}
	return "", errors.New("no free cell on the grid")
}

func ringCells(cx, cy, r int) []protocol.GridRef {
	if r == 0 {
		return []protocol.GridRef{{X: cx, Y: cy}}
	}
	cells := make([]protocol.GridRef, 0, 8*r)
	for x := cx - r; x <= cx+r; x++ {
		cells = append(cells, protocol.GridRef{X: x, Y: cy - r}, protocol.GridRef{X: x, Y: cy + r})
	}
	for y := cy - r + 1; y <= cy+r-1; y++ {
		cells = append(cells, protocol.GridRef{X: cx - r, Y: y}, protocol.GridRef{X: cx + r, Y: y})
	}
	return cells
}

func closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func marshalResult(logger *log.Logger, res protocol.ResultMsg) []byte {
	b, err := json.Marshal(res)
	if err != nil {
		logger.Printf("marshal result %s: %v", res.Op, err)
		b, _ = json.Marshal(protoErr(res.ReqID, res.Op, "encode failure"))
	}
	return b
}
