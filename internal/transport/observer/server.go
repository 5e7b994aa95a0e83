package observer

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"gridholm.gg/internal/observerproto"
	"gridholm.gg/internal/protocol"
	"gridholm.gg/internal/sim/realm"
)

// Server streams periodic realm ops frames to loopback observers. It is
// read-only and unauthenticated, so both handlers refuse anything that
// is not a loopback peer.
type Server struct {
	realm    *realm.Realm
	sessions func() int
	log      *log.Logger

	upgrader websocket.Upgrader
}

// NewServer wires the ops stream. sessions may be nil when no gateway
// is running.
func NewServer(r *realm.Realm, sessions func() int, logger *log.Logger) *Server {
	return &Server{
		realm:    r,
		sessions: sessions,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		tun := s.realm.Tuning()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			RealmID:         s.realm.ID(),
			ServerTime:      time.Now().UTC().Format(time.RFC3339Nano),
			RealmParams: observerproto.RealmParams{
				GridWidth:    tun.GridWidth,
				GridHeight:   tun.GridHeight,
				GameProtocol: protocol.Version,
				TuningDigest: tun.Digest,
			},
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			closePolicy(conn, "bad subscribe")
			return
		}
		if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
			closePolicy(conn, "expected SUBSCRIBE")
			return
		}
		normalizeSubscribe(&sub)

		// Observers are allowed to go quiet after subscribing; dead
		// peers surface through the write deadline instead.
		_ = conn.SetReadDeadline(time.Time{})

		updates := make(chan observerproto.SubscribeMsg, 4)
		readErr := make(chan error, 1)
		go func() {
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					readErr <- err
					return
				}
				var up observerproto.SubscribeMsg
				if err := json.Unmarshal(msg, &up); err != nil {
					continue
				}
				if up.Type != observerproto.TypeSubscribe || up.ProtocolVersion != observerproto.Version {
					continue
				}
				normalizeSubscribe(&up)
				select {
				case updates <- up:
				default:
					// Drop retunes under load; the client may resend.
				}
			}
		}()

		writeFrame := func() error {
			b, err := json.Marshal(s.frame(sub, time.Now().UTC()))
			if err != nil {
				return err
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			return conn.WriteMessage(websocket.TextMessage, b)
		}

		if err := writeFrame(); err != nil {
			return
		}
		ticker := time.NewTicker(time.Duration(sub.IntervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-readErr:
				return
			case up := <-updates:
				sub = up
				ticker.Reset(time.Duration(sub.IntervalSeconds) * time.Second)
			case <-ticker.C:
				if err := writeFrame(); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) frame(sub observerproto.SubscribeMsg, now time.Time) observerproto.FrameMsg {
	st := s.realm.Stats()
	f := observerproto.FrameMsg{
		Type:            observerproto.TypeFrame,
		ProtocolVersion: observerproto.Version,
		At:              now.Format(time.RFC3339Nano),
		Stats: observerproto.StatsMsg{
			Villages:   st.Villages,
			Armies:     st.Armies,
			OpenOrders: st.OpenOrders,
			Settles:    st.Settles,
			Battles:    st.Battles,
			Trades:     st.Trades,
		},
	}
	if s.sessions != nil {
		f.Stats.Sessions = s.sessions()
	}
	if sub.IncludeArmies {
		f.Armies = s.realm.ArmiesInFlight()
	}
	if sub.IncludeOrders {
		if orders, err := s.realm.ListOrders("", "", sub.MaxOrders); err == nil {
			f.Orders = orders
		}
	}
	return f
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.IntervalSeconds <= 0 {
		sub.IntervalSeconds = 5
	}
	if sub.IntervalSeconds > 60 {
		sub.IntervalSeconds = 60
	}
	if sub.MaxOrders <= 0 {
		sub.MaxOrders = 100
	}
	if sub.MaxOrders > 1000 {
		sub.MaxOrders = 1000
	}
}

func closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
