package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gridholm.gg/internal/protocol"
)

// A minimal player: logs in, keeps its first village growing by
// upgrading the lowest resource field, and prints every report the
// server pushes. Useful as a smoke client against a dev server.
func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		token    = flag.String("token", "bot-1", "auth token (player id under open identity)")
		interval = flag.Duration("interval", 20*time.Second, "poll interval")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var wmu sync.Mutex
	send := func(v any) {
		wmu.Lock()
		defer wmu.Unlock()
		if err := conn.WriteJSON(v); err != nil {
			logger.Fatalf("write: %v", err)
		}
	}

	send(protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PlayerName:      *token,
		Auth:            &protocol.HelloAuth{Token: *token},
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.Close()
	}()

	var villageID string
	var reqSeq atomic.Int64
	nextReq := func(op string) string {
		return fmt.Sprintf("%s_%d", op, reqSeq.Add(1))
	}
	poll := func() {
		if villageID == "" {
			return
		}
		send(protocol.CmdMsg{
			Type:            protocol.TypeCmd,
			ProtocolVersion: protocol.Version,
			ReqID:           nextReq("state"),
			Op:              protocol.OpVillageState,
			VillageID:       villageID,
		})
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME player=%s realm=%s villages=%v", w.PlayerID, w.RealmParams.RealmID, w.Villages)
			if len(w.Villages) > 0 {
				villageID = w.Villages[0]
			}
			go func() {
				tick := time.NewTicker(*interval)
				defer tick.Stop()
				poll()
				for range tick.C {
					poll()
				}
			}()

		case protocol.TypeResult:
			var res protocol.ResultMsg
			if err := json.Unmarshal(msg, &res); err != nil {
				continue
			}
			if !res.OK {
				logger.Printf("RESULT %s %s: %s %s", res.Op, res.ReqID, res.Code, res.Message)
				continue
			}
			if res.Op == protocol.OpVillageState {
				handleState(logger, send, nextReq, res.Data)
			}

		case protocol.TypeEvent:
			var ev protocol.EventMsg
			if err := json.Unmarshal(msg, &ev); err != nil {
				continue
			}
			payload, _ := json.Marshal(ev.Payload)
			logger.Printf("EVENT %s at=%s %s", ev.Kind, ev.At, payload)
		}
	}
}

// handleState queues one field upgrade whenever the build queue is
// idle, always picking the lowest-level resource field.
func handleState(logger *log.Logger, send func(any), nextReq func(string) string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	var v struct {
		ID     string `json:"id"`
		Stocks struct {
			Wood int64 `json:"wood"`
			Clay int64 `json:"clay"`
			Iron int64 `json:"iron"`
			Crop int64 `json:"crop"`
		} `json:"stocks"`
		Population int64 `json:"population"`
		NetCrop    int64 `json:"net_crop_per_hour"`
		Buildings  []struct {
			Slot  int    `json:"slot"`
			Type  string `json:"type"`
			Level int    `json:"level"`
		} `json:"buildings"`
		BuildQueue []json.RawMessage `json:"build_queue"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return
	}

	logger.Printf("village %s stocks=%d/%d/%d/%d pop=%d net_crop=%d queue=%d",
		v.ID, v.Stocks.Wood, v.Stocks.Clay, v.Stocks.Iron, v.Stocks.Crop,
		v.Population, v.NetCrop, len(v.BuildQueue))

	if len(v.BuildQueue) > 0 {
		return
	}

	isField := map[string]bool{"woodcutter": true, "claypit": true, "ironmine": true, "cropland": true}
	slot, building, level := -1, "", -1
	for _, b := range v.Buildings {
		if !isField[b.Type] {
			continue
		}
		if level < 0 || b.Level < level {
			slot, building, level = b.Slot, b.Type, b.Level
		}
	}
	if slot < 0 {
		return
	}

	logger.Printf("upgrading %s at slot %d (level %d)", building, slot, level)
	send(protocol.CmdMsg{
		Type:            protocol.TypeCmd,
		ProtocolVersion: protocol.Version,
		ReqID:           nextReq("build"),
		Op:              protocol.OpUpgradeBuilding,
		VillageID:       v.ID,
		Slot:            slot,
		BuildingID:      building,
	})
}
