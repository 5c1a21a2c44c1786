package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chunkclaims.dev/internal/protocol"
)

// bot is a scripted client: it confirms paced traffic and claims or
// unclaims chunks around a home position.
func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "bot", "player name")
		player   = flag.String("player", "", "player uuid (default random)")
		dim      = flag.String("dim", "overworld", "dimension to claim in")
		radius   = flag.Int("radius", 4, "claim radius around home in chunks")
		interval = flag.Duration("interval", 500*time.Millisecond, "delay between claim actions")
	)
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	id := uuid.New()
	if *player != "" {
		var err error
		if id, err = uuid.Parse(*player); err != nil {
			logger.Fatal("bad -player", zap.Error(err))
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatal("dial", zap.Error(err))
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PlayerID:        id.String(),
		Name:            *name,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatal("send HELLO", zap.Error(err))
	}

	// Writes come from the read loop and the ticker; gorilla allows one writer.
	writes := make(chan any, 64)
	go func() {
		for v := range writes {
			if err := conn.WriteJSON(v); err != nil {
				logger.Warn("write", zap.Error(err))
				return
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.Close()
	}()

	go func() {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		seq := 0
		for range time.Tick(*interval) {
			seq++
			action := "CLAIM"
			if r.Intn(4) == 0 {
				action = "UNCLAIM"
			}
			writes <- protocol.ClaimActionMsg{
				Type:            protocol.TypeClaimAction,
				ProtocolVersion: protocol.Version,
				ID:              fmt.Sprintf("bot-%d", seq),
				Action:          action,
				Dim:             *dim,
				X:               int32(r.Intn(2*(*radius)+1) - *radius),
				Z:               int32(r.Intn(2*(*radius)+1) - *radius),
			}
		}
	}()

	confirm := protocol.ConfirmMsg{Type: protocol.TypeConfirm, ProtocolVersion: protocol.Version}
	counts := map[string]int{}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Info("disconnected", zap.Error(err), zap.Any("results", counts))
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
			logger.Info("welcome", zap.String("player", w.PlayerID), zap.String("sync_mode", w.SyncMode), zap.Int("tick_rate", w.TickRateHz))
		case protocol.TypeRequestConfirm:
			writes <- confirm
		case protocol.TypeLoading:
			var l protocol.LoadingMsg
			if err := json.Unmarshal(msg, &l); err == nil {
				logger.Info("loading", zap.String("phase", l.Phase))
			}
		case protocol.TypeClaimResult:
			var res protocol.ClaimResultMsg
			if err := json.Unmarshal(msg, &res); err != nil {
				continue
			}
			for _, c := range res.Results {
				counts[c.Result]++
			}
		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err == nil {
				logger.Warn("server error", zap.String("code", e.Code), zap.String("message", e.Message))
			}
		}
	}
}
