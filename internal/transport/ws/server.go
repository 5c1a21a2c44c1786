package ws

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chunkclaims.dev/internal/protocol"
	"chunkclaims.dev/internal/sim/world"
)

type Config struct {
	// OutQueue is the per-connection buffer between the world loop and the
	// socket writer.
	OutQueue int
	// RequestsPerSecond and Burst bound inbound frames per connection.
	RequestsPerSecond float64
	Burst             int
	JoinTimeout       time.Duration
}

func (c *Config) applyDefaults() {
	if c.OutQueue <= 0 {
		c.OutQueue = 1024
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 40
	}
	if c.Burst <= 0 {
		c.Burst = 80
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 5 * time.Second
	}
}

type Server struct {
	world *world.World
	log   *zap.Logger
	cfg   Config

	upgrader websocket.Upgrader

	conns   atomic.Int64
	rejects atomic.Uint64
}

func NewServer(w *world.World, cfg Config, logger *zap.Logger) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		world: w,
		log:   logger,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Connections is the number of open, joined sockets.
func (s *Server) Connections() int64 { return s.conns.Load() }

// Rejects counts inbound frames refused by the decoder or the rate limiter.
func (s *Server) Rejects() uint64 { return s.rejects.Load() }

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Frames above the protocol limit still reach the decoder so the
		// client gets a proper error; far larger ones kill the connection.
		conn.SetReadLimit(4 * protocol.MaxMessageBytes)

		log := s.log.With(zap.String("remote", r.RemoteAddr))
		id, out := s.handshake(conn, log)
		if id == uuid.Nil {
			return
		}
		s.conns.Add(1)
		defer s.conns.Add(-1)
		log = log.With(zap.Stringer("player", id))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-s.world.Done():
					cancel()
					_ = conn.Close()
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
				}
			}
		}()

		limiter := rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst)
		reply := func(code, msg string) {
			select {
			case out <- protocol.Marshal(protocol.NewError(code, msg)):
			default:
			}
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, frame, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if !limiter.Allow() {
				s.rejects.Add(1)
				reply(protocol.ErrRateLimit, "too many requests")
				continue
			}
			msg, err := protocol.DecodeClient(frame)
			if err != nil {
				s.rejects.Add(1)
				log.Warn("rejected frame", zap.Int("bytes", len(frame)), zap.Error(err))
				reply(errorCode(err), err.Error())
				continue
			}
			select {
			case s.world.Inbox() <- world.Envelope{PlayerID: id, Msg: msg}:
			case <-ctx.Done():
			case <-s.world.Done():
				cancel()
			}
			if ctx.Err() != nil {
				break
			}
		}
		cancel()

		// Cleanup.
		s.leave(id)
	}
}

// leave tells the world id is gone. Once the world has stopped there is
// nobody left to tell.
func (s *Server) leave(id uuid.UUID) {
	select {
	case s.world.Leave() <- id:
	case <-s.world.Done():
	}
}

// handshake reads HELLO and joins the world. It returns uuid.Nil when the
// connection must be closed; a rejected join never touches the session
// already holding the id.
func (s *Server) handshake(conn *websocket.Conn, log *zap.Logger) (uuid.UUID, chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return uuid.Nil, nil
	}

	hello, id, err := protocol.DecodeHello(frame)
	if err != nil {
		s.rejects.Add(1)
		log.Warn("rejected hello", zap.Error(err))
		s.refuse(conn, protocol.NewError(errorCode(err), err.Error()))
		return uuid.Nil, nil
	}

	out := make(chan []byte, s.cfg.OutQueue)
	respCh := make(chan world.JoinResponse, 1)
	select {
	case s.world.Join() <- world.JoinRequest{
		PlayerID:    id,
		Name:        hello.Name,
		ClaimsName:  hello.ClaimsName,
		ClaimsColor: hello.ClaimsColor,
		Out:         out,
		Resp:        respCh,
	}:
	default:
		s.refuse(conn, protocol.NewError(protocol.ErrServerBusy, "join queue full"))
		return uuid.Nil, nil
	}

	var resp world.JoinResponse
	select {
	case resp = <-respCh:
	case <-s.world.Done():
		s.refuse(conn, protocol.NewError(protocol.ErrServerBusy, "server stopping"))
		return uuid.Nil, nil
	case <-time.After(s.cfg.JoinTimeout):
		// The world may still accept the join later; make sure it is undone.
		go func() {
			select {
			case r := <-respCh:
				if r.Error == nil {
					s.leave(id)
				}
			case <-s.world.Done():
			}
		}()
		s.refuse(conn, protocol.NewError(protocol.ErrServerBusy, "join timed out"))
		return uuid.Nil, nil
	}
	if resp.Error != nil {
		log.Info("join refused", zap.Stringer("player", id), zap.String("code", resp.Error.Code))
		s.refuse(conn, *resp.Error)
		return uuid.Nil, nil
	}

	if err := writeJSON(conn, resp.Welcome); err != nil {
		s.leave(id)
		return uuid.Nil, nil
	}
	return id, out
}

func (s *Server) refuse(conn *websocket.Conn, e protocol.ErrorMsg) {
	_ = writeJSON(conn, e)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, e.Code), time.Now().Add(time.Second))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrTooLarge):
		return protocol.ErrProtoTooLarge
	case errors.Is(err, protocol.ErrBadVersion):
		return protocol.ErrProtoVersion
	default:
		return protocol.ErrProtoBadRequest
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, protocol.Marshal(v))
}
