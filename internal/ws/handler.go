package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/snowbrawl/backend/internal/game"
	"github.com/snowbrawl/backend/internal/registry"
	"github.com/snowbrawl/backend/internal/room"
	"github.com/snowbrawl/backend/internal/types"
)

const writeTimeout = 3 * time.Second

type Config struct {
	// PingPeriod is the liveness interval; a connection that misses two
	// periods' worth of pongs is terminated.
	PingPeriod     time.Duration
	OriginPatterns []string
}

// session is one connection's identity and its at-most-one room binding.
type session struct {
	id     string
	outbox chan types.ServerMessage
	room   *room.Room
}

func Handler(reg *registry.Registry, cfg Config, clock clockwork.Clock, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: cfg.OriginPatterns,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		sess := &session{
			id:     uuid.NewString(),
			outbox: make(chan types.ServerMessage, 16),
		}
		log := logger.With(zap.String("session", sess.id))
		log.Debug("connection open")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		defer func() {
			if sess.room != nil {
				sess.room.Inbox() <- room.Leave{SessionID: sess.id}
			}
			log.Debug("connection closed")
		}()

		hello := types.ServerMessage{Type: "hello", ID: sess.id, ServerTime: clock.Now().UnixMilli()}
		if err := write(ctx, conn, hello); err != nil {
			return
		}

		// Writer goroutine: drains the outbox rooms broadcast into. The
		// session owns the outbox and nobody closes it; teardown exits
		// via ctx.
		go func() {
			for {
				select {
				case msg := <-sess.outbox:
					if err := write(ctx, conn, msg); err != nil {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		// Liveness pinger on a fixed global period.
		go func() {
			t := clock.NewTicker(cfg.PingPeriod)
			defer t.Stop()
			for {
				select {
				case <-t.Chan():
					pctx, pcancel := context.WithTimeout(ctx, 2*cfg.PingPeriod)
					err := conn.Ping(pctx)
					pcancel()
					if err != nil {
						log.Info("liveness check failed, dropping connection")
						cancel()
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				continue // garbage input is dropped, not answered
			}
			dispatch(sess, reg, cm, log)
		}
	}
}

// dispatch routes one well-formed request. Structured failures come back
// to this connection only, as a single error message.
func dispatch(sess *session, reg *registry.Registry, cm types.ClientMessage, log *zap.Logger) {
	switch cm.Type {
	case "join":
		// Validate everything before touching the current binding: a
		// rejected join must leave the old room untouched.
		code, err := registry.NormalizeCode(cm.Room)
		if err != nil {
			sendErr(sess, err)
			return
		}
		if !game.ValidNick(cm.Nick) {
			sendErr(sess, game.ErrInvalidNickname)
			return
		}
		reply := make(chan *room.Room, 1)
		reg.Inbox() <- registry.EnsureRoom{Code: code, Reply: reply}
		rm := <-reply

		// One live player per connection: leaving first means the old
		// room broadcasts the departure before the new join lands.
		if sess.room != nil {
			sess.room.Inbox() <- room.Leave{SessionID: sess.id}
			sess.room = nil
		}

		joinReply := make(chan error, 1)
		rm.Inbox() <- room.Join{
			SessionID: sess.id,
			Nick:      cm.Nick,
			Team:      cm.Team,
			Outbox:    sess.outbox,
			Reply:     joinReply,
		}
		if err := <-joinReply; err != nil {
			sendErr(sess, err)
			return
		}
		sess.room = rm

	case "start":
		if sess.room == nil {
			sendErr(sess, game.ErrNotJoined)
			return
		}
		reply := make(chan error, 1)
		sess.room.Inbox() <- room.Start{SessionID: sess.id, Seconds: cm.Duration, Reply: reply}
		if err := <-reply; err != nil {
			sendErr(sess, err)
		}

	case "action":
		if sess.room == nil {
			sendErr(sess, game.ErrNotJoined)
			return
		}
		reply := make(chan error, 1)
		sess.room.Inbox() <- room.Act{SessionID: sess.id, Action: cm.Action, Reply: reply}
		if err := <-reply; err != nil {
			sendErr(sess, err)
		}

	default:
		// Unknown tags count as malformed and are dropped silently.
		log.Debug("dropping message with unknown type", zap.String("type", cm.Type))
	}
}

func sendErr(sess *session, err error) {
	select {
	case sess.outbox <- types.ServerMessage{Type: "error", Error: err.Error()}:
	default:
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg types.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}
