package registry

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/snowbrawl/backend/internal/game"
	"github.com/snowbrawl/backend/internal/room"
)

type Msg interface{ isRegistryMsg() }

// EnsureRoom returns the room for a normalized code, creating it on
// first use. Codes must already be normalized; rooms are never evicted.
type EnsureRoom struct {
	Code  string
	Reply chan *room.Room
}

type GetRoom struct {
	Code  string
	Reply chan *room.Room
}

type Shutdown struct{}

func (EnsureRoom) isRegistryMsg() {}
func (GetRoom) isRegistryMsg()    {}
func (Shutdown) isRegistryMsg()   {}

// Registry owns the code -> room map. Single-loop ownership makes
// concurrent EnsureRoom calls for the same code yield one room object.
type Registry struct {
	inbox      chan Msg
	rooms      map[string]*room.Room
	clock      clockwork.Clock
	log        *zap.Logger
	evictAfter time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewRegistry(parent context.Context, clock clockwork.Clock, logger *zap.Logger, evictAfter time.Duration) *Registry {
	ctx, cancel := context.WithCancel(parent)
	reg := &Registry{
		inbox:      make(chan Msg, 64),
		rooms:      make(map[string]*room.Room),
		clock:      clock,
		log:        logger,
		evictAfter: evictAfter,
		ctx:        ctx,
		cancel:     cancel,
	}
	go reg.loop()
	return reg
}

func (reg *Registry) Inbox() chan<- Msg { return reg.inbox }

func (reg *Registry) loop() {
	for {
		select {
		case <-reg.ctx.Done():
			reg.shutdown()
			return

		case m := <-reg.inbox:
			switch msg := m.(type) {
			case EnsureRoom:
				if rm := reg.rooms[msg.Code]; rm != nil {
					msg.Reply <- rm
					break
				}
				rng := rand.New(rand.NewSource(reg.clock.Now().UnixNano()))
				rm := room.NewRoom(reg.ctx, msg.Code, reg.clock, rng, reg.log, reg.evictAfter)
				reg.rooms[msg.Code] = rm
				reg.log.Info("room created", zap.String("code", msg.Code))
				msg.Reply <- rm

			case GetRoom:
				msg.Reply <- reg.rooms[msg.Code] // may be nil

			case Shutdown:
				reg.shutdown()
				return
			}
		}
	}
}

func (reg *Registry) shutdown() {
	for _, rm := range reg.rooms {
		rm.Inbox() <- room.Shutdown{}
	}
	clear(reg.rooms)
	reg.cancel()
}

// NormalizeCode strips everything that is not an ASCII digit and
// truncates to six characters. Short results are rejected, never padded.
func NormalizeCode(raw string) (string, error) {
	digits := make([]byte, 0, 6)
	for i := 0; i < len(raw) && len(digits) < 6; i++ {
		if c := raw[i]; c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) != 6 {
		return "", game.ErrInvalidRoomCode
	}
	return string(digits), nil
}
