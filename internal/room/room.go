package room

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/snowbrawl/backend/internal/game"
	"github.com/snowbrawl/backend/internal/types"
)

// Fire shield expiry slightly after the deadline so a snapshot taken at
// the boundary already renders the shield down.
const shieldExpiryGrace = 50 * time.Millisecond

type Msg interface{ isRoomMsg() }

type Join struct {
	SessionID string
	Nick      string
	Team      string
	Outbox    chan types.ServerMessage
	Reply     chan error
}

type Start struct {
	SessionID string
	Seconds   float64
	Reply     chan error
}

type Act struct {
	SessionID string
	Action    string // "throw" | "shield" | "reset"
	Reply     chan error
}

type Leave struct{ SessionID string }

type GetView struct {
	Reply chan View
}

type Shutdown struct{}

// Timer callbacks re-enter the room through the same inbox as player
// actions; the generation lets a superseded timer detect staleness.
type tickMsg struct{ gen int }

type shieldExpiredMsg struct {
	team game.TeamID
	gen  int
}

func (Join) isRoomMsg()             {}
func (Start) isRoomMsg()            {}
func (Act) isRoomMsg()              {}
func (Leave) isRoomMsg()            {}
func (GetView) isRoomMsg()          {}
func (Shutdown) isRoomMsg()         {}
func (tickMsg) isRoomMsg()          {}
func (shieldExpiredMsg) isRoomMsg() {}

// View reflects internal state without data races; test-only.
type View struct {
	NumClients int
	Snapshot   game.Snapshot
}

// Room serializes everything touching one room's state through a single
// goroutine. Timers never mutate state directly: they post messages back
// into the inbox and get re-validated there.
type Room struct {
	code    string
	inbox   chan Msg
	state   *game.State
	clients map[string]chan types.ServerMessage
	clock   clockwork.Clock
	pick    game.TargetPicker
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stopTicker  func()
	shieldStops map[game.TeamID]func()
}

func NewRoom(parent context.Context, code string, clock clockwork.Clock, rng *rand.Rand, logger *zap.Logger, evictAfter time.Duration) *Room {
	ctx, cancel := context.WithCancel(parent)

	r := &Room{
		code:    code,
		inbox:   make(chan Msg, 64),
		state:   game.NewState(code, clock.Now(), evictAfter),
		clients: make(map[string]chan types.ServerMessage),
		clock:   clock,
		pick: func(candidates []*game.Player) *game.Player {
			return candidates[rng.Intn(len(candidates))]
		},
		log:         logger.With(zap.String("room", code)),
		ctx:         ctx,
		cancel:      cancel,
		shieldStops: make(map[game.TeamID]func()),
	}

	go r.loop()
	return r
}

func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) Code() string { return r.code }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.handleJoin(msg)
			case Start:
				r.handleStart(msg)
			case Act:
				r.handleAct(msg)
			case Leave:
				r.handleLeave(msg)
			case tickMsg:
				r.handleTick(msg)
			case shieldExpiredMsg:
				r.handleShieldExpired(msg)
			case GetView:
				msg.Reply <- View{
					NumClients: len(r.clients),
					Snapshot:   *r.state.Snapshot(r.clock.Now()),
				}
			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) handleJoin(msg Join) {
	p, err := r.state.Join(msg.SessionID, msg.Nick, game.TeamID(msg.Team), r.clock.Now())
	if err != nil {
		msg.Reply <- err
		return
	}
	r.clients[msg.SessionID] = msg.Outbox
	r.log.Info("player joined", zap.String("nick", p.Nick), zap.String("team", string(p.Team)))
	r.broadcast(nil, true)
	// Reply last: once the caller unblocks, its broadcast is already queued.
	msg.Reply <- nil
}

func (r *Room) handleStart(msg Start) {
	if _, bound := r.clients[msg.SessionID]; !bound {
		msg.Reply <- game.ErrNotJoined
		return
	}
	events, err := r.state.StartMatch(msg.Seconds, r.clock.Now())
	if err != nil {
		msg.Reply <- err
		return
	}
	r.log.Info("match started", zap.Duration("duration", r.state.Match.Duration))
	r.broadcast(events, true)
	r.startTicker(r.state.Match.Gen)
	msg.Reply <- nil
}

func (r *Room) handleAct(msg Act) {
	p := r.state.Players[msg.SessionID]
	if p == nil || !p.Connected {
		msg.Reply <- game.ErrNotJoined
		return
	}
	now := r.clock.Now()

	switch msg.Action {
	case "throw":
		events, err := r.state.Throw(p, now, r.pick)
		if err != nil {
			msg.Reply <- err
			return
		}
		r.broadcast(events, true)
		if containsKind(events, game.EvtFinish) {
			r.cancelTicker()
			r.log.Info("match finished", zap.String("winner", string(r.state.Winner)))
		}
		msg.Reply <- nil

	case "shield":
		shield, err := r.state.RaiseShield(p, now)
		if err != nil {
			msg.Reply <- err
			return
		}
		r.broadcast(nil, true)
		r.scheduleShieldExpiry(p.Team, shield.Gen, shield.Until)
		msg.Reply <- nil

	case "reset":
		events := r.state.Reset(now)
		r.cancelTicker()
		r.cancelShieldTimers()
		r.log.Info("room reset")
		r.broadcast(events, true)
		msg.Reply <- nil

	default:
		msg.Reply <- game.ErrUnknownAction
	}
}

func (r *Room) handleLeave(msg Leave) {
	delete(r.clients, msg.SessionID)
	if r.state.Disconnect(msg.SessionID, r.clock.Now()) {
		r.broadcast(nil, true)
	}
}

func (r *Room) handleTick(msg tickMsg) {
	events, ok := r.state.Tick(msg.gen, r.clock.Now())
	if !ok {
		return // stale generation
	}
	if containsKind(events, game.EvtFinish) {
		r.cancelTicker()
		r.log.Info("match finished", zap.String("winner", string(r.state.Winner)))
		r.broadcast(events, true)
		return
	}
	// A plain tick changes nothing a snapshot would not recompute anyway.
	r.broadcast(events, false)
}

func (r *Room) handleShieldExpired(msg shieldExpiredMsg) {
	if r.state.ExpireShield(msg.team, msg.gen, r.clock.Now()) {
		r.broadcast(nil, true)
	}
}

// startTicker replaces any running match ticker with one carrying gen.
func (r *Room) startTicker(gen int) {
	r.cancelTicker()
	stop := make(chan struct{})
	var once sync.Once
	r.stopTicker = func() { once.Do(func() { close(stop) }) }

	go func() {
		t := r.clock.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.Chan():
				select {
				case r.inbox <- tickMsg{gen: gen}:
				case <-r.ctx.Done():
					return
				}
			case <-stop:
				return
			case <-r.ctx.Done():
				return
			}
		}
	}()
}

func (r *Room) cancelTicker() {
	if r.stopTicker != nil {
		r.stopTicker()
		r.stopTicker = nil
	}
}

// scheduleShieldExpiry arms a one-shot timer for this shield generation,
// replacing any timer still pending for the same team.
func (r *Room) scheduleShieldExpiry(team game.TeamID, gen int, until time.Time) {
	if stop := r.shieldStops[team]; stop != nil {
		stop()
	}
	stop := make(chan struct{})
	var once sync.Once
	r.shieldStops[team] = func() { once.Do(func() { close(stop) }) }

	d := until.Sub(r.clock.Now()) + shieldExpiryGrace
	go func() {
		t := r.clock.NewTimer(d)
		defer stopAndDrain(t)
		select {
		case <-t.Chan():
			select {
			case r.inbox <- shieldExpiredMsg{team: team, gen: gen}:
			case <-r.ctx.Done():
			}
		case <-stop:
		case <-r.ctx.Done():
		}
	}()
}

func (r *Room) cancelShieldTimers() {
	for team, stop := range r.shieldStops {
		if stop != nil {
			stop()
		}
		delete(r.shieldStops, team)
	}
}

// stopAndDrain stops a timer and drains its channel so the goroutine
// holding it can always exit.
func stopAndDrain(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}

// broadcast fans out one snapshot (when state changed) followed by the
// discrete events. Sends are non-blocking: a full outbox loses this
// message but keeps its connection until liveness gives up on it.
func (r *Room) broadcast(events []game.Event, withState bool) {
	msgs := make([]types.ServerMessage, 0, len(events)+1)
	if withState {
		msgs = append(msgs, types.ServerMessage{Type: "state", State: r.state.Snapshot(r.clock.Now())})
	}
	for i := range events {
		msgs = append(msgs, types.ServerMessage{Type: "event", Event: &events[i]})
	}

	for id, ch := range r.clients {
		for _, m := range msgs {
			select {
			case ch <- m:
			default:
				r.log.Debug("dropping message for slow client", zap.String("session", id))
			}
		}
	}
}

// shutdown forgets all clients without closing their outboxes: the
// session layer also sends on those channels (error replies), so the
// room closing them would race a send with a close. Sessions outlive
// rooms and tear down through their own connection context.
func (r *Room) shutdown() {
	r.cancelTicker()
	r.cancelShieldTimers()
	clear(r.clients)
	r.cancel()
}

func containsKind(events []game.Event, kind game.EventKind) bool {
	for _, e := range events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
