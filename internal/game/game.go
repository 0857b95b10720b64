package game

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var ErrInvalidRoomCode = errors.New("invalid room code")
var ErrInvalidNickname = errors.New("invalid nickname")
var ErrNotJoined = errors.New("not joined to a room")
var ErrMatchInProgress = errors.New("match already in progress")
var ErrInvalidDuration = errors.New("invalid duration")
var ErrGameFinished = errors.New("game already finished")
var ErrMatchNotStarted = errors.New("match not started")
var ErrOutOfAmmo = errors.New("out of snow")
var ErrNoTargets = errors.New("no targets on the other team")
var ErrShieldActive = errors.New("shield already active")
var ErrUnknownAction = errors.New("unknown action")

// CooldownError reports how long until the player may act again.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("on cooldown: %dms remaining", e.Remaining.Milliseconds())
}

const (
	StartHP         = 10
	StartSnow       = 20
	ShieldHP        = 3
	ShieldDuration  = 15 * time.Second
	ActionCooldown  = 5 * time.Second
	ComboWindow     = 6 * time.Second
	MinDuration     = 30 * time.Second
	MaxDuration     = 900 * time.Second
	DefaultDuration = 180 * time.Second
	LogCapacity     = 80
	MaxNickLen      = 18
)

type TeamID string

const (
	TeamA TeamID = "a"
	TeamB TeamID = "b"
)

func (t TeamID) Enemy() TeamID {
	if t == TeamA {
		return TeamB
	}
	return TeamA
}

func (t TeamID) Label() string { return strings.ToUpper(string(t)) }

type Winner string

const (
	WinnerNone Winner = ""
	WinnerA    Winner = Winner(TeamA)
	WinnerB    Winner = Winner(TeamB)
	WinnerDraw Winner = "draw"
)

// Shield is a team-wide buff: it soaks hits until its integrity or its
// clock runs out. Gen increments every time the shield is raised or
// cleared so a stale expiry timer can recognize it has been superseded.
type Shield struct {
	Active bool
	HP     int
	Until  time.Time
	Gen    int
}

// VisibleAt is the single source of truth for whether a shield blocks.
// Active, integrity and expiry must all agree.
func (sh Shield) VisibleAt(now time.Time) bool {
	return sh.Active && sh.HP > 0 && now.Before(sh.Until)
}

type Team struct {
	HP     int
	Snow   int
	Shield Shield
}

type Match struct {
	InProgress bool
	StartedAt  time.Time
	EndsAt     time.Time
	Duration   time.Duration
	Gen        int
}

// Combo tracks consecutive unblocked hits by one team inside a rolling
// window. Purely cosmetic: it feeds log lines and event payloads.
type Combo struct {
	LastBy TeamID
	Count  int
	LastAt time.Time
}

type Player struct {
	ID           string
	Nick         string
	Team         TeamID
	Connected    bool
	LastActionAt time.Time // zero value means immediately eligible
	LeftAt       time.Time
}

type LogEntry struct {
	At   time.Time
	Text string
}

type EventKind string

const (
	EvtStart        EventKind = "start"
	EvtTick         EventKind = "tick"
	EvtFinish       EventKind = "finish"
	EvtReset        EventKind = "reset"
	EvtHit          EventKind = "hit"
	EvtShieldAbsorb EventKind = "shield_absorb"
	EvtShieldBreak  EventKind = "shield_break"
)

// Event is an instantaneous occurrence, broadcast separately from state
// snapshots so clients can animate it. Timestamps are unix milliseconds.
type Event struct {
	Kind      EventKind `json:"kind"`
	Team      TeamID    `json:"team,omitempty"`
	From      string    `json:"from,omitempty"`
	Target    string    `json:"target,omitempty"`
	Combo     int       `json:"combo,omitempty"`
	Remaining int       `json:"remaining,omitempty"`
	Winner    Winner    `json:"winner,omitempty"`
	At        int64     `json:"at"`
}

// TargetPicker chooses which enemy gets name-checked in hit flavor text.
// The pick never changes the outcome, so tests inject a deterministic one.
type TargetPicker func(candidates []*Player) *Player

// State is one room's full authoritative game state. It is plain data
// plus transition methods; serialization of access is the caller's job.
type State struct {
	Code       string
	CreatedAt  time.Time
	Finished   bool
	Winner     Winner
	Match      Match
	Combo      Combo
	Teams      map[TeamID]*Team
	Players    map[string]*Player
	Log        []LogEntry
	EvictAfter time.Duration // <= 0 disables purging of disconnected players
}

func NewState(code string, now time.Time, evictAfter time.Duration) *State {
	return &State{
		Code:      code,
		CreatedAt: now,
		Teams: map[TeamID]*Team{
			TeamA: {HP: StartHP, Snow: StartSnow},
			TeamB: {HP: StartHP, Snow: StartSnow},
		},
		Players:    make(map[string]*Player),
		EvictAfter: evictAfter,
	}
}

// ValidNick reports whether a nickname survives trimming. Callers with
// prior state to give up must check this before letting go of it: a
// rejected join may not have side effects.
func ValidNick(nick string) bool { return strings.TrimSpace(nick) != "" }

// Join registers a fresh player for this connection id. An invalid team
// string auto-assigns the smaller side rather than failing; the error
// taxonomy has no invalid-team case.
func (s *State) Join(id, nick string, team TeamID, now time.Time) (*Player, error) {
	if !ValidNick(nick) {
		return nil, ErrInvalidNickname
	}
	nick = strings.TrimSpace(nick)
	if r := []rune(nick); len(r) > MaxNickLen {
		nick = string(r[:MaxNickLen])
	}
	if team != TeamA && team != TeamB {
		team = s.smallerTeam()
	}
	s.evictStale(now)

	p := &Player{ID: id, Nick: nick, Team: team, Connected: true}
	s.Players[id] = p
	if len(s.Log) == 0 {
		s.appendLog(now, "new game")
	}
	s.appendLog(now, fmt.Sprintf("%s joined team %s", nick, team.Label()))
	return p, nil
}

func (s *State) smallerTeam() TeamID {
	counts := map[TeamID]int{}
	for _, p := range s.Players {
		if p.Connected {
			counts[p.Team]++
		}
	}
	if counts[TeamB] < counts[TeamA] {
		return TeamB
	}
	return TeamA
}

// StartMatch validates and clamps the requested duration, silently wipes
// combat state, and arms a fresh match generation. The caller is expected
// to start a 1s ticker carrying the returned generation.
func (s *State) StartMatch(seconds float64, now time.Time) ([]Event, error) {
	if s.Match.InProgress {
		return nil, ErrMatchInProgress
	}
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return nil, ErrInvalidDuration
	}
	d := DefaultDuration
	if seconds > 0 {
		d = time.Duration(seconds * float64(time.Second))
	}
	if d < MinDuration {
		d = MinDuration
	}
	if d > MaxDuration {
		d = MaxDuration
	}

	s.resetCombat(now)
	s.Match.InProgress = true
	s.Match.StartedAt = now
	s.Match.EndsAt = now.Add(d)
	s.Match.Duration = d
	s.appendLog(now, fmt.Sprintf("match started: %d seconds on the clock", int(d/time.Second)))
	return []Event{{Kind: EvtStart, At: ms(now)}}, nil
}

// Throw resolves one snowball. Gate order: finished, not started,
// cooldown, lazy shield expiry, ammo, targets. A rejected throw has no
// side effect at all; a resolved one always costs one snow and stamps
// the cooldown, whether it lands or gets absorbed.
func (s *State) Throw(p *Player, now time.Time, pick TargetPicker) ([]Event, error) {
	if err := s.actionGate(p, now); err != nil {
		return nil, err
	}
	s.expireShields(now)

	attacker := s.Teams[p.Team]
	enemy := p.Team.Enemy()
	defender := s.Teams[enemy]
	if attacker.Snow <= 0 {
		return nil, ErrOutOfAmmo
	}
	targets := s.connectedOn(enemy)
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	target := pick(targets)

	attacker.Snow--
	p.LastActionAt = now

	if defender.Shield.VisibleAt(now) {
		defender.Shield.HP--
		if defender.Shield.HP < 0 {
			defender.Shield.HP = 0
		}
		s.appendLog(now, fmt.Sprintf("%s's snowball thuds into team %s's shield", p.Nick, enemy.Label()))
		s.Combo = Combo{} // defense breaks the chain
		events := []Event{{Kind: EvtShieldAbsorb, Team: p.Team, From: p.Nick, Target: target.Nick, At: ms(now)}}
		if defender.Shield.HP == 0 {
			defender.Shield = Shield{Gen: defender.Shield.Gen + 1}
			s.appendLog(now, fmt.Sprintf("team %s's shield shatters", enemy.Label()))
			events = append(events, Event{Kind: EvtShieldBreak, Team: enemy, At: ms(now)})
		}
		return events, nil
	}

	defender.HP--
	if defender.HP < 0 {
		defender.HP = 0
	}
	combo := s.recordHit(p.Team, now)
	s.appendLog(now, fmt.Sprintf("%s pelts %s", p.Nick, target.Nick))
	if combo >= 2 {
		s.appendLog(now, fmt.Sprintf("team %s is on a %d-hit streak", p.Team.Label(), combo))
	}
	events := []Event{{Kind: EvtHit, Team: p.Team, From: p.Nick, Target: target.Nick, Combo: combo, At: ms(now)}}
	if defender.HP == 0 {
		events = append(events, s.finish(Winner(p.Team), now))
	}
	return events, nil
}

// RaiseShield puts up a full-integrity shield for the player's team and
// returns its value so the caller can schedule the expiry callback with
// the right generation.
func (s *State) RaiseShield(p *Player, now time.Time) (Shield, error) {
	if err := s.actionGate(p, now); err != nil {
		return Shield{}, err
	}
	s.expireShields(now)

	team := s.Teams[p.Team]
	if team.Shield.VisibleAt(now) {
		return Shield{}, ErrShieldActive
	}
	p.LastActionAt = now
	team.Shield = Shield{
		Active: true,
		HP:     ShieldHP,
		Until:  now.Add(ShieldDuration),
		Gen:    team.Shield.Gen + 1,
	}
	s.appendLog(now, fmt.Sprintf("%s raises team %s's shield", p.Nick, p.Team.Label()))
	return team.Shield, nil
}

// Reset restores both teams to starting condition and announces it.
func (s *State) Reset(now time.Time) []Event {
	s.resetCombat(now)
	return []Event{{Kind: EvtReset, At: ms(now)}}
}

// resetCombat is the silent reset shared by Reset and StartMatch: no
// event, just state. Bumping the match and shield generations orphans
// every timer armed before this point.
func (s *State) resetCombat(now time.Time) {
	for _, t := range s.Teams {
		t.HP = StartHP
		t.Snow = StartSnow
		t.Shield = Shield{Gen: t.Shield.Gen + 1}
	}
	s.Combo = Combo{}
	s.Finished = false
	s.Winner = WinnerNone
	s.Match = Match{Gen: s.Match.Gen + 1}
	for _, p := range s.Players {
		p.LastActionAt = time.Time{}
	}
	s.Log = s.Log[:0]
	s.appendLog(now, "new game")
}

// Disconnect marks the player gone but keeps the map entry so log lines
// stay attributable. Reports whether anything visible changed.
func (s *State) Disconnect(id string, now time.Time) bool {
	p, ok := s.Players[id]
	if !ok || !p.Connected {
		return false
	}
	p.Connected = false
	p.LeftAt = now
	s.appendLog(now, fmt.Sprintf("%s left", p.Nick))
	return true
}

// Tick advances the match clock by one observation. A generation
// mismatch means a superseded ticker fired late; that is a silent no-op.
func (s *State) Tick(gen int, now time.Time) ([]Event, bool) {
	if !s.Match.InProgress || s.Match.Gen != gen {
		return nil, false
	}
	s.evictStale(now)
	if remaining := s.Match.EndsAt.Sub(now); remaining > 0 {
		secs := int((remaining + time.Second - 1) / time.Second)
		return []Event{{Kind: EvtTick, Remaining: secs, At: ms(now)}}, true
	}

	a, b := s.Teams[TeamA].HP, s.Teams[TeamB].HP
	w := WinnerDraw
	switch {
	case a > b:
		w = WinnerA
	case b > a:
		w = WinnerB
	}
	return []Event{s.finish(w, now)}, true
}

// ExpireShield clears a shield whose timer came due. Returns false when
// the generation no longer matches (raised again, broken, or reset) or
// the shield has somehow not expired yet.
func (s *State) ExpireShield(team TeamID, gen int, now time.Time) bool {
	t := s.Teams[team]
	if !t.Shield.Active || t.Shield.Gen != gen || now.Before(t.Shield.Until) {
		return false
	}
	t.Shield = Shield{Gen: t.Shield.Gen + 1}
	s.appendLog(now, fmt.Sprintf("team %s's shield melts away", team.Label()))
	return true
}

func (s *State) finish(w Winner, now time.Time) Event {
	s.Finished = true
	s.Winner = w
	s.Match.InProgress = false
	s.Match.Gen++
	if w == WinnerDraw {
		s.appendLog(now, "match over: it's a draw")
	} else {
		s.appendLog(now, fmt.Sprintf("match over: team %s wins", TeamID(w).Label()))
	}
	return Event{Kind: EvtFinish, Winner: w, At: ms(now)}
}

func (s *State) actionGate(p *Player, now time.Time) error {
	if s.Finished {
		return ErrGameFinished
	}
	if !s.Match.InProgress {
		return ErrMatchNotStarted
	}
	if !p.LastActionAt.IsZero() {
		if elapsed := now.Sub(p.LastActionAt); elapsed < ActionCooldown {
			return &CooldownError{Remaining: ActionCooldown - elapsed}
		}
	}
	return nil
}

// expireShields is the lazy sweep run before resolving an action, so a
// shield whose timer callback has not landed yet still stops blocking.
func (s *State) expireShields(now time.Time) {
	for id, t := range s.Teams {
		if t.Shield.Active && !now.Before(t.Shield.Until) {
			t.Shield = Shield{Gen: t.Shield.Gen + 1}
			s.appendLog(now, fmt.Sprintf("team %s's shield melts away", id.Label()))
		}
	}
}

func (s *State) recordHit(by TeamID, now time.Time) int {
	if s.Combo.LastBy == by && s.Combo.Count > 0 && now.Sub(s.Combo.LastAt) <= ComboWindow {
		s.Combo.Count++
	} else {
		s.Combo.Count = 1
	}
	s.Combo.LastBy = by
	s.Combo.LastAt = now
	return s.Combo.Count
}

func (s *State) connectedOn(team TeamID) []*Player {
	var out []*Player
	for _, p := range s.Players {
		if p.Connected && p.Team == team {
			out = append(out, p)
		}
	}
	return out
}

func (s *State) evictStale(now time.Time) {
	if s.EvictAfter <= 0 {
		return
	}
	for id, p := range s.Players {
		if !p.Connected && now.Sub(p.LeftAt) >= s.EvictAfter {
			delete(s.Players, id)
		}
	}
}

func (s *State) appendLog(now time.Time, text string) {
	s.Log = append(s.Log, LogEntry{At: now, Text: text})
	if len(s.Log) > LogCapacity {
		s.Log = s.Log[len(s.Log)-LogCapacity:]
	}
}

func ms(t time.Time) int64 { return t.UnixMilli() }
