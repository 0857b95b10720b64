package game

import (
	"sort"
	"time"
)

// Snapshot is the wire-safe public view of a room: no timer handles, no
// disconnected players, remaining time computed at snapshot time.
type Snapshot struct {
	Code       string              `json:"code"`
	Finished   bool                `json:"finished"`
	Winner     Winner              `json:"winner,omitempty"`
	Match      MatchView           `json:"match"`
	Teams      map[TeamID]TeamView `json:"teams"`
	Players    []PlayerView        `json:"players"`
	Log        []LogLine           `json:"log"`
	ServerTime int64               `json:"serverTime"`
}

type MatchView struct {
	InProgress bool    `json:"inProgress"`
	StartedAt  int64   `json:"startedAt,omitempty"`
	EndsAt     int64   `json:"endsAt,omitempty"`
	Remaining  int     `json:"remaining"`
	Duration   float64 `json:"duration"` // seconds
}

type TeamView struct {
	HP     int        `json:"hp"`
	Snow   int        `json:"snow"`
	Shield ShieldView `json:"shield"`
}

type ShieldView struct {
	Active bool  `json:"active"`
	HP     int   `json:"hp"`
	Until  int64 `json:"until,omitempty"`
}

type PlayerView struct {
	ID   string `json:"id"`
	Nick string `json:"nick"`
	Team TeamID `json:"team"`
}

type LogLine struct {
	At   int64  `json:"at"`
	Text string `json:"text"`
}

func (s *State) Snapshot(now time.Time) *Snapshot {
	snap := &Snapshot{
		Code:       s.Code,
		Finished:   s.Finished,
		Winner:     s.Winner,
		Teams:      make(map[TeamID]TeamView, len(s.Teams)),
		ServerTime: ms(now),
	}

	snap.Match = MatchView{
		InProgress: s.Match.InProgress,
		Duration:   s.Match.Duration.Seconds(),
	}
	if !s.Match.StartedAt.IsZero() {
		snap.Match.StartedAt = ms(s.Match.StartedAt)
		snap.Match.EndsAt = ms(s.Match.EndsAt)
	}
	if s.Match.InProgress {
		if remaining := s.Match.EndsAt.Sub(now); remaining > 0 {
			snap.Match.Remaining = int((remaining + time.Second - 1) / time.Second)
		}
	}

	for id, t := range s.Teams {
		view := TeamView{HP: t.HP, Snow: t.Snow}
		if t.Shield.VisibleAt(now) {
			view.Shield = ShieldView{Active: true, HP: t.Shield.HP, Until: ms(t.Shield.Until)}
		}
		snap.Teams[id] = view
	}

	for _, p := range s.Players {
		if p.Connected {
			snap.Players = append(snap.Players, PlayerView{ID: p.ID, Nick: p.Nick, Team: p.Team})
		}
	}
	sort.Slice(snap.Players, func(i, j int) bool {
		if snap.Players[i].Nick != snap.Players[j].Nick {
			return snap.Players[i].Nick < snap.Players[j].Nick
		}
		return snap.Players[i].ID < snap.Players[j].ID
	})

	snap.Log = make([]LogLine, len(s.Log))
	for i, e := range s.Log {
		snap.Log[i] = LogLine{At: ms(e.At), Text: e.Text}
	}
	return snap
}
