package types

import "github.com/snowbrawl/backend/internal/game"

type ClientMessage struct {
	Type     string  `json:"type"` // "join" | "start" | "action"
	Nick     string  `json:"nick,omitempty"`
	Team     string  `json:"team,omitempty"`
	Room     string  `json:"room,omitempty"`
	Duration float64 `json:"duration,omitempty"` // seconds; 0 means default
	Action   string  `json:"action,omitempty"`   // "throw" | "shield" | "reset"
}

type ServerMessage struct {
	Type       string         `json:"type"` // "hello" | "state" | "event" | "error"
	ID         string         `json:"id,omitempty"`
	ServerTime int64          `json:"serverTime,omitempty"`
	State      *game.Snapshot `json:"state,omitempty"`
	Event      *game.Event    `json:"event,omitempty"`
	Error      string         `json:"error,omitempty"`
}
