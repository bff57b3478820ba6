package server

import "card-relay/internal/history"

// rootResponse is served at GET /.
type rootResponse struct {
	Message string `json:"message"`
}

// healthResponse reports live relay counts.
type healthResponse struct {
	Status       string `json:"status"`
	Rooms        int    `json:"rooms"`
	Connections  int    `json:"connections"`
	Registered   int    `json:"registered"`
	PendingSyncs int    `json:"pendingSyncs"`
	History      bool   `json:"history"`
	// HistoryStatus is "ok" or "unreachable" when history is enabled.
	HistoryStatus string `json:"historyStatus,omitempty"`
}

// historyResponse lists recent sessions of one room, newest first.
type historyResponse struct {
	RoomID   string            `json:"roomId"`
	Sessions []history.Session `json:"sessions"`
}
