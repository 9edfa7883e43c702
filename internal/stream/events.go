package stream

import (
	"time"

	"github.com/linnemanlabs/argus/internal/alert"
)

// Named events pushed to subscriber connections.
const (
	EventConnected = "connected"
	EventAlerts    = "alerts"
	EventHeartbeat = "heartbeat"
	EventStatus    = "status"
)

// Status event types.
const (
	StatusIndexerUnavailable = "indexer_unavailable"
	StatusPollError          = "poll_error"
)

// ConnectedEvent is sent once, immediately after a session registers.
type ConnectedEvent struct {
	ClientID          string `json:"clientId"`
	SeverityThreshold int    `json:"severityThreshold"`
	PollIntervalMs    int64  `json:"pollIntervalMs"`
	ConnectedClients  int    `json:"connectedClients"`
}

// AlertsEvent carries one filtered poll batch, newest first.
type AlertsEvent struct {
	Alerts    []alert.Alert `json:"alerts"`
	Count     int           `json:"count"`
	Timestamp time.Time     `json:"timestamp"`
}

// HeartbeatEvent keeps idle connections alive.
type HeartbeatEvent struct {
	Timestamp        time.Time `json:"timestamp"`
	ConnectedClients int       `json:"connectedClients"`
}

// StatusEvent reports a degraded upstream without dropping sessions.
type StatusEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
