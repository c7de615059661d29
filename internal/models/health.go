package models

import "time"

// ConnectionStatus is the adapter connection state exposed to health checks.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDegraded     ConnectionStatus = "degraded"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// HealthSnapshot is the per-venue health projection written to the hot store
// once a second.
type HealthSnapshot struct {
	Venue          string           `json:"venue"`
	Status         ConnectionStatus `json:"status"`
	LastMessageAt  *time.Time       `json:"last_message_at,omitempty"`
	MessageCount   int64            `json:"message_count"`
	LagMs          int64            `json:"lag_ms"`
	ReconnectCount int64            `json:"reconnect_count"`
	GapsLastHour   int              `json:"gaps_last_hour"`
}

// IsHealthy reports a fully connected venue with acceptable lag and few gaps.
func (h *HealthSnapshot) IsHealthy() bool {
	return h.Status == StatusConnected && h.LagMs < 1000 && h.GapsLastHour < 5
}

// IsUsable reports whether data from the venue can still be consumed, even if
// quality is reduced.
func (h *HealthSnapshot) IsUsable() bool {
	return h.Status == StatusConnected || h.Status == StatusDegraded
}
