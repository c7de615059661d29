package venue

import "github.com/omiiii21/crypto-market-microstructure/internal/models"

// State is one step of the connection lifecycle:
// init → connecting → connected → subscribed → streaming, any failure →
// reconnecting, retry budget exhausted → degraded (REST polling).
type State int

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateStreaming
	StateReconnecting
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connectionStatus projects the lifecycle state onto the coarser health
// status exposed to monitoring.
func (s State) connectionStatus() models.ConnectionStatus {
	switch s {
	case StateStreaming:
		return models.StatusConnected
	case StateDegraded:
		return models.StatusDegraded
	case StateInit, StateClosed:
		return models.StatusDisconnected
	default:
		return models.StatusReconnecting
	}
}
