// Package venue contains the shared machinery for exchange adapters: the
// connection state machine, reconnect backoff, sequence-gap tracking and
// per-venue health. Venue-specific wire handling lives in the subpackages
// (binance, okx), which plug into the shared Session through the Protocol
// interface.
package venue

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// Adapter is the per-venue ingestion contract. An adapter owns its
// connections, emits normalized snapshots and gap markers on its channels,
// and answers health queries. Run blocks until the context is cancelled;
// after Run returns all three channels are closed.
type Adapter interface {
	Venue() string
	Run(ctx context.Context) error
	Books() <-chan *models.OrderBookSnapshot
	Tickers() <-chan *models.TickerSnapshot
	Gaps() <-chan *models.GapMarker
	Health() models.HealthSnapshot
	Close() error
}

// Event is one normalized outcome of a wire frame. At most one field is set;
// a frame may produce several events (a combined ticker join) or none (a
// subscription confirm).
type Event struct {
	Book   *models.OrderBookSnapshot
	Ticker *models.TickerSnapshot
}

// KeepaliveKind selects how a venue expects liveness probes.
type KeepaliveKind int

const (
	// KeepaliveFrames uses WebSocket ping/pong control frames.
	KeepaliveFrames KeepaliveKind = iota
	// KeepaliveText uses literal text messages ("ping"/"pong").
	KeepaliveText
)

// Keepalive describes one venue's liveness protocol. For KeepaliveText,
// PingPayload is the probe the client sends and IsPong recognizes the reply
// so that it never reaches the venue decoder.
type Keepalive struct {
	Kind        KeepaliveKind
	PingPayload []byte
	IsPong      func(frame []byte) bool
}

// Protocol encapsulates one venue connection's wire behavior. A Session
// drives it: dial DialURL, run Subscribe once, then feed every text frame
// through Handle. Poll serves the REST fallback while degraded and must
// return snapshots flagged models.SourceRest.
type Protocol interface {
	DialURL() string
	Subscribe(ctx context.Context, conn *websocket.Conn) error
	Handle(frame []byte) ([]Event, error)
	Keepalive() Keepalive
	Poll(ctx context.Context) ([]Event, error)
}

// Sink receives the session's normalized output. Implementations block when
// downstream is saturated; the session stalls and gap markers tell the truth
// about the resulting hole.
type Sink struct {
	Book   func(*models.OrderBookSnapshot)
	Ticker func(*models.TickerSnapshot)
	Gap    func(*models.GapMarker)
}
