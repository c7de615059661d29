package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omiiii21/crypto-market-microstructure/internal/config"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

const (
	handshakeTimeout = 30 * time.Second
	writeTimeout     = 5 * time.Second
	defaultPoll      = time.Second
)

// SessionConfig wires one WebSocket connection to its protocol and the
// adapter's shared trackers.
type SessionConfig struct {
	Venue      string
	Name       string
	Proto      Protocol
	Connection config.ConnectionConfig
	// PollInterval is the REST fallback cadence while degraded (default 1 s).
	PollInterval time.Duration
	Tracker      *SequenceTracker
	Health       *HealthTracker
	Sink         Sink
}

// Session drives one connection through the lifecycle state machine:
// dial, subscribe, stream; reconnect with backoff on failure; degrade to
// REST polling once the retry budget is spent, probing for recovery in the
// background.
type Session struct {
	cfg     SessionConfig
	backoff *Backoff
	log     zerolog.Logger
}

// NewSession builds a session. Backoff parameters come from the venue's
// connection config.
func NewSession(cfg SessionConfig) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPoll
	}
	return &Session{
		cfg:     cfg,
		backoff: NewBackoff(cfg.Connection.ReconnectDelay(), cfg.Connection.MaxReconnectAttempts),
		log:     log.With().Str("venue", cfg.Venue).Str("session", cfg.Name).Logger(),
	}
}

// Run blocks until ctx is cancelled, keeping the connection alive through
// reconnects and degraded polling.
func (s *Session) Run(ctx context.Context) {
	defer s.cfg.Health.SetState(s.cfg.Name, StateClosed)

	attempt := 0
	for ctx.Err() == nil {
		if s.backoff.Exhausted(attempt) {
			if !s.degraded(ctx) {
				return
			}
			attempt = 0
		}
		if attempt > 0 {
			s.cfg.Health.SetState(s.cfg.Name, StateReconnecting)
			delay := s.backoff.Delay(attempt - 1)
			s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
			if !s.sleep(ctx, delay) {
				return
			}
		}

		streamed, err := s.connectAndStream(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("connection lost")
		}
		if streamed {
			// A healthy epoch ended: fresh retry budget, and every
			// instrument gets a disconnect marker when data resumes.
			attempt = 0
			s.cfg.Tracker.MarkOutage()
			s.cfg.Health.RecordReconnect()
		}
		attempt++
	}
}

// connectAndStream runs one connection epoch. streamed reports whether the
// subscription was established, which refreshes the retry budget.
func (s *Session) connectAndStream(ctx context.Context) (streamed bool, err error) {
	s.cfg.Health.SetState(s.cfg.Name, StateConnecting)
	conn, err := s.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	s.cfg.Health.SetState(s.cfg.Name, StateConnected)

	if err := s.cfg.Proto.Subscribe(ctx, conn); err != nil {
		return false, fmt.Errorf("subscribe failed: %w", err)
	}
	s.cfg.Health.SetState(s.cfg.Name, StateSubscribed)

	return true, s.stream(ctx, conn)
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, s.cfg.Proto.DialURL(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", s.cfg.Proto.DialURL(), err)
	}
	return conn, nil
}

// stream reads frames until the connection dies or ctx is cancelled. The
// ping loop is the only writer on the connection once streaming starts.
func (s *Session) stream(ctx context.Context, conn *websocket.Conn) error {
	ka := s.cfg.Proto.Keepalive()
	wait := s.cfg.Connection.PingInterval() + s.cfg.Connection.PingTimeout()
	if wait <= 0 {
		wait = 90 * time.Second
	}

	conn.SetReadDeadline(time.Now().Add(wait))
	if ka.Kind == KeepaliveFrames {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	loopCtx, stop := context.WithCancel(ctx)
	defer stop()
	go s.pingLoop(loopCtx, conn, ka)
	go func() {
		// Unblock the read when the session is shut down.
		<-loopCtx.Done()
		conn.Close()
	}()

	s.cfg.Health.SetState(s.cfg.Name, StateStreaming)
	s.log.Info().Str("url", s.cfg.Proto.DialURL()).Msg("streaming")

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(wait))

		if msgType != websocket.TextMessage {
			continue
		}
		if ka.IsPong != nil && ka.IsPong(frame) {
			continue
		}

		events, err := s.cfg.Proto.Handle(frame)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping unparseable frame")
			continue
		}
		s.dispatch(events)
	}
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn, ka Keepalive) {
	interval := s.cfg.Connection.PingInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			var err error
			if ka.Kind == KeepaliveText {
				err = conn.WriteMessage(websocket.TextMessage, ka.PingPayload)
			} else {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			if err != nil {
				s.log.Warn().Err(err).Msg("keep-alive send failed")
				conn.Close()
				return
			}
		}
	}
}

// degraded polls REST at a fixed cadence while probing the socket in the
// background. Returns true when a probe succeeds and streaming can resume,
// false when ctx was cancelled.
func (s *Session) degraded(ctx context.Context) bool {
	s.cfg.Health.SetState(s.cfg.Name, StateDegraded)
	s.log.Error().Int("attempts", s.backoff.MaxAttempts).Msg("retry budget exhausted, falling back to REST polling")

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	probe := time.NewTicker(maxBackoff)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-poll.C:
			s.pollOnce(ctx)
		case <-probe.C:
			conn, err := s.dial(ctx)
			if err != nil {
				continue
			}
			conn.Close()
			s.log.Info().Msg("venue reachable again, resuming stream")
			return true
		}
	}
}

func (s *Session) pollOnce(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollInterval)
	defer cancel()

	events, err := s.cfg.Proto.Poll(pollCtx)
	if err != nil {
		s.log.Warn().Err(err).Msg("rest poll failed")
		return
	}
	s.dispatch(events)
}

func (s *Session) dispatch(events []Event) {
	for _, ev := range events {
		switch {
		case ev.Book != nil:
			s.emitBook(ev.Book)
		case ev.Ticker != nil:
			s.emitTicker(ev.Ticker)
		}
	}
}

// emitBook validates and forwards one snapshot. Only stream snapshots feed
// sequence and health tracking; REST fallback data is excluded from lag and
// gap accounting.
func (s *Session) emitBook(snap *models.OrderBookSnapshot) {
	if err := snap.Validate(); err != nil {
		s.log.Warn().Err(err).Str("instrument", snap.Instrument).Msg("dropping invalid order book")
		return
	}
	if snap.Source == models.SourceWebsocket {
		s.cfg.Health.RecordMessage(snap.LocalTimestamp)
		if gap := s.cfg.Tracker.Observe(snap.Instrument, snap.SequenceID, snap.LocalTimestamp); gap != nil {
			s.emitGap(gap)
		}
	}
	s.cfg.Sink.Book(snap)
}

func (s *Session) emitTicker(t *models.TickerSnapshot) {
	s.cfg.Health.RecordMessage(t.Timestamp)
	if gap := s.cfg.Tracker.Touch(t.Instrument, t.Timestamp); gap != nil {
		s.emitGap(gap)
	}
	s.cfg.Sink.Ticker(t)
}

func (s *Session) emitGap(g *models.GapMarker) {
	s.cfg.Health.RecordGap(g.GapEnd)
	s.log.Warn().
		Str("instrument", g.Instrument).
		Str("reason", string(g.Reason)).
		Str("duration", g.Duration.String()).
		Msg("data gap detected")
	s.cfg.Sink.Gap(g)
}

func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
