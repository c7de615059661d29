package detect

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// Channel delivers one alert notification over one transport. Implementations
// must be safe to call from the detector goroutine; slow transports should
// enqueue internally rather than block.
type Channel interface {
	Name() string
	Send(a *models.Alert, event string) error
}

// Router fans alert notifications out to the channels configured for the
// alert's priority. A channel failure is logged and the remaining channels
// still receive the notification.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Channel
	routes   map[models.Priority][]string
}

// NewRouter builds a router from the priority → channel-name routing table.
// Unrouted priorities fall back to the console channel.
func NewRouter(routes map[models.Priority][]string) *Router {
	return &Router{
		channels: make(map[string]Channel),
		routes:   routes,
	}
}

// Register makes a channel available under its name. Channels named in the
// routing table but never registered are skipped with a warning.
func (r *Router) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Notify dispatches a newly fired alert on the channels for its priority.
func (r *Router) Notify(a *models.Alert) {
	r.dispatch(a, "triggered", a.Priority)
}

// NotifyEscalation dispatches an escalation. Escalations always use the
// routing of the new (escalated) priority so they reach the wider audience.
func (r *Router) NotifyEscalation(a *models.Alert) {
	r.dispatch(a, "escalated", a.Priority)
}

// NotifyResolution dispatches a resolution on the channels of the priority
// the alert originally fired with, so the same audience sees it close.
func (r *Router) NotifyResolution(a *models.Alert) {
	priority := a.Priority
	if a.Escalated && a.OriginalPriority != "" {
		priority = a.OriginalPriority
	}
	r.dispatch(a, "resolved", priority)
}

func (r *Router) dispatch(a *models.Alert, event string, priority models.Priority) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.routes[priority]
	if len(names) == 0 {
		names = []string{"console"}
	}
	for _, name := range names {
		ch, ok := r.channels[name]
		if !ok {
			log.Warn().
				Str("channel", name).
				Str("alert_id", a.AlertID).
				Msg("notification channel not registered")
			continue
		}
		if err := ch.Send(a, event); err != nil {
			log.Error().Err(err).
				Str("channel", name).
				Str("alert_id", a.AlertID).
				Str("event", event).
				Msg("notification dispatch failed")
		}
	}
}

// ConsoleChannel writes alert notifications to the process log. It is the
// only transport the core ships; Slack and friends live outside and register
// themselves under their own names.
type ConsoleChannel struct {
	logger zerolog.Logger
}

// NewConsoleChannel returns the log-backed channel.
func NewConsoleChannel() *ConsoleChannel {
	return &ConsoleChannel{logger: log.With().Str("channel", "console").Logger()}
}

func (c *ConsoleChannel) Name() string { return "console" }

// Send logs the alert at a level matching its priority.
func (c *ConsoleChannel) Send(a *models.Alert, event string) error {
	ev := c.logger.Info()
	if event != "resolved" && a.Priority == models.PriorityP1 {
		ev = c.logger.Error()
	} else if event != "resolved" && a.Priority == models.PriorityP2 {
		ev = c.logger.Warn()
	}
	ev = ev.
		Str("event", event).
		Str("alert_id", a.AlertID).
		Str("alert_type", a.AlertType).
		Str("priority", string(a.Priority)).
		Str("venue", a.Venue).
		Str("instrument", a.Instrument).
		Str("metric", a.TriggerMetric).
		Str("value", a.TriggerValue.String()).
		Str("threshold", a.TriggerThreshold.String())
	if a.ZScoreValue != nil {
		ev = ev.Str("zscore", a.ZScoreValue.String())
	}
	if event == "resolved" {
		ev = ev.
			Str("resolution", string(a.ResolutionType)).
			Int64("duration_seconds", a.DurationSeconds).
			Str("peak", a.PeakValue.String())
	}
	ev.Msg("alert " + event)
	return nil
}
