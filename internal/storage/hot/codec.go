package hot

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// Hash field encodings. Decimals are stored as exact strings, timestamps as
// RFC3339Nano, optional fields are omitted when absent. Readers treat a
// missing field as nil, never as zero.

func bookFields(snap *models.OrderBookSnapshot) (map[string]interface{}, error) {
	bids, err := json.Marshal(snap.Bids)
	if err != nil {
		return nil, fmt.Errorf("marshal bids: %w", err)
	}
	asks, err := json.Marshal(snap.Asks)
	if err != nil {
		return nil, fmt.Errorf("marshal asks: %w", err)
	}

	fields := map[string]interface{}{
		"venue":           snap.Venue,
		"instrument":      snap.Instrument,
		"venue_timestamp": snap.VenueTimestamp.UTC().Format(time.RFC3339Nano),
		"local_timestamp": snap.LocalTimestamp.UTC().Format(time.RFC3339Nano),
		"sequence_id":     strconv.FormatInt(snap.SequenceID, 10),
		"bids":            string(bids),
		"asks":            string(asks),
		"depth_levels":    strconv.Itoa(snap.DepthLevels),
		"source":          string(snap.Source),
	}
	if bid, ok := snap.BestBid(); ok {
		fields["best_bid"] = bid.Price.String()
	}
	if ask, ok := snap.BestAsk(); ok {
		fields["best_ask"] = ask.Price.String()
	}
	if mid, ok := snap.Mid(); ok {
		fields["mid"] = mid.String()
	}
	return fields, nil
}

func healthFields(h *models.HealthSnapshot) map[string]interface{} {
	fields := map[string]interface{}{
		"venue":           h.Venue,
		"status":          string(h.Status),
		"message_count":   strconv.FormatInt(h.MessageCount, 10),
		"lag_ms":          strconv.FormatInt(h.LagMs, 10),
		"reconnect_count": strconv.FormatInt(h.ReconnectCount, 10),
		"gaps_last_hour":  strconv.Itoa(h.GapsLastHour),
		"healthy":         strconv.FormatBool(h.IsHealthy()),
	}
	if h.LastMessageAt != nil {
		fields["last_message_at"] = h.LastMessageAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func healthFromFields(fields map[string]string) (*models.HealthSnapshot, error) {
	h := &models.HealthSnapshot{
		Venue:  fields["venue"],
		Status: models.ConnectionStatus(fields["status"]),
	}
	if h.Venue == "" {
		return nil, fmt.Errorf("health record missing venue")
	}

	var err error
	if raw, ok := fields["message_count"]; ok {
		if h.MessageCount, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("health %s: bad message_count %q", h.Venue, raw)
		}
	}
	if raw, ok := fields["lag_ms"]; ok {
		if h.LagMs, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("health %s: bad lag_ms %q", h.Venue, raw)
		}
	}
	if raw, ok := fields["reconnect_count"]; ok {
		if h.ReconnectCount, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("health %s: bad reconnect_count %q", h.Venue, raw)
		}
	}
	if raw, ok := fields["gaps_last_hour"]; ok {
		if h.GapsLastHour, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("health %s: bad gaps_last_hour %q", h.Venue, raw)
		}
	}
	if h.LastMessageAt, err = parseOptionalTime(fields, "last_message_at"); err != nil {
		return nil, err
	}
	return h, nil
}

func alertFields(a *models.Alert) map[string]interface{} {
	fields := map[string]interface{}{
		"alert_id":          a.AlertID,
		"alert_type":        a.AlertType,
		"priority":          string(a.Priority),
		"severity":          string(a.Severity),
		"venue":             a.Venue,
		"instrument":        a.Instrument,
		"trigger_metric":    a.TriggerMetric,
		"trigger_value":     a.TriggerValue.String(),
		"trigger_threshold": a.TriggerThreshold.String(),
		"comparison":        string(a.Comparison),
		"triggered_at":      a.TriggeredAt.UTC().Format(time.RFC3339Nano),
		"duration_seconds":  strconv.FormatInt(a.DurationSeconds, 10),
		"peak_value":        a.PeakValue.String(),
		"peak_at":           a.PeakAt.UTC().Format(time.RFC3339Nano),
		"escalated":         strconv.FormatBool(a.Escalated),
	}
	if a.ZScoreValue != nil {
		fields["zscore_value"] = a.ZScoreValue.String()
	}
	if a.ZScoreThreshold != nil {
		fields["zscore_threshold"] = a.ZScoreThreshold.String()
	}
	if a.AcknowledgedAt != nil {
		fields["acknowledged_at"] = a.AcknowledgedAt.UTC().Format(time.RFC3339Nano)
	}
	if a.ResolvedAt != nil {
		fields["resolved_at"] = a.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}
	if a.EscalatedAt != nil {
		fields["escalated_at"] = a.EscalatedAt.UTC().Format(time.RFC3339Nano)
	}
	if a.OriginalPriority != "" {
		fields["original_priority"] = string(a.OriginalPriority)
	}
	if len(a.Context) > 0 {
		fields["context"] = string(mustJSON(a.Context))
	}
	if a.ResolutionType != "" {
		fields["resolution_type"] = string(a.ResolutionType)
	}
	if a.ResolutionValue != nil {
		fields["resolution_value"] = a.ResolutionValue.String()
	}
	return fields
}

func alertFromFields(fields map[string]string) (*models.Alert, error) {
	a := &models.Alert{
		AlertID:       fields["alert_id"],
		AlertType:     fields["alert_type"],
		Priority:      models.Priority(fields["priority"]),
		Severity:      models.Severity(fields["severity"]),
		Venue:         fields["venue"],
		Instrument:    fields["instrument"],
		TriggerMetric: fields["trigger_metric"],
		Comparison:    models.Comparison(fields["comparison"]),
	}
	if a.AlertID == "" {
		return nil, fmt.Errorf("alert record missing alert_id")
	}

	var err error
	if a.TriggerValue, err = parseDecimalField(fields, "trigger_value"); err != nil {
		return nil, err
	}
	if a.TriggerThreshold, err = parseDecimalField(fields, "trigger_threshold"); err != nil {
		return nil, err
	}
	if a.PeakValue, err = parseDecimalField(fields, "peak_value"); err != nil {
		return nil, err
	}
	if a.TriggeredAt, err = parseTimeField(fields, "triggered_at"); err != nil {
		return nil, err
	}
	if a.PeakAt, err = parseTimeField(fields, "peak_at"); err != nil {
		return nil, err
	}
	if raw, ok := fields["duration_seconds"]; ok {
		if a.DurationSeconds, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("alert %s: bad duration_seconds %q", a.AlertID, raw)
		}
	}
	if raw, ok := fields["escalated"]; ok {
		if a.Escalated, err = strconv.ParseBool(raw); err != nil {
			return nil, fmt.Errorf("alert %s: bad escalated %q", a.AlertID, raw)
		}
	}

	if a.ZScoreValue, err = parseOptionalDecimal(fields, "zscore_value"); err != nil {
		return nil, err
	}
	if a.ZScoreThreshold, err = parseOptionalDecimal(fields, "zscore_threshold"); err != nil {
		return nil, err
	}
	if a.ResolutionValue, err = parseOptionalDecimal(fields, "resolution_value"); err != nil {
		return nil, err
	}
	if a.AcknowledgedAt, err = parseOptionalTime(fields, "acknowledged_at"); err != nil {
		return nil, err
	}
	if a.ResolvedAt, err = parseOptionalTime(fields, "resolved_at"); err != nil {
		return nil, err
	}
	if a.EscalatedAt, err = parseOptionalTime(fields, "escalated_at"); err != nil {
		return nil, err
	}
	if raw, ok := fields["original_priority"]; ok {
		a.OriginalPriority = models.Priority(raw)
	}
	if raw, ok := fields["resolution_type"]; ok {
		a.ResolutionType = models.ResolutionType(raw)
	}
	if raw, ok := fields["context"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &a.Context); err != nil {
			return nil, fmt.Errorf("alert %s: bad context: %w", a.AlertID, err)
		}
	}
	return a, nil
}

func parseDecimalField(fields map[string]string, name string) (decimal.Decimal, error) {
	raw, ok := fields[name]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("alert record missing %s", name)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("bad %s %q: %w", name, raw, err)
	}
	return d, nil
}

func parseOptionalDecimal(fields map[string]string, name string) (*decimal.Decimal, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("bad %s %q: %w", name, raw, err)
	}
	return &d, nil
}

func parseTimeField(fields map[string]string, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok {
		return time.Time{}, fmt.Errorf("alert record missing %s", name)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad %s %q: %w", name, raw, err)
	}
	return t, nil
}

func parseOptionalTime(fields map[string]string, name string) (*time.Time, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("bad %s %q: %w", name, raw, err)
	}
	return &t, nil
}
