package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/omiiii21/crypto-market-microstructure/internal/config"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
	"github.com/omiiii21/crypto-market-microstructure/internal/storage/hot"
)

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query venue health and active alerts from the hot store",
		Long:  "Reads the health rows and active alert indexes that running surveyor processes keep in Redis.",
		RunE:  runHealth,
	}
	cmd.Flags().Bool("json", false, "Output as JSON")
	cmd.Flags().Duration("timeout", 5*time.Second, "Hot store query timeout")
	return cmd
}

// healthReport is the CLI projection of the hot store's health and alert keys.
type healthReport struct {
	Timestamp    time.Time                `json:"timestamp"`
	Healthy      bool                     `json:"healthy"`
	Venues       []*models.HealthSnapshot `json:"venues"`
	ActiveAlerts []*models.Alert          `json:"active_alerts"`
}

func runHealth(cmd *cobra.Command, _ []string) error {
	configDir, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = cfg.LogLevel
	}
	applyLogLevel(level)

	store, err := hot.NewRedis(cfg.RedisURL, hotOptions(cfg.Features))
	if err != nil {
		return err
	}
	defer store.Close()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		return exitWith(exitDependency, fmt.Errorf("redis unreachable: %w", err))
	}

	venues, err := store.LoadHealth(ctx)
	if err != nil {
		return exitWith(exitDependency, err)
	}
	alerts, err := store.LoadActiveAlerts(ctx)
	if err != nil {
		return exitWith(exitDependency, err)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt) })

	report := healthReport{
		Timestamp:    time.Now().UTC(),
		Healthy:      len(venues) > 0,
		Venues:       venues,
		ActiveAlerts: alerts,
	}
	for _, h := range venues {
		if !h.IsHealthy() {
			report.Healthy = false
		}
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printHealthReport(&report)
	return nil
}

func printHealthReport(r *healthReport) {
	overall := "HEALTHY"
	if !r.Healthy {
		overall = "DEGRADED"
	}
	fmt.Printf("Surveyor hot-store health, %s\n", r.Timestamp.Format("2006-01-02 15:04:05 UTC"))
	fmt.Printf("Overall: %s\n\n", overall)

	fmt.Printf("Reporting processes and venues\n")
	if len(r.Venues) == 0 {
		fmt.Printf("  (no health rows, is anything running?)\n")
	}
	for _, h := range r.Venues {
		last := "never"
		if h.LastMessageAt != nil {
			last = h.LastMessageAt.Format(time.RFC3339)
		}
		fmt.Printf("  %-12s %-13s msgs=%-9d lag=%-6s reconnects=%-3d gaps_1h=%-3d last=%s\n",
			h.Venue, h.Status, h.MessageCount,
			fmt.Sprintf("%dms", h.LagMs), h.ReconnectCount, h.GapsLastHour, last)
	}

	fmt.Printf("\nActive alerts: %d\n", len(r.ActiveAlerts))
	for _, a := range r.ActiveAlerts {
		fmt.Printf("  [%s] %-16s %s %s %s=%s since %s\n",
			a.Priority, a.AlertType, a.Venue, a.Instrument,
			a.TriggerMetric, a.TriggerValue.String(),
			a.TriggeredAt.Format(time.RFC3339))
	}
}
