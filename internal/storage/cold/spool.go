package cold

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// ErrSpoolCorrupt reports a spool file this process cannot replay. Drain
// reads from the head, so a damaged line blocks every row behind it until
// the file is quarantined.
var ErrSpoolCorrupt = errors.New("corrupt spool line")

// spoolLine is one spooled row. Exactly one field is set.
type spoolLine struct {
	Book       *models.OrderBookSnapshot `json:"book,omitempty"`
	Metric     *models.MetricSample      `json:"metric,omitempty"`
	Basis      *BasisRow                 `json:"basis,omitempty"`
	Ticker     *models.TickerSnapshot    `json:"ticker,omitempty"`
	Alert      *models.Alert             `json:"alert,omitempty"`
	AlertEvent *AlertEvent               `json:"alert_event,omitempty"`
	Gap        *models.GapMarker         `json:"gap,omitempty"`
	Health     *HealthRow                `json:"health,omitempty"`
}

// Spool is the on-disk fallback for batches the database refused past the
// retry budget. Rows are appended as JSONL and re-driven into the writer
// whenever the database recovers. Spool depth is exported through health; a
// spool that cannot be written means data is about to be lost, which is
// fatal for a system of record.
type Spool struct {
	mu    sync.Mutex
	path  string
	depth int64
}

// NewSpool opens (or creates) the spool file under dir and counts any rows
// left over from a previous run.
func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}
	s := &Spool{path: filepath.Join(dir, "spool.jsonl")}

	lines, err := s.readLines()
	if err != nil {
		return nil, err
	}
	s.depth = int64(len(lines))
	if s.depth > 0 {
		log.Warn().Int64("rows", s.depth).Str("path", s.path).Msg("cold store spool holds rows from a previous run")
	}
	return s, nil
}

// Append persists every row of the batch. The file is synced before Append
// returns; once this succeeds the rows survive a crash.
func (s *Spool) Append(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open spool: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	rows := 0
	write := func(line spoolLine) error {
		doc, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("failed to marshal spool line: %w", err)
		}
		if _, err := w.Write(append(doc, '\n')); err != nil {
			return fmt.Errorf("failed to write spool line: %w", err)
		}
		rows++
		return nil
	}

	for _, v := range b.Books {
		if err := write(spoolLine{Book: v}); err != nil {
			return err
		}
	}
	for _, v := range b.Metrics {
		if err := write(spoolLine{Metric: v}); err != nil {
			return err
		}
	}
	for i := range b.Basis {
		if err := write(spoolLine{Basis: &b.Basis[i]}); err != nil {
			return err
		}
	}
	for _, v := range b.Tickers {
		if err := write(spoolLine{Ticker: v}); err != nil {
			return err
		}
	}
	for _, v := range b.Alerts {
		if err := write(spoolLine{Alert: v}); err != nil {
			return err
		}
	}
	for i := range b.AlertEvents {
		if err := write(spoolLine{AlertEvent: &b.AlertEvents[i]}); err != nil {
			return err
		}
	}
	for _, v := range b.Gaps {
		if err := write(spoolLine{Gap: v}); err != nil {
			return err
		}
	}
	for i := range b.Health {
		if err := write(spoolLine{Health: &b.Health[i]}); err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush spool: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync spool: %w", err)
	}
	s.depth += int64(rows)
	return nil
}

// Drain reads up to maxRows spooled rows, hands them to flush, and removes
// them from the file on success. Returns how many rows were drained. A flush
// failure leaves the spool untouched.
func (s *Spool) Drain(ctx context.Context, flush func(context.Context, *Batch) error, maxRows int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines()
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, nil
	}

	take := len(lines)
	if maxRows > 0 && take > maxRows {
		take = maxRows
	}

	batch := &Batch{}
	for _, raw := range lines[:take] {
		var line spoolLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return 0, fmt.Errorf("%w: %s", ErrSpoolCorrupt, err)
		}
		switch {
		case line.Book != nil:
			batch.Books = append(batch.Books, line.Book)
		case line.Metric != nil:
			batch.Metrics = append(batch.Metrics, line.Metric)
		case line.Basis != nil:
			batch.Basis = append(batch.Basis, *line.Basis)
		case line.Ticker != nil:
			batch.Tickers = append(batch.Tickers, line.Ticker)
		case line.Alert != nil:
			batch.Alerts = append(batch.Alerts, line.Alert)
		case line.AlertEvent != nil:
			batch.AlertEvents = append(batch.AlertEvents, *line.AlertEvent)
		case line.Gap != nil:
			batch.Gaps = append(batch.Gaps, line.Gap)
		case line.Health != nil:
			batch.Health = append(batch.Health, *line.Health)
		}
	}

	if err := flush(ctx, batch); err != nil {
		return 0, err
	}

	if err := s.rewrite(lines[take:]); err != nil {
		return 0, err
	}
	s.depth = int64(len(lines) - take)
	return take, nil
}

// Quarantine moves a corrupt spool aside so a fresh file can accept new
// rows. The damaged bytes are kept for operator recovery. Returns the path
// the file was moved to.
func (s *Spool) Quarantine() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := s.path + ".corrupt"
	if err := os.Rename(s.path, moved); err != nil {
		return "", fmt.Errorf("failed to quarantine spool: %w", err)
	}
	s.depth = 0
	return moved, nil
}

// Depth returns the number of rows waiting on disk.
func (s *Spool) Depth() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

func (s *Spool) readLines() ([][]byte, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}
	return lines, nil
}

func (s *Spool) rewrite(lines [][]byte) error {
	if len(lines) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove drained spool: %w", err)
		}
		return nil
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create spool tmp: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("failed to rewrite spool: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush spool tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync spool tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close spool tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace spool: %w", err)
	}
	return nil
}
