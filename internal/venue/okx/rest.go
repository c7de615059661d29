package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/config"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// restClient fetches book and ticker snapshots for the degraded REST
// fallback. Calls run through a shared rate limiter and a circuit breaker
// so a dead REST endpoint fails fast instead of stacking timeouts.
type restClient struct {
	base    string
	depth   int
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	clk     clock.Clock
}

func newRestClient(cfg config.VenueConfig, clk clock.Clock) *restClient {
	if cfg.Rest.PublicURL == "" {
		return nil
	}
	c := &restClient{
		base:    strings.TrimRight(cfg.Rest.PublicURL, "/"),
		depth:   cfg.Streams.DepthLevels,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.Connection.RateLimitPerSecond), cfg.Connection.RateLimitPerSecond),
		clk:     clk,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "okx-rest",
		Interval: time.Minute,
		Timeout:  time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return c
}

// book fetches one depth snapshot and normalizes it, flagged as REST so
// downstream excludes it from latency measurements.
func (c *restClient) book(ctx context.Context, instID, instrument string) (*models.OrderBookSnapshot, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		q := url.Values{}
		q.Set("instId", instID)
		q.Set("sz", strconv.Itoa(c.depth))
		var rows []bookData
		if err := c.fetch(ctx, "/api/v5/market/books", q, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("empty data array")
		}
		return &rows[0], nil
	})
	if err != nil {
		return nil, fmt.Errorf("books %s: %w", instID, err)
	}

	data := res.(*bookData)
	venueTS, err := msStringTime(data.TS)
	if err != nil {
		return nil, fmt.Errorf("books %s: %w", instID, err)
	}
	return newBook(instrument, data.SeqID, venueTS, c.clk.Now().UTC(), data.Bids, data.Asks, models.SourceRest)
}

// ticker fetches the 24h ticker leg plus, on swap instruments, the
// mark-price leg. A failed mark leg degrades to ticker-only rather than
// dropping the whole snapshot.
func (c *restClient) ticker(ctx context.Context, instID string) (*tickerData, *markPriceData, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		q := url.Values{}
		q.Set("instId", instID)
		var rows []tickerData
		if err := c.fetch(ctx, "/api/v5/market/ticker", q, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("empty data array")
		}
		return &rows[0], nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("ticker %s: %w", instID, err)
	}
	td := res.(*tickerData)

	if !strings.HasSuffix(instID, "-SWAP") {
		return td, nil, nil
	}
	md, err := c.markPrice(ctx, instID)
	if err != nil {
		log.Warn().Err(err).Str("venue", venueName).Str("inst_id", instID).Msg("rest mark price fetch failed")
		return td, nil, nil
	}
	return td, md, nil
}

// markPrice combines /public/mark-price with /public/funding-rate into the
// shape the mark-price channel pushes.
func (c *restClient) markPrice(ctx context.Context, instID string) (*markPriceData, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		q := url.Values{}
		q.Set("instType", "SWAP")
		q.Set("instId", instID)
		var rows []markPriceData
		if err := c.fetch(ctx, "/api/v5/public/mark-price", q, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("empty data array")
		}
		md := rows[0]
		if md.IdxPx == "" {
			md.IdxPx = "0"
		}

		fq := url.Values{}
		fq.Set("instId", instID)
		var funding []fundingRateData
		if err := c.fetch(ctx, "/api/v5/public/funding-rate", fq, &funding); err != nil {
			return nil, err
		}
		if len(funding) > 0 {
			md.FundingRate = funding[0].FundingRate
			md.NextFundingTime = funding[0].NextFundingTime
		}
		if md.FundingRate == "" {
			md.FundingRate = "0"
		}
		return &md, nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark price %s: %w", instID, err)
	}
	return res.(*markPriceData), nil
}

// fetch performs one rate-limited GET and unwraps the response envelope,
// whose code field reports API errors even on HTTP 200.
func (c *restClient) fetch(ctx context.Context, path string, q url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env restEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != "0" {
		return fmt.Errorf("api error %s: %s", env.Code, env.Msg)
	}
	return json.Unmarshal(env.Data, out)
}

// restEnvelope wraps every OKX REST response.
type restEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type fundingRateData struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}
