package binance

import (
	"context"
	"fmt"
	"time"

	goBinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/omiiii21/crypto-market-microstructure/internal/clock"
	"github.com/omiiii21/crypto-market-microstructure/internal/config"
	"github.com/omiiii21/crypto-market-microstructure/internal/models"
)

// restClient fetches depth and ticker snapshots for the degraded REST
// fallback. Calls run through a shared rate limiter and a circuit breaker
// so a dead REST endpoint fails fast instead of stacking timeouts.
type restClient struct {
	futures *futures.Client
	spot    *goBinance.Client
	depth   int
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	clk     clock.Clock
}

func newRestClient(cfg config.VenueConfig, clk clock.Clock) *restClient {
	c := &restClient{
		depth:   cfg.Streams.DepthLevels,
		limiter: rate.NewLimiter(rate.Limit(cfg.Connection.RateLimitPerSecond), cfg.Connection.RateLimitPerSecond),
		clk:     clk,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "binance-rest",
		Interval: time.Minute,
		Timeout:  time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	if cfg.Rest.FuturesURL != "" {
		fc := goBinance.NewFuturesClient("", "")
		fc.BaseURL = cfg.Rest.FuturesURL
		c.futures = fc
	}
	if cfg.Rest.SpotURL != "" {
		sc := goBinance.NewClient("", "")
		sc.BaseURL = cfg.Rest.SpotURL
		c.spot = sc
	}
	return c
}

// book fetches one depth snapshot and normalizes it, flagged as REST so
// downstream excludes it from latency measurements.
func (c *restClient) book(ctx context.Context, m market, symbol, instrument string) (*models.OrderBookSnapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		switch m {
		case marketFutures:
			if c.futures == nil {
				return nil, fmt.Errorf("futures rest endpoint not configured")
			}
			return c.futures.NewDepthService().Symbol(symbol).Limit(c.depth).Do(ctx)
		default:
			if c.spot == nil {
				return nil, fmt.Errorf("spot rest endpoint not configured")
			}
			return c.spot.NewDepthService().Symbol(symbol).Limit(c.depth).Do(ctx)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("depth %s: %w", symbol, err)
	}

	now := c.clk.Now().UTC()
	switch depth := res.(type) {
	case *futures.DepthResponse:
		return newBook(instrument, depth.LastUpdateID, now, now, futuresLevels(depth.Bids), futuresLevels(depth.Asks), models.SourceRest)
	case *goBinance.DepthResponse:
		return newBook(instrument, depth.LastUpdateID, now, now, spotLevels(depth.Bids), spotLevels(depth.Asks), models.SourceRest)
	default:
		return nil, fmt.Errorf("unexpected depth response type %T", res)
	}
}

// ticker fetches the 24h stats leg plus, on futures, the premium index
// leg. A failed premium leg degrades to ticker-only rather than dropping
// the whole snapshot.
func (c *restClient) ticker(ctx context.Context, m market, symbol string) (*ticker24Event, *markPriceEvent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		switch m {
		case marketFutures:
			if c.futures == nil {
				return nil, fmt.Errorf("futures rest endpoint not configured")
			}
			stats, err := c.futures.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
			if err != nil {
				return nil, err
			}
			if len(stats) == 0 {
				return nil, fmt.Errorf("empty stats response")
			}
			s := stats[0]
			return &ticker24Event{
				EventTime:   s.CloseTime,
				Symbol:      s.Symbol,
				LastPrice:   s.LastPrice,
				Volume:      s.Volume,
				QuoteVolume: s.QuoteVolume,
				High:        s.HighPrice,
				Low:         s.LowPrice,
			}, nil
		default:
			if c.spot == nil {
				return nil, fmt.Errorf("spot rest endpoint not configured")
			}
			stats, err := c.spot.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
			if err != nil {
				return nil, err
			}
			if len(stats) == 0 {
				return nil, fmt.Errorf("empty stats response")
			}
			s := stats[0]
			return &ticker24Event{
				EventTime:   s.CloseTime,
				Symbol:      s.Symbol,
				LastPrice:   s.LastPrice,
				Volume:      s.Volume,
				QuoteVolume: s.QuoteVolume,
				High:        s.HighPrice,
				Low:         s.LowPrice,
			}, nil
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	t24 := res.(*ticker24Event)

	if m != marketFutures {
		return t24, nil, nil
	}
	mark, err := c.premiumIndex(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("venue", venueName).Str("symbol", symbol).Msg("rest premium index fetch failed")
		return t24, nil, nil
	}
	return t24, mark, nil
}

// premiumIndex maps the futures premium index onto the mark-price stream
// shape so the joiner treats both sources alike.
func (c *restClient) premiumIndex(ctx context.Context, symbol string) (*markPriceEvent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		rows, err := c.futures.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("empty premium index response")
		}
		pi := rows[0]
		return &markPriceEvent{
			EventTime:       pi.Time,
			Symbol:          pi.Symbol,
			MarkPrice:       pi.MarkPrice,
			IndexPrice:      pi.IndexPrice,
			FundingRate:     pi.LastFundingRate,
			NextFundingTime: pi.NextFundingTime,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("premium index %s: %w", symbol, err)
	}
	return res.(*markPriceEvent), nil
}

func futuresLevels(levels []futures.Bid) [][]string {
	out := make([][]string, len(levels))
	for i, l := range levels {
		out[i] = []string{l.Price, l.Quantity}
	}
	return out
}

func spotLevels(levels []goBinance.Bid) [][]string {
	out := make([][]string, len(levels))
	for i, l := range levels {
		out[i] = []string{l.Price, l.Quantity}
	}
	return out
}
