package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// pricePoint is one sample of the CLOB price history endpoint.
type pricePoint struct {
	T int64   `json:"t"`
	P float64 `json:"p"`
}

type priceHistory struct {
	History []pricePoint `json:"history"`
}

// VolCollector samples recent trade prices per market and publishes the
// windowed standard deviation (×100, so it lives on the same percent-ish
// scale as the profile thresholds).
type VolCollector struct {
	httpClient *resty.Client
	logger     *slog.Logger

	mu   sync.RWMutex
	vols map[string]float64 // condition ID -> volatility scalar
}

func NewVolCollector(clobBaseURL string, timeout time.Duration, logger *slog.Logger) *VolCollector {
	client := resty.New().
		SetBaseURL(clobBaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &VolCollector{
		httpClient: client,
		logger:     logger.With("component", "volatility"),
		vols:       make(map[string]float64),
	}
}

// Refresh pulls price history for every market and recomputes its scalar.
// A failed fetch keeps the previous value; stale beats zero, which would
// silently reopen the volatility gate.
func (c *VolCollector) Refresh(ctx context.Context, entries map[string]Entry) {
	for cid, e := range entries {
		window := time.Duration(e.Params.VolWindowMinutes) * time.Minute
		if window <= 0 {
			continue
		}

		vol, err := c.fetch(ctx, e.Market.YesTokenID, window)
		if err != nil {
			c.logger.Warn("volatility fetch failed", "condition_id", cid, "error", err)
			continue
		}

		c.mu.Lock()
		c.vols[cid] = vol
		c.mu.Unlock()
	}
}

// Vol returns the current volatility scalar for a market (0 if never sampled).
func (c *VolCollector) Vol(conditionID string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vols[conditionID]
}

func (c *VolCollector) fetch(ctx context.Context, tokenID string, window time.Duration) (float64, error) {
	startTs := time.Now().Add(-window).Unix()

	var hist priceHistory
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"market":   tokenID,
			"startTs":  strconv.FormatInt(startTs, 10),
			"fidelity": "1",
		}).
		SetResult(&hist).
		Get("/prices-history")
	if err != nil {
		return 0, fmt.Errorf("fetch price history: %w", err)
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("fetch price history: status %d", resp.StatusCode())
	}

	prices := make([]float64, 0, len(hist.History))
	for _, p := range hist.History {
		prices = append(prices, p.P)
	}
	return stdev(prices) * 100, nil
}

// stdev is the population standard deviation. Fewer than two samples read
// as zero volatility.
func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}

	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}
