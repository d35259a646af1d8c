package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-quoter/pkg/types"
)

// maxSpread fallback when Gamma reports no reward band for a market.
const defaultMaxSpread = 0.05

// GammaMarket is the JSON shape returned by the Gamma API.
type GammaMarket struct {
	ID                    string  `json:"id"`
	Question              string  `json:"question"`
	ConditionID           string  `json:"conditionId"`
	Slug                  string  `json:"slug"`
	Active                bool    `json:"active"`
	Closed                bool    `json:"closed"`
	AcceptingOrders       bool    `json:"acceptingOrders"`
	EnableOrderBook       bool    `json:"enableOrderBook"`
	ClobTokenIds          string  `json:"clobTokenIds"`
	NegRisk               bool    `json:"negRisk"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
	OrderMinSize          float64 `json:"orderMinSize"`
	RewardsMaxSpread      float64 `json:"rewardsMaxSpread"`
}

// Loader fetches live market parameters from the Gamma API for a fixed set
// of condition IDs.
type Loader struct {
	httpClient *resty.Client
	logger     *slog.Logger
}

func NewLoader(gammaBaseURL string, timeout time.Duration, logger *slog.Logger) *Loader {
	client := resty.New().
		SetBaseURL(gammaBaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Loader{
		httpClient: client,
		logger:     logger.With("component", "gamma"),
	}
}

// FetchMarkets returns live parameters keyed by condition ID. Markets that
// are closed or not accepting orders are omitted so the registry disables
// them.
func (l *Loader) FetchMarkets(ctx context.Context, conditionIDs []string) (map[string]types.Market, error) {
	if len(conditionIDs) == 0 {
		return map[string]types.Market{}, nil
	}

	var page []GammaMarket
	resp, err := l.httpClient.R().
		SetContext(ctx).
		SetQueryParam("condition_ids", strings.Join(conditionIDs, ",")).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch markets: status %d", resp.StatusCode())
	}

	out := make(map[string]types.Market, len(page))
	for _, gm := range page {
		if !gm.Active || gm.Closed || !gm.AcceptingOrders || !gm.EnableOrderBook {
			l.logger.Info("market not tradable, skipping",
				"condition_id", gm.ConditionID, "slug", gm.Slug)
			continue
		}
		mkt, err := convertMarket(gm)
		if err != nil {
			l.logger.Warn("skipping malformed market",
				"condition_id", gm.ConditionID, "error", err)
			continue
		}
		out[gm.ConditionID] = mkt
	}
	return out, nil
}

// convertMarket transforms a Gamma response row into the internal Market.
// Token IDs arrive as a JSON-encoded array string; tick size as a float.
func convertMarket(gm GammaMarket) (types.Market, error) {
	var tokenIDs []string
	if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs); err != nil {
		return types.Market{}, fmt.Errorf("parse clobTokenIds: %w", err)
	}
	if len(tokenIDs) < 2 {
		return types.Market{}, fmt.Errorf("expected 2 token IDs, got %d", len(tokenIDs))
	}

	var tickSize types.TickSize
	switch gm.OrderPriceMinTickSize {
	case 0.1:
		tickSize = types.Tick01
	case 0.001:
		tickSize = types.Tick0001
	case 0.0001:
		tickSize = types.Tick00001
	default:
		tickSize = types.Tick001
	}

	maxSpread := gm.RewardsMaxSpread / 100 // Gamma reports cents
	if maxSpread <= 0 {
		maxSpread = defaultMaxSpread
	}

	return types.Market{
		ConditionID: gm.ConditionID,
		Slug:        gm.Slug,
		Question:    gm.Question,
		YesTokenID:  tokenIDs[0],
		NoTokenID:   tokenIDs[1],
		TickSize:    tickSize,
		MinSize:     gm.OrderMinSize,
		MaxSpread:   maxSpread,
		NegRisk:     gm.NegRisk,
	}, nil
}
