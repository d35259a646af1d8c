package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polymarket-quoter/pkg/types"
)

type fakeFetcher struct {
	markets map[string]types.Market
	err     error
}

func (f *fakeFetcher) FetchMarkets(_ context.Context, _ []string) (map[string]types.Market, error) {
	return f.markets, f.err
}

func writeTable(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "markets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func testProfiles() map[string]types.StrategyParams {
	return map[string]types.StrategyParams{
		"default":    {StopLossPct: -2, TakeProfitPct: 2},
		"aggressive": {StopLossPct: -1.5, TakeProfitPct: 1.5},
	}
}

func TestReloadResolvesProfiles(t *testing.T) {
	table := writeTable(t, `
markets:
  - condition_id: "0xa"
    trade_size: 10
    max_size: 50
    enabled: true
  - condition_id: "0xb"
    trade_size: 20
    max_size: 100
    enabled: true
    profile: aggressive
  - condition_id: "0xc"
    trade_size: 5
    max_size: 25
    enabled: true
    profile: nonsense
`)

	fetcher := &fakeFetcher{markets: map[string]types.Market{
		"0xa": {ConditionID: "0xa", YesTokenID: "a-yes", NoTokenID: "a-no"},
		"0xb": {ConditionID: "0xb", YesTokenID: "b-yes", NoTokenID: "b-no"},
		"0xc": {ConditionID: "0xc", YesTokenID: "c-yes", NoTokenID: "c-no"},
	}}

	r := New(table, "default", testProfiles(), fetcher, slog.New(slog.DiscardHandler))
	require.NoError(t, r.Reload(context.Background()))

	a, ok := r.Entry("0xa")
	require.True(t, ok)
	assert.Equal(t, "default", a.Market.Profile, "empty profile falls back to default")
	assert.InDelta(t, -2.0, a.Params.StopLossPct, 1e-9)
	assert.InDelta(t, 10.0, a.Trade.TradeSize, 1e-9)

	b, ok := r.Entry("0xb")
	require.True(t, ok)
	assert.Equal(t, "aggressive", b.Market.Profile, "per-market override wins")
	assert.InDelta(t, -1.5, b.Params.StopLossPct, 1e-9)

	_, ok = r.Entry("0xc")
	assert.False(t, ok, "unknown profile disables the market")
}

func TestReloadSkipsMarketsMissingFromExchange(t *testing.T) {
	table := writeTable(t, `
markets:
  - condition_id: "0xa"
    trade_size: 10
    max_size: 50
    enabled: true
  - condition_id: "0xgone"
    trade_size: 10
    max_size: 50
    enabled: true
`)

	fetcher := &fakeFetcher{markets: map[string]types.Market{
		"0xa": {ConditionID: "0xa", YesTokenID: "a-yes", NoTokenID: "a-no"},
	}}

	r := New(table, "default", testProfiles(), fetcher, slog.New(slog.DiscardHandler))
	require.NoError(t, r.Reload(context.Background()))

	assert.Len(t, r.Entries(), 1)
	_, ok := r.Entry("0xgone")
	assert.False(t, ok)
}

func TestByTokenAndTokens(t *testing.T) {
	table := writeTable(t, `
markets:
  - condition_id: "0xa"
    trade_size: 10
    max_size: 50
    enabled: true
  - condition_id: "0xb"
    trade_size: 10
    max_size: 50
    enabled: false
`)

	fetcher := &fakeFetcher{markets: map[string]types.Market{
		"0xa": {ConditionID: "0xa", YesTokenID: "a-yes", NoTokenID: "a-no"},
		"0xb": {ConditionID: "0xb", YesTokenID: "b-yes", NoTokenID: "b-no"},
	}}

	r := New(table, "default", testProfiles(), fetcher, slog.New(slog.DiscardHandler))
	require.NoError(t, r.Reload(context.Background()))

	e, ok := r.ByToken("a-no")
	require.True(t, ok)
	assert.Equal(t, "0xa", e.Market.ConditionID)

	_, ok = r.ByToken("stranger")
	assert.False(t, ok)

	// Disabled markets stay loaded (sells continue) but are not subscribed.
	assert.ElementsMatch(t, []string{"a-yes", "a-no"}, r.Tokens())
	assert.ElementsMatch(t, []string{"0xa", "0xb"}, r.ConditionIDs())
}

func TestConvertMarket(t *testing.T) {
	gm := GammaMarket{
		ConditionID:           "0xa",
		Slug:                  "will-it-rain",
		ClobTokenIds:          `["tok-yes","tok-no"]`,
		OrderPriceMinTickSize: 0.001,
		OrderMinSize:          5,
		RewardsMaxSpread:      3.5,
		NegRisk:               true,
	}

	m, err := convertMarket(gm)
	require.NoError(t, err)
	assert.Equal(t, "tok-yes", m.YesTokenID)
	assert.Equal(t, "tok-no", m.NoTokenID)
	assert.Equal(t, types.Tick0001, m.TickSize)
	assert.InDelta(t, 0.035, m.MaxSpread, 1e-9)
	assert.True(t, m.NegRisk)

	gm.ClobTokenIds = `["only-one"]`
	_, err = convertMarket(gm)
	assert.Error(t, err)

	gm.ClobTokenIds = `not json`
	_, err = convertMarket(gm)
	assert.Error(t, err)
}

func TestStdev(t *testing.T) {
	assert.Zero(t, stdev(nil))
	assert.Zero(t, stdev([]float64{0.5}))
	assert.Zero(t, stdev([]float64{0.5, 0.5, 0.5}))
	// population stdev of {0.4, 0.6} = 0.1
	assert.InDelta(t, 0.1, stdev([]float64{0.4, 0.6}), 1e-9)
}
