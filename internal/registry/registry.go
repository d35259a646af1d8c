// Package registry owns the typed market universe: which markets to quote,
// their live exchange parameters, per-market sizing, and the strategy
// profile each one runs. The trading core only ever reads snapshots.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/viper"

	"polymarket-quoter/pkg/types"
)

// Entry is the full parameter set for one quoted market.
type Entry struct {
	Market types.Market
	Trade  types.TradeConfig
	Params types.StrategyParams
}

// MarketFetcher pulls live market parameters from the exchange.
type MarketFetcher interface {
	FetchMarkets(ctx context.Context, conditionIDs []string) (map[string]types.Market, error)
}

// marketRow is one row of the market table file.
type marketRow struct {
	ConditionID string  `mapstructure:"condition_id"`
	TradeSize   float64 `mapstructure:"trade_size"`
	MaxSize     float64 `mapstructure:"max_size"`
	Enabled     bool    `mapstructure:"enabled"`
	Profile     string  `mapstructure:"profile"`
}

// Registry loads the market table file, enriches it with live exchange
// parameters, and serves read-only entries to the core.
type Registry struct {
	tableFile      string
	defaultProfile string
	profiles       map[string]types.StrategyParams
	fetcher        MarketFetcher
	logger         *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	byToken map[string]string // token ID -> condition ID
}

func New(tableFile, defaultProfile string, profiles map[string]types.StrategyParams, fetcher MarketFetcher, logger *slog.Logger) *Registry {
	return &Registry{
		tableFile:      tableFile,
		defaultProfile: defaultProfile,
		profiles:       profiles,
		fetcher:        fetcher,
		logger:         logger.With("component", "registry"),
		entries:        make(map[string]Entry),
		byToken:        make(map[string]string),
	}
}

// Reload re-reads the table file and refreshes live parameters. A row that
// cannot be resolved (fetch miss, unknown profile) is disabled with a
// warning; the rest of the universe still loads.
func (r *Registry) Reload(ctx context.Context) error {
	rows, err := r.readTable()
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.ConditionID != "" {
			ids = append(ids, row.ConditionID)
		}
	}

	live, err := r.fetcher.FetchMarkets(ctx, ids)
	if err != nil {
		return fmt.Errorf("fetch market params: %w", err)
	}

	entries := make(map[string]Entry, len(rows))
	byToken := make(map[string]string, 2*len(rows))

	for _, row := range rows {
		mkt, ok := live[row.ConditionID]
		if !ok {
			r.logger.Warn("market not found on exchange, disabling",
				"condition_id", row.ConditionID)
			continue
		}

		profile := row.Profile
		if profile == "" {
			profile = r.defaultProfile
		}
		params, ok := r.profiles[profile]
		if !ok {
			r.logger.Warn("unknown strategy profile, disabling market",
				"condition_id", row.ConditionID, "profile", profile)
			continue
		}
		mkt.Profile = profile

		entries[row.ConditionID] = Entry{
			Market: mkt,
			Trade: types.TradeConfig{
				TradeSize: row.TradeSize,
				MaxSize:   row.MaxSize,
				Enabled:   row.Enabled,
			},
			Params: params,
		}
		byToken[mkt.YesTokenID] = row.ConditionID
		byToken[mkt.NoTokenID] = row.ConditionID
	}

	r.mu.Lock()
	r.entries = entries
	r.byToken = byToken
	r.mu.Unlock()

	r.logger.Info("registry reloaded", "markets", len(entries))
	return nil
}

// Entry returns the parameter set for a condition ID.
func (r *Registry) Entry(conditionID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[conditionID]
	return e, ok
}

// ByToken resolves a token ID to its market entry.
func (r *Registry) ByToken(tokenID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.byToken[tokenID]
	if !ok {
		return Entry{}, false
	}
	e, ok := r.entries[cid]
	return e, ok
}

// Entries returns a snapshot of all loaded markets.
func (r *Registry) Entries() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Entry, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Tokens returns the token IDs of every enabled market, for WS subscriptions.
func (r *Registry) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, e := range r.entries {
		if e.Trade.Enabled {
			out = append(out, e.Market.YesTokenID, e.Market.NoTokenID)
		}
	}
	return out
}

// ConditionIDs returns all loaded condition IDs.
func (r *Registry) ConditionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.entries))
	for cid := range r.entries {
		out = append(out, cid)
	}
	return out
}

func (r *Registry) readTable() ([]marketRow, error) {
	v := viper.New()
	v.SetConfigFile(r.tableFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read market table: %w", err)
	}

	var table struct {
		Markets []marketRow `mapstructure:"markets"`
	}
	if err := v.Unmarshal(&table); err != nil {
		return nil, fmt.Errorf("unmarshal market table: %w", err)
	}
	return table.Markets, nil
}
