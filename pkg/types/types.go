// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the quoter — order sides, market
// metadata, price levels, and WebSocket event payloads. It has no dependencies
// on internal packages, so it can be imported by any layer.
package types

import (
	"math/big"
	"time"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Each market has a
// fixed tick size that determines the minimum price increment and USDC amount
// rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"
	Tick001   TickSize = "0.01" // standard markets (most common)
	Tick0001  TickSize = "0.001"
	Tick00001 TickSize = "0.0001"
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	}
	return 4
}

// Float returns the tick size as a float64 increment.
func (t TickSize) Float() float64 {
	switch t {
	case Tick01:
		return 0.1
	case Tick0001:
		return 0.001
	case Tick00001:
		return 0.0001
	}
	return 0.01
}

// ————————————————————————————————————————————————————————————————————————
// Market registry
// ————————————————————————————————————————————————————————————————————————

// Market is the authoritative parameter set for one binary market. Loaded by
// the registry at startup, refreshed on a slow cadence, and never mutated by
// the trading core. The two tokens are complementary: holding equal amounts
// of both is risk-free and can be merged back into USDC.
type Market struct {
	ConditionID string // CTF condition ID (cancels + user WS subscription)
	Slug        string
	Question    string

	YesTokenID string
	NoTokenID  string

	TickSize  TickSize
	MinSize   float64 // minimum order size in shares
	MaxSpread float64 // widest spread (price units) at which buys are allowed
	NegRisk   bool

	Profile string // strategy profile name (conservative/default/aggressive)
}

// Reverse returns the complementary token for the given token ID, or ""
// if the token does not belong to this market.
func (m Market) Reverse(tokenID string) string {
	switch tokenID {
	case m.YesTokenID:
		return m.NoTokenID
	case m.NoTokenID:
		return m.YesTokenID
	}
	return ""
}

// Tokens returns both token IDs, YES first.
func (m Market) Tokens() []string {
	return []string{m.YesTokenID, m.NoTokenID}
}

// TradeConfig is the per-market sizing configuration, in USDC notional.
type TradeConfig struct {
	TradeSize float64 // notional of each incremental buy
	MaxSize   float64 // cap on accumulated position notional
	Enabled   bool
}

// StrategyParams is a named bundle of risk thresholds keyed by profile.
// StopLossPct is negative (e.g. -2 means stop out at -2% PnL).
type StrategyParams struct {
	StopLossPct         float64
	TakeProfitPct       float64
	SpreadThreshold     float64 // max spread for stop-loss to be actionable
	VolatilityThreshold float64
	VolWindowMinutes    int
	SleepHours          float64 // risk-off pause duration
}

// ————————————————————————————————————————————————————————————————————————
// Positions and tracked orders
// ————————————————————————————————————————————————————————————————————————

// Position is the holding in a single token. Size is in shares; AvgPrice is
// the size-weighted mean of unmatched buys and is meaningless when Size is 0.
type Position struct {
	Size     float64
	AvgPrice float64
}

// Notional returns the position value at its average entry price.
func (p Position) Notional() float64 {
	return p.Size * p.AvgPrice
}

// TrackedOrder is the single open order the core tracks per (token, side).
// When the exchange holds several, reconciliation collapses them into one
// aggregate view: total size at volume-weighted price.
type TrackedOrder struct {
	ID       string
	Price    float64
	Size     float64
	PlacedAt time.Time
}

// OrderPair is the per-token open-order view consumed by the quote engine.
type OrderPair struct {
	Buy  *TrackedOrder
	Sell *TrackedOrder
}

// ————————————————————————————————————————————————————————————————————————
// Exchange REST payloads
// ————————————————————————————————————————————————————————————————————————

// UserOrder is the high-level order representation produced by the engine.
// The exchange client converts it to a SignedOrder for the CLOB API.
type UserOrder struct {
	TokenID    string
	Price      float64
	Size       float64
	Side       Side
	OrderType  OrderType
	TickSize   TickSize
	Expiration int64 // unix timestamp, 0 = no expiry
	FeeRateBps int
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`
	Signer        string        `json:"signer"`
	Taker         string        `json:"taker"`
	TokenID       string        `json:"tokenId"`
	MakerAmount   *big.Int      `json:"makerAmount"`
	TakerAmount   *big.Int      `json:"takerAmount"`
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"`
}

// OrderPayload is the REST API request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType OrderType   `json:"orderType"`
	PostOnly  bool        `json:"postOnly,omitempty"`
}

// OrderResponse is the REST API response for a posted order.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // e.g. "live", "matched"
}

// OpenOrder represents a live resting order on the CLOB as returned by
// GET /orders.
type OpenOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`   // condition ID
	AssetID      string `json:"asset_id"` // token ID
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// CancelResponse is returned by the cancel endpoints.
type CancelResponse struct {
	Canceled []string `json:"canceled"`
}

// DataPosition is one row of the data-api positions endpoint.
type DataPosition struct {
	Asset    string  `json:"asset"` // token ID
	Size     float64 `json:"size"`
	AvgPrice float64 `json:"avgPrice"`
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level. Price and Size are strings because
// the CLOB API returns them as strings to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market    string       `json:"market"`
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Hash      string       `json:"hash"`
	Timestamp string       `json:"timestamp"`
	TickSize  string       `json:"tick_size"`
	NegRisk   bool         `json:"neg_risk"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages on the Polymarket WebSocket.
// Market channel: "book" (full snapshot), "price_change" (delta).
// User channel: "trade" (fill lifecycle), "order" (placement/cancel lifecycle).

// WSBookEvent is a full order book snapshot from the market channel.
// Replaces the entire local book for the given asset.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // always "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"` // condition ID
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
	Buys      []PriceLevel `json:"buys"`
	Sells     []PriceLevel `json:"sells"`
}

// WSPriceChange is a single level update within a price_change event.
// Size 0 deletes the level.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"` // "BUY" or "SELL"
	Hash    string `json:"hash"`
}

// WSPriceChangeEvent is an incremental book update from the market channel.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // always "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSMakerOrder identifies one maker fill inside a trade event. Used to
// detect whether one of our resting orders was the maker side of the trade.
type WSMakerOrder struct {
	OrderID       string `json:"order_id"`
	MakerAddress  string `json:"maker_address"`
	MatchedAmount string `json:"matched_amount"`
	Price         string `json:"price"`
	Outcome       string `json:"outcome"`
	AssetID       string `json:"asset_id"`
}

// WSTradeEvent is a fill notification from the user channel. A trade moves
// through MATCHED → MINED → CONFIRMED (or FAILED); the same trade ID is
// delivered once per status transition.
type WSTradeEvent struct {
	EventType   string         `json:"event_type"` // always "trade"
	ID          string         `json:"id"`         // trade ID
	Market      string         `json:"market"`     // condition ID
	AssetID     string         `json:"asset_id"`
	Side        string         `json:"side"` // taker side
	Size        string         `json:"size"`
	Price       string         `json:"price"`
	Status      string         `json:"status"` // MATCHED, MINED, CONFIRMED, FAILED
	Outcome     string         `json:"outcome"`
	Owner       string         `json:"owner"`       // API key the event was delivered to
	TradeOwner  string         `json:"trade_owner"` // API key of the taker
	MakerOrders []WSMakerOrder `json:"maker_orders"`
	Timestamp   string         `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle notification from the user channel.
type WSOrderEvent struct {
	EventType    string `json:"event_type"` // always "order"
	ID           string `json:"id"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Timestamp    string `json:"timestamp"`
	Type         string `json:"type"` // "PLACEMENT", "UPDATE", "CANCELLATION"
}

// WSSubscribeMsg is the initial subscription message sent when connecting.
// For user channels, Auth must be provided.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`
	Type     string   `json:"type"` // "market" or "user"
	Markets  []string `json:"markets,omitempty"`
	AssetIDs []string `json:"assets_ids,omitempty"`
}

// WSAuth contains the L2 API credentials for the user channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSUpdateMsg subscribes or unsubscribes channels after connection.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}
