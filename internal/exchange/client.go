// Package exchange implements the Polymarket CLOB REST and WebSocket clients.
//
// The REST client (Client) covers the order-management surface:
//   - GetOrderBook:       GET    /book                 — L2 book for a token
//   - PostOrder:          POST   /order                — place one signed post-only order
//   - CancelMarketOrders: DELETE /cancel-market-orders — cancel one market's orders
//   - CancelAll:          DELETE /cancel-all           — cancel everything
//   - ListOpenOrders:     GET    /orders               — open orders, cursor-paginated
//   - Balance:            GET    /balance-allowance    — available collateral
//   - DeriveAPIKey:       GET    /auth/derive-api-key  — bootstrap L2 creds from L1 wallet
//   - ListPositions:      data-api GET /positions      — authoritative holdings
//
// Every request is rate-limited per endpoint category, retried on 5xx, and
// authenticated with L2 HMAC headers (book reads excepted).
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"polymarket-quoter/internal/config"
	"polymarket-quoter/pkg/types"
)

// rateLimiters holds one token bucket per endpoint category, tuned below the
// CLOB's published limits.
type rateLimiters struct {
	order  *rate.Limiter
	cancel *rate.Limiter
	read   *rate.Limiter
}

func newRateLimiters() *rateLimiters {
	return &rateLimiters{
		order:  rate.NewLimiter(rate.Limit(4), 8),
		cancel: rate.NewLimiter(rate.Limit(4), 8),
		read:   rate.NewLimiter(rate.Limit(20), 40),
	}
}

// Client is the Polymarket CLOB REST API client.
type Client struct {
	http   *resty.Client // CLOB API
	data   *resty.Client // data-api (positions)
	auth   *Auth
	rl     *rateLimiters
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	newHTTP := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
			SetTimeout(cfg.Trading.RequestTimeout).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json")
	}

	return &Client{
		http:   newHTTP(cfg.API.CLOBBaseURL),
		data:   newHTTP(cfg.API.DataBaseURL),
		auth:   auth,
		rl:     newRateLimiters(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange"),
	}
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.read.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// PostOrder signs and places a single post-only GTC order. A post-only order
// that would cross the book is rejected by the exchange instead of taking.
func (c *Client) PostOrder(ctx context.Context, order types.UserOrder, negRisk bool) (*types.OrderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post order",
			"token", order.TokenID, "side", order.Side,
			"price", order.Price, "size", order.Size)
		return &types.OrderResponse{Success: true, OrderID: "dry-run", Status: "live"}, nil
	}
	if err := c.rl.order.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := c.buildOrderPayload(order, negRisk)
	if err != nil {
		return nil, fmt.Errorf("build order: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return nil, fmt.Errorf("post order rejected: %s", result.ErrorMsg)
	}
	return &result, nil
}

// CancelMarketOrders cancels all orders for a specific market. The CLOB has
// no per-side cancel; this takes down both sides of every token in the
// market.
func (c *Client) CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel market orders", "market", conditionID)
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.cancel.Wait(ctx); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"market":"%s"}`, conditionID)
	headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", body)
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/cancel-market-orders")
	if err != nil {
		return nil, fmt.Errorf("cancel market orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel market orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// CancelTokenOrders cancels all orders resting on one token, both sides.
// This is the finest cancel granularity the CLOB offers; there is no
// per-side or per-order-replace primitive worth racing against.
func (c *Client) CancelTokenOrders(ctx context.Context, tokenID string) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel token orders", "token", tokenID)
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.cancel.Wait(ctx); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"asset_id":"%s"}`, tokenID)
	headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", body)
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/cancel-market-orders")
	if err != nil {
		return nil, fmt.Errorf("cancel token orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel token orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// CancelAll cancels every open order across all markets. Shutdown safety net.
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.cancel.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return nil, fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// openOrdersPage is the cursor-paginated GET /orders response.
type openOrdersPage struct {
	Data       []types.OpenOrder `json:"data"`
	NextCursor string            `json:"next_cursor"`
}

const endCursor = "LTE=" // base64(-1), the API's end-of-pages marker

// ListOpenOrders returns every open order across all markets.
func (c *Client) ListOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	var all []types.OpenOrder
	cursor := ""

	for {
		if err := c.rl.read.Wait(ctx); err != nil {
			return nil, err
		}

		path := "/orders"
		headers, err := c.auth.L2Headers("GET", path, "")
		if err != nil {
			return nil, fmt.Errorf("l2 headers: %w", err)
		}

		req := c.http.R().
			SetContext(ctx).
			SetHeaders(headers)
		if cursor != "" {
			req.SetQueryParam("next_cursor", cursor)
		}

		var page openOrdersPage
		resp, err := req.SetResult(&page).Get(path)
		if err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("list orders: status %d: %s", resp.StatusCode(), resp.String())
		}

		all = append(all, page.Data...)
		if page.NextCursor == "" || page.NextCursor == endCursor {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// ListPositions fetches authoritative holdings from the data-api.
func (c *Client) ListPositions(ctx context.Context) ([]types.DataPosition, error) {
	if err := c.rl.read.Wait(ctx); err != nil {
		return nil, err
	}

	var result []types.DataPosition
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"user":          c.auth.FunderAddress().Hex(),
			"sizeThreshold": "0.1",
		}).
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// Balance returns the available USDC collateral.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	if err := c.rl.read.Wait(ctx); err != nil {
		return 0, err
	}

	path := "/balance-allowance"
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		Balance string `json:"balance"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"asset_type":     "COLLATERAL",
			"signature_type": strconv.Itoa(int(c.auth.sigType)),
		}).
		SetResult(&result).
		Get(path)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	raw, err := strconv.ParseFloat(result.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	return raw / 1e6, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}
