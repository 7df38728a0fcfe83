// Package backend is the HTTP client for the portfolio backend. It covers the
// portfolio/holdings store, the server-side rebalance calculator, the trade
// ledger and the on-demand quote pull.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/folioworks/rebalancer/internal/domain"
)

// TokenSource supplies the bearer token for backend calls. An empty token
// means no session is active and requests go out unauthenticated.
type TokenSource func() string

// Client talks to the portfolio backend REST API
type Client struct {
	baseURL string
	client  *http.Client
	tokens  TokenSource
	log     zerolog.Logger
}

// NewClient creates a backend API client
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		tokens:  tokens,
		log:     log.With().Str("client", "backend").Logger(),
	}
}

// FetchPortfolio retrieves a portfolio with its holdings and targets
func (c *Client) FetchPortfolio(ctx context.Context, portfolioID int64) (*domain.Portfolio, error) {
	var portfolio domain.Portfolio
	path := fmt.Sprintf("/api/portfolios/%d", portfolioID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &portfolio); err != nil {
		return nil, fmt.Errorf("failed to fetch portfolio %d: %w", portfolioID, err)
	}
	return &portfolio, nil
}

// FetchHoldings retrieves the current holdings of a portfolio
func (c *Client) FetchHoldings(ctx context.Context, portfolioID int64) ([]domain.Holding, error) {
	var holdings []domain.Holding
	path := fmt.Sprintf("/api/portfolios/%d/holdings", portfolioID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &holdings); err != nil {
		return nil, fmt.Errorf("failed to fetch holdings for portfolio %d: %w", portfolioID, err)
	}
	return holdings, nil
}

// UpdateCashBalance sets the portfolio's cash balance to the given value
func (c *Client) UpdateCashBalance(ctx context.Context, portfolioID int64, amount float64) error {
	body := map[string]float64{"cashBalance": amount}
	path := fmt.Sprintf("/api/portfolios/%d/cash-balance", portfolioID)
	if err := c.doJSON(ctx, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("failed to update cash balance for portfolio %d: %w", portfolioID, err)
	}
	return nil
}

// CalculateRebalance requests a full drift-correction plan from the backend
func (c *Client) CalculateRebalance(ctx context.Context, portfolioID int64) (*domain.RebalancePlan, error) {
	var plan domain.RebalancePlan
	path := fmt.Sprintf("/api/portfolios/%d/rebalance", portfolioID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &plan); err != nil {
		return nil, fmt.Errorf("failed to calculate rebalance for portfolio %d: %w", portfolioID, err)
	}
	return &plan, nil
}

// CalculateCashRebalance requests a plan distributing a fresh cash amount
func (c *Client) CalculateCashRebalance(ctx context.Context, portfolioID int64, amount float64) (*domain.RebalancePlan, error) {
	var plan domain.RebalancePlan
	body := map[string]float64{"amount": amount}
	path := fmt.Sprintf("/api/portfolios/%d/rebalance/cash", portfolioID)
	if err := c.doJSON(ctx, http.MethodPost, path, body, &plan); err != nil {
		return nil, fmt.Errorf("failed to calculate cash rebalance for portfolio %d: %w", portfolioID, err)
	}
	return &plan, nil
}

// BookTrade records one executed trade against a holding's ledger
func (c *Client) BookTrade(ctx context.Context, portfolioID, holdingID int64, req domain.BookTradeRequest) (*domain.Trade, error) {
	var trade domain.Trade
	path := fmt.Sprintf("/api/portfolios/%d/holdings/%d/trades", portfolioID, holdingID)
	if err := c.doJSON(ctx, http.MethodPost, path, req, &trade); err != nil {
		return nil, fmt.Errorf("failed to book trade for holding %d: %w", holdingID, err)
	}
	return &trade, nil
}

// PullQuotes fetches current quotes for the given symbols synchronously
func (c *Client) PullQuotes(ctx context.Context, symbols []string) ([]domain.Quote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	var quotes []domain.Quote
	path := "/api/quotes?symbols=" + url.QueryEscape(strings.Join(symbols, ","))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &quotes); err != nil {
		return nil, fmt.Errorf("failed to pull quotes: %w", err)
	}
	return quotes, nil
}

// doJSON performs one JSON request against the backend. A nil out discards the
// response body; a nil body sends no payload.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.log.Debug().Str("method", method).Str("path", path).Msg("Backend request")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
