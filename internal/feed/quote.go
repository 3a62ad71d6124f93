package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"margin_go/internal/domain"

	"github.com/shopspring/decimal"
)

// quoteResponse is the HTTP quote endpoint's envelope. It mirrors the
// websocket tick shape: data.s is the symbol, data.ld the last price.
type quoteResponse struct {
	Code int `json:"code"`
	Data struct {
		S  string  `json:"s"`
		LD float64 `json:"ld"`
	} `json:"data"`
}

// QuoteClient fetches a last price synchronously over HTTP. Market orders
// fill from this provider; the monitors read the websocket-fed cache. The
// two providers are intentionally distinct and may disagree at an instant.
type QuoteClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewQuoteClient creates a quote client for the given endpoint.
func NewQuoteClient(baseURL string, timeout time.Duration) *QuoteClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &QuoteClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// LastPrice requests the current reference price for symbol.
func (c *QuoteClient) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s?symbol=%s", c.baseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, domain.NewNetworkError("quote request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, domain.NewNetworkError("quote request",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, domain.NewNetworkError("quote read", err)
	}

	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return decimal.Zero, fmt.Errorf("quote decode: %w", err)
	}
	if qr.Data.LD <= 0 {
		return decimal.Zero, domain.ErrPriceUnavailable
	}

	return decimal.NewFromFloat(qr.Data.LD), nil
}
