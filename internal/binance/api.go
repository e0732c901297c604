package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const apiRequestTimeout = 10 * time.Second

// APIClient is a rate-limited client for the Binance futures REST API.
type APIClient struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewAPIClient creates a REST client paced at requestsPerSecond.
func NewAPIClient(baseURL string, requestsPerSecond float64) *APIClient {
	return &APIClient{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: apiRequestTimeout},
		rateLimiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 5),
	}
}

// FetchSymbols returns every symbol currently trading on the exchange.
func (c *APIClient) FetchSymbols(ctx context.Context) ([]string, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("build exchangeInfo request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchangeInfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchangeInfo returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read exchangeInfo response: %w", err)
	}

	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode exchangeInfo response: %w", err)
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status == "TRADING" {
			symbols = append(symbols, s.Symbol)
		}
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("exchangeInfo returned no trading symbols")
	}
	return symbols, nil
}
