package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	appconfig "maflow/config"
	"maflow/logger"
)

// YahooClient fetches daily candles from the Yahoo Finance chart API.
type YahooClient struct {
	baseURL   string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
	log       *logger.Log
}

// NewYahooClient builds a client from the provider configuration. A
// client-side rate limiter throttles every request regardless of caller.
func NewYahooClient(cfg appconfig.ProviderConfig) *YahooClient {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &YahooClient{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		log:       logger.GetLogger(),
	}
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// History fetches up to lookbackDays calendar days of daily closes for the
// symbol, chronological ascending with null closes dropped.
func (c *YahooClient) History(ctx context.Context, symbol string, lookbackDays int) (PriceSeries, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()

	now := time.Now().UTC()
	period1 := now.AddDate(0, 0, -lookbackDays).Unix()
	url := fmt.Sprintf("%s/v8/finance/chart/%s?period1=%d&period2=%d&interval=1d",
		c.baseURL, symbol, period1, now.Unix())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("provider returned status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &TransientError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read response body: %w", err)}
	}

	series, err := parseChart(symbol, body)
	if err != nil {
		return nil, err
	}

	logger.IncrementHistoryRead(len(body))
	logger.LogPerformanceEntry(c.log.WithFields(logger.Fields{
		"symbol": symbol,
		"closes": len(series),
	}), "provider", "history_fetch", time.Since(start), nil)
	return series, nil
}

// parseChart validates the chart payload and converts it into a PriceSeries.
// Malformed payloads become typed failures rather than nil propagation.
func parseChart(symbol string, body []byte) (PriceSeries, error) {
	var parsed chartResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("malformed chart response: %w", err)}
	}

	if apiErr := parsed.Chart.Error; apiErr != nil {
		if strings.EqualFold(apiErr.Code, "Not Found") {
			return nil, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
		}
		return nil, &TransientError{Err: fmt.Errorf("provider error %s: %s", apiErr.Code, apiErr.Description)}
	}

	if len(parsed.Chart.Result) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}

	result := parsed.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, &TransientError{Err: fmt.Errorf("chart response for %s has no quote block", symbol)}
	}

	closes := result.Indicators.Quote[0].Close
	if len(closes) != len(result.Timestamp) {
		return nil, &TransientError{Err: fmt.Errorf(
			"chart response for %s has %d timestamps but %d closes", symbol, len(result.Timestamp), len(closes))}
	}

	series := make(PriceSeries, 0, len(closes))
	for i, px := range closes {
		if px == nil {
			// missing trading day, skip
			continue
		}
		series = append(series, Close{
			Date:  time.Unix(result.Timestamp[i], 0).UTC(),
			Price: *px,
		})
	}

	if len(series) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrInsufficientHistory)
	}
	return series, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
