package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Binance reads prices from the public Binance REST API. Calls are rate
// limited and carry a bounded deadline so a slow exchange cannot stall an
// evaluation cycle.
type Binance struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewBinance builds a REST source. ratePerSec bounds outbound request rate.
func NewBinance(baseURL string, ratePerSec float64) *Binance {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	return &Binance{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1),
	}
}

func (b *Binance) Current(ctx context.Context, assetID string) (decimal.Decimal, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	params := url.Values{}
	params.Set("symbol", Symbol(assetID))
	u := fmt.Sprintf("%s/api/v3/ticker/price?%s", b.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	res, err := b.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance ticker: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("binance ticker %s: status %d: %w", assetID, res.StatusCode, ErrUnavailable)
	}

	var body struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("binance ticker decode: %w", err)
	}
	p, err := decimal.NewFromString(body.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance ticker %s bad price %q: %w", assetID, body.Price, err)
	}
	return p, nil
}

// History fetches the last n one-minute kline closes, oldest first.
func (b *Binance) History(ctx context.Context, assetID string, n int) ([]decimal.Decimal, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", Symbol(assetID))
	params.Set("interval", "1m")
	if n > 0 {
		params.Set("limit", strconv.Itoa(n))
	}
	u := fmt.Sprintf("%s/api/v3/klines?%s", b.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance klines: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance klines %s: status %d: %w", assetID, res.StatusCode, ErrUnavailable)
	}

	var raw [][]any
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("binance klines decode: %w", err)
	}

	closes := make([]decimal.Decimal, 0, len(raw))
	for _, item := range raw {
		// Kline rows are positional arrays; index 4 is the close price.
		if len(item) < 5 {
			continue
		}
		s, ok := item[4].(string)
		if !ok {
			continue
		}
		p, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		closes = append(closes, p)
	}
	if len(closes) == 0 {
		return nil, ErrUnavailable
	}
	return closes, nil
}
