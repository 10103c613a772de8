package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Feed keeps rolling price windows warm from the Binance miniTicker stream so
// evaluation cycles never block on the network. It implements Source; reads
// are served from memory and a backfill source fills histories on startup.
type Feed struct {
	wsURL    string
	assets   []string
	backfill Source
	window   *Memory
	logger   *zap.Logger
	dialer   *websocket.Dialer

	mu      sync.Mutex
	stopped bool
	stop    func()
}

// NewFeed builds a streaming feed over the given assets. backfill may be nil;
// histories then grow only from live ticks.
func NewFeed(wsURL string, assets []string, historyLimit int, backfill Source, logger *zap.Logger) *Feed {
	if wsURL == "" {
		wsURL = "wss://stream.binance.com:9443/ws"
	}
	return &Feed{
		wsURL:    wsURL,
		assets:   assets,
		backfill: backfill,
		window:   NewMemory(historyLimit),
		logger:   logger,
		dialer:   websocket.DefaultDialer,
	}
}

func (f *Feed) Current(ctx context.Context, assetID string) (decimal.Decimal, error) {
	return f.window.Current(ctx, assetID)
}

func (f *Feed) History(ctx context.Context, assetID string, n int) ([]decimal.Decimal, error) {
	return f.window.History(ctx, assetID, n)
}

// Start backfills histories and launches the stream reader. The reader
// reconnects with backoff until ctx is cancelled or Stop is called.
func (f *Feed) Start(ctx context.Context, historyLimit int) error {
	if f.backfill != nil {
		for _, asset := range f.assets {
			hist, err := f.backfill.History(ctx, asset, historyLimit)
			if err != nil {
				f.logger.Warn("price history backfill failed",
					zap.String("asset", asset), zap.Error(err))
				continue
			}
			f.window.Set(asset, hist)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.stop = cancel
	f.mu.Unlock()

	go f.run(runCtx)
	return nil
}

// Stop terminates the stream reader.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop != nil && !f.stopped {
		f.stopped = true
		f.stop()
	}
}

func (f *Feed) run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := f.stream(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("price stream dropped, reconnecting",
				zap.Error(err), zap.Duration("backoff", backoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *Feed) stream(ctx context.Context) error {
	// Binance requires lowercase symbols for combined websocket streams.
	streams := make([]string, 0, len(f.assets))
	for _, asset := range f.assets {
		streams = append(streams, strings.ToLower(Symbol(asset))+"@miniTicker")
	}
	u := fmt.Sprintf("%s/%s", f.wsURL, strings.Join(streams, "/"))

	conn, _, err := f.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial price stream: %w", err)
	}

	var once sync.Once
	closeConn := func() {
		once.Do(func() {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}
	defer closeConn()

	go func() {
		<-ctx.Done()
		closeConn()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return fmt.Errorf("read price stream: %w", err)
		}

		asset, price, err := parseMiniTicker(msg)
		if err != nil {
			f.logger.Debug("price stream parse error", zap.Error(err))
			continue
		}
		f.window.Append(asset, price)
	}
}

// parseMiniTicker decodes only the fields we need.
func parseMiniTicker(msg []byte) (string, decimal.Decimal, error) {
	var raw struct {
		Symbol string `json:"s"`
		Close  string `json:"c"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return "", decimal.Zero, err
	}
	if raw.Symbol == "" || raw.Close == "" {
		return "", decimal.Zero, fmt.Errorf("miniTicker missing fields")
	}
	asset := strings.TrimSuffix(strings.ToUpper(raw.Symbol), "USDT")
	price, err := decimal.NewFromString(raw.Close)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("miniTicker bad price %q: %w", raw.Close, err)
	}
	return asset, price, nil
}
