package pricing

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// Memory is an in-process price source used by tests and offline runs. Prices
// are pushed in via Set/Append.
type Memory struct {
	mu        sync.RWMutex
	histories map[string][]decimal.Decimal
	maxLen    int
}

func NewMemory(maxLen int) *Memory {
	if maxLen <= 0 {
		maxLen = 500
	}
	return &Memory{histories: make(map[string][]decimal.Decimal), maxLen: maxLen}
}

// Set replaces the full history for an asset, oldest first.
func (m *Memory) Set(assetID string, prices []decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories[assetID] = append([]decimal.Decimal(nil), prices...)
}

// Append pushes one observation onto the asset's history.
func (m *Memory) Append(assetID string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.histories[assetID], price)
	if len(h) > m.maxLen {
		h = h[len(h)-m.maxLen:]
	}
	m.histories[assetID] = h
}

// Clear removes an asset; subsequent reads see ErrUnavailable.
func (m *Memory) Clear(assetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.histories, assetID)
}

func (m *Memory) Current(_ context.Context, assetID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.histories[assetID]
	if len(h) == 0 {
		return decimal.Zero, ErrUnavailable
	}
	return h[len(h)-1], nil
}

func (m *Memory) History(_ context.Context, assetID string, n int) ([]decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.histories[assetID]
	if len(h) == 0 {
		return nil, ErrUnavailable
	}
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]decimal.Decimal(nil), h...), nil
}
