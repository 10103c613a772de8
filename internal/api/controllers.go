package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrader/internal/detector"
	"papertrader/internal/events"
	"papertrader/internal/ledger"
	"papertrader/internal/pricing"
	"papertrader/pkg/db"
)

// strategyView is the JSON shape of one strategy.
type strategyView struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Kind           string          `json:"kind"`
	AssetID        string          `json:"asset_id"`
	Amount         string          `json:"amount"`
	Parameters     json.RawMessage `json:"parameters"`
	Enabled        bool            `json:"enabled"`
	LastExecutedAt *time.Time      `json:"last_executed_at,omitempty"`
	State          string          `json:"state,omitempty"`
}

func (s *Server) strategyToView(st db.Strategy) strategyView {
	v := strategyView{
		ID:             st.ID,
		Name:           st.Name,
		Kind:           st.Kind,
		AssetID:        st.AssetID,
		Amount:         st.Amount.String(),
		Parameters:     json.RawMessage(st.Parameters),
		Enabled:        st.Enabled,
		LastExecutedAt: st.LastExecutedAt,
	}
	if s.Sched != nil {
		v.State = string(s.Sched.State(st.ID))
	}
	return v
}

func (s *Server) listStrategies(c *gin.Context) {
	strategies, err := s.DB.ListStrategies(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	views := make([]strategyView, 0, len(strategies))
	for _, st := range strategies {
		views = append(views, s.strategyToView(st))
	}
	c.JSON(http.StatusOK, gin.H{"strategies": views})
}

type strategyRequest struct {
	Name       string          `json:"name"`
	Kind       string          `json:"kind"`
	AssetID    string          `json:"asset_id"`
	Amount     string          `json:"amount"`
	Parameters json.RawMessage `json:"parameters"`
	Enabled    *bool           `json:"enabled"`
}

// validateStrategy enforces the save-time contract: bad configuration is
// rejected here and never reaches the scheduler.
func validateStrategy(kind, params, amount string) (decimal.Decimal, error) {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, errors.New("amount must be a decimal number")
	}
	if !amt.IsPositive() {
		return decimal.Zero, errors.New("amount must be positive")
	}
	if _, err := detector.New(kind, params); err != nil {
		return decimal.Zero, err
	}
	return amt, nil
}

func (s *Server) createStrategy(c *gin.Context) {
	var req strategyRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	req.AssetID = strings.ToUpper(strings.TrimSpace(req.AssetID))
	if req.Name == "" || req.AssetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": "name and asset_id are required"})
		return
	}
	if len(req.Parameters) == 0 {
		req.Parameters = json.RawMessage("{}")
	}

	amt, err := validateStrategy(req.Kind, string(req.Parameters), req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": err.Error()})
		return
	}

	now := time.Now()
	st := db.Strategy{
		ID:         uuid.NewString(),
		UserID:     CurrentUserID(c),
		Name:       req.Name,
		Kind:       req.Kind,
		AssetID:    req.AssetID,
		Amount:     amt,
		Parameters: string(req.Parameters),
		Enabled:    req.Enabled == nil || *req.Enabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.DB.SaveStrategy(c.Request.Context(), st); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	if s.Bus != nil {
		s.Bus.Publish(events.EventStrategyChanged, st.ID)
	}
	c.JSON(http.StatusCreated, s.strategyToView(st))
}

// ownedStrategy loads a strategy and enforces ownership. A nil return means a
// response was already written.
func (s *Server) ownedStrategy(c *gin.Context) *db.Strategy {
	st, err := s.DB.GetStrategy(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return nil
	}
	if st == nil || st.UserID != CurrentUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "strategy not found"})
		return nil
	}
	return st
}

func (s *Server) getStrategy(c *gin.Context) {
	st := s.ownedStrategy(c)
	if st == nil {
		return
	}
	c.JSON(http.StatusOK, s.strategyToView(*st))
}

func (s *Server) updateStrategy(c *gin.Context) {
	st := s.ownedStrategy(c)
	if st == nil {
		return
	}
	var req strategyRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}

	if req.Name != "" {
		st.Name = req.Name
	}
	if req.AssetID != "" {
		st.AssetID = strings.ToUpper(strings.TrimSpace(req.AssetID))
	}
	if req.Amount != "" {
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil || !amt.IsPositive() {
			c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": "amount must be a positive decimal"})
			return
		}
		st.Amount = amt
	}
	reconfigured := false
	if req.Kind != "" && req.Kind != st.Kind {
		st.Kind = req.Kind
		reconfigured = true
	}
	if len(req.Parameters) > 0 {
		st.Parameters = string(req.Parameters)
		reconfigured = true
	}
	if req.Enabled != nil {
		st.Enabled = *req.Enabled
	}

	if _, err := validateStrategy(st.Kind, st.Parameters, st.Amount.String()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": err.Error()})
		return
	}
	if reconfigured {
		// New rules start from a clean baseline pass.
		st.DetectorState = ""
	}
	st.UpdatedAt = time.Now()

	if err := s.DB.SaveStrategy(c.Request.Context(), *st); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	if s.Bus != nil {
		s.Bus.Publish(events.EventStrategyChanged, st.ID)
	}
	c.JSON(http.StatusOK, s.strategyToView(*st))
}

func (s *Server) deleteStrategy(c *gin.Context) {
	st := s.ownedStrategy(c)
	if st == nil {
		return
	}
	if err := s.DB.DeleteStrategy(c.Request.Context(), st.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	if s.Bus != nil {
		s.Bus.Publish(events.EventStrategyChanged, st.ID)
	}
	c.JSON(http.StatusOK, gin.H{"deleted": st.ID})
}

func (s *Server) setEnabled(c *gin.Context, enabled bool) {
	st := s.ownedStrategy(c)
	if st == nil {
		return
	}
	st.Enabled = enabled
	st.UpdatedAt = time.Now()
	if err := s.DB.SaveStrategy(c.Request.Context(), *st); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	if s.Bus != nil {
		s.Bus.Publish(events.EventStrategyChanged, st.ID)
	}
	c.JSON(http.StatusOK, s.strategyToView(*st))
}

func (s *Server) enableStrategy(c *gin.Context)  { s.setEnabled(c, true) }
func (s *Server) disableStrategy(c *gin.Context) { s.setEnabled(c, false) }

func (s *Server) getPortfolio(c *gin.Context) {
	ctx := c.Request.Context()
	userID := CurrentUserID(c)
	holdings, err := s.Ledger.Holdings(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}

	type holdingView struct {
		AssetID      string `json:"asset_id"`
		Amount       string `json:"amount"`
		AverageCost  string `json:"average_cost"`
		CurrentPrice string `json:"current_price,omitempty"`
		MarketValue  string `json:"market_value,omitempty"`
	}

	var cash string
	views := make([]holdingView, 0, len(holdings))
	for _, h := range holdings {
		if h.AssetID == db.CashAsset {
			cash = h.Amount.String()
			continue
		}
		v := holdingView{
			AssetID:     h.AssetID,
			Amount:      h.Amount.String(),
			AverageCost: h.AverageCost.String(),
		}
		// Enrichment is best effort; a stale feed never breaks the view.
		if price, err := s.Prices.Current(ctx, h.AssetID); err == nil {
			v.CurrentPrice = price.String()
			v.MarketValue = h.Amount.Mul(price).String()
		}
		views = append(views, v)
	}

	c.JSON(http.StatusOK, gin.H{"cash": cash, "holdings": views})
}

func (s *Server) getTransactions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	txns, err := s.Ledger.Transactions(c.Request.Context(), CurrentUserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}

	type txnView struct {
		ID        string    `json:"id"`
		Kind      string    `json:"kind"`
		AssetID   string    `json:"asset_id"`
		Amount    string    `json:"amount"`
		Price     string    `json:"price"`
		CreatedAt time.Time `json:"created_at"`
	}
	views := make([]txnView, 0, len(txns))
	for _, t := range txns {
		views = append(views, txnView{
			ID: t.ID, Kind: t.Kind, AssetID: t.AssetID,
			Amount: t.Amount.String(), Price: t.Price.String(), CreatedAt: t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"transactions": views})
}

// rejectionCode maps a ledger rejection to a stable client-facing code.
func rejectionCode(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ledger.ErrInsufficientHoldings):
		return "INSUFFICIENT_HOLDINGS"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "INVALID_AMOUNT"
	case errors.Is(err, ledger.ErrInvalidPrice):
		return "INVALID_PRICE"
	case errors.Is(err, ledger.ErrDuplicateOrder):
		return "DUPLICATE_ORDER"
	}
	return "REJECTED"
}

// submitOrder applies a manual order to the caller's portfolio. Price is
// optional; when omitted the current market price is used.
func (s *Server) submitOrder(c *gin.Context) {
	var req struct {
		Kind    string `json:"kind"`
		AssetID string `json:"asset_id"`
		Amount  string `json:"amount"`
		Price   string `json:"price"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	req.Kind = strings.ToUpper(strings.TrimSpace(req.Kind))
	req.AssetID = strings.ToUpper(strings.TrimSpace(req.AssetID))
	if req.Kind != db.TxBuy && req.Kind != db.TxSell {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION_ERROR", "error": "kind must be BUY or SELL"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_AMOUNT", "error": "amount must be a decimal number"})
		return
	}

	ctx := c.Request.Context()
	var price decimal.Decimal
	if req.Price != "" {
		if price, err = decimal.NewFromString(req.Price); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PRICE", "error": "price must be a decimal number"})
			return
		}
	} else {
		if price, err = s.Prices.Current(ctx, req.AssetID); err != nil {
			if errors.Is(err, pricing.ErrUnavailable) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"code": "PRICE_UNAVAILABLE", "error": "no market price for " + req.AssetID})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
			return
		}
	}

	txn, err := s.Ledger.ApplyOrder(ctx, CurrentUserID(c), ledger.Order{
		Kind: req.Kind, AssetID: req.AssetID, Amount: amount, Price: price,
	})
	if err != nil {
		if ledger.IsRejection(err) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"code": rejectionCode(err), "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"transaction_id": txn.ID,
		"kind":           txn.Kind,
		"asset_id":       txn.AssetID,
		"amount":         txn.Amount.String(),
		"price":          txn.Price.String(),
	})
}

func (s *Server) resetPortfolio(c *gin.Context) {
	if err := s.Ledger.Reset(c.Request.Context(), CurrentUserID(c)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) getPrice(c *gin.Context) {
	asset := strings.ToUpper(c.Param("asset"))
	price, err := s.Prices.Current(c.Request.Context(), asset)
	if err != nil {
		if errors.Is(err, pricing.ErrUnavailable) {
			c.JSON(http.StatusNotFound, gin.H{"code": "PRICE_UNAVAILABLE", "error": "no market price for " + asset})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset_id": asset, "price": price.String()})
}
