// Package telemetry mirrors committed transactions onto a NATS subject for
// downstream consumers (leaderboards, analytics). It is optional: without a
// NATS URL the engine runs exactly the same.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"papertrader/internal/events"
	"papertrader/pkg/db"
)

// tradeMessage is the wire shape published per committed transaction.
type tradeMessage struct {
	InstanceID    string    `json:"instance_id"`
	TransactionID string    `json:"transaction_id"`
	PortfolioID   string    `json:"portfolio_id"`
	Kind          string    `json:"kind"`
	AssetID       string    `json:"asset_id"`
	Amount        string    `json:"amount"`
	Price         string    `json:"price"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// Publisher forwards applied orders from the bus to NATS.
type Publisher struct {
	nc         *nats.Conn
	subject    string
	instanceID string
	logger     *zap.Logger
	sub        *events.Subscription
	done       chan struct{}
}

func NewPublisher(url, subject, instanceID string, bus *events.Bus, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("papertrader"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	p := &Publisher{
		nc:         nc,
		subject:    subject,
		instanceID: instanceID,
		logger:     logger,
		sub:        bus.Subscribe(events.EventOrderApplied, 256),
		done:       make(chan struct{}),
	}
	go p.run()
	return p, nil
}

func (p *Publisher) run() {
	defer close(p.done)
	for payload := range p.sub.C {
		txn, ok := payload.(db.Transaction)
		if !ok {
			continue
		}
		data, err := json.Marshal(tradeMessage{
			InstanceID:    p.instanceID,
			TransactionID: txn.ID,
			PortfolioID:   txn.PortfolioID,
			Kind:          txn.Kind,
			AssetID:       txn.AssetID,
			Amount:        txn.Amount.String(),
			Price:         txn.Price.String(),
			ExecutedAt:    txn.CreatedAt,
		})
		if err != nil {
			p.logger.Error("marshal trade message", zap.Error(err))
			continue
		}
		if err := p.nc.Publish(p.subject, data); err != nil {
			// Telemetry is best effort; a broker outage never blocks trading.
			p.logger.Warn("publish trade message", zap.Error(err))
		}
	}
}

// Close detaches from the bus and drains the NATS connection.
func (p *Publisher) Close() {
	p.sub.Unsubscribe()
	<-p.done
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("nats drain", zap.Error(err))
	}
}
