package events

import (
	"context"
	"time"

	"github.com/yourorg/form4-ingest/internal/model"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

const (
	EventTradeCreated   = "insider_trade.created"
	EventScrapeFinished = "scrape_run.finished"
)

// TradeEvent is published once for every newly stored trade
type TradeEvent struct {
	AccessionNumber      string                `json:"accession_number"`
	LineNumber           int                   `json:"line_number"`
	FilingDate           string                `json:"filing_date"`
	TransactionDate      string                `json:"transaction_date"`
	TransactionCode      model.TransactionCode `json:"transaction_code"`
	IsPurchase           bool                  `json:"is_purchase"`
	Shares               decimal.Decimal       `json:"shares"`
	PricePerShare        decimal.NullDecimal   `json:"price_per_share"`
	TotalValue           decimal.NullDecimal   `json:"total_value"`
	SharesOwnedFollowing decimal.NullDecimal   `json:"shares_owned_following"`
	IssuerCIK            string                `json:"issuer_cik"`
	IssuerTicker         string                `json:"issuer_ticker"`
	IssuerName           string                `json:"issuer_name"`
	InsiderName          string                `json:"insider_name"`
	InsiderCIK           string                `json:"insider_cik,omitempty"`
	Relationship         model.Relationship    `json:"relationship"`
}

// NewTradeEvent builds the event payload for a stored transaction
func NewTradeEvent(t model.InsiderTransaction) TradeEvent {
	return TradeEvent{
		AccessionNumber:      t.AccessionNumber,
		LineNumber:           t.LineNumber,
		FilingDate:           t.FilingDate.Format(time.DateOnly),
		TransactionDate:      t.TransactionDate.Format(time.DateOnly),
		TransactionCode:      t.Code,
		IsPurchase:           t.IsPurchase,
		Shares:               t.Shares,
		PricePerShare:        t.PricePerShare,
		TotalValue:           t.TotalValue,
		SharesOwnedFollowing: t.SharesOwnedFollowing,
		IssuerCIK:            t.IssuerCIK,
		IssuerTicker:         t.IssuerTicker,
		IssuerName:           t.IssuerName,
		InsiderName:          t.InsiderName,
		InsiderCIK:           t.InsiderCIK,
		Relationship:         t.Relationship,
	}
}

// publisher is what TradePublisher needs from a Producer
type publisher interface {
	Publish(ctx context.Context, topic string, msgs ...Message) error
}

// TradePublisher publishes ingestion results to Kafka
type TradePublisher struct {
	producer    publisher
	tradesTopic string
	scrapeTopic string
}

// NewTradePublisher creates a publisher writing to the given topics
func NewTradePublisher(producer *Producer, tradesTopic, scrapeTopic string) *TradePublisher {
	return &TradePublisher{
		producer:    producer,
		tradesTopic: tradesTopic,
		scrapeTopic: scrapeTopic,
	}
}

// PublishTrades sends one message per trade keyed by accession number, so
// all lines of a filing land on the same partition
func (p *TradePublisher) PublishTrades(ctx context.Context, trades []model.InsiderTransaction) error {
	msgs := make([]Message, 0, len(trades))
	for _, t := range trades {
		msgs = append(msgs, Message{
			Key:     t.AccessionNumber,
			Value:   NewTradeEvent(t),
			Headers: []kafka.Header{{Key: "event", Value: []byte(EventTradeCreated)}},
		})
	}
	return p.producer.Publish(ctx, p.tradesTopic, msgs...)
}

// PublishScrape sends the finalized history row
func (p *TradePublisher) PublishScrape(ctx context.Context, h *model.ScrapeHistory) error {
	return p.producer.Publish(ctx, p.scrapeTopic, Message{
		Key:     h.Ticker,
		Value:   h,
		Headers: []kafka.Header{{Key: "event", Value: []byte(EventScrapeFinished)}},
	})
}
