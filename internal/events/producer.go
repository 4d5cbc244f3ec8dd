package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the part of *kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer handles producing messages to Kafka topics
type Producer struct {
	mu        sync.Mutex
	writers   map[string]messageWriter
	newWriter func(topic string) messageWriter
	brokers   []string
	clientID  string
	logger    *zap.Logger
}

// Message represents a Kafka message to be sent
type Message struct {
	Key     string
	Value   interface{}
	Headers []kafka.Header
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, clientID string, logger *zap.Logger) *Producer {
	p := &Producer{
		writers:  make(map[string]messageWriter),
		brokers:  brokers,
		clientID: clientID,
		logger:   logger,
	}
	p.newWriter = p.kafkaWriter
	return p
}

func (p *Producer) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
		Transport: &kafka.Transport{
			ClientID: p.clientID,
		},
	}
}

// getWriter returns the writer for a topic, creating it on first use
func (p *Producer) getWriter(topic string) messageWriter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if writer, exists := p.writers[topic]; exists {
		return writer
	}

	writer := p.newWriter(topic)
	p.writers[topic] = writer
	return writer
}

// Publish sends messages to a Kafka topic in one batch
func (p *Producer) Publish(ctx context.Context, topic string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	writer := p.getWriter(topic)

	kafkaMsgs := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		jsonValue, err := json.Marshal(msg.Value)
		if err != nil {
			p.logger.Error("Failed to marshal message",
				zap.String("topic", topic),
				zap.String("key", msg.Key),
				zap.Error(err))
			return err
		}

		kafkaMsgs = append(kafkaMsgs, kafka.Message{
			Key:     []byte(msg.Key),
			Value:   jsonValue,
			Headers: msg.Headers,
			Time:    time.Now(),
		})
	}

	if err := writer.WriteMessages(ctx, kafkaMsgs...); err != nil {
		p.logger.Error("Failed to publish messages",
			zap.String("topic", topic),
			zap.Int("count", len(kafkaMsgs)),
			zap.Error(err))
		return err
	}

	p.logger.Debug("Messages published",
		zap.String("topic", topic),
		zap.Int("count", len(kafkaMsgs)))

	return nil
}

// Close closes all Kafka writers
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil {
			p.logger.Error("Failed to close Kafka writer",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
	p.writers = make(map[string]messageWriter)
	return nil
}
