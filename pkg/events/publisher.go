// Package events publishes request status changes for downstream consumers.
// Publication is best effort: the request store remains the source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/chainsafe/offramp-middleware/internal/metrics"
	"github.com/chainsafe/offramp-middleware/pkg/config"
	"github.com/chainsafe/offramp-middleware/pkg/offramp"
)

// StatusEvent describes one persisted status change
type StatusEvent struct {
	RequestID      string         `json:"request_id"`
	DepositAddress string         `json:"deposit_address"`
	From           offramp.Status `json:"from"`
	To             offramp.Status `json:"to"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	TxHash         string         `json:"tx_hash,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// NewStatusEvent builds the event for r having just moved from status from
func NewStatusEvent(r *offramp.Request, from offramp.Status) StatusEvent {
	e := StatusEvent{
		RequestID:      r.RequestID,
		DepositAddress: r.DepositAddress,
		From:           from,
		To:             r.Status,
		ErrorMessage:   r.ErrorMessage,
		OccurredAt:     r.UpdatedAt,
	}
	switch r.Status {
	case offramp.StatusTokenReceived:
		e.TxHash = r.TxHashDeposit
	case offramp.StatusSwapped:
		e.TxHash = r.TxHashSwap
	case offramp.StatusSwept:
		e.TxHash = r.TxHashSweep
	}
	return e
}

// Publisher delivers status events
type Publisher interface {
	Publish(ctx context.Context, e StatusEvent) error
	Close() error
}

// KafkaPublisher writes status events to a Kafka topic keyed by request id, so events of
// one request stay ordered within a partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewKafkaPublisher connects a synchronous producer to the configured brokers
func NewKafkaPublisher(cfg *config.KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.ClientID = cfg.ClientID

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return newKafkaPublisher(producer, cfg.Topic, logger), nil
}

func newKafkaPublisher(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger.Named("events")}
}

func (p *KafkaPublisher) Publish(_ context.Context, e StatusEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(e.RequestID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish status event: %w", err)
	}

	metrics.EventsPublished.WithLabelValues("ok").Inc()
	p.logger.Debug("Status event published",
		zap.String("request_id", e.RequestID),
		zap.String("to", string(e.To)),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, StatusEvent) error { return nil }

func (NopPublisher) Close() error { return nil }
