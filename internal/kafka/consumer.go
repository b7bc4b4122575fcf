// Package kafka consumes position reports from the broker and feeds them
// through the ingestion pipeline.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/railsignal/fleet-sentinel/internal/config"
	"github.com/railsignal/fleet-sentinel/internal/domain"
	"github.com/railsignal/fleet-sentinel/internal/metrics"
	"github.com/railsignal/fleet-sentinel/internal/pipeline"
)

const (
	headerAuthToken = "auth-token"
	headerSourceIP  = "source-ip"
)

// reportMessage is the wire shape of a position report.
type reportMessage struct {
	EntityID  string            `json:"entity_id"`
	Latitude  float64           `json:"latitude"`
	Longitude float64           `json:"longitude"`
	Speed     float64           `json:"speed"`
	Heading   float64           `json:"heading"`
	Timestamp int64             `json:"timestamp"` // unix milliseconds
	SectionID string            `json:"section_id"`
	Source    string            `json:"source"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Consumer reads position reports from Kafka.
type Consumer struct {
	reader    *kafka.Reader
	logger    *zap.Logger
	pipeline  *pipeline.Pipeline
	collector *metrics.Collector
}

// NewConsumer creates a consumer for the configured reports topic.
func NewConsumer(cfg config.KafkaConfig, logger *zap.Logger, p *pipeline.Pipeline, collector *metrics.Collector) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})

	return &Consumer{
		reader:    reader,
		logger:    logger,
		pipeline:  p,
		collector: collector,
	}
}

// Run consumes until ctx is cancelled. A malformed message is counted and
// skipped, never fatal.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("kafka consumer started",
		zap.String("topic", c.reader.Config().Topic),
		zap.String("group_id", c.reader.Config().GroupID))

	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		c.handle(ctx, message)

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			c.logger.Warn("failed to commit offset", zap.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, message kafka.Message) {
	var wire reportMessage
	if err := json.Unmarshal(message.Value, &wire); err != nil {
		c.logger.Warn("malformed report message",
			zap.Int64("offset", message.Offset),
			zap.Error(err))
		c.collector.ObserveKafkaMessage("malformed")
		return
	}

	report := domain.PositionReport{
		EntityID:  wire.EntityID,
		Latitude:  wire.Latitude,
		Longitude: wire.Longitude,
		Speed:     wire.Speed,
		Heading:   wire.Heading,
		Timestamp: time.UnixMilli(wire.Timestamp),
		SectionID: wire.SectionID,
		Source:    wire.Source,
		Status:    wire.Status,
		Metadata:  wire.Metadata,
	}

	var authToken, sourceIP string
	for _, header := range message.Headers {
		switch header.Key {
		case headerAuthToken:
			authToken = string(header.Value)
		case headerSourceIP:
			sourceIP = string(header.Value)
		}
	}

	result := c.pipeline.Process(ctx, report, authToken, sourceIP)
	if result.Valid {
		c.collector.ObserveKafkaMessage("accepted")
	} else {
		c.collector.ObserveKafkaMessage("rejected")
	}
}

// Lag returns the consumer's current lag estimate.
func (c *Consumer) Lag() int64 {
	return c.reader.Stats().Lag
}

// Close shuts the reader down.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
