package brokers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/ruslano69/loadmulti/pkg/chunk"
)

// messageReader - используемая часть *kafka.Reader
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
	Close() error
}

// Kafka читает топик в составе consumer group. Offset фиксируется вручную
// по одному сообщению, после того как событие попало в буфер.
type Kafka struct {
	config KafkaConfig
	tag    string
	reader messageReader
	logger zerolog.Logger
}

// NewKafka создает reader consumer group
func NewKafka(cfg KafkaConfig, tag string, logger zerolog.Logger) (*Kafka, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic name is required for Kafka")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required for Kafka")
	}

	startOffset := kafka.FirstOffset
	if cfg.StartOffset == "last" {
		startOffset = kafka.LastOffset
	}
	minBytes := cfg.MinBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10e6
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = time.Second
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.Topic,
		MinBytes:       minBytes,
		MaxBytes:       maxBytes,
		MaxWait:        maxWait,
		CommitInterval: 0,
		StartOffset:    startOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	})
	return newKafkaWithReader(cfg, tag, reader, logger), nil
}

func newKafkaWithReader(cfg KafkaConfig, tag string, reader messageReader, logger zerolog.Logger) *Kafka {
	if tag == "" {
		tag = cfg.Topic
	}
	return &Kafka{config: cfg, tag: tag, reader: reader, logger: logger}
}

// Run читает, декодирует, передает в буфер и фиксирует offset до отмены ctx.
// Нераспознанные сообщения логируются и фиксируются, чтобы не блокировать
// партицию.
func (k *Kafka) Run(ctx context.Context, emit EmitFunc) error {
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		received := msg.Time
		if received.IsZero() {
			received = time.Now()
		}
		ev, err := chunk.DecodeEvent(msg.Value, k.tag, received)
		if err != nil {
			k.logger.Warn().Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("skipping undecodable message")
		} else if err := emit(ctx, ev); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to buffer message at offset %d: %w", msg.Offset, err)
		}

		if err := k.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit message: %w", err)
		}
	}
}

// Stats - статистика reader
func (k *Kafka) Stats() kafka.ReaderStats {
	return k.reader.Stats()
}

func (k *Kafka) Type() string { return TypeKafka }

// Close закрывает reader и выходит из группы
func (k *Kafka) Close() error {
	if err := k.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	return nil
}
