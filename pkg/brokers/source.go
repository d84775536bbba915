// Package brokers - источники событий из брокеров сообщений для буфера.
//
// Источник подтверждает сообщение только после успешного emit: при падении
// между получением и буферизацией сообщение будет доставлено повторно.
package brokers

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/loadmulti/pkg/chunk"
)

// Типы источников
const (
	TypeKafka    = "kafka"
	TypeRabbitMQ = "rabbitmq"
	TypeMSMQ     = "msmq"
	TypeStdin    = "stdin"
)

// EmitFunc передает одно событие в буфер
type EmitFunc func(ctx context.Context, ev chunk.Event) error

// Source - источник событий до отмены ctx или конца ввода
type Source interface {
	// Run блокирует. Возвращает nil при отмене или конце ввода, иначе
	// первую ошибку emit или транспорта.
	Run(ctx context.Context, emit EmitFunc) error
	Type() string
	Close() error
}

// Config - секция source
type Config struct {
	Type string `yaml:"type"` // kafka | rabbitmq | msmq | stdin

	// Tag - тег для сообщений без поля "tag". По умолчанию имя топика
	// или очереди.
	Tag string `yaml:"tag"`

	Kafka    KafkaConfig    `yaml:"kafka"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	MSMQ     MSMQConfig     `yaml:"msmq"`
}

// KafkaConfig - конфигурация reader consumer group
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumer_group"`
	StartOffset   string        `yaml:"start_offset"` // first | last
	MinBytes      int           `yaml:"min_bytes"`
	MaxBytes      int           `yaml:"max_bytes"`
	MaxWait       time.Duration `yaml:"max_wait"`
}

// RabbitMQConfig - конфигурация потребителя. Параметры очереди должны
// совпадать с существующей очередью.
type RabbitMQConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	VHost       string `yaml:"vhost"`
	UseTLS      bool   `yaml:"tls"`
	Queue       string `yaml:"queue"`
	Durable     bool   `yaml:"durable"`
	AutoDelete  bool   `yaml:"auto_delete"`
	Exclusive   bool   `yaml:"exclusive"`
	Prefetch    int    `yaml:"prefetch"`
	ConsumerTag string `yaml:"consumer_tag"`
}

// MSMQConfig - конфигурация источника MSMQ (Windows)
type MSMQConfig struct {
	QueuePath string `yaml:"queue_path"` // например .\private$\loadmulti
}

// Validate проверяет секцию и заполняет значения по умолчанию
func (c *Config) Validate() error {
	switch c.Type {
	case "", TypeStdin:
		c.Type = TypeStdin
	case TypeKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("source.kafka.brokers: at least one broker address is required")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("source.kafka.topic is required")
		}
		if c.Kafka.ConsumerGroup == "" {
			c.Kafka.ConsumerGroup = "loadmulti"
		}
		switch c.Kafka.StartOffset {
		case "":
			c.Kafka.StartOffset = "first"
		case "first", "last":
		default:
			return fmt.Errorf("source.kafka.start_offset must be first or last, got %q", c.Kafka.StartOffset)
		}
		if c.Tag == "" {
			c.Tag = c.Kafka.Topic
		}
	case TypeRabbitMQ:
		r := &c.RabbitMQ
		if r.Queue == "" {
			return fmt.Errorf("source.rabbitmq.queue is required")
		}
		if r.Host == "" {
			r.Host = "localhost"
		}
		if r.Port == 0 {
			r.Port = 5672
			if r.UseTLS {
				r.Port = 5671
			}
		}
		if r.VHost == "" {
			r.VHost = "/"
		}
		if r.Prefetch <= 0 {
			r.Prefetch = 100
		}
		if c.Tag == "" {
			c.Tag = r.Queue
		}
	case TypeMSMQ:
		if c.MSMQ.QueuePath == "" {
			return fmt.Errorf("source.msmq.queue_path is required")
		}
		if c.Tag == "" {
			c.Tag = "msmq"
		}
	default:
		return fmt.Errorf("unsupported source type: %s (supported: kafka, rabbitmq, msmq, stdin)", c.Type)
	}
	if c.Tag == "" {
		c.Tag = "loadmulti"
	}
	return nil
}

// New создает источник по конфигурации
func New(cfg Config, logger zerolog.Logger) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "source").Str("source", cfg.Type).Logger()

	switch cfg.Type {
	case TypeKafka:
		return NewKafka(cfg.Kafka, cfg.Tag, logger)
	case TypeRabbitMQ:
		return NewRabbitMQ(cfg.RabbitMQ, cfg.Tag, logger)
	case TypeMSMQ:
		return NewMSMQ(cfg.MSMQ, cfg.Tag, logger)
	default:
		return NewReaderSource(os.Stdin, cfg.Tag, logger), nil
	}
}
