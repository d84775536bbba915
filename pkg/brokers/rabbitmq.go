package brokers

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/ruslano69/loadmulti/pkg/chunk"
)

// amqpChannel - используемая часть *amqp.Channel
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// RabbitMQ читает очередь с ручным подтверждением
type RabbitMQ struct {
	config  RabbitMQConfig
	tag     string
	conn    *amqp.Connection
	channel amqpChannel
	logger  zerolog.Logger
}

// NewRabbitMQ создает источник. Соединение открывается в Run
func NewRabbitMQ(cfg RabbitMQConfig, tag string, logger zerolog.Logger) (*RabbitMQ, error) {
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue name is required for RabbitMQ")
	}
	if tag == "" {
		tag = cfg.Queue
	}
	return &RabbitMQ{config: cfg, tag: tag, logger: logger}, nil
}

// URL - строка подключения (не выводится в лог)
func (r *RabbitMQ) URL() string {
	scheme := "amqp"
	if r.config.UseTLS {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(r.config.User, r.config.Password),
		Host:   r.config.Host + ":" + strconv.Itoa(r.config.Port),
		Path:   "/" + r.config.VHost,
	}
	if r.config.VHost == "/" {
		u.Path = "/"
	}
	return u.String()
}

func (r *RabbitMQ) connect() error {
	var err error
	if r.config.UseTLS {
		r.conn, err = amqp.DialTLS(r.URL(), &tls.Config{
			ServerName: r.config.Host,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		r.conn, err = amqp.Dial(r.URL())
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := r.conn.Channel()
	if err != nil {
		r.conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	r.channel = ch
	return nil
}

// Run объявляет очередь, читает ее и подтверждает сообщение после emit.
// При ошибке emit сообщение возвращается в очередь и Run завершается с ошибкой.
// Нераспознанные сообщения отклоняются без возврата.
func (r *RabbitMQ) Run(ctx context.Context, emit EmitFunc) error {
	if r.channel == nil {
		if err := r.connect(); err != nil {
			return err
		}
	}

	if err := r.channel.Qos(r.config.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if _, err := r.channel.QueueDeclare(r.config.Queue, r.config.Durable, r.config.AutoDelete, r.config.Exclusive, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	deliveries, err := r.channel.ConsumeWithContext(ctx, r.config.Queue, r.config.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue: %w", err)
	}

	for {
		var d amqp.Delivery
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case d, ok = <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("delivery channel closed")
			}
		}

		received := d.Timestamp
		if received.IsZero() {
			received = time.Now()
		}
		ev, err := chunk.DecodeEvent(d.Body, r.tag, received)
		if err != nil {
			r.logger.Warn().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("rejecting undecodable message")
			if nackErr := d.Nack(false, false); nackErr != nil {
				return fmt.Errorf("failed to reject message: %w", nackErr)
			}
			continue
		}

		if err := emit(ctx, ev); err != nil {
			if nackErr := d.Nack(false, true); nackErr != nil {
				r.logger.Warn().Err(nackErr).Msg("failed to requeue message")
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to buffer message: %w", err)
		}
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("failed to acknowledge message: %w", err)
		}
	}
}

func (r *RabbitMQ) Type() string { return TypeRabbitMQ }

// Close закрывает канал и соединение
func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			return fmt.Errorf("failed to close channel: %w", err)
		}
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}
	return nil
}
