// Package resultlog публикует результат каждой записи чанка в Redis.
// Оркестратор читает последнее состояние таблицы или подписывается на поток
// событий записи.
package resultlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ruslano69/loadmulti/pkg/loaddata"
)

// Config - секция result_log
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// TTL ключа состояния таблицы (0 - без истечения)
	TTL time.Duration `yaml:"ttl"`

	// Timeout - лимит времени одной публикации
	Timeout time.Duration `yaml:"timeout"`
}

// Validate проверяет секцию и заполняет значения по умолчанию
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Address == "" {
		return fmt.Errorf("result_log.address is required")
	}
	if c.TTL < 0 {
		return fmt.Errorf("result_log.ttl must be >= 0")
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	return nil
}

// WriteResult - публикуемый результат записи.
//
// Redis-ключи:
//
//	SET  loadmulti:<name>:<table>:last  <JSON>  EX <ttl>
//	PUB  loadmulti:<name>               <JSON>
type WriteResult struct {
	Instance     string    `json:"instance"`
	ChunkID      string    `json:"chunk_id"`
	Database     string    `json:"database"`
	Table        string    `json:"table"`
	LoadedTable  string    `json:"loaded_table,omitempty"`
	Status       string    `json:"status"` // "success" | "failed"
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	DurationMs   int64     `json:"duration_ms"`
	Records      int64     `json:"records"`
	RowsAffected int64     `json:"rows_affected"`
	Checksum     string    `json:"checksum,omitempty"`
	Error        *string   `json:"error,omitempty"`
}

// RedisPublisher публикует результаты записи
type RedisPublisher struct {
	client *redis.Client
	config Config
	name   string
	logger zerolog.Logger
}

// NewRedisPublisher создает клиент (соединение устанавливается лениво)
func NewRedisPublisher(config Config, name string, logger zerolog.Logger) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	return &RedisPublisher{
		client: client,
		config: config,
		name:   name,
		logger: logger.With().Str("component", "resultlog").Logger(),
	}
}

// StateKey - ключ последнего результата таблицы
func StateKey(name, table string) string {
	return fmt.Sprintf("loadmulti:%s:%s:last", name, table)
}

// Channel - pub/sub канал экземпляра
func Channel(name string) string {
	return "loadmulti:" + name
}

// Publish сохраняет res как последнее состояние таблицы и публикует его
func (p *RedisPublisher) Publish(ctx context.Context, res *loaddata.Result, writeErr error) error {
	result := WriteResult{
		Instance:     p.name,
		ChunkID:      res.ChunkID,
		Database:     res.Destination.Database,
		Table:        res.Destination.Table,
		LoadedTable:  res.LoadedTable,
		Status:       "success",
		State:        res.State,
		StartedAt:    res.StartedAt,
		DurationMs:   res.Duration.Milliseconds(),
		Records:      res.Records,
		RowsAffected: res.RowsAffected,
		Checksum:     res.Checksum,
	}
	if writeErr != nil {
		result.Status = "failed"
		msg := writeErr.Error()
		result.Error = &msg
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := p.client.Set(ctx, StateKey(p.name, result.Table), payload, p.config.TTL).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(p.name), payload).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH failed: %w", err)
	}
	return nil
}

// ReportWrite реализует loaddata.Reporter. Ошибки публикации логируются и
// не влияют на запись.
func (p *RedisPublisher) ReportWrite(ctx context.Context, res *loaddata.Result, err error) {
	timeout := p.config.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if pubErr := p.Publish(ctx, res, err); pubErr != nil {
		p.logger.Warn().Err(pubErr).Str("chunk_id", res.ChunkID).Msg("failed to publish write result")
	}
}

// Ping проверяет соединение
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close закрывает клиент
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
