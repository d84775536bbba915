// Package audit - журнал аудита записей чанков, dead letter и событий
// жизненного цикла процесса (только добавление).
package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Level - уровень детализации записи для appender'а
type Level int

const (
	// LevelMinimal - без метаданных, данных и контрольной суммы
	LevelMinimal Level = iota
	// LevelStandard - без данных
	LevelStandard
	// LevelFull - полная запись
	LevelFull
)

func (l Level) String() string {
	switch l {
	case LevelMinimal:
		return "minimal"
	case LevelStandard:
		return "standard"
	case LevelFull:
		return "full"
	default:
		return fmt.Sprintf("unknown(%d)", l)
	}
}

// ParseLevel разбирает minimal, standard или full
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal":
		return LevelMinimal, nil
	case "", "standard":
		return LevelStandard, nil
	case "full":
		return LevelFull, nil
	}
	return LevelStandard, fmt.Errorf("unknown audit level %q", s)
}

// UnmarshalYAML принимает имя уровня
func (l *Level) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalText - имя уровня
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Operation - тип операции аудита
type Operation string

const (
	OpWrite      Operation = "write"       // загрузка одного чанка в MySQL
	OpDeadLetter Operation = "dead_letter" // доставка чанка прекращена
	OpStart      Operation = "start"
	OpStop       Operation = "stop"
)

// Status - статус операции
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Entry - запись аудита
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Operation Operation `json:"operation"`
	Status    Status    `json:"status"`

	// Instance - имя экземпляра из конфигурации
	Instance string `json:"instance,omitempty"`

	Database     string        `json:"database,omitempty"`
	Table        string        `json:"table,omitempty"`
	LoadedTable  string        `json:"loaded_table,omitempty"`
	ChunkID      string        `json:"chunk_id,omitempty"`
	Records      int64         `json:"records,omitempty"`
	RowsAffected int64         `json:"rows_affected,omitempty"`
	Checksum     string        `json:"checksum,omitempty"`
	State        string        `json:"state,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Error        string        `json:"error,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// Data сохраняется только на LevelFull
	Data any `json:"data,omitempty"`
}

// NewEntry создает запись с новым ID и текущим временем
func NewEntry(operation Operation, status Status) *Entry {
	return &Entry{
		ID:        generateID(),
		Timestamp: time.Now(),
		Operation: operation,
		Status:    status,
	}
}

func (e *Entry) WithInstance(name string) *Entry {
	e.Instance = name
	return e
}

func (e *Entry) WithDestination(database, table string) *Entry {
	e.Database = database
	e.Table = table
	return e
}

func (e *Entry) WithChunk(id string) *Entry {
	e.ChunkID = id
	return e
}

func (e *Entry) WithCounts(records, rowsAffected int64) *Entry {
	e.Records = records
	e.RowsAffected = rowsAffected
	return e
}

func (e *Entry) WithDuration(d time.Duration) *Entry {
	e.Duration = d
	return e
}

// WithError записывает err и помечает запись как неудачную. nil игнорируется
func (e *Entry) WithError(err error) *Entry {
	if err != nil {
		e.Error = err.Error()
		e.Status = StatusFailure
	}
	return e
}

func (e *Entry) WithMetadata(key string, value any) *Entry {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

func (e *Entry) WithData(data any) *Entry {
	e.Data = data
	return e
}

// ToJSON - запись в виде одного JSON объекта
func (e *Entry) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func (e *Entry) String() string {
	s := fmt.Sprintf("[%s] %s %s %s.%s chunk=%s records=%d duration=%v",
		e.Timestamp.Format(time.RFC3339),
		e.Operation,
		e.Status,
		e.Database,
		e.Table,
		e.ChunkID,
		e.Records,
		e.Duration,
	)
	if e.Error != "" {
		s += " error=" + e.Error
	}
	return s
}

// Clone копирует запись вместе с метаданными
func (e *Entry) Clone() *Entry {
	clone := *e
	if e.Metadata != nil {
		clone.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// FilterByLevel возвращает копию без полей, не входящих в уровень
func (e *Entry) FilterByLevel(level Level) *Entry {
	filtered := e.Clone()

	switch level {
	case LevelMinimal:
		filtered.Metadata = nil
		filtered.Data = nil
		filtered.Checksum = ""
	case LevelStandard:
		filtered.Data = nil
	}
	return filtered
}

var idSeq atomic.Uint64

func generateID() string {
	return fmt.Sprintf("audit-%d-%d", time.Now().UnixNano(), idSeq.Add(1))
}
