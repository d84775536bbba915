package retry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Типы отказов в записях DLQ
const (
	FailureExhausted    = "max_attempts_exceeded"
	FailureNonRetryable = "non_retryable"
	FailureShutdown     = "shutdown"
)

// DLQEntry - запись о чанке, доставка которого прекращена
type DLQEntry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	ChunkID     string    `json:"chunk_id"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error"`
	FailureType string    `json:"failure_type"`
	Data        any       `json:"data,omitempty"`
}

// DLQ - JSON файл записей, перезаписывается при каждом изменении
type DLQ struct {
	mu      sync.RWMutex
	config  DLQConfig
	entries []DLQEntry
	counter int
}

// NewDLQ открывает очередь и загружает существующие записи
func NewDLQ(config DLQConfig) (*DLQ, error) {
	d := &DLQ{config: config}

	if _, err := os.Stat(config.Path); err == nil {
		if err := d.Load(); err != nil {
			return nil, fmt.Errorf("failed to load DLQ: %w", err)
		}
	}
	d.CleanupOld()
	return d, nil
}

// Add добавляет запись, сохраняет файл и возвращает присвоенный ID
func (d *DLQ) Add(entry DLQEntry) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.counter++
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.ID = fmt.Sprintf("dlq-%d-%d", entry.Timestamp.Unix(), d.counter)
	d.entries = append(d.entries, entry)

	if d.config.MaxSize > 0 && len(d.entries) > d.config.MaxSize {
		d.entries = d.entries[len(d.entries)-d.config.MaxSize:]
	}
	return entry.ID, d.saveLocked()
}

// Get возвращает копию всех записей, от старых к новым
func (d *DLQ) Get() []DLQEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]DLQEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Remove удаляет запись с указанным id
func (d *DLQ) Remove(id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, entry := range d.entries {
		if entry.ID == id {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return true, d.saveLocked()
		}
	}
	return false, nil
}

// CleanupOld удаляет записи старше срока хранения
func (d *DLQ) CleanupOld() int {
	if d.config.Retention == 0 {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-d.config.Retention)
	kept := d.entries[:0]
	for _, entry := range d.entries {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		}
	}

	removed := len(d.entries) - len(kept)
	if removed > 0 {
		d.entries = kept
		_ = d.saveLocked()
	}
	return removed
}

// Size - количество записей
func (d *DLQ) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Save записывает файл
func (d *DLQ) Save() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saveLocked()
}

func (d *DLQ) saveLocked() error {
	data, err := json.MarshalIndent(d.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ: %w", err)
	}

	tmp := d.config.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write DLQ file: %w", err)
	}
	if err := os.Rename(tmp, d.config.Path); err != nil {
		return fmt.Errorf("failed to replace DLQ file: %w", err)
	}
	return nil
}

// Load заменяет записи в памяти содержимым файла
func (d *DLQ) Load() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.config.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d.entries = nil
			return nil
		}
		return fmt.Errorf("failed to read DLQ file: %w", err)
	}

	var entries []DLQEntry
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("failed to unmarshal DLQ: %w", err)
		}
	}
	d.entries = entries
	d.counter = len(entries)
	return nil
}

// Stats возвращает статистику очереди
func (d *DLQ) Stats() DLQStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := DLQStats{
		TotalEntries: len(d.entries),
		FailureTypes: make(map[string]int),
	}
	if len(d.entries) == 0 {
		return stats
	}

	stats.OldestEntry = d.entries[0].Timestamp
	stats.NewestEntry = d.entries[len(d.entries)-1].Timestamp
	for _, entry := range d.entries {
		stats.FailureTypes[entry.FailureType]++
	}
	return stats
}

// DLQStats - статистика DLQ
type DLQStats struct {
	TotalEntries int            `json:"total_entries"`
	OldestEntry  time.Time      `json:"oldest_entry"`
	NewestEntry  time.Time      `json:"newest_entry"`
	FailureTypes map[string]int `json:"failure_types"`
}
