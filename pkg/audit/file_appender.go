package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Appender - интерфейс хранилища записей
type Appender interface {
	Append(ctx context.Context, entry *Entry) error
	Close() error
}

// FileAppender пишет одну запись на строку с ротацией по размеру:
// audit.log -> audit.log.1 -> ... -> audit.log.<MaxBackups>.
type FileAppender struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	maxSize     int64
	maxBackups  int
	currentSize int64
	level       Level
	formatJSON  bool
}

// FileAppenderConfig - конфигурация FileAppender
type FileAppenderConfig struct {
	Path       string
	MaxSizeMB  int64 // по умолчанию 100
	MaxBackups int   // по умолчанию 5
	Level      Level
	FormatJSON bool
}

// NewFileAppender открывает (или создает) файл аудита для добавления
func NewFileAppender(config FileAppenderConfig) (*FileAppender, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	file, err := os.OpenFile(config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat audit file: %w", err)
	}

	maxSize := config.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	maxBackups := config.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}

	return &FileAppender{
		file:        file,
		path:        config.Path,
		maxSize:     maxSize * 1024 * 1024,
		maxBackups:  maxBackups,
		currentSize: info.Size(),
		level:       config.Level,
		formatJSON:  config.FormatJSON,
	}, nil
}

// Append записывает entry с фильтрацией по уровню
func (fa *FileAppender) Append(ctx context.Context, entry *Entry) error {
	filtered := entry.FilterByLevel(fa.level)

	var data []byte
	if fa.formatJSON {
		var err error
		data, err = filtered.ToJSON()
		if err != nil {
			return fmt.Errorf("failed to marshal audit entry: %w", err)
		}
		data = append(data, '\n')
	} else {
		data = []byte(filtered.String() + "\n")
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()

	if fa.file == nil {
		return fmt.Errorf("audit file %s is closed", fa.path)
	}
	if fa.currentSize > 0 && fa.currentSize+int64(len(data)) > fa.maxSize {
		if err := fa.rotate(); err != nil {
			return fmt.Errorf("failed to rotate audit file: %w", err)
		}
	}

	n, err := fa.file.Write(data)
	fa.currentSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

func (fa *FileAppender) rotate() error {
	if err := fa.file.Close(); err != nil {
		return err
	}
	fa.file = nil

	os.Remove(fa.backupPath(fa.maxBackups))
	for i := fa.maxBackups - 1; i > 0; i-- {
		if _, err := os.Stat(fa.backupPath(i)); err == nil {
			if err := os.Rename(fa.backupPath(i), fa.backupPath(i+1)); err != nil {
				return err
			}
		}
	}
	if err := os.Rename(fa.path, fa.backupPath(1)); err != nil {
		return err
	}

	file, err := os.OpenFile(fa.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	fa.file = file
	fa.currentSize = 0
	return nil
}

func (fa *FileAppender) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", fa.path, n)
}

// Flush сбрасывает файл на диск
func (fa *FileAppender) Flush() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if fa.file != nil {
		return fa.file.Sync()
	}
	return nil
}

func (fa *FileAppender) Close() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if fa.file == nil {
		return nil
	}
	err := fa.file.Close()
	fa.file = nil
	return err
}

// CurrentSize - размер текущего файла
func (fa *FileAppender) CurrentSize() int64 {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.currentSize
}

// Path - путь к текущему файлу
func (fa *FileAppender) Path() string {
	return fa.path
}

// LogAppender выводит записи как структурированные события лога
type LogAppender struct {
	logger zerolog.Logger
	level  Level
}

// NewLogAppender создает LogAppender
func NewLogAppender(logger zerolog.Logger, level Level) *LogAppender {
	return &LogAppender{logger: logger.With().Str("component", "audit").Logger(), level: level}
}

func (la *LogAppender) Append(ctx context.Context, entry *Entry) error {
	e := entry.FilterByLevel(la.level)

	ev := la.logger.Info()
	if e.Status == StatusFailure {
		ev = la.logger.Warn()
	}
	ev = ev.Str("audit_id", e.ID).
		Str("operation", string(e.Operation)).
		Str("status", string(e.Status))
	if e.ChunkID != "" {
		ev = ev.Str("chunk_id", e.ChunkID).
			Str("database", e.Database).
			Str("table", e.Table).
			Int64("records", e.Records).
			Dur("duration", e.Duration)
	}
	if e.Error != "" {
		ev = ev.Str("error", e.Error)
	}
	if len(e.Metadata) > 0 {
		ev = ev.Interface("metadata", e.Metadata)
	}
	ev.Msg("audit")
	return nil
}

func (la *LogAppender) Close() error { return nil }

// NullAppender отбрасывает записи
type NullAppender struct{}

func NewNullAppender() *NullAppender { return &NullAppender{} }

func (na *NullAppender) Append(ctx context.Context, entry *Entry) error { return nil }
func (na *NullAppender) Close() error                                   { return nil }
