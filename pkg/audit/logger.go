package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed - Log после Close
var ErrClosed = errors.New("audit logger is closed")

// Logger - интерфейс журнала аудита
type Logger interface {
	Log(ctx context.Context, entry *Entry) error
	Flush() error
	Close() error
}

// LoggerConfig - конфигурация AuditLogger
type LoggerConfig struct {
	// AsyncMode - запись в фоновой горутине. При заполненном буфере запись
	// выполняется синхронно, без потери.
	AsyncMode  bool
	BufferSize int

	// Instance проставляется в записи без имени экземпляра
	Instance string

	// FlushInterval - период сброса appender'ов (0 - выключено)
	FlushInterval time.Duration

	// OnError получает ошибки appender'ов
	OnError func(error)
}

// AuditLogger рассылает записи по appender'ам
type AuditLogger struct {
	appenders []Appender
	config    LoggerConfig

	entries chan *Entry
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewLogger создает логгер и запускает фоновые горутины
func NewLogger(config LoggerConfig, appenders ...Appender) *AuditLogger {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}

	l := &AuditLogger{
		appenders: appenders,
		config:    config,
		done:      make(chan struct{}),
	}

	if config.AsyncMode {
		l.entries = make(chan *Entry, config.BufferSize)
		l.wg.Add(1)
		go l.processEntries()
	}
	if config.FlushInterval > 0 {
		l.wg.Add(1)
		go l.autoFlush()
	}
	return l
}

// Log записывает entry, заполняя отсутствующие ID, время и экземпляр
func (l *AuditLogger) Log(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("entry is nil")
	}
	if entry.ID == "" {
		entry.ID = generateID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Instance == "" {
		entry.Instance = l.config.Instance
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}
	if l.config.AsyncMode {
		select {
		case l.entries <- entry:
			return nil
		default:
		}
	}
	return l.writeEntry(ctx, entry)
}

func (l *AuditLogger) writeEntry(ctx context.Context, entry *Entry) error {
	var firstErr error
	for _, appender := range l.appenders {
		if err := appender.Append(ctx, entry); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			l.handleError(fmt.Errorf("appender failed: %w", err))
		}
	}
	return firstErr
}

func (l *AuditLogger) processEntries() {
	defer l.wg.Done()

	for {
		select {
		case entry := <-l.entries:
			l.writeEntry(context.Background(), entry)
		case <-l.done:
			for {
				select {
				case entry := <-l.entries:
					l.writeEntry(context.Background(), entry)
				default:
					return
				}
			}
		}
	}
}

func (l *AuditLogger) autoFlush() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Flush()
		case <-l.done:
			return
		}
	}
}

// Flush сбрасывает appender'ы, которые это поддерживают
func (l *AuditLogger) Flush() error {
	var firstErr error
	for _, appender := range l.appenders {
		flusher, ok := appender.(interface{ Flush() error })
		if !ok {
			continue
		}
		if err := flusher.Flush(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			l.handleError(fmt.Errorf("flush failed: %w", err))
		}
	}
	return firstErr
}

// Close дописывает очередь, сбрасывает и закрывает appender'ы
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
	l.Flush()

	var firstErr error
	for _, appender := range l.appenders {
		if err := appender.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			l.handleError(fmt.Errorf("close failed: %w", err))
		}
	}
	return firstErr
}

func (l *AuditLogger) handleError(err error) {
	if l.config.OnError != nil {
		l.config.OnError(err)
	}
}

// NullLogger отбрасывает записи
type NullLogger struct{}

func NewNullLogger() *NullLogger { return &NullLogger{} }

func (NullLogger) Log(ctx context.Context, entry *Entry) error { return nil }
func (NullLogger) Flush() error                                { return nil }
func (NullLogger) Close() error                                { return nil }
