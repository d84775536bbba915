// Package buffer stages events into chunks, flushes them from a pool of
// workers and delivers every chunk at least once: a failed write is retried
// as a whole, and a chunk that keeps failing is handed to the secondary
// output and the dead letter queue.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/loadmulti/pkg/chunk"
	"github.com/ruslano69/loadmulti/pkg/resilience"
	"github.com/ruslano69/loadmulti/pkg/retry"
	"github.com/ruslano69/loadmulti/pkg/secondary"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("buffer is closed")

// Output receives flushed chunks.
type Output interface {
	Write(ctx context.Context, c chunk.Chunk) error
}

// OutputFunc adapts a function to Output.
type OutputFunc func(ctx context.Context, c chunk.Chunk) error

func (f OutputFunc) Write(ctx context.Context, c chunk.Chunk) error { return f(ctx, c) }

// DeadLetter describes a chunk that was given up on.
type DeadLetter struct {
	ChunkID     string
	Metadata    chunk.Metadata
	Records     int
	Attempts    int
	Err         error
	FailureType string
	Secondary   string // location in the secondary output, empty when not saved
	DLQID       string
}

// DeadLetterReporter is notified of every dead letter.
type DeadLetterReporter interface {
	ReportDeadLetter(ctx context.Context, dl DeadLetter)
}

// Options wire a Buffer.
type Options struct {
	Config    Config
	Output    Output
	Retryer   *retry.Retryer
	Breaker   *resilience.CircuitBreaker
	Secondary secondary.Output // optional
	Injector  chunk.Injector
	Location  *time.Location // civil time of time keys

	// Unrecoverable marks errors that retrying cannot fix.
	Unrecoverable func(error) bool

	Reporters []DeadLetterReporter
	Logger    zerolog.Logger
}

// Stats is a snapshot of the buffer.
type Stats struct {
	Type           string `json:"type"`
	Workers        int    `json:"workers"`
	StagedChunks   int    `json:"staged_chunks"`
	StagedRecords  int    `json:"staged_records"`
	QueuedChunks   int    `json:"queued_chunks"`
	InFlight       int64  `json:"in_flight"`
	Emitted        uint64 `json:"emitted"`
	Flushed        uint64 `json:"flushed_chunks"`
	FlushedRecords uint64 `json:"flushed_records"`
	Retries        uint64 `json:"retries"`
	DeadLettered   uint64 `json:"dead_lettered"`
	Resumed        uint64 `json:"resumed"`
}

// Buffer groups events by chunk key and flushes them through Output.
type Buffer struct {
	opts   Options
	cfg    Config
	keyer  keyer
	logger zerolog.Logger

	mu      sync.Mutex
	stage   map[string]chunk.Buffered
	closed  bool
	pending sync.WaitGroup // enqueuers racing with Close

	queue chan chunk.Buffered

	workCtx    context.Context
	cancelWork context.CancelFunc
	workers    sync.WaitGroup
	ticker     sync.WaitGroup
	stopTicker chan struct{}

	inFlight       atomic.Int64
	emitted        atomic.Uint64
	flushed        atomic.Uint64
	flushedRecords atomic.Uint64
	retries        atomic.Uint64
	deadLettered   atomic.Uint64
	resumed        atomic.Uint64
}

// New validates the configuration and creates a stopped buffer.
func New(opts Options) (*Buffer, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Output == nil {
		return nil, fmt.Errorf("buffer output is required")
	}
	if opts.Retryer == nil {
		r, err := retry.NewRetryer(retry.Config{})
		if err != nil {
			return nil, err
		}
		opts.Retryer = r
	}
	if opts.Breaker == nil {
		cb, err := resilience.New(resilience.Config{})
		if err != nil {
			return nil, err
		}
		opts.Breaker = cb
	}

	workCtx, cancel := context.WithCancel(context.Background())
	return &Buffer{
		opts:       opts,
		cfg:        cfg,
		keyer:      newKeyer(cfg.ChunkKeys, cfg.Timekey, opts.Location),
		logger:     opts.Logger.With().Str("component", "buffer").Logger(),
		stage:      make(map[string]chunk.Buffered),
		queue:      make(chan chunk.Buffered, cfg.QueueLimitLength),
		workCtx:    workCtx,
		cancelWork: cancel,
		stopTicker: make(chan struct{}),
	}, nil
}

// Start launches the flush workers and the interval flusher, and re-queues
// chunks a file buffer left on disk.
func (b *Buffer) Start(ctx context.Context) error {
	for i := 0; i < b.cfg.FlushThreadCount; i++ {
		b.workers.Add(1)
		go b.worker(i)
	}

	b.ticker.Add(1)
	go b.flushLoop()

	if b.cfg.Type == TypeFile {
		return b.resume(ctx)
	}
	return nil
}

func (b *Buffer) resume(ctx context.Context) error {
	chunks, err := chunk.ListFileChunks(b.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to resume buffer: %w", err)
	}
	for _, c := range chunks {
		if c.Len() == 0 {
			c.Purge()
			continue
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			// left on disk for the next start
			b.logger.Warn().Str("chunk_id", c.ID()).Msg("buffer closed while resuming")
			return nil
		}
		b.pending.Add(1)
		b.mu.Unlock()

		b.logger.Info().Str("chunk_id", c.ID()).Int("records", c.Len()).Msg("resuming chunk")
		b.resumed.Add(1)
		err := b.enqueue(ctx, c)
		b.pending.Done()
		if err != nil {
			return err
		}
	}
	return nil
}

// Emit stages one event. It blocks while the queue is full.
func (b *Buffer) Emit(ctx context.Context, ev chunk.Event) error {
	ev = b.opts.Injector.Apply(ev)
	meta := b.keyer.metadata(ev)
	key := meta.Key()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	c, ok := b.stage[key]
	if !ok {
		var err error
		c, err = b.newChunk(meta)
		if err != nil {
			b.mu.Unlock()
			return err
		}
		b.stage[key] = c
	}
	if err := c.Append(ev); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("failed to append to chunk %s: %w", c.ID(), err)
	}
	b.emitted.Add(1)

	if c.Len() < b.cfg.ChunkLimitRecords {
		b.mu.Unlock()
		return nil
	}
	delete(b.stage, key)
	b.pending.Add(1)
	b.mu.Unlock()

	defer b.pending.Done()
	return b.enqueue(ctx, c)
}

func (b *Buffer) newChunk(meta chunk.Metadata) (chunk.Buffered, error) {
	if b.cfg.Type == TypeFile {
		return chunk.NewFileChunk(b.cfg.Path, meta)
	}
	return chunk.NewMemoryChunk(meta), nil
}

// enqueue commits c and hands it to the workers.
func (b *Buffer) enqueue(ctx context.Context, c chunk.Buffered) error {
	if err := c.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk %s: %w", c.ID(), err)
	}
	select {
	case b.queue <- c:
		return nil
	case <-ctx.Done():
		// still staged on disk for a file buffer; lost otherwise
		b.logger.Warn().Str("chunk_id", c.ID()).Msg("chunk not queued before cancellation")
		return ctx.Err()
	}
}

// flushLoop queues staged chunks older than flush_interval.
func (b *Buffer) flushLoop() {
	defer b.ticker.Done()

	tick := b.cfg.FlushInterval / 4
	if tick > time.Second {
		tick = time.Second
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-b.stopTicker:
			return
		case <-t.C:
			b.enqueueStaged(func(c chunk.Buffered) bool {
				return time.Since(c.CreatedAt()) >= b.cfg.FlushInterval
			})
		}
	}
}

// enqueueStaged queues every staged chunk matching due.
func (b *Buffer) enqueueStaged(due func(chunk.Buffered) bool) {
	b.mu.Lock()
	var ready []chunk.Buffered
	for key, c := range b.stage {
		if c.Len() > 0 && due(c) {
			ready = append(ready, c)
			delete(b.stage, key)
		}
	}
	b.pending.Add(len(ready))
	b.mu.Unlock()

	for _, c := range ready {
		if err := b.enqueue(b.workCtx, c); err != nil {
			b.logger.Error().Err(err).Str("chunk_id", c.ID()).Msg("failed to queue chunk")
			if b.workCtx.Err() != nil {
				b.abandon(c, 0, err)
			}
		}
		b.pending.Done()
	}
}

// Flush queues every staged chunk now.
func (b *Buffer) Flush() {
	b.enqueueStaged(func(chunk.Buffered) bool { return true })
}

func (b *Buffer) worker(id int) {
	defer b.workers.Done()
	for c := range b.queue {
		b.inFlight.Add(1)
		b.flushChunk(c)
		b.inFlight.Add(-1)
	}
}

// flushChunk writes c through the breaker with retries, then purges it or
// hands it to the dead letter path.
func (b *Buffer) flushChunk(c chunk.Buffered) {
	ctx := b.workCtx
	log := b.logger.With().Str("chunk_id", c.ID()).Int("records", c.Len()).Logger()
	if ctx.Err() != nil {
		b.abandon(c, 0, ctx.Err())
		return
	}

	attempts := 0
	err := b.opts.Retryer.Do(ctx, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			b.retries.Add(1)
		}
		if err := b.opts.Breaker.WaitUntilReady(ctx); err != nil {
			return err
		}
		err := b.opts.Breaker.Execute(ctx, func(ctx context.Context) error {
			return b.opts.Output.Write(ctx, c)
		})
		if err == nil {
			return nil
		}
		if b.opts.Unrecoverable != nil && b.opts.Unrecoverable(err) {
			return retry.Permanent(err)
		}
		log.Warn().Err(err).Int("attempt", attempts).Msg("chunk write failed")
		return err
	})

	if err == nil {
		b.flushed.Add(1)
		b.flushedRecords.Add(uint64(c.Len()))
		if perr := c.Purge(); perr != nil {
			log.Warn().Err(perr).Msg("failed to purge chunk")
		}
		return
	}

	if ctx.Err() != nil {
		b.abandon(c, attempts, err)
		return
	}

	failure := retry.FailureNonRetryable
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		failure = retry.FailureExhausted
		attempts = exhausted.Attempts
	}
	b.deadLetter(c, attempts, err, failure)
}

// abandon handles a chunk interrupted by shutdown: a file chunk stays on
// disk for the next start, a memory chunk is dead lettered.
func (b *Buffer) abandon(c chunk.Buffered, attempts int, cause error) {
	if b.cfg.Type == TypeFile {
		b.logger.Warn().Err(cause).Str("chunk_id", c.ID()).Msg("shutdown before delivery, chunk kept for resume")
		return
	}
	b.deadLetter(c, attempts, cause, retry.FailureShutdown)
}

// deadLetter saves c to the secondary output, records it in the DLQ and
// purges it. A file chunk whose secondary save failed stays on disk.
func (b *Buffer) deadLetter(c chunk.Buffered, attempts int, cause error, failure string) {
	// the work context may be canceled already
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	log := b.logger.With().Str("chunk_id", c.ID()).Str("failure_type", failure).Logger()
	dl := DeadLetter{
		ChunkID:     c.ID(),
		Metadata:    c.Metadata(),
		Records:     c.Len(),
		Attempts:    attempts,
		Err:         cause,
		FailureType: failure,
	}

	keep := false
	if b.opts.Secondary != nil {
		location, err := b.opts.Secondary.Save(ctx, c)
		if err != nil {
			log.Error().Err(err).Msg("secondary output failed")
			keep = b.cfg.Type == TypeFile
		} else {
			dl.Secondary = location
			log.Info().Str("location", location).Msg("chunk saved to secondary output")
		}
	}

	if dlq := b.opts.Retryer.DLQ(); dlq != nil {
		entry := retry.DLQEntry{
			ChunkID:     c.ID(),
			Attempts:    attempts,
			LastError:   cause.Error(),
			FailureType: failure,
			Data: map[string]any{
				"metadata":  c.Metadata(),
				"records":   c.Len(),
				"secondary": dl.Secondary,
				"kept":      keep,
			},
		}
		id, err := dlq.Add(entry)
		if err != nil {
			log.Error().Err(err).Msg("failed to persist DLQ entry")
		}
		dl.DLQID = id
	}

	b.deadLettered.Add(1)
	log.Error().Err(cause).Int("attempts", attempts).Int("records", c.Len()).Msg("giving up on chunk")
	for _, r := range b.opts.Reporters {
		r.ReportDeadLetter(ctx, dl)
	}

	if keep {
		return
	}
	if err := c.Purge(); err != nil {
		log.Warn().Err(err).Msg("failed to purge chunk")
	}
}

// Close stops accepting events and drains the queue. Staged chunks are
// queued when flush_at_shutdown is set. When ctx ends first, pending writes
// are canceled: file chunks stay on disk, memory chunks are dead lettered.
func (b *Buffer) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stopTicker)
	b.ticker.Wait()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if b.cfg.FlushAtShutdown || b.cfg.Type == TypeMemory {
			b.Flush()
		} else {
			b.commitStaged()
		}
		b.pending.Wait()
		close(b.queue)
		b.workers.Wait()
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("buffer drain interrupted: %w", ctx.Err())
		b.cancelWork()
		<-done
	}
	b.cancelWork()
	return err
}

// commitStaged seals staged file chunks so the next start resumes them.
func (b *Buffer) commitStaged() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, c := range b.stage {
		if err := c.Commit(); err != nil {
			b.logger.Warn().Err(err).Str("chunk_id", c.ID()).Msg("failed to commit staged chunk")
		}
		delete(b.stage, key)
	}
}

// Stats returns a snapshot.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	staged, records := len(b.stage), 0
	for _, c := range b.stage {
		records += c.Len()
	}
	b.mu.Unlock()

	return Stats{
		Type:           b.cfg.Type,
		Workers:        b.cfg.FlushThreadCount,
		StagedChunks:   staged,
		StagedRecords:  records,
		QueuedChunks:   len(b.queue),
		InFlight:       b.inFlight.Load(),
		Emitted:        b.emitted.Load(),
		Flushed:        b.flushed.Load(),
		FlushedRecords: b.flushedRecords.Load(),
		Retries:        b.retries.Load(),
		DeadLettered:   b.deadLettered.Load(),
		Resumed:        b.resumed.Load(),
	}
}
