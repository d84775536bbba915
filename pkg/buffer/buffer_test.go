package buffer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/loadmulti/pkg/chunk"
	"github.com/ruslano69/loadmulti/pkg/resilience"
	"github.com/ruslano69/loadmulti/pkg/retry"
	"github.com/ruslano69/loadmulti/pkg/secondary"
)

type written struct {
	id     string
	meta   chunk.Metadata
	events []chunk.Event
}

// recordingOutput collects delivered chunks and fails the first failures calls.
type recordingOutput struct {
	mu       sync.Mutex
	chunks   []written
	calls    int
	failures int
	err      error
}

func (o *recordingOutput) Write(ctx context.Context, c chunk.Chunk) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.calls <= o.failures || o.failures < 0 {
		return o.err
	}
	w := written{id: c.ID(), meta: c.Metadata()}
	c.Each(func(ev chunk.Event) error {
		w.events = append(w.events, ev)
		return nil
	})
	o.chunks = append(o.chunks, w)
	return nil
}

func (o *recordingOutput) delivered() []written {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]written(nil), o.chunks...)
}

type deadLetters struct {
	mu  sync.Mutex
	got []DeadLetter
}

func (d *deadLetters) ReportDeadLetter(ctx context.Context, dl DeadLetter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, dl)
}

func fastRetry(t *testing.T, attempts int, dlqPath string) *retry.Retryer {
	t.Helper()
	cfg := retry.Config{
		Enabled:      true,
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Backoff:      retry.BackoffConstant,
	}
	if dlqPath != "" {
		cfg.DLQ = retry.DLQConfig{Enabled: true, Path: dlqPath}
	}
	r, err := retry.NewRetryer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func newTestBuffer(t *testing.T, opts Options) *Buffer {
	t.Helper()
	opts.Logger = zerolog.Nop()
	b, err := New(opts)
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start buffer: %v", err)
	}
	return b
}

func closeBuffer(t *testing.T, b *Buffer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func event(tag string, ts int64, rec map[string]any) chunk.Event {
	return chunk.Event{Tag: tag, Time: ts, Record: rec}
}

func TestBuffer_ChunkLimitRecords(t *testing.T) {
	out := &recordingOutput{}
	cfg := DefaultConfig()
	cfg.ChunkLimitRecords = 2
	cfg.FlushInterval = time.Hour
	b := newTestBuffer(t, Options{Config: cfg, Output: out})

	ctx := context.Background()
	b.Emit(ctx, event("app.a", 1, map[string]any{"n": 1}))
	b.Emit(ctx, event("app.b", 1, map[string]any{"n": 2}))
	b.Emit(ctx, event("app.a", 2, map[string]any{"n": 3}))

	waitFor(t, func() bool { return len(out.delivered()) == 1 })
	got := out.delivered()[0]
	if got.meta.Tag != "app.a" || len(got.events) != 2 {
		t.Errorf("Expected the full app.a chunk, got %+v", got)
	}
	if s := b.Stats(); s.StagedChunks != 1 || s.StagedRecords != 1 {
		t.Errorf("Expected app.b to stay staged, got %+v", s)
	}

	closeBuffer(t, b)
	if n := len(out.delivered()); n != 2 {
		t.Errorf("Expected the staged chunk to be flushed on close, got %d chunks", n)
	}
}

func TestBuffer_FlushInterval(t *testing.T) {
	out := &recordingOutput{}
	cfg := DefaultConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	b := newTestBuffer(t, Options{Config: cfg, Output: out})
	defer closeBuffer(t, b)

	b.Emit(context.Background(), event("app", 1, map[string]any{"n": 1}))
	waitFor(t, func() bool { return len(out.delivered()) == 1 })

	s := b.Stats()
	if s.Flushed != 1 || s.FlushedRecords != 1 || s.Emitted != 1 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestBuffer_RetryThenSuccess(t *testing.T) {
	out := &recordingOutput{failures: 2, err: errors.New("connection refused")}
	cfg := DefaultConfig()
	cfg.ChunkLimitRecords = 1
	b := newTestBuffer(t, Options{Config: cfg, Output: out, Retryer: fastRetry(t, 5, "")})

	b.Emit(context.Background(), event("app", 1, map[string]any{"n": 1}))
	waitFor(t, func() bool { return len(out.delivered()) == 1 })
	closeBuffer(t, b)

	if s := b.Stats(); s.Retries != 2 || s.DeadLettered != 0 {
		t.Errorf("Expected 2 retries and no dead letter, got %+v", s)
	}
}

func TestBuffer_ExhaustedGoesToSecondaryAndDLQ(t *testing.T) {
	dir := t.TempDir()
	out := &recordingOutput{failures: -1, err: errors.New("connection refused")}
	reporter := &deadLetters{}
	retryer := fastRetry(t, 3, filepath.Join(dir, "dlq.json"))

	cfg := DefaultConfig()
	cfg.ChunkLimitRecords = 1
	b := newTestBuffer(t, Options{
		Config:    cfg,
		Output:    out,
		Retryer:   retryer,
		Secondary: secondary.NewFileOutput(filepath.Join(dir, "failed"), func(m chunk.Metadata) string { return "access_log" }),
		Reporters: []DeadLetterReporter{reporter},
	})

	b.Emit(context.Background(), event("app", 1, map[string]any{"n": 1}))
	closeBuffer(t, b)

	if len(reporter.got) != 1 {
		t.Fatalf("Expected 1 dead letter, got %d", len(reporter.got))
	}
	dl := reporter.got[0]
	if dl.FailureType != retry.FailureExhausted || dl.Attempts != 3 || dl.Records != 1 {
		t.Errorf("Unexpected dead letter %+v", dl)
	}
	if _, err := os.Stat(dl.Secondary); err != nil {
		t.Errorf("Expected secondary file at %q: %v", dl.Secondary, err)
	}

	entries := retryer.DLQ().Get()
	if len(entries) != 1 || entries[0].ID != dl.DLQID || entries[0].ChunkID != dl.ChunkID {
		t.Errorf("Unexpected DLQ entries %+v", entries)
	}
}

func TestBuffer_UnrecoverableIsNotRetried(t *testing.T) {
	fatal := errors.New("access denied")
	out := &recordingOutput{failures: -1, err: fatal}
	reporter := &deadLetters{}

	cfg := DefaultConfig()
	cfg.ChunkLimitRecords = 1
	b := newTestBuffer(t, Options{
		Config:        cfg,
		Output:        out,
		Retryer:       fastRetry(t, 10, ""),
		Unrecoverable: func(err error) bool { return errors.Is(err, fatal) },
		Reporters:     []DeadLetterReporter{reporter},
	})

	b.Emit(context.Background(), event("app", 1, nil))
	closeBuffer(t, b)

	if out.calls != 1 {
		t.Errorf("Expected a single attempt, got %d", out.calls)
	}
	if len(reporter.got) != 1 || reporter.got[0].FailureType != retry.FailureNonRetryable {
		t.Errorf("Expected a non-retryable dead letter, got %+v", reporter.got)
	}
}

func TestBuffer_OpenCircuitDoesNotBurnAttempts(t *testing.T) {
	out := &recordingOutput{failures: 1, err: errors.New("connection refused")}
	cbCfg := resilience.DefaultConfig("mysql")
	cbCfg.MaxFailures = 1
	cbCfg.Timeout = 30 * time.Millisecond
	cb, err := resilience.New(cbCfg)
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.ChunkLimitRecords = 1
	b := newTestBuffer(t, Options{Config: cfg, Output: out, Retryer: fastRetry(t, 2, ""), Breaker: cb})

	b.Emit(context.Background(), event("app", 1, nil))
	waitFor(t, func() bool { return len(out.delivered()) == 1 })
	closeBuffer(t, b)

	if cb.State() != resilience.StateClosed {
		t.Errorf("Expected the circuit to close again, got %v", cb.State())
	}
}

func TestBuffer_FileResume(t *testing.T) {
	dir := t.TempDir()

	// a chunk left behind by a crashed process
	left, err := chunk.NewFileChunk(dir, chunk.Metadata{Tag: "app"})
	if err != nil {
		t.Fatal(err)
	}
	left.Append(event("app", 1, map[string]any{"n": 1}))
	left.Append(event("app", 2, map[string]any{"n": 2}))

	out := &recordingOutput{}
	cfg := DefaultConfig()
	cfg.Type = TypeFile
	cfg.Path = dir
	b := newTestBuffer(t, Options{Config: cfg, Output: out})

	waitFor(t, func() bool { return len(out.delivered()) == 1 })
	closeBuffer(t, b)

	got := out.delivered()[0]
	if got.id != left.ID() || len(got.events) != 2 {
		t.Errorf("Expected the resumed chunk with 2 events, got %+v", got)
	}
	if b.Stats().Resumed != 1 {
		t.Errorf("Expected 1 resumed chunk, got %d", b.Stats().Resumed)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected delivered chunk files to be purged, %d left", len(entries))
	}
}

func TestBuffer_ResumeAfterCloseKeepsChunks(t *testing.T) {
	dir := t.TempDir()
	left, err := chunk.NewFileChunk(dir, chunk.Metadata{Tag: "app"})
	if err != nil {
		t.Fatal(err)
	}
	left.Append(event("app", 1, map[string]any{"n": 1}))

	out := &recordingOutput{}
	cfg := DefaultConfig()
	cfg.Type = TypeFile
	cfg.Path = dir
	b, err := New(Options{Config: cfg, Output: out, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	closeBuffer(t, b)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if b.Stats().Resumed != 0 || len(out.delivered()) != 0 {
		t.Errorf("Expected nothing resumed after close, got %+v", b.Stats())
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) == 0 {
		t.Error("Expected the chunk file to stay on disk")
	}
}

func TestBuffer_FileKeepsStagedWithoutFlushAtShutdown(t *testing.T) {
	dir := t.TempDir()
	out := &recordingOutput{}
	cfg := DefaultConfig()
	cfg.Type = TypeFile
	cfg.Path = dir
	cfg.FlushAtShutdown = false
	cfg.FlushInterval = time.Hour
	b := newTestBuffer(t, Options{Config: cfg, Output: out})

	b.Emit(context.Background(), event("app", 1, map[string]any{"n": 1}))
	closeBuffer(t, b)

	if len(out.delivered()) != 0 {
		t.Fatal("Expected nothing written")
	}
	chunks, err := chunk.ListFileChunks(dir)
	if err != nil || len(chunks) != 1 || chunks[0].Len() != 1 {
		t.Errorf("Expected one committed chunk on disk, got %d (%v)", len(chunks), err)
	}
}

func TestBuffer_InjectAndChunkKeys(t *testing.T) {
	out := &recordingOutput{}
	cfg := DefaultConfig()
	cfg.ChunkKeys = []string{"tag", "time", "host"}
	cfg.Timekey = time.Hour
	cfg.FlushInterval = time.Hour
	b := newTestBuffer(t, Options{
		Config:   cfg,
		Output:   out,
		Injector: chunk.Injector{TagKey: "tag_name"},
		Location: time.UTC,
	})

	b.Emit(context.Background(), event("app", 7200+59, map[string]any{"host": "web1"}))
	b.Emit(context.Background(), event("app", 7200+61, map[string]any{"host": "web1"}))
	b.Emit(context.Background(), event("app", 7200+61, map[string]any{"host": "web2"}))
	closeBuffer(t, b)

	got := out.delivered()
	if len(got) != 2 {
		t.Fatalf("Expected 2 chunks (one per host), got %d", len(got))
	}
	for _, w := range got {
		if w.meta.Timekey != 7200 || w.meta.Tag != "app" {
			t.Errorf("Unexpected metadata %+v", w.meta)
		}
		if w.events[0].Record["tag_name"] != "app" {
			t.Errorf("Expected injected tag, got %v", w.events[0].Record)
		}
	}
}

func TestBuffer_EmitAfterClose(t *testing.T) {
	b := newTestBuffer(t, Options{Config: DefaultConfig(), Output: &recordingOutput{}})
	closeBuffer(t, b)

	if err := b.Emit(context.Background(), event("app", 1, nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := b.Close(context.Background()); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}
}

func TestBuffer_CloseDeadlineDeadLettersMemoryChunks(t *testing.T) {
	out := &recordingOutput{failures: -1, err: errors.New("connection refused")}
	reporter := &deadLetters{}
	cfg := DefaultConfig()
	cfg.ChunkLimitRecords = 1

	// retry forever
	b := newTestBuffer(t, Options{Config: cfg, Output: out, Retryer: fastRetry(t, 0, ""), Reporters: []DeadLetterReporter{reporter}})
	b.Emit(context.Background(), event("app", 1, nil))
	waitFor(t, func() bool { return b.Stats().Retries > 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := b.Close(ctx); err == nil {
		t.Error("Expected drain to be interrupted")
	}
	if len(reporter.got) != 1 || reporter.got[0].FailureType != retry.FailureShutdown {
		t.Errorf("Expected a shutdown dead letter, got %+v", reporter.got)
	}
}

func TestAlignTimekey(t *testing.T) {
	plus3 := time.FixedZone("MSK", 3*3600)
	tests := []struct {
		name    string
		t       int64
		timekey int64
		loc     *time.Location
		want    int64
	}{
		{"hour utc", 1700000000, 3600, time.UTC, 1699999200},
		{"day utc", 1700000000, 86400, time.UTC, 1699920000},
		{"day local midnight", 1700000000, 86400, plus3, 1699995600},
		{"exact boundary", 3600, 3600, time.UTC, 3600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := alignTimekey(tt.t, tt.timekey, tt.loc); got != tt.want {
				t.Errorf("alignTimekey() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"file without path", func(c *Config) { c.Type = TypeFile }, true},
		{"time without timekey", func(c *Config) { c.ChunkKeys = []string{"time"} }, true},
		{"unknown type", func(c *Config) { c.Type = "redis" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
