package chunk

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	dataSuffix = ".chunk.zst"
	metaSuffix = ".meta.json"
)

// fileMeta is the sidecar written next to every chunk file.
type fileMeta struct {
	ID       string    `json:"id"`
	Metadata Metadata  `json:"metadata"`
	Created  time.Time `json:"created"`
	Records  int       `json:"records"`
	Sealed   bool      `json:"sealed"`
}

// FileChunk persists events as zstd-compressed JSON lines so that staged and
// queued chunks survive a restart. Every Append is flushed to a zstd block;
// a crash loses at most the event being written.
type FileChunk struct {
	dir     string
	id      string
	meta    Metadata
	created time.Time
	records int
	sealed  bool

	file *os.File
	enc  *zstd.Encoder
}

// NewFileChunk creates a staged chunk under dir.
func NewFileChunk(dir string, meta Metadata) (*FileChunk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	now := time.Now()
	c := &FileChunk{
		dir:     dir,
		id:      NewID(meta, now),
		meta:    meta,
		created: now,
	}

	f, err := os.OpenFile(c.dataPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk file: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		os.Remove(c.dataPath())
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	c.file, c.enc = f, enc

	if err := c.writeMeta(); err != nil {
		enc.Close()
		f.Close()
		os.Remove(c.dataPath())
		return nil, err
	}
	return c, nil
}

// OpenFileChunk loads a chunk left on disk by a previous run. A chunk that was
// never committed is recovered up to its last complete event and sealed.
func OpenFileChunk(metaPath string) (*FileChunk, error) {
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk metadata: %w", err)
	}
	var fm fileMeta
	if err := json.Unmarshal(data, &fm); err != nil {
		return nil, fmt.Errorf("failed to parse chunk metadata %s: %w", metaPath, err)
	}

	c := &FileChunk{
		dir:     filepath.Dir(metaPath),
		id:      fm.ID,
		meta:    fm.Metadata,
		created: fm.Created,
		records: fm.Records,
		sealed:  fm.Sealed,
	}
	if c.sealed {
		return c, nil
	}

	n, err := c.countRecoverable()
	if err != nil {
		return nil, err
	}
	c.records = n
	c.sealed = true
	if err := c.writeMeta(); err != nil {
		return nil, err
	}
	return c, nil
}

// ListFileChunks opens every chunk found in dir, oldest first.
func ListFileChunks(dir string) ([]*FileChunk, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+metaSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	chunks := make([]*FileChunk, 0, len(paths))
	for _, p := range paths {
		c, err := OpenFileChunk(p)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].created.Before(chunks[j].created)
	})
	return chunks, nil
}

func (c *FileChunk) ID() string           { return c.id }
func (c *FileChunk) Metadata() Metadata   { return c.meta }
func (c *FileChunk) Len() int             { return c.records }
func (c *FileChunk) CreatedAt() time.Time { return c.created }

// Path returns the compressed data file.
func (c *FileChunk) Path() string { return c.dataPath() }

// Append writes one event to the staged chunk.
func (c *FileChunk) Append(ev Event) error {
	if c.sealed || c.enc == nil {
		return ErrSealed
	}

	line, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := c.enc.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := c.enc.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}

	c.records++
	return nil
}

// Commit closes the zstd frame and marks the chunk as sealed.
func (c *FileChunk) Commit() error {
	if c.sealed {
		return nil
	}
	if err := c.closeWriter(); err != nil {
		return err
	}
	c.sealed = true
	return c.writeMeta()
}

// Each decodes the chunk from disk. It reads exactly Len() events, so the
// truncated tail of a recovered chunk is never reached.
func (c *FileChunk) Each(fn func(Event) error) error {
	if !c.sealed {
		return fmt.Errorf("chunk %s is not committed", c.id)
	}

	f, err := os.Open(c.dataPath())
	if err != nil {
		return fmt.Errorf("failed to open chunk file: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	r := bufio.NewReader(dec)
	for i := 0; i < c.records; i++ {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("chunk %s: failed to read event %d: %w", c.id, i, err)
		}
		ev, err := decodeLine(line)
		if err != nil {
			return fmt.Errorf("chunk %s: event %d: %w", c.id, i, err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// Purge removes the chunk files.
func (c *FileChunk) Purge() error {
	_ = c.closeWriter()

	var errs []error
	for _, p := range []string{c.dataPath(), c.metaPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *FileChunk) closeWriter() error {
	if c.enc == nil {
		return nil
	}
	encErr := c.enc.Close()
	syncErr := c.file.Sync()
	closeErr := c.file.Close()
	c.enc, c.file = nil, nil

	if err := errors.Join(encErr, syncErr, closeErr); err != nil {
		return fmt.Errorf("failed to close chunk file: %w", err)
	}
	return nil
}

// countRecoverable counts complete, decodable lines of an uncommitted chunk.
func (c *FileChunk) countRecoverable() (int, error) {
	f, err := os.Open(c.dataPath())
	if err != nil {
		return 0, fmt.Errorf("failed to open chunk file: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return 0, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	r := bufio.NewReader(dec)
	n := 0
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// io.EOF or a truncated frame: everything before is usable.
			return n, nil
		}
		if _, err := decodeLine(line); err != nil {
			return n, nil
		}
		n++
	}
}

func (c *FileChunk) writeMeta() error {
	data, err := json.Marshal(fileMeta{
		ID:       c.id,
		Metadata: c.meta,
		Created:  c.created,
		Records:  c.records,
		Sealed:   c.sealed,
	})
	if err != nil {
		return fmt.Errorf("failed to encode chunk metadata: %w", err)
	}

	tmp := c.metaPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write chunk metadata: %w", err)
	}
	if err := os.Rename(tmp, c.metaPath()); err != nil {
		return fmt.Errorf("failed to commit chunk metadata: %w", err)
	}
	return nil
}

func (c *FileChunk) dataPath() string { return filepath.Join(c.dir, c.id+dataSuffix) }
func (c *FileChunk) metaPath() string { return filepath.Join(c.dir, c.id+metaSuffix) }

func decodeLine(line []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return ev, nil
}

// WriteJSONLines streams a chunk as zstd-compressed JSON lines into w.
// It is the payload format of secondary outputs and matches the chunk files.
func WriteJSONLines(w io.Writer, c Chunk) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	err = c.Each(func(ev Event) error {
		line, err := EncodeEvent(ev)
		if err != nil {
			return err
		}
		line = append(line, '\n')
		_, err = enc.Write(line)
		return err
	})
	if err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// ReadJSONLines decodes a payload written by WriteJSONLines.
func ReadJSONLines(r io.Reader, fn func(Event) error) error {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	br := bufio.NewReader(dec)
	for i := 0; ; i++ {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			ev, decErr := decodeLine(line)
			if decErr != nil {
				return fmt.Errorf("event %d: %w", i, decErr)
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event %d: %w", i, err)
		}
	}
}

// IsChunkFile reports whether name looks like a chunk data file.
func IsChunkFile(name string) bool {
	return strings.HasSuffix(name, dataSuffix)
}
