package chunk

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"
)

// ErrSealed is returned by Append on a committed chunk.
var ErrSealed = errors.New("chunk is sealed")

// Metadata identifies the destination-relevant attributes shared by every
// event in a chunk. It feeds placeholder expansion of database/table names.
type Metadata struct {
	Tag       string            `json:"tag,omitempty"`
	Timekey   int64             `json:"timekey,omitempty"` // start of the time bucket, 0 = no time key
	Variables map[string]string `json:"variables,omitempty"`
}

// Key returns a stable string used to group events into the same chunk.
func (m Metadata) Key() string {
	var b strings.Builder
	b.WriteString(m.Tag)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(m.Timekey, 10))

	names := make([]string, 0, len(m.Variables))
	for k := range m.Variables {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m.Variables[k])
	}
	return b.String()
}

// Chunk is the read side consumed by outputs. Each must be replayable: a
// retry iterates the same events in the same order again.
type Chunk interface {
	ID() string
	Metadata() Metadata
	Len() int
	Each(fn func(Event) error) error
}

// Buffered is a chunk owned by the buffer: it is appended to while staged,
// committed before it is queued, and purged once delivered or given up.
type Buffered interface {
	Chunk
	Append(ev Event) error
	Commit() error
	Purge() error
	CreatedAt() time.Time
}

var idCounter atomic.Uint64

// NewID derives a chunk identifier from the metadata and a process-unique nonce.
func NewID(meta Metadata, now time.Time) string {
	var nonce [16]byte
	binary.BigEndian.PutUint64(nonce[:8], uint64(now.UnixNano()))
	binary.BigEndian.PutUint64(nonce[8:], idCounter.Add(1))

	h := xxh3.New()
	_, _ = h.WriteString(meta.Key())
	_, _ = h.Write(nonce[:])

	sum := make([]byte, 8)
	binary.BigEndian.PutUint64(sum, h.Sum64())
	return hex.EncodeToString(sum)
}

// MemoryChunk keeps its events in a slice. Content is lost on process exit.
type MemoryChunk struct {
	id      string
	meta    Metadata
	events  []Event
	created time.Time
	sealed  bool
}

// NewMemoryChunk creates an empty in-memory chunk.
func NewMemoryChunk(meta Metadata) *MemoryChunk {
	now := time.Now()
	return &MemoryChunk{
		id:      NewID(meta, now),
		meta:    meta,
		created: now,
	}
}

// FromEvents builds a committed in-memory chunk; handy for callers that
// already hold a complete batch.
func FromEvents(meta Metadata, events ...Event) *MemoryChunk {
	c := NewMemoryChunk(meta)
	c.events = append(c.events, events...)
	c.sealed = true
	return c
}

func (c *MemoryChunk) ID() string           { return c.id }
func (c *MemoryChunk) Metadata() Metadata   { return c.meta }
func (c *MemoryChunk) Len() int             { return len(c.events) }
func (c *MemoryChunk) CreatedAt() time.Time { return c.created }
func (c *MemoryChunk) Commit() error        { c.sealed = true; return nil }
func (c *MemoryChunk) Purge() error         { c.events = nil; return nil }

// Append adds an event to a staged chunk.
func (c *MemoryChunk) Append(ev Event) error {
	if c.sealed {
		return ErrSealed
	}
	c.events = append(c.events, ev)
	return nil
}

// Each iterates events in insertion order and stops on the first error.
func (c *MemoryChunk) Each(fn func(Event) error) error {
	for i, ev := range c.events {
		if err := fn(ev); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	return nil
}
