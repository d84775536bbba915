package loaddata

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/zeebo/xxh3"
)

// TempFilePattern names the batch files in the temporary directory.
const TempFilePattern = "mysql-loaddata-multi-*"

// RowSource yields the coerced rows of a batch in order.
type RowSource func(yield func([]Value) error) error

// Artifact is a batch file ready for LOAD DATA.
type Artifact struct {
	Path     string
	Rows     int64
	Bytes    int64
	Checksum string // xxh3-64 of the file content, hex
}

// Remove deletes the batch file. Calling it twice is harmless.
func (a *Artifact) Remove() error {
	if a == nil || a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove batch file: %w", err)
	}
	return nil
}

// Serializer writes batch files in MySQL's default LOAD DATA format:
// tab-separated fields, newline-terminated lines, backslash escapes.
type Serializer struct {
	Dir string // empty means os.TempDir()
}

// Serialize streams rows into a new temporary file. On error the partial
// file is removed.
func (s Serializer) Serialize(ctx context.Context, rows RowSource) (_ *Artifact, err error) {
	f, err := os.CreateTemp(s.Dir, TempFilePattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch file: %w", err)
	}
	path := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(path)
		}
	}()

	hash := xxh3.New()
	cw := &countingWriter{w: io.MultiWriter(f, hash)}
	bw := bufio.NewWriterSize(cw, 64*1024)

	var n int64
	err = rows(func(vals []Value) error {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		writeRow(bw, vals)
		n++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize batch: %w", err)
	}
	if err = bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write batch file: %w", err)
	}
	if err = f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close batch file: %w", err)
	}

	return &Artifact{
		Path:     path,
		Rows:     n,
		Bytes:    cw.n,
		Checksum: strconv.FormatUint(hash.Sum64(), 16),
	}, nil
}

// writeRow ignores write errors; bufio keeps the first one and Flush reports it.
func writeRow(w *bufio.Writer, vals []Value) {
	for i, v := range vals {
		if i > 0 {
			w.WriteByte('\t')
		}
		if v.Valid {
			writeEscaped(w, v.S)
		}
	}
	w.WriteByte('\n')
}

// writeEscaped applies the FIELDS ESCAPED BY '\\' rules so that values with
// separators or backslashes survive the load unchanged.
func writeEscaped(w *bufio.Writer, s string) {
	start := 0
	for i := 0; i < len(s); i++ {
		var esc string
		switch s[i] {
		case '\\':
			esc = `\\`
		case '\t':
			esc = `\t`
		case '\n':
			esc = `\n`
		case '\r':
			esc = `\r`
		case 0:
			esc = `\0`
		default:
			continue
		}
		w.WriteString(s[start:i])
		w.WriteString(esc)
		start = i + 1
	}
	w.WriteString(s[start:])
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
