package brokers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/loadmulti/pkg/chunk"
)

// maxLineSize - максимальный размер JSON строки
const maxLineSize = 16 << 20

// ReaderSource читает по одному JSON событию на строку до EOF
type ReaderSource struct {
	r      io.Reader
	tag    string
	logger zerolog.Logger
	now    func() time.Time
}

// NewReaderSource создает источник поверх r
func NewReaderSource(r io.Reader, tag string, logger zerolog.Logger) *ReaderSource {
	return &ReaderSource{r: r, tag: tag, logger: logger, now: time.Now}
}

// Run передает каждую распознанную строку. Пустые строки пропускаются,
// ошибочные логируются и пропускаются.
func (s *ReaderSource) Run(ctx context.Context, emit EmitFunc) error {
	sc := bufio.NewScanner(s.r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)

	line := 0
	for sc.Scan() {
		line++
		if ctx.Err() != nil {
			return nil
		}
		data := bytes.TrimSpace(sc.Bytes())
		if len(data) == 0 {
			continue
		}

		ev, err := chunk.DecodeEvent(data, s.tag, s.now())
		if err != nil {
			s.logger.Warn().Err(err).Int("line", line).Msg("skipping invalid line")
			continue
		}
		if err := emit(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

func (s *ReaderSource) Type() string { return TypeStdin }

// Close закрывает исходный reader, если он это поддерживает
func (s *ReaderSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
