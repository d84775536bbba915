package secondary

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ruslano69/loadmulti/pkg/chunk"
)

// FileOutput writes failed chunks below a directory.
type FileOutput struct {
	dir   string
	table TableFunc
}

// NewFileOutput creates the output. Directories are created on demand.
func NewFileOutput(dir string, table TableFunc) *FileOutput {
	return &FileOutput{dir: dir, table: table}
}

// Save writes dir/<table>/<chunk-id>.jsonl.zst atomically.
func (o *FileOutput) Save(ctx context.Context, c chunk.Chunk) (string, error) {
	target := filepath.Join(o.dir, filepath.FromSlash(ObjectKey("", tableName(o.table, c), c.ID())))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create secondary directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-"+c.ID()+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create secondary file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := chunk.WriteJSONLines(tmp, c); err != nil {
		return "", fmt.Errorf("failed to write chunk %s: %w", c.ID(), err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync secondary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close secondary file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("failed to commit secondary file: %w", err)
	}
	committed = true
	return target, nil
}

func (o *FileOutput) Type() string { return TypeFile }
