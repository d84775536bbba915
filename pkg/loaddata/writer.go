package loaddata

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/loadmulti/pkg/chunk"
	"github.com/ruslano69/loadmulti/pkg/placeholder"
)

// Write states, used to label errors and logs.
const (
	StateResolve   = "resolve_destination"
	StateProbe     = "probe_schema"
	StateSerialize = "serialize_batch"
	StateLoad      = "execute_load"
	StateReport    = "report"
)

// Options configure a Writer.
type Options struct {
	// Conn holds the server settings. Conn.Database is the configured
	// database name template.
	Conn       ConnConfig
	TableName  string // configured table name template
	Mapping    FieldMapping
	Isolation  IsolationLevel
	LoadTarget LoadTarget
	Location   *time.Location // civil time for ${time} and placeholders
	TempDir    string
}

// Destination is a resolved (database, table) pair.
type Destination struct {
	Database string `json:"database"`
	Table    string `json:"table"`
}

// Result describes one write call.
type Result struct {
	ChunkID      string        `json:"chunk_id"`
	Destination  Destination   `json:"destination"`
	LoadedTable  string        `json:"loaded_table"`
	Records      int64         `json:"records"`
	RowsAffected int64         `json:"rows_affected"`
	Bytes        int64         `json:"bytes"`
	Checksum     string        `json:"checksum,omitempty"`
	State        string        `json:"state"` // last state reached
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// Reporter receives the outcome of every write call. err is nil on success.
type Reporter interface {
	ReportWrite(ctx context.Context, res *Result, err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, res *Result, err error)

func (f ReporterFunc) ReportWrite(ctx context.Context, res *Result, err error) { f(ctx, res, err) }

// Writer is invoked once per flushed chunk. It is safe for concurrent use:
// every call owns its sessions and its batch file.
type Writer struct {
	opts       Options
	dialer     Dialer
	serializer Serializer
	loader     Loader
	reporters  []Reporter
	logger     zerolog.Logger
}

// NewWriter creates a Writer.
func NewWriter(opts Options, dialer Dialer, logger zerolog.Logger, reporters ...Reporter) *Writer {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.LoadTarget == "" {
		opts.LoadTarget = LoadTargetConfigured
	}

	w := &Writer{
		opts:       opts,
		dialer:     dialer,
		serializer: Serializer{Dir: opts.TempDir},
		loader:     Loader{Dialer: dialer},
		reporters:  reporters,
		logger:     logger.With().Str("component", "loaddata").Logger(),
	}

	if opts.LoadTarget == LoadTargetConfigured && placeholder.HasPlaceholders(opts.TableName) {
		w.logger.Warn().
			Str("tablename", opts.TableName).
			Msg("tablename contains placeholders but load_target is configured: the schema is probed on the resolved table while rows are loaded into the literal configured name")
	}
	if opts.LoadTarget == LoadTargetConfigured && placeholder.HasPlaceholders(opts.Conn.Database) {
		w.logger.Warn().
			Str("database", opts.Conn.Database).
			Msg("database contains placeholders but load_target is configured: sessions use the literal configured database name")
	}
	return w
}

// Resolve expands the database and table templates for meta.
func (w *Writer) Resolve(meta chunk.Metadata) Destination {
	return Destination{
		Database: placeholder.ExpandIdentifier(w.opts.Conn.Database, meta, w.opts.Location),
		Table:    placeholder.ExpandIdentifier(w.opts.TableName, meta, w.opts.Location),
	}
}

// Write loads one chunk. Any failure aborts the call; the chunk is expected to
// be delivered again as a whole. The batch file is removed on every path.
func (w *Writer) Write(ctx context.Context, c chunk.Chunk) (res *Result, err error) {
	res = &Result{ChunkID: c.ID(), StartedAt: time.Now()}
	defer func() {
		res.Duration = time.Since(res.StartedAt)
		for _, r := range w.reporters {
			r.ReportWrite(ctx, res, err)
		}
	}()

	res.State = StateResolve
	dest := w.Resolve(c.Metadata())
	res.Destination = dest
	if err := w.checkDestination(dest); err != nil {
		return res, fmt.Errorf("%s: %w", StateResolve, err)
	}
	conn := w.sessionConn(dest)

	log := w.logger.With().
		Str("chunk_id", c.ID()).
		Str("database", dest.Database).
		Str("table", dest.Table).
		Logger()

	res.State = StateProbe
	widths, err := ProbeColumnWidths(ctx, w.dialer, conn, dest.Table, w.opts.Mapping.Columns)
	if err != nil {
		return res, fmt.Errorf("%s: %w", StateProbe, err)
	}

	res.State = StateSerialize
	artifact, err := w.serializer.Serialize(ctx, w.rows(c, widths))
	if err != nil {
		return res, fmt.Errorf("%s: %w", StateSerialize, err)
	}
	defer func() {
		if rmErr := artifact.Remove(); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", artifact.Path).Msg("batch file not removed")
		}
	}()
	res.Records = artifact.Rows
	res.Bytes = artifact.Bytes
	res.Checksum = artifact.Checksum

	res.State = StateLoad
	var target string
	res.LoadedTable, target = w.loadTable(dest)
	affected, err := w.loader.Load(ctx, conn, target, artifact, w.opts.Mapping.Columns, w.opts.Isolation)
	if err != nil {
		return res, fmt.Errorf("%s: %w", StateLoad, err)
	}
	res.RowsAffected = affected

	res.State = StateReport
	log.Info().
		Int64("records", res.Records).
		Int64("rows_affected", affected).
		Str("checksum", artifact.Checksum).
		Msgf("number that is registered in the \"%s:%s\" table is %d", w.opts.Conn.Database, w.opts.TableName, res.Records)
	return res, nil
}

// Ping opens and closes a session against the server.
func (w *Writer) Ping(ctx context.Context) error {
	conn := w.opts.Conn
	if placeholder.HasPlaceholders(conn.Database) {
		conn.Database = ""
	}
	sess, err := w.dialer.Dial(ctx, conn)
	if err != nil {
		return err
	}
	defer sess.Close()
	_, err = sess.Query(ctx, "SELECT 1")
	return err
}

func (w *Writer) rows(c chunk.Chunk, widths WidthTable) RowSource {
	return func(yield func([]Value) error) error {
		return c.Each(func(ev chunk.Event) error {
			return yield(Coerce(w.opts.Mapping, ev, widths, w.opts.Location))
		})
	}
}

// sessionConn selects the default database of the sessions: the literal
// configured one, or the resolved one when loading into resolved tables.
func (w *Writer) sessionConn(dest Destination) ConnConfig {
	conn := w.opts.Conn
	if w.opts.LoadTarget == LoadTargetResolved {
		conn.Database = dest.Database
	}
	return conn
}

// checkDestination rejects resolved names that reach SQL: the table always
// (it is probed) and the database only when sessions use it.
func (w *Writer) checkDestination(dest Destination) error {
	if err := CheckIdentifier(dest.Table); err != nil {
		return &ProbeError{Table: dest.Table, Err: err}
	}
	if w.opts.LoadTarget == LoadTargetResolved {
		if err := CheckIdentifier(dest.Database); err != nil {
			return &ProbeError{Table: dest.Table, Err: fmt.Errorf("database: %w", err)}
		}
	}
	return nil
}

// loadTable returns the table name to report and the statement target. The
// configured name is used verbatim; a resolved one is quoted.
func (w *Writer) loadTable(dest Destination) (name, target string) {
	if w.opts.LoadTarget == LoadTargetResolved {
		return dest.Table, QuoteIdentifier(dest.Table)
	}
	return w.opts.TableName, w.opts.TableName
}
