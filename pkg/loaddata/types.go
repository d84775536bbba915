// Package loaddata turns a chunk of log events into a tab-delimited batch
// file and loads it into MySQL with LOAD DATA LOCAL INFILE.
//
// One Write call walks the states resolve destination, probe schema,
// serialize batch, execute load and report. Each call opens and closes its own
// sessions; nothing is pooled or shared between concurrent calls.
package loaddata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// TimeKey is the pseudo source key that maps the event time into a column.
const TimeKey = "${time}"

// CivilTimeLayout is the layout of ${time} values and time.Time record values.
const CivilTimeLayout = "2006-01-02 15:04:05"

// TLSOptions are the optional client TLS parameters. Each one is applied only
// when set.
type TLSOptions struct {
	Key    string // client private key file
	Cert   string // client certificate file
	CA     string // CA certificate file
	CAPath string // directory with CA certificates
	Cipher string // colon-separated cipher list
	Verify *bool  // verify the server certificate and host name
}

// Enabled reports whether any TLS parameter is set.
func (o TLSOptions) Enabled() bool {
	return o.Key != "" || o.Cert != "" || o.CA != "" || o.CAPath != "" || o.Cipher != "" || o.Verify != nil
}

// ConnConfig describes how to reach the MySQL server.
type ConnConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
	Encoding string
	TLS      TLSOptions
}

// Row is one result row keyed by column name. NULL is the empty string.
type Row map[string]string

// Session is a single pinned server session.
type Session interface {
	Query(ctx context.Context, query string) ([]Row, error)
	Exec(ctx context.Context, query string) (int64, error)
	// RegisterLocalFile allows path to be sent for LOAD DATA LOCAL INFILE
	// until the returned release func is called.
	RegisterLocalFile(path string) (release func())
	Close() error
}

// Dialer opens sessions. Every call returns a fresh session.
type Dialer interface {
	Dial(ctx context.Context, conn ConnConfig) (Session, error)
}

// FieldMapping pairs record keys with destination columns by position.
type FieldMapping struct {
	Keys    []string
	Columns []string
}

// NewFieldMapping builds a mapping from comma-separated lists. An empty keys
// list defaults to the column list.
func NewFieldMapping(keys, columns string) (FieldMapping, error) {
	cols := SplitList(columns)
	if len(cols) == 0 {
		return FieldMapping{}, errors.New("column_names is empty")
	}

	k := SplitList(keys)
	if len(k) == 0 {
		k = append([]string(nil), cols...)
	}
	if len(k) != len(cols) {
		return FieldMapping{}, fmt.Errorf("key_names has %d entries but column_names has %d", len(k), len(cols))
	}
	return FieldMapping{Keys: k, Columns: cols}, nil
}

// SplitList splits a comma-separated list and trims every item.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// IsolationLevel is the session transaction isolation applied before a load.
type IsolationLevel int

const (
	IsolationNone IsolationLevel = iota
	ReadUncommitted
	ReadCommitted
	RepeatableRead
	Serializable
)

var isolationNames = map[string]IsolationLevel{
	"read_uncommitted": ReadUncommitted,
	"read_committed":   ReadCommitted,
	"repeatable_read":  RepeatableRead,
	"serializable":     Serializable,
}

// ParseIsolationLevel parses the configuration value. The empty string means
// no isolation statement.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	if s == "" {
		return IsolationNone, nil
	}
	if l, ok := isolationNames[strings.ToLower(s)]; ok {
		return l, nil
	}
	return IsolationNone, fmt.Errorf("unknown transaction_isolation_level %q (expected read_uncommitted, read_committed, repeatable_read or serializable)", s)
}

// SQL returns the level as used in SET SESSION TRANSACTION ISOLATION LEVEL.
func (l IsolationLevel) SQL() string {
	switch l {
	case ReadUncommitted:
		return "READ UNCOMMITTED"
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return ""
	}
}

func (l IsolationLevel) String() string {
	for name, v := range isolationNames {
		if v == l {
			return name
		}
	}
	return "none"
}

// UnmarshalYAML rejects unknown levels while the configuration is parsed.
func (l *IsolationLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseIsolationLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// LoadTarget selects which table name the LOAD DATA statement uses.
type LoadTarget string

const (
	// LoadTargetConfigured loads into the literal configured table name.
	LoadTargetConfigured LoadTarget = "configured"
	// LoadTargetResolved loads into the placeholder-expanded table name.
	LoadTargetResolved LoadTarget = "resolved"
)

// ParseLoadTarget parses the configuration value; empty means configured.
func ParseLoadTarget(s string) (LoadTarget, error) {
	switch LoadTarget(strings.ToLower(s)) {
	case "", LoadTargetConfigured:
		return LoadTargetConfigured, nil
	case LoadTargetResolved:
		return LoadTargetResolved, nil
	default:
		return "", fmt.Errorf("unknown load_target %q (expected configured or resolved)", s)
	}
}

// ProbeError is returned when the column description of a table cannot be read.
type ProbeError struct {
	Table string
	Err   error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("schema probe of table %s failed: %v", e.Table, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// LoadError is returned when the bulk load statement fails.
type LoadError struct {
	Table string
	Path  string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load of %s into table %s failed: %v", e.Path, e.Table, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
