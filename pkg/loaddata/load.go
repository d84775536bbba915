package loaddata

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Loader executes LOAD DATA LOCAL INFILE for a batch file.
type Loader struct {
	Dialer Dialer
}

// Load opens a fresh session, applies the isolation level when one is set and
// loads the artifact into columns of table. It returns the rows affected
// reported by the server.
func (l Loader) Load(ctx context.Context, conn ConnConfig, table string, a *Artifact, columns []string, level IsolationLevel) (int64, error) {
	sess, err := l.Dialer.Dial(ctx, conn)
	if err != nil {
		return 0, &LoadError{Table: table, Path: a.Path, Err: err}
	}
	defer sess.Close()

	if level != IsolationNone {
		if _, err := sess.Exec(ctx, "SET SESSION TRANSACTION ISOLATION LEVEL "+level.SQL()); err != nil {
			return 0, &LoadError{Table: table, Path: a.Path, Err: fmt.Errorf("failed to set isolation level: %w", err)}
		}
	}

	release := sess.RegisterLocalFile(a.Path)
	defer release()

	affected, err := sess.Exec(ctx, LoadStatement(a.Path, table, columns))
	if err != nil {
		return 0, &LoadError{Table: table, Path: a.Path, Err: err}
	}
	return affected, nil
}

// LoadStatement builds the bulk load statement. table and the column names
// are emitted verbatim; callers quote resolved names with QuoteIdentifier.
func LoadStatement(path, table string, columns []string) string {
	return fmt.Sprintf("LOAD DATA LOCAL INFILE '%s' INTO TABLE %s (%s)",
		quoteString(path), table, strings.Join(columns, ","))
}

var stringQuoter = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func quoteString(s string) string {
	return stringQuoter.Replace(s)
}

// ErrInvalidIdentifier is returned for a resolved database or table name that
// cannot be used as a MySQL identifier.
var ErrInvalidIdentifier = errors.New("invalid identifier")

var identifierRe = regexp.MustCompile(`^[0-9A-Za-z_$-]{1,64}$`)

// CheckIdentifier rejects names outside [0-9A-Za-z_$-] and longer than 64
// characters.
func CheckIdentifier(name string) error {
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

var identifierQuoter = strings.NewReplacer("`", "``")

// QuoteIdentifier wraps name in backticks.
func QuoteIdentifier(name string) string {
	return "`" + identifierQuoter.Replace(name) + "`"
}
