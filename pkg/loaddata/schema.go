package loaddata

import (
	"context"
	"regexp"
	"strconv"
)

var widthRe = regexp.MustCompile(`(?i)(char|varchar)\((\d+)\)`)

// WidthTable maps destination columns to their maximum character width.
// A missing column has no limit.
type WidthTable map[string]int

// Width returns the width of col and whether it is bounded.
func (w WidthTable) Width(col string) (int, bool) {
	n, ok := w[col]
	return n, ok
}

// ParseWidth extracts N from a char(N) or varchar(N) column type.
func ParseWidth(typ string) (int, bool) {
	m := widthRe.FindStringSubmatch(typ)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ProbeColumnWidths reads the column description of table and returns the
// width of every bounded column in columns. Unknown columns and unbounded
// types are simply absent from the table.
func ProbeColumnWidths(ctx context.Context, d Dialer, conn ConnConfig, table string, columns []string) (WidthTable, error) {
	sess, err := d.Dial(ctx, conn)
	if err != nil {
		return nil, &ProbeError{Table: table, Err: err}
	}
	defer sess.Close()

	rows, err := sess.Query(ctx, "SHOW COLUMNS FROM "+QuoteIdentifier(table))
	if err != nil {
		return nil, &ProbeError{Table: table, Err: err}
	}

	types := make(map[string]string, len(rows))
	for _, r := range rows {
		if _, seen := types[r["Field"]]; !seen {
			types[r["Field"]] = r["Type"]
		}
	}

	widths := make(WidthTable, len(columns))
	for _, col := range columns {
		typ, ok := types[col]
		if !ok {
			continue
		}
		if n, bounded := ParseWidth(typ); bounded {
			widths[col] = n
		}
	}
	return widths, nil
}
