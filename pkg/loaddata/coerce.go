package loaddata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/ruslano69/loadmulti/pkg/chunk"
)

// Value is one output field. Valid=false is SQL NULL.
type Value struct {
	S     string
	Valid bool
}

// Coerce maps one event to the ordered output fields of mapping.
// ${time} renders the event time in loc; any other key reads the record and
// truncates the text to the column width when the column is bounded.
func Coerce(mapping FieldMapping, ev chunk.Event, widths WidthTable, loc *time.Location) []Value {
	if loc == nil {
		loc = time.Local
	}

	out := make([]Value, len(mapping.Keys))
	for i, key := range mapping.Keys {
		if key == TimeKey {
			out[i] = Value{S: time.Unix(ev.Time, 0).In(loc).Format(CivilTimeLayout), Valid: true}
			continue
		}

		raw, ok := ev.Record[key]
		if !ok || raw == nil {
			continue
		}

		s := Text(raw)
		if width, bounded := widths.Width(mapping.Columns[i]); bounded {
			s = truncateRunes(s, width)
		}
		out[i] = Value{S: s, Valid: true}
	}
	return out
}

// Text renders a record value the way it is written to the batch file.
func Text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.Format(CivilTimeLayout)
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
