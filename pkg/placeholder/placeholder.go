// Package placeholder expands destination name templates from chunk metadata.
//
// Supported tokens:
//
//	${tag}            full tag
//	${tag[N]}         N-th dot-separated tag part, negative N counts from the end
//	${tag_parts[N]}   alias of ${tag[N]}
//	${name}           chunk-key variable
//	%Y %m %d %H %M %S %y %j %%   time of the chunk time key
//
// Tokens that cannot be resolved are left in place verbatim.
package placeholder

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ruslano69/loadmulti/pkg/chunk"
)

var (
	tokenRe    = regexp.MustCompile(`\$\{([^}\[\]]+)(?:\[(-?\d+)\])?\}`)
	strftimeRe = regexp.MustCompile(`%[YmdHMSyj%]`)
)

// Expand substitutes placeholders in template. loc is the civil-time
// location used for the time tokens; nil means time.Local.
func Expand(template string, meta chunk.Metadata, loc *time.Location) string {
	out := tokenRe.ReplaceAllStringFunc(template, func(tok string) string {
		m := tokenRe.FindStringSubmatch(tok)
		name, index := m[1], m[2]

		if name == "tag" || name == "tag_parts" {
			if index == "" {
				if name == "tag" {
					return meta.Tag
				}
				return tok
			}
			n, err := strconv.Atoi(index)
			if err != nil {
				return tok
			}
			if part, ok := tagPart(meta.Tag, n); ok {
				return part
			}
			return tok
		}

		if index != "" {
			return tok
		}
		if v, ok := meta.Variables[name]; ok {
			return v
		}
		return tok
	})

	if meta.Timekey == 0 {
		return out
	}
	if loc == nil {
		loc = time.Local
	}
	t := time.Unix(meta.Timekey, 0).In(loc)
	return strftimeRe.ReplaceAllStringFunc(out, func(tok string) string {
		return strftime(tok[1], t)
	})
}

// ExpandIdentifier expands template and replaces every '.' with '_' so the
// result cannot be misread as a qualified schema.table name.
func ExpandIdentifier(template string, meta chunk.Metadata, loc *time.Location) string {
	return strings.ReplaceAll(Expand(template, meta, loc), ".", "_")
}

// HasPlaceholders reports whether template contains any expandable token.
func HasPlaceholders(template string) bool {
	return tokenRe.MatchString(template) || strftimeRe.MatchString(strings.ReplaceAll(template, "%%", ""))
}

func tagPart(tag string, n int) (string, bool) {
	parts := strings.Split(tag, ".")
	if n < 0 {
		n += len(parts)
	}
	if n < 0 || n >= len(parts) {
		return "", false
	}
	return parts[n], true
}

func strftime(verb byte, t time.Time) string {
	switch verb {
	case 'Y':
		return strconv.Itoa(t.Year())
	case 'm':
		return pad2(int(t.Month()))
	case 'd':
		return pad2(t.Day())
	case 'H':
		return pad2(t.Hour())
	case 'M':
		return pad2(t.Minute())
	case 'S':
		return pad2(t.Second())
	case 'y':
		return pad2(t.Year() % 100)
	case 'j':
		return t.Format("002")
	default:
		return "%"
	}
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
