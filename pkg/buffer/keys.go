package buffer

import (
	"fmt"
	"time"

	"github.com/ruslano69/loadmulti/pkg/chunk"
)

// keyer derives chunk metadata from an event.
type keyer struct {
	tag     bool
	timekey int64
	vars    []string
	loc     *time.Location
}

func newKeyer(keys []string, timekey time.Duration, loc *time.Location) keyer {
	k := keyer{loc: loc}
	for _, key := range keys {
		switch key {
		case "tag":
			k.tag = true
		case "time":
			k.timekey = int64(timekey / time.Second)
		default:
			k.vars = append(k.vars, key)
		}
	}
	if k.loc == nil {
		k.loc = time.Local
	}
	return k
}

func (k keyer) metadata(ev chunk.Event) chunk.Metadata {
	var meta chunk.Metadata
	if k.tag {
		meta.Tag = ev.Tag
	}
	if k.timekey > 0 {
		meta.Timekey = alignTimekey(ev.Time, k.timekey, k.loc)
	}
	if len(k.vars) > 0 {
		meta.Variables = make(map[string]string, len(k.vars))
		for _, name := range k.vars {
			if v, ok := ev.Record[name]; ok && v != nil {
				meta.Variables[name] = fmt.Sprint(v)
			} else {
				meta.Variables[name] = ""
			}
		}
	}
	return meta
}

// alignTimekey floors t to a multiple of timekey seconds in the civil time
// of loc, so daily keys start at local midnight.
func alignTimekey(t, timekey int64, loc *time.Location) int64 {
	_, offset := time.Unix(t, 0).In(loc).Zone()
	local := t + int64(offset)
	floored := local - mod(local, timekey)
	return floored - int64(offset)
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
