// Package chunk holds the event and chunk model shared by the buffer, the
// sources and the LOAD DATA writer.
//
// A chunk is an ordered, replayable batch of events that share the same
// metadata (tag, time bucket, chunk-key variables). The writer consumes it
// once per flush attempt; a failed attempt replays the same chunk again.
package chunk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Event is one buffered log record.
type Event struct {
	Tag    string         `json:"tag"`
	Time   int64          `json:"time"` // seconds since epoch
	Record map[string]any `json:"record"`
}

// EncodeEvent serializes an event as a single JSON document (no trailing newline).
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses a JSON event message.
//
// Two shapes are accepted:
//
//	{"tag":"app.access","time":1700000000,"record":{"user":"alice"}}
//	{"user":"alice"}   (bare record; tag and time come from the defaults)
//
// Numbers inside the record are kept as json.Number so integers keep their
// exact textual form on the way to the batch file.
func DecodeEvent(data []byte, defaultTag string, now time.Time) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}

	rec, hasRecord := raw["record"].(map[string]any)
	if !hasRecord {
		return Event{Tag: defaultTag, Time: now.Unix(), Record: raw}, nil
	}

	ev := Event{Tag: defaultTag, Time: now.Unix(), Record: rec}
	if tag, ok := raw["tag"].(string); ok && tag != "" {
		ev.Tag = tag
	}
	if t, ok := raw["time"]; ok && t != nil {
		sec, err := eventSeconds(t)
		if err != nil {
			return Event{}, err
		}
		ev.Time = sec
	}
	return ev, nil
}

// eventSeconds accepts integer/float epoch seconds or an RFC3339 string.
func eventSeconds(v any) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid event time %q: %w", t.String(), err)
		}
		return int64(f), nil
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return 0, fmt.Errorf("invalid event time %q: %w", t, err)
		}
		return parsed.Unix(), nil
	default:
		return 0, fmt.Errorf("invalid event time type %T", v)
	}
}

// Injector copies the tag and/or the event time into the record before it
// is buffered. Empty keys disable the corresponding injection.
type Injector struct {
	TagKey     string
	TimeKey    string
	TimeLayout string // defaults to time.RFC3339
	Location   *time.Location
}

// Enabled reports whether the injector changes anything.
func (in Injector) Enabled() bool {
	return in.TagKey != "" || in.TimeKey != ""
}

// Apply returns a copy of ev with the configured keys injected.
// The original record is never mutated.
func (in Injector) Apply(ev Event) Event {
	if !in.Enabled() {
		return ev
	}

	rec := make(map[string]any, len(ev.Record)+2)
	for k, v := range ev.Record {
		rec[k] = v
	}
	if in.TagKey != "" {
		rec[in.TagKey] = ev.Tag
	}
	if in.TimeKey != "" {
		layout := in.TimeLayout
		if layout == "" {
			layout = time.RFC3339
		}
		loc := in.Location
		if loc == nil {
			loc = time.Local
		}
		rec[in.TimeKey] = time.Unix(ev.Time, 0).In(loc).Format(layout)
	}

	ev.Record = rec
	return ev
}
