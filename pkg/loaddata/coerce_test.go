package loaddata

import (
	"encoding/json"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ruslano69/loadmulti/pkg/chunk"
)

func TestCoerce(t *testing.T) {
	mapping := FieldMapping{
		Keys:    []string{"username", TimeKey, "note", "missing", "count"},
		Columns: []string{"name", "created_at", "note", "extra", "cnt"},
	}
	widths := WidthTable{"name": 5, "note": 4, "extra": 10}
	ev := chunk.Event{
		Tag:  "app",
		Time: 1700000000,
		Record: map[string]any{
			"username": "alice-with-a-very-long-name",
			"note":     "héllo wörld",
			"count":    json.Number("42"),
		},
	}

	got := Coerce(mapping, ev, widths, time.UTC)

	want := []Value{
		{S: "alice", Valid: true},
		{S: "2023-11-14 22:13:20", Valid: true},
		{S: "héll", Valid: true},
		{},
		{S: "42", Valid: true},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d values, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Field %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestCoerce_TruncatesToExactWidth(t *testing.T) {
	mapping := FieldMapping{Keys: []string{"v"}, Columns: []string{"c"}}
	for width := 0; width < 8; width++ {
		ev := chunk.Event{Record: map[string]any{"v": "日本語テキストです"}}
		got := Coerce(mapping, ev, WidthTable{"c": width}, time.UTC)
		if n := utf8.RuneCountInString(got[0].S); n != width {
			t.Errorf("Width %d: got %d characters (%q)", width, n, got[0].S)
		}
	}
}

func TestCoerce_NullIgnoresWidth(t *testing.T) {
	mapping := FieldMapping{Keys: []string{"v"}, Columns: []string{"c"}}
	ev := chunk.Event{Record: map[string]any{"v": nil}}

	got := Coerce(mapping, ev, WidthTable{"c": 3}, time.UTC)
	if got[0].Valid {
		t.Errorf("Expected null, got %+v", got[0])
	}
}

func TestCoerce_TimeIgnoresRecord(t *testing.T) {
	mapping := FieldMapping{Keys: []string{TimeKey}, Columns: []string{"at"}}
	a := Coerce(mapping, chunk.Event{Time: 0, Record: map[string]any{"${time}": "x"}}, nil, time.UTC)
	b := Coerce(mapping, chunk.Event{Time: 0}, WidthTable{"at": 2}, time.UTC)

	if a[0] != b[0] || a[0].S != "1970-01-01 00:00:00" {
		t.Errorf("Expected fixed civil time, got %q and %q", a[0].S, b[0].S)
	}
}

func TestText(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"plain", "plain"},
		{[]byte("bytes"), "bytes"},
		{json.Number("12345678901234567890"), "12345678901234567890"},
		{true, "true"},
		{42, "42"},
		{int64(-7), "-7"},
		{uint8(255), "255"},
		{1.5, "1.5"},
		{float64(1e21), "1000000000000000000000"},
		{time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "2024-01-02 03:04:05"},
		{map[string]any{"a": "b"}, `{"a":"b"}`},
		{[]any{"a", json.Number("1")}, `["a",1]`},
	}

	for _, tt := range tests {
		if got := Text(tt.in); got != tt.want {
			t.Errorf("Text(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
