package placeholder

import (
	"testing"
	"time"

	"github.com/ruslano69/loadmulti/pkg/chunk"
)

func TestExpand(t *testing.T) {
	// 2024-01-01 12:34:56 UTC
	meta := chunk.Metadata{
		Tag:       "app.access.web",
		Timekey:   1704112496,
		Variables: map[string]string{"host": "web1"},
	}

	tests := []struct {
		template string
		want     string
	}{
		{"logs", "logs"},
		{"${tag}", "app.access.web"},
		{"${tag[0]}", "app"},
		{"${tag[-1]}", "web"},
		{"${tag_parts[1]}", "access"},
		{"${tag[9]}", "${tag[9]}"},
		{"${host}_log", "web1_log"},
		{"${unknown}", "${unknown}"},
		{"logs_%Y%m%d", "logs_20240101"},
		{"t_%H%M%S_%y_%j", "t_123456_24_001"},
		{"100%%", "100%"},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			got := Expand(tt.template, meta, time.UTC)
			if got != tt.want {
				t.Errorf("Expand(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestExpand_NoTimekeyLeavesTimeTokens(t *testing.T) {
	got := Expand("logs_%Y", chunk.Metadata{Tag: "app"}, time.UTC)
	if got != "logs_%Y" {
		t.Errorf("Expected time tokens untouched, got %q", got)
	}
}

func TestExpandIdentifier_ReplacesDots(t *testing.T) {
	meta := chunk.Metadata{Tag: "logs", Timekey: 1704067200}

	got := ExpandIdentifier("${tag}.%Y-%m-%d", meta, time.UTC)
	if got != "logs_2024-01-01" {
		t.Errorf("Expected logs_2024-01-01, got %q", got)
	}

	got = ExpandIdentifier("${tag}", chunk.Metadata{Tag: "a.b.c"}, time.UTC)
	if got != "a_b_c" {
		t.Errorf("Expected a_b_c, got %q", got)
	}
}

func TestHasPlaceholders(t *testing.T) {
	tests := map[string]bool{
		"access_log":     false,
		"access_${tag}":  true,
		"access_%Y%m":    true,
		"rate_100%%":     false,
		"${tag[-1]}_log": true,
	}
	for template, want := range tests {
		if got := HasPlaceholders(template); got != want {
			t.Errorf("HasPlaceholders(%q) = %v, want %v", template, got, want)
		}
	}
}
