package loaddata

import (
	"context"
	"errors"
	"testing"
)

func TestParseWidth(t *testing.T) {
	tests := []struct {
		typ     string
		want    int
		bounded bool
	}{
		{"varchar(255)", 255, true},
		{"char(5)", 5, true},
		{"VARCHAR(32)", 32, true},
		{"varchar(64) CHARACTER SET utf8mb4", 64, true},
		{"text", 0, false},
		{"int(11)", 0, false},
		{"datetime", 0, false},
		{"varchar(99999999999999999999)", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			got, bounded := ParseWidth(tt.typ)
			if got != tt.want || bounded != tt.bounded {
				t.Errorf("ParseWidth(%q) = %d, %v; want %d, %v", tt.typ, got, bounded, tt.want, tt.bounded)
			}
		})
	}
}

func TestProbeColumnWidths(t *testing.T) {
	srv := newFakeServer()
	srv.columns["access_log"] = []Row{
		{"Field": "id", "Type": "bigint(20)"},
		{"Field": "name", "Type": "varchar(255)"},
		{"Field": "code", "Type": "char(3)"},
		{"Field": "body", "Type": "text"},
	}

	widths, err := ProbeColumnWidths(context.Background(), srv, ConnConfig{}, "access_log", []string{"name", "code", "body", "missing"})
	if err != nil {
		t.Fatalf("ProbeColumnWidths failed: %v", err)
	}

	if w, ok := widths.Width("name"); !ok || w != 255 {
		t.Errorf("Expected name width 255, got %d (%v)", w, ok)
	}
	if w, ok := widths.Width("code"); !ok || w != 3 {
		t.Errorf("Expected code width 3, got %d (%v)", w, ok)
	}
	if _, ok := widths.Width("body"); ok {
		t.Error("Expected body to have no limit")
	}
	if _, ok := widths.Width("missing"); ok {
		t.Error("Expected missing column to have no limit")
	}
	if !srv.balanced() {
		t.Errorf("Session leaked: opened=%d closed=%d", srv.opened, srv.closed)
	}
}

func TestProbeColumnWidths_QueryFailureClosesSession(t *testing.T) {
	srv := newFakeServer()
	srv.queryErr = errors.New("connection reset")

	_, err := ProbeColumnWidths(context.Background(), srv, ConnConfig{}, "access_log", []string{"name"})

	var probeErr *ProbeError
	if !errors.As(err, &probeErr) {
		t.Fatalf("Expected ProbeError, got %v", err)
	}
	if probeErr.Table != "access_log" {
		t.Errorf("Expected table access_log, got %q", probeErr.Table)
	}
	if srv.opened != 1 || srv.closed != 1 {
		t.Errorf("Expected one opened and closed session, got opened=%d closed=%d", srv.opened, srv.closed)
	}
}

func TestProbeColumnWidths_DialFailure(t *testing.T) {
	srv := newFakeServer()
	srv.dialErr = errors.New("connection refused")

	_, err := ProbeColumnWidths(context.Background(), srv, ConnConfig{}, "access_log", []string{"name"})

	var probeErr *ProbeError
	if !errors.As(err, &probeErr) {
		t.Fatalf("Expected ProbeError, got %v", err)
	}
	if !errors.Is(err, srv.dialErr) {
		t.Errorf("Expected wrapped dial error, got %v", err)
	}
}
