package util

import (
	"testing"

	"github.com/pterm/pterm"
)

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}
	for _, tc := range testCases {
		if got := formatBytes(tc.in); got != tc.want {
			t.Errorf("formatBytes(%v): got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatStats(t *testing.T) {
	got := formatStats(1536, 0, 2, 1, 3, 4)
	want := "In:  1.5 KiB/s | Out:  0.0   B/s | Peers:  2↑  1↓ | Resends: 3 | Duplicates: 4"
	if got != want {
		t.Errorf("formatStats: got %q, want %q", got, want)
	}
}

func TestSetLogLevel(t *testing.T) {
	prev := pterm.DefaultLogger.Level
	defer func() { pterm.DefaultLogger.Level = prev }()

	if err := SetLogLevel(" Debug "); err != nil {
		t.Fatalf("SetLogLevel failed: %v", err)
	}
	if pterm.DefaultLogger.Level != pterm.LogLevelDebug {
		t.Errorf("level: got %v, want debug", pterm.DefaultLogger.Level)
	}
	if err := SetLogLevel("loud"); err == nil {
		t.Error("unknown level accepted")
	}
	if pterm.DefaultLogger.Level != pterm.LogLevelDebug {
		t.Error("unknown level changed the logger")
	}
}
