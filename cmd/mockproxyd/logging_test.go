package main

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			if got := parseLevel(tc.in); got != tc.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestNewLogHandlerPicksFormat(t *testing.T) {
	if _, ok := newLogHandler("info", "json").(*slog.JSONHandler); !ok {
		t.Error("expected a JSON handler for format \"json\"")
	}
	if _, ok := newLogHandler("info", "JSON").(*slog.JSONHandler); !ok {
		t.Error("expected case-insensitive format matching")
	}
	if _, ok := newLogHandler("info", "text").(*slog.TextHandler); !ok {
		t.Error("expected a text handler for format \"text\"")
	}
	if _, ok := newLogHandler("info", "").(*slog.TextHandler); !ok {
		t.Error("expected text handler as the default format")
	}
}
