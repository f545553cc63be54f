package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetupProductionWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithWriter("production", "", &buf)

	logger.Debug().Msg("hidden")
	logger.Info().Str("component", "cast").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if entry["component"] != "cast" || entry["message"] != "visible" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestSetupLevels(t *testing.T) {
	tests := []struct {
		env   string
		level string
		want  zerolog.Level
	}{
		{"production", "", zerolog.InfoLevel},
		{"development", "", zerolog.DebugLevel},
		{"production", "warn", zerolog.WarnLevel},
		{"development", "ERROR", zerolog.ErrorLevel},
		{"production", "chatty", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		if got := SetupWithWriter(tt.env, tt.level, &buf).GetLevel(); got != tt.want {
			t.Fatalf("SetupWithWriter(%q, %q) level = %s, want %s", tt.env, tt.level, got, tt.want)
		}
	}
}

func TestSetupDevelopmentIsReadable(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithWriter("development", "debug", &buf)
	logger.Info().Msg("hello")

	if strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("development output is JSON: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("output %q missing message", buf.String())
	}
}
