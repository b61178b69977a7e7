package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: " warning ", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		if got := parseLogLevel(tc.in); got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Parallel()

	var js bytes.Buffer
	newLoggerTo(&js, "info", "json", false).Info("relay.send.persisted", "message_id", 41)
	var rec map[string]any
	if err := json.Unmarshal(js.Bytes(), &rec); err != nil {
		t.Fatalf("json output is not JSON: %v (%q)", err, js.String())
	}
	if rec["msg"] != "relay.send.persisted" || rec["message_id"] != float64(41) {
		t.Fatalf("unexpected record %v", rec)
	}
	if _, ok := rec["source"]; !ok {
		t.Fatalf("expected source attribution")
	}

	var pretty bytes.Buffer
	l := newLoggerTo(&pretty, "warn", "pretty", false)
	l.Info("hidden")
	l.Warn("relay.reject", "code", "not_joined")
	out := pretty.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info must be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "WRN relay.reject code=not_joined") {
		t.Fatalf("unexpected pretty output %q", out)
	}
}
