package logx

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := FromZerolog(zerolog.New(&buf)).With(String("comp", "keyed"))
	l.Warn("task.failed", String("key", "A"), Int("attempt", 1))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "keyed" || m["key"] != "A" {
		t.Fatalf("missing fields in %v", m)
	}
	if m["message"] != "task.failed" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("must not panic")
}

func TestEnabled(t *testing.T) {
	t.Parallel()
	l := FromZerolog(zerolog.New(&bytes.Buffer{}).Level(zerolog.InfoLevel)).With(String("comp", "x"))
	if l.Enabled(LevelDebug) {
		t.Fatal("debug enabled on an info logger")
	}
	if !l.Enabled(LevelWarn) {
		t.Fatal("warn disabled on an info logger")
	}
	if Nop().Enabled(LevelError) {
		t.Fatal("nop logger reports error enabled")
	}
}

func TestThrottleCountsSuppressed(t *testing.T) {
	t.Parallel()
	th := NewThrottle(time.Hour, 1)
	if ok, _ := th.Allow(); !ok {
		t.Fatal("first call should pass")
	}
	for i := 0; i < 3; i++ {
		if ok, _ := th.Allow(); ok {
			t.Fatal("throttled call passed")
		}
	}
	if got := th.suppressed.Load(); got != 3 {
		t.Fatalf("suppressed = %d, want 3", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
