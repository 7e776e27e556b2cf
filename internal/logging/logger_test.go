package logging

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestWriterLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := &writerLogger{mu: &mu, out: &buf, level: LevelWarn, component: "Test"}

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("below-threshold messages were written: %q", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("expected warn and error messages, got: %q", out)
	}
	if !strings.Contains(out, "[Test]") {
		t.Errorf("expected component tag in output, got: %q", out)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) should return a usable logger")
	}
	var typed *writerLogger
	OrNop(typed).Info("must not panic")
}

func TestMultiFlattens(t *testing.T) {
	var a, b bytes.Buffer
	var mu sync.Mutex
	la := &writerLogger{mu: &mu, out: &a, level: LevelDebug, component: "A"}
	lb := &writerLogger{mu: &mu, out: &b, level: LevelDebug, component: "B"}

	Multi(Multi(la), nil, lb).Info("fan out")

	if !strings.Contains(a.String(), "fan out") {
		t.Error("first logger did not receive message")
	}
	if !strings.Contains(b.String(), "fan out") {
		t.Error("second logger did not receive message")
	}
}
