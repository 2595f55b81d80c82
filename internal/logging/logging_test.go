package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug")
	l.Info("hello", "key", "value")

	out := buf.String()
	if !strings.Contains(out, `"key":"value"`) {
		t.Errorf("expected key/value pair in log output, got %q", out)
	}
	if !strings.Contains(out, l.RunID()) {
		t.Errorf("expected run_id %q in log output, got %q", l.RunID(), out)
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn")
	l.Debug("should not appear")
	l.Info("should not appear either")
	l.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("expected debug/info to be filtered at warn level, got %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("expected warn line to appear, got %q", out)
	}
}

func TestRaiseLevelStepsUpTheLadder(t *testing.T) {
	if got := RaiseLevel("info", 1); got != "warn" {
		t.Errorf("RaiseLevel(info, 1) = %q, want warn", got)
	}
	if got := RaiseLevel("info", 2); got != "error" {
		t.Errorf("RaiseLevel(info, 2) = %q, want error", got)
	}
	if got := RaiseLevel("info", 0); got != "info" {
		t.Errorf("RaiseLevel(info, 0) = %q, want info", got)
	}
}

func TestRaiseLevelClampsAtDisabled(t *testing.T) {
	if got := RaiseLevel("error", 10); got != "disabled" {
		t.Errorf("RaiseLevel(error, 10) = %q, want disabled", got)
	}
}

func TestLoggerHadErrorTracksErrorEvents(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug")
	if l.HadError() {
		t.Fatal("expected HadError to be false before any Error call")
	}
	l.Error("something broke")
	if !l.HadError() {
		t.Fatal("expected HadError to be true after an Error call")
	}
}
