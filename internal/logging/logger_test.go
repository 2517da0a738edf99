package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerLevelGate(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelInfo, Output: &buf})

	l.Debugf("should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected debug message to be gated out, got: %s", buf.String())
	}

	l.Infof("hello %s", "world")
	if !strings.Contains(buf.String(), "hello world") {
		t.Errorf("expected info message in output, got: %s", buf.String())
	}
}

func TestLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	comp := l.WithComponent("ctrl")

	comp.Errorf("reset timed out")
	if !strings.Contains(buf.String(), "[ctrl]") {
		t.Errorf("expected component prefix in output, got: %s", buf.String())
	}
}

func TestDefaultLoggerSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() should return the same logger instance")
	}
}

func TestSetDefault(t *testing.T) {
	var buf bytes.Buffer
	custom := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	SetDefault(custom)
	defer SetDefault(NewLogger(nil))

	if Default() != custom {
		t.Error("SetDefault should replace the process-wide default logger")
	}
}
