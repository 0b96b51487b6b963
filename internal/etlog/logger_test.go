package etlog

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("loud", "json"); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New("debug", "console"); err != nil {
		t.Errorf("New: %v", err)
	}
}

func TestSourceHelpersTagEntries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	LogResponse(log, "census", 200, 150*time.Millisecond, 1200)
	LogError(log, "svi", "download", errors.New("status 503"))
	LogUpsert(log, "places", "27", 1338, time.Second)

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"census", "svi", "places"} {
		if got := entries[i].ContextMap()["source"]; got != want {
			t.Errorf("entry %d: expected source %s, got %v", i, want, got)
		}
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Errorf("expected error level, got %s", entries[1].Level)
	}
}
