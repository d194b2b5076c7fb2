package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"shopledger/backend/internal/config"
)

func TestNewHonorsLevel(t *testing.T) {
	l, err := New(config.LoggerConfig{Level: "warn", Encoding: "json"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info to be disabled at warn level")
	}
	if !l.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("expected error to be enabled at warn level")
	}
}

func TestNewFallsBackOnBadLevel(t *testing.T) {
	l, err := New(config.LoggerConfig{Level: "chatty", Encoding: "yaml", Development: true})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if !l.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info level fallback")
	}
	if l.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug to be disabled on fallback")
	}
}
