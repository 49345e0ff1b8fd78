package idempotency

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	a := GenerateKey("notification-dispatcher", "evt-1")
	b := GenerateKey("notification-dispatcher", "evt-1")
	if a != b {
		t.Fatal("same handler and event must produce the same key")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
	if a == GenerateKey("audit", "evt-1") {
		t.Error("different handlers must produce different keys")
	}
	if a == GenerateKey("notification-dispatcher", "evt-2") {
		t.Error("different events must produce different keys")
	}
}

func TestNewInboxDefaults(t *testing.T) {
	i := NewInbox(nil, Config{}, nil)
	if i.config.TTL != 7*24*time.Hour {
		t.Errorf("TTL = %s", i.config.TTL)
	}
	if i.config.RecoveryTimeout != 5*time.Minute {
		t.Errorf("RecoveryTimeout = %s", i.config.RecoveryTimeout)
	}
	if i.config.IsTerminal(errors.New("boom")) {
		t.Error("default classifier must treat errors as recoverable")
	}
}

func TestErrorResult(t *testing.T) {
	got := string(errorResult(errors.New("smtp down")))
	if got != `{"error":"smtp down"}` {
		t.Errorf("errorResult = %s", got)
	}
}
