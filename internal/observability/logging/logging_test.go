package logging

import "testing"

func TestNew(t *testing.T) {
	for _, env := range []string{"development", "production"} {
		logger, err := New("debug", env, "test")
		if err != nil {
			t.Fatalf("New(%s) error = %v", env, err)
		}
		if !logger.Core().Enabled(-1) {
			t.Errorf("%s: debug level not enabled", env)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("chatty", "production", "test"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
