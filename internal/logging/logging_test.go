package logging

import "testing"

func TestNew_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "WARN", " error "} {
		log, err := New(level, "json")
		if err != nil {
			t.Fatalf("New(%q): %v", level, err)
		}
		log.Sync() //nolint:errcheck
	}
}

func TestNew_ConsoleFormat(t *testing.T) {
	if _, err := New("info", "console"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	if _, err := New("verbose", "json"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	if _, err := New("info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
