package ws

import (
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"no origin header", []string{"https://app.example.com"}, "", true},
		{"allowed", []string{"https://app.example.com"}, "https://app.example.com", true},
		{"case insensitive", []string{"https://app.example.com"}, "HTTPS://APP.EXAMPLE.COM", true},
		{"not allowed", []string{"https://app.example.com"}, "https://evil.example.com", false},
		{"suffix trick", []string{"https://app.example.com"}, "https://app.example.com.evil.io", false},
		{"default", nil, DefaultOrigin, true},
		{"default rejects others", nil, "https://app.example.com", false},
		{"wildcard", []string{"*"}, "https://anything.io", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := NewOriginChecker(tt.origins).Check(r); got != tt.want {
				t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestParseOrigins(t *testing.T) {
	got := ParseOrigins(" https://a.io, ,https://b.io ")
	if diff := cmp.Diff([]string{"https://a.io", "https://b.io"}, got); diff != "" {
		t.Errorf("ParseOrigins mismatch (-want +got):\n%s", diff)
	}
	if got := ParseOrigins(""); len(got) != 0 {
		t.Errorf("expected no origins, got %v", got)
	}
}
