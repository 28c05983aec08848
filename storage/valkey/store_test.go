package valkey

import (
	"testing"
	"time"
)

func TestNewRequiresAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing address")
	}
}

func TestKeyHelpers(t *testing.T) {
	s := &Store{prefix: "authkit:"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"client", s.clientKey("abc"), "authkit:client:abc"},
		{"client IP", s.clientIPKey("192.0.2.1"), "authkit:client:ip:192.0.2.1"},
		{"code", s.codeKey("xyz"), "authkit:code:xyz"},
		{"access token", s.accessTokenKey("hash1"), "authkit:at:hash1"},
		{"refresh token", s.refreshTokenKey("hash2"), "authkit:rt:hash2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestCalculateTTL(t *testing.T) {
	if ttl := calculateTTL(time.Now().Add(time.Hour)); ttl <= 59*time.Minute {
		t.Errorf("expected roughly one hour, got %v", ttl)
	}
	if ttl := calculateTTL(time.Now().Add(-time.Minute)); ttl != 0 {
		t.Errorf("expected 0 for past expiry, got %v", ttl)
	}
}

func TestSafeTruncate(t *testing.T) {
	if got := safeTruncate("abcdefghij", 8); got != "abcdefgh" {
		t.Errorf("got %q", got)
	}
	if got := safeTruncate("abc", 8); got != "abc" {
		t.Errorf("got %q", got)
	}
}
