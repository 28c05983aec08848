package storage

import "testing"

func TestHashToken(t *testing.T) {
	a := HashToken("some-opaque-token")
	b := HashToken("some-opaque-token")
	c := HashToken("another-token")

	if a != b {
		t.Error("hashing must be deterministic")
	}
	if a == c {
		t.Error("different tokens must hash differently")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex characters, got %d", len(a))
	}
	if a == "some-opaque-token" {
		t.Error("hash must not be the raw token")
	}
}
