package pkce

import (
	"errors"
	"strings"
	"testing"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func TestValidateChallenge(t *testing.T) {
	tests := []struct {
		name      string
		challenge string
		method    string
		wantErr   bool
	}{
		{
			name:      "valid S256 challenge",
			challenge: ChallengeS256(testVerifier),
			method:    MethodS256,
		},
		{
			name:      "valid plain challenge",
			challenge: testVerifier,
			method:    MethodPlain,
		},
		{
			name:      "empty challenge",
			challenge: "",
			method:    MethodS256,
			wantErr:   true,
		},
		{
			name:      "S256 challenge too short",
			challenge: "short",
			method:    MethodS256,
			wantErr:   true,
		},
		{
			name:      "S256 challenge with invalid base64url",
			challenge: strings.Repeat("!", 43),
			method:    MethodS256,
			wantErr:   true,
		},
		{
			name:      "plain challenge too short",
			challenge: "short",
			method:    MethodPlain,
			wantErr:   true,
		},
		{
			name:      "unsupported method",
			challenge: ChallengeS256(testVerifier),
			method:    "S512",
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChallenge(tt.challenge, tt.method)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChallenge() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	challenge := ChallengeS256(testVerifier)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   error
	}{
		{
			name:      "S256 match",
			challenge: challenge,
			method:    MethodS256,
			verifier:  testVerifier,
		},
		{
			name:      "plain match",
			challenge: testVerifier,
			method:    MethodPlain,
			verifier:  testVerifier,
		},
		{
			name:      "S256 mismatch",
			challenge: challenge,
			method:    MethodS256,
			verifier:  "aaaftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk",
			wantErr:   ErrVerificationFailed,
		},
		{
			name:      "plain mismatch",
			challenge: testVerifier,
			method:    MethodPlain,
			verifier:  "aaaftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk",
			wantErr:   ErrVerificationFailed,
		},
		{
			name:      "missing verifier",
			challenge: challenge,
			method:    MethodS256,
			verifier:  "",
			wantErr:   ErrVerifierRequired,
		},
		{
			name:      "verifier presented as raw challenge against S256",
			challenge: challenge,
			method:    MethodS256,
			verifier:  challenge,
			wantErr:   ErrVerificationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.challenge, tt.method, tt.verifier)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Verify() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyVerifierFormat(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		wantErr  bool
	}{
		{"minimum length", strings.Repeat("a", MinVerifierLength), false},
		{"maximum length", strings.Repeat("a", MaxVerifierLength), false},
		{"below minimum", strings.Repeat("a", MinVerifierLength-1), true},
		{"above maximum", strings.Repeat("a", MaxVerifierLength+1), true},
		{"unreserved punctuation", strings.Repeat("a", 40) + "-._~", false},
		{"invalid character", strings.Repeat("a", 42) + "!", true},
		{"space", strings.Repeat("a", 42) + " ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.verifier, MethodPlain, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChallengeS256(t *testing.T) {
	// Appendix B of RFC 7636.
	got := ChallengeS256(testVerifier)
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got != want {
		t.Errorf("ChallengeS256() = %q, want %q", got, want)
	}
}
