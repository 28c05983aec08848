// Package pkce implements Proof Key for Code Exchange (RFC 7636) challenge
// creation and verification.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// Challenge methods.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// Verifier length bounds from RFC 7636 Section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

var (
	// ErrVerifierRequired is returned when a code carries a challenge but no
	// verifier was presented.
	ErrVerifierRequired = errors.New("code_verifier is required")

	// ErrVerificationFailed is returned when the verifier does not match the
	// challenge. The message carries no detail about which part failed.
	ErrVerificationFailed = errors.New("code verifier does not match challenge")
)

// ValidateChallenge checks the challenge format at issuance time so malformed
// challenges are rejected before a code is bound to them.
func ValidateChallenge(challenge, method string) error {
	if challenge == "" {
		return errors.New("code_challenge cannot be empty")
	}

	switch method {
	case MethodS256:
		// S256 challenges are base64url-no-pad SHA-256 digests: 43 chars.
		if len(challenge) != 43 {
			return fmt.Errorf("S256 code_challenge must be 43 characters, got %d", len(challenge))
		}
		if _, err := base64.RawURLEncoding.DecodeString(challenge); err != nil {
			return errors.New("S256 code_challenge is not valid base64url")
		}
	case MethodPlain:
		if err := validateVerifierFormat(challenge); err != nil {
			return fmt.Errorf("plain code_challenge invalid: %w", err)
		}
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}

	return nil
}

// Verify checks a code verifier against the challenge bound at issuance.
// Comparisons are constant time.
func Verify(challenge, method, verifier string) error {
	if verifier == "" {
		return ErrVerifierRequired
	}
	if err := validateVerifierFormat(verifier); err != nil {
		return err
	}

	var computed string
	switch method {
	case MethodS256:
		computed = ChallengeS256(verifier)
	case MethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrVerificationFailed
	}

	return nil
}

// ChallengeS256 derives the S256 challenge for a verifier:
// base64url-no-pad(SHA-256(verifier)).
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// validateVerifierFormat enforces RFC 7636 Section 4.1: 43-128 characters
// from the unreserved URI set [A-Za-z0-9-._~].
func validateVerifierFormat(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier length must be %d-%d characters, got %d",
			MinVerifierLength, MaxVerifierLength, len(verifier))
	}

	for _, c := range verifier {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return fmt.Errorf("code_verifier contains invalid character %q", c)
		}
	}

	return nil
}
