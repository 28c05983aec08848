package security

import "time"

// DefaultClockSkewGracePeriod is the grace period applied to expiry checks.
// It absorbs NTP drift between hosts sharing a store; a token is treated as
// expired only once it has been past its expiry for longer than this.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks expiry with the default clock skew grace period.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks expiry with a custom grace period.
// A zero expiry time means the credential never expires.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoon reports whether the credential expires within threshold.
func IsTokenExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
