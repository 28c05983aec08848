package security

import (
	"testing"
	"time"
)

func TestIsTokenExpired(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"future expiry", now.Add(time.Hour), false},
		{"just expired, within grace", now.Add(-time.Second), false},
		{"expired beyond grace", now.Add(-DefaultClockSkewGracePeriod - time.Second), true},
		{"zero time never expires", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpired(tt.expiresAt); got != tt.want {
				t.Errorf("IsTokenExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTokenExpiredWithGracePeriod(t *testing.T) {
	now := time.Now()

	if IsTokenExpiredWithGracePeriod(now.Add(-time.Second), time.Minute) {
		t.Error("token within a one minute grace period should not be expired")
	}
	if !IsTokenExpiredWithGracePeriod(now.Add(-time.Second), 0) {
		t.Error("token past expiry with zero grace should be expired")
	}
}

func TestIsTokenExpiringSoon(t *testing.T) {
	now := time.Now()

	if !IsTokenExpiringSoon(now.Add(time.Minute), time.Hour) {
		t.Error("token expiring within the threshold should report soon")
	}
	if IsTokenExpiringSoon(now.Add(time.Hour), time.Minute) {
		t.Error("token expiring after the threshold should not report soon")
	}
	if IsTokenExpiringSoon(time.Time{}, time.Hour) {
		t.Error("zero expiry never reports soon")
	}
}
