// Package security provides security support for the authorization server:
// audit logging with PII protection, per-identifier rate limiting, and
// clock-skew-tolerant expiry checks.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit event types.
const (
	EventCodeIssued                 = "code_issued"
	EventCodeExchanged              = "code_exchanged"
	EventCodeReuseDetected          = "code_reuse_detected"
	EventTokenRefreshed             = "token_refreshed"
	EventTokenReuseDetected         = "token_reuse_detected"
	EventTokenRevoked               = "token_revoked"
	EventTokenIntrospected          = "token_introspected"
	EventAuthFailure                = "auth_failure"
	EventClientRegistered           = "client_registered"
	EventClientRegistrationRejected = "client_registration_rejected"
	EventRateLimitExceeded          = "rate_limit_exceeded"
)

// Auditor logs security events. User identifiers are hashed before logging so
// audit trails do not accumulate PII. A nil Auditor is safe to call.
type Auditor struct {
	logger      *slog.Logger
	enabled     bool
	recordEvent func(eventType string)
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event is a single security audit record.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// SetEventRecorder installs a callback invoked once per emitted audit event,
// used to feed audit counters. A nil recorder disables it.
func (a *Auditor) SetEventRecorder(record func(eventType string)) {
	if a == nil {
		return
	}
	a.recordEvent = record
}

// LogEvent logs a security event with hashed user identifiers.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	if a.recordEvent != nil {
		a.recordEvent(event.Type)
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued logs an authorization code issuance.
func (a *Auditor) LogCodeIssued(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventCodeIssued,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogCodeExchanged logs a successful code-for-token exchange.
func (a *Auditor) LogCodeExchanged(userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventCodeExchanged,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogCodeReuseDetected logs an attempt to exchange an already consumed code.
func (a *Auditor) LogCodeReuseDetected(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventCodeReuseDetected,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogTokenRefreshed logs a refresh token rotation.
func (a *Auditor) LogTokenRefreshed(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogTokenReuseDetected logs a replay of a rotated refresh token.
func (a *Auditor) LogTokenReuseDetected(userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenReuseDetected,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogTokenRevoked logs a token revocation.
func (a *Auditor) LogTokenRevoked(userID, clientID, ipAddress, tokenType string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogAuthFailure logs an authentication failure.
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogClientRegistered logs a new client registration.
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data. The
// prefix is enough to correlate events without storing the raw value.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
