package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"github.com/hyphasec/authkit/storage"
)

// Pre-computed bcrypt hash compared when a client does not exist, so secret
// validation takes the same time whether or not the client ID is registered.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ============================================================
// ClientStore implementation
// ============================================================

// SaveClient stores a registered client. Client records have no TTL.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)

	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return getAndUnmarshal(ctx, s, s.clientKey(clientID), storage.ErrClientNotFound, fromClientJSON)
}

// ValidateClientSecret validates a client's secret against its bcrypt hash.
// A bcrypt comparison always runs, even for unknown clients, so lookups do
// not reveal client existence through timing.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummySecretHash
	isPublicClient := false

	if err == nil {
		if client.ClientType == "public" {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if isPublicClient && err == nil {
		return nil
	}
	if err != nil || bcryptErr != nil {
		return storage.ErrInvalidCredentials
	}

	return nil
}

// CheckIPLimit reports whether an IP may register another client.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	key := s.clientIPKey(ip)

	countStr, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil
		}
		return fmt.Errorf("failed to check IP limit: %w", err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		return nil
	}

	if count >= maxClientsPerIP {
		s.logger.Warn("Client registration limit reached",
			"ip", ip,
			"current_count", count,
			"max_allowed", maxClientsPerIP)
		return storage.ErrRegistrationLimitExceeded
	}

	return nil
}

// TrackClientIP increments the registration count for an IP. Counts decay
// after 24 hours via key TTL.
func (s *Store) TrackClientIP(ctx context.Context, ip string) error {
	key := s.clientIPKey(ip)

	if _, err := s.client.Do(ctx, s.client.B().Incr().Key(key).Build()).AsInt64(); err != nil {
		return fmt.Errorf("failed to track client IP: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Expire().Key(key).Seconds(int64(clientIPTrackingTTL.Seconds())).Build()).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on client IP tracking key",
			"ip", ip,
			"error", err)
	}

	return nil
}
