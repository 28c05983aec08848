package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyphasec/authkit/storage"
)

// JSON representations of the stored entities. Timestamps are Unix seconds so
// the Lua scripts can compare them with tonumber().

type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientType              string   `json:"client_type"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ClientName              string   `json:"client_name"`
	Scopes                  []string `json:"scopes"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                client.ClientID,
		ClientSecretHash:        client.ClientSecretHash,
		ClientType:              client.ClientType,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scopes:                  client.Scopes,
		CreatedAt:               client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientType:              j.ClientType,
		RedirectURIs:            j.RedirectURIs,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		ClientName:              j.ClientName,
		Scopes:                  j.Scopes,
		CreatedAt:               time.Unix(j.CreatedAt, 0),
	}
}

type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	UserID              string `json:"user_id"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Consumed            bool   `json:"consumed"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		UserID:              code.UserID,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Consumed:            code.Consumed,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		UserID:              j.UserID,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Consumed:            j.Consumed,
	}
}

type accessTokenJSON struct {
	TokenHash string `json:"token_hash"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id"`
	Scope     string `json:"scope"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
	Revoked   bool   `json:"revoked"`
}

func toAccessTokenJSON(token *storage.AccessToken) *accessTokenJSON {
	return &accessTokenJSON{
		TokenHash: token.TokenHash,
		ClientID:  token.ClientID,
		UserID:    token.UserID,
		Scope:     token.Scope,
		CreatedAt: token.CreatedAt.Unix(),
		ExpiresAt: token.ExpiresAt.Unix(),
		Revoked:   token.Revoked,
	}
}

func fromAccessTokenJSON(j *accessTokenJSON) *storage.AccessToken {
	if j == nil {
		return nil
	}
	return &storage.AccessToken{
		TokenHash: j.TokenHash,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Scope:     j.Scope,
		CreatedAt: time.Unix(j.CreatedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
		Revoked:   j.Revoked,
	}
}

type refreshTokenJSON struct {
	TokenHash       string `json:"token_hash"`
	AccessTokenHash string `json:"access_token_hash"`
	ClientID        string `json:"client_id"`
	UserID          string `json:"user_id"`
	Scope           string `json:"scope"`
	CreatedAt       int64  `json:"created_at"`
	ExpiresAt       int64  `json:"expires_at"`
	Revoked         bool   `json:"revoked"`
}

func toRefreshTokenJSON(token *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		TokenHash:       token.TokenHash,
		AccessTokenHash: token.AccessTokenHash,
		ClientID:        token.ClientID,
		UserID:          token.UserID,
		Scope:           token.Scope,
		CreatedAt:       token.CreatedAt.Unix(),
		ExpiresAt:       token.ExpiresAt.Unix(),
		Revoked:         token.Revoked,
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	if j == nil {
		return nil
	}
	return &storage.RefreshToken{
		TokenHash:       j.TokenHash,
		AccessTokenHash: j.AccessTokenHash,
		ClientID:        j.ClientID,
		UserID:          j.UserID,
		Scope:           j.Scope,
		CreatedAt:       time.Unix(j.CreatedAt, 0),
		ExpiresAt:       time.Unix(j.ExpiresAt, 0),
		Revoked:         j.Revoked,
	}
}

// getAndUnmarshal fetches a key, unmarshals the JSON payload, and converts it
// to the entity type. Nil results map to notFoundErr.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}
