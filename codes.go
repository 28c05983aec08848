package authkit

import (
	"context"
	"time"

	"github.com/hyphasec/authkit/identity"
	"github.com/hyphasec/authkit/internal/util"
	"github.com/hyphasec/authkit/pkce"
	"github.com/hyphasec/authkit/storage"
)

// IssueAuthorizationCode validates an authorization request on behalf of an
// authenticated user and mints a single-use authorization code bound to the
// client, redirect URI, scope and PKCE challenge.
//
// The embedding application authenticates the user before calling this; the
// server itself never sees credentials.
func (s *Server) IssueAuthorizationCode(ctx context.Context, user *identity.User, req *AuthorizeRequest) (string, error) {
	if user == nil || user.ID == "" {
		return "", ErrAccessDenied("authenticated user is required")
	}
	if req == nil || req.ClientID == "" {
		return "", ErrInvalidRequest("client_id is required")
	}

	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		return "", err
	}

	if req.ResponseType != "code" {
		return "", ErrInvalidRequest("response_type must be \"code\"")
	}

	if err := s.ValidateRedirectURI(client, req.RedirectURI); err != nil {
		return "", err
	}

	scope := req.Scope
	if scope == "" {
		scope = DefaultScope
	}
	if !scopeIsSubset(parseScope(scope), client.Scopes) {
		return "", ErrInvalidScope("requested scope exceeds the client's allowed scopes")
	}

	if err := s.validateCodeChallenge(ctx, client, req); err != nil {
		return "", err
	}

	now := time.Now()
	code := generateToken()

	record := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		UserID:              user.ID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.AuthorizationCodeTTL),
		Consumed:            false,
	}

	if err := s.store.SaveAuthorizationCode(ctx, record); err != nil {
		return "", newStorageError("save_authorization_code", err)
	}

	s.Auditor.LogCodeIssued(user.ID, client.ClientID, "", scope)
	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, client.ClientID)
	}
	s.logger.Debug("Issued authorization code",
		"code_prefix", util.SafeTruncate(code, 8),
		"client_id", client.ClientID,
		"scope", scope)

	return code, nil
}

// validateCodeChallenge enforces the PKCE policy at issuance: public clients
// must bind a challenge, and any presented challenge must be well formed.
func (s *Server) validateCodeChallenge(ctx context.Context, client *storage.Client, req *AuthorizeRequest) error {
	if req.CodeChallenge == "" {
		if client.ClientType == ClientTypePublic && !s.config.AllowPublicClientsWithoutPKCE {
			return ErrInvalidRequest("public clients must provide a code_challenge")
		}
		if req.CodeChallengeMethod != "" {
			return ErrInvalidRequest("code_challenge_method without code_challenge")
		}
		return nil
	}

	method := req.CodeChallengeMethod
	if method == "" {
		// RFC 7636 Section 4.3: method defaults to plain when omitted.
		method = pkce.MethodPlain
		req.CodeChallengeMethod = method
	}

	if err := pkce.ValidateChallenge(req.CodeChallenge, method); err != nil {
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, method)
		}
		return ErrInvalidRequest(err.Error())
	}

	return nil
}
