package authkit

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hyphasec/authkit/identity"
)

// Endpoint paths.
const (
	PathClientRegistration = "/oauth/applications"
	PathAuthorize          = "/oauth/authorize"
	PathToken              = "/oauth/token"
	PathRevoke             = "/oauth/revoke"
	PathIntrospect         = "/oauth/introspect"
	PathMetadata           = "/.well-known/oauth-authorization-server"
)

// Routes returns a ServeMux with all endpoints mounted at their standard
// paths. Embedding applications that need custom mounting can wire the
// Serve* methods directly.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathClientRegistration, s.instrument(PathClientRegistration, s.ServeClientRegistration))
	mux.HandleFunc("GET "+PathAuthorize, s.instrument(PathAuthorize, s.ServeAuthorization))
	mux.HandleFunc("POST "+PathToken, s.instrument(PathToken, s.ServeToken))
	mux.HandleFunc("POST "+PathRevoke, s.instrument(PathRevoke, s.ServeTokenRevocation))
	mux.HandleFunc("POST "+PathIntrospect, s.instrument(PathIntrospect, s.ServeTokenIntrospection))
	mux.HandleFunc("GET "+PathMetadata, s.instrument(PathMetadata, s.ServeMetadata))
	return mux
}

// ServeClientRegistration handles POST /oauth/applications (RFC 7591).
func (s *Server) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.allowRequest(w, r, PathClientRegistration, ip) {
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, ErrInvalidRequest("request body must be valid JSON"))
		return
	}

	client, secret, err := s.RegisterClient(r.Context(), &req, ip)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		Scope:                   joinScope(client.Scopes),
	}

	writeJSON(w, http.StatusCreated, resp)
}

// ServeAuthorization handles GET /oauth/authorize. The embedding application
// must have authenticated the user and placed an identity.User in the
// request context; without one the request is rejected with 401.
//
// Errors redirect back to the client only once the client and redirect URI
// have validated; otherwise they render as JSON so an unvalidated URI never
// receives a redirect.
func (s *Server) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.allowRequest(w, r, PathAuthorize, ip) {
		return
	}

	q := r.URL.Query()
	req := &AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	// Client and redirect URI must validate before any redirect happens.
	client, err := s.GetClient(r.Context(), req.ClientID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.ValidateRedirectURI(client, req.RedirectURI); err != nil {
		s.writeError(w, err)
		return
	}

	user, ok := identity.UserFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="authorization"`)
		s.writeError(w, NewOAuthError(ErrorCodeAccessDenied, "user authentication required", http.StatusUnauthorized))
		return
	}

	code, err := s.IssueAuthorizationCode(r.Context(), user, req)
	if err != nil {
		s.redirectError(w, r, req, err)
		return
	}

	redirect, _ := url.Parse(req.RedirectURI)
	params := redirect.Query()
	params.Set("code", code)
	if req.State != "" {
		params.Set("state", req.State)
	}
	redirect.RawQuery = params.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// ServeToken handles POST /oauth/token.
func (s *Server) ServeToken(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.allowRequest(w, r, PathToken, ip) {
		return
	}

	if err := r.ParseForm(); err != nil {
		s.writeError(w, ErrInvalidRequest("request body must be form-encoded"))
		return
	}

	clientID, clientSecret := clientCredentials(r)

	req := &TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        r.PostFormValue("scope"),
		ClientIP:     ip,
	}

	resp, err := s.Exchange(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeTokenResponse(w, resp)
}

// ServeTokenRevocation handles POST /oauth/revoke (RFC 7009).
func (s *Server) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.allowRequest(w, r, PathRevoke, ip) {
		return
	}

	if err := r.ParseForm(); err != nil {
		s.writeError(w, ErrInvalidRequest("request body must be form-encoded"))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	client, err := s.authenticateClient(r.Context(), clientID, clientSecret)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.Revoke(r.Context(), client, r.PostFormValue("token"), r.PostFormValue("token_type_hint")); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ServeTokenIntrospection handles POST /oauth/introspect (RFC 7662).
func (s *Server) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.allowRequest(w, r, PathIntrospect, ip) {
		return
	}

	if err := r.ParseForm(); err != nil {
		s.writeError(w, ErrInvalidRequest("request body must be form-encoded"))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	if _, err := s.authenticateClient(r.Context(), clientID, clientSecret); err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.Introspect(r.Context(), r.PostFormValue("token"), r.PostFormValue("token_type_hint"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// ServeMetadata handles GET /.well-known/oauth-authorization-server
// (RFC 8414).
func (s *Server) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := s.config.Issuer

	metadata := &AuthorizationServerMetadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + PathAuthorize,
		TokenEndpoint:          issuer + PathToken,
		RegistrationEndpoint:   issuer + PathClientRegistration,
		RevocationEndpoint:     issuer + PathRevoke,
		IntrospectionEndpoint:  issuer + PathIntrospect,
		ScopesSupported:        s.config.SupportedScopes,
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported:    []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{
			TokenEndpointAuthMethodBasic,
			TokenEndpointAuthMethodPost,
			TokenEndpointAuthMethodNone,
		},
		CodeChallengeMethodsSupported: []string{"S256", "plain"},
	}

	writeJSON(w, http.StatusOK, metadata)
}

// ============================================================
// Helpers
// ============================================================

// allowRequest applies per-IP rate limiting. Returns false when the request
// was rejected.
func (s *Server) allowRequest(w http.ResponseWriter, r *http.Request, endpoint, ip string) bool {
	if s.rateLimiter == nil {
		return true
	}

	if s.rateLimiter.Allow(ip) {
		return true
	}

	s.Auditor.LogRateLimitExceeded(ip, endpoint)
	if m := s.metrics(); m != nil {
		m.RecordRateLimitExceeded(r.Context(), endpoint)
	}

	w.Header().Set("Retry-After", "1")
	s.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "rate limit exceeded", http.StatusTooManyRequests))
	return false
}

// redirectError sends an OAuth error back to the already-validated redirect
// URI per RFC 6749 Section 4.1.2.1. Storage failures still render as JSON.
func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, req *AuthorizeRequest, err error) {
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		s.writeError(w, err)
		return
	}

	redirect, parseErr := url.Parse(req.RedirectURI)
	if parseErr != nil {
		s.writeError(w, err)
		return
	}

	params := redirect.Query()
	params.Set("error", oauthErr.Code)
	params.Set("error_description", oauthErr.Description)
	if req.State != "" {
		params.Set("state", req.State)
	}
	redirect.RawQuery = params.Encode()

	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// writeError maps protocol and storage errors to RFC 6749 error responses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		writeJSON(w, oauthErr.Status, &ErrorResponse{
			Error:            oauthErr.Code,
			ErrorDescription: oauthErr.Description,
		})
		return
	}

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		s.logger.Error("Storage failure", "op", storageErr.Op, "error", storageErr.Err)
		writeJSON(w, http.StatusServiceUnavailable, &ErrorResponse{
			Error:            ErrorCodeTemporarilyUnavailable,
			ErrorDescription: "the authorization server is temporarily unable to process the request",
		})
		return
	}

	s.logger.Error("Unhandled error", "error", err)
	writeJSON(w, http.StatusInternalServerError, &ErrorResponse{
		Error:            ErrorCodeServerError,
		ErrorDescription: "an internal error occurred",
	})
}

// writeTokenResponse writes a token response with the cache headers RFC 6749
// Section 5.1 requires.
func (s *Server) writeTokenResponse(w http.ResponseWriter, resp *TokenResponse) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientCredentials extracts client authentication from Basic auth or form
// parameters, in that order (client_secret_basic, then client_secret_post).
func clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// clientIP extracts the remote IP, without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// instrument wraps a handler with HTTP request metrics.
func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := s.metrics()
		if m == nil {
			h(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		m.RecordHTTPRequest(r.Context(), r.Method, endpoint, rec.status, float64(time.Since(start).Milliseconds()))
	}
}
