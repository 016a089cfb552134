package oauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elastic/semantic-code-search-mcp-server/internal/audit"
	core "github.com/elastic/semantic-code-search-mcp-server/internal/oauth"
)

// tokenResponse is the success body of the token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// oauthError is the RFC 6749 error body.
type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// tokenRequest is the JSON body of the token endpoint.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

// HandleToken is the token endpoint. Public clients only: requests carry no
// client secret and are authenticated by PKCE (code grant) or possession of
// the refresh token (refresh grant).
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	// Token responses carry credentials and must never be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
		return
	}

	switch req.GrantType {
	case "authorization_code":
		s.handleCodeGrant(w, r, req)
	case "refresh_token":
		s.handleRefreshGrant(w, r, req)
	default:
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

func (s *Server) handleCodeGrant(w http.ResponseWriter, r *http.Request, req tokenRequest) {
	if req.Code == "" || req.CodeVerifier == "" || req.ClientID == "" {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "code, code_verifier and client_id are required")
		return
	}

	if _, err := s.store.GetClient(r.Context(), req.ClientID); err != nil {
		writeTokenError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	// Consume first: even a request that fails later burns the code, so a
	// stolen code can never be retried after the legitimate redemption.
	record, err := s.store.ConsumeAuthorizationCode(r.Context(), core.HashToken(s.cfg.ServerSecret, req.Code))
	if err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid or expired")
		return
	}

	if record.ClientID != req.ClientID {
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "authorization code was issued to another client")
		return
	}
	if req.RedirectURI != record.RedirectURI {
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization request")
		return
	}
	if !core.VerifyPKCES256(req.CodeVerifier, record.CodeChallenge) {
		s.audit.Emit(r.Context(), audit.Event{
			Type:     "token.pkce_failed",
			ClientID: req.ClientID,
			Subject:  record.UserClaims.Subject(),
		})
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	s.issueTokens(w, r, record.ClientID, record.Scope, record.Resource, record.UserClaims)
}

func (s *Server) handleRefreshGrant(w http.ResponseWriter, r *http.Request, req tokenRequest) {
	if req.RefreshToken == "" || req.ClientID == "" {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "refresh_token and client_id are required")
		return
	}

	tokenHash := core.HashToken(s.cfg.ServerSecret, req.RefreshToken)

	// Rotation is lock-guarded per token so two racing redemptions cannot
	// both succeed: the loser gets a retryable slow_down instead of forking
	// the chain.
	lockToken, err := s.store.AcquireLock(r.Context(), "refresh:"+tokenHash, s.cfg.RotationLockTTL)
	if err != nil {
		if errors.Is(err, core.ErrLockHeld) {
			writeTokenError(w, http.StatusTooManyRequests, "slow_down", "a concurrent refresh for this token is in progress")
			return
		}
		s.log.Error("acquiring rotation lock failed", zap.Error(err))
		writeTokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	defer func() {
		if err := s.store.ReleaseLock(r.Context(), "refresh:"+tokenHash, lockToken); err != nil {
			s.log.Warn("releasing rotation lock failed", zap.Error(err))
		}
	}()

	record, err := s.store.GetRefreshToken(r.Context(), tokenHash)
	if err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid or expired")
		return
	}
	if record.ClientID != req.ClientID {
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "refresh token was issued to another client")
		return
	}

	if !s.issueTokens(w, r, record.ClientID, record.Scope, record.Resource, record.UserClaims) {
		return
	}

	// The old token dies only after its successor is durably stored; a crash
	// in between leaves the client with at least one working token.
	if err := s.store.DeleteRefreshToken(r.Context(), tokenHash); err != nil {
		s.log.Warn("deleting rotated refresh token failed", zap.Error(err))
	}
	s.audit.Emit(r.Context(), audit.Event{
		Type:     "token.rotated",
		ClientID: record.ClientID,
		Subject:  record.UserClaims.Subject(),
	})
}

// issueTokens mints the access token and a fresh refresh token and writes the
// token response. Reports whether the response was the success body.
func (s *Server) issueTokens(w http.ResponseWriter, r *http.Request, clientID, scope, resource string, userClaims core.Claims) bool {
	accessToken, err := s.mintAccessToken(clientID, scope, resource, userClaims)
	if err != nil {
		s.log.Error("minting access token failed", zap.Error(err))
		writeTokenError(w, http.StatusInternalServerError, "server_error", "")
		return false
	}

	refreshValue, err := core.RandomString(32)
	if err != nil {
		writeTokenError(w, http.StatusInternalServerError, "server_error", "")
		return false
	}
	now := s.now()
	refreshRecord := &core.RefreshToken{
		TokenHash:  core.HashToken(s.cfg.ServerSecret, refreshValue),
		ClientID:   clientID,
		Scope:      scope,
		Resource:   resource,
		UserClaims: userClaims.Clone(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.RefreshTokenTTL),
	}
	if err := s.store.SaveRefreshToken(r.Context(), refreshRecord); err != nil {
		s.log.Error("saving refresh token failed", zap.Error(err))
		writeTokenError(w, http.StatusInternalServerError, "server_error", "")
		return false
	}

	s.audit.Emit(r.Context(), audit.Event{
		Type:     "token.issued",
		ClientID: clientID,
		Subject:  userClaims.Subject(),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL / time.Second),
		RefreshToken: refreshValue,
		Scope:        scope,
	})
	return true
}

// mintAccessToken signs an RS256 JWT carrying the upstream identity claims
// plus this server's own registered claims. Server claims win on collision.
func (s *Server) mintAccessToken(clientID, scope, resource string, userClaims core.Claims) (string, error) {
	now := s.now()
	audience := s.cfg.Audience
	if resource != "" {
		audience = resource
	}

	claims := jwt.MapClaims{}
	for k, v := range userClaims {
		claims[k] = v
	}
	claims["iss"] = s.cfg.Issuer
	claims["aud"] = audience
	claims["sub"] = userClaims.Subject()
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(s.cfg.AccessTokenTTL).Unix()
	claims["jti"] = uuid.NewString()
	claims["client_id"] = clientID
	if scope != "" {
		claims["scope"] = scope
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keys.KID()
	return token.SignedString(s.keys.PrivateKey())
}

func writeTokenError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, oauthError{Error: code, Description: description})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
