// Package oauth implements the HTTP surface of the authorization server:
// client registration, the browser authorization flow delegated to the
// upstream identity provider, the token endpoint, and the discovery
// documents.
package oauth

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/elastic/semantic-code-search-mcp-server/internal/audit"
	core "github.com/elastic/semantic-code-search-mcp-server/internal/oauth"
	"github.com/elastic/semantic-code-search-mcp-server/internal/upstream"
)

// Browser cookie names. Both carry HMAC-signed payloads; neither carries
// identity claims directly.
const (
	sessionCookieName = "mcp_session"
	consentCookieName = "mcp_approved_clients"
)

// Server wires the protocol handlers to their collaborators.
type Server struct {
	cfg      core.Config
	keys     *core.KeyManager
	store    core.Store
	upstream *upstream.Provider
	sealer   *core.Sealer
	audit    audit.Auditor
	log      *zap.Logger
	now      func() time.Time
}

// NewServer builds the handler set.
func NewServer(cfg core.Config, keys *core.KeyManager, store core.Store, provider *upstream.Provider, auditor audit.Auditor, log *zap.Logger) (*Server, error) {
	sealer, err := core.NewSealer(cfg.ServerSecret)
	if err != nil {
		return nil, err
	}
	if auditor == nil {
		auditor = audit.Nop()
	}
	return &Server{
		cfg:      cfg,
		keys:     keys,
		store:    store,
		upstream: provider,
		sealer:   sealer,
		audit:    auditor,
		log:      log,
		now:      time.Now,
	}, nil
}

// authorizeRequest is the validated authorization request. It rides through
// the upstream login round trip inside a signed state blob and through the
// consent form, so the flow needs no server-side request record.
type authorizeRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Resource            string `json:"resource,omitempty"`
}

// loginState is the blob carried through the upstream provider's redirect.
type loginState struct {
	TxID    string           `json:"tx"`
	Request authorizeRequest `json:"req"`
}

// consentRequest is the blob carried through the consent form POST.
type consentRequest struct {
	Request authorizeRequest `json:"req"`
}

// sessionCookie is the signed payload of the session cookie.
type sessionCookie struct {
	SessionID string `json:"sid"`
}

// consentCookie is the signed payload of the approved-clients cookie.
type consentCookie struct {
	ClientIDs []string `json:"client_ids"`
}

func (c consentCookie) approved(clientID string) bool {
	for _, id := range c.ClientIDs {
		if id == clientID {
			return true
		}
	}
	return false
}

// HandleAuthorize is the authorization endpoint. Requests from a browser with
// a live session skip straight to consent; everything else starts an upstream
// login round trip.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := authorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Resource:            q.Get("resource"),
	}

	// Until the client and redirect URI are validated, nothing may be
	// redirected: an attacker-chosen redirect_uri would become an open
	// redirect. Failures before this point render a local error page.
	client, err := s.store.GetClient(r.Context(), req.ClientID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.renderError(w, http.StatusBadRequest, "Unknown client", "The application is not registered with this server.")
			return
		}
		s.log.Error("client lookup failed", zap.Error(err))
		s.renderError(w, http.StatusInternalServerError, "Server error", "Please try again.")
		return
	}
	if req.RedirectURI == "" || !client.RedirectURIAllowed(req.RedirectURI) {
		s.renderError(w, http.StatusBadRequest, "Invalid redirect URI", "The redirect URI does not match the client registration.")
		return
	}

	// The redirect target is trusted from here on; protocol violations go
	// back to the client as error redirects.
	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		s.redirectError(w, r, req, "unsupported_response_type", "only the authorization code flow is supported")
		return
	}
	if req.CodeChallenge == "" {
		s.redirectError(w, r, req, "invalid_request", "code_challenge is required")
		return
	}
	if req.CodeChallengeMethod == "" {
		req.CodeChallengeMethod = "S256"
	}
	if req.CodeChallengeMethod != "S256" {
		s.redirectError(w, r, req, "invalid_request", "code_challenge_method must be S256")
		return
	}

	if session := s.currentSession(r); session != nil {
		s.continueToConsent(w, r, client, req, session)
		return
	}
	s.startUpstreamLogin(w, r, req)
}

// startUpstreamLogin records a login transaction and redirects the browser to
// the identity provider.
func (s *Server) startUpstreamLogin(w http.ResponseWriter, r *http.Request, req authorizeRequest) {
	txID, err := core.RandomString(24)
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "Server error", "Please try again.")
		return
	}
	nonce, err := core.RandomString(24)
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "Server error", "Please try again.")
		return
	}
	verifier := oauth2.GenerateVerifier()

	now := s.now()
	tx := &core.LoginTransaction{
		TxID:         txID,
		PKCEVerifier: verifier,
		Nonce:        nonce,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.LoginTxTTL),
	}
	if err := s.store.SaveLoginTransaction(r.Context(), tx); err != nil {
		s.log.Error("saving login transaction failed", zap.Error(err))
		s.renderError(w, http.StatusInternalServerError, "Server error", "Please try again.")
		return
	}

	state, err := core.SignState(s.cfg.CookieSecret, loginState{TxID: txID, Request: req}, s.cfg.LoginTxTTL)
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "Server error", "Please try again.")
		return
	}

	authURL, err := s.upstream.AuthCodeURL(r.Context(), state, verifier, nonce)
	if err != nil {
		s.log.Error("building upstream authorization URL failed", zap.Error(err))
		s.renderError(w, http.StatusBadGateway, "Login unavailable", "The identity provider could not be reached.")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback receives the browser back from the identity provider,
// redeems the upstream code, establishes the local session, and resumes the
// original authorization request.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		s.log.Warn("upstream login failed",
			zap.String("error", upstreamErr),
			zap.String("description", q.Get("error_description")))
		s.renderError(w, http.StatusBadRequest, "Login failed", "The identity provider reported an error. Close this window and try again.")
		return
	}

	var st loginState
	if err := core.VerifyState(s.cfg.CookieSecret, q.Get("state"), &st); err != nil {
		s.renderError(w, http.StatusBadRequest, "Invalid login state", "This login link is invalid or has expired. Start over from your application.")
		return
	}

	tx, err := s.store.ConsumeLoginTransaction(r.Context(), st.TxID)
	if err != nil {
		// Already consumed or expired: replayed callbacks land here.
		s.renderError(w, http.StatusBadRequest, "Login expired", "This login attempt has expired. Start over from your application.")
		return
	}

	identity, err := s.upstream.Exchange(r.Context(), q.Get("code"), tx.PKCEVerifier, tx.Nonce)
	if err != nil {
		s.log.Error("upstream code exchange failed", zap.Error(err))
		s.renderError(w, http.StatusBadGateway, "Login failed", "The identity provider rejected the login. Close this window and try again.")
		return
	}

	if missing := identity.Claims.Missing(s.cfg.RequiredClaims); len(missing) > 0 {
		s.audit.Emit(r.Context(), audit.Event{
			Type:     "login.denied",
			Subject:  identity.Claims.Subject(),
			ClientID: st.Request.ClientID,
			Details:  map[string]any{"missing_claims": missing},
		})
		s.renderError(w, http.StatusForbidden, "Access denied", "Your account does not meet the requirements to use this service.")
		return
	}

	session, err := s.establishSession(w, r, identity)
	if err != nil {
		s.log.Error("establishing session failed", zap.Error(err))
		s.renderError(w, http.StatusInternalServerError, "Server error", "Please try again.")
		return
	}
	s.audit.Emit(r.Context(), audit.Event{
		Type:     "login.succeeded",
		Subject:  session.UserClaims.Subject(),
		ClientID: st.Request.ClientID,
	})

	// Re-validate the resumed request: registrations are immutable today,
	// but the client may have been created by a different store replica.
	client, err := s.store.GetClient(r.Context(), st.Request.ClientID)
	if err != nil || !client.RedirectURIAllowed(st.Request.RedirectURI) {
		s.renderError(w, http.StatusBadRequest, "Unknown client", "The application is no longer registered with this server.")
		return
	}
	s.continueToConsent(w, r, client, st.Request, session)
}

func (s *Server) establishSession(w http.ResponseWriter, r *http.Request, identity *upstream.Identity) (*core.Session, error) {
	sessionID, err := core.RandomString(32)
	if err != nil {
		return nil, err
	}

	sealedRefresh := ""
	if identity.RefreshToken != "" {
		if sealedRefresh, err = s.sealer.Seal(identity.RefreshToken); err != nil {
			return nil, err
		}
	}

	now := s.now()
	session := &core.Session{
		SessionID:            sessionID,
		UserClaims:           identity.Claims,
		UpstreamRefreshToken: sealedRefresh,
		CreatedAt:            now,
		ExpiresAt:            now.Add(s.cfg.SessionTTL),
	}
	if err := s.store.SaveSession(r.Context(), session); err != nil {
		return nil, err
	}

	if err := s.setSignedCookie(w, sessionCookieName, sessionCookie{SessionID: sessionID}, s.cfg.SessionTTL); err != nil {
		return nil, err
	}
	return session, nil
}

// currentSession resolves the session cookie to a live session, or nil.
func (s *Server) currentSession(r *http.Request) *core.Session {
	var payload sessionCookie
	if !s.readSignedCookie(r, sessionCookieName, &payload) {
		return nil
	}
	session, err := s.store.GetSession(r.Context(), payload.SessionID)
	if err != nil {
		return nil
	}
	return session
}

// continueToConsent either finishes immediately for a previously approved
// client or renders the consent page.
func (s *Server) continueToConsent(w http.ResponseWriter, r *http.Request, client *core.Client, req authorizeRequest, session *core.Session) {
	var approved consentCookie
	if s.readSignedCookie(r, consentCookieName, &approved) && approved.approved(client.ClientID) {
		s.issueCode(w, r, req, session)
		return
	}

	blob, err := core.SignState(s.cfg.CookieSecret, consentRequest{Request: req}, s.cfg.LoginTxTTL)
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "Server error", "Please try again.")
		return
	}
	s.renderConsent(w, client, req, blob)
}

// HandleConsent receives the consent form decision.
func (s *Server) HandleConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderError(w, http.StatusBadRequest, "Invalid request", "The consent form could not be read.")
		return
	}

	var cr consentRequest
	if err := core.VerifyState(s.cfg.CookieSecret, r.PostFormValue("consent_state"), &cr); err != nil {
		s.renderError(w, http.StatusBadRequest, "Invalid request", "This consent form is invalid or has expired. Start over from your application.")
		return
	}
	req := cr.Request

	client, err := s.store.GetClient(r.Context(), req.ClientID)
	if err != nil || !client.RedirectURIAllowed(req.RedirectURI) {
		s.renderError(w, http.StatusBadRequest, "Unknown client", "The application is not registered with this server.")
		return
	}

	session := s.currentSession(r)
	if session == nil {
		s.renderError(w, http.StatusUnauthorized, "Session expired", "Your login session has expired. Start over from your application.")
		return
	}

	if r.PostFormValue("decision") != "approve" {
		s.audit.Emit(r.Context(), audit.Event{
			Type:     "consent.denied",
			ClientID: client.ClientID,
			Subject:  session.UserClaims.Subject(),
		})
		s.redirectError(w, r, req, "access_denied", "the user denied the request")
		return
	}

	var approved consentCookie
	s.readSignedCookie(r, consentCookieName, &approved)
	if !approved.approved(client.ClientID) {
		approved.ClientIDs = append(approved.ClientIDs, client.ClientID)
	}
	if err := s.setSignedCookie(w, consentCookieName, approved, s.cfg.ConsentTTL); err != nil {
		s.renderError(w, http.StatusInternalServerError, "Server error", "Please try again.")
		return
	}
	s.audit.Emit(r.Context(), audit.Event{
		Type:     "consent.granted",
		ClientID: client.ClientID,
		Subject:  session.UserClaims.Subject(),
	})

	s.issueCode(w, r, req, session)
}

// issueCode mints a single-use authorization code bound to the request's PKCE
// challenge and redirects the browser back to the client.
func (s *Server) issueCode(w http.ResponseWriter, r *http.Request, req authorizeRequest, session *core.Session) {
	code, err := core.RandomString(32)
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "Server error", "Please try again.")
		return
	}

	now := s.now()
	record := &core.AuthorizationCode{
		CodeHash:            core.HashToken(s.cfg.ServerSecret, code),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scope:               req.Scope,
		Resource:            req.Resource,
		UserClaims:          session.UserClaims.Clone(),
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.AuthCodeTTL),
	}
	if err := s.store.SaveAuthorizationCode(r.Context(), record); err != nil {
		s.log.Error("saving authorization code failed", zap.Error(err))
		s.renderError(w, http.StatusInternalServerError, "Server error", "Please try again.")
		return
	}

	s.audit.Emit(r.Context(), audit.Event{
		Type:     "code.issued",
		ClientID: req.ClientID,
		Subject:  session.UserClaims.Subject(),
	})

	target, err := url.Parse(req.RedirectURI)
	if err != nil {
		s.renderError(w, http.StatusBadRequest, "Invalid redirect URI", "The redirect URI could not be parsed.")
		return
	}
	q := target.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// redirectError sends a protocol error back to the client's validated
// redirect URI.
func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, req authorizeRequest, code, description string) {
	target, err := url.Parse(req.RedirectURI)
	if err != nil {
		s.renderError(w, http.StatusBadRequest, "Invalid redirect URI", "The redirect URI could not be parsed.")
		return
	}
	q := target.Query()
	q.Set("error", code)
	q.Set("error_description", description)
	if req.State != "" {
		q.Set("state", req.State)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) setSignedCookie(w http.ResponseWriter, name string, payload any, ttl time.Duration) error {
	value, err := core.SignState(s.cfg.CookieSecret, payload, ttl)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   strings.HasPrefix(s.cfg.Issuer, "https://"),
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *Server) readSignedCookie(r *http.Request, name string, out any) bool {
	cookie, err := r.Cookie(name)
	if err != nil {
		return false
	}
	return core.VerifyState(s.cfg.CookieSecret, cookie.Value, out) == nil
}

var errorPageTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title>
<style>
body { font-family: -apple-system, sans-serif; max-width: 480px; margin: 80px auto; padding: 0 20px; color: #1a1a1a; }
h1 { font-size: 20px; }
p { color: #555; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</body>
</html>`))

var consentPageTmpl = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorize {{.ClientName}}</title>
<style>
body { font-family: -apple-system, sans-serif; max-width: 480px; margin: 80px auto; padding: 0 20px; color: #1a1a1a; }
h1 { font-size: 20px; }
p { color: #555; }
.scopes { background: #f5f5f5; border-radius: 6px; padding: 12px 16px; }
button { font-size: 15px; padding: 8px 24px; border-radius: 6px; border: 1px solid #ccc; background: #fff; cursor: pointer; }
button.approve { background: #1a73e8; border-color: #1a73e8; color: #fff; }
form { display: inline; margin-right: 8px; }
</style>
</head>
<body>
<h1>Authorize {{.ClientName}}</h1>
<p><strong>{{.ClientName}}</strong> is requesting access to the code-search service.</p>
{{if .Scopes}}<div class="scopes">Requested scopes: {{.Scopes}}</div>{{end}}
<p>
<form method="POST" action="/oauth/consent">
<input type="hidden" name="consent_state" value="{{.Request}}">
<input type="hidden" name="decision" value="approve">
<button class="approve" type="submit">Allow</button>
</form>
<form method="POST" action="/oauth/consent">
<input type="hidden" name="consent_state" value="{{.Request}}">
<input type="hidden" name="decision" value="deny">
<button type="submit">Deny</button>
</form>
</p>
</body>
</html>`))

func (s *Server) renderError(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = errorPageTmpl.Execute(w, map[string]string{"Title": title, "Message": message})
}

func (s *Server) renderConsent(w http.ResponseWriter, client *core.Client, req authorizeRequest, requestBlob string) {
	name := client.ClientName
	if name == "" {
		name = client.ClientID
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = consentPageTmpl.Execute(w, map[string]string{
		"ClientName": name,
		"Scopes":     req.Scope,
		"Request":    requestBlob,
	})
}
