package oauth

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/elastic/semantic-code-search-mcp-server/internal/audit"
	core "github.com/elastic/semantic-code-search-mcp-server/internal/oauth"
)

// registrationRequest is the RFC 7591 dynamic registration payload. Fields we
// do not support are ignored rather than rejected.
type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	ClientURI               string   `json:"client_uri"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope"`
}

// registrationResponse echoes the stored metadata back with the assigned
// client ID.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// HandleRegister is the open dynamic client registration endpoint. Only
// public clients are supported: the server never issues client secrets.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_client_metadata", "request body must be a JSON object")
		return
	}

	if len(req.RedirectURIs) == 0 {
		writeTokenError(w, http.StatusBadRequest, "invalid_redirect_uri", "at least one redirect_uri is required")
		return
	}
	for _, uri := range req.RedirectURIs {
		if !s.redirectURIAcceptable(uri) {
			writeTokenError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri "+uri+" is not allowed")
			return
		}
	}

	if req.TokenEndpointAuthMethod != "" && req.TokenEndpointAuthMethod != "none" {
		writeTokenError(w, http.StatusBadRequest, "invalid_client_metadata", "only public clients (token_endpoint_auth_method \"none\") are supported")
		return
	}
	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{"authorization_code", "refresh_token"}
	} else if !containsString(req.GrantTypes, "authorization_code") {
		writeTokenError(w, http.StatusBadRequest, "invalid_client_metadata", "grant_types must include authorization_code")
		return
	}
	if len(req.ResponseTypes) == 0 {
		req.ResponseTypes = []string{"code"}
	} else if !containsString(req.ResponseTypes, "code") {
		writeTokenError(w, http.StatusBadRequest, "invalid_client_metadata", "response_types must include code")
		return
	}

	suffix, err := core.RandomString(16)
	if err != nil {
		writeTokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	client := &core.Client{
		ClientID:                "client_" + suffix,
		ClientName:              req.ClientName,
		ClientURI:               req.ClientURI,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: "none",
		Scope:                   req.Scope,
		CreatedAt:               s.now(),
	}
	if err := s.store.CreateClient(r.Context(), client); err != nil {
		s.log.Error("persisting client registration failed", zap.Error(err))
		writeTokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	s.audit.Emit(r.Context(), audit.Event{
		Type:     "client.registered",
		ClientID: client.ClientID,
		Details:  map[string]any{"client_name": client.ClientName, "redirect_uris": client.RedirectURIs},
	})

	writeJSON(w, http.StatusCreated, registrationResponse{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.ClientName,
		ClientURI:               client.ClientURI,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		Scope:                   client.Scope,
	})
}

// redirectURIAcceptable accepts https URLs, loopback http URLs, and the
// configured custom schemes used by native tool clients.
func (s *Server) redirectURIAcceptable(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return false
	}
	switch u.Scheme {
	case "https":
		return u.Host != ""
	case "http":
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	default:
		for _, scheme := range s.cfg.CustomRedirectSchemes {
			if strings.EqualFold(u.Scheme, scheme) {
				return true
			}
		}
		return false
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
