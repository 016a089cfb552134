package oauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Signed state blobs carry request state across untrusted redirects and
// browser cookies without a server-side lookup: the original authorization
// request rides through the upstream login round trip, and cookies hold only
// signed identifiers.

var (
	// ErrStateInvalid means the token was malformed or its signature did not
	// verify. Treat as tampering.
	ErrStateInvalid = errors.New("state token invalid")

	// ErrStateExpired means the signature verified but the token's validity
	// window has passed.
	ErrStateExpired = errors.New("state token expired")
)

type stateEnvelope struct {
	Payload   json.RawMessage `json:"p"`
	IssuedAt  int64           `json:"iat"`
	ExpiresAt int64           `json:"exp"`
}

// SignState serializes payload with an issue/expiry window and appends an
// HMAC-SHA256 signature over the encoded body.
func SignState(secret []byte, payload any, ttl time.Duration) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding state payload: %w", err)
	}
	now := time.Now()
	env := stateEnvelope{
		Payload:   raw,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding state envelope: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	return encoded + "." + signStateBody(secret, encoded), nil
}

// VerifyState checks the signature in constant time, rejects expired tokens,
// and unmarshals the payload into out.
func VerifyState(secret []byte, token string, out any) error {
	encoded, sig, found := strings.Cut(token, ".")
	if !found || encoded == "" || sig == "" {
		return ErrStateInvalid
	}
	if !hmac.Equal([]byte(signStateBody(secret, encoded)), []byte(sig)) {
		return ErrStateInvalid
	}
	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return ErrStateInvalid
	}
	var env stateEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ErrStateInvalid
	}
	if time.Now().Unix() > env.ExpiresAt {
		return ErrStateExpired
	}
	if out != nil {
		if err := json.Unmarshal(env.Payload, out); err != nil {
			return ErrStateInvalid
		}
	}
	return nil
}

func signStateBody(secret []byte, body string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
