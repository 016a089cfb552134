package oauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// KeyManager holds the RS256 signing key for access tokens and its JWKS
// representation.
type KeyManager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	kid        string
}

// NewKeyManager wraps an existing RSA private key.
func NewKeyManager(key *rsa.PrivateKey) (*KeyManager, error) {
	pub := &key.PublicKey
	kid, err := computeKID(pub)
	if err != nil {
		return nil, err
	}
	return &KeyManager{privateKey: key, publicKey: pub, kid: kid}, nil
}

// GenerateKeyManager creates an ephemeral 2048-bit signing key. Tokens signed
// with it do not survive a restart; meant for development and tests.
func GenerateKeyManager() (*KeyManager, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return NewKeyManager(key)
}

// LoadKeyManagerFromEnv loads an RSA private key from OAUTH_PRIVATE_KEY_PEM
// or the file at OAUTH_PRIVATE_KEY_PATH.
func LoadKeyManagerFromEnv() (*KeyManager, error) {
	pemValue := os.Getenv("OAUTH_PRIVATE_KEY_PEM")
	if pemValue == "" {
		if path := os.Getenv("OAUTH_PRIVATE_KEY_PATH"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read OAUTH_PRIVATE_KEY_PATH: %w", err)
			}
			pemValue = string(data)
		}
	}
	if pemValue == "" {
		return nil, fmt.Errorf("OAUTH_PRIVATE_KEY_PEM or OAUTH_PRIVATE_KEY_PATH is required")
	}
	pemValue = strings.ReplaceAll(pemValue, `\n`, "\n")

	block, _ := pem.Decode([]byte(pemValue))
	if block == nil {
		return nil, fmt.Errorf("invalid private key PEM")
	}

	var key *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = parsed
	} else if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		key = rsaKey
	} else {
		return nil, fmt.Errorf("unable to parse RSA private key")
	}

	return NewKeyManager(key)
}

// PrivateKey returns the signing key.
func (k *KeyManager) PrivateKey() *rsa.PrivateKey { return k.privateKey }

// PublicKey returns the verification key.
func (k *KeyManager) PublicKey() *rsa.PublicKey { return k.publicKey }

// KID returns the key identifier published in JWKS and token headers.
func (k *KeyManager) KID() string { return k.kid }

func computeKID(pub *rsa.PublicKey) (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(derBytes)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
