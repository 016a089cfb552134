package oauth

import (
	"context"
	"errors"
	"time"
)

// Storage errors. Backends translate their native miss/conflict conditions
// into these so handlers can map them onto the protocol error taxonomy.
var (
	// ErrNotFound is returned when a record is absent or already expired.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrLockHeld is returned by AcquireLock while another holder owns the key.
	ErrLockHeld = errors.New("lock held")
)

// Store is the single capability interface all protocol components read and
// write through. Expired records are treated as absent on read regardless of
// backend-native TTL eviction. Two interchangeable implementations exist:
// MemoryStore for a single process, RedisStore for shared deployments.
type Store interface {
	// CreateClient persists a new client registration. ErrAlreadyExists if
	// the client ID is taken.
	CreateClient(ctx context.Context, client *Client) error

	// GetClient returns a client by ID, ErrNotFound if absent.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// SaveAuthorizationCode persists a code record keyed by its code hash.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode returns and deletes the code record in one
	// step; a second consume of the same hash returns ErrNotFound.
	ConsumeAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error)

	// SaveRefreshToken persists a refresh token record keyed by token hash.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns a refresh token record, ErrNotFound if absent
	// or expired.
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh token record. Deleting an absent
	// record is not an error.
	DeleteRefreshToken(ctx context.Context, tokenHash string) error

	// SaveSession persists a browser login session.
	SaveSession(ctx context.Context, session *Session) error

	// GetSession returns a session, ErrNotFound if absent or expired.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// DeleteSession removes a session.
	DeleteSession(ctx context.Context, sessionID string) error

	// SaveLoginTransaction persists an upstream-login transaction.
	SaveLoginTransaction(ctx context.Context, tx *LoginTransaction) error

	// ConsumeLoginTransaction returns and deletes the transaction in one
	// step; single use.
	ConsumeLoginTransaction(ctx context.Context, txID string) (*LoginTransaction, error)

	// AcquireLock takes a mutual-exclusion lock on key for at most ttl and
	// returns an opaque holder token. ErrLockHeld while another holder owns
	// the key. Two concurrent acquisitions of the same key never both
	// succeed before one releases or the ttl lapses.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)

	// ReleaseLock releases key if token matches the current holder. A lock
	// can only be released by its acquirer; stale holders are ignored.
	ReleaseLock(ctx context.Context, key, token string) error

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
