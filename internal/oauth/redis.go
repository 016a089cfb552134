package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "oauth"

// releaseLockScript deletes a lock key only when the stored token matches the
// caller's. Read-compare-delete as a single atomic script, so a holder whose
// TTL lapsed and was reassigned cannot release the new holder's lock.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore is the shared Store backend. Every put carries a TTL matching
// the record's expiry so the backend self-evicts; reads still check expiry
// lazily so a record never outlives ExpiresAt even if eviction lags.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromURL connects to Redis using a redis:// URL and verifies
// connectivity.
func NewRedisStoreFromURL(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func redisKey(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", redisKeyPrefix, kind, id)
}

// putJSON stores a JSON-encoded record with a TTL derived from expiresAt.
// Zero expiresAt means no expiry. Records already past expiry are not
// written.
func (s *RedisStore) putJSON(ctx context.Context, key string, record any, expiresAt time.Time) error {
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return s.client.Set(ctx, key, payload, ttl).Err()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// getDelJSON is a get-then-delete consume executed as one GETDEL.
func (s *RedisStore) getDelJSON(ctx context.Context, key string, out any) error {
	data, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// CreateClient persists a new client registration. SETNX keeps concurrent
// registrations of the same generated ID from silently overwriting.
func (s *RedisStore) CreateClient(ctx context.Context, client *Client) error {
	payload, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("marshaling client: %w", err)
	}
	// Clients never expire (TTL=0); cleanup is an external concern.
	created, err := s.client.SetNX(ctx, redisKey("client", client.ClientID), payload, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return ErrAlreadyExists
	}
	return nil
}

// GetClient returns a client by ID.
func (s *RedisStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var client Client
	if err := s.getJSON(ctx, redisKey("client", clientID), &client); err != nil {
		return nil, err
	}
	return &client, nil
}

// SaveAuthorizationCode persists a code record.
func (s *RedisStore) SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	return s.putJSON(ctx, redisKey("code", code.CodeHash), code, code.ExpiresAt)
}

// ConsumeAuthorizationCode returns and deletes the code record.
func (s *RedisStore) ConsumeAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error) {
	var code AuthorizationCode
	if err := s.getDelJSON(ctx, redisKey("code", codeHash), &code); err != nil {
		return nil, err
	}
	if code.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &code, nil
}

// SaveRefreshToken persists a refresh token record.
func (s *RedisStore) SaveRefreshToken(ctx context.Context, token *RefreshToken) error {
	return s.putJSON(ctx, redisKey("refresh", token.TokenHash), token, token.ExpiresAt)
}

// GetRefreshToken returns a refresh token record.
func (s *RedisStore) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	var token RefreshToken
	if err := s.getJSON(ctx, redisKey("refresh", tokenHash), &token); err != nil {
		return nil, err
	}
	if token.Expired(time.Now()) {
		_ = s.client.Del(ctx, redisKey("refresh", tokenHash)).Err()
		return nil, ErrNotFound
	}
	return &token, nil
}

// DeleteRefreshToken removes a refresh token record.
func (s *RedisStore) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	return s.client.Del(ctx, redisKey("refresh", tokenHash)).Err()
}

// SaveSession persists a browser login session.
func (s *RedisStore) SaveSession(ctx context.Context, session *Session) error {
	return s.putJSON(ctx, redisKey("session", session.SessionID), session, session.ExpiresAt)
}

// GetSession returns a session.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := s.getJSON(ctx, redisKey("session", sessionID), &session); err != nil {
		return nil, err
	}
	if session.Expired(time.Now()) {
		_ = s.client.Del(ctx, redisKey("session", sessionID)).Err()
		return nil, ErrNotFound
	}
	return &session, nil
}

// DeleteSession removes a session.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, redisKey("session", sessionID)).Err()
}

// SaveLoginTransaction persists an upstream-login transaction.
func (s *RedisStore) SaveLoginTransaction(ctx context.Context, tx *LoginTransaction) error {
	return s.putJSON(ctx, redisKey("tx", tx.TxID), tx, tx.ExpiresAt)
}

// ConsumeLoginTransaction returns and deletes the transaction.
func (s *RedisStore) ConsumeLoginTransaction(ctx context.Context, txID string) (*LoginTransaction, error) {
	var tx LoginTransaction
	if err := s.getDelJSON(ctx, redisKey("tx", txID), &tx); err != nil {
		return nil, err
	}
	if tx.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &tx, nil
}

// AcquireLock takes a mutual-exclusion lock on key using an atomic
// set-if-not-exists with expiry.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token, err := RandomString(16)
	if err != nil {
		return "", err
	}
	acquired, err := s.client.SetNX(ctx, redisKey("lock", key), token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !acquired {
		return "", ErrLockHeld
	}
	return token, nil
}

// ReleaseLock releases key if token matches the current holder.
func (s *RedisStore) ReleaseLock(ctx context.Context, key, token string) error {
	return releaseLockScript.Run(ctx, s.client, []string{redisKey("lock", key)}, token).Err()
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
