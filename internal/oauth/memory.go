package oauth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-process Store backend: maps guarded by one mutex
// with expiry checks on every read. State does not survive a restart. The
// check-then-set lock acquisition is only sound because all access goes
// through the same mutex in one process.
type MemoryStore struct {
	mu       sync.Mutex
	clients  map[string]*Client
	codes    map[string]*AuthorizationCode
	refresh  map[string]*RefreshToken
	sessions map[string]*Session
	txs      map[string]*LoginTransaction
	locks    map[string]memoryLock

	// now is swappable so tests can step time.
	now func() time.Time
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:  make(map[string]*Client),
		codes:    make(map[string]*AuthorizationCode),
		refresh:  make(map[string]*RefreshToken),
		sessions: make(map[string]*Session),
		txs:      make(map[string]*LoginTransaction),
		locks:    make(map[string]memoryLock),
		now:      time.Now,
	}
}

// SetClock overrides the store's time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateClient persists a new client registration.
func (s *MemoryStore) CreateClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client.ClientID]; ok {
		return ErrAlreadyExists
	}
	s.clients[client.ClientID] = client
	return nil
}

// GetClient returns a client by ID.
func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return client, nil
}

// SaveAuthorizationCode persists a code record.
func (s *MemoryStore) SaveAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.CodeHash] = code
	return nil
}

// ConsumeAuthorizationCode returns and deletes the code record.
func (s *MemoryStore) ConsumeAuthorizationCode(_ context.Context, codeHash string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[codeHash]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.codes, codeHash)
	if code.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return code, nil
}

// SaveRefreshToken persists a refresh token record.
func (s *MemoryStore) SaveRefreshToken(_ context.Context, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[token.TokenHash] = token
	return nil
}

// GetRefreshToken returns a refresh token record.
func (s *MemoryStore) GetRefreshToken(_ context.Context, tokenHash string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.refresh[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	if token.Expired(s.now()) {
		delete(s.refresh, tokenHash)
		return nil, ErrNotFound
	}
	return token, nil
}

// DeleteRefreshToken removes a refresh token record.
func (s *MemoryStore) DeleteRefreshToken(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refresh, tokenHash)
	return nil
}

// SaveSession persists a browser login session.
func (s *MemoryStore) SaveSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
	return nil
}

// GetSession returns a session.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if session.Expired(s.now()) {
		delete(s.sessions, sessionID)
		return nil, ErrNotFound
	}
	return session, nil
}

// DeleteSession removes a session.
func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// SaveLoginTransaction persists an upstream-login transaction.
func (s *MemoryStore) SaveLoginTransaction(_ context.Context, tx *LoginTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.TxID] = tx
	return nil
}

// ConsumeLoginTransaction returns and deletes the transaction.
func (s *MemoryStore) ConsumeLoginTransaction(_ context.Context, txID string) (*LoginTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.txs, txID)
	if tx.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return tx, nil
}

// AcquireLock takes a mutual-exclusion lock on key.
func (s *MemoryStore) AcquireLock(_ context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if held, ok := s.locks[key]; ok && now.Before(held.expiresAt) {
		return "", ErrLockHeld
	}
	token, err := RandomString(16)
	if err != nil {
		return "", err
	}
	s.locks[key] = memoryLock{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

// ReleaseLock releases key if token matches the current holder.
func (s *MemoryStore) ReleaseLock(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[key]; ok && held.token == token {
		delete(s.locks, key)
	}
	return nil
}

// Ping always succeeds for the in-memory backend.
func (*MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory backend.
func (*MemoryStore) Close() error { return nil }
