// Package auth implements the operator login account store and session
// cookies for the pull/push management surface: flat bcrypt-hashed
// credentials and server-side session tokens, no external identity
// provider.
package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/sogos/xqueue-dispatch/internal/infrastructure/config"
)

// sessionTTL is how long an issued session cookie remains valid.
const sessionTTL = 24 * time.Hour

// AccountStore holds the configured operator accounts and verifies
// credentials against bcrypt hashes.
type AccountStore struct {
	mu     sync.RWMutex
	hashes map[string]string // username -> bcrypt hash
}

// NewAccountStore builds an account store from the configured user list,
// hashing any plaintext password found there. This lets Users be configured
// either way and is how update_users reconciles a plaintext entry into a
// proper hash on first load.
func NewAccountStore(users []config.UserCredential) (*AccountStore, error) {
	s := &AccountStore{hashes: make(map[string]string, len(users))}
	for _, u := range users {
		if err := s.SetPassword(u.Username, u.Password, u.IsBcrypt); err != nil {
			return nil, fmt.Errorf("failed to register account %q: %w", u.Username, err)
		}
	}
	return s, nil
}

// SetPassword stores hash directly if alreadyHashed, otherwise bcrypt-hashes
// password first. Used both at load time and by the update_users command.
func (s *AccountStore) SetPassword(username, password string, alreadyHashed bool) error {
	hash := password
	if !alreadyHashed {
		b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		hash = string(b)
	}
	s.mu.Lock()
	s.hashes[username] = hash
	s.mu.Unlock()
	return nil
}

// Hash returns the stored bcrypt hash for username, for callers (like
// update_users) that need to persist the reconciled credential set rather
// than just check it.
func (s *AccountStore) Hash(username string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.hashes[username]
	return hash, ok
}

// Authenticate reports whether password is correct for username.
func (s *AccountStore) Authenticate(username, password string) bool {
	s.mu.RLock()
	hash, ok := s.hashes[username]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Sessions issues, validates, and revokes opaque session tokens. SessionStore
// is the in-memory implementation; RedisSessionStore backs the same
// contract with Redis so sessions survive a restart and are shared across
// more than one server instance.
type Sessions interface {
	Issue(username string) string
	Validate(token string) (string, bool)
	Revoke(token string)
}

// session is one issued login session.
type session struct {
	username string
	expires  time.Time
}

// SessionStore issues and validates opaque session tokens for the login/
// logout/status handlers. In-memory: operator sessions are few and
// restart-tolerant (a dropped session just forces a re-login). Used when
// EnableRedisCache is false.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]session
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]session)}
}

// Issue creates a new session for username and returns its token.
func (s *SessionStore) Issue(username string) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.sessions[token] = session{username: username, expires: time.Now().Add(sessionTTL)}
	s.mu.Unlock()
	return token
}

// Validate returns the username bound to token, if the session exists and
// has not expired.
func (s *SessionStore) Validate(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return "", false
	}
	if time.Now().After(sess.expires) {
		delete(s.sessions, token)
		return "", false
	}
	return sess.username, true
}

// Revoke deletes token, logging out its session.
func (s *SessionStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

var (
	_ Sessions = (*SessionStore)(nil)
	_ Sessions = (*RedisSessionStore)(nil)
)
