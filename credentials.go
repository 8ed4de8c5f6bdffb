package chatcore

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// CredentialStore keeps the single bearer credential of the signed-in user.
type CredentialStore interface {
	Load() (string, error)
	Save(token string) error
	Clear() error
}

// MemoryCredentialStore is a CredentialStore that lives in memory.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryCredentialStore creates a store holding token.
func NewMemoryCredentialStore(token string) *MemoryCredentialStore {
	return &MemoryCredentialStore{token: token}
}

func (s *MemoryCredentialStore) Load() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *MemoryCredentialStore) Save(token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

func (s *MemoryCredentialStore) Clear() error {
	return s.Save("")
}

// TokenClaims are the claims read from a bearer token. The signature is not
// checked; the backend does that.
type TokenClaims struct {
	UserID    string
	ExpiresAt time.Time
}

// ParseToken reads the claims of a JWT without verifying it.
func ParseToken(token string) (TokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenClaims{}, err
	}
	var tc TokenClaims
	for _, k := range []string{"user_id", "id", "sub"} {
		if v, ok := claims[k].(string); ok && v != "" {
			tc.UserID = v
			break
		}
	}
	switch exp := claims["exp"].(type) {
	case float64:
		tc.ExpiresAt = time.Unix(int64(exp), 0)
	case int64:
		tc.ExpiresAt = time.Unix(exp, 0)
	}
	return tc, nil
}

// TokenUsable reports whether token is present and not expired at now.
// Tokens that are not JWTs are passed through to the backend.
func TokenUsable(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	return claims.VerifyExpiresAt(now.Unix(), false)
}
