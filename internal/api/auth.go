package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// TokenFileName is the token file kept next to the state file.
	TokenFileName  = "api_token"
	apiTokenLength = 32 // 256 bits
	bearerPrefix   = "Bearer "
)

// TokenManager holds the API bearer token. A configured token takes
// precedence over the token file.
type TokenManager struct {
	mu        sync.RWMutex
	tokenPath string
	token     string
	loaded    bool
}

// NewTokenManager creates a manager. static is used as-is when non-empty.
func NewTokenManager(tokenPath, static string) *TokenManager {
	atm := &TokenManager{tokenPath: tokenPath}
	if static != "" {
		atm.token = static
		atm.loaded = true
	}
	return atm
}

// GenerateToken creates a new random token and writes it to the token file.
func (atm *TokenManager) GenerateToken() (string, error) {
	if atm.tokenPath == "" {
		return "", fmt.Errorf("no token file configured")
	}
	if err := os.MkdirAll(filepath.Dir(atm.tokenPath), 0700); err != nil {
		return "", fmt.Errorf("failed to create token directory: %w", err)
	}

	tokenBytes := make([]byte, apiTokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(tokenBytes)

	if err := os.WriteFile(atm.tokenPath, []byte(token), 0600); err != nil {
		return "", fmt.Errorf("failed to write token: %w", err)
	}

	atm.mu.Lock()
	atm.token = token
	atm.loaded = true
	atm.mu.Unlock()
	return token, nil
}

// LoadToken reads the token file once. A missing file leaves the API open.
func (atm *TokenManager) LoadToken() error {
	atm.mu.Lock()
	defer atm.mu.Unlock()

	if atm.loaded || atm.tokenPath == "" {
		return nil
	}
	tokenBytes, err := os.ReadFile(atm.tokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read token: %w", err)
	}
	atm.token = strings.TrimSpace(string(tokenBytes))
	atm.loaded = true
	return nil
}

// Enabled reports whether requests must carry the token.
func (atm *TokenManager) Enabled() bool {
	atm.mu.RLock()
	defer atm.mu.RUnlock()
	return atm.token != ""
}

// Token returns the current token, or "" when none is set.
func (atm *TokenManager) Token() string {
	atm.mu.RLock()
	defer atm.mu.RUnlock()
	return atm.token
}

// ValidateToken compares in constant time.
func (atm *TokenManager) ValidateToken(provided string) bool {
	atm.mu.RLock()
	defer atm.mu.RUnlock()

	if atm.token == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(atm.token)) == 1
}

// Middleware rejects requests without a valid bearer token. The websocket
// route may pass the token as a "token" query parameter instead.
func (atm *TokenManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := atm.LoadToken(); err != nil {
			writeInternalError(w, "Authentication not configured")
			return
		}
		if !atm.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := r.URL.Query().Get("token")
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			if !strings.HasPrefix(authHeader, bearerPrefix) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Invalid Authorization format")
				return
			}
			token = strings.TrimPrefix(authHeader, bearerPrefix)
		}
		if !atm.ValidateToken(token) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimiter is a sliding-window limiter keyed by client address.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter allows limit requests per window. limit <= 0 disables it.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow records a request from client and reports whether it is within
// the limit.
func (rl *RateLimiter) Allow(client string) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	valid := rl.requests[client][:0]
	for _, t := range rl.requests[client] {
		if now.Sub(t) < rl.window {
			valid = append(valid, t)
		}
	}
	if len(valid) >= rl.limit {
		rl.requests[client] = valid
		return false
	}
	rl.requests[client] = append(valid, now)
	return true
}

// Middleware answers 429 once a client exceeds the limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			client = host
		}
		if !rl.Allow(client) {
			writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
