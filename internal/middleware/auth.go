// Package middleware provides HTTP middleware for the webhook server.
package middleware

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// CallerKey is the context key for the verified token subject.
	CallerKey ContextKey = "caller"
	// UserEmailKey is the context key for the caller's email, when the token carries one.
	UserEmailKey ContextKey = "user_email"
)

// GoogleChatIssuer signs the bearer tokens on Google Chat app requests.
const GoogleChatIssuer = "chat@system.gserviceaccount.com"

// Claims are the token claims read by the middleware.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// KeySource resolves RSA verification keys by key id.
type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// GoogleChatAuth verifies the RS256 bearer token Google Chat attaches to
// app requests: signed by the Chat service account and issued for audience.
func GoogleChatAuth(keys KeySource, audience string) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(GoogleChatIssuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	return bearer(parser, func(r *http.Request) jwt.Keyfunc {
		return func(token *jwt.Token) (interface{}, error) {
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("token has no key id")
			}
			return keys.Key(r.Context(), kid)
		}
	})
}

// HMACAuth verifies HS256 bearer tokens signed with secret, as used by the
// local client.
func HMACAuth(secret string) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return bearer(parser, func(*http.Request) jwt.Keyfunc {
		return func(*jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}
	})
}

func bearer(parser *jwt.Parser, keyfunc func(*http.Request) jwt.Keyfunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				http.Error(w, `{"error":"invalid authorization header format"}`, http.StatusUnauthorized)
				return
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(parts[1], claims, keyfunc(r))
			if err != nil || !token.Valid {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), CallerKey, claims.Subject)
			if claims.Email != "" {
				ctx = context.WithValue(ctx, UserEmailKey, strings.ToLower(claims.Email))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCaller gets the verified token subject from context.
func GetCaller(ctx context.Context) string {
	if v, ok := ctx.Value(CallerKey).(string); ok {
		return v
	}
	return ""
}

// GetUserEmail gets the caller's email from context.
func GetUserEmail(ctx context.Context) string {
	if v, ok := ctx.Value(UserEmailKey).(string); ok {
		return v
	}
	return ""
}

// CertCache fetches a JSON map of key id to PEM certificate, such as
// Google's published service account certificates, and caches the keys.
type CertCache struct {
	URL    string
	TTL    time.Duration
	Client *http.Client

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

// NewCertCache creates a cache that refreshes hourly.
func NewCertCache(url string) *CertCache {
	return &CertCache{URL: url, TTL: time.Hour, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Key implements KeySource. An unknown kid forces one refresh, since keys rotate.
func (c *CertCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetched) < c.TTL {
		return key, nil
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return key, nil
}

func (c *CertCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build certificate request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch certificates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch certificates: status %d", resp.StatusCode)
	}

	var certs map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&certs); err != nil {
		return fmt.Errorf("failed to decode certificates: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(certs))
	for kid, pem := range certs {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
		if err != nil {
			return fmt.Errorf("failed to parse certificate %s: %w", kid, err)
		}
		keys[kid] = key
	}
	c.keys, c.fetched = keys, time.Now()
	return nil
}
