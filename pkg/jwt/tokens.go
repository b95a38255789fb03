package jwt

import (
	"fmt"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Claims defines the node token payload presented to the control plane.
type Claims struct {
	NodeID string `json:"node_id"`
	jwtlib.RegisteredClaims
}

// GenerateToken issues a signed node JWT with provided secret and ttl.
func GenerateToken(nodeID, secret string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(nodeID) == "" {
		return "", fmt.Errorf("node id required")
	}
	if secret == "" {
		return "", fmt.Errorf("signing secret required")
	}
	now := time.Now()
	claims := Claims{
		NodeID: nodeID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "paas-agent",
			Subject:   nodeID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}

// TokenSource yields bearer tokens for outbound requests. A static token wins;
// otherwise a node JWT is minted and reused until close to expiry.
type TokenSource struct {
	static string
	nodeID string
	secret string
	ttl    time.Duration

	mu      sync.Mutex
	current string
	expires time.Time
	now     func() time.Time
}

// NewTokenSource builds a TokenSource.
func NewTokenSource(staticToken, nodeID, secret string, ttl time.Duration) *TokenSource {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenSource{
		static: strings.TrimSpace(staticToken),
		nodeID: nodeID,
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Token returns a bearer token, or an empty string when no credential is configured.
func (s *TokenSource) Token() (string, error) {
	if s == nil {
		return "", nil
	}
	if s.static != "" {
		return s.static, nil
	}
	if s.secret == "" {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.current != "" && now.Add(s.ttl/10).Before(s.expires) {
		return s.current, nil
	}
	token, err := GenerateToken(s.nodeID, s.secret, s.ttl)
	if err != nil {
		return "", err
	}
	s.current = token
	s.expires = now.Add(s.ttl)
	return token, nil
}
