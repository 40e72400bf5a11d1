package websocket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"

	"github.com/votuanthanh/opcua-bridge/config"
)

// ReadAccess is the access a token must grant to receive readings.
const ReadAccess = "read"

var (
	ErrTokenRevoked = errors.New("token has been revoked")
	ErrNotPermitted = errors.New("token does not grant read access to the monitored variable")
)

// Target names the monitored variable. A token may refer to it by node id
// or by browse name.
type Target struct {
	NodeID     string
	BrowseName string
}

func (t Target) String() string {
	if t.BrowseName == "" {
		return t.NodeID
	}
	return fmt.Sprintf("%s (%s)", t.BrowseName, t.NodeID)
}

// ReadingClaims are the JWT claims a push client presents at handshake.
// Nodes lists the variables the token covers; an entry ending in "*"
// covers every name with that prefix. Access lists the granted operations.
// The jti claim is the revocation key.
type ReadingClaims struct {
	Nodes  []string `json:"nodes"`
	Access []string `json:"access"`
	jwt.RegisteredClaims
}

// Permits reports whether the claims grant read access to t. Nil claims
// (auth disabled) permit everything.
func (c *ReadingClaims) Permits(t Target) bool {
	if c == nil {
		return true
	}
	if !slices.Contains(c.Access, ReadAccess) {
		return false
	}
	for _, node := range c.Nodes {
		if nodeMatches(node, t.NodeID) || nodeMatches(node, t.BrowseName) {
			return true
		}
	}
	return false
}

func nodeMatches(pattern, name string) bool {
	if name == "" {
		return false
	}
	if prefix, wildcard := strings.CutSuffix(pattern, "*"); wildcard {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}

// JWTValidator checks handshake tokens against the monitored variable.
type JWTValidator struct {
	cfg         *config.AuthConfig
	target      Target
	redisClient *redis.Client
	parser      *jwt.Parser
}

// NewJWTValidator creates a validator for tokens reading target. redisClient
// may be nil, in which case revocation is not checked.
func NewJWTValidator(cfg *config.AuthConfig, target Target, redisClient *redis.Client) *JWTValidator {
	return &JWTValidator{
		cfg:         cfg,
		target:      target,
		redisClient: redisClient,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Target returns the variable tokens are checked against.
func (v *JWTValidator) Target() Target {
	return v.target
}

// ValidateToken checks the signature, the expiry and the revocation list.
// It does not check what the token grants; see Authorize.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*ReadingClaims, error) {
	claims := &ReadingClaims{}
	if _, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(v.cfg.JWTSecret), nil
	}); err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}

	revoked, err := v.isRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open: a Redis outage must not lock every client out.
		log.Printf("CRITICAL: Failed to check token revocation status: %v", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Authorize returns ErrNotPermitted unless claims grant read access to the
// monitored variable.
func (v *JWTValidator) Authorize(claims *ReadingClaims) error {
	if !claims.Permits(v.target) {
		return fmt.Errorf("%w: %s", ErrNotPermitted, v.target)
	}
	return nil
}

func (v *JWTValidator) isRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		log.Println("Warning: JWT token is missing 'jti' claim, cannot check for revocation.")
		return false, nil
	}
	if v.redisClient == nil {
		return false, nil
	}
	n, err := v.redisClient.Exists(ctx, v.cfg.RevocationListKey+":"+jti).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}
	return n == 1, nil
}
