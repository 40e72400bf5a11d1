package websocket

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votuanthanh/opcua-bridge/config"
)

func testAuthConfig() *config.AuthConfig {
	return &config.AuthConfig{
		Enabled:           true,
		JWTSecret:         testSecret,
		TokenQueryParam:   "token",
		RevocationListKey: "jwt:revoked",
	}
}

func TestJWTValidator_ValidateToken(t *testing.T) {
	v := NewJWTValidator(testAuthConfig(), testTarget, nil)
	hour := jwt.NewNumericDate(time.Now().Add(time.Hour))

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, ReadingClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: hour},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	otherSecret, err := jwt.NewWithClaims(jwt.SigningMethodHS256, ReadingClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: hour},
	}).SignedString([]byte("another-secret"))
	require.NoError(t, err)

	testCases := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "valid", token: signToken(t, "op-1", []string{ReadAccess}, "Temperature")},
		{name: "expired", token: signClaims(t, ReadingClaims{RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}), wantErr: true},
		{name: "no expiry", token: signClaims(t, ReadingClaims{Nodes: []string{"*"}, Access: []string{ReadAccess}}), wantErr: true},
		{name: "unsigned", token: unsigned, wantErr: true},
		{name: "wrong secret", token: otherSecret, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			claims, err := v.ValidateToken(context.Background(), tc.token)
			if tc.wantErr {
				assert.Error(t, err)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "op-1", claims.Subject)
			assert.Equal(t, []string{"Temperature"}, claims.Nodes)
		})
	}
}

func TestJWTValidator_Authorize(t *testing.T) {
	v := NewJWTValidator(testAuthConfig(), testTarget, nil)
	assert.Equal(t, testTarget, v.Target())

	assert.NoError(t, v.Authorize(&ReadingClaims{Nodes: []string{"Temperature"}, Access: []string{ReadAccess}}))

	err := v.Authorize(&ReadingClaims{Nodes: []string{"Pressure"}, Access: []string{ReadAccess}})
	assert.ErrorIs(t, err, ErrNotPermitted)
	assert.ErrorContains(t, err, `Temperature (ns=1;s="Device_1"."Variable_1")`)

	assert.ErrorIs(t, v.Authorize(&ReadingClaims{Nodes: []string{"Temperature"}}), ErrNotPermitted)
}

func TestJWTValidator_RevocationFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	v := NewJWTValidator(testAuthConfig(), testTarget, rdb)

	token := signClaims(t, ReadingClaims{
		Nodes:  []string{"Temperature"},
		Access: []string{ReadAccess},
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	claims, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "jti-1", claims.ID)
}

func TestJWTValidator_RejectsRevokedToken(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("Skipping integration test: set INTEGRATION env var to run")
	}
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	require.NoError(t, rdb.Ping(ctx).Err(), "Redis must be reachable")

	cfg := testAuthConfig()
	require.NoError(t, rdb.Set(ctx, cfg.RevocationListKey+":jti-revoked", 1, time.Minute).Err())
	defer rdb.Del(ctx, cfg.RevocationListKey+":jti-revoked")

	token := signClaims(t, ReadingClaims{
		Nodes:  []string{"Temperature"},
		Access: []string{ReadAccess},
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-revoked",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	_, err := NewJWTValidator(cfg, testTarget, rdb).ValidateToken(ctx, token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestTarget_String(t *testing.T) {
	assert.Equal(t, "ns=2;i=7", Target{NodeID: "ns=2;i=7"}.String())
	assert.Equal(t, "Temperature (ns=2;i=7)", Target{NodeID: "ns=2;i=7", BrowseName: "Temperature"}.String())
}
