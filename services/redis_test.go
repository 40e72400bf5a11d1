package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votuanthanh/opcua-bridge/config"
)

func TestNewRedisClient_Unreachable(t *testing.T) {
	// Port 1 on loopback refuses connections.
	client, err := NewRedisClient(context.Background(), config.RedisConfig{Address: "127.0.0.1:1", PoolSize: 1})
	require.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestCloseRedisClient_Nil(t *testing.T) {
	assert.NoError(t, CloseRedisClient(nil))
}
