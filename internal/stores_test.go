package internal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDSN(t *testing.T) {
	dsn, err := normalizeDSN("vrlink:secret@tcp(127.0.0.1:3306)/vrlink")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")

	_, err = normalizeDSN("no slash")
	assert.Error(t, err)
}

func TestSessionStoreRejectsConfig(t *testing.T) {
	_, err := NewSessionStore(context.Background(), DatabaseConfig{MySQLDSN: "no slash"})
	assert.ErrorIs(t, err, &LinkError{Code: ErrCodeConfiguration})
}

func TestSessionStoreUnreachable(t *testing.T) {
	_, err := NewSessionStore(context.Background(), DatabaseConfig{
		MySQLDSN:          "vrlink:secret@tcp(127.0.0.1:1)/vrlink",
		ConnectionTimeout: 1,
	})
	assert.ErrorIs(t, err, &LinkError{Code: ErrCodeDatabase})
}

func TestPeerCacheUnreachable(t *testing.T) {
	_, err := NewPeerCache(context.Background(), DatabaseConfig{
		RedisAddr:         "127.0.0.1:1",
		ConnectionTimeout: 1,
		MaxConnections:    1,
	})
	assert.ErrorIs(t, err, &LinkError{Code: ErrCodeCache})
	assert.Equal(t, "vrlink:host:quest", peerKey("quest"))
}
