package internal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

const (
	peerKeyPrefix      = "vrlink:host:"
	telemetryKeyPrefix = "vrlink:telemetry:"
	telemetryChannel   = "vrlink:telemetry"
	telemetryTTL       = 10 * time.Second
)

// PeerCache keeps the last host each device connected to, for connection
// recovery after a restart, and publishes live telemetry.
type PeerCache struct {
	client *redis.Client
	ttl    time.Duration
	logger logr.Logger
}

// NewPeerCache connects to Redis and checks it answers.
func NewPeerCache(ctx context.Context, cfg DatabaseConfig) (*PeerCache, error) {
	logger := NewLogger("redis")
	logger.Info("connecting to redis", "address", cfg.RedisAddr)

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: time.Duration(cfg.ConnectionTimeout) * time.Second,
		PoolSize:    cfg.MaxConnections,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, NewError(err, ErrCodeCache, "redis", "ping").WithContext(cfg.RedisAddr)
	}

	logger.Info("redis connected")
	return &PeerCache{
		client: rdb,
		ttl:    time.Duration(cfg.PeerTTLSeconds) * time.Second,
		logger: logger,
	}, nil
}

// RememberHost stores the host address a device last streamed from.
func (r *PeerCache) RememberHost(ctx context.Context, device, address string) error {
	if err := r.client.Set(ctx, peerKey(device), address, r.ttl).Err(); err != nil {
		return NewError(err, ErrCodeCache, "redis", "remember_host")
	}
	return nil
}

// LastHost returns the remembered host of a device, or "" when none.
func (r *PeerCache) LastHost(ctx context.Context, device string) (string, error) {
	val, err := r.client.Get(ctx, peerKey(device)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", NewError(err, ErrCodeCache, "redis", "last_host")
	}
	return val, nil
}

// ForgetHost removes the remembered host of a device.
func (r *PeerCache) ForgetHost(ctx context.Context, device string) error {
	if err := r.client.Del(ctx, peerKey(device)).Err(); err != nil {
		return NewError(err, ErrCodeCache, "redis", "forget_host")
	}
	return nil
}

// PublishTelemetry stores the snapshot under the session key and
// broadcasts it to subscribers of the telemetry channel.
func (r *PeerCache) PublishTelemetry(ctx context.Context, sessionID string, snap TelemetrySnapshot) error {
	payload, err := json.Marshal(telemetryMessage{SessionID: sessionID, Snapshot: snap})
	if err != nil {
		return NewError(err, ErrCodeInternal, "redis", "marshal_telemetry")
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, telemetryKey(sessionID), payload, telemetryTTL)
	pipe.Publish(ctx, telemetryChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return NewError(err, ErrCodeCache, "redis", "publish_telemetry")
	}
	return nil
}

// ActiveSessions lists sessions that published telemetry recently.
func (r *PeerCache) ActiveSessions(ctx context.Context) ([]string, error) {
	var sessions []string
	iter := r.client.Scan(ctx, 0, telemetryKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		sessions = append(sessions, iter.Val()[len(telemetryKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, NewError(err, ErrCodeCache, "redis", "active_sessions")
	}
	return sessions, nil
}

// Ping checks Redis availability.
func (r *PeerCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close gracefully shuts down the Redis connection
func (r *PeerCache) Close() error {
	r.logger.Info("closing redis connection")
	return r.client.Close()
}

type telemetryMessage struct {
	SessionID string            `json:"session_id"`
	Snapshot  TelemetrySnapshot `json:"snapshot"`
}

func peerKey(device string) string {
	return peerKeyPrefix + device
}

func telemetryKey(sessionID string) string {
	return telemetryKeyPrefix + sessionID
}
