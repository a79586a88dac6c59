package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voltcore/internal/ocpp/protocol"
)

const (
	presenceKeyPrefix = "voltcore:presence:"
	blockedTagsKey    = "voltcore:blocked_tags"
	presenceTTL       = 24 * time.Hour
)

// NewRedisClient returns a configured go-redis client and validates the
// connection with PING.
func NewRedisClient(addr, password string) (*redis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("storage: redis addr is empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// RedisPresence mirrors device activity into redis with a 24h TTL so other
// services can answer "is this device alive" without asking this process.
// It also serves as the idTag authorization cache.
type RedisPresence struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPresence builds the presence mirror.
func NewRedisPresence(client *redis.Client, logger *zap.Logger) *RedisPresence {
	return &RedisPresence{client: client, logger: logger}
}

// Touch records activity. Best effort: failures are logged.
func (p *RedisPresence) Touch(ctx context.Context, deviceID string, ts time.Time) {
	err := p.client.Set(ctx, presenceKeyPrefix+deviceID, ts.UTC().Format(time.RFC3339), presenceTTL).Err()
	if err != nil {
		p.logger.Warn("presence touch failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// Drop removes the presence key.
func (p *RedisPresence) Drop(ctx context.Context, deviceID string) {
	if err := p.client.Del(ctx, presenceKeyPrefix+deviceID).Err(); err != nil {
		p.logger.Warn("presence drop failed", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// AuthorizeIdTag returns the authorization status for an idTag. Tags on the
// blocklist are rejected; everything else is accepted. A redis failure
// degrades to accept so charging never depends on the cache being up.
func (p *RedisPresence) AuthorizeIdTag(ctx context.Context, idTag string) string {
	blocked, err := p.client.SIsMember(ctx, blockedTagsKey, idTag).Result()
	if err != nil {
		p.logger.Warn("idTag lookup failed", zap.String("id_tag", idTag), zap.Error(err))
		return protocol.AuthorizationAccepted
	}
	if blocked {
		return protocol.AuthorizationBlocked
	}
	return protocol.AuthorizationAccepted
}
