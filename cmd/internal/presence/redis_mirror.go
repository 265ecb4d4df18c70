package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"livedesk/cmd/internal/retry"
)

const (
	defaultMirrorPrefix = "livedesk:presence"
	defaultMirrorTTL    = 10 * time.Minute
)

// RedisMirror publishes presence changes to Redis so other processes can observe them.
// Online users are kept as keys with a TTL; every change is also published on the prefix channel.
type RedisMirror struct {
	rdb    redis.UniversalClient
	writer *retry.Writer
	log    *slog.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisMirror builds a mirror. Writes are queued on w so listeners never block on Redis.
func NewRedisMirror(rdb redis.UniversalClient, w *retry.Writer, log *slog.Logger, prefix string, ttl time.Duration) *RedisMirror {
	if log == nil {
		log = slog.Default()
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultMirrorPrefix
	}
	if ttl <= 0 {
		ttl = defaultMirrorTTL
	}
	return &RedisMirror{rdb: rdb, writer: w, log: log, prefix: prefix, ttl: ttl}
}

type mirrorPayload struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
	Online bool   `json:"online"`
	At     string `json:"at"`
}

// Key returns the Redis key holding a user's online marker.
func (m *RedisMirror) Key(userID string) string {
	return m.prefix + ":" + userID
}

// Listener returns the function to pass to Registry.Subscribe.
func (m *RedisMirror) Listener() Listener {
	return func(c Change) {
		err := m.writer.Submit(retry.Job{
			Name: "presence.mirror",
			Run:  func(ctx context.Context) error { return m.Write(ctx, c) },
		})
		if err != nil {
			m.log.Warn("presence.mirror_dropped", "user_id", c.UserID, "err", err)
		}
	}
}

// Write applies one change to Redis.
func (m *RedisMirror) Write(ctx context.Context, c Change) error {
	b, err := json.Marshal(mirrorPayload{
		UserID: c.UserID,
		Role:   c.Role,
		Online: c.Online,
		At:     c.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return retry.Permanent{Err: err}
	}

	pipe := m.rdb.TxPipeline()
	if c.Online {
		pipe.Set(ctx, m.Key(c.UserID), string(c.Role), m.ttl)
	} else {
		pipe.Del(ctx, m.Key(c.UserID))
	}
	pipe.Publish(ctx, m.prefix, b)
	_, err = pipe.Exec(ctx)
	return err
}

// IsOnline reads the mirrored marker for a user.
func (m *RedisMirror) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, m.Key(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Refresh extends the TTL of every online marker. The maintenance scheduler calls it periodically.
func (m *RedisMirror) Refresh(ctx context.Context, online []Change) error {
	if len(online) == 0 {
		return nil
	}
	pipe := m.rdb.Pipeline()
	for _, c := range online {
		pipe.Set(ctx, m.Key(c.UserID), string(c.Role), m.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
