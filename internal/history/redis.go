package history

import (
	"context"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"github.com/civicly/chatsync/internal/model"
)

// Redis is a Service backed by a per-room Redis list, trimmed to bound.
type Redis struct {
	rdb   *redis.Client
	bound int
	log   *slog.Logger
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, bound int, log *slog.Logger) (*Redis, error) {
	if log == nil {
		log = slog.Default()
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	log.Info("connected to redis history store")

	if bound < 1 {
		bound = 1000
	}
	return &Redis{rdb: rdb, bound: bound, log: log}, nil
}

func (r *Redis) Recent(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	if limit > r.bound {
		limit = r.bound
	}
	raw, err := r.rdb.LRange(ctx, roomKey(roomID), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}

	msgs := make([]model.Message, 0, len(raw))
	for _, item := range raw {
		var msg model.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			r.log.Warn("skipping undecodable history entry", "room", roomID, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (r *Redis) Append(ctx context.Context, msg model.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := roomKey(msg.RoomID)
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, int64(-r.bound), -1)
	_, err = pipe.Exec(ctx)
	return err
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func roomKey(roomID string) string {
	return "room:" + roomID + ":messages"
}
