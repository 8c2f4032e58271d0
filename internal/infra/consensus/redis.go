package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	// Prefix namespaces every key the sink writes.
	Prefix string `yaml:"prefix"`
}

// appendScript assigns the next sequence number for a topic and appends the
// message to the topic stream, unless the key was already appended.
//
// KEYS[1] sequence counter, KEYS[2] stream, KEYS[3] key -> sequence hash
// ARGV[1] idempotency key, ARGV[2] payload
var appendScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[3], ARGV[1])
if existing then
	return tonumber(existing)
end
local seq = redis.call('INCR', KEYS[1])
redis.call('XADD', KEYS[2], '*', 'seq', seq, 'key', ARGV[1], 'payload', ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], seq)
return seq
`)

// RedisSink keeps one stream per topic, each entry numbered by a per-topic counter.
type RedisSink struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisSink connects to Redis and verifies the connection.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "relay"
	}
	return &RedisSink{rdb: rdb, prefix: prefix}, nil
}

// Key helpers
func (s *RedisSink) seqKey(topic string) string {
	return fmt.Sprintf("%s:seq:%s", s.prefix, topic)
}

func (s *RedisSink) streamKey(topic string) string {
	return fmt.Sprintf("%s:topic:%s", s.prefix, topic)
}

func (s *RedisSink) dedupKey(topic string) string {
	return fmt.Sprintf("%s:keys:%s", s.prefix, topic)
}

// Submit appends msg to its topic stream.
func (s *RedisSink) Submit(ctx context.Context, msg Message) (uint64, error) {
	keys := []string{s.seqKey(msg.TopicID), s.streamKey(msg.TopicID), s.dedupKey(msg.TopicID)}
	seq, err := appendScript.Run(ctx, s.rdb, keys, msg.Key, msg.Payload).Uint64()
	if err != nil {
		return 0, fmt.Errorf("append to topic %s: %w", msg.TopicID, err)
	}
	return seq, nil
}

// Close closes the Redis connection.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
