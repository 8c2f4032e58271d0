// Package consensus submits relay messages to an append-only, topic-addressed log.
package consensus

import (
	"context"
	"errors"
	"fmt"
)

// ErrRejected is returned when the log answers with anything but an explicit success.
var ErrRejected = errors.New("submission rejected")

// Message is one append request.
type Message struct {
	TopicID string
	// Key deduplicates resubmissions on sinks that support it.
	Key     string
	Payload []byte
}

// Sink appends messages to the consensus log. Submit returns the per-topic
// sequence number assigned to the message. The deadline is carried by ctx.
type Sink interface {
	Submit(ctx context.Context, msg Message) (uint64, error)
	Close() error
}

// Config selects and configures a sink.
type Config struct {
	Type  string      `yaml:"type"`
	URL   string      `yaml:"url"`
	Token string      `yaml:"token"`
	Redis RedisConfig `yaml:"redis"`
}

// Sink types.
const (
	TypeHTTP  = "http"
	TypeRedis = "redis"
	TypeLog   = "log"
)

// New builds the sink named by cfg.Type.
func New(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Type {
	case TypeHTTP:
		return NewHTTPSink(cfg.URL, cfg.Token, 0), nil
	case TypeRedis:
		return NewRedisSink(ctx, cfg.Redis)
	case TypeLog, "":
		return NewLogSink(), nil
	default:
		return nil, fmt.Errorf("unsupported sink type %q", cfg.Type)
	}
}
