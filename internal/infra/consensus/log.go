package consensus

import (
	"context"
	"log/slog"
	"sync"
)

// LogSink is an in-process sink that writes each message to the log.
type LogSink struct {
	mu   sync.Mutex
	seqs map[string]uint64
	keys map[string]uint64
	log  *slog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{
		seqs: make(map[string]uint64),
		keys: make(map[string]uint64),
		log:  slog.Default().With("component", "log-sink"),
	}
}

func (s *LogSink) Submit(ctx context.Context, msg Message) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dedup := msg.TopicID + "/" + msg.Key
	if seq, ok := s.keys[dedup]; ok && msg.Key != "" {
		return seq, nil
	}
	s.seqs[msg.TopicID]++
	seq := s.seqs[msg.TopicID]
	if msg.Key != "" {
		s.keys[dedup] = seq
	}

	s.log.Info("Message appended", "topic", msg.TopicID, "seq", seq, "key", msg.Key, "bytes", len(msg.Payload))
	return seq, nil
}

func (s *LogSink) Close() error { return nil }
