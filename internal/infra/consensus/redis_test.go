package consensus

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

func TestRedisSink_Submit(t *testing.T) {
	url := os.Getenv("RELAY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("RELAY_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	prefix := fmt.Sprintf("relaytest%d", time.Now().UnixNano())
	sink, err := NewRedisSink(ctx, RedisConfig{URL: url, Prefix: prefix})
	if err != nil {
		t.Fatalf("NewRedisSink failed: %v", err)
	}
	defer sink.Close()
	defer sink.rdb.Del(ctx, sink.seqKey("t"), sink.streamKey("t"), sink.dedupKey("t"))

	first, err := sink.Submit(ctx, Message{TopicID: "t", Key: "k1", Payload: []byte(`{"n":1}`)})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	second, err := sink.Submit(ctx, Message{TopicID: "t", Key: "k2", Payload: []byte(`{"n":2}`)})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if first != 1 || second != 2 {
		t.Errorf("expected sequences 1 and 2, got %d and %d", first, second)
	}

	again, err := sink.Submit(ctx, Message{TopicID: "t", Key: "k1", Payload: []byte(`{"n":1}`)})
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if again != first {
		t.Errorf("resubmitted key should return %d, got %d", first, again)
	}

	n, err := sink.rdb.XLen(ctx, sink.streamKey("t")).Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 stream entries, got %d", n)
	}
}
