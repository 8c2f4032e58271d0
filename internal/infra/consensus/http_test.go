package consensus

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPSink_Submit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/topics/0.0.1001/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization %q", got)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "0xfeed" {
			t.Errorf("unexpected idempotency key %q", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing request id")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"hello":"world"}` {
			t.Errorf("payload not forwarded verbatim: %s", body)
		}
		_, _ = w.Write([]byte(`{"status":"SUCCESS","sequenceNumber":17}`))
	}))
	defer server.Close()

	sink := NewHTTPSink(server.URL+"/", "secret", 5*time.Second)
	defer sink.Close()

	seq, err := sink.Submit(context.Background(), Message{
		TopicID: "0.0.1001",
		Key:     "0xfeed",
		Payload: []byte(`{"hello":"world"}`),
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if seq != 17 {
		t.Errorf("expected sequence 17, got %d", seq)
	}
}

func TestHTTPSink_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"non success status", http.StatusOK, `{"status":"INVALID_TOPIC_ID","message":"no such topic"}`},
		{"server error", http.StatusInternalServerError, `boom`},
		{"rate limited", http.StatusTooManyRequests, `slow down`},
		{"bad sequence", http.StatusOK, `{"status":"SUCCESS","sequenceNumber":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			sink := NewHTTPSink(server.URL, "", time.Second)
			_, err := sink.Submit(context.Background(), Message{TopicID: "t", Payload: []byte(`{}`)})
			if !errors.Is(err, ErrRejected) {
				t.Errorf("expected ErrRejected, got %v", err)
			}
		})
	}
}

func TestHTTPSink_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	sink := NewHTTPSink(server.URL, "", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sink.Submit(ctx, Message{TopicID: "t", Payload: []byte(`{}`)})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
