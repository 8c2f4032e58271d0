package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const statusSuccess = "SUCCESS"

// HTTPSink submits messages to a consensus log gateway over HTTP.
type HTTPSink struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPSink creates a gateway sink. A zero timeout leaves the deadline
// entirely to the caller's context.
func NewHTTPSink(baseURL, token string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type submitResponse struct {
	Status         string      `json:"status"`
	SequenceNumber json.Number `json:"sequenceNumber"`
	Message        string      `json:"message,omitempty"`
}

// Submit posts msg.Payload to the topic and returns the assigned sequence number.
func (s *HTTPSink) Submit(ctx context.Context, msg Message) (uint64, error) {
	endpoint := fmt.Sprintf("%s/api/v1/topics/%s/messages", s.baseURL, url.PathEscape(msg.TopicID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msg.Payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if msg.Key != "" {
		req.Header.Set("Idempotency-Key", msg.Key)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("submit to topic %s: %w", msg.TopicID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("%w: http %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out submitResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("parse response: %w", err)
	}
	if out.Status != statusSuccess {
		return 0, fmt.Errorf("%w: status %q: %s", ErrRejected, out.Status, out.Message)
	}

	seq, err := strconv.ParseUint(out.SequenceNumber.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid sequence number %q", ErrRejected, out.SequenceNumber)
	}
	return seq, nil
}

// Close releases idle connections.
func (s *HTTPSink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}
