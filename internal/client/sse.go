// Package client consumes the server's change feed.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/flowshelf/internal/events"
	"github.com/fruitsalade/flowshelf/internal/logging"
)

// EventsPath is the SSE endpoint relative to the server URL.
const EventsPath = "/workflow-manager/events"

// SSEEvent is one decoded server-sent event.
type SSEEvent struct {
	events.Event
	Raw json.RawMessage `json:"-"`
}

// SSEClient handles Server-Sent Events from the server.
type SSEClient struct {
	baseURL      string
	httpClient   *http.Client
	reconnectMin time.Duration
	reconnectMax time.Duration
}

// NewSSEClient creates a new SSE client.
func NewSSEClient(baseURL string) *SSEClient {
	return &SSEClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0, // No timeout for SSE
		},
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
	}
}

// Subscribe connects to the SSE endpoint and returns a channel of events.
// The channel is closed once ctx is done.
func (c *SSEClient) Subscribe(ctx context.Context) <-chan SSEEvent {
	out := make(chan SSEEvent, 100)
	go c.subscribeLoop(ctx, out)
	return out
}

func (c *SSEClient) subscribeLoop(ctx context.Context, out chan<- SSEEvent) {
	defer close(out)

	reconnectDelay := c.reconnectMin

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		received, err := c.connect(ctx, out)
		if ctx.Err() != nil {
			return
		}
		if received {
			reconnectDelay = c.reconnectMin
		}

		logging.Warn("SSE connection lost",
			zap.Error(err),
			zap.Duration("retry_in", reconnectDelay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		reconnectDelay *= 2
		if reconnectDelay > c.reconnectMax {
			reconnectDelay = c.reconnectMax
		}
	}
}

// connect streams events until the connection ends. It reports whether any
// event arrived.
func (c *SSEClient) connect(ctx context.Context, out chan<- SSEEvent) (bool, error) {
	url := c.baseURL + EventsPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	logging.Info("SSE connected", zap.String("url", url))

	received := false
	scanner := bufio.NewScanner(resp.Body)
	var eventType, data string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data != "" {
				ev := SSEEvent{Raw: json.RawMessage(data)}
				if err := json.Unmarshal([]byte(data), &ev.Event); err != nil {
					logging.Debug("SSE event not decodable", zap.Error(err))
				}
				if ev.Type == "" {
					ev.Type = eventType
				}
				select {
				case out <- ev:
					received = true
				case <-ctx.Done():
					return received, ctx.Err()
				}
			}
			eventType, data = "", ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			eventType = strings.TrimSpace(v)
		} else if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(v)
		}
	}

	if err := scanner.Err(); err != nil {
		return received, fmt.Errorf("read: %w", err)
	}
	return received, fmt.Errorf("connection closed")
}
