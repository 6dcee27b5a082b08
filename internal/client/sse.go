package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"nodectl/internal/logging"
	"nodectl/internal/types"
)

// ProgressStream subscribes to the SSE progress feed of a session. The
// channel closes when the server ends the stream, the connection drops, or
// the returned cancel func is called.
func (c *Client) ProgressStream(ctx context.Context, sessionID string) (<-chan types.ProgressMessage, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+sessionPath(sessionID, "stream"), nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	c.authorize(req)
	req.Header.Set("Accept", "text/event-stream")

	var transport http.RoundTripper
	if c.http != nil {
		transport = c.http.Transport
	}
	httpClient := &http.Client{Transport: transport}
	resp, err := httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		cancel()
		c.logger.Debug("progress_stream_rejected",
			logging.F("session_id", sessionID),
			logging.F("status", resp.StatusCode),
		)
		return nil, nil, decodeAPIError(resp)
	}
	c.logger.Debug("progress_stream_open", logging.F("session_id", sessionID))

	ch := make(chan types.ProgressMessage, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		start := time.Now()
		count := 0
		err := readSSE(resp.Body, func(payload []byte) bool {
			var msg types.ProgressMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				c.logger.Debug("progress_stream_bad_frame",
					logging.F("session_id", sessionID),
					logging.Err(err),
				)
				return true
			}
			select {
			case ch <- msg:
				count++
				return true
			case <-ctx.Done():
				return false
			}
		})
		fields := []logging.Field{
			logging.F("session_id", sessionID),
			logging.F("count", count),
			logging.F("duration", time.Since(start)),
		}
		if err != nil && ctx.Err() == nil {
			fields = append(fields, logging.Err(err))
		}
		c.logger.Debug("progress_stream_close", fields...)
	}()

	return ch, cancel, nil
}

// readSSE splits an event stream into data payloads. Multi-line data fields
// are joined with newlines; comments and other fields are ignored.
func readSSE(body io.Reader, emit func(payload []byte) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(dataLines) == 0 {
				continue
			}
			payload := strings.Join(dataLines, "\n")
			dataLines = dataLines[:0]
			if !emit([]byte(payload)) {
				return nil
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}
	}
	return scanner.Err()
}
