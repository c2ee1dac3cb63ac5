package leoprime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Event is one Server-Sent Event published for a run. Data holds the raw
// JSON payload so callers can decode the variant they expect.
type Event struct {
	Type      string          `json:"type"`
	RunID     string          `json:"runId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == "complete" || e.Type == "error"
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// EventStream reads events from an open run stream.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Stream opens the event stream of a run. The caller must Close it.
func (c *Client) Stream(ctx context.Context, runID string) (*EventStream, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/agent/stream/"+url.PathEscape(runID), nil, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	return &EventStream{body: resp.Body, scanner: scanner}, nil
}

// Next returns the next event. It returns io.EOF once the server ends the
// stream. Comment frames used as keep-alives are skipped.
func (s *EventStream) Next() (Event, error) {
	var data strings.Builder
	var name string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				name = ""
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return Event{}, fmt.Errorf("decode event: %w", err)
			}
			if ev.Type == "" {
				ev.Type = name
			}
			return ev, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := s.scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return Event{}, fmt.Errorf("read stream: %w", err)
	}
	return Event{}, io.EOF
}

// Close releases the underlying connection.
func (s *EventStream) Close() error {
	return s.body.Close()
}

// Follow streams a run until its terminal event, calling fn for each event.
// It returns the terminal event, or io.ErrUnexpectedEOF if the stream ended
// without one (for example after a cancellation).
func (c *Client) Follow(ctx context.Context, runID string, fn func(Event)) (Event, error) {
	stream, err := c.Stream(ctx, runID)
	if err != nil {
		return Event{}, err
	}
	defer stream.Close()
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return Event{}, io.ErrUnexpectedEOF
		}
		if err != nil {
			return Event{}, err
		}
		if fn != nil {
			fn(ev)
		}
		if ev.Terminal() {
			return ev, nil
		}
	}
}
