// Package joplin pushes formatted notes to a Joplin Webclipper endpoint.
package joplin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Note is the payload posted to the note service.
type Note struct {
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	SourceURL string   `json:"source_url"`
	Tags      []string `json:"tags"`
}

// PublishError reports a failed note-service call. Publishing is a
// best-effort side effect: callers log this and keep the item processed.
type PublishError struct {
	StatusCode int
	Err        error
}

func (e *PublishError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("joplin: publish failed: %v", e.Err)
	}
	return fmt.Sprintf("joplin: publish failed with status %d", e.StatusCode)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Client performs single-shot note creation calls.
type Client struct {
	http *http.Client
}

// NewClient creates a client with the given request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// CreateNote posts the note to endpoint authenticated by token and returns
// the identifier of the created note. One POST, no retries.
func (c *Client) CreateNote(ctx context.Context, endpoint, token string, note Note) (string, error) {
	target, err := url.Parse(endpoint)
	if err != nil {
		return "", &PublishError{Err: fmt.Errorf("invalid endpoint: %w", err)}
	}
	q := target.Query()
	q.Set("token", token)
	target.RawQuery = q.Encode()

	body, err := json.Marshal(note)
	if err != nil {
		return "", &PublishError{Err: fmt.Errorf("marshal note: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return "", &PublishError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &PublishError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &PublishError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(payload))),
		}
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", &PublishError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return created.ID, nil
}
