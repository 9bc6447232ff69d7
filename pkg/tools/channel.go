package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrTransport is wrapped by every HTTPChannel failure that is not a tool result.
var ErrTransport = errors.New("tool transport failure")

// Endpoint addresses the control surface of one session.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Channel delivers a tool invocation to a session's control surface.
type Channel interface {
	Invoke(ctx context.Context, endpoint Endpoint, name string, input map[string]any) (Result, error)
}

// maxResponseBytes bounds a tool response; screenshots dominate the size.
const maxResponseBytes = 32 << 20

// HTTPChannel posts invocations to http://host:port/v1/tools/<name>.
type HTTPChannel struct {
	client *http.Client
}

// NewHTTPChannel uses client, or a client with a 5 minute timeout when nil.
// Per-call deadlines come from the context.
func NewHTTPChannel(client *http.Client) *HTTPChannel {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPChannel{client: client}
}

// Invoke sends input as the JSON body. Transport failures and non-2xx
// statuses are returned as errors wrapping ErrTransport.
func (c *HTTPChannel) Invoke(ctx context.Context, endpoint Endpoint, name string, input map[string]any) (Result, error) {
	if input == nil {
		input = map[string]any{}
	}
	body, err := json.Marshal(input)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode %s input: %w", name, err)
	}

	url := fmt.Sprintf("http://%s/v1/tools/%s", endpoint, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrTransport, name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("%w: failed to read %s response: %v", ErrTransport, name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(data)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return Result{}, fmt.Errorf("%w: %s returned status %d: %s", ErrTransport, name, resp.StatusCode, snippet)
	}

	var result Result
	if len(bytes.TrimSpace(data)) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("%w: invalid %s response: %v", ErrTransport, name, err)
	}
	return result, nil
}
