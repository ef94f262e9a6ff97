package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/realtime-notes/collab/internal/protocol"
)

const defaultRequestTimeout = 10 * time.Second

// REST makes request/response calls to the collaboration endpoint. It is
// shared by the polling transport and the history controller.
type REST struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewREST creates a caller targeting baseURL (e.g. "http://127.0.0.1:8080").
// An empty token omits the Authorization header on every request; anonymous
// participants authenticate purely through the sessionId carried in
// payloads.
func NewREST(baseURL, token string, timeout time.Duration) *REST {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &REST{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// Get issues a GET and decodes the response into out.
func (c *REST) Get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return protocol.NetworkError(err)
	}
	return c.do(req, out)
}

// Post issues a POST with a JSON body and decodes the response into out.
// out may be nil when the response body is irrelevant.
func (c *REST) Post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return protocol.ProtocolError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return protocol.NetworkError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *REST) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return protocol.NetworkError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return protocol.StatusError(resp.StatusCode, serverMessage(resp.Body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return protocol.ProtocolError(err)
	}
	return nil
}

// serverMessage extracts the server-provided message from an error body
// when present, falling back to the raw body text.
func serverMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var p protocol.ErrorPayload
	if json.Unmarshal(data, &p) == nil && p.Message != "" {
		return p.Message
	}
	return string(bytes.TrimSpace(data))
}
