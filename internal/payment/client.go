package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// APIError is a non-2xx answer from a provider API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Body)
}

// apiClient is the JSON-over-HTTP plumbing shared by the backends.
type apiClient struct {
	base    string
	http    *http.Client
	headers func(h http.Header)
}

func newAPIClient(base string, hc *http.Client, headers func(h http.Header)) apiClient {
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	return apiClient{base: base, http: hc, headers: headers}
}

// do sends payload (when non-nil) as JSON and decodes a 2xx body into out
// (when non-nil).  Non-2xx statuses come back as *APIError.
func (c apiClient) do(ctx context.Context, method, path string, payload, out any, extra ...func(h http.Header)) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.headers != nil {
		c.headers(req.Header)
	}
	for _, fn := range extra {
		fn(req.Header)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
