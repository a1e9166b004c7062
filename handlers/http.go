package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/teranos/cadence/dispatch"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/version"
)

// maxResponseBody caps how much of a response is kept in the execution log
const maxResponseBody = 4096

type httpPayload struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// httpRequest calls an external endpoint through the SSRF-guarded client.
// 5xx and 429 responses are retried; other non-2xx responses are not.
func (b *Builtins) httpRequest(ctx context.Context, inv dispatch.Invocation) (dispatch.Result, error) {
	var p httpPayload
	if err := inv.Decode(&p); err != nil {
		return nil, errors.Permanent(errors.Wrap(err, "invalid HTTP_REQUEST payload"))
	}
	if p.URL == "" {
		return nil, errors.Permanent(errors.New("url is required"))
	}
	if _, err := b.http.ValidateURL(p.URL); err != nil {
		return nil, errors.Permanent(err)
	}
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(p.Body) > 0 && string(p.Body) != "null" {
		body = bytes.NewReader(bodyBytes(p.Body))
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return nil, errors.Permanent(errors.Wrap(err, "failed to build request"))
	}
	req.Header.Set("User-Agent", version.UserAgent())
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s failed", method, p.URL)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	result := dispatch.Result{
		"status": resp.StatusCode,
		"body":   string(snippet),
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return result, nil
	}
	err = errors.Newf("%s %s returned %d", method, p.URL, resp.StatusCode)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, errors.Transient(err)
	}
	return nil, errors.Permanent(err)
}

// bodyBytes sends a JSON string payload as raw text and anything else as JSON
func bodyBytes(raw json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return raw
}
