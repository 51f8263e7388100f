package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/go-authgate/vehicle-link/classifier"
	"github.com/go-authgate/vehicle-link/token"
)

const maxResponseSize = 32 << 20

type requestOptions struct {
	query  url.Values
	header http.Header
}

// RequestOption adjusts a single resource request.
type RequestOption func(*requestOptions)

// WithQuery adds query parameters.
func WithQuery(q url.Values) RequestOption {
	return func(o *requestOptions) {
		for k, vs := range q {
			for _, v := range vs {
				o.query.Add(k, v)
			}
		}
	}
}

// WithHeader sets a request header. Authorization is always overwritten by
// the bearer token.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) { o.header.Set(key, value) }
}

// Get sends an authorized GET request.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil, opts...)
}

// Post sends body as an authorized POST request.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, body, opts...)
}

// Put sends body as an authorized PUT request.
func (c *Client) Put(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodPut, path, body, opts...)
}

// Patch sends body as an authorized PATCH request.
func (c *Client) Patch(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, path, body, opts...)
}

// Delete sends an authorized DELETE request.
func (c *Client) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, opts...)
}

// Do sends an authorized request. path is resolved against the API base URL
// unless it is absolute. body is sent as-is when it is []byte and encoded as
// JSON otherwise. A 401 triggers one forced refresh and exactly one retry.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	o := requestOptions{query: url.Values{}, header: http.Header{}}
	for _, opt := range opts {
		opt(&o)
	}

	target, err := c.resolveURL(path, o.query)
	if err != nil {
		return nil, err
	}

	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	tok, err := c.resolveToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, method, target, payload, o.header, tok)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.log.Info("access token rejected, refreshing", zap.String("method", method), zap.String("path", path))
		fresh, err := c.refreshFrom(ctx, tok)
		if err != nil {
			return nil, fmt.Errorf("refresh after 401 failed: %w", err)
		}
		c.metrics.reactiveRetry()
		resp, err = c.send(ctx, method, target, payload, o.header, fresh)
		if err != nil {
			return nil, err
		}
	}

	return c.finish(resp)
}

func (c *Client) send(
	ctx context.Context,
	method, target string,
	payload []byte,
	header http.Header,
	tok token.Token,
) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header = header.Clone()
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if payload != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.strategy.PrepareRequest(req); err != nil {
		return nil, fmt.Errorf("failed to prepare request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		attempt := classifier.Classify(err, 0, nil, c.now())
		return nil, fmt.Errorf("%s %s: %w", method, req.URL.Path, attempt)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.metrics.request(method, resp.StatusCode)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       decodeBody(resp.Header.Get("Content-Type"), resp.StatusCode, raw),
		Raw:        raw,
	}, nil
}

func (c *Client) finish(resp *Response) (*Response, error) {
	if resp.OK() {
		return resp, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, newRateLimitError(resp, c.now())
	}
	if err := c.strategy.HandleNotOK(resp); err != nil {
		return nil, err
	}
	return nil, NewProviderError(resp)
}

func (c *Client) resolveURL(path string, query url.Values) (string, error) {
	var raw string
	switch {
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		raw = path
	case c.apiBase == "":
		return "", fmt.Errorf("authclient: relative path %q with no API base URL", path)
	default:
		raw = strings.TrimRight(c.apiBase, "/") + "/" + strings.TrimLeft(path, "/")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid request URL: %w", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		return data, nil
	}
}
