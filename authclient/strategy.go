package authclient

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"
)

// Strategy customizes the generic request pipeline for one provider.
// Provider clients pass their own implementation to New instead of
// overriding client methods.
type Strategy interface {
	// PrepareRequest runs on every outgoing resource request before the
	// bearer token is attached.
	PrepareRequest(req *http.Request) error
	// HandleNotOK converts a decoded non-2xx response into an error.
	HandleNotOK(resp *Response) error
}

// DefaultStrategy adds nothing to requests and reports failures as
// *ProviderError.
type DefaultStrategy struct{}

func (DefaultStrategy) PrepareRequest(*http.Request) error { return nil }

func (DefaultStrategy) HandleNotOK(resp *Response) error {
	return NewProviderError(resp)
}

// Response is a resource API response with its body decoded according to
// the declared content type: JSON as any, images as []byte, anything else as
// string. A 204 or an empty body decodes to nil.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       any
	Raw        []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the raw JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Raw) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(r.Raw, v)
}

func decodeBody(contentType string, status int, raw []byte) any {
	if status == http.StatusNoContent || len(raw) == 0 {
		return nil
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
		return string(raw)
	case strings.HasPrefix(mediaType, "image/"):
		out := make([]byte, len(raw))
		copy(out, raw)
		return out
	default:
		return string(raw)
	}
}
