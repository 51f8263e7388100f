package vehicle

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-authgate/vehicle-link/authclient"
)

// APIKeyHeader carries the application's API key on every request.
const APIKeyHeader = "X-Api-Key"

// ErrVehicleOffline matches an *APIError reporting that the vehicle is
// asleep or unreachable. WakeUp and retry.
var ErrVehicleOffline = errors.New("vehicle is offline")

// APIError is a non-2xx response from the vehicle API.
type APIError struct {
	Code     string
	Provider *authclient.ProviderError
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("vehicle API error %s (status %d): %s", e.Code, e.Provider.StatusCode, e.Provider.Message)
	}
	return fmt.Sprintf("vehicle API error (status %d): %s", e.Provider.StatusCode, e.Provider.Message)
}

func (e *APIError) Unwrap() error {
	return e.Provider
}

func (e *APIError) Is(target error) bool {
	return target == ErrVehicleOffline &&
		(e.Code == "vehicle_offline" || e.Provider.StatusCode == http.StatusRequestTimeout)
}

type strategy struct {
	apiKey string
}

// NewStrategy returns the request strategy for the vehicle API.
func NewStrategy(apiKey string) authclient.Strategy {
	return strategy{apiKey: apiKey}
}

func (s strategy) PrepareRequest(req *http.Request) error {
	if s.apiKey != "" {
		req.Header.Set(APIKeyHeader, s.apiKey)
	}
	return nil
}

func (s strategy) HandleNotOK(resp *authclient.Response) error {
	return &APIError{
		Code:     errorCode(resp.Body),
		Provider: authclient.NewProviderError(resp),
	}
}

// errorCode reads {"error": {"code": ...}} or a plain {"error": "..."}.
func errorCode(body any) string {
	doc, ok := body.(map[string]any)
	if !ok {
		return ""
	}
	switch e := doc["error"].(type) {
	case string:
		return e
	case map[string]any:
		if code, ok := e["code"].(string); ok {
			return code
		}
	}
	return ""
}
