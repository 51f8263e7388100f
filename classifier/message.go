package classifier

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// extractor pulls one candidate message out of a decoded JSON document.
type extractor func(doc map[string]any) (string, bool)

// messageExtractors are tried in order; the first non-empty result wins.
var messageExtractors = []extractor{
	stringField("error_description"),
	stringField("error"),
	stringField("message"),
	nestedErrorMessage,
	firstOfErrors,
}

// ExtractMessage returns the most descriptive message in a provider error
// body, falling back to "<status> <statusText>".
func ExtractMessage(body []byte, status int) string {
	if doc := decode(body); doc != nil {
		if msg, ok := ExtractFromDocument(doc); ok {
			return msg
		}
	}
	return fallbackMessage(status)
}

// ExtractFromDocument applies the extractors to an already decoded body.
func ExtractFromDocument(doc map[string]any) (string, bool) {
	for _, extract := range messageExtractors {
		if msg, ok := extract(doc); ok {
			return msg, true
		}
	}
	return "", false
}

func fallbackMessage(status int) string {
	if status == 0 {
		return "request failed"
	}
	return strings.TrimSpace(fmt.Sprintf("%d %s", status, http.StatusText(status)))
}

func stringField(name string) extractor {
	return func(doc map[string]any) (string, bool) {
		return nonEmpty(doc[name])
	}
}

func nestedErrorMessage(doc map[string]any) (string, bool) {
	nested, ok := doc["error"].(map[string]any)
	if !ok {
		return "", false
	}
	return nonEmpty(nested["message"])
}

func firstOfErrors(doc map[string]any) (string, bool) {
	list, ok := doc["errors"].([]any)
	if !ok || len(list) == 0 {
		return "", false
	}
	switch first := list[0].(type) {
	case string:
		return nonEmpty(first)
	case map[string]any:
		return nonEmpty(first["message"])
	}
	return "", false
}

func nonEmpty(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// authFields lists the fields inspected for invalid-grant vocabulary.
func authFields(doc map[string]any) []string {
	var out []string
	for _, name := range []string{"error", "error_description", "message"} {
		if s, ok := nonEmpty(doc[name]); ok {
			out = append(out, s)
		}
	}
	if s, ok := nestedErrorMessage(doc); ok {
		out = append(out, s)
	}
	return out
}

func decode(body []byte) map[string]any {
	if len(body) == 0 {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil
	}
	return doc
}
