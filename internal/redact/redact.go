// Package redact strips secret-shaped values from payloads and headers before
// they are logged or persisted.
package redact

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

const Placeholder = "[REDACTED]"

var secretKeys = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
	"token":               {},
	"access_token":        {},
	"accesstoken":         {},
	"refresh_token":       {},
	"refreshtoken":        {},
	"id_token":            {},
	"client_secret":       {},
	"clientsecret":        {},
	"password":            {},
	"passwd":              {},
	"secret":              {},
	"api_key":             {},
	"apikey":              {},
	"x-api-key":           {},
	"x-admin-secret":      {},
	"private_key":         {},
}

var secretSuffixes = []string{"_token", "_secret", "_password", "-token", "-secret"}

// IsSecretKey reports whether a field or header name looks like it carries a credential.
func IsSecretKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if _, ok := secretKeys[k]; ok {
		return true
	}
	for _, suffix := range secretSuffixes {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}

// Value returns a copy of v with secret-shaped object keys replaced at any depth.
func Value(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			if IsSecretKey(k) {
				out[k] = Placeholder
				continue
			}
			out[k] = Value(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = Value(elem)
		}
		return out
	default:
		return v
	}
}

// Map is Value for the common object case.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return Value(m).(map[string]any)
}

// JSON redacts a raw JSON document. Non-JSON bodies are returned unchanged
// unless they look like a form-encoded credential exchange.
func JSON(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		if looksLikeFormCredentials(string(body)) {
			return []byte(Placeholder)
		}
		return body
	}
	out, err := json.Marshal(Value(parsed))
	if err != nil {
		return []byte(Placeholder)
	}
	return out
}

// Headers flattens h into a map with credential headers masked.
func Headers(h http.Header) map[string]string {
	if len(h) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(h))
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if IsSecretKey(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = strings.Join(h.Values(k), ", ")
	}
	return out
}

func looksLikeFormCredentials(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range []string{"client_secret=", "refresh_token=", "password=", "access_token="} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
