package diaglog

import (
	"net/url"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveKeys are field names whose values never reach the log. Config
// snapshots use the same names (openai_api_key, the whisper and recognizer
// token fields).
var sensitiveKeys = map[string]bool{
	"authentication": true,
	"authorization":  true,
	"password":       true,
	"secret":         true,
	"auth":           true,
	"token":          true,
	"api_key":        true,
	"openai_api_key": true,
	"bearer":         true,
}

// sensitiveSuffixes catch keys such as whisper_token or recognizer_api_key.
var sensitiveSuffixes = []string{"_token", "_api_key", "_secret", "_password"}

// secretParams are URL query parameters scrubbed from string values, since
// recognizer and whisper endpoints accept credentials in the query.
var secretParams = []string{"token", "access_token", "api_key", "key"}

func isSensitiveKey(k string) bool {
	k = strings.ToLower(k)
	if sensitiveKeys[k] {
		return true
	}
	for _, s := range sensitiveSuffixes {
		if strings.HasSuffix(k, s) {
			return true
		}
	}
	return false
}

// Redact returns a copy of v with sensitive map values replaced by
// "[REDACTED]" and credentials stripped from URL-shaped strings. v is not
// mutated.
func Redact(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if isSensitiveKey(k) {
				out[k] = redacted
			} else {
				out[k] = Redact(child)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = Redact(elem)
		}
		return out
	case string:
		return redactURL(val)
	default:
		return v
	}
}

// redactURL scrubs the password and secret query parameters of ws, wss,
// http and https URLs. Other strings are returned unchanged.
func redactURL(s string) string {
	if !strings.Contains(s, "://") {
		return s
	}
	u, err := url.Parse(s)
	if err != nil {
		return s
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return s
	}

	changed := false
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
			changed = true
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		for _, p := range secretParams {
			if q.Has(p) {
				q.Set(p, redacted)
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}
	if !changed {
		return s
	}
	return u.String()
}
