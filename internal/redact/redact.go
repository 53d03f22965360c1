// Package redact masks connection identifiers and credentials before they
// reach logs or operator-facing error strings.
//
// Masked values are replaced by a short keyed BLAKE2b digest, so the same
// identifier always masks to the same token and log lines stay
// correlatable without exposing the identifier itself.
package redact

import (
	"encoding/hex"
	"regexp"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
)

// Prefix marks a masked value.
const Prefix = "redacted:"

// sensitiveKeys are config keys whose values are always masked. Matching is
// case-insensitive and ignores '-' and '_'.
var sensitiveKeys = map[string]bool{
	"connectionid":      true,
	"connection":        true,
	"connectionkey":     true,
	"providerconfigkey": true,
	"integrationid":     true,
	"apikey":            true,
	"token":             true,
	"accesstoken":       true,
	"refreshtoken":      true,
	"secret":            true,
	"clientsecret":      true,
	"password":          true,
	"authorization":     true,
}

var (
	bearerRe = regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9._~+/=-]+`)
	kvRe     = regexp.MustCompile(`(?i)\b(connection_id|connectionId|api_key|apiKey|access_token|token|password|secret)(["']?\s*[:=]\s*["']?)([^\s"',&}]+)`)
)

// Masker masks values with a keyed digest.
type Masker struct {
	key []byte
}

// New creates a Masker. key may be empty; a non-empty key prevents
// dictionary lookups of masked identifiers. Keys longer than 64 bytes are
// truncated.
func New(key []byte) *Masker {
	if len(key) > blake2b.Size {
		key = key[:blake2b.Size]
	}
	return &Masker{key: key}
}

var defaultMasker atomic.Pointer[Masker]

func init() { defaultMasker.Store(New(nil)) }

// SetDefaultKey rekeys the masker behind the package-level functions. The
// binary calls it once at startup with SHIKAKE_REDACT_KEY.
func SetDefaultKey(key []byte) { defaultMasker.Store(New(key)) }

// Value masks a single identifier.
func (m *Masker) Value(v string) string {
	if v == "" {
		return ""
	}
	h, err := blake2b.New256(m.key)
	if err != nil {
		return Prefix + "x"
	}
	_, _ = h.Write([]byte(v))
	return Prefix + hex.EncodeToString(h.Sum(nil))[:12]
}

// Map returns a deep copy of m with the values of sensitive keys masked.
func (m *Masker) Map(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if IsSensitiveKey(k) {
			out[k] = m.maskAny(v)
			continue
		}
		out[k] = m.walk(v)
	}
	return out
}

// Text masks bearer tokens and key=value style credentials inside free
// text such as error messages.
func (m *Masker) Text(s string) string {
	s = bearerRe.ReplaceAllStringFunc(s, func(tok string) string {
		parts := bearerRe.FindStringSubmatch(tok)
		return parts[1] + " " + m.Value(strings.TrimSpace(tok[len(parts[1]):]))
	})
	return kvRe.ReplaceAllStringFunc(s, func(tok string) string {
		parts := kvRe.FindStringSubmatch(tok)
		return parts[1] + parts[2] + m.Value(parts[3])
	})
}

func (m *Masker) walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return m.Map(t)
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = m.walk(el)
		}
		return out
	case string:
		return m.Text(t)
	}
	return v
}

func (m *Masker) maskAny(v any) any {
	switch t := v.(type) {
	case string:
		return m.Value(t)
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			out[k] = m.maskAny(el)
		}
		return out
	}
	return Prefix + "x"
}

// IsSensitiveKey reports whether values stored under key are masked.
func IsSensitiveKey(key string) bool {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(key))
	return sensitiveKeys[norm]
}

// Value masks v with the default masker.
func Value(v string) string { return defaultMasker.Load().Value(v) }

// Map masks m with the default masker.
func Map(m map[string]any) map[string]any { return defaultMasker.Load().Map(m) }

// Text masks s with the default masker.
func Text(s string) string { return defaultMasker.Load().Text(s) }
