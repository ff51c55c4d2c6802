package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	defaultMaxPayloadBytes = 64 << 10
	maxNameLength          = 256
	maxTagKeyLength        = 128
	maxTagValueLength      = 1024
	truncatedSuffix        = "...[truncated]"
	unnamed                = "unnamed"
)

// Serializer converts arbitrary Go values into JSON-compatible payloads.
// It never fails: values that cannot be encoded fall back to their %v form.
type Serializer struct {
	// MaxBytes caps the encoded size of a single payload. Zero selects the
	// default, negative disables the cap.
	MaxBytes int
	// Scrub, when set, rewrites every string in the payload (for example to
	// redact credentials).
	Scrub func(string) string
}

// Value returns a JSON-compatible representation of v: nil, bool, int64,
// uint64, float64, string, []any or map[string]any.
func (s Serializer) Value(v any) any {
	value := s.normalize(v)
	if s.Scrub != nil {
		value = scrubValue(value, s.Scrub)
	}
	return value
}

func (s Serializer) maxBytes() int {
	if s.MaxBytes == 0 {
		return defaultMaxPayloadBytes
	}
	return s.MaxBytes
}

func (s Serializer) normalize(v any) any {
	switch typed := v.(type) {
	case nil:
		return nil
	case string:
		return s.truncateString(typed)
	case bool:
		return typed
	case float64:
		return finiteOrString(typed)
	case float32:
		return finiteOrString(float64(typed))
	case int:
		return int64(typed)
	case int64:
		return typed
	case int32:
		return int64(typed)
	case uint:
		return uint64(typed)
	case uint64:
		return typed
	case uint32:
		return int64(typed)
	case json.Number:
		return numberValue(typed)
	case []byte:
		return s.truncateString(string(typed))
	case error:
		return s.truncateString(typed.Error())
	case json.RawMessage:
		decoded, err := decodeNumbers(typed)
		if err != nil {
			return s.truncateString(string(typed))
		}
		return s.normalize(decoded)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return s.truncateString(fmt.Sprintf("%+v", v))
	}
	if limit := s.maxBytes(); limit > 0 && len(raw) > limit {
		return s.truncateString(string(raw))
	}
	decoded, err := decodeNumbers(raw)
	if err != nil {
		return s.truncateString(string(raw))
	}
	return integersOf(decoded)
}

// decodeNumbers decodes raw keeping numbers as json.Number so integers above
// 2^53 survive.
func decodeNumbers(raw []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// integersOf replaces every json.Number in a decoded document.
func integersOf(value any) any {
	switch typed := value.(type) {
	case json.Number:
		return numberValue(typed)
	case []any:
		for i := range typed {
			typed[i] = integersOf(typed[i])
		}
		return typed
	case map[string]any:
		for key, item := range typed {
			typed[key] = integersOf(item)
		}
		return typed
	default:
		return value
	}
}

// numberValue returns n as int64, then uint64, then float64.
func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return u
	}
	if f, err := n.Float64(); err == nil {
		return finiteOrString(f)
	}
	return n.String()
}

func (s Serializer) truncateString(value string) string {
	limit := s.maxBytes()
	if limit <= 0 || len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut] + truncatedSuffix
}

func finiteOrString(value float64) any {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Sprintf("%v", value)
	}
	return value
}

func scrubValue(value any, scrub func(string) string) any {
	switch typed := value.(type) {
	case string:
		return scrub(typed)
	case []any:
		for i := range typed {
			typed[i] = scrubValue(typed[i], scrub)
		}
		return typed
	case map[string]any:
		for key, item := range typed {
			typed[key] = scrubValue(item, scrub)
		}
		return typed
	default:
		return value
	}
}

// SanitizeName trims a span or trace name, replaces control characters and
// caps its length. Empty names become "unnamed".
func SanitizeName(name string) string {
	name = strings.TrimSpace(cleanControl(name))
	if name == "" {
		return unnamed
	}
	return truncateRunes(name, maxNameLength)
}

// SanitizeTags returns a copy of tags with empty keys removed and keys and
// values trimmed to their maximum lengths.
func SanitizeTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for key, value := range tags {
		key = strings.TrimSpace(cleanControl(key))
		if key == "" {
			continue
		}
		out[truncateRunes(key, maxTagKeyLength)] = truncateRunes(cleanControl(value), maxTagValueLength)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func cleanControl(value string) string {
	if strings.IndexFunc(value, unicode.IsControl) < 0 {
		return value
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value)
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}
