package providers

import (
	"bytes"
	"encoding/json"
	"strings"
)

// parseJSONMap decodes a JSON object body. Arrays, scalars and invalid JSON
// report false.
func parseJSONMap(raw []byte) (map[string]any, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

// parseSSEPayload returns the data of the last JSON event in a server-sent
// events chunk, or the last data line when none is JSON. Keep-alives and the
// [DONE] sentinel are skipped.
func parseSSEPayload(chunk []byte) []byte {
	var last, lastJSON []byte
	for _, line := range bytes.Split(chunk, []byte("\n")) {
		line = bytes.TrimSpace(line)
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 || string(data) == "[DONE]" {
			continue
		}
		last = data
		if data[0] == '{' {
			lastJSON = data
		}
	}
	if lastJSON != nil {
		return lastJSON
	}
	return last
}

func firstInt(values map[string]any, keys ...string) int {
	for _, key := range keys {
		switch typed := values[key].(type) {
		case float64:
			return int(typed)
		case int:
			return typed
		case json.Number:
			if n, err := typed.Int64(); err == nil {
				return int(n)
			}
		}
	}
	return 0
}

// extractUsage reads OpenAI (prompt/completion) or Anthropic (input/output)
// token counts from payload["usage"]. A missing total is derived.
func extractUsage(payload map[string]any) (input, output, total int) {
	usage, ok := payload["usage"].(map[string]any)
	if !ok {
		return 0, 0, 0
	}
	input = firstInt(usage, "prompt_tokens", "input_tokens")
	output = firstInt(usage, "completion_tokens", "output_tokens")
	if total = firstInt(usage, "total_tokens"); total == 0 {
		total = input + output
	}
	return input, output, total
}

func extractModel(payload map[string]any) string {
	return extractString(payload, "model")
}

func extractString(values map[string]any, key string) string {
	value, _ := values[key].(string)
	return strings.TrimSpace(value)
}
