package agent

import (
	"encoding/json"
	"html"
	"regexp"
	"strings"
)

var (
	useToolRe = regexp.MustCompile(`(?s)<use_tool\s+name\s*=\s*["']([^"']+)["']\s*>(.*?)</use_tool>`)
	paramRe   = regexp.MustCompile(`(?s)<param\s+name\s*=\s*["']([^"']+)["']\s*>(.*?)</param>`)
	fenceRe   = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")
)

// ParseToolCall extracts a tool call from model output. Formats are tried in
// order: the XML use_tool element, the whole reply as a JSON object, a fenced
// JSON block, then the first balanced JSON object that names a tool.
func ParseToolCall(text string) (ToolCall, bool) {
	if call, ok := parseXMLCall(text); ok {
		return call, true
	}
	trimmed := strings.TrimSpace(text)
	if call, ok := parseJSONCall(trimmed); ok {
		return call, true
	}
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		if call, ok := parseJSONCall(strings.TrimSpace(m[1])); ok {
			return call, true
		}
	}
	for start := strings.IndexByte(text, '{'); start >= 0; {
		end := balancedEnd(text, start)
		if end < 0 {
			break
		}
		if call, ok := parseJSONCall(text[start : end+1]); ok && looksLikeCall(text[start:end+1]) {
			return call, true
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return ToolCall{}, false
}

func parseXMLCall(text string) (ToolCall, bool) {
	m := useToolRe.FindStringSubmatch(text)
	if m == nil {
		return ToolCall{}, false
	}
	call := ToolCall{Tool: strings.TrimSpace(m[1]), Params: map[string]any{}}
	for _, p := range paramRe.FindAllStringSubmatch(m[2], -1) {
		call.Params[strings.TrimSpace(p[1])] = paramValue(p[2])
	}
	return call, call.Tool != ""
}

// paramValue decodes JSON scalars, arrays and objects; anything else is kept
// as a string.
func paramValue(raw string) any {
	s := strings.TrimSpace(html.UnescapeString(raw))
	if s == "" {
		return ""
	}
	switch s[0] {
	case '{', '[', '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 't', 'f', 'n':
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil && v != nil {
			return v
		}
	}
	return s
}

var (
	toolKeys  = []string{"tool", "name", "tool_name"}
	paramKeys = []string{"params", "arguments", "parameters", "args", "input"}
)

func parseJSONCall(s string) (ToolCall, bool) {
	if !strings.HasPrefix(s, "{") {
		return ToolCall{}, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return ToolCall{}, false
	}
	// {"tool_call": {...}} and {"function": {...}} wrappers.
	for _, wrap := range []string{"tool_call", "function"} {
		if inner, ok := obj[wrap].(map[string]any); ok {
			obj = inner
			break
		}
	}
	var call ToolCall
	for _, k := range toolKeys {
		if name, ok := obj[k].(string); ok && strings.TrimSpace(name) != "" {
			call.Tool = strings.TrimSpace(name)
			break
		}
	}
	if call.Tool == "" {
		return ToolCall{}, false
	}
	for _, k := range paramKeys {
		switch v := obj[k].(type) {
		case map[string]any:
			call.Params = v
		case string:
			// Some models encode arguments as a JSON string.
			var m map[string]any
			if json.Unmarshal([]byte(v), &m) == nil {
				call.Params = m
			}
		}
		if call.Params != nil {
			break
		}
	}
	if call.Params == nil {
		call.Params = map[string]any{}
	}
	return call, true
}

// looksLikeCall guards the free-text scan: an embedded object only counts as
// a call when it says "tool" or carries a parameter object.
func looksLikeCall(s string) bool {
	var obj map[string]json.RawMessage
	if json.Unmarshal([]byte(s), &obj) != nil {
		return false
	}
	if _, ok := obj["tool"]; ok {
		return true
	}
	for _, k := range paramKeys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	_, wrapped := obj["tool_call"]
	return wrapped
}

// balancedEnd returns the index of the brace closing the one at start, or -1.
func balancedEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
