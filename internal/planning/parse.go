package planning

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoPlan is returned when text contains no recognizable plan.
var ErrNoPlan = errors.New("no plan found")

var (
	fenceRe    = regexp.MustCompile("(?s)```(?:json|markdown|md)?\\s*\\n(.*?)```")
	listItemRe = regexp.MustCompile(`^\s*(?:[-*+]\s+(?:\[([ xX~!-])\]\s+)?|\d+[.)]\s+(?:\[([ xX~!-])\]\s+)?)(.+?)\s*$`)
)

// ParsePlan extracts plan steps from model output. It accepts a JSON array of
// strings or step objects, a JSON object wrapping such an array under
// "tasks", "steps" or "plan", or a markdown list (bulleted, numbered or
// checkbox). Fenced code blocks are unwrapped first.
func ParsePlan(text string) ([]Step, error) {
	candidates := []string{}
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, text)

	for _, c := range candidates {
		if steps, ok := parseJSONPlan(c); ok && len(steps) > 0 {
			return steps, nil
		}
	}
	for _, c := range candidates {
		if steps := parseMarkdownPlan(c); len(steps) > 0 {
			return steps, nil
		}
	}
	return nil, ErrNoPlan
}

type jsonStep struct {
	ID           any    `json:"id"`
	Description  string `json:"description"`
	Task         string `json:"task"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	Tool         string `json:"tool"`
	Priority     int    `json:"priority"`
	DependsOn    []any  `json:"depends_on"`
	Dependencies []any  `json:"dependencies"`
	Status       string `json:"status"`
}

func parseJSONPlan(text string) ([]Step, bool) {
	text = strings.TrimSpace(text)
	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return nil, false
	}
	text = text[start:]

	var raw json.RawMessage
	if err := json.NewDecoder(strings.NewReader(text)).Decode(&raw); err != nil {
		return nil, false
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err == nil {
		for _, key := range []string{"tasks", "steps", "plan"} {
			if inner, ok := wrapper[key]; ok {
				return parseJSONSteps(inner)
			}
		}
		return nil, false
	}
	return parseJSONSteps(raw)
}

func parseJSONSteps(raw json.RawMessage) ([]Step, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	steps := make([]Step, 0, len(items))
	for i, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				steps = append(steps, Step{ID: strconv.Itoa(i + 1), Description: s})
			}
			continue
		}
		var js jsonStep
		if err := json.Unmarshal(item, &js); err != nil {
			return nil, false
		}
		desc := firstNonEmpty(js.Description, js.Task, js.Title, js.Content)
		if desc == "" {
			continue
		}
		id := idString(js.ID)
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		deps := js.DependsOn
		if len(deps) == 0 {
			deps = js.Dependencies
		}
		step := Step{ID: id, Description: desc, Tool: js.Tool, Priority: js.Priority, Status: parseStatus(js.Status)}
		for _, d := range deps {
			if ds := idString(d); ds != "" {
				step.DependsOn = append(step.DependsOn, ds)
			}
		}
		steps = append(steps, step)
	}
	return steps, true
}

func parseMarkdownPlan(text string) []Step {
	var steps []Step
	for _, line := range strings.Split(text, "\n") {
		m := listItemRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		box := m[1]
		if box == "" {
			box = m[2]
		}
		desc := strings.TrimSpace(m[3])
		if desc == "" {
			continue
		}
		steps = append(steps, Step{
			ID:          strconv.Itoa(len(steps) + 1),
			Description: desc,
			Status:      boxStatus(box),
		})
	}
	return steps
}

func boxStatus(box string) Status {
	switch box {
	case "x", "X":
		return StatusDone
	case "~":
		return StatusInProgress
	case "-":
		return StatusSkipped
	case "!":
		return StatusFailed
	}
	return StatusPending
}

func parseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in_progress", "in-progress", "inprogress", "active":
		return StatusInProgress
	case "done", "completed", "complete":
		return StatusDone
	case "skipped", "cancelled":
		return StatusSkipped
	case "failed", "error":
		return StatusFailed
	}
	return StatusPending
}

// ParseStatus parses a step status label, defaulting to pending.
func ParseStatus(s string) Status { return parseStatus(s) }

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
