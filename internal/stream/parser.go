package stream

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
)

// Markers recognized without JSON parsing. The agent CLI prints these
// around its stream-json output.
const (
	markerSuccess      = "✓ Execution completed"
	markerFailure      = "✗ Execution failed"
	markerSessionLimit = "Session limit reached"
	markerSession      = "Session started:"
	markerStdout       = "[STDOUT] "
)

const (
	maxCommandTarget = 50
	maxTodoTarget    = 40
)

// activityByTool maps canonical tool names to their activity class.
// Unknown tools default to thinking.
var activityByTool = map[string]ActivityType{
	"Read":                     ActivityReading,
	"Edit":                     ActivityEditing,
	"MultiEdit":                ActivityEditing,
	"NotebookEdit":             ActivityEditing,
	"Write":                    ActivityWriting,
	"Grep":                     ActivitySearching,
	"Glob":                     ActivitySearching,
	"Bash":                     ActivityExecuting,
	"TodoWrite":                ActivityPlanning,
	"Task":                     ActivityThinking,
	"WebSearch":                ActivitySearching,
	"WebFetch":                 ActivityReading,
	"mcp__ide__getDiagnostics": ActivityReading,
}

// Best-effort detection of file deletion via shell. Known to miss
// alternatives like rimraf and quoted paths with spaces; kept imprecise
// on purpose so the signal stays cheap.
var rmCommandRegex = regexp.MustCompile(`\brm\s+(?:-\w+\s+)*([^\s;&|]+)`)

var timestampPrefixRegex = regexp.MustCompile(`^\[([^\]]+)\]`)

// streamEnvelope is the subset of the CLI's stream-json lines we consume.
// Unrecognized shapes fall through to no event.
type streamEnvelope struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype"`
	SessionID string   `json:"session_id"`
	Tools     []string `json:"tools"`
	Message   struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ParseLine converts one raw line of CLI output into zero or more events.
// It never fails: unparseable or unrecognized lines yield no events, since
// the CLI freely mixes diagnostics with its JSON stream.
func ParseLine(line string) []Event {
	ts := parseTimestamp(line)

	// Marker short-circuits, independent of JSON structure
	if strings.Contains(line, markerSuccess) {
		return []Event{{Type: EventCompletion, Timestamp: ts, Success: true}}
	}
	if strings.Contains(line, markerSessionLimit) {
		return []Event{{Type: EventCompletion, Timestamp: ts, SessionLimit: true}}
	}
	if strings.Contains(line, markerFailure) {
		return []Event{{Type: EventCompletion, Timestamp: ts}}
	}
	if idx := strings.Index(line, markerSession); idx >= 0 {
		id := strings.TrimSpace(line[idx+len(markerSession):])
		return []Event{{Type: EventSystemInit, Timestamp: ts, SessionID: id}}
	}

	payload := jsonPayload(line)
	if payload == "" {
		return nil
	}

	var env streamEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil
	}

	switch env.Type {
	case "system":
		if env.Subtype != "init" {
			return nil
		}
		return []Event{{
			Type:      EventSystemInit,
			Timestamp: ts,
			SessionID: env.SessionID,
			Tools:     env.Tools,
		}}
	case "assistant":
		var events []Event
		for _, block := range env.Message.Content {
			if block.Type != "tool_use" || block.Name == "" {
				continue
			}
			events = append(events, toolEvents(block, ts)...)
		}
		return events
	}
	return nil
}

// ParseLines parses an ordered sequence of lines, preserving event order
func ParseLines(lines []string) []Event {
	var events []Event
	for _, line := range lines {
		events = append(events, ParseLine(line)...)
	}
	return events
}

// toolEvents expands one tool_use block into its tool_invocation event plus
// any derived file_change / progress_update events.
func toolEvents(block contentBlock, ts time.Time) []Event {
	activity := activityByTool[block.Name]
	if activity == "" {
		activity = ActivityThinking
	}

	events := []Event{{
		Type:      EventToolInvocation,
		Timestamp: ts,
		Tool:      block.Name,
		Activity:  activity,
		Target:    deriveTarget(block.Name, block.Input),
		Input:     block.Input,
	}}

	switch block.Name {
	case "Write":
		if path := stringField(block.Input, "file_path"); path != "" {
			events = append(events, Event{Type: EventFileChange, Timestamp: ts, Action: FileCreate, Path: path})
		}
	case "Edit", "MultiEdit", "NotebookEdit":
		path := stringField(block.Input, "file_path")
		if path == "" {
			path = stringField(block.Input, "notebook_path")
		}
		if path != "" {
			events = append(events, Event{Type: EventFileChange, Timestamp: ts, Action: FileModify, Path: path})
		}
	case "Bash":
		if m := rmCommandRegex.FindStringSubmatch(stringField(block.Input, "command")); m != nil {
			events = append(events, Event{Type: EventFileChange, Timestamp: ts, Action: FileDelete, Path: m[1]})
		}
	case "TodoWrite":
		if item := firstTodo(block.Input); item != "" {
			events = append(events, Event{
				Type:      EventProgressUpdate,
				Timestamp: ts,
				Phase:     domain.PhasePlanning,
				Message:   truncate(item, maxTodoTarget),
			})
		}
	}
	return events
}

// deriveTarget extracts a short human-readable target from a tool's input
func deriveTarget(tool string, input map[string]any) string {
	switch tool {
	case "Read", "Edit", "MultiEdit", "Write":
		return shortPath(stringField(input, "file_path"))
	case "NotebookEdit":
		return shortPath(stringField(input, "notebook_path"))
	case "Grep", "Glob":
		return stringField(input, "pattern")
	case "Bash":
		command := stringField(input, "command")
		if idx := strings.IndexByte(command, '\n'); idx >= 0 {
			command = command[:idx]
		}
		return truncate(command, maxCommandTarget)
	case "TodoWrite":
		return truncate(firstTodo(input), maxTodoTarget)
	case "WebSearch":
		return stringField(input, "query")
	case "WebFetch":
		return stringField(input, "url")
	case "Task":
		return stringField(input, "description")
	}
	return ""
}

// shortPath keeps the last two path segments of a file path
func shortPath(path string) string {
	if path == "" {
		return ""
	}
	parts := strings.Split(path, "/")
	if len(parts) <= 2 {
		return path
	}
	return ".../" + parts[len(parts)-2] + "/" + parts[len(parts)-1]
}

func firstTodo(input map[string]any) string {
	todos, ok := input["todos"].([]any)
	if !ok || len(todos) == 0 {
		return ""
	}
	first, ok := todos[0].(map[string]any)
	if !ok {
		return ""
	}
	if content, ok := first["content"].(string); ok {
		return content
	}
	return ""
}

func stringField(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}

// truncate shortens s to at most max bytes without splitting a rune
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// jsonPayload extracts the JSON document embedded after the stdout marker.
// Lines without the marker but starting with '{' are treated as bare JSON.
func jsonPayload(line string) string {
	if idx := strings.Index(line, markerStdout); idx >= 0 {
		return line[idx+len(markerStdout):]
	}
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		return trimmed
	}
	return ""
}

// parseTimestamp reads an RFC3339 timestamp from a leading [..] prefix.
// Events from unprefixed lines get the zero time so that reparsing the same
// lines always yields identical events.
func parseTimestamp(line string) time.Time {
	m := timestampPrefixRegex.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, m[1])
	if err != nil {
		return time.Time{}
	}
	return ts
}
