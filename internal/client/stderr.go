package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// stderrRingSize bounds how many recent stderr lines are kept for failure
// diagnosis.
const stderrRingSize = 200

// stderrRing retains the last N stderr lines from the subprocess.
type stderrRing struct {
	mu    sync.Mutex
	lines []string
}

func (r *stderrRing) append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > stderrRingSize {
		r.lines = r.lines[len(r.lines)-stderrRingSize:]
	}
}

// Lines returns a copy of the retained lines, oldest first.
func (r *stderrRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// drain consumes the subprocess stderr, retaining lines in the ring and
// logging them at debug level.
func (r *stderrRing) drain(stderr io.Reader, log *logger.Logger) {
	scanner := bufio.NewScanner(stderr)
	buf := make([]byte, 0, 16*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		r.append(line)
		log.Debug("agent stderr", zap.String("line", line))
	}
}

// agentErrorRegex matches the agent's error log format:
// TIMESTAMP ERROR module: error=HTTP_ERROR: Some("JSON")
var agentErrorRegex = regexp.MustCompile(`error=(.+?):\s*Some\("(.+)"\)\s*$`)

// ParsedAgentError contains error information recovered from agent stderr.
type ParsedAgentError struct {
	// Message is the user-friendly error message
	Message string
	// HTTPError is the HTTP error string (e.g., "http 429 Too Many Requests")
	HTTPError string
	// RawJSON contains all fields from the error JSON
	RawJSON map[string]any
	// ErrorType is the error type from the JSON (e.g., "usage_limit_reached") - may be empty
	ErrorType string
	// ResetsInSeconds is the number of seconds until the limit resets - may be 0
	ResetsInSeconds int64
}

// extractErrorFields extracts errorType, errorMessage, and resetsInSeconds
// from a parsed JSON map, checking both nested "error" object and top-level fields.
func extractErrorFields(rawData map[string]any) (errorType, errorMessage string, resetsInSeconds int64) {
	if errObj, ok := rawData["error"].(map[string]any); ok {
		if t, ok := errObj["type"].(string); ok {
			errorType = t
		}
		if m, ok := errObj["message"].(string); ok {
			errorMessage = m
		}
		// JSON numbers are float64 in Go
		if r, ok := errObj["resets_in_seconds"].(float64); ok {
			resetsInSeconds = int64(r)
		}
	}

	if errorMessage == "" {
		if m, ok := rawData["message"].(string); ok {
			errorMessage = m
		}
	}
	if errorType == "" {
		if t, ok := rawData["type"].(string); ok {
			errorType = t
		}
	}
	return errorType, errorMessage, resetsInSeconds
}

// appendResetTime appends a human-readable reset duration to msg when resetsInSeconds > 0.
func appendResetTime(msg string, resetsInSeconds int64) string {
	if resetsInSeconds <= 0 {
		return msg
	}
	duration := time.Duration(resetsInSeconds) * time.Second
	switch {
	case duration.Hours() >= 1:
		return fmt.Sprintf("%s (resets in %.0f hours)", msg, duration.Hours())
	case duration.Minutes() >= 1:
		return fmt.Sprintf("%s (resets in %.0f minutes)", msg, duration.Minutes())
	default:
		return fmt.Sprintf("%s (resets in %d seconds)", msg, int(duration.Seconds()))
	}
}

// buildErrorMessage constructs a user-friendly message from the parsed error fields.
func buildErrorMessage(errorMessage, errorType, httpError string, resetsInSeconds int64, rawData map[string]any) string {
	switch {
	case errorMessage != "":
		return appendResetTime(errorMessage, resetsInSeconds)
	case errorType != "":
		return fmt.Sprintf("Error: %s", errorType)
	default:
		jsonBytes, _ := json.MarshalIndent(rawData, "", "  ")
		return fmt.Sprintf("%s\n\n%s", httpError, string(jsonBytes))
	}
}

// ParseStderrError attempts to parse one agent stderr line and extract error
// information. Returns nil if the line does not match.
//
// Example input:
//
//	2026-01-23T22:57:08.953223Z ERROR codex_api::endpoint::responses: error=http 429 Too Many Requests: Some("{\"error\":{...}}")
func ParseStderrError(line string) *ParsedAgentError {
	matches := agentErrorRegex.FindStringSubmatch(line)
	if len(matches) < 3 {
		return nil
	}

	httpError := strings.TrimSpace(matches[1])
	jsonStr := matches[2]

	// Unescape the JSON string (it's double-escaped in the log)
	unescaped := strings.ReplaceAll(jsonStr, `\"`, `"`)
	unescaped = strings.ReplaceAll(unescaped, `\\`, `\`)

	result := &ParsedAgentError{
		HTTPError: httpError,
	}

	var rawData map[string]any
	if err := json.Unmarshal([]byte(unescaped), &rawData); err != nil {
		result.Message = httpError
		return result
	}

	result.RawJSON = rawData

	errorType, errorMessage, resetsInSeconds := extractErrorFields(rawData)
	result.ErrorType = errorType
	result.ResetsInSeconds = resetsInSeconds
	result.Message = buildErrorMessage(errorMessage, errorType, httpError, resetsInSeconds, rawData)
	return result
}

// ParseStderrLines searches retained stderr lines for a parseable error,
// most recent first. Returns nil if none is found.
func ParseStderrLines(lines []string) *ParsedAgentError {
	for i := len(lines) - 1; i >= 0; i-- {
		if parsed := ParseStderrError(lines[i]); parsed != nil {
			return parsed
		}
	}
	return nil
}
