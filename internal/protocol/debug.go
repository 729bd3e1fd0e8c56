package protocol

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// debugMode controls whether wire events are captured to disk.
// Enable via AGENTBRIDGE_DEBUG_AGENT_MESSAGES=true environment variable.
var debugMode = os.Getenv("AGENTBRIDGE_DEBUG_AGENT_MESSAGES") == "true"

// debugLogDir is the directory where debug capture files are written.
// Defaults to the process CWD; override with AGENTBRIDGE_DEBUG_LOG_DIR.
var debugLogDir = resolveDebugLogDir()

// debugLogMu protects concurrent writes to capture files.
var debugLogMu sync.Mutex

func resolveDebugLogDir() string {
	if dir := os.Getenv("AGENTBRIDGE_DEBUG_LOG_DIR"); dir != "" {
		return dir
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// LogRawEvent captures a raw wire event before any rewrite.
// File: raw-{agentId}.jsonl
func LogRawEvent(agentID, method string, rawData json.RawMessage) {
	if !debugMode {
		return
	}

	entry := map[string]any{
		"ts":     time.Now().UnixMilli(),
		"agent":  agentID,
		"method": method,
		"data":   json.RawMessage(rawData),
	}

	logFile := filepath.Join(debugLogDir, fmt.Sprintf("raw-%s.jsonl", agentID))
	writeJSONLine(logFile, entry)
}

// LogNormalizedEvent captures a normalized Event after parsing.
// File: normalized-{agentId}.jsonl
func LogNormalizedEvent(agentID string, event *Event) {
	if !debugMode {
		return
	}

	entry := map[string]any{
		"ts":    time.Now().UnixMilli(),
		"kind":  event.Kind,
		"event": event,
	}

	logFile := filepath.Join(debugLogDir, fmt.Sprintf("normalized-%s.jsonl", agentID))
	writeJSONLine(logFile, entry)
}

// writeJSONLine writes a JSON entry as a line to the specified file.
func writeJSONLine(logFile string, entry any) {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[DEBUG] Failed to marshal entry: %v", err)
		return
	}

	debugLogMu.Lock()
	defer debugLogMu.Unlock()

	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("[DEBUG] Failed to open log file %s: %v", logFile, err)
		return
	}
	defer func() { _ = f.Close() }()

	_, _ = f.WriteString(string(entryJSON) + "\n")
}
