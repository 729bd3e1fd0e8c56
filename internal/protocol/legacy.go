package protocol

import (
	"encoding/json"
	"strings"

	"github.com/agentbridge/agentbridge/pkg/appserver"
)

// The agent has shipped three naming schemes before settling on the current
// slash-delimited one:
//
//	gen-0: dot-delimited modern names      "turn.completed"
//	gen-1: codex/event/* with snake_case   "codex/event/agent_message_delta"
//	gen-2: codex/event/* with camelCase    "codex/event/agentMessageDelta"
//
// rewriteLegacy translates all of them into the modern method name and the
// modern params shape before parsing. It is a pure function of its inputs:
// no state, no IO. The bool result reports whether the event is known noise
// that should be classified as ignored rather than parsed.

// ignoredMethods are legacy events with no modern equivalent and no
// information the pipeline cares about. Listed explicitly so they never
// surface as unrecognized methods.
var ignoredMethods = map[string]bool{
	"token_count": true,
	"codex/event/agent_reasoning_section_break": true,
	"codex/event/background_event":              true,
	"codex/event/shutdown_complete":             true,
	"codex/event/task_token_count":              true,
}

// legacyEventPrefix marks gen-1/gen-2 methods.
const legacyEventPrefix = "codex/event/"

// rewriteLegacy maps a possibly-legacy (method, params) pair onto the modern
// schema. Returns the modern method, rewritten params, and true when the
// event is known noise.
func rewriteLegacy(method string, params json.RawMessage) (string, json.RawMessage, bool) {
	if ignoredMethods[method] {
		return method, params, true
	}

	// gen-0: dots instead of slashes, otherwise identical.
	if !strings.Contains(method, "/") && strings.Contains(method, ".") {
		return strings.ReplaceAll(method, ".", "/"), params, false
	}

	if !strings.HasPrefix(method, legacyEventPrefix) {
		return method, params, false
	}

	name := camelToSnake(strings.TrimPrefix(method, legacyEventPrefix))
	if ignoredMethods[legacyEventPrefix+name] {
		return method, params, true
	}

	var m map[string]any
	if len(params) > 0 {
		// Undecodable legacy params fall through with the original payload;
		// the parser reports the method as unrecognized.
		if err := json.Unmarshal(params, &m); err != nil {
			return method, params, false
		}
	}
	if m == nil {
		m = map[string]any{}
	}

	modern, out := rewriteLegacyEvent(name, m)
	if modern == "" {
		return method, params, false
	}

	// Legacy payloads carry snake_case identifiers at the top level.
	copyID(m, out, "thread_id", "threadId")
	copyID(m, out, "session_id", "threadId")
	copyID(m, out, "turn_id", "turnId")

	data, err := json.Marshal(out)
	if err != nil {
		return method, params, false
	}
	return modern, data, false
}

// rewriteLegacyEvent builds modern params for one canonical (snake_case)
// legacy event name. Returns "" for unknown names.
func rewriteLegacyEvent(name string, m map[string]any) (string, map[string]any) {
	switch name {
	case "session_configured":
		return appserver.NotifyThreadStarted, map[string]any{
			"thread": map[string]any{"id": firstString(m, "session_id", "thread_id")},
		}

	case "task_started":
		return appserver.NotifyTurnStarted, map[string]any{}

	case "task_complete":
		out := map[string]any{"status": "completed"}
		if msg := getString(m, "last_agent_message"); msg != "" {
			out["lastAgentMessage"] = msg
		}
		return appserver.NotifyTurnCompleted, out

	case "turn_aborted":
		return appserver.NotifyTurnCompleted, map[string]any{
			"status": "interrupted",
			"reason": getString(m, "reason"),
		}

	case "agent_message":
		// A full message in one event: completed agentMessage item.
		return appserver.NotifyItemCompleted, map[string]any{
			"item": map[string]any{
				"id":   firstString(m, "id", "call_id"),
				"type": "agentMessage",
				"text": getString(m, "message"),
			},
		}

	case "agent_message_delta":
		return appserver.NotifyItemAgentMessageDelta, map[string]any{
			"itemId": firstString(m, "id", "item_id"),
			"delta":  getString(m, "delta"),
		}

	case "agent_reasoning_delta":
		return appserver.NotifyItemReasoningTextDelta, map[string]any{
			"itemId": firstString(m, "id", "item_id"),
			"delta":  getString(m, "delta"),
		}

	case "agent_reasoning_summary_delta", "agent_reasoning_raw_content_delta":
		return appserver.NotifyItemReasoningSummaryDelta, map[string]any{
			"itemId": firstString(m, "id", "item_id"),
			"delta":  getString(m, "delta"),
		}

	case "agent_reasoning":
		return appserver.NotifyItemCompleted, map[string]any{
			"item": map[string]any{
				"id":      firstString(m, "id", "call_id"),
				"type":    "reasoning",
				"content": getString(m, "text"),
			},
		}

	case "exec_command_begin":
		return appserver.NotifyItemStarted, map[string]any{
			"item": map[string]any{
				"id":      getString(m, "call_id"),
				"type":    "commandExecution",
				"command": legacyCommand(m),
				"cwd":     getString(m, "cwd"),
			},
		}

	case "exec_command_output_delta":
		return appserver.NotifyItemCmdExecOutputDelta, map[string]any{
			"itemId": getString(m, "call_id"),
			"delta":  getString(m, "chunk"),
		}

	case "exec_command_end":
		item := map[string]any{
			"id":               getString(m, "call_id"),
			"type":             "commandExecution",
			"aggregatedOutput": firstString(m, "aggregated_output", "formatted_output"),
			"exitCode":         float64(getInt(m, "exit_code")),
		}
		if d, ok := m["duration_ms"].(float64); ok {
			item["durationMs"] = d
		}
		status := "completed"
		if getInt(m, "exit_code") != 0 {
			status = "failed"
		}
		item["status"] = status
		return appserver.NotifyItemCompleted, map[string]any{"item": item}

	case "patch_apply_begin":
		return appserver.NotifyItemStarted, map[string]any{
			"item": map[string]any{
				"id":      getString(m, "call_id"),
				"type":    "fileChange",
				"changes": legacyChanges(m),
			},
		}

	case "patch_apply_end":
		status := "completed"
		if ok, present := m["success"].(bool); present && !ok {
			status = "failed"
		}
		return appserver.NotifyItemCompleted, map[string]any{
			"item": map[string]any{
				"id":     getString(m, "call_id"),
				"type":   "fileChange",
				"status": status,
			},
		}

	case "mcp_tool_call_begin":
		inv := getMap(m, "invocation")
		return appserver.NotifyItemStarted, map[string]any{
			"item": map[string]any{
				"id":        getString(m, "call_id"),
				"type":      "mcpToolCall",
				"server":    getString(inv, "server"),
				"tool":      getString(inv, "tool"),
				"arguments": inv["arguments"],
			},
		}

	case "mcp_tool_call_end":
		status := "completed"
		if _, failed := m["error"]; failed {
			status = "failed"
		}
		return appserver.NotifyItemCompleted, map[string]any{
			"item": map[string]any{
				"id":     getString(m, "call_id"),
				"type":   "mcpToolCall",
				"status": status,
				"result": m["result"],
			},
		}

	case "web_search_begin":
		return appserver.NotifyItemStarted, map[string]any{
			"item": map[string]any{
				"id":   getString(m, "call_id"),
				"type": "webSearch",
			},
		}

	case "web_search_end":
		return appserver.NotifyItemCompleted, map[string]any{
			"item": map[string]any{
				"id":     getString(m, "call_id"),
				"type":   "webSearch",
				"status": "completed",
				"text":   getString(m, "query"),
			},
		}

	case "turn_diff":
		return appserver.NotifyTurnDiffUpdated, map[string]any{
			"diff": getString(m, "unified_diff"),
		}

	case "plan_update":
		return appserver.NotifyTurnPlanUpdated, map[string]any{
			"plan": legacyPlan(m),
		}

	case "token_count":
		// Unlike the bare legacy "token_count" method (ignored noise), the
		// prefixed variant carries real usage.
		return appserver.NotifyThreadTokenUsageUpdated, map[string]any{
			"tokenUsage": legacyTokenUsage(m),
		}

	case "error":
		return appserver.NotifyError, map[string]any{
			"message": getString(m, "message"),
		}

	case "stream_error":
		// Stream errors are retried by the agent; surface as a warning.
		return appserver.NotifyWarning, map[string]any{
			"message": getString(m, "message"),
		}
	}
	return "", nil
}

// legacyCommand joins the argv-array command encoding used by gen-1 events.
func legacyCommand(m map[string]any) string {
	if s := getString(m, "command"); s != "" {
		return s
	}
	parts := getSlice(m, "command")
	strs := make([]string, 0, len(parts))
	for _, p := range parts {
		if s, ok := p.(string); ok {
			strs = append(strs, s)
		}
	}
	return strings.Join(strs, " ")
}

// legacyChanges converts the path-keyed changes map into the modern list.
func legacyChanges(m map[string]any) []any {
	changes := getMap(m, "changes")
	out := make([]any, 0, len(changes))
	for path, raw := range changes {
		change := map[string]any{"path": path}
		if cm, ok := raw.(map[string]any); ok {
			for kind := range cm {
				change["kind"] = map[string]any{"type": legacyChangeKind(kind)}
				break
			}
			if diff := getString(cm, "unified_diff"); diff != "" {
				change["diff"] = diff
			}
		}
		out = append(out, change)
	}
	return out
}

func legacyChangeKind(kind string) string {
	switch kind {
	case "add", "Add":
		return "add"
	case "delete", "Delete":
		return "delete"
	default:
		return "modify"
	}
}

func legacyPlan(m map[string]any) []any {
	entries := getSlice(m, "plan")
	out := make([]any, 0, len(entries))
	for _, raw := range entries {
		em, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"description": firstString(em, "step", "description"),
			"status":      getString(em, "status"),
		})
	}
	return out
}

func legacyTokenUsage(m map[string]any) map[string]any {
	info := getMap(m, "info")
	if info == nil {
		info = m
	}
	usage := map[string]any{}
	if total := getMap(info, "total_token_usage"); total != nil {
		usage["total"] = legacyUsageCounts(total)
	}
	if last := getMap(info, "last_token_usage"); last != nil {
		usage["last"] = legacyUsageCounts(last)
	}
	if cw, ok := info["model_context_window"].(float64); ok {
		usage["modelContextWindow"] = cw
	}
	return usage
}

func legacyUsageCounts(m map[string]any) map[string]any {
	return map[string]any{
		"inputTokens":           float64(getInt(m, "input_tokens")),
		"cachedInputTokens":     float64(getInt(m, "cached_input_tokens")),
		"outputTokens":          float64(getInt(m, "output_tokens")),
		"reasoningOutputTokens": float64(getInt(m, "reasoning_output_tokens")),
		"totalTokens":           float64(getInt(m, "total_tokens")),
	}
}

func copyID(src, dst map[string]any, from, to string) {
	if _, exists := dst[to]; exists {
		return
	}
	if v := getString(src, from); v != "" {
		dst[to] = v
	}
}

// camelToSnake canonicalizes gen-2 camelCase event names onto the gen-1
// snake_case vocabulary so one table serves both generations.
func camelToSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
