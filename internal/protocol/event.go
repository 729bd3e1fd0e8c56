// Package protocol normalizes raw app-server wire events into a small set of
// strongly-typed variants. It understands the current slash-delimited naming
// scheme plus two generations of the legacy `codex/event/*` schema and the
// dot-delimited variant of the modern names; all legacy shapes are rewritten
// into the modern shape before parsing so there is a single parser.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/agentbridge/agentbridge/pkg/appserver"
)

// Kind identifies one normalized event variant. The set is closed; anything
// the parser does not recognize is a ParseError, never a new Kind.
type Kind string

const (
	KindThreadStarted     Kind = "thread_started"
	KindThreadArchived    Kind = "thread_archived"
	KindTokenUsageUpdated Kind = "token_usage_updated"

	KindTurnStarted     Kind = "turn_started"
	KindTurnCompleted   Kind = "turn_completed"
	KindTurnDiffUpdated Kind = "turn_diff_updated"
	KindTurnPlanUpdated Kind = "turn_plan_updated"

	KindItemStarted        Kind = "item_started"
	KindItemCompleted      Kind = "item_completed"
	KindAgentMessageDelta  Kind = "agent_message_delta"
	KindReasoningDelta     Kind = "reasoning_delta"
	KindCommandOutputDelta Kind = "command_output_delta"

	KindAccountUpdated    Kind = "account_updated"
	KindLoginCompleted    Kind = "login_completed"
	KindRateLimitsUpdated Kind = "rate_limits_updated"

	KindApprovalRequested Kind = "approval_requested"
	KindMcpToolProgress   Kind = "mcp_tool_progress"

	KindError   Kind = "error"
	KindWarning Kind = "warning"

	// KindIgnored marks known-noise legacy events. They are classified
	// deliberately so they do not show up as unrecognized methods.
	KindIgnored Kind = "ignored"
)

// ItemType is the fixed enum of item types with an unknown catch-all. An
// unrecognized wire string must never crash the parser.
type ItemType string

const (
	ItemUserMessage      ItemType = "userMessage"
	ItemAgentMessage     ItemType = "agentMessage"
	ItemReasoning        ItemType = "reasoning"
	ItemCommandExecution ItemType = "commandExecution"
	ItemFileChange       ItemType = "fileChange"
	ItemMcpToolCall      ItemType = "mcpToolCall"
	ItemWebSearch        ItemType = "webSearch"
	ItemTodoList         ItemType = "todoList"
	ItemUnknown          ItemType = "unknown"
)

// ParseItemType maps a wire item type string (modern camelCase or legacy
// snake_case) to the ItemType enum.
func ParseItemType(s string) ItemType {
	switch s {
	case "userMessage", "user_message":
		return ItemUserMessage
	case "agentMessage", "agent_message":
		return ItemAgentMessage
	case "reasoning":
		return ItemReasoning
	case "commandExecution", "command_execution", "localShellCall":
		return ItemCommandExecution
	case "fileChange", "file_change", "patchApply":
		return ItemFileChange
	case "mcpToolCall", "mcp_tool_call":
		return ItemMcpToolCall
	case "webSearch", "web_search":
		return ItemWebSearch
	case "todoList", "todo_list":
		return ItemTodoList
	default:
		return ItemUnknown
	}
}

// Status is the 3-value terminal status enum.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// ParseStatus normalizes the wire status vocabulary. Unrecognized values
// map to completed: this permissive default is preserved from the original
// behavior on purpose, even though a stricter mapping would arguably be
// safer. Do not "fix" it without auditing every producer.
func ParseStatus(s string) Status {
	switch s {
	case "failed", "error":
		return StatusFailed
	case "interrupted", "cancelled", "canceled", "aborted":
		return StatusInterrupted
	default:
		// includes "completed", "success", "ok" and anything else
		return StatusCompleted
	}
}

// ApprovalAction categorizes a server-initiated approval request.
type ApprovalAction string

const (
	ApprovalCommandExec ApprovalAction = "commandExecution"
	ApprovalFileChange  ApprovalAction = "fileChange"
	ApprovalPatchApply  ApprovalAction = "patchApply"
)

// ApprovalRequest is the decoded payload of a requestApproval request.
type ApprovalRequest struct {
	Action    ApprovalAction
	Command   string
	Cwd       string
	Path      string
	Diff      string
	Reasoning string
	Options   []string
}

// Event is one immutable, typed fact derived from one inbound notification
// (or server request, for approvals). Identifier fields may be empty
// depending on Kind. Raw always carries the original params for consumers
// needing escape-hatch access.
type Event struct {
	Kind   Kind
	Method string // modern method name, after any legacy rewrite

	ThreadID string
	TurnID   string
	ItemID   string

	// Item payload for item started/completed events.
	Item     *appserver.Item
	ItemType ItemType

	// Status for turn/item completion events.
	Status Status

	// Delta text for streaming events; Summary distinguishes reasoning
	// summary deltas from reasoning text deltas.
	Delta   string
	Summary bool

	// Turn-level updates.
	Diff string
	Plan []appserver.PlanEntry

	// Usage and rate limits.
	Usage      *appserver.ThreadTokenUsage
	RateLimits *appserver.RateLimitSnapshot

	// Approval payload for KindApprovalRequested.
	Approval *ApprovalRequest

	// Error/warning surface.
	Message   string
	ErrorCode int

	Raw json.RawMessage
}

// ParseError reports an unrecognized method. It carries the raw input for
// diagnosis and must never crash the pipeline.
type ParseError struct {
	Method string
	Params json.RawMessage
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unrecognized event method %q", e.Method)
}
