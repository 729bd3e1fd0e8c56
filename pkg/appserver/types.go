// Package appserver provides types and a stdio client for the coding-agent
// app-server protocol. The dialect is JSON-RPC 2.0 over line-delimited UTF-8
// on stdin/stdout, except that the "jsonrpc":"2.0" header is omitted.
package appserver

import "encoding/json"

// Request is an outbound JSON-RPC request (without the jsonrpc field).
type Request struct {
	ID     any             `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response carrying either a result or an error.
type Response struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a method call with no id; no response is expected.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Client-to-agent method names. Each command exposed by the transport maps
// 1:1 to one of these.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized" // notification

	MethodThreadStart     = "thread/start"
	MethodThreadResume    = "thread/resume"
	MethodThreadFork      = "thread/fork"
	MethodThreadRead      = "thread/read"
	MethodThreadList      = "thread/list"
	MethodThreadArchive   = "thread/archive"
	MethodThreadUnarchive = "thread/unarchive"
	MethodThreadRollback  = "thread/rollback"

	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"

	MethodCommandExec = "command/exec"

	MethodAccountRead           = "account/read"
	MethodAccountLoginStart     = "account/login/start"
	MethodAccountLoginCancel    = "account/login/cancel"
	MethodAccountLogout         = "account/logout"
	MethodAccountRateLimitsRead = "account/rateLimits/read"

	MethodConfigRead  = "config/read"
	MethodConfigWrite = "config/write"

	MethodSkillsList        = "skills/list"
	MethodSkillsConfigWrite = "skills/config/write"

	MethodReviewStart = "review/start"
)

// Agent-to-client notification methods (the modern naming scheme; legacy
// variants are rewritten by the normalizer before dispatch).
const (
	NotifyThreadStarted           = "thread/started"
	NotifyThreadArchived          = "thread/archived"
	NotifyThreadTokenUsageUpdated = "thread/tokenUsage/updated"

	NotifyTurnStarted     = "turn/started"
	NotifyTurnCompleted   = "turn/completed"
	NotifyTurnDiffUpdated = "turn/diff/updated"
	NotifyTurnPlanUpdated = "turn/plan/updated"

	NotifyItemStarted               = "item/started"
	NotifyItemCompleted             = "item/completed"
	NotifyItemAgentMessageDelta     = "item/agentMessage/delta"
	NotifyItemReasoningTextDelta    = "item/reasoning/textDelta"
	NotifyItemReasoningSummaryDelta = "item/reasoning/summaryTextDelta"
	NotifyItemCmdExecOutputDelta    = "item/commandExecution/outputDelta"

	NotifyAccountUpdated           = "account/updated"
	NotifyAccountLoginCompleted    = "account/login/completed"
	NotifyAccountRateLimitsUpdated = "account/rateLimits/updated"

	NotifyMcpToolProgress = "mcp/tool/progress"

	NotifyError   = "error"
	NotifyWarning = "warning"
)

// Agent-to-client request methods. The agent blocks until the client sends
// a response, so these must be answered before any other outbound traffic.
const (
	RequestCmdExecApproval    = "item/commandExecution/requestApproval"
	RequestFileChangeApproval = "item/fileChange/requestApproval"
	RequestPatchApplyApproval = "item/patchApply/requestApproval"
)

// InitializeParams for the initialize request.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize.
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// Thread is the agent-side conversation context.
type Thread struct {
	ID            string `json:"id"`
	Preview       string `json:"preview,omitempty"`
	ModelProvider string `json:"modelProvider,omitempty"`
	Archived      bool   `json:"archived,omitempty"`
	CreatedAt     int64  `json:"createdAt,omitempty"`
}

// SandboxPolicy configures agent sandbox behavior. Type values are
// kebab-case: "read-only", "workspace-write", "danger-full-access".
type SandboxPolicy struct {
	Type          string   `json:"type"`
	WritableRoots []string `json:"writableRoots,omitempty"`
	NetworkAccess bool     `json:"networkAccess,omitempty"`
}

// ThreadStartParams for thread/start.
type ThreadStartParams struct {
	Model          string         `json:"model,omitempty"`
	Cwd            string         `json:"cwd,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"` // "untrusted", "on-failure", "on-request", "never"
	SandboxPolicy  *SandboxPolicy `json:"sandboxPolicy,omitempty"`
}

// ThreadStartResult from thread/start.
type ThreadStartResult struct {
	Thread *Thread `json:"thread"`
}

// ThreadResumeParams for thread/resume.
type ThreadResumeParams struct {
	ThreadID       string         `json:"threadId"`
	Cwd            string         `json:"cwd,omitempty"`
	ApprovalPolicy string         `json:"approvalPolicy,omitempty"`
	SandboxPolicy  *SandboxPolicy `json:"sandboxPolicy,omitempty"`
}

// ThreadForkParams for thread/fork.
type ThreadForkParams struct {
	ThreadID string `json:"threadId"`
}

// ThreadReadParams for thread/read.
type ThreadReadParams struct {
	ThreadID string `json:"threadId"`
}

// ThreadReadResult from thread/read.
type ThreadReadResult struct {
	Thread *Thread `json:"thread"`
	Items  []Item  `json:"items,omitempty"`
}

// ThreadListParams for thread/list.
type ThreadListParams struct {
	Cursor   string `json:"cursor,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

// ThreadListResult from thread/list.
type ThreadListResult struct {
	Threads    []Thread `json:"threads"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// ThreadArchiveParams is shared by thread/archive and thread/unarchive.
type ThreadArchiveParams struct {
	ThreadID string `json:"threadId"`
}

// ThreadRollbackParams for thread/rollback. Drops all items after the
// given item id from the thread history.
type ThreadRollbackParams struct {
	ThreadID string `json:"threadId"`
	ItemID   string `json:"itemId"`
}

// UserInput is one input element of a turn.
type UserInput struct {
	Type string `json:"type"` // "text", "image", "localImage", "skill"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
	Name string `json:"name,omitempty"`
}

// TurnStartParams for turn/start.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
	Model    string      `json:"model,omitempty"`
}

// Turn is one unit of agent work within a thread.
type Turn struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "inProgress", "completed", "failed", "interrupted"
	Error  *Error `json:"error,omitempty"`
}

// TurnStartResult from turn/start.
type TurnStartResult struct {
	Turn *Turn `json:"turn"`
}

// TurnInterruptParams for turn/interrupt.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// CommandExecParams for command/exec (single command outside a turn).
type CommandExecParams struct {
	Command   []string `json:"command"`
	Cwd       string   `json:"cwd,omitempty"`
	TimeoutMs int      `json:"timeoutMs,omitempty"`
}

// CommandExecResult from command/exec.
type CommandExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// ConfigWriteParams for config/write.
type ConfigWriteParams struct {
	Edits map[string]any `json:"edits"`
}

// SkillsListResult from skills/list.
type SkillsListResult struct {
	Skills []Skill `json:"skills"`
}

// Skill describes one installed agent skill.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// SkillsConfigWriteParams for skills/config/write.
type SkillsConfigWriteParams struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// ReviewStartParams for review/start.
type ReviewStartParams struct {
	ThreadID string `json:"threadId"`
	Prompt   string `json:"prompt,omitempty"`
}

// Item is one sub-step of a turn (message, command execution, file change,
// tool call, reasoning, ...). Type-specific fields are flattened; absent
// fields simply stay zero.
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`

	// agentMessage / userMessage
	Text string `json:"text,omitempty"`

	// commandExecution
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`
	DurationMs       *int   `json:"durationMs,omitempty"`

	// fileChange
	Changes []FileChange `json:"changes,omitempty"`

	// reasoning - content arrives as either a plain string or a list of
	// typed parts, FlexibleContent accepts both.
	Summary FlexibleContent `json:"summary,omitempty"`
	Content FlexibleContent `json:"content,omitempty"`

	// mcpToolCall
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolError string          `json:"error,omitempty"`
}

// ContentPart is one element of a content array in the responses format.
type ContentPart struct {
	Type string `json:"type,omitempty"` // "text", "output_text", "input_text", "refusal"
	Text string `json:"text,omitempty"`
}

// FlexibleContent unmarshals from either a JSON string or a []ContentPart.
type FlexibleContent []ContentPart

// UnmarshalJSON accepts both the string and array encodings; unparseable
// content becomes empty rather than failing the whole item.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		*fc = parts
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fc = []ContentPart{{Type: "text", Text: str}}
		return nil
	}
	*fc = nil
	return nil
}

// Text joins all textual parts.
func (fc FlexibleContent) String() string {
	var out string
	for _, p := range fc {
		out += p.Text
	}
	return out
}

// FileChange is one changed file inside a fileChange item.
type FileChange struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
	Diff string         `json:"diff,omitempty"`
}

// FileChangeKind tags the kind of change.
type FileChangeKind struct {
	Type string `json:"type"` // "add", "modify", "delete"
}

// PlanEntry is a single entry of the agent's plan.
type PlanEntry struct {
	Description string `json:"description"`
	Status      string `json:"status"` // "pending", "in_progress", "completed", "failed"
}

// TokenUsage holds token counts for one request/response cycle.
type TokenUsage struct {
	InputTokens           int64 `json:"inputTokens"`
	CachedInputTokens     int64 `json:"cachedInputTokens"`
	OutputTokens          int64 `json:"outputTokens"`
	ReasoningOutputTokens int64 `json:"reasoningOutputTokens"`
	TotalTokens           int64 `json:"totalTokens"`
}

// ThreadTokenUsage is the usage summary attached to a thread.
type ThreadTokenUsage struct {
	Total              *TokenUsage `json:"total,omitempty"`
	Last               *TokenUsage `json:"last,omitempty"`
	ModelContextWindow int64       `json:"modelContextWindow,omitempty"`
}

// RateLimitWindow describes one rate-limit window.
type RateLimitWindow struct {
	UsedPercent        int64  `json:"usedPercent"`
	WindowDurationMins *int64 `json:"windowDurationMins,omitempty"`
	ResetsAt           *int64 `json:"resetsAt,omitempty"`
}

// RateLimitSnapshot is the full rate-limit state.
type RateLimitSnapshot struct {
	Primary   *RateLimitWindow `json:"primary,omitempty"`
	Secondary *RateLimitWindow `json:"secondary,omitempty"`
	PlanType  *string          `json:"planType,omitempty"`
}

// ApprovalDecision values accepted in approval responses.
const (
	DecisionAccept        = "accept"
	DecisionAcceptSession = "acceptForSession"
	DecisionDecline       = "decline"
	DecisionCancel        = "cancel"
)

// ApprovalResponse answers a requestApproval server request.
type ApprovalResponse struct {
	Decision string `json:"decision"`
}
