package protocol

import (
	"encoding/json"

	"github.com/agentbridge/agentbridge/pkg/appserver"
)

// Parse normalizes one inbound notification (or server-initiated request,
// for approvals) into an Event. Legacy methods are rewritten first so only
// the modern schema is parsed. Parse never panics: malformed payloads
// degrade to zero-valued fields and unknown methods return a *ParseError.
func Parse(method string, params json.RawMessage) (*Event, error) {
	method, params, ignored := rewriteLegacy(method, params)
	if ignored {
		return &Event{Kind: KindIgnored, Method: method, Raw: params}, nil
	}

	var m map[string]any
	if len(params) > 0 {
		// Best effort: a payload that is not an object still gets triaged
		// by method name, with empty identifiers.
		_ = json.Unmarshal(params, &m)
	}

	ev := &Event{Method: method, Raw: params}
	ev.ThreadID, ev.TurnID, ev.ItemID = extractIdentifiers(m)

	switch method {
	case appserver.NotifyThreadStarted:
		ev.Kind = KindThreadStarted

	case appserver.NotifyThreadArchived:
		ev.Kind = KindThreadArchived

	case appserver.NotifyThreadTokenUsageUpdated:
		ev.Kind = KindTokenUsageUpdated
		ev.Usage = parseTokenUsage(params)

	case appserver.NotifyTurnStarted:
		ev.Kind = KindTurnStarted

	case appserver.NotifyTurnCompleted:
		ev.Kind = KindTurnCompleted
		ev.Status, ev.Message = parseTurnOutcome(m)

	case appserver.NotifyTurnDiffUpdated:
		ev.Kind = KindTurnDiffUpdated
		ev.Diff = firstString(m, "diff", "unifiedDiff")

	case appserver.NotifyTurnPlanUpdated:
		ev.Kind = KindTurnPlanUpdated
		ev.Plan = parsePlan(params)

	case appserver.NotifyItemStarted:
		ev.Kind = KindItemStarted
		ev.Item, ev.ItemType = parseItem(params)
		if ev.Item != nil && ev.ItemID == "" {
			ev.ItemID = ev.Item.ID
		}

	case appserver.NotifyItemCompleted:
		ev.Kind = KindItemCompleted
		ev.Item, ev.ItemType = parseItem(params)
		if ev.Item != nil {
			if ev.ItemID == "" {
				ev.ItemID = ev.Item.ID
			}
			ev.Status = ParseStatus(ev.Item.Status)
		}

	case appserver.NotifyItemAgentMessageDelta:
		ev.Kind = KindAgentMessageDelta
		ev.Delta = getString(m, "delta")

	case appserver.NotifyItemReasoningTextDelta:
		ev.Kind = KindReasoningDelta
		ev.Delta = getString(m, "delta")

	case appserver.NotifyItemReasoningSummaryDelta:
		ev.Kind = KindReasoningDelta
		ev.Summary = true
		ev.Delta = getString(m, "delta")

	case appserver.NotifyItemCmdExecOutputDelta:
		ev.Kind = KindCommandOutputDelta
		ev.Delta = firstString(m, "delta", "chunk", "output")

	case appserver.NotifyAccountUpdated:
		ev.Kind = KindAccountUpdated

	case appserver.NotifyAccountLoginCompleted:
		ev.Kind = KindLoginCompleted
		if !getBool(m, "success") {
			ev.Message = getString(m, "error")
		}

	case appserver.NotifyAccountRateLimitsUpdated:
		ev.Kind = KindRateLimitsUpdated
		ev.RateLimits = parseRateLimits(params)

	case appserver.NotifyMcpToolProgress:
		ev.Kind = KindMcpToolProgress
		ev.Message = getString(m, "message")

	case appserver.NotifyError:
		ev.Kind = KindError
		ev.Message = errorMessage(m)
		ev.ErrorCode = getInt(m, "code")

	case appserver.NotifyWarning:
		ev.Kind = KindWarning
		ev.Message = errorMessage(m)

	case appserver.RequestCmdExecApproval:
		ev.Kind = KindApprovalRequested
		ev.Approval = parseApproval(ApprovalCommandExec, m)

	case appserver.RequestFileChangeApproval:
		ev.Kind = KindApprovalRequested
		ev.Approval = parseApproval(ApprovalFileChange, m)

	case appserver.RequestPatchApplyApproval:
		ev.Kind = KindApprovalRequested
		ev.Approval = parseApproval(ApprovalPatchApply, m)

	default:
		return nil, &ParseError{Method: method, Params: params}
	}

	return ev, nil
}

// extractIdentifiers pulls thread/turn/item ids out of a payload. The wire
// places them inconsistently: plain fields, nested thread/turn objects, or
// inside the item.
func extractIdentifiers(m map[string]any) (threadID, turnID, itemID string) {
	if m == nil {
		return "", "", ""
	}

	threadID = firstString(m, "threadId", "thread_id")
	if threadID == "" {
		if thread := getMap(m, "thread"); thread != nil {
			threadID = getString(thread, "id")
		}
	}

	turnID = firstString(m, "turnId", "turn_id")
	turn := getMap(m, "turn")
	if turn != nil {
		if turnID == "" {
			turnID = getString(turn, "id")
		}
		if threadID == "" {
			threadID = getString(turn, "threadId")
		}
	}

	itemID = firstString(m, "itemId", "item_id")
	if item := getMap(m, "item"); item != nil {
		if itemID == "" {
			itemID = getString(item, "id")
		}
		if turnID == "" {
			turnID = getString(item, "turnId")
		}
		if threadID == "" {
			threadID = getString(item, "threadId")
		}
	}
	return threadID, turnID, itemID
}

// parseTurnOutcome reads the terminal status of a turn. Two encodings exist:
// the modern {turn:{status,error}} / {status} form and the older
// {success,error} form.
func parseTurnOutcome(m map[string]any) (Status, string) {
	if m == nil {
		return StatusCompleted, ""
	}
	if turn := getMap(m, "turn"); turn != nil {
		return ParseStatus(getString(turn, "status")), nestedErrorMessage(turn)
	}
	if s := getString(m, "status"); s != "" {
		return ParseStatus(s), nestedErrorMessage(m)
	}
	if success, ok := m["success"].(bool); ok {
		if success {
			return StatusCompleted, ""
		}
		return StatusFailed, nestedErrorMessage(m)
	}
	return StatusCompleted, nestedErrorMessage(m)
}

func nestedErrorMessage(m map[string]any) string {
	switch e := m["error"].(type) {
	case string:
		return e
	case map[string]any:
		return getString(e, "message")
	}
	return ""
}

func errorMessage(m map[string]any) string {
	if m == nil {
		return ""
	}
	if msg := getString(m, "message"); msg != "" {
		return msg
	}
	return nestedErrorMessage(m)
}

func parseItem(params json.RawMessage) (*appserver.Item, ItemType) {
	var p struct {
		Item *appserver.Item `json:"item"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
		return nil, ItemUnknown
	}
	return p.Item, ParseItemType(p.Item.Type)
}

func parsePlan(params json.RawMessage) []appserver.PlanEntry {
	var p struct {
		Plan []appserver.PlanEntry `json:"plan"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	return p.Plan
}

func parseTokenUsage(params json.RawMessage) *appserver.ThreadTokenUsage {
	var p struct {
		TokenUsage *appserver.ThreadTokenUsage `json:"tokenUsage"`
		Usage      *appserver.ThreadTokenUsage `json:"usage"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	if p.TokenUsage != nil {
		return p.TokenUsage
	}
	return p.Usage
}

func parseRateLimits(params json.RawMessage) *appserver.RateLimitSnapshot {
	var p struct {
		RateLimits *appserver.RateLimitSnapshot `json:"rateLimits"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	return p.RateLimits
}

func parseApproval(action ApprovalAction, m map[string]any) *ApprovalRequest {
	req := &ApprovalRequest{
		Action:    action,
		Cwd:       getString(m, "cwd"),
		Reasoning: firstString(m, "reason", "reasoning"),
	}

	switch cmd := m["command"].(type) {
	case string:
		req.Command = cmd
	case []any:
		for i, part := range cmd {
			if s, ok := part.(string); ok {
				if i > 0 {
					req.Command += " "
				}
				req.Command += s
			}
		}
	}

	req.Path = firstString(m, "path", "file")
	req.Diff = firstString(m, "diff", "unifiedDiff")

	if opts := getSlice(m, "options"); opts != nil {
		for _, o := range opts {
			if s, ok := o.(string); ok {
				req.Options = append(req.Options, s)
			} else if om, ok := o.(map[string]any); ok {
				if id := firstString(om, "id", "optionId"); id != "" {
					req.Options = append(req.Options, id)
				}
			}
		}
	}
	return req
}
