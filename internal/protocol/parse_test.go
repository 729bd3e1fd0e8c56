package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

// TestParseItemEvents covers the item lifecycle notifications.
func TestParseItemEvents(t *testing.T) {
	t.Run("item/completed with agentMessage", func(t *testing.T) {
		params := json.RawMessage(`{
			"threadId": "th_1",
			"turnId": "tu_1",
			"item": {"id": "it_1", "type": "agentMessage", "text": "hello", "status": "completed"}
		}`)
		ev, err := Parse("item/completed", params)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Kind != KindItemCompleted {
			t.Errorf("expected Kind %q, got %q", KindItemCompleted, ev.Kind)
		}
		if ev.ThreadID != "th_1" || ev.TurnID != "tu_1" || ev.ItemID != "it_1" {
			t.Errorf("unexpected identifiers: %q %q %q", ev.ThreadID, ev.TurnID, ev.ItemID)
		}
		if ev.ItemType != ItemAgentMessage {
			t.Errorf("expected ItemType agentMessage, got %q", ev.ItemType)
		}
		if ev.Item == nil || ev.Item.Text != "hello" {
			t.Errorf("expected item text 'hello', got %+v", ev.Item)
		}
		if ev.Status != StatusCompleted {
			t.Errorf("expected status completed, got %q", ev.Status)
		}
	})

	t.Run("identifiers nested under item", func(t *testing.T) {
		params := json.RawMessage(`{
			"item": {"id": "it_2", "type": "commandExecution", "threadId": "th_2", "turnId": "tu_2", "command": "ls"}
		}`)
		ev, err := Parse("item/started", params)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.ThreadID != "th_2" || ev.TurnID != "tu_2" || ev.ItemID != "it_2" {
			t.Errorf("unexpected identifiers: %q %q %q", ev.ThreadID, ev.TurnID, ev.ItemID)
		}
		if ev.ItemType != ItemCommandExecution {
			t.Errorf("expected ItemType commandExecution, got %q", ev.ItemType)
		}
	})

	t.Run("unknown item type maps to catch-all", func(t *testing.T) {
		params := json.RawMessage(`{"item": {"id": "it_3", "type": "holographicDisplay"}}`)
		ev, err := Parse("item/started", params)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.ItemType != ItemUnknown {
			t.Errorf("expected ItemType unknown, got %q", ev.ItemType)
		}
	})

	t.Run("agentMessage delta", func(t *testing.T) {
		params := json.RawMessage(`{"threadId": "th_1", "itemId": "it_1", "delta": "wor"}`)
		ev, err := Parse("item/agentMessage/delta", params)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Kind != KindAgentMessageDelta || ev.Delta != "wor" {
			t.Errorf("unexpected event: %+v", ev)
		}
	})

	t.Run("reasoning summary delta sets Summary", func(t *testing.T) {
		params := json.RawMessage(`{"itemId": "it_1", "delta": "thinking"}`)
		ev, err := Parse("item/reasoning/summaryTextDelta", params)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Kind != KindReasoningDelta || !ev.Summary {
			t.Errorf("expected summary reasoning delta, got %+v", ev)
		}
	})
}

// TestParseTurnEvents covers turn lifecycle notifications.
func TestParseTurnEvents(t *testing.T) {
	t.Run("turn/completed with nested turn status", func(t *testing.T) {
		params := json.RawMessage(`{"turn": {"id": "tu_1", "threadId": "th_1", "status": "failed", "error": {"message": "boom"}}}`)
		ev, err := Parse("turn/completed", params)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Status != StatusFailed {
			t.Errorf("expected failed, got %q", ev.Status)
		}
		if ev.Message != "boom" {
			t.Errorf("expected error message 'boom', got %q", ev.Message)
		}
		if ev.ThreadID != "th_1" || ev.TurnID != "tu_1" {
			t.Errorf("unexpected identifiers: %q %q", ev.ThreadID, ev.TurnID)
		}
	})

	t.Run("turn/completed success flag encoding", func(t *testing.T) {
		ev, err := Parse("turn/completed", json.RawMessage(`{"turnId": "tu_2", "success": false, "error": "timeout"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Status != StatusFailed || ev.Message != "timeout" {
			t.Errorf("unexpected outcome: %q %q", ev.Status, ev.Message)
		}
	})

	t.Run("unrecognized status defaults to completed", func(t *testing.T) {
		ev, err := Parse("turn/completed", json.RawMessage(`{"status": "halfway"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Status != StatusCompleted {
			t.Errorf("expected completed, got %q", ev.Status)
		}
	})

	t.Run("turn diff and plan updates", func(t *testing.T) {
		ev, err := Parse("turn/diff/updated", json.RawMessage(`{"threadId": "th_1", "diff": "--- a\n+++ b\n"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Kind != KindTurnDiffUpdated || ev.Diff == "" {
			t.Errorf("unexpected diff event: %+v", ev)
		}

		ev, err = Parse("turn/plan/updated", json.RawMessage(`{"plan": [{"description": "read files", "status": "in_progress"}]}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(ev.Plan) != 1 || ev.Plan[0].Description != "read files" {
			t.Errorf("unexpected plan: %+v", ev.Plan)
		}
	})
}

// TestParseApprovals covers server-initiated approval requests.
func TestParseApprovals(t *testing.T) {
	t.Run("command execution approval", func(t *testing.T) {
		params := json.RawMessage(`{"threadId": "th_1", "turnId": "tu_1", "itemId": "it_1",
			"command": ["rm", "-rf", "build"], "cwd": "/repo", "reason": "cleanup"}`)
		ev, err := Parse("item/commandExecution/requestApproval", params)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Kind != KindApprovalRequested {
			t.Fatalf("expected approval event, got %q", ev.Kind)
		}
		if ev.Approval.Action != ApprovalCommandExec {
			t.Errorf("expected commandExecution action, got %q", ev.Approval.Action)
		}
		if ev.Approval.Command != "rm -rf build" {
			t.Errorf("expected joined argv, got %q", ev.Approval.Command)
		}
		if ev.Approval.Cwd != "/repo" || ev.Approval.Reasoning != "cleanup" {
			t.Errorf("unexpected approval: %+v", ev.Approval)
		}
	})

	t.Run("file change approval", func(t *testing.T) {
		params := json.RawMessage(`{"itemId": "it_2", "path": "main.go", "diff": "+x"}`)
		ev, err := Parse("item/fileChange/requestApproval", params)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Approval.Action != ApprovalFileChange || ev.Approval.Path != "main.go" {
			t.Errorf("unexpected approval: %+v", ev.Approval)
		}
	})
}

// TestParseRobustness verifies Parse degrades instead of failing on bad input.
func TestParseRobustness(t *testing.T) {
	t.Run("unrecognized method returns ParseError", func(t *testing.T) {
		_, err := Parse("thread/levitate", json.RawMessage(`{}`))
		var perr *ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("expected *ParseError, got %v", err)
		}
		if perr.Method != "thread/levitate" {
			t.Errorf("expected method in error, got %q", perr.Method)
		}
	})

	t.Run("malformed params degrade to empty fields", func(t *testing.T) {
		ev, err := Parse("turn/started", json.RawMessage(`"not an object"`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Kind != KindTurnStarted || ev.ThreadID != "" {
			t.Errorf("unexpected event: %+v", ev)
		}
	})

	t.Run("nil params", func(t *testing.T) {
		ev, err := Parse("thread/started", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Kind != KindThreadStarted {
			t.Errorf("expected thread started, got %q", ev.Kind)
		}
	})

	t.Run("error and warning notifications", func(t *testing.T) {
		ev, err := Parse("error", json.RawMessage(`{"message": "model overloaded", "code": 429}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Kind != KindError || ev.Message != "model overloaded" || ev.ErrorCode != 429 {
			t.Errorf("unexpected event: %+v", ev)
		}
	})
}

// TestParseTokenUsage verifies usage and rate limit payload decoding.
func TestParseTokenUsage(t *testing.T) {
	params := json.RawMessage(`{"threadId": "th_1", "tokenUsage": {
		"total": {"inputTokens": 100, "outputTokens": 20, "totalTokens": 120},
		"modelContextWindow": 200000
	}}`)
	ev, err := Parse("thread/tokenUsage/updated", params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != KindTokenUsageUpdated {
		t.Fatalf("expected token usage event, got %q", ev.Kind)
	}
	if ev.Usage == nil || ev.Usage.Total == nil {
		t.Fatal("expected usage totals")
	}
	if ev.Usage.Total.TotalTokens != 120 {
		t.Errorf("expected 120 total tokens, got %d", ev.Usage.Total.TotalTokens)
	}
	if ev.Usage.ModelContextWindow != 200000 {
		t.Errorf("expected context window 200000, got %d", ev.Usage.ModelContextWindow)
	}
}

func TestParseStatusVocabulary(t *testing.T) {
	cases := map[string]Status{
		"completed":   StatusCompleted,
		"success":     StatusCompleted,
		"":            StatusCompleted,
		"anything":    StatusCompleted,
		"failed":      StatusFailed,
		"error":       StatusFailed,
		"interrupted": StatusInterrupted,
		"cancelled":   StatusInterrupted,
		"aborted":     StatusInterrupted,
	}
	for in, want := range cases {
		if got := ParseStatus(in); got != want {
			t.Errorf("ParseStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
