package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentbridge/agentbridge/internal/tracing"
	"github.com/agentbridge/agentbridge/pkg/appserver"
)

// call performs a blocking RPC and decodes the result into out (may be nil).
func (c *Connection) call(ctx context.Context, method string, params, out any) error {
	id := c.client.NextID()
	ctx, span := tracing.TraceCommand(ctx, method, id)
	defer span.End()

	resp, err := c.client.CallWithID(ctx, id, method, params)
	if err != nil {
		tracing.TraceCommandResult(span, err)
		return fmt.Errorf("%s failed: %w", method, err)
	}
	if resp.Error != nil {
		tracing.TraceCommandResult(span, resp.Error)
		return fmt.Errorf("%s error: %w", method, resp.Error)
	}
	if out != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// StartThread creates a new agent thread. Launch defaults from the
// connection options (model, approval policy, sandbox mode) fill any fields
// the caller left unset.
func (c *Connection) StartThread(ctx context.Context, params *appserver.ThreadStartParams) (*appserver.Thread, error) {
	if params == nil {
		params = &appserver.ThreadStartParams{}
	}
	if params.Model == "" {
		params.Model = c.opts.Model
	}
	if params.ApprovalPolicy == "" {
		params.ApprovalPolicy = c.opts.ApprovalPolicy
	}
	if params.SandboxPolicy == nil && c.opts.SandboxMode != "" {
		params.SandboxPolicy = &appserver.SandboxPolicy{Type: c.opts.SandboxMode}
	}

	var result appserver.ThreadStartResult
	if err := c.call(ctx, appserver.MethodThreadStart, params, &result); err != nil {
		return nil, err
	}
	if result.Thread == nil {
		return nil, fmt.Errorf("thread/start returned no thread")
	}
	return result.Thread, nil
}

// ResumeThread reattaches to an existing thread, applying the same launch
// defaults as StartThread.
func (c *Connection) ResumeThread(ctx context.Context, params *appserver.ThreadResumeParams) (*appserver.Thread, error) {
	if params.ApprovalPolicy == "" {
		params.ApprovalPolicy = c.opts.ApprovalPolicy
	}
	if params.SandboxPolicy == nil && c.opts.SandboxMode != "" {
		params.SandboxPolicy = &appserver.SandboxPolicy{Type: c.opts.SandboxMode}
	}

	var result appserver.ThreadStartResult
	if err := c.call(ctx, appserver.MethodThreadResume, params, &result); err != nil {
		return nil, err
	}
	if result.Thread == nil {
		return nil, fmt.Errorf("thread/resume returned no thread")
	}
	return result.Thread, nil
}

// ForkThread copies a thread's history into a new thread.
func (c *Connection) ForkThread(ctx context.Context, threadID string) (*appserver.Thread, error) {
	var result appserver.ThreadStartResult
	err := c.call(ctx, appserver.MethodThreadFork, &appserver.ThreadForkParams{ThreadID: threadID}, &result)
	if err != nil {
		return nil, err
	}
	if result.Thread == nil {
		return nil, fmt.Errorf("thread/fork returned no thread")
	}
	return result.Thread, nil
}

// ReadThread fetches a thread and its recorded items.
func (c *Connection) ReadThread(ctx context.Context, threadID string) (*appserver.ThreadReadResult, error) {
	var result appserver.ThreadReadResult
	err := c.call(ctx, appserver.MethodThreadRead, &appserver.ThreadReadParams{ThreadID: threadID}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListThreads pages through known threads.
func (c *Connection) ListThreads(ctx context.Context, cursor string, pageSize int) (*appserver.ThreadListResult, error) {
	var result appserver.ThreadListResult
	err := c.call(ctx, appserver.MethodThreadList, &appserver.ThreadListParams{Cursor: cursor, PageSize: pageSize}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ArchiveThread archives a thread.
func (c *Connection) ArchiveThread(ctx context.Context, threadID string) error {
	return c.call(ctx, appserver.MethodThreadArchive, &appserver.ThreadArchiveParams{ThreadID: threadID}, nil)
}

// UnarchiveThread restores an archived thread.
func (c *Connection) UnarchiveThread(ctx context.Context, threadID string) error {
	return c.call(ctx, appserver.MethodThreadUnarchive, &appserver.ThreadArchiveParams{ThreadID: threadID}, nil)
}

// RollbackThread drops all items after itemID from the thread history.
func (c *Connection) RollbackThread(ctx context.Context, threadID, itemID string) error {
	return c.call(ctx, appserver.MethodThreadRollback, &appserver.ThreadRollbackParams{ThreadID: threadID, ItemID: itemID}, nil)
}

// StartTurn submits a turn without waiting for the response. The response
// arrives through the pipeline carrying the interaction context registered
// here, which is what binds the agent's turn id to the interaction. The
// context is registered before the request is written: the agent can answer
// on the very next read-loop iteration.
func (c *Connection) StartTurn(ctx context.Context, interactionID string, params *appserver.TurnStartParams) (int64, error) {
	id := c.client.NextID()
	c.requests.Insert(&PendingRequest{
		ID:            id,
		Method:        appserver.MethodTurnStart,
		ThreadID:      params.ThreadID,
		InteractionID: interactionID,
	})
	if err := c.client.SendWithID(id, appserver.MethodTurnStart, params); err != nil {
		c.requests.Pop(id)
		return 0, fmt.Errorf("turn/start failed: %w", err)
	}
	return id, nil
}

// InterruptTurn asks the agent to stop the active turn.
func (c *Connection) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	return c.call(ctx, appserver.MethodTurnInterrupt, &appserver.TurnInterruptParams{ThreadID: threadID, TurnID: turnID}, nil)
}

// ExecCommand runs a single command outside any turn.
func (c *Connection) ExecCommand(ctx context.Context, params *appserver.CommandExecParams) (*appserver.CommandExecResult, error) {
	var result appserver.CommandExecResult
	if err := c.call(ctx, appserver.MethodCommandExec, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReadAccount returns the raw account state.
func (c *Connection) ReadAccount(ctx context.Context) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.call(ctx, appserver.MethodAccountRead, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// StartLogin begins a login flow; completion arrives as a notification.
func (c *Connection) StartLogin(ctx context.Context) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.call(ctx, appserver.MethodAccountLoginStart, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CancelLogin cancels an in-progress login flow.
func (c *Connection) CancelLogin(ctx context.Context) error {
	return c.call(ctx, appserver.MethodAccountLoginCancel, nil, nil)
}

// Logout clears the agent's credentials.
func (c *Connection) Logout(ctx context.Context) error {
	return c.call(ctx, appserver.MethodAccountLogout, nil, nil)
}

// ReadRateLimits returns the current rate-limit snapshot.
func (c *Connection) ReadRateLimits(ctx context.Context) (*appserver.RateLimitSnapshot, error) {
	var result struct {
		RateLimits *appserver.RateLimitSnapshot `json:"rateLimits"`
	}
	if err := c.call(ctx, appserver.MethodAccountRateLimitsRead, nil, &result); err != nil {
		return nil, err
	}
	return result.RateLimits, nil
}

// ReadConfig returns the agent's effective configuration.
func (c *Connection) ReadConfig(ctx context.Context) (json.RawMessage, error) {
	var result json.RawMessage
	if err := c.call(ctx, appserver.MethodConfigRead, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// WriteConfig applies configuration edits.
func (c *Connection) WriteConfig(ctx context.Context, edits map[string]any) error {
	return c.call(ctx, appserver.MethodConfigWrite, &appserver.ConfigWriteParams{Edits: edits}, nil)
}

// ListSkills returns the installed skills.
func (c *Connection) ListSkills(ctx context.Context) ([]appserver.Skill, error) {
	var result appserver.SkillsListResult
	if err := c.call(ctx, appserver.MethodSkillsList, nil, &result); err != nil {
		return nil, err
	}
	return result.Skills, nil
}

// WriteSkillConfig enables or disables a skill.
func (c *Connection) WriteSkillConfig(ctx context.Context, name string, enabled bool) error {
	return c.call(ctx, appserver.MethodSkillsConfigWrite, &appserver.SkillsConfigWriteParams{Name: name, Enabled: enabled}, nil)
}

// StartReview starts an agent-driven review on a thread.
func (c *Connection) StartReview(ctx context.Context, threadID, prompt string) error {
	return c.call(ctx, appserver.MethodReviewStart, &appserver.ReviewStartParams{ThreadID: threadID, Prompt: prompt}, nil)
}
