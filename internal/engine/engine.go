// Package engine correlates normalized agent events to durable interaction
// records and drives the interaction state machine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/client"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/interaction"
	"github.com/agentbridge/agentbridge/internal/interaction/store"
	"github.com/agentbridge/agentbridge/internal/notify"
	"github.com/agentbridge/agentbridge/internal/protocol"
	"github.com/agentbridge/agentbridge/internal/tracing"
	"github.com/agentbridge/agentbridge/pkg/appserver"
)

// Options configures engine behavior.
type Options struct {
	// AutoApprove accepts approval requests instead of declining them.
	// Anything that is not an explicit accept is a decline: the bridge
	// fails closed.
	AutoApprove bool
}

// Engine applies pipeline units to the interaction store. It is safe for
// concurrent use: the pipeline guarantees per-thread ordering, and all state
// lives in the store.
type Engine struct {
	store    store.Store
	notifier *notify.Notifier
	opts     Options
	logger   *logger.Logger

	// connMu guards conn, which the supervisor swaps on every restart.
	connMu sync.RWMutex
	conn   *client.Connection
}

// New creates an engine. conn may be nil when the engine only consumes
// events (tests); SubmitPrompt then fails.
func New(st store.Store, notifier *notify.Notifier, conn *client.Connection, opts Options, log *logger.Logger) *Engine {
	return &Engine{
		store:    st,
		notifier: notifier,
		conn:     conn,
		opts:     opts,
		logger:   log.WithFields(zap.String("component", "engine")),
	}
}

// SetConnection binds the agent connection used to submit turns. Called
// during wiring and on every reconnect.
func (e *Engine) SetConnection(conn *client.Connection) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	e.conn = conn
}

func (e *Engine) connection() *client.Connection {
	e.connMu.RLock()
	defer e.connMu.RUnlock()
	return e.conn
}

// SubmitPrompt opens a pending interaction and submits the turn. The turn id
// is bound later, when the turn/start response flows back through the
// pipeline.
func (e *Engine) SubmitPrompt(ctx context.Context, threadID, prompt string) (*interaction.Interaction, error) {
	conn := e.connection()
	if conn == nil {
		return nil, errors.New("no agent connection")
	}

	in := &interaction.Interaction{
		ThreadID: threadID,
		Prompt:   prompt,
		Status:   interaction.StatusPending,
	}
	if err := e.store.CreateInteraction(ctx, in); err != nil {
		return nil, err
	}

	_, err := conn.StartTurn(ctx, in.ID, &appserver.TurnStartParams{
		ThreadID: threadID,
		Input:    []appserver.UserInput{{Type: "text", Text: prompt}},
	})
	if err != nil {
		in.Status = interaction.StatusFailed
		in.Error = err.Error()
		if updateErr := e.store.UpdateInteraction(ctx, in); updateErr != nil {
			e.logger.Error("failed to mark interaction failed", zap.Error(updateErr))
		}
		return nil, err
	}

	e.logger.Info("interaction submitted",
		zap.String("interaction_id", in.ID),
		zap.String("thread_id", threadID))
	return in, nil
}

// Handle is the pipeline handler: it applies one unit to the store.
func (e *Engine) Handle(ctx context.Context, unit any) {
	switch u := unit.(type) {
	case *client.EventUnit:
		e.applyEvent(ctx, u.Event)
	case *client.ResponseUnit:
		e.applyResponse(ctx, u)
	default:
		e.logger.Warn("unknown pipeline unit", zap.Any("unit", unit))
	}
}

// Decide answers an approval request. Runs on the transport read loop;
// everything but an explicit accept declines.
func (e *Engine) Decide(ctx context.Context, ev *protocol.Event) string {
	decision := appserver.DecisionDecline
	if e.opts.AutoApprove {
		decision = appserver.DecisionAccept
	}

	interactionID := ""
	if in := e.lookup(ctx, ev); in != nil {
		interactionID = in.ID
	}
	e.logger.Info("approval decided",
		zap.String("interaction_id", interactionID),
		zap.String("thread_id", ev.ThreadID),
		zap.String("decision", decision))

	if ev.Approval != nil {
		e.notifier.ApprovalEvent(ctx, ev.ThreadID, string(ev.Approval.Action), ev.Approval.Command, decision)
	}
	return decision
}

// applyResponse handles an async RPC response routed through the pipeline.
// The only async request today is turn/start; its response binds the agent's
// turn id to the interaction that submitted it.
func (e *Engine) applyResponse(ctx context.Context, u *client.ResponseUnit) {
	if u.Pending == nil {
		e.logger.Debug("response without pending context", zap.Any("id", u.Response.ID))
		return
	}

	in, err := e.store.GetInteraction(ctx, u.Pending.InteractionID)
	if err != nil {
		e.logger.Warn("response for unknown interaction",
			zap.String("interaction_id", u.Pending.InteractionID),
			zap.Error(err))
		return
	}

	if u.Response.Error != nil {
		e.finalize(ctx, in, interaction.StatusFailed, u.Response.Error.Message)
		return
	}

	var result appserver.TurnStartResult
	if u.Response.Result != nil {
		if err := json.Unmarshal(u.Response.Result, &result); err != nil {
			e.logger.Warn("failed to decode turn/start result", zap.Error(err))
		}
	}
	if result.Turn != nil && result.Turn.ID != "" {
		in.TurnID = result.Turn.ID
	}
	if in.Status == interaction.StatusPending {
		in.Status = interaction.StatusStarted
	}
	if err := e.store.UpdateInteraction(ctx, in); err != nil {
		e.logger.Error("failed to bind turn id", zap.Error(err))
		return
	}
	e.notifier.InteractionEvent(ctx, notify.InteractionStarted, in)
	e.logger.Debug("turn bound",
		zap.String("interaction_id", in.ID),
		zap.String("turn_id", in.TurnID))
}

func (e *Engine) applyEvent(ctx context.Context, ev *protocol.Event) {
	tracing.TraceEvent(ctx, string(ev.Kind), ev.ThreadID, ev.TurnID)

	switch ev.Kind {
	case protocol.KindThreadStarted:
		e.logger.Info("thread started", zap.String("thread_id", ev.ThreadID))

	case protocol.KindThreadArchived:
		e.logger.Info("thread archived", zap.String("thread_id", ev.ThreadID))

	case protocol.KindTurnStarted:
		e.applyTurnStarted(ctx, ev)

	case protocol.KindTurnCompleted:
		e.applyTurnCompleted(ctx, ev)

	case protocol.KindItemStarted:
		e.applyItem(ctx, ev, false)

	case protocol.KindItemCompleted:
		e.applyItem(ctx, ev, true)

	case protocol.KindAgentMessageDelta:
		e.applyDelta(ctx, ev, "agentMessage")

	case protocol.KindReasoningDelta:
		kind := "reasoning"
		if ev.Summary {
			kind = "reasoningSummary"
		}
		e.applyDelta(ctx, ev, kind)

	case protocol.KindCommandOutputDelta:
		e.applyDelta(ctx, ev, "commandOutput")

	case protocol.KindTurnDiffUpdated:
		e.applyDelta(ctx, ev, "diff")

	case protocol.KindTurnPlanUpdated:
		if plan, err := json.Marshal(ev.Plan); err == nil {
			ev.Delta = string(plan)
			e.applyDelta(ctx, ev, "plan")
		}

	case protocol.KindTokenUsageUpdated:
		e.logger.Debug("token usage updated", zap.String("thread_id", ev.ThreadID))

	case protocol.KindRateLimitsUpdated, protocol.KindAccountUpdated, protocol.KindLoginCompleted:
		e.logger.Debug("account state updated", zap.String("kind", string(ev.Kind)))

	case protocol.KindMcpToolProgress:
		e.logger.Debug("tool progress",
			zap.String("thread_id", ev.ThreadID),
			zap.String("message", ev.Message))

	case protocol.KindApprovalRequested:
		// The decision was already sent on the read loop; this records it.
		e.logger.Info("approval request recorded", zap.String("thread_id", ev.ThreadID))

	case protocol.KindError:
		e.applyError(ctx, ev)

	case protocol.KindWarning:
		e.logger.Warn("agent warning",
			zap.String("thread_id", ev.ThreadID),
			zap.String("message", ev.Message))

	default:
		e.logger.Debug("unhandled event kind", zap.String("kind", string(ev.Kind)))
	}
}

func (e *Engine) applyTurnStarted(ctx context.Context, ev *protocol.Event) {
	in := e.correlate(ctx, ev)
	if in == nil {
		return
	}
	if in.Status.Terminal() {
		return
	}
	if ev.TurnID != "" && in.TurnID == "" {
		in.TurnID = ev.TurnID
	}
	in.Status = interaction.StatusStarted
	if err := e.store.UpdateInteraction(ctx, in); err != nil {
		e.logger.Error("failed to update interaction", zap.Error(err))
		return
	}
	e.notifier.InteractionEvent(ctx, notify.InteractionStarted, in)
}

func (e *Engine) applyTurnCompleted(ctx context.Context, ev *protocol.Event) {
	in := e.correlate(ctx, ev)
	if in == nil {
		return
	}

	status := interaction.StatusCompleted
	switch ev.Status {
	case protocol.StatusFailed:
		status = interaction.StatusFailed
	case protocol.StatusInterrupted:
		status = interaction.StatusInterrupted
	}
	e.finalize(ctx, in, status, ev.Message)
}

// finalize moves an interaction to a terminal state. Terminal repeats are
// no-ops: delivery is at-least-once and a turn can complete twice on
// reconnect.
func (e *Engine) finalize(ctx context.Context, in *interaction.Interaction, status interaction.Status, errMsg string) {
	if in.Status.Terminal() {
		e.logger.Debug("ignoring repeated terminal event",
			zap.String("interaction_id", in.ID),
			zap.String("status", string(in.Status)))
		return
	}

	in.Status = status
	if errMsg != "" {
		in.Error = errMsg
	}
	if in.Response == "" {
		in.Response = e.reconstructResponse(ctx, in.ID)
	}
	if err := e.store.UpdateInteraction(ctx, in); err != nil {
		e.logger.Error("failed to finalize interaction", zap.Error(err))
		return
	}

	e.notifier.InteractionEvent(ctx, notify.InteractionCompleted, in)
	e.logger.Info("interaction finalized",
		zap.String("interaction_id", in.ID),
		zap.String("status", string(status)))
}

// reconstructResponse rebuilds the response text from recorded agent-message
// items, in creation order. Used when the turn completes before any item
// text was applied to the interaction.
func (e *Engine) reconstructResponse(ctx context.Context, interactionID string) string {
	items, err := e.store.ListItems(ctx, interactionID)
	if err != nil {
		e.logger.Warn("failed to list items for reconstruction", zap.Error(err))
		return ""
	}
	var parts []string
	for _, item := range items {
		if item.Type == string(protocol.ItemAgentMessage) && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "")
}

// applyItem records an item lifecycle event. Items are upserted by their
// provider id: started creates, completed updates the same record (or
// creates it when started was never seen).
func (e *Engine) applyItem(ctx context.Context, ev *protocol.Event, completed bool) {
	if ev.Item == nil {
		e.logger.Warn("item event without item", zap.String("method", ev.Method))
		return
	}

	in := e.correlate(ctx, ev)
	if in == nil {
		return
	}

	payload, err := json.Marshal(ev.Item)
	if err != nil {
		payload = nil
	}

	text := ev.Item.Text
	if text == "" && ev.ItemType == protocol.ItemReasoning {
		text = ev.Item.Summary.String()
		if text == "" {
			text = ev.Item.Content.String()
		}
	}

	item, findErr := e.store.FindItemByProviderID(ctx, in.ID, ev.Item.ID)
	switch {
	case findErr == nil:
		item.Status = ev.Item.Status
		if completed && item.Status == "" {
			item.Status = string(ev.Status)
		}
		if text != "" {
			item.Text = text
		}
		if payload != nil {
			item.Payload = payload
		}
		if err := e.store.UpdateItem(ctx, item); err != nil {
			e.logger.Error("failed to update item", zap.Error(err))
			return
		}
	case errors.Is(findErr, store.ErrNotFound):
		item = &interaction.Item{
			InteractionID:  in.ID,
			ProviderItemID: ev.Item.ID,
			Type:           string(ev.ItemType),
			Status:         ev.Item.Status,
			Text:           text,
			Payload:        payload,
		}
		if completed && item.Status == "" {
			item.Status = string(ev.Status)
		}
		if err := e.store.CreateItem(ctx, item); err != nil {
			e.logger.Error("failed to create item", zap.Error(err))
			return
		}
	default:
		e.logger.Error("item lookup failed", zap.Error(findErr))
		return
	}

	// Completed agent messages accumulate into the interaction response.
	if completed && ev.ItemType == protocol.ItemAgentMessage && text != "" {
		in.Response += text
		if err := e.store.UpdateInteraction(ctx, in); err != nil {
			e.logger.Error("failed to append response", zap.Error(err))
		}
	}

	e.notifier.ItemEvent(ctx, in, item)
}

// applyDelta publishes a streaming fragment without touching the store. The
// durable text arrives with the completed item.
func (e *Engine) applyDelta(ctx context.Context, ev *protocol.Event, kind string) {
	if ev.Delta == "" {
		return
	}
	in := e.correlate(ctx, ev)
	if in == nil {
		return
	}
	e.notifier.DeltaEvent(ctx, in, ev.ItemID, kind, ev.Delta)
}

// applyError fails the open interaction on the thread when there is one,
// otherwise surfaces the error standalone.
func (e *Engine) applyError(ctx context.Context, ev *protocol.Event) {
	if ev.ThreadID != "" {
		if in, err := e.store.FindOpenByThread(ctx, ev.ThreadID); err == nil {
			e.finalize(ctx, in, interaction.StatusFailed, ev.Message)
			return
		}
	}
	e.logger.Error("agent error",
		zap.String("thread_id", ev.ThreadID),
		zap.String("message", ev.Message))
	e.notifier.ErrorEvent(ctx, ev.ThreadID, ev.Message)
}

// correlate resolves the interaction an event belongs to. An event that
// matches nothing is dropped with a log line rather than guessed onto the
// wrong interaction.
func (e *Engine) correlate(ctx context.Context, ev *protocol.Event) *interaction.Interaction {
	in := e.lookup(ctx, ev)
	if in == nil {
		e.logger.Warn("dropping uncorrelated event",
			zap.String("kind", string(ev.Kind)),
			zap.String("method", ev.Method),
			zap.String("thread_id", ev.ThreadID),
			zap.String("turn_id", ev.TurnID))
	}
	return in
}

// lookup runs the correlation chain, trying progressively weaker matches.
func (e *Engine) lookup(ctx context.Context, ev *protocol.Event) *interaction.Interaction {
	if ev.ThreadID != "" && ev.TurnID != "" {
		if in, err := e.store.FindByThreadAndTurn(ctx, ev.ThreadID, ev.TurnID); err == nil {
			return in
		}
		// The turn id may not be bound yet; fall back to the open
		// interaction on the thread.
		if in, err := e.store.FindOpenByThread(ctx, ev.ThreadID); err == nil {
			return in
		}
	}

	if ev.ThreadID != "" {
		if in, err := e.store.FindOpenByThread(ctx, ev.ThreadID); err == nil {
			return in
		}
		if in, err := e.store.FindLatestByThread(ctx, ev.ThreadID); err == nil {
			return in
		}
	}

	if ev.TurnID != "" {
		if in, err := e.store.FindByTurnID(ctx, ev.TurnID); err == nil {
			return in
		}
	}
	return nil
}
