// Package notify publishes interaction lifecycle and streaming events to the
// event bus for external consumers (UIs, orchestrators).
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/events/bus"
	"github.com/agentbridge/agentbridge/internal/interaction"
)

// Event types published by the notifier.
const (
	InteractionStarted   = "interaction.started"
	InteractionUpdated   = "interaction.updated"
	InteractionCompleted = "interaction.completed"
	ItemRecorded         = "interaction.item"
	DeltaReceived        = "interaction.delta"
	ApprovalRequested    = "interaction.approval"
	AgentError           = "agent.error"
)

// BuildSubject returns the per-interaction subject consumers subscribe to.
func BuildSubject(interactionID string) string {
	return "interaction." + interactionID + ".event"
}

// Notifier publishes interaction events. Publishing is fire-and-forget: a
// bus failure is logged, never propagated into the pipeline.
type Notifier struct {
	eventBus bus.EventBus
	logger   *logger.Logger
}

// New creates a Notifier. A nil bus disables publishing.
func New(eventBus bus.EventBus, log *logger.Logger) *Notifier {
	return &Notifier{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "notifier")),
	}
}

// InteractionEvent publishes a lifecycle change for an interaction.
func (n *Notifier) InteractionEvent(ctx context.Context, eventType string, in *interaction.Interaction) {
	if n.eventBus == nil || in == nil {
		return
	}

	data := map[string]any{
		"interaction_id": in.ID,
		"thread_id":      in.ThreadID,
		"turn_id":        in.TurnID,
		"status":         string(in.Status),
	}
	if in.Response != "" {
		data["response"] = in.Response
	}
	if in.Error != "" {
		data["error_message"] = in.Error
	}

	n.publish(ctx, BuildSubject(in.ID), eventType, data)
}

// ItemEvent publishes a recorded or updated item.
func (n *Notifier) ItemEvent(ctx context.Context, in *interaction.Interaction, item *interaction.Item) {
	if n.eventBus == nil || in == nil || item == nil {
		return
	}

	data := map[string]any{
		"interaction_id":   in.ID,
		"thread_id":        in.ThreadID,
		"item_id":          item.ID,
		"provider_item_id": item.ProviderItemID,
		"item_type":        item.Type,
		"status":           item.Status,
	}
	if item.Text != "" {
		data["text"] = item.Text
	}

	n.publish(ctx, BuildSubject(in.ID), ItemRecorded, data)
}

// DeltaEvent publishes a streaming text fragment.
func (n *Notifier) DeltaEvent(ctx context.Context, in *interaction.Interaction, itemID, kind, delta string) {
	if n.eventBus == nil || in == nil || delta == "" {
		return
	}

	n.publish(ctx, BuildSubject(in.ID), DeltaReceived, map[string]any{
		"interaction_id":   in.ID,
		"thread_id":        in.ThreadID,
		"provider_item_id": itemID,
		"kind":             kind,
		"delta":            delta,
		"timestamp":        time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// ApprovalEvent publishes a surfaced approval request and the decision taken.
func (n *Notifier) ApprovalEvent(ctx context.Context, threadID, action, command, decision string) {
	if n.eventBus == nil {
		return
	}

	n.publish(ctx, "approval."+threadID+".event", ApprovalRequested, map[string]any{
		"thread_id": threadID,
		"action":    action,
		"command":   command,
		"decision":  decision,
	})
}

// ErrorEvent publishes an agent-level error not tied to an interaction.
func (n *Notifier) ErrorEvent(ctx context.Context, threadID, message string) {
	if n.eventBus == nil {
		return
	}

	n.publish(ctx, "agent.error", AgentError, map[string]any{
		"thread_id":     threadID,
		"error_message": message,
	})
}

func (n *Notifier) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	event := bus.NewEvent(eventType, "agentbridge", data)
	if err := n.eventBus.Publish(ctx, subject, event); err != nil {
		n.logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
