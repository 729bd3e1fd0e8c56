package client

import (
	"context"

	"github.com/agentbridge/agentbridge/internal/protocol"
)

// DeciderFunc adapts a function to the ApprovalDecider interface.
type DeciderFunc func(ctx context.Context, ev *protocol.Event) string

// Decide implements ApprovalDecider.
func (f DeciderFunc) Decide(ctx context.Context, ev *protocol.Event) string {
	return f(ctx, ev)
}
