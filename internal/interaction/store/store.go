// Package store provides persistence for interactions and their items, with
// in-memory and SQLite backends.
package store

import (
	"context"
	"errors"

	"github.com/agentbridge/agentbridge/internal/interaction"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("not found")

// Store persists interactions and items. Lookup methods returning a single
// record return ErrNotFound when nothing matches; the correlation fallback
// chain in the engine relies on that to try the next strategy.
type Store interface {
	CreateInteraction(ctx context.Context, in *interaction.Interaction) error
	UpdateInteraction(ctx context.Context, in *interaction.Interaction) error
	GetInteraction(ctx context.Context, id string) (*interaction.Interaction, error)

	// FindByTurnID matches the exact turn id, across threads.
	FindByTurnID(ctx context.Context, turnID string) (*interaction.Interaction, error)
	// FindByThreadAndTurn matches thread and turn together.
	FindByThreadAndTurn(ctx context.Context, threadID, turnID string) (*interaction.Interaction, error)
	// FindOpenByThread returns the most recently created non-terminal
	// interaction on the thread.
	FindOpenByThread(ctx context.Context, threadID string) (*interaction.Interaction, error)
	// FindLatestByThread returns the most recently created interaction on
	// the thread regardless of status.
	FindLatestByThread(ctx context.Context, threadID string) (*interaction.Interaction, error)
	ListInteractions(ctx context.Context, threadID string) ([]*interaction.Interaction, error)

	CreateItem(ctx context.Context, item *interaction.Item) error
	UpdateItem(ctx context.Context, item *interaction.Item) error
	// FindItemByProviderID matches the agent-side item id within an
	// interaction.
	FindItemByProviderID(ctx context.Context, interactionID, providerItemID string) (*interaction.Item, error)
	// ListItems returns an interaction's items ordered by creation time.
	ListItems(ctx context.Context, interactionID string) ([]*interaction.Item, error)

	Close() error
}
