// Package sync converts queued envelopes into confirmed remote state,
// preserving per-entity ordering and surfacing live counters to the UI.
package sync

import (
	"context"
	"encoding/json"

	"github.com/appgrav/poscore/internal/models"
)

// RemoteStore is the collaborator that persists one envelope remotely.
// Delivery is at-least-once: the same entity id is used for repeated pushes
// so the remote store can upsert. Conflict resolution (last-write-wins) is
// the remote store's job, not this core's.
type RemoteStore interface {
	Push(ctx context.Context, entity models.EntityType, entityID string, payload json.RawMessage) error
}

// PushFunc adapts a function to the RemoteStore interface.
type PushFunc func(ctx context.Context, entity models.EntityType, entityID string, payload json.RawMessage) error

// Push implements RemoteStore.
func (f PushFunc) Push(ctx context.Context, entity models.EntityType, entityID string, payload json.RawMessage) error {
	return f(ctx, entity, entityID, payload)
}
