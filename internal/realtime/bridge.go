package realtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"pulseline/internal/activity"
	"pulseline/internal/bus"
)

// Push event names consumed by browser clients.
const (
	EventEntityUpserted = "upsert_entity"
	EventEntityRemoved  = "remove_entity"
)

// EntityPayload is the {id, entity} frame pushed for entity changes. Tx is
// echoed back so offline-first clients can correlate their own writes.
type EntityPayload struct {
	ID     string `json:"id"`
	Entity string `json:"entity"`
	Seq    int64  `json:"seq"`
	Tx     string `json:"tx,omitempty"`
}

// RecipientResolver decides which users should see an activity. Membership
// lookup (tenant/entity scoping) is an external collaborator behind this
// interface.
type RecipientResolver interface {
	RecipientsFor(ctx context.Context, a *activity.Activity) ([]uuid.UUID, error)
}

// ActorResolver is the minimal resolver: deliver to the acting user only.
type ActorResolver struct{}

func (ActorResolver) RecipientsFor(_ context.Context, a *activity.Activity) ([]uuid.UUID, error) {
	if a.UserID == nil {
		return nil, nil
	}
	id, err := uuid.Parse(*a.UserID)
	if err != nil {
		return nil, fmt.Errorf("invalid actor id %q: %w", *a.UserID, err)
	}
	return []uuid.UUID{id}, nil
}

// Bridge consumes bus events and pushes them to live connections.
type Bridge struct {
	hub      *Hub
	resolver RecipientResolver
}

func NewBridge(hub *Hub, resolver RecipientResolver) *Bridge {
	if resolver == nil {
		resolver = ActorResolver{}
	}
	return &Bridge{hub: hub, resolver: resolver}
}

// Register subscribes the bridge to every created/updated/deleted topic for
// the given kinds.
func (br *Bridge) Register(b *bus.Bus, kinds ...string) []uint64 {
	actions := []activity.Action{activity.ActionCreate, activity.ActionUpdate, activity.ActionDelete}

	var ids []uint64
	for _, kind := range kinds {
		for _, action := range actions {
			ids = append(ids, b.On(activity.TopicFor(kind, action), br.handle))
		}
	}
	return ids
}

func (br *Bridge) handle(ctx context.Context, evt bus.Event) error {
	a := evt.Activity
	if a == nil {
		return nil
	}

	recipients, err := br.resolver.RecipientsFor(ctx, a)
	if err != nil {
		return fmt.Errorf("failed to resolve recipients for %s: %w", evt.Topic, err)
	}
	if len(recipients) == 0 {
		return nil
	}

	payload := EntityPayload{ID: a.EntityID, Entity: a.Kind(), Seq: a.Seq}
	if a.Tx != nil {
		payload.Tx = *a.Tx
	}

	eventName := EventEntityUpserted
	if a.Action == activity.ActionDelete {
		eventName = EventEntityRemoved
	}

	defer br.hub.metrics.StartSpan("realtime.broadcast")()
	br.hub.Broadcast(recipients, eventName, payload)
	return nil
}
