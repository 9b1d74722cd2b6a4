package cache

import (
	"context"

	"pulseline/internal/activity"
	"pulseline/internal/bus"
	"pulseline/pkg/logger"
)

// Invalidator drives cache coherence from the event bus: every
// created/updated/deleted topic for a kind evicts all projections of the
// touched entity.
type Invalidator struct {
	cache  *EntityCache
	logger *logger.Logger
}

func NewInvalidator(c *EntityCache, l *logger.Logger) *Invalidator {
	return &Invalidator{cache: c, logger: l}
}

// Register subscribes invalidation handlers for the given entity and
// resource kinds. Returned ids allow unsubscribing, mainly in tests.
func (i *Invalidator) Register(b *bus.Bus, kinds ...string) []uint64 {
	actions := []activity.Action{activity.ActionCreate, activity.ActionUpdate, activity.ActionDelete}

	var ids []uint64
	for _, kind := range kinds {
		for _, action := range actions {
			ids = append(ids, b.On(activity.TopicFor(kind, action), i.handle))
		}
	}
	return ids
}

func (i *Invalidator) handle(_ context.Context, evt bus.Event) error {
	a := evt.Activity
	if a == nil || a.EntityID == "" {
		return nil
	}
	removed := i.cache.InvalidateByPrefix(Key(a.Kind(), a.EntityID))
	if removed > 0 {
		i.logger.Infof("cache: invalidated %d entries for %s/%s", removed, a.Kind(), a.EntityID)
	}
	return nil
}
