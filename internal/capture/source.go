package capture

import (
	"context"
	"time"
)

// Op is a row-level change kind as decoded from the replication stream.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// RowChange is one decoded row-level change. Before holds the old column
// values (updates and deletes, subject to REPLICA IDENTITY), After the new
// ones (inserts and updates). Position is the WAL position of the change;
// acknowledging it releases everything up to and including it.
type RowChange struct {
	Op         Op
	Table      string
	Before     map[string]string
	After      map[string]string
	Position   uint64
	OccurredAt time.Time
}

// Source is a logical-replication change stream. Start begins producing
// into Changes; the channel closes when the stream ends. Ack advances the
// confirmed position so restarts do not replay acknowledged changes.
type Source interface {
	Start(ctx context.Context, fromPosition uint64) (<-chan RowChange, error)
	Ack(ctx context.Context, position uint64) error
	Close(ctx context.Context) error
}
