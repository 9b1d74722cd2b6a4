package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulseline/pkg/logger"
)

const (
	reconnectBackoffMin = time.Second
	reconnectBackoffMax = 30 * time.Second
)

// PGListener implements the push transport over Postgres LISTEN/NOTIFY.
// It holds one dedicated connection from the pool; on any transport error
// it reconnects with exponential backoff. While disconnected the bus keeps
// delivering through the fallback poller.
type PGListener struct {
	pool    *pgxpool.Pool
	channel string
	logger  *logger.Logger
}

func NewPGListener(pool *pgxpool.Pool, channel string, l *logger.Logger) *PGListener {
	return &PGListener{pool: pool, channel: channel, logger: l}
}

func (l *PGListener) Notifications(ctx context.Context) (<-chan Notification, error) {
	out := make(chan Notification, 64)
	go l.run(ctx, out)
	return out, nil
}

func (l *PGListener) run(ctx context.Context, out chan<- Notification) {
	defer close(out)

	backoff := reconnectBackoffMin
	for ctx.Err() == nil {
		if err := l.listen(ctx, out); err != nil && ctx.Err() == nil {
			l.logger.Warnf("bus: notification channel lost, reconnecting in %s: %v", backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectBackoffMax {
				backoff = reconnectBackoffMax
			}
		}
	}
}

// listen holds one connection and forwards notifications until it breaks.
func (l *PGListener) listen(ctx context.Context, out chan<- Notification) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var note Notification
		if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
			l.logger.Warnf("bus: malformed notification payload %q: %v", n.Payload, err)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- note:
		}
	}
}
