package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Notification is one LISTEN payload.
type Notification struct {
	Channel string
	Payload string
}

// Listener holds a dedicated connection subscribed to one or more channels.
// It must not be shared across goroutines.
type Listener struct {
	conn     *pgxpool.Conn
	channels []string
}

// Listen checks a connection out of the pool and subscribes it to the given
// channels. The connection stays checked out until Close.
func (s *Store) Listen(ctx context.Context, channels ...string) (*Listener, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring listen connection: %w", err)
	}
	for _, ch := range channels {
		if _, err = conn.Exec(ctx, "LISTEN "+ch); err != nil {
			conn.Release()
			return nil, fmt.Errorf("subscribing to %s: %w", ch, err)
		}
	}
	log.WithField("channels", channels).Debug("listening for notifications")
	return &Listener{conn: conn, channels: channels}, nil
}

// Wait blocks until a notification arrives or ctx is done.
func (l *Listener) Wait(ctx context.Context) (Notification, error) {
	n, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return Notification{}, fmt.Errorf("waiting for notification: %w", err)
	}
	return Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

// Close returns the connection to the pool.
func (l *Listener) Close() { l.conn.Release() }
