package db

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/lib/pq"
)

// Notifier wraps the LISTEN/NOTIFY mechanism in PostgreSQL.  A notification
// carrying the session id is sent when a report has been stored; report
// streams listen for it.
type Notifier struct {
	DB      *sql.DB
	DSN     string
	Channel string
}

// NewNotifier constructs a new Notifier.  The channel should match the
// POSTGRES_NOTIFY_CHANNEL environment variable.
func NewNotifier(db *sql.DB, dsn, channel string) *Notifier {
	return &Notifier{DB: db, DSN: dsn, Channel: channel}
}

// Notify sends sessionID on the channel.
func (n *Notifier) Notify(ctx context.Context, sessionID string) error {
	_, err := n.DB.ExecContext(ctx, "SELECT pg_notify($1, $2)", n.Channel, sessionID)
	return err
}

// Listen opens a dedicated listener connection and yields session ids until
// ctx is cancelled.  The returned channel is closed afterwards.
func (n *Notifier) Listen(ctx context.Context) (<-chan string, error) {
	l := pq.NewListener(n.DSN, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Println("notify listener:", err)
		}
	})
	if err := l.Listen(n.Channel); err != nil {
		_ = l.Close()
		return nil, err
	}
	ch := make(chan string)
	go func() {
		defer func() {
			_ = l.Close()
			close(ch)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-l.Notify:
				// nil after a reconnect
				if msg == nil {
					continue
				}
				select {
				case ch <- msg.Extra:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				go func() { _ = l.Ping() }()
			}
		}
	}()
	return ch, nil
}
