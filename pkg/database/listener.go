package database

import (
	"github.com/lib/pq"

	"github.com/harry-school/offline-sync/pkg/config"
)

// ListenerEventFunc receives connection state changes of the change feed.
type ListenerEventFunc func(event pq.ListenerEventType, err error)

// NewListener opens a LISTEN/NOTIFY connection against the backend. The connection
// reconnects on its own between the configured bounds.
func NewListener(db config.DatabaseConfig, rt config.RealtimeConfig, onEvent ListenerEventFunc) *pq.Listener {
	return pq.NewListener(DSN(db), rt.MinReconnect, rt.MaxReconnect, func(event pq.ListenerEventType, err error) {
		if onEvent != nil {
			onEvent(event, err)
		}
	})
}
