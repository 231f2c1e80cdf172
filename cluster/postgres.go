package cluster

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/classpulse/chatspace/globals"
)

// notifyChannel is the Postgres NOTIFY channel shared by all nodes.
const notifyChannel = "chatspace_session"

// PostgresBus implements Bus on Postgres LISTEN/NOTIFY. Every node
// listens on the shared channel; publishing is a pg_notify call.
type PostgresBus struct {
	db       *sql.DB
	listener *pq.Listener

	mu       sync.Mutex
	handlers []Handler
	done     chan struct{}
}

func NewPostgresBus(dsn string) (*PostgresBus, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			globals.AppLogger.Error("listener event", "event", ev, "error", err)
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		db.Close()
		return nil, err
	}
	b := &PostgresBus{
		db:       db,
		listener: listener,
		done:     make(chan struct{}),
	}
	go b.receiveLoop()
	return b, nil
}

func (b *PostgresBus) receiveLoop() {
	for {
		select {
		case <-b.done:
			return

		case n := <-b.listener.Notify:
			if n == nil {
				// connection was re-established, notifications may
				// have been lost in between
				continue
			}
			env := Envelope{}
			if err := json.Unmarshal([]byte(n.Extra), &env); err != nil {
				globals.AppLogger.Error("could not decode envelope", "error", err)
				continue
			}
			b.mu.Lock()
			handlers := make([]Handler, len(b.handlers))
			copy(handlers, b.handlers)
			b.mu.Unlock()
			for _, h := range handlers {
				h(env)
			}

		case <-time.After(90 * time.Second):
			go b.listener.Ping()
		}
	}
}

func (b *PostgresBus) Publish(env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = b.db.Exec("SELECT pg_notify($1, $2)", notifyChannel, string(raw))
	return err
}

func (b *PostgresBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *PostgresBus) Close() error {
	close(b.done)
	b.listener.Close()
	return b.db.Close()
}
