package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asakaida/permgate/pkg/cache"
	"github.com/hashicorp/go-hclog"
	"github.com/lib/pq"
)

// InvalidationChannel is the PostgreSQL NOTIFY channel carrying keys to drop
// from every instance's local store. A payload ending in "/" is a key prefix,
// any other payload is an exact key, and an empty payload means all keys.
const InvalidationChannel = "permission_cache_invalidated"

// Notifier publishes invalidations to other instances.
type Notifier struct {
	db *sql.DB
}

// NewNotifier creates a Notifier on db.
func NewNotifier(db *sql.DB) *Notifier {
	return &Notifier{db: db}
}

// Publish announces that target is stale. See InvalidationChannel for the
// payload format.
func (n *Notifier) Publish(ctx context.Context, target string) error {
	if _, err := n.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, InvalidationChannel, target); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// InvalidationListener applies invalidations published by any instance to a
// local store. It uses PostgreSQL LISTEN/NOTIFY; after a reconnect the local
// store is cleared because notifications may have been missed.
type InvalidationListener struct {
	mu       sync.Mutex
	local    cache.Cache
	connStr  string
	listener *pq.Listener
	logger   hclog.Logger
	stopCh   chan struct{}
	stopped  bool
	applied  atomic.Uint64
}

// NewInvalidationListener creates a listener for local.
// connStr is the PostgreSQL connection string for LISTEN/NOTIFY.
func NewInvalidationListener(local cache.Cache, connStr string, logger hclog.Logger) *InvalidationListener {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &InvalidationListener{
		local:   local,
		connStr: connStr,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start begins listening on InvalidationChannel.
func (l *InvalidationListener) Start() error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.Warn("invalidation listener error", "event", ev, "error", err)
		}
	}

	l.listener = pq.NewListener(l.connStr, 10*time.Second, time.Minute, reportProblem)
	if err := l.listener.Listen(InvalidationChannel); err != nil {
		l.listener.Close()
		return fmt.Errorf("failed to listen on %s: %w", InvalidationChannel, err)
	}

	go l.handleNotifications(l.listener.Notify)
	return nil
}

// Stop stops the listener and releases its connection.
func (l *InvalidationListener) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	close(l.stopCh)
	l.mu.Unlock()

	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

// Apply drops target from the local store: every key when target is empty,
// keys starting with target when it ends in "/", and the exact key otherwise.
func (l *InvalidationListener) Apply(ctx context.Context, target string) error {
	var err error
	switch {
	case target == "":
		err = l.local.Clear(ctx)
	case strings.HasSuffix(target, "/"):
		err = l.local.DeletePrefix(ctx, target)
	default:
		err = l.local.Delete(ctx, target)
	}
	if err != nil {
		return err
	}
	l.applied.Add(1)
	return nil
}

// Applied returns how many invalidations have been applied.
func (l *InvalidationListener) Applied() uint64 {
	return l.applied.Load()
}

// handleNotifications applies invalidations from notify until the listener
// is stopped or notify is closed.
func (l *InvalidationListener) handleNotifications(notify <-chan *pq.Notification) {
	for {
		select {
		case <-l.stopCh:
			return
		case notification, ok := <-notify:
			if !ok {
				return
			}
			// nil means the connection was re-established.
			target := ""
			if notification != nil {
				target = notification.Extra
			}
			if err := l.Apply(context.Background(), target); err != nil {
				l.logger.Warn("failed to apply invalidation", "target", target, "error", err)
			}
		case <-time.After(90 * time.Second):
			go func() {
				if err := l.listener.Ping(); err != nil {
					l.logger.Warn("invalidation listener ping failed", "error", err)
				}
			}()
		}
	}
}
