// ABOUTME: Domain notification subscriptions over the store's pub/sub channels
// ABOUTME: Wraps a raw subscription in a buffered channel of decoded tasks with ctx-scoped cleanup

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// notificationBuffer is the channel buffer for each subscriber.
const notificationBuffer = 64

// Notifications is a live subscription to a domain's task announcements.
// Messages are decoded TaskMessages as published; delivery is best-effort
// (a slow consumer drops events rather than blocking the pump). Consumers
// that must not miss work use Next, not notifications.
type Notifications struct {
	ch     chan *TaskMessage
	domain string
	logger *slog.Logger

	once  sync.Once
	close func() error
}

// Subscribe opens a subscription to the domain's notification channel. The
// subscription is confirmed before Subscribe returns, so tasks published
// afterwards are observed. It is closed by Close or when ctx is cancelled.
func (q *Queue) Subscribe(ctx context.Context, domain string) (*Notifications, error) {
	sub := q.store.Subscribe(ctx, notifyChannel(domain))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to domain %s: %w", domain, err)
	}

	n := &Notifications{
		ch:     make(chan *TaskMessage, notificationBuffer),
		domain: domain,
		logger: q.logger,
		close:  sub.Close,
	}
	go n.pump(ctx, sub.Channel())

	q.logger.Debug("subscribed to domain notifications", "domain", domain)
	return n, nil
}

// Messages returns the channel of announced tasks. It is closed when the
// subscription ends.
func (n *Notifications) Messages() <-chan *TaskMessage {
	return n.ch
}

// Close tears down the subscription. Safe to call more than once.
func (n *Notifications) Close() error {
	var err error
	n.once.Do(func() { err = n.close() })
	return err
}

func (n *Notifications) pump(ctx context.Context, msgs <-chan *redis.Message) {
	defer close(n.ch)
	for {
		select {
		case <-ctx.Done():
			n.Close()
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			task, err := decodeTask([]byte(m.Payload))
			if err != nil {
				n.logger.Warn("dropping undecodable notification",
					"domain", n.domain,
					"error", err)
				continue
			}
			select {
			case n.ch <- task:
			default:
				n.logger.Debug("dropped notification for slow subscriber",
					"domain", n.domain,
					"task_id", task.TaskID)
			}
		}
	}
}
