// Package queue carries cross-process wakeups over Redis pub/sub. The durable
// queue itself lives in the store; these signals only shorten polling latency.
package queue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"ops-orchestrator/internal/config"
	"ops-orchestrator/internal/logx"
)

const (
	ChannelQueue       = "orchestrator:queue"
	ChannelDefinitions = "orchestrator:definitions"
)

// Notifier publishes and receives insert/definition-change signals.
// A nil *Notifier is valid and does nothing.
type Notifier struct {
	client *redis.Client
	log    logx.Logger
}

// NewNotifier builds a notifier from config, or returns nil when Redis is not configured.
func NewNotifier(cfg config.Config, log logx.Logger) *Notifier {
	if !cfg.RedisEnabled() {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return New(client, log)
}

func New(client *redis.Client, log logx.Logger) *Notifier {
	return &Notifier{client: client, log: log.Component("notifier")}
}

// Client exposes the underlying Redis client for sharing (rate limiting).
func (n *Notifier) Client() *redis.Client {
	if n == nil {
		return nil
	}
	return n.client
}

func (n *Notifier) Ping(ctx context.Context) error {
	if n == nil {
		return nil
	}
	return n.client.Ping(ctx).Err()
}

func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	return n.client.Close()
}

// EntryCreated announces a new queue entry.
func (n *Notifier) EntryCreated(ctx context.Context, id int64) error {
	if n == nil {
		return nil
	}
	if err := n.client.Publish(ctx, ChannelQueue, strconv.FormatInt(id, 10)).Err(); err != nil {
		return fmt.Errorf("publish queue signal: %w", err)
	}
	return nil
}

// DefinitionsChanged announces a schedule or enabled-flag change for action.
func (n *Notifier) DefinitionsChanged(ctx context.Context, action string) error {
	if n == nil {
		return nil
	}
	if err := n.client.Publish(ctx, ChannelDefinitions, action).Err(); err != nil {
		return fmt.Errorf("publish definitions signal: %w", err)
	}
	return nil
}

// Subscription delivers coalesced signals. Channels close when the listening
// context ends. Both are nil on a nil Notifier, so selecting on them blocks.
type Subscription struct {
	Queue       <-chan struct{}
	Definitions <-chan string
}

// Listen subscribes to both channels and returns once Redis confirmed the
// subscription.
func (n *Notifier) Listen(ctx context.Context) (Subscription, error) {
	if n == nil {
		return Subscription{}, nil
	}
	ps := n.client.Subscribe(ctx, ChannelQueue, ChannelDefinitions)
	for i := 0; i < 2; i++ {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return Subscription{}, fmt.Errorf("subscribe: %w", err)
		}
	}

	queueCh := make(chan struct{}, 1)
	defsCh := make(chan string, 1)
	go func() {
		defer close(queueCh)
		defer close(defsCh)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				switch msg.Channel {
				case ChannelQueue:
					select {
					case queueCh <- struct{}{}:
					default:
					}
				case ChannelDefinitions:
					select {
					case defsCh <- msg.Payload:
					default:
						n.log.Debug("definitions signal coalesced", logx.String("action", msg.Payload))
					}
				}
			}
		}
	}()
	return Subscription{Queue: queueCh, Definitions: defsCh}, nil
}
