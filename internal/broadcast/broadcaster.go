// Package broadcast streams periodic status snapshots of recurring jobs and
// the queue to connected subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ops-orchestrator/internal/logx"
	"ops-orchestrator/internal/models"
	"ops-orchestrator/internal/telemetry"
)

const (
	TypeConnected      = "connected"
	TypeCronJobStatus  = "cronJobStatus"
	TypeJobQueueStatus = "jobQueueStatus"
)

// Source is the read side of the store used for snapshots.
type Source interface {
	ListDefinitions(ctx context.Context) ([]models.RecurringJobDefinition, error)
	ListRecentEntries(ctx context.Context, limit int) ([]models.QueueEntry, error)
}

// Message is one event on the status stream.
type Message struct {
	Type string
	Jobs []models.RecurringJobDefinition
	Job  []models.QueueEntry
}

// MarshalJSON renders only the payload that belongs to the message type, and
// renders it as [] rather than null when empty.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case TypeCronJobStatus:
		jobs := m.Jobs
		if jobs == nil {
			jobs = []models.RecurringJobDefinition{}
		}
		return json.Marshal(struct {
			Type string                          `json:"type"`
			Jobs []models.RecurringJobDefinition `json:"jobs"`
		}{m.Type, jobs})
	case TypeJobQueueStatus:
		entries := m.Job
		if entries == nil {
			entries = []models.QueueEntry{}
		}
		return json.Marshal(struct {
			Type string              `json:"type"`
			Job  []models.QueueEntry `json:"job"`
		}{m.Type, entries})
	default:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{m.Type})
	}
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type string                          `json:"type"`
		Jobs []models.RecurringJobDefinition `json:"jobs"`
		Job  []models.QueueEntry             `json:"job"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = Message{Type: raw.Type, Jobs: raw.Jobs, Job: raw.Job}
	return nil
}

// Sink delivers messages to one subscriber. An error ends the subscription.
type Sink interface {
	Send(msg Message) error
}

// Broadcaster produces snapshots for any number of independent subscribers.
type Broadcaster struct {
	src      Source
	interval time.Duration
	limit    int
	log      logx.Logger
	active   atomic.Int64
}

func New(src Source, interval time.Duration, limit int, log logx.Logger) *Broadcaster {
	if interval <= 0 {
		interval = time.Second
	}
	if limit <= 0 {
		limit = 50
	}
	return &Broadcaster{src: src, interval: interval, limit: limit, log: log.Component("broadcast")}
}

// Subscribers reports how many subscriptions are currently open.
func (b *Broadcaster) Subscribers() int64 {
	return b.active.Load()
}

// Subscribe sends {type:"connected"}, an immediate snapshot, then a snapshot
// every interval until ctx ends or the sink fails. It returns nil when ctx
// ends and the sink error otherwise.
func (b *Broadcaster) Subscribe(ctx context.Context, sink Sink) error {
	id := uuid.NewString()
	log := b.log.With(logx.String("subscriber", id))

	b.active.Add(1)
	telemetry.StatusSubscribers.Inc()
	defer func() {
		b.active.Add(-1)
		telemetry.StatusSubscribers.Dec()
		log.Debug("status subscriber left")
	}()
	log.Debug("status subscriber joined")

	if err := sink.Send(Message{Type: TypeConnected}); err != nil {
		return err
	}
	if err := b.push(ctx, sink, log); err != nil {
		return err
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.push(ctx, sink, log); err != nil {
				return err
			}
		}
	}
}

// push sends one snapshot. A store error skips the tick without ending the
// subscription.
func (b *Broadcaster) push(ctx context.Context, sink Sink, log logx.Logger) error {
	defs, err := b.src.ListDefinitions(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("status snapshot skipped", logx.String("part", TypeCronJobStatus), logx.Err(err))
		}
		return nil
	}
	entries, err := b.src.ListRecentEntries(ctx, b.limit)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("status snapshot skipped", logx.String("part", TypeJobQueueStatus), logx.Err(err))
		}
		return nil
	}
	if err := sink.Send(Message{Type: TypeCronJobStatus, Jobs: defs}); err != nil {
		return err
	}
	return sink.Send(Message{Type: TypeJobQueueStatus, Job: entries})
}
