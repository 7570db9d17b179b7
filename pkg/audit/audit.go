// Package audit emits an append-only record of every rollout state
// transition. Emission is observability, not a correctness dependency: a
// failed publish is logged and swallowed, it never rolls back or fails the
// transition that produced it.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EventType enumerates the rollout transitions that produce audit events.
type EventType string

const (
	EventPromote  EventType = "model.promote"
	EventRollback EventType = "model.rollback"
	EventClamp    EventType = "model.clamp"
)

// Event is one immutable audit record. Ts is epoch milliseconds for
// compatibility with the existing audit consumers; Timestamp is the same
// instant in RFC3339.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	ModelID      string    `json:"modelId"`
	PrevModelID  string    `json:"prevModelId,omitempty"`
	RolloutRatio float64   `json:"rolloutRatio"`
	RequestedBy  string    `json:"requestedBy"`
	Notes        string    `json:"notes,omitempty"`
	Ts           int64     `json:"ts"`
	Timestamp    time.Time `json:"timestamp"`
	// ChainHash commits to all earlier events from the same emitter.
	ChainHash string `json:"chainHash,omitempty"`
}

// Emitter publishes audit events best-effort.
type Emitter interface {
	Record(ctx context.Context, evt Event)
}

// ChannelEmitter publishes events as JSON to a redis channel.
type ChannelEmitter struct {
	rdb     *redis.Client
	channel string
	timeout time.Duration
	chain   Chain
}

// NewChannelEmitter creates an emitter publishing to channel. A zero timeout
// defaults to 5s; every publish is bounded so a slow broker cannot stall the
// transition path.
func NewChannelEmitter(rdb *redis.Client, channel string, timeout time.Duration) *ChannelEmitter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ChannelEmitter{rdb: rdb, channel: channel, timeout: timeout}
}

// Record stamps, chains, and publishes the event. Errors are logged only.
func (e *ChannelEmitter) Record(ctx context.Context, evt Event) {
	stamp(&evt)
	body, err := json.Marshal(evt)
	if err != nil {
		log.Printf("audit: marshal event type=%s model=%s: %v", evt.Type, evt.ModelID, err)
		return
	}
	evt.ChainHash = e.chain.Link(body)
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("audit: marshal event type=%s model=%s: %v", evt.Type, evt.ModelID, err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.rdb.Publish(ctx, e.channel, data).Err(); err != nil {
		log.Printf("audit: publish failed type=%s model=%s: %v", evt.Type, evt.ModelID, err)
	}
}

// LogEmitter writes audit events to the process log. Used when no audit
// channel is configured and as the emitter of last resort in tests.
type LogEmitter struct{}

func (LogEmitter) Record(_ context.Context, evt Event) {
	stamp(&evt)
	data, _ := json.Marshal(evt)
	log.Printf("audit: %s", data)
}

func stamp(evt *Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Ts = evt.Timestamp.UnixMilli()
}
