package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/realtime-notes/collab/internal/protocol"
)

// Relay fans accepted operations out across collabd instances through
// Redis pub/sub, one channel per room. An instance ignores its own
// publications.
type Relay struct {
	rdb      *redis.Client
	instance string
}

type relayFrame struct {
	Instance string             `json:"instance"`
	Op       protocol.Operation `json:"op"`
}

// NewRelay connects to Redis at addr and verifies the connection.
func NewRelay(ctx context.Context, addr string) (*Relay, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Relay{rdb: rdb, instance: uuid.NewString()}, nil
}

func channel(noteID int64) string {
	return fmt.Sprintf("room:%d", noteID)
}

// Publish announces an accepted operation to the room's channel.
func (r *Relay) Publish(ctx context.Context, op protocol.Operation) {
	data, _ := json.Marshal(relayFrame{Instance: r.instance, Op: op})
	if err := r.rdb.Publish(ctx, channel(op.NoteID), data).Err(); err != nil {
		log.Printf("relay publish error: %v", err)
	}
}

// Subscribe delivers operations published by other instances for noteID
// until ctx is cancelled.
func (r *Relay) Subscribe(ctx context.Context, noteID int64, fn func(protocol.Operation)) {
	pubsub := r.rdb.Subscribe(ctx, channel(noteID))
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var frame relayFrame
				if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
					log.Printf("relay decode error: %v", err)
					continue
				}
				if frame.Instance == r.instance {
					continue
				}
				fn(frame.Op)
			}
		}
	}()
}

// Close releases the Redis connection.
func (r *Relay) Close() error { return r.rdb.Close() }
