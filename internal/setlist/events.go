package setlist

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const eventsChannel = "setlist.events"

const (
	eventSnapshot = "setlist.snapshot"
	eventChanged  = "setlist.changed"
	eventRejected = "setlist.rejected"
)

type wireSnapshot struct {
	Type      string  `json:"type"`
	SetlistID string  `json:"setlistId"`
	Version   int     `json:"version"`
	Setlist   Setlist `json:"setlist"`
	Entries   []Entry `json:"entries"`
}

type wireChange struct {
	Type        string        `json:"type"`
	SetlistID   string        `json:"setlistId"`
	Version     int           `json:"version"`
	Operation   OperationKind `json:"operation"`
	Effect      Effect        `json:"effect"`
	CommittedAt time.Time     `json:"committedAt"`
}

type wireRejection struct {
	Type           string `json:"type"`
	SetlistID      string `json:"setlistId"`
	Reason         string `json:"reason"`
	CurrentVersion int    `json:"currentVersion,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// busEnvelope is what travels over the Redis channel between instances.
type busEnvelope struct {
	InstanceID string          `json:"instanceId"`
	Change     CommittedChange `json:"change"`
}

// EventBus fans committed changes out: directly into local rooms, and via
// Redis pub/sub to every other instance serving the same setlists. Works
// without Redis for single-instance deployments.
type EventBus struct {
	rooms      *RoomManager
	rdb        *redis.Client
	instanceID string
}

func NewEventBus(rooms *RoomManager, rdb *redis.Client) *EventBus {
	return &EventBus{
		rooms:      rooms,
		rdb:        rdb,
		instanceID: uuid.NewString(),
	}
}

func (b *EventBus) Announce(ctx context.Context, change CommittedChange) {
	b.rooms.Broadcast(change)

	if b.rdb == nil {
		return
	}
	data, err := json.Marshal(busEnvelope{InstanceID: b.instanceID, Change: change})
	if err != nil {
		log.Printf("setlist-service: marshal bus envelope: %v", err)
		return
	}
	if err := b.rdb.Publish(ctx, eventsChannel, string(data)).Err(); err != nil {
		log.Printf("setlist-service: publish change: %v", err)
	}
}

// RunSubscriber relays changes published by other instances into the local
// rooms. Our own messages come back too and are dropped by instance id;
// the rooms' version dedupe would catch them anyway.
func (b *EventBus) RunSubscriber(ctx context.Context) {
	if b.rdb == nil {
		return
	}
	sub := b.rdb.Subscribe(ctx, eventsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env busEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("setlist-service: decode bus envelope: %v", err)
				continue
			}
			if env.InstanceID == b.instanceID {
				continue
			}
			b.rooms.Broadcast(env.Change)
		}
	}
}
