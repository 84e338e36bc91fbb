package realtime

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telecare/session-api/pkg/messaging"
)

const fanoutChannel = "realtime:events"

// envelope is the wire form of an event relayed between instances.
type envelope struct {
	Instance string     `json:"instance"`
	RoomID   string     `json:"room_id,omitempty"`
	UserID   *uuid.UUID `json:"user_id,omitempty"`
	Event    Event      `json:"event"`
}

// distributedRegistry decorates a local registry with redis pub/sub fan-out
// so that broadcasts reach connections held by sibling instances. Local
// presence bookkeeping stays process-local; only events travel.
type distributedRegistry struct {
	Registry
	broker   messaging.Broker
	instance string
	logger   *zerolog.Logger
}

func NewDistributedRegistry(local Registry, broker messaging.Broker, logger *zerolog.Logger) Registry {
	return &distributedRegistry{
		Registry: local,
		broker:   broker,
		instance: uuid.New().String(),
		logger:   logger,
	}
}

// Start consumes relayed events from sibling instances until ctx is done.
func (r *distributedRegistry) Start(ctx context.Context) error {
	msgs, err := r.broker.Subscribe(ctx, fanoutChannel)
	if err != nil {
		return err
	}

	go func() {
		for raw := range msgs {
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				r.logger.Warn().Err(err).Msg("malformed fan-out envelope")
				continue
			}
			if env.Instance == r.instance {
				continue
			}
			if env.UserID != nil {
				r.Registry.SendToUser(*env.UserID, env.Event)
				continue
			}
			r.Registry.BroadcastToRoom(env.RoomID, env.Event)
		}
	}()
	return nil
}

func (r *distributedRegistry) SendToUser(userID uuid.UUID, event Event) bool {
	delivered := r.Registry.SendToUser(userID, event)
	if !delivered {
		r.relay(envelope{Instance: r.instance, UserID: &userID, Event: event})
	}
	return delivered
}

func (r *distributedRegistry) BroadcastToRoom(roomID string, event Event) {
	r.Registry.BroadcastToRoom(roomID, event)
	r.relay(envelope{Instance: r.instance, RoomID: roomID, Event: event})
}

func (r *distributedRegistry) relay(env envelope) {
	if err := r.broker.Publish(context.Background(), fanoutChannel, env); err != nil {
		r.logger.Warn().Err(err).Msg("failed to relay realtime event")
	}
}

// Starter is implemented by registries that need a background consumer.
type Starter interface {
	Start(ctx context.Context) error
}
