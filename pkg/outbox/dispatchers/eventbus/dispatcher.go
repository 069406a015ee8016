package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iota-uz/approvalgate/pkg/eventbus"
	"github.com/iota-uz/approvalgate/pkg/outbox"
)

// Decoder turns a raw payload into the typed event published on the bus.
type Decoder func(payload json.RawMessage) (any, error)

// Dispatcher republishes outbox messages on the event bus. Topics with a
// registered Decoder are published as (meta, event); others as
// (meta, topic, payload).
type Dispatcher struct {
	bus      eventbus.EventBusWithError
	decoders map[string]Decoder
}

func New(bus eventbus.EventBusWithError) *Dispatcher {
	return &Dispatcher{bus: bus, decoders: map[string]Decoder{}}
}

func (d *Dispatcher) Register(topic string, decoder Decoder) *Dispatcher {
	d.decoders[topic] = decoder
	return d
}

// JSON builds a Decoder that unmarshals into a fresh *T.
func JSON[T any]() Decoder {
	return func(payload json.RawMessage) (any, error) {
		out := new(T)
		if err := json.Unmarshal(payload, out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, msg outbox.DispatchedMessage) error {
	_ = ctx
	decode, ok := d.decoders[msg.Meta.Topic]
	if !ok {
		return d.bus.PublishE(&msg.Meta, msg.Meta.Topic, msg.Payload)
	}
	ev, err := decode(msg.Payload)
	if err != nil {
		return fmt.Errorf("outbox dispatcher: decode %s: %w", msg.Meta.Topic, err)
	}
	return d.bus.PublishE(&msg.Meta, ev)
}
