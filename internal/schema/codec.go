package schema

import (
	"encoding/json"
	"fmt"

	"collab/engine/internal/document"
)

// EventField names the event type on the wire.
const EventField = "event"

const (
	EventOperation = "operation"
	EventPresence  = "presence"
)

// Codec serializes events at the registry's current version and upgrades
// older events on the way in.
type Codec struct {
	registry *Registry
}

func NewCodec(registry *Registry) *Codec {
	return &Codec{registry: registry}
}

func (c *Codec) Registry() *Registry {
	return c.registry
}

// Encode wraps v, which must marshal to a JSON object, as an event of the
// given type stamped with the current schema version.
func (c *Codec) Encode(eventType string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	var event Event
	if err := json.Unmarshal(data, &event); err != nil || event == nil {
		return nil, fmt.Errorf("encode %s: payload is not an object: %w", eventType, ErrInvalidEvent)
	}
	event[EventField] = eventType
	event[VersionField] = c.registry.Current()
	return json.Marshal(event)
}

// DecodeEvent parses data, upgrades it to the current version and
// validates it.
func (c *Codec) DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w: %v", ErrInvalidEvent, err)
	}
	if event == nil {
		return nil, fmt.Errorf("decode event: null: %w", ErrInvalidEvent)
	}
	version, err := VersionOf(event)
	if err != nil {
		return nil, err
	}
	current := c.registry.Current()
	if version != current {
		if event, err = c.registry.Upgrade(event, version); err != nil {
			return nil, err
		}
	}
	if err := c.registry.Validate(event, current); err != nil {
		return nil, err
	}
	return event, nil
}

// Decode upgrades data and unmarshals it into v, checking the event type.
func (c *Codec) Decode(data []byte, eventType string, v any) error {
	event, err := c.DecodeEvent(data)
	if err != nil {
		return err
	}
	if got, _ := event[EventField].(string); got != eventType {
		return fmt.Errorf("decode %s: got event %q: %w", eventType, got, ErrInvalidEvent)
	}
	upgraded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal upgraded %s: %w", eventType, err)
	}
	if err := json.Unmarshal(upgraded, v); err != nil {
		return fmt.Errorf("decode %s: %w: %v", eventType, ErrInvalidEvent, err)
	}
	return nil
}

func (c *Codec) EncodeOperation(op document.Operation) ([]byte, error) {
	op.SchemaVersion = c.registry.Current()
	return c.Encode(EventOperation, op)
}

func (c *Codec) DecodeOperation(data []byte) (document.Operation, error) {
	var op document.Operation
	if err := c.Decode(data, EventOperation, &op); err != nil {
		return document.Operation{}, err
	}
	return op, nil
}
