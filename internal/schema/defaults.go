package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Wire history of the engine's own events.
//
//	v1  {"event":"operation","op":"insert","actor":"a","seq":3,"clock":7,"after":"b:2","char":"x"}
//	    {"event":"presence","actor":"a","cursor":4,"selection":[1,4]}
//	v2  op/actor/seq renamed to kind/actor_id/counter
//	v3  element references become objects, char becomes value, presence
//	    selections become {"start","end"} and carry an explicit active flag
const CurrentVersion = 3

var renameV2Operation = []byte(`[
	{"op": "move", "from": "/op", "path": "/kind"},
	{"op": "move", "from": "/actor", "path": "/actor_id"},
	{"op": "move", "from": "/seq", "path": "/counter"}
]`)

var renameV2Presence = []byte(`[
	{"op": "move", "from": "/actor", "path": "/actor_id"}
]`)

var eventSchemaV3 = []byte(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["event", "schema_version"],
	"properties": {
		"event": {"enum": ["operation", "presence"]},
		"schema_version": {"type": "integer", "minimum": 1}
	},
	"if": {"properties": {"event": {"const": "operation"}}},
	"then": {
		"required": ["kind"],
		"properties": {
			"kind": {"enum": ["insert", "delete", "retain"]},
			"actor_id": {"type": "string"},
			"counter": {"type": "integer", "minimum": 0},
			"clock": {"type": "integer", "minimum": 0},
			"value": {"type": "string"},
			"after": {"$ref": "#/$defs/element"},
			"target": {"$ref": "#/$defs/element"},
			"position": {"type": "integer", "minimum": 0},
			"length": {"type": "integer", "minimum": 0}
		}
	},
	"else": {
		"required": ["actor_id"],
		"properties": {
			"actor_id": {"type": "string", "minLength": 1},
			"cursor": {"type": ["integer", "null"]},
			"active": {"type": "boolean"}
		}
	},
	"$defs": {
		"element": {
			"type": "object",
			"properties": {
				"actor": {"type": "string"},
				"counter": {"type": "integer", "minimum": 0}
			},
			"additionalProperties": false
		}
	}
}`)

// DefaultRegistry returns the registry for the engine's wire format with
// every historical upgrade registered.
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry(1)

	op2, err := PatchUpgrade(EventOperation, renameV2Operation)
	if err != nil {
		return nil, err
	}
	presence2, err := PatchUpgrade(EventPresence, renameV2Presence)
	if err != nil {
		return nil, err
	}
	if err := r.Register(2, Chain(op2, presence2)); err != nil {
		return nil, err
	}
	if err := r.Register(3, Chain(
		ForEvent(EventOperation, upgradeOperationV3),
		ForEvent(EventPresence, upgradePresenceV3),
	)); err != nil {
		return nil, err
	}
	if err := r.SetSchema(3, eventSchemaV3); err != nil {
		return nil, err
	}
	r.Deprecate(1)
	return r, nil
}

func upgradeOperationV3(event Event) (Event, error) {
	if char, ok := event["char"]; ok {
		event["value"] = char
		delete(event, "char")
	}
	for _, field := range []string{"after", "target"} {
		raw, ok := event[field]
		if !ok {
			continue
		}
		ref, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%s: expected string reference, got %T: %w", field, raw, ErrInvalidEvent)
		}
		parsed, err := parseElementRef(ref)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		event[field] = parsed
	}
	return event, nil
}

func upgradePresenceV3(event Event) (Event, error) {
	if _, ok := event["active"]; !ok {
		event["active"] = true
	}
	raw, ok := event["selection"]
	if !ok || raw == nil {
		return event, nil
	}
	pair, ok := raw.([]any)
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("selection: expected [start, end]: %w", ErrInvalidEvent)
	}
	event["selection"] = map[string]any{"start": pair[0], "end": pair[1]}
	return event, nil
}

// parseElementRef reads the v1/v2 "actor:counter" element reference.
func parseElementRef(ref string) (map[string]any, error) {
	if ref == "" || ref == "head" {
		return map[string]any{}, nil
	}
	i := strings.LastIndexByte(ref, ':')
	if i <= 0 {
		return nil, fmt.Errorf("element reference %q: %w", ref, ErrInvalidEvent)
	}
	counter, err := strconv.ParseUint(ref[i+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("element reference %q: %w", ref, ErrInvalidEvent)
	}
	return map[string]any{"actor": ref[:i], "counter": counter}, nil
}
