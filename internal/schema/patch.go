package schema

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
)

// PatchUpgrade builds an upgrade from an RFC 6902 JSON patch. The patch is
// only applied to events whose "event" field equals eventType; other events
// pass through unchanged.
func PatchUpgrade(eventType string, patchJSON []byte) (UpgradeFunc, error) {
	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("decode upgrade patch: %w", err)
	}
	return func(event Event) (Event, error) {
		if event[EventField] != eventType {
			return event, nil
		}
		doc, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		patched, err := patch.Apply(doc)
		if err != nil {
			return nil, fmt.Errorf("apply upgrade patch: %w", err)
		}
		var out Event
		if err := json.Unmarshal(patched, &out); err != nil {
			return nil, fmt.Errorf("unmarshal patched event: %w", err)
		}
		return out, nil
	}, nil
}

// Chain runs upgrades in order as a single step.
func Chain(fns ...UpgradeFunc) UpgradeFunc {
	return func(event Event) (Event, error) {
		var err error
		for _, fn := range fns {
			if event, err = fn(event); err != nil {
				return nil, err
			}
		}
		return event, nil
	}
}

// ForEvent restricts fn to events of one type.
func ForEvent(eventType string, fn UpgradeFunc) UpgradeFunc {
	return func(event Event) (Event, error) {
		if event[EventField] != eventType {
			return event, nil
		}
		return fn(event)
	}
}
