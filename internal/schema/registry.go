// Package schema versions the wire format of replicated events and upgrades
// events written by older replicas before they are decoded.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrDuplicateVersion = errors.New("duplicate schema version")
	ErrSchemaGap        = errors.New("schema gap")
	ErrUnknownVersion   = errors.New("unknown schema version")
	ErrInvalidEvent     = errors.New("invalid event")
)

// VersionField carries the schema version on every serialized event.
const VersionField = "schema_version"

// Event is a decoded JSON object as it travels on the wire.
type Event map[string]any

// UpgradeFunc turns an event at version N-1 into the same event at N. It
// receives a private copy and may modify it in place.
type UpgradeFunc func(Event) (Event, error)

// Registry holds the chain of upgrades base -> base+1 -> ... -> Current.
// Registered versions are immutable.
type Registry struct {
	mu         sync.RWMutex
	base       int
	current    int
	upgrades   map[int]UpgradeFunc
	schemas    map[int]*jsonschema.Schema
	deprecated map[int]bool
	logger     *slog.Logger
}

// NewRegistry starts a registry whose oldest understood version is base.
func NewRegistry(base int) *Registry {
	return &Registry{
		base:       base,
		current:    base,
		upgrades:   make(map[int]UpgradeFunc),
		schemas:    make(map[int]*jsonschema.Schema),
		deprecated: make(map[int]bool),
		logger:     slog.Default(),
	}
}

func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

func (r *Registry) Base() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.base
}

func (r *Registry) Current() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Register adds the upgrade from version-1 to version. Versions must be
// registered in order: an existing or older version fails with
// ErrDuplicateVersion, skipping ahead fails with ErrSchemaGap.
func (r *Registry) Register(version int, fn UpgradeFunc) error {
	if fn == nil {
		return fmt.Errorf("register version %d: nil upgrade", version)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if version <= r.current {
		return fmt.Errorf("register version %d (current %d): %w", version, r.current, ErrDuplicateVersion)
	}
	if version != r.current+1 {
		return fmt.Errorf("register version %d: no upgrade into %d: %w", version, r.current+1, ErrSchemaGap)
	}
	r.upgrades[version] = fn
	r.current = version
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(version int, fn UpgradeFunc) {
	if err := r.Register(version, fn); err != nil {
		panic(err)
	}
}

// Deprecate marks a version whose events are still upgraded but logged.
func (r *Registry) Deprecate(version int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deprecated[version] = true
}

func (r *Registry) Deprecated(version int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deprecated[version]
}

// Upgrade brings event from version from to Current by running every
// upgrade in the chain. The input is not modified. A missing step fails
// with ErrSchemaGap; nothing is skipped.
func (r *Registry) Upgrade(event Event, from int) (Event, error) {
	r.mu.RLock()
	current, base := r.current, r.base
	if from > current {
		r.mu.RUnlock()
		return nil, fmt.Errorf("upgrade from %d (current %d): %w", from, current, ErrUnknownVersion)
	}
	if from < base {
		r.mu.RUnlock()
		return nil, fmt.Errorf("upgrade from %d (oldest %d): %w", from, base, ErrSchemaGap)
	}
	deprecated := r.deprecated[from]
	steps := make([]UpgradeFunc, 0, current-from)
	for v := from + 1; v <= current; v++ {
		steps = append(steps, r.upgrades[v])
	}
	r.mu.RUnlock()

	if deprecated {
		r.logger.Warn("schema: upgrading deprecated event version", "version", from, "current", current)
	}

	out, err := copyEvent(event)
	if err != nil {
		return nil, err
	}
	for i, step := range steps {
		version := from + 1 + i
		if step == nil {
			return nil, fmt.Errorf("upgrade %d -> %d: %w", version-1, version, ErrSchemaGap)
		}
		out, err = step(out)
		if err != nil {
			return nil, fmt.Errorf("upgrade %d -> %d: %w", version-1, version, err)
		}
		if out == nil {
			return nil, fmt.Errorf("upgrade %d -> %d: upgrade returned no event: %w", version-1, version, ErrInvalidEvent)
		}
		out[VersionField] = version
	}
	out[VersionField] = current
	return out, nil
}

// VersionOf reads the schema_version field of an event.
func VersionOf(event Event) (int, error) {
	raw, ok := event[VersionField]
	if !ok {
		return 0, fmt.Errorf("missing %s: %w", VersionField, ErrInvalidEvent)
	}
	switch v := raw.(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%s %v is not an integer: %w", VersionField, v, ErrInvalidEvent)
		}
		return int(v), nil
	case int:
		return v, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s %q: %w", VersionField, v, ErrInvalidEvent)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%s has type %T: %w", VersionField, raw, ErrInvalidEvent)
	}
}

func copyEvent(event Event) (Event, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("copy event: %w", err)
	}
	var out Event
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("copy event: %w", err)
	}
	return out, nil
}
