package history

import (
	"context"
	"errors"
	"fmt"

	"collab/engine/internal/document"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

const DefaultPolicy = "opsSinceSnapshot >= 200"

// Metrics describe a live document relative to its branch head.
type Metrics struct {
	OpsSinceSnapshot     int
	Tombstones           int
	Visible              int
	SecondsSinceSnapshot float64
}

func (m Metrics) env() map[string]any {
	return map[string]any{
		"opsSinceSnapshot":     m.OpsSinceSnapshot,
		"tombstones":           m.Tombstones,
		"visible":              m.Visible,
		"secondsSinceSnapshot": m.SecondsSinceSnapshot,
	}
}

// Policy is a compiled boolean expression deciding when a document is due
// for a snapshot, e.g. "opsSinceSnapshot >= 200 || secondsSinceSnapshot > 600".
type Policy struct {
	source  string
	program *vm.Program
}

func CompilePolicy(source string) (*Policy, error) {
	if source == "" {
		source = DefaultPolicy
	}
	program, err := expr.Compile(source, expr.Env(Metrics{}.env()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile snapshot policy %q: %w", source, err)
	}
	return &Policy{source: source, program: program}, nil
}

func (p *Policy) String() string { return p.source }

func (p *Policy) Due(m Metrics) (bool, error) {
	out, err := expr.Run(p.program, m.env())
	if err != nil {
		return false, fmt.Errorf("evaluate snapshot policy: %w", err)
	}
	due, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("snapshot policy returned %T", out)
	}
	return due, nil
}

// Metrics measures doc against the head of branch. Without a head every
// operation counts and the age is zero.
func (m *Manager) Metrics(ctx context.Context, doc Source, branch string) (Metrics, error) {
	state := doc.State()
	metrics := Metrics{
		Tombstones: state.Tombstones(),
		Visible:    state.Visible(),
	}
	total := vectorTotal(state.Vector)

	head, err := m.Head(ctx, state.DocumentID, branch)
	switch {
	case errors.Is(err, ErrBranchNotFound):
		metrics.OpsSinceSnapshot = int(total)
		return metrics, nil
	case err != nil:
		return Metrics{}, err
	}
	if base := vectorTotal(head.Vector); total > base {
		metrics.OpsSinceSnapshot = int(total - base)
	}
	metrics.SecondsSinceSnapshot = m.now().Sub(head.CreatedAt).Seconds()
	return metrics, nil
}

// MaybeSnapshot captures doc when it has changed since the branch head and
// the policy says it is due.
func (m *Manager) MaybeSnapshot(ctx context.Context, doc Source, policy *Policy, opts SnapshotOptions) (Snapshot, bool, error) {
	metrics, err := m.Metrics(ctx, doc, opts.Branch)
	if err != nil {
		return Snapshot{}, false, err
	}
	if metrics.OpsSinceSnapshot == 0 {
		return Snapshot{}, false, nil
	}
	due, err := policy.Due(metrics)
	if err != nil || !due {
		return Snapshot{}, false, err
	}
	snap, err := m.Snapshot(ctx, doc, opts)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func vectorTotal(v document.VersionVector) uint64 {
	var total uint64
	for _, n := range v {
		total += n
	}
	return total
}
