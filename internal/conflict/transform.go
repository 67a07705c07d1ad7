package conflict

import (
	"fmt"
	"unicode/utf8"

	"collab/engine/internal/document"
)

// Transform rewrites a so that it applies after b, where a and b were
// authored against the same text. Together with Transform(b, a) it satisfies
//
//	apply(apply(s, b), Transform(a, b)) == apply(apply(s, a), Transform(b, a))
//
// Concurrent inserts at the same position are ordered by actor, higher
// first, then by counter and value. An insert strictly inside a
// concurrently deleted range is absorbed by the delete.
func Transform(a, b document.Operation) document.Operation {
	out := a
	out.Revision = b.Revision + 1

	switch {
	case a.Kind == document.OpRetain || b.Kind == document.OpRetain:
		return out

	case a.Kind == document.OpInsert && b.Kind == document.OpInsert:
		if b.Position < a.Position || (b.Position == a.Position && goesFirst(b, a)) {
			out.Position += runeLen(b.Value)
		}

	case a.Kind == document.OpInsert && b.Kind == document.OpDelete:
		switch {
		case a.Position <= b.Position:
		case a.Position >= b.Position+b.Length:
			out.Position -= b.Length
		default:
			out = absorbed(out, b.Position)
		}

	case a.Kind == document.OpDelete && b.Kind == document.OpInsert:
		switch {
		case b.Position <= a.Position:
			out.Position += runeLen(b.Value)
		case b.Position >= a.Position+a.Length:
		default:
			out.Length += runeLen(b.Value)
		}

	case a.Kind == document.OpDelete && b.Kind == document.OpDelete:
		aEnd, bEnd := a.Position+a.Length, b.Position+b.Length
		switch {
		case aEnd <= b.Position:
		case a.Position >= bEnd:
			out.Position -= b.Length
		default:
			overlap := min(aEnd, bEnd) - max(a.Position, b.Position)
			out.Position = min(a.Position, b.Position)
			out.Length = a.Length - overlap
			if out.Length == 0 {
				out = absorbed(out, out.Position)
			}
		}
	}
	return out
}

// Rebase transforms op through every operation applied since the revision
// it targets. history must be contiguous and start at op.Revision, which is
// what document.Linear.Since returns.
func Rebase(op document.Operation, history []document.Operation) (document.Operation, error) {
	for _, applied := range history {
		if applied.Revision != op.Revision {
			return op, fmt.Errorf("rebase: history at revision %d, operation at %d: %w", applied.Revision, op.Revision, document.ErrStaleRevision)
		}
		op = Transform(op, applied)
	}
	return op, nil
}

// goesFirst breaks ties between inserts at the same position. Inserts that
// agree on actor, counter and value produce the same text in either order.
func goesFirst(a, b document.Operation) bool {
	if a.Actor != b.Actor {
		return a.Actor > b.Actor
	}
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Value < b.Value
}

func absorbed(op document.Operation, position int) document.Operation {
	op.Kind = document.OpRetain
	op.Position = position
	op.Length = 0
	op.Value = ""
	return op
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
