package document

// OpKind names the structural edit an operation performs.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
	// OpRetain only exists on the linear path.
	OpRetain OpKind = "retain"
)

// Operation is a single edit. Replicated (CRDT) operations use After, Value
// and Target; linear operations use Revision, Position, Length and Value.
//
// An operation's identity is (Actor, Counter). For inserts that identity is
// also the new element's id.
type Operation struct {
	SchemaVersion int           `json:"schema_version,omitempty"`
	DocumentID    string        `json:"document_id,omitempty"`
	Kind          OpKind        `json:"kind"`
	Actor         ActorID       `json:"actor_id,omitempty"`
	Counter       uint64        `json:"counter,omitempty"`
	Clock         uint64        `json:"clock,omitempty"`
	After         ElementID     `json:"after"`
	Target        ElementID     `json:"target"`
	Value         string        `json:"value,omitempty"`
	Revision      uint64        `json:"revision,omitempty"`
	Position      int           `json:"position,omitempty"`
	Length        int           `json:"length,omitempty"`
	Deps          VersionVector `json:"deps,omitempty"`
}

// ID returns the operation's identity.
func (op Operation) ID() ElementID {
	return ElementID{Actor: op.Actor, Counter: op.Counter}
}

// Stamped reports whether the operation already carries an author identity.
func (op Operation) Stamped() bool {
	return op.Actor != "" && op.Counter > 0
}

// Insert builds an unstamped insert after the given element.
func Insert(after ElementID, value string) Operation {
	return Operation{Kind: OpInsert, After: after, Value: value}
}

// Delete builds an unstamped delete of target.
func Delete(target ElementID) Operation {
	return Operation{Kind: OpDelete, Target: target}
}

// Affected returns the element ids an operation touches: the new element and
// its anchor for inserts, the target for deletes.
func (op Operation) Affected() []ElementID {
	switch op.Kind {
	case OpInsert:
		return []ElementID{op.ID(), op.After}
	case OpDelete:
		return []ElementID{op.Target}
	default:
		return nil
	}
}

func (op Operation) clone() Operation {
	if op.Deps != nil {
		op.Deps = op.Deps.Clone()
	}
	return op
}
