package document

import (
	"sort"
	"strconv"
	"strings"
)

// VersionVector summarises which operations a replica has incorporated: for
// each actor, the highest operation counter applied.
type VersionVector map[ActorID]uint64

// Ordering is the causal relation between two version vectors.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

func (v VersionVector) Get(actor ActorID) uint64 {
	return v[actor]
}

// Observe raises the entry for actor to counter. Entries never decrease.
func (v VersionVector) Observe(actor ActorID, counter uint64) {
	if counter > v[actor] {
		v[actor] = counter
	}
}

// Covers reports whether the operation identified by id is included.
func (v VersionVector) Covers(id ElementID) bool {
	if id.IsZero() {
		return true
	}
	return v[id.Actor] >= id.Counter
}

func (v VersionVector) Merge(other VersionVector) {
	for actor, counter := range other {
		v.Observe(actor, counter)
	}
}

func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for actor, counter := range v {
		out[actor] = counter
	}
	return out
}

// Compare returns how v relates to other.
func (v VersionVector) Compare(other VersionVector) Ordering {
	less, greater := false, false
	for actor, counter := range v {
		theirs := other[actor]
		if counter < theirs {
			less = true
		} else if counter > theirs {
			greater = true
		}
	}
	for actor, theirs := range other {
		if _, ok := v[actor]; !ok && theirs > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// String renders the vector with actors sorted, e.g. "{a:3 b:1}".
func (v VersionVector) String() string {
	actors := make([]string, 0, len(v))
	for actor := range v {
		actors = append(actors, string(actor))
	}
	sort.Strings(actors)
	var b strings.Builder
	b.WriteByte('{')
	for i, actor := range actors {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(actor)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(v[ActorID(actor)], 10))
	}
	b.WriteByte('}')
	return b.String()
}
