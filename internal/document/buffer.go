package document

import "sort"

// causalBuffer parks remote operations whose referenced element has not
// been integrated yet, keyed by that missing element.
type causalBuffer struct {
	waiting map[ElementID][]Operation
	held    map[ElementID]ElementID
}

func newCausalBuffer() *causalBuffer {
	return &causalBuffer{
		waiting: make(map[ElementID][]Operation),
		held:    make(map[ElementID]ElementID),
	}
}

// hold parks op until dep arrives. A duplicate delivery of an operation that
// is already parked is dropped.
func (b *causalBuffer) hold(dep ElementID, op Operation) bool {
	if _, ok := b.held[op.ID()]; ok {
		return false
	}
	b.held[op.ID()] = dep
	b.waiting[dep] = append(b.waiting[dep], op.clone())
	return true
}

// release removes and returns every operation waiting on dep.
func (b *causalBuffer) release(dep ElementID) []Operation {
	ops, ok := b.waiting[dep]
	if !ok {
		return nil
	}
	delete(b.waiting, dep)
	for _, op := range ops {
		delete(b.held, op.ID())
	}
	return ops
}

func (b *causalBuffer) size() int {
	return len(b.held)
}

func (b *causalBuffer) missing() []ElementID {
	out := make([]ElementID, 0, len(b.waiting))
	for dep := range b.waiting {
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
