package engine

// Value is what an object key holds: a string, a float64 or a *Reference.
type Value = any

type capture struct {
	prev, next *capture
	sequence   int64
	value      Value
}

// VersionedValue is the history of one key: captures ordered by the
// sequence at which each value became visible.
type VersionedValue struct {
	head, tail *capture
}

// Set writes value at sequence and returns the value that was visible at
// sequence before the write. A capture at the same sequence is overwritten in
// place; otherwise a new capture is spliced in.
func (v *VersionedValue) Set(sequence int64, value Value) (old Value, existed bool) {
	prev := v.tail
	for prev != nil && prev.sequence > sequence {
		prev = prev.prev
	}
	if prev != nil && prev.sequence == sequence {
		old = prev.value
		prev.value = value
		return old, true
	}
	c := &capture{sequence: sequence, value: value, prev: prev}
	if prev != nil {
		old, existed = prev.value, true
		c.next = prev.next
		prev.next = c
	} else {
		c.next = v.head
		v.head = c
	}
	if c.next != nil {
		c.next.prev = c
	} else {
		v.tail = c
	}
	return old, existed
}

// At returns the latest value whose sequence is at or before sequence.
func (v *VersionedValue) At(sequence int64) (Value, bool) {
	for c := v.tail; c != nil; c = c.prev {
		if c.sequence <= sequence {
			return c.value, true
		}
	}
	return nil, false
}

// Latest returns the most recent value.
func (v *VersionedValue) Latest() (Value, bool) {
	if v.tail == nil {
		return nil, false
	}
	return v.tail.value, true
}

// Prune drops captures that can no longer be read by a snapshot at or after
// sequence. The capture visible at sequence is kept.
func (v *VersionedValue) Prune(sequence int64) {
	keep := v.head
	for keep != nil && keep.next != nil && keep.next.sequence <= sequence {
		keep = keep.next
	}
	if keep == nil || keep == v.head {
		return
	}
	keep.prev.next = nil
	keep.prev = nil
	v.head = keep
}

// Len returns the number of captures held.
func (v *VersionedValue) Len() int {
	n := 0
	for c := v.head; c != nil; c = c.next {
		n++
	}
	return n
}
