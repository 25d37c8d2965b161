package engine

import "sync"

// Condition is a one-shot gate. Signal wakes every current waiter and every
// later one immediately. Gates are chained to form FIFO queues: a holder
// captures the current gate, installs a fresh one, waits on the captured gate
// and signals its own gate when it is done.
type Condition struct {
	once sync.Once
	ch   chan struct{}
}

// NewCondition returns an unsignaled gate.
func NewCondition() *Condition {
	return &Condition{ch: make(chan struct{})}
}

func signaledCondition() *Condition {
	c := NewCondition()
	c.Signal()
	return c
}

// Signal opens the gate. Extra calls are no-ops.
func (c *Condition) Signal() {
	c.once.Do(func() { close(c.ch) })
}

// IsSet reports whether the gate has been signaled.
func (c *Condition) IsSet() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the gate is signaled.
func (c *Condition) Done() <-chan struct{} {
	return c.ch
}

// enqueue installs a fresh gate in *slot and returns the gate it replaced
// together with the new one. The caller waits on prev and signals next.
func enqueue(slot **Condition) (prev, next *Condition) {
	prev = *slot
	next = NewCondition()
	*slot = next
	return prev, next
}
