// Package engine is the in-memory synchronization and consistency layer.
//
// A Group owns every registry: synced objects indexed by local and global
// reference, live queries, outstanding snapshots, pending changes and the
// backlog of back-references waiting for their referent to exist.
//
// Scheduling is cooperative. The group mutex stands for the single logical
// thread: code holding it runs to completion without interleaving, and every
// suspension point (a Store round-trip, a gate, a timer) releases the mutex
// and takes it back before continuing. Ordering between requests is enforced
// with chained one-shot gates (see Condition), never with extra locks.
//
// Lifetimes are reference counted. Objects, queries, clients, snapshots and
// changes register themselves in the group on their first retain and leave it
// on their last release.
package engine
