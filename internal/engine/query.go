package engine

import (
	"context"
	"sort"

	"livesync/internal/telemetry"
)

// Query is a live subscription to every existing object of one subclass.
// qualified stays nil until the first find. readyToUpdate serializes the
// requests that read or recompute the qualified set.
type Query struct {
	lifecycle
	group    *Group
	id       string
	subclass string

	clients   map[*Client]struct{}
	qualified map[*SyncedObject]struct{}

	readyToUpdate *Condition
}

func newQuery(g *Group, subclass string) *Query {
	if _, ok := g.queriesBySubclass[subclass]; ok {
		panic(serverErrorf("query for %s already exists", subclass))
	}
	q := &Query{
		group:         g,
		id:            g.allocateQueryID(),
		subclass:      subclass,
		clients:       make(map[*Client]struct{}),
		readyToUpdate: signaledCondition(),
	}
	q.owner = q
	return q
}

// queryForSubclass returns the unretained query watching subclass, creating
// it when none exists.
func (g *Group) queryForSubclass(subclass string) *Query {
	if q, ok := g.queriesBySubclass[subclass]; ok {
		return q
	}
	return newQuery(g, subclass)
}

func (q *Query) retain() *Query {
	q.lifecycle.retain()
	return q
}

// ID returns the group-scoped query id.
func (q *Query) ID() string { return q.id }

// Subclass returns the watched subclass.
func (q *Query) Subclass() string { return q.subclass }

func (q *Query) register() {
	q.group.queriesByID[q.id] = q
	q.group.queriesBySubclass[q.subclass] = q
	telemetry.LiveQueries.Set(float64(len(q.group.queriesByID)))
}

func (q *Query) unregister() {
	g := q.group
	delete(g.queriesByID, q.id)
	if g.queriesBySubclass[q.subclass] == q {
		delete(g.queriesBySubclass, q.subclass)
	}
	for c := range q.clients {
		delete(c.queries, q)
	}
	clear(q.clients)
	for o := range q.qualified {
		o.release()
	}
	q.qualified = nil
	telemetry.LiveQueries.Set(float64(len(g.queriesByID)))
}

// addClient subscribes c. Each subscription holds one retain on the query.
func (q *Query) addClient(c *Client) bool {
	if _, ok := q.clients[c]; ok {
		return false
	}
	q.clients[c] = struct{}{}
	c.queries[q] = struct{}{}
	q.retain()
	return true
}

func (q *Query) removeClient(c *Client) bool {
	if _, ok := q.clients[c]; !ok {
		return false
	}
	delete(q.clients, c)
	delete(c.queries, q)
	q.release()
	return true
}

// qualifies reports whether object matches the query at sequence.
func (q *Query) qualifies(object *SyncedObject, sequence int64) bool {
	return object.reference.Subclass == q.subclass && object.err == nil && object.doesExist(sequence)
}

func (q *Query) has(object *SyncedObject) bool {
	_, ok := q.qualified[object]
	return ok
}

func (q *Query) add(object *SyncedObject) {
	if q.qualified == nil || q.has(object) {
		return
	}
	q.qualified[object.retain()] = struct{}{}
}

func (q *Query) remove(object *SyncedObject) {
	if !q.has(object) {
		return
	}
	delete(q.qualified, object)
	object.release()
}

// sortedQualified returns the qualified set in id order, each object retained
// once more for the caller.
func (q *Query) sortedQualified() []*SyncedObject {
	objects := make([]*SyncedObject, 0, len(q.qualified))
	for o := range q.qualified {
		objects = append(objects, o.retain())
	}
	sortObjects(objects)
	return objects
}

func sortObjects(objects []*SyncedObject) {
	sort.Slice(objects, func(i, j int) bool {
		a, b := objects[i].reference, objects[j].reference
		if a.Subclass != b.Subclass {
			return a.Subclass < b.Subclass
		}
		return a.GlobalID < b.GlobalID
	})
}

// find builds the qualified set the first time the query is used. The store
// result is merged with the changes actuated in memory but not committed yet,
// so the set is never older than what the snapshot already sees. Must be
// called while holding the query's turn.
func (q *Query) find(ctx context.Context, token string, s *Snapshot) error {
	if q.qualified != nil {
		return nil
	}
	g := q.group
	sequence := s.sequence

	// in-memory changes are captured before the round trip so a creation
	// committing while the query runs is seen on one side or the other
	objects := make(map[*SyncedObject]struct{})
	include := func(o *SyncedObject) {
		if _, ok := objects[o]; ok {
			o.release()
			return
		}
		objects[o] = struct{}{}
	}
	var waits []*Condition
	for _, c := range g.pendingCreations[q.subclass] {
		if q.qualifies(c.object, sequence) {
			include(c.object.retain())
			waits = append(waits, c.object.created)
		}
	}
	for _, u := range g.pendingUpdatesFor(q.subclass) {
		if q.qualifies(u.object, sequence) {
			include(u.object.retain())
		}
	}

	res, err := g.issue(ctx, token, &Operation{Kind: OpQuery, Subclass: q.subclass})
	if err != nil {
		for o := range objects {
			o.release()
		}
		return err
	}
	for _, rec := range res.Records {
		if rec.Subclass == "" {
			rec.Subclass = q.subclass
		}
		include(g.instantiate(rec))
	}
	for o := range objects {
		waits = append(waits, o.loaded)
	}

	// objects must be backed by the store before they can qualify
	g.waitAll(waits)

	// pending deletions and updates are covered by the existence check
	qualified := make(map[*SyncedObject]struct{}, len(objects))
	for o := range objects {
		if q.qualifies(o, sequence) && o.reference.IsGlobal() {
			qualified[o] = struct{}{}
			continue
		}
		o.release()
	}
	if q.qualified != nil {
		// a concurrent find cannot run while we hold the turn
		panic(serverErrorf("query %s found twice", q.id))
	}
	q.qualified = qualified
	return nil
}
