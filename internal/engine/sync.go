package engine

import (
	"context"
	"log"
	"sort"
	"time"

	"livesync/internal/models"
	"livesync/internal/telemetry"
)

// batch is the parsed content of one sync request. The batch holds one
// retain on each change and on each object referenced by submitted values.
type batch struct {
	creations []*Creation
	deletions []*Deletion
	updates   []*Update
	relations []*SyncedObject
}

func (b *batch) release() {
	for _, c := range b.creations {
		c.release()
	}
	for _, d := range b.deletions {
		d.release()
	}
	for _, u := range b.updates {
		u.release()
	}
	releaseObjects(b.relations)
	*b = batch{}
}

// parseBatch turns a request into retained changes. When any part fails,
// every part that succeeded is released before the error is returned.
func (g *Group) parseBatch(ctx context.Context, client *Client, req *models.SyncRequest) (*batch, error) {
	b := &batch{}
	var err error
	if b.creations, err = g.parseCreations(client, req.Creations); err != nil {
		return nil, err
	}

	var deletions []*Deletion
	var updates []*Update
	errs := g.settle(2, func(i int) error {
		var err error
		if i == 0 {
			deletions, err = g.parseDeletions(ctx, client, req.Deletions)
		} else {
			updates, err = g.parseUpdates(ctx, client, req.Updates)
		}
		return err
	})
	b.deletions, b.updates = deletions, updates
	if err := firstError(errs); err != nil {
		b.release()
		return nil, err
	}

	if b.relations, err = g.preload(ctx, client.token, b); err != nil {
		b.release()
		return nil, err
	}
	return b, nil
}

// syncRun is the state of one sync from actuation to the last push. It
// captures the topology at actuation time: later watches and unwatches do
// not affect which clients this batch is pushed to.
type syncRun struct {
	group    *Group
	ctx      context.Context
	client   *Client
	snapshot *Snapshot
	batch    *batch

	clients       []*Client
	queries       []*Query
	clientQueries map[*Client]map[*Query]struct{}

	queryTurns map[*Query][2]*Condition
	pushTurns  map[*Client][2]*Condition

	creationsCommitted *Condition
	creationErr        error
	ids                []models.AssignedID

	queriesDone map[*Query]*Condition
	done        []*Condition
}

// Sync applies a client batch. It returns once the new objects have global
// ids; commits of deletions and updates and the pushes to other clients
// carry on in the background.
func (g *Group) Sync(ctx context.Context, token string, req *models.SyncRequest) (*models.SyncResponse, error) {
	start := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	var resp *models.SyncResponse
	err := protect(func() error {
		client, err := g.lookupClient(token)
		if err != nil {
			return err
		}
		client.retain()
		defer client.release()

		b, err := g.parseBatch(ctx, client, req)
		if err != nil {
			return err
		}
		r := g.startSync(ctx, client, b)
		g.wait(r.creationsCommitted)
		if r.creationErr != nil {
			return r.creationErr
		}
		resp = &models.SyncResponse{IDs: r.ids}
		if client.conn == nil || !client.conn.CanPush() {
			resp.Attach(client.takePushed())
		}
		return nil
	})
	telemetry.ObserveSync(time.Since(start), err)
	if err != nil {
		log.Printf("❌ Sync failed for session %s: %v", token, err)
	}
	return resp, err
}

func (g *Group) startSync(ctx context.Context, client *Client, b *batch) *syncRun {
	r := &syncRun{
		group:       g,
		ctx:         context.WithoutCancel(ctx),
		client:      client,
		snapshot:    newSnapshot(g).retain(),
		batch:       b,
		queriesDone: make(map[*Query]*Condition),
	}
	r.captureTopology()
	deleting := r.resolveConflicts()
	r.nullifyDeletedReferences(deleting)
	r.validateDirectReferences(deleting)

	for _, c := range b.creations {
		c.actuate(r.snapshot)
	}
	for _, d := range b.deletions {
		d.actuate(r.snapshot)
	}
	for _, u := range b.updates {
		u.actuate(r.snapshot)
	}

	r.commit()
	for _, q := range r.queries {
		r.processQuery(q)
	}
	for _, c := range r.clients {
		r.pushTo(c)
	}
	r.finish()
	return r
}

// captureTopology retains the live clients and queries and takes a turn in
// every query and push queue.
func (r *syncRun) captureTopology() {
	g := r.group
	r.clientQueries = make(map[*Client]map[*Query]struct{}, len(g.clients))
	r.pushTurns = make(map[*Client][2]*Condition, len(g.clients))
	for _, c := range g.clients {
		r.clients = append(r.clients, c.retain())
	}
	sort.Slice(r.clients, func(i, j int) bool { return r.clients[i].token < r.clients[j].token })
	for _, c := range r.clients {
		queries := make(map[*Query]struct{}, len(c.queries))
		for q := range c.queries {
			queries[q] = struct{}{}
		}
		r.clientQueries[c] = queries
		prev, next := enqueue(&c.lastPushCompleted)
		r.pushTurns[c] = [2]*Condition{prev, next}
	}

	r.queryTurns = make(map[*Query][2]*Condition, len(g.queriesByID))
	for _, q := range g.queriesByID {
		r.queries = append(r.queries, q.retain())
	}
	sort.Slice(r.queries, func(i, j int) bool { return r.queries[i].id < r.queries[j].id })
	for _, q := range r.queries {
		prev, next := enqueue(&q.readyToUpdate)
		r.queryTurns[q] = [2]*Condition{prev, next}
	}
}

// resolveConflicts drops deletions of objects that are already gone and the
// update keys the client wrote against a stale version. It returns the
// objects this batch deletes.
func (r *syncRun) resolveConflicts() map[*SyncedObject]struct{} {
	b := r.batch
	sequence := r.snapshot.sequence

	deleting := make(map[*SyncedObject]struct{}, len(b.deletions))
	deletions := b.deletions[:0]
	for _, d := range b.deletions {
		if !d.object.doesExist(sequence) {
			d.release()
			continue
		}
		deleting[d.object] = struct{}{}
		deletions = append(deletions, d)
	}
	b.deletions = deletions

	updates := b.updates[:0]
	for _, u := range b.updates {
		o := u.object
		if _, ok := deleting[o]; ok || !o.doesExist(sequence) {
			u.release()
			continue
		}
		for _, key := range u.sortedKeys() {
			if version, ok := o.updateVersions[key]; ok && version > u.version {
				delete(u.values, key)
			}
		}
		if len(u.values) == 0 {
			u.release()
			continue
		}
		updates = append(updates, u)
	}
	b.updates = updates
	return deleting
}

// nullifyDeletedReferences rewrites every reference to a deleted object to
// null. The null is merged into the client's own update of the holder when
// there is one, otherwise a server-made update is added to the batch.
func (r *syncRun) nullifyDeletedReferences(deleting map[*SyncedObject]struct{}) {
	b := r.batch
	sequence := r.snapshot.sequence
	byObject := make(map[*SyncedObject]*Update, len(b.updates))
	for _, u := range b.updates {
		byObject[u.object] = u
	}

	for _, d := range b.deletions {
		target := d.object
		holders := make([]*SyncedObject, 0, len(target.references))
		for holder := range target.references {
			if _, ok := deleting[holder]; !ok {
				holders = append(holders, holder)
			}
		}
		sortObjects(holders)

		for _, holder := range holders {
			var keys []string
			holder.forEachRelation(sequence, func(key string, ref *Reference) {
				if target.isReferencedBy(ref) {
					keys = append(keys, key)
				}
			})
			for _, key := range keys {
				u, ok := byObject[holder]
				switch {
				case !ok:
					u = newUpdate(nil, holder, 0, map[string]Value{key: NullReference()}).retain()
					byObject[holder] = u
					b.updates = append(b.updates, u)
				case u.client == nil:
					u.values[key] = NullReference()
				default:
					if _, ok := u.values[key]; !ok {
						u.addValue(key, NullReference())
					}
				}
			}
		}
	}
}

// validateDirectReferences checks every reference submitted in the batch.
// References to objects that are missing, gone at the snapshot or deleted by
// this batch are rewritten to null and the change is flagged as fixed.
func (r *syncRun) validateDirectReferences(deleting map[*SyncedObject]struct{}) {
	b := r.batch
	sequence := r.snapshot.sequence
	creating := make(map[*SyncedObject]struct{}, len(b.creations))
	for _, c := range b.creations {
		creating[c.object] = struct{}{}
	}

	valid := func(ref *Reference) *SyncedObject {
		o := ref.validObject()
		if o == nil {
			return nil
		}
		if _, ok := deleting[o]; ok {
			return nil
		}
		if _, ok := creating[o]; ok || o.doesExist(sequence) {
			return o.retain()
		}
		return nil
	}

	for _, c := range b.creations {
		c.forEachRelation(func(key string, ref *Reference) {
			if o := valid(ref); o != nil {
				b.relations = append(b.relations, o)
				return
			}
			c.object.setValue(key, NullReference(), 0)
			c.markFixed(key)
		})
	}
	for _, u := range b.updates {
		u.forEachRelation(func(key string, ref *Reference) {
			if o := valid(ref); o != nil {
				b.relations = append(b.relations, o)
				return
			}
			u.values[key] = NullReference()
			u.markFixed(key)
		})
	}
}

// commit schedules the store writes: creations and deletions right away,
// updates after the commit lag so quick re-edits of a key coalesce.
func (r *syncRun) commit() {
	g := r.group
	b := r.batch
	token := r.client.token

	r.creationsCommitted = NewCondition()
	g.goBackground("commit creations", func() error {
		defer r.creationsCommitted.Signal()
		r.creationErr = g.commitCreations(r.ctx, token, b.creations)
		if r.creationErr == nil {
			r.ids = r.assignedIDs()
		}
		return r.creationErr
	})

	deletionsCommitted := NewCondition()
	g.goBackground("commit deletions", func() error {
		defer deletionsCommitted.Signal()
		return g.commitDeletions(r.ctx, token, b.deletions)
	})

	updatesCommitted := NewCondition()
	g.goBackground("commit updates", func() error {
		defer updatesCommitted.Signal()
		if len(b.updates) == 0 {
			return nil
		}
		g.sleep(g.cfg.UpdateCommitLag)
		return g.commitUpdates(r.ctx, token, b.updates)
	})

	r.done = append(r.done, r.creationsCommitted, deletionsCommitted, updatesCommitted)
}

// processQuery recomputes the qualified set of q for this batch once every
// earlier request is done with q.
func (r *syncRun) processQuery(q *Query) {
	g := r.group
	turn := r.queryTurns[q]
	done := NewCondition()
	r.queriesDone[q] = done
	r.done = append(r.done, done)

	g.goBackground("process query "+q.id, func() error {
		defer done.Signal()
		defer turn[1].Signal()
		g.wait(turn[0])

		r.requalify(q)
		return nil
	})
}

// requalify moves the objects of this batch in or out of q's qualified set.
// Each step checks the current membership, so running it again for the same
// batch and sequence changes nothing.
func (r *syncRun) requalify(q *Query) {
	b := r.batch
	sequence := r.snapshot.sequence

	// the first watcher has not found the set yet and will see this batch
	if q.qualified == nil {
		return
	}
	for _, c := range b.creations {
		if q.qualifies(c.object, sequence) && !q.has(c.object) {
			c.qualify(q)
		}
	}
	for _, d := range b.deletions {
		if q.has(d.object) && !q.qualifies(d.object, sequence) {
			d.disqualify(q)
		}
	}
	for _, u := range b.updates {
		did, will := q.has(u.object), q.qualifies(u.object, sequence)
		switch {
		case !did && will:
			u.qualify(q)
		case did && !will:
			u.disqualify(q)
		}
	}
}

// pushTo sends client c the events of this batch it needs, once its queries
// are recomputed and every earlier push to it is out.
func (r *syncRun) pushTo(c *Client) {
	g := r.group
	turn := r.pushTurns[c]
	done := NewCondition()
	r.done = append(r.done, done)

	var waits []*Condition
	for q := range r.clientQueries[c] {
		waits = append(waits, r.queriesDone[q])
	}

	g.goBackground("push to session "+c.token, func() error {
		defer done.Signal()
		defer turn[1].Signal()
		g.waitAll(waits)
		g.wait(turn[0])
		g.waitAll(r.pendingGlobalIDs())

		batch, err := r.compose(c)
		c.push(batch)
		return err
	})
}

// pendingGlobalIDs lists the creations a push must wait for before every
// reference in the batch can be sent with a global id.
func (r *syncRun) pendingGlobalIDs() []*Condition {
	var waits []*Condition
	for _, c := range r.batch.creations {
		waits = append(waits, c.object.created)
	}
	for _, u := range r.batch.updates {
		u.forEachRelation(func(_ string, ref *Reference) {
			if target := ref.object(); target != nil && !ref.IsGlobal() {
				waits = append(waits, target.created)
			}
		})
	}
	return waits
}

// compose builds the push for c and updates its working set. A failing fetch
// is reported but the events are still delivered.
func (r *syncRun) compose(c *Client) (*models.PushBatch, error) {
	b := r.batch
	sequence := r.snapshot.sequence
	subscribed := func(q *Query) bool {
		_, ok := r.clientQueries[c][q]
		return ok
	}

	f := r.group.newFetcher(r.ctx, c, r.snapshot)
	for _, cr := range b.creations {
		f.skip(cr.object)
	}
	for _, u := range b.updates {
		f.skip(u.object)
	}
	var fetchErr error
	fetch := func(walk func() error) []models.ObjectState {
		if fetchErr == nil {
			fetchErr = walk()
		}
		list := f.finish()
		for _, o := range list {
			c.addObject(o)
		}
		states := composeObjects(list, sequence)
		releaseObjects(list)
		return states
	}

	push := &models.PushBatch{}
	for _, cr := range b.creations {
		o := cr.object
		if o.err != nil || !o.reference.IsGlobal() {
			continue
		}
		if cr.client == c {
			c.addObject(o)
			if cr.fixed {
				push.Updates = append(push.Updates, fixedEvent(o, 1, cr.fixedKeys))
			}
			continue
		}
		qualifying := queryIDs(cr.qualifying, subscribed)
		if len(qualifying) == 0 {
			continue
		}
		c.addObject(o)
		push.Creations = append(push.Creations, models.CreationEvent{
			Subclass:   o.reference.Subclass,
			ID:         o.reference.GlobalID,
			Version:    1,
			Values:     composeValues(o, o.creationSequence),
			Qualifying: qualifying,
			Fetch:      fetch(func() error { return f.walk(o) }),
		})
	}

	for _, d := range b.deletions {
		o := d.object
		if !c.hasObject(o) {
			continue
		}
		c.removeObject(o)
		if d.client == c {
			continue
		}
		push.Deletions = append(push.Deletions, models.DeletionEvent{
			Subclass:      o.reference.Subclass,
			ID:            o.reference.GlobalID,
			Disqualifying: queryIDs(d.disqualifying, subscribed),
		})
	}

	for _, u := range b.updates {
		o := u.object
		qualifying := queryIDs(u.qualifying, subscribed)
		known := c.hasObject(o)
		if !known && len(qualifying) == 0 {
			continue
		}
		c.addObject(o)
		if u.client == c {
			if u.fixed {
				push.Updates = append(push.Updates, fixedEvent(o, u.newVersion, u.fixedKeys))
			}
			continue
		}

		ev := models.UpdateEvent{
			Subclass:      o.reference.Subclass,
			ID:            o.reference.GlobalID,
			Version:       u.newVersion,
			Qualifying:    qualifying,
			Disqualifying: queryIDs(u.disqualifying, subscribed),
		}
		if known {
			ev.Values = composeUpdate(u)
			ev.Fetch = fetch(func() error { return f.walkValues(o, u.values) })
		} else {
			// newly qualifying: the client has never seen the object
			ev.Values = composeValues(o, u.sequence)
			ev.Fetch = fetch(func() error { return f.walk(o) })
		}
		push.Updates = append(push.Updates, ev)
	}
	return push, fetchErr
}

// fixedEvent tells the originator of a change which of its keys were nulled.
func fixedEvent(o *SyncedObject, version int64, keys []string) models.UpdateEvent {
	values := make([]models.ValuePair, 0, len(keys))
	for _, key := range keys {
		values = append(values, models.ValuePair{Key: key, Value: composeValue(NullReference())})
	}
	return models.UpdateEvent{
		Subclass: o.reference.Subclass,
		ID:       o.reference.GlobalID,
		Version:  version,
		Values:   values,
	}
}

func composeUpdate(u *Update) []models.ValuePair {
	values := make([]models.ValuePair, 0, len(u.values))
	for _, key := range u.sortedKeys() {
		values = append(values, models.ValuePair{Key: key, Value: composeValue(u.values[key])})
	}
	return values
}

// assignedIDs maps the local ids of the batch creations to their global ids.
func (r *syncRun) assignedIDs() []models.AssignedID {
	ids := make([]models.AssignedID, 0, len(r.batch.creations))
	for _, c := range r.batch.creations {
		ref := c.object.reference
		ids = append(ids, models.AssignedID{Subclass: ref.Subclass, ID: ref.GlobalID, Local: ref.LocalID})
	}
	return ids
}

// finish releases everything the run holds once every commit and every
// push is through.
func (r *syncRun) finish() {
	g := r.group
	done := r.done
	g.goBackground("finish sync", func() error {
		g.waitAll(done)
		r.batch.release()
		for _, c := range r.clients {
			c.release()
		}
		for _, q := range r.queries {
			q.release()
		}
		r.snapshot.release()
		return nil
	})
}
