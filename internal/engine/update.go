package engine

import "context"

// Update is a key/value delta applied to an existing object. version is the
// object version the client based its edit on; zero for server-made fixes.
// Uncommitted updates of the same key form a chain ordered by sequence
// through older and newer, so store writes go out oldest first.
type Update struct {
	change
	version    int64
	newVersion int64
	sequence   int64
	values     map[string]Value

	older map[string]*Update
	newer map[string]*Update

	committing bool
	committed  *Condition
}

func newUpdate(client *Client, object *SyncedObject, version int64, values map[string]Value) *Update {
	u := &Update{
		version:   version,
		values:    values,
		older:     make(map[string]*Update),
		newer:     make(map[string]*Update),
		committed: NewCondition(),
	}
	u.init(u, client, object)
	return u
}

func (u *Update) retain() *Update {
	u.lifecycle.retain()
	return u
}

func (u *Update) sortedKeys() []string {
	return sortedValueKeys(u.values)
}

func (u *Update) forEachRelation(fn func(key string, ref *Reference)) {
	for _, key := range u.sortedKeys() {
		if ref := asReference(u.values[key]); ref != nil {
			fn(key, ref)
		}
	}
}

// addValue merges a server-made value into a client update, which then
// counts as fixed.
func (u *Update) addValue(key string, v Value) {
	if _, ok := u.values[key]; ok {
		panic(serverErrorf("update of %s already sets %s", u.object.reference, key))
	}
	u.values[key] = v
	u.markFixed(key)
}

func (u *Update) actuate(s *Snapshot) {
	o := u.object
	g := o.group
	seq := s.sequence

	u.sequence = seq
	o.version++
	u.newVersion = o.version
	o.versions.Set(seq, o.version)
	o.lastUpdateSequence = max(o.lastUpdateSequence, seq)
	for _, key := range u.sortedKeys() {
		if ref, ok := u.values[key].(*Reference); ok {
			u.values[key] = g.canonical(ref)
		}
		o.setValue(key, u.values[key], seq)
		o.updateVersions[key] = o.version
	}
	s.addUpdate(u)
	o.updates[u] = struct{}{}

	for _, key := range u.sortedKeys() {
		var newer *Update
		older := g.newestUpdate(o, key)
		for older != nil && older.sequence > seq {
			newer = older
			older = older.older[key]
		}
		if older != nil {
			u.older[key] = older
			older.newer[key] = u
		}
		if newer != nil {
			u.newer[key] = newer
			newer.older[key] = u
		} else {
			g.setNewestUpdate(o, key, u)
		}
		u.retain()
	}
}

func (u *Update) didCommit() {
	o := u.object
	g := o.group
	u.committing = false
	delete(o.updates, u)
	for _, key := range u.sortedKeys() {
		if seq := o.commitSequences[key]; u.sequence > seq {
			o.commitSequences[key] = u.sequence
		}
		newer, hasNewer := u.newer[key]
		older, hasOlder := u.older[key]
		if hasNewer {
			if hasOlder {
				newer.older[key] = older
			} else {
				delete(newer.older, key)
			}
		} else if g.newestUpdate(o, key) == u {
			g.setNewestUpdate(o, key, older)
		}
		if hasOlder {
			if hasNewer {
				older.newer[key] = newer
			} else {
				delete(older.newer, key)
			}
		}
		delete(u.newer, key)
		delete(u.older, key)
		u.release()
	}
	u.committed.Signal()
}

// pendingKeys lists the keys this update still has to write: keys already
// overwritten in the store by a later commit, or superseded by a newer
// pending update, are skipped.
func (u *Update) pendingKeys() []string {
	o := u.object
	var keys []string
	for _, key := range u.sortedKeys() {
		if seq, ok := o.commitSequences[key]; ok && seq > u.sequence {
			continue
		}
		if _, ok := u.newer[key]; ok {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// storeOperation returns the write for this update, or nil when nothing is
// left to write. It waits for older updates of the same keys, for the object
// to exist in the store and for new objects it points at to get a global id.
func (u *Update) storeOperation() *Operation {
	o := u.object
	g := o.group
	for {
		if o.isDeleted() {
			return nil
		}
		keys := u.pendingKeys()
		if len(keys) == 0 {
			return nil
		}

		var waits []*Condition
		for _, key := range keys {
			if older, ok := u.older[key]; ok {
				waits = append(waits, older.committed)
			}
			if ref := asReference(u.values[key]); ref != nil && !ref.IsGlobal() {
				if target := ref.object(); target != nil && !target.created.IsSet() {
					waits = append(waits, target.created)
				}
			}
		}
		if len(waits) == 0 && !o.created.IsSet() {
			waits = append(waits, o.created)
		}
		if len(waits) > 0 {
			g.waitAll(waits)
			continue
		}

		values := make(map[string]any, len(keys))
		for _, key := range keys {
			values[key] = toStore(u.values[key])
		}
		return &Operation{
			Kind:     OpUpdate,
			Subclass: o.reference.Subclass,
			ID:       o.reference.GlobalID,
			Version:  u.newVersion,
			Values:   values,
		}
	}
}

// commitUpdates writes updates to the store. Updates with nothing left to
// write commit immediately.
func (g *Group) commitUpdates(ctx context.Context, token string, updates []*Update) error {
	if len(updates) == 0 {
		return nil
	}
	for _, u := range updates {
		u.committing = true
	}

	var ops []*Operation
	var writing []*Update
	for _, u := range updates {
		op := u.storeOperation()
		if op == nil {
			u.didCommit()
			continue
		}
		ops = append(ops, op)
		writing = append(writing, u)
	}

	// deletions that landed while we waited win
	var kept []*Operation
	var keptUpdates []*Update
	for i, u := range writing {
		if u.object.isDeleted() {
			u.didCommit()
			continue
		}
		kept = append(kept, ops[i])
		keptUpdates = append(keptUpdates, u)
	}

	_, err := g.issueBatch(ctx, token, kept)
	for _, u := range keptUpdates {
		u.didCommit()
	}
	return err
}
