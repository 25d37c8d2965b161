package engine

import "context"

// Deletion is a client-submitted removal of a stored object.
type Deletion struct {
	change
}

func newDeletion(client *Client, object *SyncedObject) *Deletion {
	d := &Deletion{}
	d.init(d, client, object)
	return d
}

func (d *Deletion) retain() *Deletion {
	d.lifecycle.retain()
	return d
}

func (d *Deletion) forEachRelation(func(key string, ref *Reference)) {}

func (d *Deletion) actuate(s *Snapshot) {
	o := d.object
	if o.deletionSequence != 0 {
		panic(serverErrorf("deletion of %s actuated twice", o.reference))
	}
	o.deletionSequence = s.sequence
	o.group.addPendingDeletion(d.retain())
}

func (d *Deletion) didCommit() {
	d.object.group.removePendingDeletion(d)
	d.release()
}

// storeOperation waits until no write to the object is in flight: updates
// already committing finish first, and a still pending creation completes.
// Updates that have not started committing see the deletion and skip.
func (d *Deletion) storeOperation() *Operation {
	o := d.object
	g := o.group
	for {
		var waits []*Condition
		for u := range o.updates {
			if u.committing && !u.committed.IsSet() {
				waits = append(waits, u.committed)
			}
		}
		if len(waits) == 0 {
			break
		}
		g.waitAll(waits)
	}
	g.wait(o.created)
	if o.err != nil || !o.reference.IsGlobal() {
		return nil
	}
	return &Operation{Kind: OpDelete, Subclass: o.reference.Subclass, ID: o.reference.GlobalID}
}

// commitDeletions removes objects from the store.
func (g *Group) commitDeletions(ctx context.Context, token string, deletions []*Deletion) error {
	if len(deletions) == 0 {
		return nil
	}
	var ops []*Operation
	for _, d := range deletions {
		if op := d.storeOperation(); op != nil {
			ops = append(ops, op)
		}
	}
	_, err := g.issueBatch(ctx, token, ops)
	for _, d := range deletions {
		d.didCommit()
	}
	return err
}
