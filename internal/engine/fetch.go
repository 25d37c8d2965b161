package engine

import (
	"context"
	"log"

	"livesync/internal/telemetry"
)

// fetcher walks the reference graph of a snapshot on behalf of one client.
// Every object it returns is retained. Dangling references met on the way are
// rewritten to null by server-made updates actuated in the same snapshot.
type fetcher struct {
	group    *Group
	ctx      context.Context
	token    string
	client   *Client
	snapshot *Snapshot

	exclude map[*SyncedObject]struct{}
	list    []*SyncedObject
	fixes   []*Update
}

func (g *Group) newFetcher(ctx context.Context, client *Client, s *Snapshot) *fetcher {
	return &fetcher{
		group:    g,
		ctx:      ctx,
		token:    client.token,
		client:   client,
		snapshot: s,
		exclude:  make(map[*SyncedObject]struct{}),
	}
}

// skip keeps o out of the fetch list, typically because it travels in the
// same message already.
func (f *fetcher) skip(o *SyncedObject) {
	f.exclude[o] = struct{}{}
}

type relation struct {
	key string
	ref *Reference
}

func relationsAt(o *SyncedObject, sequence int64) []relation {
	var relations []relation
	o.forEachRelation(sequence, func(key string, ref *Reference) {
		relations = append(relations, relation{key: key, ref: ref})
	})
	return relations
}

// walk adds to the list everything reachable from root that the client has
// not been sent yet. root itself is not added.
func (f *fetcher) walk(root *SyncedObject) error {
	for _, rel := range relationsAt(root, f.snapshot.sequence) {
		if err := f.visit(root, rel.key, rel.ref); err != nil {
			return err
		}
	}
	return nil
}

func (f *fetcher) visit(parent *SyncedObject, key string, ref *Reference) error {
	sequence := f.snapshot.sequence
	o, err := f.group.load(f.ctx, f.token, ref, sequence)
	if err != nil {
		if IsNotFound(err) {
			f.repair(parent, key, ref)
			return nil
		}
		return err
	}
	if _, ok := f.exclude[o]; ok || f.client.hasObject(o) {
		o.release()
		return nil
	}
	f.exclude[o] = struct{}{}
	f.list = append(f.list, o)
	return f.walk(o)
}

// repair nulls parent[key] at the snapshot when it still points at ref.
func (f *fetcher) repair(parent *SyncedObject, key string, ref *Reference) {
	v, _ := parent.getValue(key, f.snapshot.sequence)
	current := asReference(v)
	if current == nil || current.key() != ref.key() {
		return
	}
	log.Printf("🔄 Repairing dangling reference %s.%s -> %s", parent.reference, key, ref)
	u := newUpdate(nil, parent, 0, map[string]Value{key: NullReference()}).retain()
	u.actuate(f.snapshot)
	f.fixes = append(f.fixes, u)
	telemetry.DanglingReferences.Inc()
}

// finish commits the repairs in the background and hands back the list.
func (f *fetcher) finish() []*SyncedObject {
	if len(f.fixes) > 0 {
		g := f.group
		fixes := f.fixes
		ctx := context.WithoutCancel(f.ctx)
		token := f.token
		g.goBackground("commit reference repairs", func() error {
			defer func() {
				for _, u := range fixes {
					u.release()
				}
			}()
			return g.commitUpdates(ctx, token, fixes)
		})
		f.fixes = nil
	}
	list := f.list
	f.list = nil
	return list
}

// abandon releases everything collected so far.
func (f *fetcher) abandon() {
	for _, o := range f.finish() {
		o.release()
	}
}

func releaseObjects(objects []*SyncedObject) {
	for _, o := range objects {
		o.release()
	}
}

// walkValues is walk restricted to the references among values, which are
// written to parent.
func (f *fetcher) walkValues(parent *SyncedObject, values map[string]Value) error {
	for _, key := range sortedValueKeys(values) {
		if ref := asReference(values[key]); ref != nil {
			if err := f.visit(parent, key, ref); err != nil {
				return err
			}
		}
	}
	return nil
}
