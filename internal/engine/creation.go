package engine

import (
	"context"
	"log"
)

// Creation is a client-submitted new object. Its object is addressed by a
// local id until the store assigns a global one.
type Creation struct {
	change
}

func newCreation(client *Client, object *SyncedObject) *Creation {
	c := &Creation{}
	c.init(c, client, object)
	return c
}

func (c *Creation) retain() *Creation {
	c.lifecycle.retain()
	return c
}

func (c *Creation) forEachRelation(fn func(key string, ref *Reference)) {
	if c.object.creationSequence == -1 {
		c.object.forEachLatestRelation(fn)
		return
	}
	c.object.forEachRelation(c.object.creationSequence, fn)
}

func (c *Creation) actuate(s *Snapshot) {
	o := c.object
	if o.creationSequence != -1 {
		panic(serverErrorf("creation of %s actuated twice", o.reference))
	}
	o.creationSequence = s.sequence
	o.version = 1
	o.versions.Set(s.sequence, o.version)
	for key := range o.captures {
		o.updateVersions[key] = 1
	}
	o.group.addPendingCreation(c.retain())
	o.group.updateReference(o)
}

func (c *Creation) didCommit() {
	o := c.object
	o.group.removePendingCreation(c)
	o.created.Signal()
	c.release()
}

// abort gives up on a creation the store refused. Waiters on the created
// gate are released and the object keeps no global id.
func (c *Creation) abort(err error) {
	c.object.err = err
	c.didCommit()
}

// localKeys lists the keys whose values point at objects without a global
// id yet.
func (c *Creation) localKeys() []string {
	var keys []string
	c.forEachRelation(func(key string, ref *Reference) {
		if !ref.IsGlobal() {
			keys = append(keys, key)
		}
	})
	return keys
}

func (c *Creation) createOperation() *Operation {
	o := c.object
	values := make(map[string]any)
	o.forEachValue(o.creationSequence, func(key string, v Value) {
		values[key] = toStore(v)
	})
	return &Operation{Kind: OpCreate, Subclass: o.reference.Subclass, Version: o.version, Values: values}
}

func (c *Creation) patchOperation(keys []string) *Operation {
	o := c.object
	values := make(map[string]any, len(keys))
	for _, key := range keys {
		v, _ := o.getValue(key, o.creationSequence)
		values[key] = toStore(v)
	}
	return &Operation{
		Kind:     OpUpdate,
		Subclass: o.reference.Subclass,
		ID:       o.reference.GlobalID,
		Version:  1,
		Values:   values,
	}
}

// commitCreations saves new objects. Objects that point at other new objects
// are saved in two steps: first without those references, then patched once
// every object of the batch has a global id. Cycles are handled this way.
func (g *Group) commitCreations(ctx context.Context, token string, creations []*Creation) error {
	if len(creations) == 0 {
		return nil
	}

	ops := make([]*Operation, len(creations))
	patchKeys := make([][]string, len(creations))
	inBatch := make(map[*SyncedObject]struct{}, len(creations))
	for i, c := range creations {
		ops[i] = c.createOperation()
		patchKeys[i] = c.localKeys()
		inBatch[c.object] = struct{}{}
	}

	results, err := g.issueBatch(ctx, token, ops)
	if err != nil {
		for _, c := range creations {
			c.abort(err)
		}
		return err
	}
	for i, res := range results {
		o := creations[i].object
		o.reference.makeGlobal(res.ID, o)
	}

	var twoStep []*Creation
	var patches []*Operation
	var waits []*Condition
	for i, c := range creations {
		if len(patchKeys[i]) == 0 {
			c.didCommit()
			continue
		}
		twoStep = append(twoStep, c)
		for _, key := range patchKeys[i] {
			v, _ := c.object.getValue(key, c.object.creationSequence)
			if ref := asReference(v); ref != nil {
				if target := ref.object(); target != nil {
					if _, ok := inBatch[target]; !ok {
						waits = append(waits, target.created)
					}
				}
			}
		}
	}
	if len(twoStep) == 0 {
		return nil
	}

	// objects created by earlier requests get their global id on commit
	g.waitAll(waits)
	for i, c := range creations {
		if len(patchKeys[i]) > 0 {
			patches = append(patches, c.patchOperation(patchKeys[i]))
		}
	}
	if _, err := g.issueBatch(ctx, token, patches); err != nil {
		log.Printf("⚠️  Failed to patch references of %d new objects: %v", len(patches), err)
		for _, c := range twoStep {
			c.abort(err)
		}
		return err
	}
	for _, c := range twoStep {
		c.didCommit()
	}
	return nil
}
