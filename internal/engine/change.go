package engine

import "sort"

// Change is one pending, client-attributable mutation. The variants are
// *Creation, *Deletion and *Update.
type Change interface {
	Object() *SyncedObject
	Client() *Client
	actuate(s *Snapshot)
	didCommit()
	forEachRelation(fn func(key string, ref *Reference))
	release()
}

// change carries what every variant shares. The change retains its object
// for as long as it is itself retained.
type change struct {
	lifecycle
	client *Client
	object *SyncedObject

	qualifying    map[*Query]struct{}
	disqualifying map[*Query]struct{}

	// fixed is set when dangling references in the submitted values were
	// rewritten to null; fixedKeys lists them.
	fixed     bool
	fixedKeys []string
}

func (c *change) init(owner registrar, client *Client, object *SyncedObject) {
	c.owner = owner
	c.client = client
	c.object = object
	c.qualifying = make(map[*Query]struct{})
	c.disqualifying = make(map[*Query]struct{})
}

func (c *change) register()   { c.object.retain() }
func (c *change) unregister() { c.object.release() }

// Object returns the target of the change.
func (c *change) Object() *SyncedObject { return c.object }

// Client returns the originating client, nil for server-made changes.
func (c *change) Client() *Client { return c.client }

func (c *change) markFixed(key string) {
	c.fixed = true
	for _, k := range c.fixedKeys {
		if k == key {
			return
		}
	}
	c.fixedKeys = append(c.fixedKeys, key)
}

// qualify adds the object to q's qualified set on behalf of this change.
func (c *change) qualify(q *Query) {
	c.qualifying[q] = struct{}{}
	q.add(c.object)
}

// disqualify removes the object from q's qualified set.
func (c *change) disqualify(q *Query) {
	c.disqualifying[q] = struct{}{}
	q.remove(c.object)
}

func queryIDs(queries map[*Query]struct{}, keep func(*Query) bool) []string {
	var ids []string
	for q := range queries {
		if keep == nil || keep(q) {
			ids = append(ids, q.id)
		}
	}
	sort.Strings(ids)
	return ids
}
