package engine

import "fmt"

// objectKey addresses an object in the group tables. Global keys leave token
// empty; local keys carry the token of the client that allocated the id.
type objectKey struct {
	subclass string
	token    string
	id       string
}

func (k objectKey) String() string {
	if k.token == "" {
		return k.subclass + "/" + k.id
	}
	return k.subclass + "/" + k.token + ":" + k.id
}

// Reference identifies an object by local id, global id or nothing at all.
// A local reference is promoted to global exactly once, when the creation of
// its object commits; after that it answers to both keys.
type Reference struct {
	group    *Group
	Subclass string
	LocalID  string
	Token    string
	GlobalID string

	null       bool
	registered bool
}

// NullReference returns a reference to nothing.
func NullReference() *Reference {
	return &Reference{null: true}
}

func newGlobalReference(g *Group, subclass, id string) *Reference {
	return &Reference{group: g, Subclass: subclass, GlobalID: id}
}

func newLocalReference(g *Group, subclass, id, token string) *Reference {
	return &Reference{group: g, Subclass: subclass, LocalID: id, Token: token}
}

func (r *Reference) IsNull() bool   { return r == nil || r.null }
func (r *Reference) IsGlobal() bool { return !r.IsNull() && r.GlobalID != "" }
func (r *Reference) IsLocal() bool  { return !r.IsNull() && r.LocalID != "" }

func (r *Reference) globalKey() objectKey {
	return objectKey{subclass: r.Subclass, id: r.GlobalID}
}

func (r *Reference) localKey() objectKey {
	return objectKey{subclass: r.Subclass, token: r.Token, id: r.LocalID}
}

// key is the most durable key of the reference: global when known.
func (r *Reference) key() objectKey {
	if r.IsGlobal() {
		return r.globalKey()
	}
	return r.localKey()
}

func (r *Reference) String() string {
	switch {
	case r.IsNull():
		return "null"
	case r.IsGlobal():
		return r.globalKey().String()
	default:
		return r.localKey().String()
	}
}

func (r *Reference) register(object *SyncedObject) {
	if r.registered {
		panic(serverErrorf("reference %s registered twice", r))
	}
	r.registered = true
	if r.IsLocal() {
		r.group.localObjects[r.localKey()] = object
	}
	if r.IsGlobal() {
		r.group.globalObjects[r.globalKey()] = object
	}
}

func (r *Reference) unregister(object *SyncedObject) {
	if !r.registered {
		panic(serverErrorf("reference %s unregistered twice", r))
	}
	r.registered = false
	if r.IsLocal() && r.group.localObjects[r.localKey()] == object {
		delete(r.group.localObjects, r.localKey())
	}
	if r.IsGlobal() && r.group.globalObjects[r.globalKey()] == object {
		delete(r.group.globalObjects, r.globalKey())
	}
}

func (r *Reference) isRegistered() bool {
	return r.object() != nil
}

// object returns the registered instance the reference points to.
func (r *Reference) object() *SyncedObject {
	if r.IsNull() || r.group == nil {
		return nil
	}
	if r.IsGlobal() {
		if o := r.group.globalObjects[r.globalKey()]; o != nil {
			return o
		}
	}
	if r.IsLocal() {
		return r.group.localObjects[r.localKey()]
	}
	return nil
}

// validObject is object restricted to instances that finished loading
// without error.
func (r *Reference) validObject() *SyncedObject {
	o := r.object()
	if o == nil || !o.loaded.IsSet() || o.err != nil {
		return nil
	}
	return o
}

// validate resolves the reference at sequence and returns the retained
// object. When the target is missing, failed to load or does not exist at
// sequence, onDangling is called and nil is returned.
func (r *Reference) validate(sequence int64, onDangling func()) *SyncedObject {
	o := r.validObject()
	if o == nil || !o.doesExist(sequence) {
		onDangling()
		return nil
	}
	o.retain()
	return o
}

// makeGlobal promotes a local reference once its object has a store id.
func (r *Reference) makeGlobal(id string, object *SyncedObject) {
	if r.IsNull() || r.IsGlobal() {
		panic(serverErrorf("cannot promote reference %s to %s", r, id))
	}
	r.GlobalID = id
	if r.registered {
		r.group.globalObjects[r.globalKey()] = object
	}
}

// Pointer is the store-facing form of a reference. A zero Pointer is null.
type Pointer struct {
	Subclass string
	ID       string
}

func (p Pointer) IsNull() bool { return p.ID == "" }

func (p Pointer) String() string {
	if p.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%s/%s", p.Subclass, p.ID)
}

// pointer converts the reference for the store. Only global references
// survive; local and null ones are stored as null.
func (r *Reference) pointer() Pointer {
	if !r.IsGlobal() {
		return Pointer{}
	}
	return Pointer{Subclass: r.Subclass, ID: r.GlobalID}
}
