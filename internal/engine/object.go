package engine

import (
	"context"
	"sort"
)

// SyncedObject is the versioned in-memory image of one stored object.
//
// creationSequence is -1 until a client creation is actuated, 0 for objects
// that came from the store and N for objects created at sequence N.
// deletionSequence is 0 while the object is alive.
type SyncedObject struct {
	lifecycle
	group     *Group
	reference *Reference

	captures map[string]*VersionedValue

	creationSequence   int64
	deletionSequence   int64
	lastUpdateSequence int64

	version         int64
	versions        VersionedValue
	updateVersions  map[string]int64
	commitSequences map[string]int64

	// references counts, per holder, the keys of the holder's latest state
	// that point at this object.
	references map[*SyncedObject]int

	// updates in flight against this object.
	updates map[*Update]struct{}

	created *Condition
	loaded  *Condition
	err     error
}

func newSyncedObject(g *Group, ref *Reference, created, loaded *Condition, isNew bool) *SyncedObject {
	o := &SyncedObject{
		group:           g,
		reference:       ref,
		captures:        make(map[string]*VersionedValue),
		updateVersions:  make(map[string]int64),
		commitSequences: make(map[string]int64),
		references:      make(map[*SyncedObject]int),
		updates:         make(map[*Update]struct{}),
		created:         created,
		loaded:          loaded,
	}
	if isNew {
		o.creationSequence = -1
	}
	o.owner = o
	return o
}

func (o *SyncedObject) retain() *SyncedObject {
	o.lifecycle.retain()
	return o
}

func (o *SyncedObject) register() {
	o.reference.register(o)
}

func (o *SyncedObject) unregister() {
	o.releaseOutgoing()
	o.parkIncoming()
	o.reference.unregister(o)
}

// releaseOutgoing drops the back-references this object's latest state
// holds on other objects.
func (o *SyncedObject) releaseOutgoing() {
	for key, vv := range o.captures {
		v, _ := vv.Latest()
		if ref := asReference(v); ref != nil {
			o.group.unlinkRelation(o, key, ref)
		}
	}
}

// parkIncoming moves the back-references held on this object into the group
// backlog, so they are counted again if the object is loaded anew.
func (o *SyncedObject) parkIncoming() {
	for holder := range o.references {
		if holder == o {
			continue
		}
		for key, vv := range holder.captures {
			v, _ := vv.Latest()
			if ref := asReference(v); ref != nil && o.isReferencedBy(ref) {
				o.group.needReferenceUpdate(ref.key(), holder, key)
			}
		}
	}
	clear(o.references)
}

// isReferencedBy reports whether ref designates this object.
func (o *SyncedObject) isReferencedBy(ref *Reference) bool {
	if ref == o.reference {
		return true
	}
	if ref.IsGlobal() && o.reference.IsGlobal() && ref.globalKey() == o.reference.globalKey() {
		return true
	}
	return ref.IsLocal() && o.reference.IsLocal() && ref.localKey() == o.reference.localKey()
}

// Reference returns the identity of the object.
func (o *SyncedObject) Reference() *Reference {
	return o.reference
}

// Version returns the current object version.
func (o *SyncedObject) Version() int64 {
	return o.version
}

// setValue writes value at sequence. Writes that become the latest state
// move back-references from the replaced value to the new one.
func (o *SyncedObject) setValue(key string, value Value, sequence int64) {
	if ref, ok := value.(*Reference); ok {
		value = o.group.canonical(ref)
	}
	vv := o.captures[key]
	if vv == nil {
		vv = &VersionedValue{}
		o.captures[key] = vv
	}
	old, existed := vv.Set(sequence, value)
	if vv.tail.sequence != sequence {
		return
	}
	if existed {
		if ref := asReference(old); ref != nil {
			if !o.group.unlinkRelation(o, key, ref) {
				panic(serverErrorf("inconsistent back-reference from %s.%s to %s", o.reference, key, ref))
			}
		}
	}
	if ref := asReference(value); ref != nil {
		o.group.linkRelation(o, key, ref)
	}
}

// getValue returns the value of key visible at sequence.
func (o *SyncedObject) getValue(key string, sequence int64) (Value, bool) {
	if !o.doesExist(sequence) {
		return nil, false
	}
	vv := o.captures[key]
	if vv == nil {
		return nil, false
	}
	return vv.At(sequence)
}

// discardEarlierValues prunes the history of key for snapshots at or after
// sequence.
func (o *SyncedObject) discardEarlierValues(key string, sequence int64) {
	if vv := o.captures[key]; vv != nil {
		vv.Prune(sequence)
	}
}

func (o *SyncedObject) sortedKeys() []string {
	keys := make([]string, 0, len(o.captures))
	for key := range o.captures {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// forEachValue visits every key visible at sequence in key order.
func (o *SyncedObject) forEachValue(sequence int64, fn func(key string, value Value)) {
	if !o.doesExist(sequence) {
		return
	}
	for _, key := range o.sortedKeys() {
		if v, ok := o.captures[key].At(sequence); ok {
			fn(key, v)
		}
	}
}

// forEachRelation visits every non-null reference visible at sequence.
func (o *SyncedObject) forEachRelation(sequence int64, fn func(key string, ref *Reference)) {
	o.forEachValue(sequence, func(key string, v Value) {
		if ref := asReference(v); ref != nil {
			fn(key, ref)
		}
	})
}

// forEachLatestRelation visits the non-null references of the latest state,
// ignoring the existence window. Used before a creation is actuated.
func (o *SyncedObject) forEachLatestRelation(fn func(key string, ref *Reference)) {
	for _, key := range o.sortedKeys() {
		v, _ := o.captures[key].Latest()
		if ref := asReference(v); ref != nil {
			fn(key, ref)
		}
	}
}

func (o *SyncedObject) addReference(holder *SyncedObject) {
	o.references[holder]++
}

func (o *SyncedObject) removeReference(holder *SyncedObject) bool {
	n, ok := o.references[holder]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(o.references, holder)
	} else {
		o.references[holder] = n - 1
	}
	return true
}

func (o *SyncedObject) isDeleted() bool {
	return o.deletionSequence != 0
}

// doesExist reports whether the object is alive at sequence.
func (o *SyncedObject) doesExist(sequence int64) bool {
	if o.creationSequence == -1 || o.creationSequence > sequence {
		return false
	}
	return o.deletionSequence == 0 || o.deletionSequence > sequence
}

// extract populates a freshly loaded object from its stored record.
func (o *SyncedObject) extract(rec *Record) {
	if rec == nil {
		return
	}
	for _, key := range sortedRecordKeys(rec) {
		o.setValue(key, o.group.fromStore(rec.Values[key]), 0)
		v := rec.Versions[key]
		o.updateVersions[key] = v
		if v > o.version {
			o.version = v
		}
	}
	o.versions.Set(0, o.version)
}

// versionAt returns the object version a snapshot at sequence sees.
func (o *SyncedObject) versionAt(sequence int64) int64 {
	if v, ok := o.versions.At(sequence); ok {
		return v.(int64)
	}
	return o.version
}

func sortedRecordKeys(rec *Record) []string {
	seen := make(map[string]struct{}, len(rec.Values)+len(rec.Versions))
	for key := range rec.Values {
		seen[key] = struct{}{}
	}
	for key := range rec.Versions {
		seen[key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (g *Group) fromStore(v any) Value {
	switch p := v.(type) {
	case nil:
		return NullReference()
	case Pointer:
		if p.IsNull() {
			return NullReference()
		}
		return g.canonical(newGlobalReference(g, p.Subclass, p.ID))
	case *Pointer:
		if p == nil {
			return NullReference()
		}
		return g.fromStore(*p)
	case int:
		return float64(p)
	case int64:
		return float64(p)
	default:
		return v
	}
}

func toStore(v Value) any {
	if ref, ok := v.(*Reference); ok {
		return ref.pointer()
	}
	return v
}

// asReference returns v as a non-null reference, or nil.
func asReference(v Value) *Reference {
	ref, ok := v.(*Reference)
	if !ok || ref.IsNull() {
		return nil
	}
	return ref
}

// load returns the retained object designated by ref, reading it from the
// store the first time. With a non-zero sequence the object must also exist
// at that sequence.
func (g *Group) load(ctx context.Context, token string, ref *Reference, sequence int64) (*SyncedObject, error) {
	if ref.IsNull() {
		return nil, nil
	}
	if o := ref.object(); o != nil {
		o.retain()
		g.wait(o.loaded)
		if o.err != nil {
			err := o.err
			o.release()
			return nil, err
		}
		if sequence != 0 && !o.doesExist(sequence) {
			o.release()
			return nil, notFoundError(ref)
		}
		return o, nil
	}
	if !ref.IsGlobal() {
		return nil, notFoundError(ref)
	}

	o := newSyncedObject(g, newGlobalReference(g, ref.Subclass, ref.GlobalID), signaledCondition(), NewCondition(), false)
	o.retain()
	res, err := g.issue(ctx, token, &Operation{Kind: OpLoad, Subclass: ref.Subclass, ID: ref.GlobalID})
	if err != nil {
		if IsNotFound(err) {
			err = notFoundError(ref)
		}
		o.err = err
		o.loaded.Signal()
		o.release()
		return nil, err
	}
	o.extract(res.Record)
	g.updateReference(o)
	o.loaded.Signal()
	return o, nil
}

// instantiate returns the retained object for a record returned by QUERY,
// reusing the in-memory instance when one is registered.
func (g *Group) instantiate(rec *Record) *SyncedObject {
	ref := newGlobalReference(g, rec.Subclass, rec.ID)
	if o := ref.object(); o != nil {
		return o.retain()
	}
	o := newSyncedObject(g, ref, signaledCondition(), signaledCondition(), false)
	o.retain()
	o.extract(rec)
	g.updateReference(o)
	return o
}
