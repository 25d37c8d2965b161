package engine

import (
	"context"
	"math"
	"sort"

	"livesync/internal/models"
)

// privateKeys are managed by the store and cannot be written by clients.
var privateKeys = map[string]struct{}{
	"objectId":  {},
	"createdAt": {},
	"updatedAt": {},
	"ACL":       {},
}

// parseValues converts wire value pairs. Local references resolve in the
// namespace of client.
func (g *Group) parseValues(client *Client, pairs []models.ValuePair) (map[string]Value, error) {
	values := make(map[string]Value, len(pairs))
	for _, pair := range pairs {
		if pair.Key == "" {
			return nil, userErrorf("malformed request: empty key")
		}
		if _, ok := privateKeys[pair.Key]; ok {
			return nil, userErrorf("malformed request: %s is a reserved key", pair.Key)
		}
		if _, ok := values[pair.Key]; ok {
			return nil, userErrorf("malformed request: duplicate key %s", pair.Key)
		}
		switch v := pair.Value.(type) {
		case string:
			values[pair.Key] = v
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, userErrorf("malformed request: %s is not a finite number", pair.Key)
			}
			values[pair.Key] = v
		case *models.RefSpec:
			ref, err := g.parseRefSpec(client, v)
			if err != nil {
				return nil, err
			}
			values[pair.Key] = ref
		default:
			return nil, userErrorf("malformed request: unsupported value for %s", pair.Key)
		}
	}
	return values, nil
}

func (g *Group) parseRefSpec(client *Client, spec *models.RefSpec) (*Reference, error) {
	switch spec.Type {
	case models.RefNull:
		return NullReference(), nil
	case models.RefGlobal, models.RefLocal:
	default:
		return nil, userErrorf("malformed request: unknown reference type %q", spec.Type)
	}
	if spec.Subclass == "" || spec.ID == "" {
		return nil, userErrorf("malformed request: reference without subclass or id")
	}
	if spec.Type == models.RefLocal {
		return newLocalReference(g, spec.Subclass, spec.ID, client.token), nil
	}
	return newGlobalReference(g, spec.Subclass, spec.ID), nil
}

func (g *Group) parseGlobalReference(subclass, id string) (*Reference, error) {
	if subclass == "" {
		return nil, userErrorf("malformed request: missing subclass")
	}
	if id == "" {
		return nil, userErrorf("malformed request: missing object id")
	}
	return newGlobalReference(g, subclass, id), nil
}

// parseCreations registers one new object per spec. All values are parsed
// before any object is registered so local references between the new
// objects resolve whatever their order in the request.
func (g *Group) parseCreations(client *Client, specs []models.ObjectSpec) (creations []*Creation, err error) {
	if len(specs) == 0 {
		return nil, nil
	}
	refs := make([]*Reference, len(specs))
	values := make([]map[string]Value, len(specs))
	for i, spec := range specs {
		if spec.Subclass == "" || spec.ID == "" {
			return nil, userErrorf("malformed request: creation without subclass or id")
		}
		refs[i] = newLocalReference(g, spec.Subclass, spec.ID, client.token)
		if values[i], err = g.parseValues(client, spec.Values); err != nil {
			return nil, err
		}
	}

	objects := make([]*SyncedObject, 0, len(specs))
	defer func() {
		// the creations hold their own retain on success
		releaseObjects(objects)
	}()
	for _, ref := range refs {
		if ref.isRegistered() {
			return nil, userErrorf("object id %s already in use", ref)
		}
		objects = append(objects, newSyncedObject(g, ref, NewCondition(), signaledCondition(), true).retain())
	}

	// values are written at sequence 0: nothing reads a new object before its
	// creation is actuated and gives it a sequence
	for i, o := range objects {
		for _, key := range sortedValueKeys(values[i]) {
			o.setValue(key, values[i][key], 0)
		}
	}

	creations = make([]*Creation, len(objects))
	for i, o := range objects {
		creations[i] = newCreation(client, o).retain()
	}
	return creations, nil
}

// parseDeletions loads every deleted object. On failure nothing stays
// retained.
func (g *Group) parseDeletions(ctx context.Context, client *Client, specs []models.RefSpec) ([]*Deletion, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	refs := make([]*Reference, len(specs))
	for i, spec := range specs {
		ref, err := g.parseGlobalReference(spec.Subclass, spec.ID)
		if err != nil {
			return nil, err
		}
		refs[i] = ref
	}
	objects, err := g.loadAll(ctx, client.token, refs)
	if err != nil {
		return nil, err
	}
	defer releaseObjects(objects)
	if hasDuplicates(objects) {
		return nil, userErrorf("malformed request: object deleted twice")
	}

	deletions := make([]*Deletion, len(objects))
	for i, o := range objects {
		deletions[i] = newDeletion(client, o).retain()
	}
	return deletions, nil
}

// parseUpdates loads every updated object. At most one update per object is
// accepted per request.
func (g *Group) parseUpdates(ctx context.Context, client *Client, specs []models.UpdateSpec) ([]*Update, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	refs := make([]*Reference, len(specs))
	values := make([]map[string]Value, len(specs))
	for i, spec := range specs {
		if spec.Version == nil {
			return nil, userErrorf("malformed request: update without version")
		}
		ref, err := g.parseGlobalReference(spec.Subclass, spec.ID)
		if err != nil {
			return nil, err
		}
		refs[i] = ref
		if values[i], err = g.parseValues(client, spec.Values); err != nil {
			return nil, err
		}
		if len(values[i]) == 0 {
			return nil, userErrorf("malformed request: update of %s without values", ref)
		}
	}
	objects, err := g.loadAll(ctx, client.token, refs)
	if err != nil {
		return nil, err
	}
	defer releaseObjects(objects)
	if hasDuplicates(objects) {
		return nil, userErrorf("malformed request: object updated twice")
	}

	updates := make([]*Update, len(objects))
	for i, o := range objects {
		updates[i] = newUpdate(client, o, *specs[i].Version, values[i]).retain()
	}
	return updates, nil
}

// loadAll loads refs concurrently. Every load is awaited; if any failed the
// successful ones are released and the first error is returned.
func (g *Group) loadAll(ctx context.Context, token string, refs []*Reference) ([]*SyncedObject, error) {
	objects := make([]*SyncedObject, len(refs))
	errs := g.settle(len(refs), func(i int) error {
		o, err := g.load(ctx, token, refs[i], 0)
		objects[i] = o
		return err
	})
	if err := firstError(errs); err != nil {
		for _, o := range objects {
			if o != nil {
				o.release()
			}
		}
		return nil, err
	}
	return objects, nil
}

// preload loads the global objects referenced by submitted values so that
// their validation does not depend on what happens to be in memory. Missing
// objects are left alone; validation turns them into null references.
func (g *Group) preload(ctx context.Context, token string, b *batch) ([]*SyncedObject, error) {
	seen := make(map[objectKey]struct{})
	var refs []*Reference
	collect := func(_ string, ref *Reference) {
		if !ref.IsGlobal() {
			return
		}
		if _, ok := seen[ref.globalKey()]; ok {
			return
		}
		seen[ref.globalKey()] = struct{}{}
		refs = append(refs, ref)
	}
	for _, c := range b.creations {
		c.forEachRelation(collect)
	}
	for _, u := range b.updates {
		u.forEachRelation(collect)
	}

	objects := make([]*SyncedObject, len(refs))
	errs := g.settle(len(refs), func(i int) error {
		o, err := g.load(ctx, token, refs[i], 0)
		if IsNotFound(err) {
			return nil
		}
		objects[i] = o
		return err
	})
	loaded := objects[:0]
	for _, o := range objects {
		if o != nil {
			loaded = append(loaded, o)
		}
	}
	if err := firstError(errs); err != nil {
		releaseObjects(loaded)
		return nil, err
	}
	return loaded, nil
}

func hasDuplicates(objects []*SyncedObject) bool {
	seen := make(map[*SyncedObject]struct{}, len(objects))
	for _, o := range objects {
		if _, ok := seen[o]; ok {
			return true
		}
		seen[o] = struct{}{}
	}
	return false
}

func sortedValueKeys(values map[string]Value) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// composeValue converts a value for the wire. References without a global
// id are sent as null.
func composeValue(v Value) any {
	ref, ok := v.(*Reference)
	if !ok {
		return v
	}
	if !ref.IsGlobal() {
		return &models.RefSpec{Type: models.RefNull}
	}
	return &models.RefSpec{Type: models.RefGlobal, Subclass: ref.Subclass, ID: ref.GlobalID}
}

// composeValues lists the values of o visible at sequence.
func composeValues(o *SyncedObject, sequence int64) []models.ValuePair {
	pairs := []models.ValuePair{}
	o.forEachValue(sequence, func(key string, v Value) {
		pairs = append(pairs, models.ValuePair{Key: key, Value: composeValue(v)})
	})
	return pairs
}

// composeObject is the full state of o at sequence, versioned as of sequence.
func composeObject(o *SyncedObject, sequence int64) models.ObjectState {
	return models.ObjectState{
		Subclass: o.reference.Subclass,
		ID:       o.reference.GlobalID,
		Version:  o.versionAt(sequence),
		Values:   composeValues(o, sequence),
	}
}

func composeObjects(objects []*SyncedObject, sequence int64) []models.ObjectState {
	states := make([]models.ObjectState, 0, len(objects))
	for _, o := range objects {
		states = append(states, composeObject(o, sequence))
	}
	return states
}
