package engine

import (
	"log"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Config tunes the engine.
type Config struct {
	// BatchSize caps the number of operations per store batch.
	BatchSize int
	// UpdateCommitLag delays update commits so quick re-edits coalesce.
	UpdateCommitLag time.Duration
	// ClientRetention is how long a disconnected client is kept alive.
	ClientRetention time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:       DefaultBatchSize,
		UpdateCommitLag: time.Second,
		ClientRetention: 60 * time.Second,
	}
}

// Group holds every registry of one tenant. All fields are guarded by mu.
type Group struct {
	mu    sync.Mutex
	store Store
	cfg   Config

	clients map[string]*Client

	globalObjects map[objectKey]*SyncedObject
	localObjects  map[objectKey]*SyncedObject

	queriesByID       map[string]*Query
	queriesBySubclass map[string]*Query
	nextQueryID       int64

	snapshots       []*Snapshot
	currentSequence int64

	pendingCreations map[string]map[objectKey]*Creation
	pendingDeletions map[string]map[objectKey]*Deletion
	pendingUpdates   map[string]map[*SyncedObject]map[string]*Update

	// backlog maps a referent that does not exist yet to the holders and
	// keys whose back-reference must be counted once it does.
	backlog map[objectKey]map[*SyncedObject]map[string]struct{}

	background sync.WaitGroup
}

// NewGroup creates an empty group backed by store.
func NewGroup(store Store, cfg Config) *Group {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Group{
		store:             store,
		cfg:               cfg,
		clients:           make(map[string]*Client),
		globalObjects:     make(map[objectKey]*SyncedObject),
		localObjects:      make(map[objectKey]*SyncedObject),
		queriesByID:       make(map[string]*Query),
		queriesBySubclass: make(map[string]*Query),
		nextQueryID:       1,
		currentSequence:   1,
		pendingCreations:  make(map[string]map[objectKey]*Creation),
		pendingDeletions:  make(map[string]map[objectKey]*Deletion),
		pendingUpdates:    make(map[string]map[*SyncedObject]map[string]*Update),
		backlog:           make(map[objectKey]map[*SyncedObject]map[string]struct{}),
	}
}

// Wait blocks until every background commit and push has settled.
func (g *Group) Wait() {
	g.background.Wait()
}

// wait suspends the caller until c is signaled. Must be called with mu held.
func (g *Group) wait(c *Condition) {
	if c.IsSet() {
		return
	}
	g.mu.Unlock()
	defer g.mu.Lock()
	<-c.Done()
}

func (g *Group) waitAll(conds []*Condition) {
	for _, c := range conds {
		g.wait(c)
	}
}

// sleep suspends the caller for d. Must be called with mu held.
func (g *Group) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Unlock()
	defer g.mu.Lock()
	time.Sleep(d)
}

// unlocked runs fn without the group lock. fn must not touch group state.
func (g *Group) unlocked(fn func()) {
	g.mu.Unlock()
	defer g.mu.Lock()
	fn()
}

// settle runs n tasks concurrently, each holding the group lock while it is
// not suspended, and waits for all of them whatever the outcome. It returns
// the error of each task.
func (g *Group) settle(n int, task func(i int) error) []error {
	errs := make([]error, n)
	if n == 0 {
		return errs
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			g.mu.Lock()
			defer g.mu.Unlock()
			errs[i] = protect(func() error { return task(i) })
		}()
	}
	g.unlocked(wg.Wait)
	return errs
}

// firstError returns the first non-nil error of errs.
func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// goBackground runs fn on its own goroutine with the group lock held. Engine
// errors raised by fn are logged.
func (g *Group) goBackground(name string, fn func() error) {
	g.background.Add(1)
	go func() {
		defer g.background.Done()
		g.mu.Lock()
		defer g.mu.Unlock()
		if err := protect(fn); err != nil {
			log.Printf("⚠️  %s: %v", name, err)
		}
	}()
}

// allocateQueryID hands out group-scoped query ids starting at 1.
func (g *Group) allocateQueryID() string {
	id := strconv.FormatInt(g.nextQueryID, 10)
	g.nextQueryID++
	return id
}

// needReferenceUpdate records that holder[key] points at a referent that does
// not exist yet.
func (g *Group) needReferenceUpdate(referent objectKey, holder *SyncedObject, key string) {
	holders := g.backlog[referent]
	if holders == nil {
		holders = make(map[*SyncedObject]map[string]struct{})
		g.backlog[referent] = holders
	}
	keys := holders[holder]
	if keys == nil {
		keys = make(map[string]struct{})
		holders[holder] = keys
	}
	keys[key] = struct{}{}
}

// dropReferenceUpdate removes a backlog entry and reports whether one existed.
func (g *Group) dropReferenceUpdate(ref *Reference, holder *SyncedObject, key string) bool {
	for _, k := range referenceKeys(ref) {
		holders := g.backlog[k]
		keys := holders[holder]
		if _, ok := keys[key]; !ok {
			continue
		}
		delete(keys, key)
		if len(keys) == 0 {
			delete(holders, holder)
		}
		if len(holders) == 0 {
			delete(g.backlog, k)
		}
		return true
	}
	return false
}

// updateReference applies and clears every backlog entry naming object.
func (g *Group) updateReference(object *SyncedObject) {
	for _, k := range referenceKeys(object.reference) {
		for holder, keys := range g.backlog[k] {
			object.references[holder] += len(keys)
		}
		delete(g.backlog, k)
	}
}

func referenceKeys(ref *Reference) []objectKey {
	var keys []objectKey
	if ref.IsGlobal() {
		keys = append(keys, ref.globalKey())
	}
	if ref.IsLocal() {
		keys = append(keys, ref.localKey())
	}
	return keys
}

// linkRelation counts holder[key] -> ref on the referent, or parks it in the
// backlog until the referent exists.
func (g *Group) linkRelation(holder *SyncedObject, key string, ref *Reference) {
	if target := ref.object(); target != nil && target.creationSequence != -1 && target.loaded.IsSet() && target.err == nil {
		target.addReference(holder)
		return
	}
	g.needReferenceUpdate(ref.key(), holder, key)
}

// unlinkRelation undoes linkRelation and reports whether anything was found.
func (g *Group) unlinkRelation(holder *SyncedObject, key string, ref *Reference) bool {
	if g.dropReferenceUpdate(ref, holder, key) {
		return true
	}
	if target := ref.object(); target != nil {
		return target.removeReference(holder)
	}
	return false
}

// canonical returns the registered object's own reference when ref resolves,
// so a later promotion of that object is seen by every holder.
func (g *Group) canonical(ref *Reference) *Reference {
	if ref.IsNull() {
		return ref
	}
	if o := ref.object(); o != nil {
		return o.reference
	}
	return ref
}

func (g *Group) addPendingCreation(c *Creation) {
	ref := c.object.reference
	m := g.pendingCreations[ref.Subclass]
	if m == nil {
		m = make(map[objectKey]*Creation)
		g.pendingCreations[ref.Subclass] = m
	}
	m[ref.localKey()] = c
}

func (g *Group) removePendingCreation(c *Creation) {
	ref := c.object.reference
	if m := g.pendingCreations[ref.Subclass]; m != nil && m[ref.localKey()] == c {
		delete(m, ref.localKey())
		if len(m) == 0 {
			delete(g.pendingCreations, ref.Subclass)
		}
	}
}

func (g *Group) addPendingDeletion(d *Deletion) {
	ref := d.object.reference
	m := g.pendingDeletions[ref.Subclass]
	if m == nil {
		m = make(map[objectKey]*Deletion)
		g.pendingDeletions[ref.Subclass] = m
	}
	m[ref.globalKey()] = d
}

func (g *Group) removePendingDeletion(d *Deletion) {
	ref := d.object.reference
	if m := g.pendingDeletions[ref.Subclass]; m != nil && m[ref.globalKey()] == d {
		delete(m, ref.globalKey())
		if len(m) == 0 {
			delete(g.pendingDeletions, ref.Subclass)
		}
	}
}

// newestUpdate returns the latest uncommitted update of object[key]. Pending
// updates are indexed by object: an object not created yet has no global id
// and its references change on promotion.
func (g *Group) newestUpdate(object *SyncedObject, key string) *Update {
	return g.pendingUpdates[object.reference.Subclass][object][key]
}

func (g *Group) setNewestUpdate(object *SyncedObject, key string, u *Update) {
	subclass := object.reference.Subclass
	bySubclass := g.pendingUpdates[subclass]
	if bySubclass == nil {
		bySubclass = make(map[*SyncedObject]map[string]*Update)
		g.pendingUpdates[subclass] = bySubclass
	}
	byKey := bySubclass[object]
	if byKey == nil {
		byKey = make(map[string]*Update)
		bySubclass[object] = byKey
	}
	if u != nil {
		byKey[key] = u
		return
	}
	delete(byKey, key)
	if len(byKey) == 0 {
		delete(bySubclass, object)
	}
	if len(bySubclass) == 0 {
		delete(g.pendingUpdates, subclass)
	}
}

// pendingUpdatesFor lists the newest pending update per object of subclass,
// sorted by object id.
func (g *Group) pendingUpdatesFor(subclass string) []*Update {
	seen := make(map[*Update]struct{})
	var updates []*Update
	for _, byKey := range g.pendingUpdates[subclass] {
		for _, u := range byKey {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			updates = append(updates, u)
		}
	}
	sort.Slice(updates, func(i, j int) bool {
		if updates[i].object.reference.GlobalID != updates[j].object.reference.GlobalID {
			return updates[i].object.reference.GlobalID < updates[j].object.reference.GlobalID
		}
		return updates[i].sequence < updates[j].sequence
	})
	return updates
}

// Stats is a point-in-time count of the group registries.
type Stats struct {
	Clients          int   `json:"clients"`
	Objects          int   `json:"objects"`
	Queries          int   `json:"queries"`
	Snapshots        int   `json:"snapshots"`
	PendingCreations int   `json:"pending_creations"`
	PendingDeletions int   `json:"pending_deletions"`
	PendingUpdates   int   `json:"pending_updates"`
	Backlog          int   `json:"backlog"`
	Sequence         int64 `json:"sequence"`
}

// Stats returns the current registry sizes.
func (g *Group) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Stats{
		Clients:   len(g.clients),
		Queries:   len(g.queriesByID),
		Snapshots: len(g.snapshots),
		Backlog:   len(g.backlog),
		Sequence:  g.currentSequence,
	}
	objects := make(map[*SyncedObject]struct{})
	for _, o := range g.globalObjects {
		objects[o] = struct{}{}
	}
	for _, o := range g.localObjects {
		objects[o] = struct{}{}
	}
	s.Objects = len(objects)
	for _, m := range g.pendingCreations {
		s.PendingCreations += len(m)
	}
	for _, m := range g.pendingDeletions {
		s.PendingDeletions += len(m)
	}
	for _, m := range g.pendingUpdates {
		s.PendingUpdates += len(m)
	}
	return s
}
