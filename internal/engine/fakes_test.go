package engine

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"testing"
	"time"

	"livesync/internal/models"
)

// memStore is a Store kept in a map. Ids are allocated from a counter so
// tests can predict them.
type memStore struct {
	mu      sync.Mutex
	nextID  int
	records map[string]*Record
	counts  map[OpKind]int
	issued  []OpKind
	fail    map[OpKind]error
	holds   map[OpKind]*hold
}

// hold parks the next store call carrying an operation of its kind until
// the test releases it.
type hold struct {
	entered chan struct{}
	release chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*Record),
		counts:  make(map[OpKind]int),
		fail:    make(map[OpKind]error),
		holds:   make(map[OpKind]*hold),
	}
}

func (s *memStore) holdOn(kind OpKind) *hold {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &hold{entered: make(chan struct{}), release: make(chan struct{})}
	s.holds[kind] = h
	return h
}

// await blocks until a held call arrives.
func (h *hold) await(t *testing.T) {
	t.Helper()
	select {
	case <-h.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("store call never arrived")
	}
}

// pause blocks the caller when one of ops is held. Each hold fires once.
func (s *memStore) pause(ops ...*Operation) {
	s.mu.Lock()
	var h *hold
	for _, op := range ops {
		if h = s.holds[op.Kind]; h != nil {
			delete(s.holds, op.Kind)
			break
		}
	}
	s.mu.Unlock()
	if h != nil {
		close(h.entered)
		<-h.release
	}
}

func recordKey(subclass, id string) string {
	return subclass + "/" + id
}

// seed inserts a stored object at version 1 and returns its id.
func (s *memStore) seed(subclass string, values map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.allocateID()
	rec := &Record{Subclass: subclass, ID: id, Values: make(map[string]any), Versions: make(map[string]int64)}
	for key, v := range values {
		rec.Values[key] = v
		rec.Versions[key] = 1
	}
	s.records[recordKey(subclass, id)] = rec
	return id
}

func (s *memStore) allocateID() string {
	s.nextID++
	return fmt.Sprintf("o%03d", s.nextID)
}

func (s *memStore) failOn(kind OpKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[kind] = err
}

func (s *memStore) count(kind OpKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[kind]
}

// get returns a copy of the stored record, nil when there is none.
func (s *memStore) get(subclass, id string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(subclass, id)]
	if !ok {
		return nil
	}
	return cloneRecord(rec)
}

func cloneRecord(rec *Record) *Record {
	return &Record{
		Subclass: rec.Subclass,
		ID:       rec.ID,
		Values:   maps.Clone(rec.Values),
		Versions: maps.Clone(rec.Versions),
	}
}

func (s *memStore) Issue(ctx context.Context, token string, op *Operation) (*Result, error) {
	s.pause(op)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(op)
}

func (s *memStore) IssueBatch(ctx context.Context, token string, ops []*Operation) ([]*Result, error) {
	s.pause(ops...)
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]*Result, len(ops))
	for i, op := range ops {
		res, err := s.apply(op)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	return results, nil
}

// kinds lists every operation the store received, in order.
func (s *memStore) kinds() []OpKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OpKind(nil), s.issued...)
}

func (s *memStore) apply(op *Operation) (*Result, error) {
	s.counts[op.Kind]++
	s.issued = append(s.issued, op.Kind)
	if err := s.fail[op.Kind]; err != nil {
		return nil, err
	}
	key := recordKey(op.Subclass, op.ID)

	switch op.Kind {
	case OpLoad:
		rec, ok := s.records[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return &Result{Record: cloneRecord(rec)}, nil

	case OpCreate:
		id := s.allocateID()
		rec := &Record{Subclass: op.Subclass, ID: id, Values: make(map[string]any), Versions: make(map[string]int64)}
		version := op.Version
		if version <= 0 {
			version = 1
		}
		write(rec, op.Values, version)
		s.records[recordKey(op.Subclass, id)] = rec
		return &Result{ID: id}, nil

	case OpUpdate:
		rec, ok := s.records[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		write(rec, op.Values, op.Version)
		return &Result{}, nil

	case OpDelete:
		if _, ok := s.records[key]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		delete(s.records, key)
		return &Result{}, nil

	case OpQuery:
		var records []*Record
		for _, rec := range s.records {
			if rec.Subclass == op.Subclass {
				records = append(records, cloneRecord(rec))
			}
		}
		sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
		return &Result{Records: records}, nil
	}
	return nil, fmt.Errorf("unknown operation %s", op.Kind)
}

// write applies values at version. A null Pointer clears the key.
func write(rec *Record, values map[string]any, version int64) {
	for key, v := range values {
		rec.Versions[key] = version
		if p, ok := v.(Pointer); ok && p.IsNull() {
			delete(rec.Values, key)
			continue
		}
		rec.Values[key] = v
	}
}

// recordingConn is a Connection that keeps every batch pushed to it.
type recordingConn struct {
	mu      sync.Mutex
	canPush bool
	batches []*models.PushBatch
}

func newRecordingConn(canPush bool) *recordingConn {
	return &recordingConn{canPush: canPush}
}

func (c *recordingConn) CanPush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canPush
}

func (c *recordingConn) Push(batch *models.PushBatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
	return nil
}

func (c *recordingConn) pushes() []*models.PushBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.PushBatch(nil), c.batches...)
}

func newTestGroup(t *testing.T) (*Group, *memStore) {
	t.Helper()
	store := newMemStore()
	g := NewGroup(store, Config{
		BatchSize:       DefaultBatchSize,
		UpdateCommitLag: time.Millisecond,
		ClientRetention: time.Minute,
	})
	t.Cleanup(g.Wait)
	return g, store
}

// Request builders

func str(key, value string) models.ValuePair {
	return models.ValuePair{Key: key, Value: value}
}

func num(key string, value float64) models.ValuePair {
	return models.ValuePair{Key: key, Value: value}
}

func globalRef(key, subclass, id string) models.ValuePair {
	return models.ValuePair{Key: key, Value: &models.RefSpec{Type: models.RefGlobal, Subclass: subclass, ID: id}}
}

func localRef(key, subclass, id string) models.ValuePair {
	return models.ValuePair{Key: key, Value: &models.RefSpec{Type: models.RefLocal, Subclass: subclass, ID: id}}
}

func nullRef(key string) models.ValuePair {
	return models.ValuePair{Key: key, Value: &models.RefSpec{Type: models.RefNull}}
}

func ver(v int64) *int64 {
	return &v
}

func valueOf(pairs []models.ValuePair, key string) (any, bool) {
	for _, p := range pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}
