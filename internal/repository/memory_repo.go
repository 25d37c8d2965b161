package repository

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"livesync/internal/models"

	"github.com/segmentio/ksuid"
)

// MemoryObjectRepository keeps objects in process memory. It backs the
// default development server and the tests; nothing survives a restart.
type MemoryObjectRepository struct {
	mu      sync.Mutex
	txMu    sync.Mutex
	objects map[string]*models.StoredObject
}

// NewMemoryObjectRepository creates an empty in-memory repository
func NewMemoryObjectRepository() *MemoryObjectRepository {
	return &MemoryObjectRepository{objects: make(map[string]*models.StoredObject)}
}

type memoryTxKey struct{}

// Atomic runs fn with transactions serialized. When fn fails the objects are
// restored to their state before the call.
func (r *MemoryObjectRepository) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memoryTxKey{}) != nil {
		return fn(ctx)
	}
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	saved := make(map[string]*models.StoredObject, len(r.objects))
	for id, obj := range r.objects {
		saved[id] = cloneObject(obj)
	}
	r.mu.Unlock()

	if err := fn(context.WithValue(ctx, memoryTxKey{}, true)); err != nil {
		r.mu.Lock()
		r.objects = saved
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *MemoryObjectRepository) Create(ctx context.Context, subclass string, patch *models.FieldPatch) (*models.StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	obj := &models.StoredObject{
		ID:        ksuid.New().String(),
		Subclass:  subclass,
		CreatedAt: now,
		UpdatedAt: now,
	}
	patch.Apply(obj)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[obj.ID] = obj
	return cloneObject(obj), nil
}

func (r *MemoryObjectRepository) GetByID(ctx context.Context, subclass, id string) (*models.StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[id]
	if !ok || obj.Subclass != subclass {
		return nil, fmt.Errorf("%s/%s: %w", subclass, id, models.ErrObjectNotFound)
	}
	return cloneObject(obj), nil
}

func (r *MemoryObjectRepository) ListBySubclass(ctx context.Context, subclass string) ([]*models.StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	objs := []*models.StoredObject{}
	for _, obj := range r.objects {
		if obj.Subclass == subclass {
			objs = append(objs, cloneObject(obj))
		}
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].ID < objs[j].ID })
	return objs, nil
}

func (r *MemoryObjectRepository) Patch(ctx context.Context, subclass, id string, patch *models.FieldPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[id]
	if !ok || obj.Subclass != subclass {
		return fmt.Errorf("%s/%s: %w", subclass, id, models.ErrObjectNotFound)
	}
	patch.Apply(obj)
	obj.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryObjectRepository) Delete(ctx context.Context, subclass, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[id]
	if !ok || obj.Subclass != subclass {
		return fmt.Errorf("%s/%s: %w", subclass, id, models.ErrObjectNotFound)
	}
	delete(r.objects, id)
	return nil
}

// Purge is a no-op: deleted objects are dropped immediately.
func (r *MemoryObjectRepository) Purge(ctx context.Context) (int64, error) {
	return 0, nil
}

// Len reports the number of live objects.
func (r *MemoryObjectRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

func cloneObject(obj *models.StoredObject) *models.StoredObject {
	c := *obj
	c.Fields = maps.Clone(obj.Fields)
	c.Versions = maps.Clone(obj.Versions)
	return &c
}
