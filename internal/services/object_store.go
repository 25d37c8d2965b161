package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"livesync/internal/engine"
	"livesync/internal/middleware"
	"livesync/internal/models"
	"livesync/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: STORE WORKER POOL

Every sync fans out into many store operations (batches are issued
concurrently, loads run in parallel). The pool caps how many of them reach
the database at once: operations queue on a buffered channel and a fixed
number of workers drain it. A full queue blocks the caller, which pushes
back on the engine instead of opening unbounded connections.

  engine ──Issue──► jobs (buffered) ──► worker 1..N ──► ObjectRepository
                                         │
  engine ◄──────────── result ───────────┘
*/

// storeJob is one unit of work for the pool
type storeJob struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// ObjectStore implements engine.Store on top of an ObjectRepository
type ObjectStore struct {
	repo ObjectRepository

	// Worker pool components
	jobs    chan storeJob
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

var _ engine.Store = (*ObjectStore)(nil)

// NewObjectStore creates a store with a worker pool. Call Start before use.
func NewObjectStore(repo ObjectRepository, numWorkers, queueSize int) *ObjectStore {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ObjectStore{
		repo:    repo,
		jobs:    make(chan storeJob, queueSize),
		workers: numWorkers,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start spawns the workers
func (s *ObjectStore) Start() {
	log.Printf("🔧 Starting store worker pool with %d workers", s.workers)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *ObjectStore) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.jobs:
			telemetry.StoreQueueDepth.Set(float64(s.QueueLength()))
			if err := job.ctx.Err(); err != nil {
				job.done <- err
				continue
			}
			job.done <- job.run(job.ctx)
		}
	}
}

// submit queues run and waits for its outcome
func (s *ObjectStore) submit(ctx context.Context, run func(ctx context.Context) error) error {
	job := storeJob{ctx: ctx, run: run, done: make(chan error, 1)}
	select {
	case s.jobs <- job:
		telemetry.StoreQueueDepth.Set(float64(s.QueueLength()))
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return fmt.Errorf("store is shutting down")
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return fmt.Errorf("store is shutting down")
	}
}

// Shutdown stops the workers once their current operation is done
func (s *ObjectStore) Shutdown() {
	log.Println("🛑 Shutting down store worker pool...")
	s.cancel()
	s.wg.Wait()
	log.Println("✓ Store worker pool stopped")
}

// QueueLength returns the number of queued operations
func (s *ObjectStore) QueueLength() int {
	return len(s.jobs)
}

// Issue runs one operation
func (s *ObjectStore) Issue(ctx context.Context, token string, op *engine.Operation) (*engine.Result, error) {
	ctx, span := middleware.StartSpan(ctx, "ObjectStore.Issue",
		attribute.String("store.kind", string(op.Kind)),
		attribute.String("session", token),
	)
	defer span.End()

	var res *engine.Result
	err := s.submit(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.apply(ctx, op)
		return err
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	return res, nil
}

// IssueBatch runs ops in one transaction: either all of them apply or none.
func (s *ObjectStore) IssueBatch(ctx context.Context, token string, ops []*engine.Operation) ([]*engine.Result, error) {
	ctx, span := middleware.StartSpan(ctx, "ObjectStore.IssueBatch",
		attribute.Int("store.operations", len(ops)),
		attribute.String("session", token),
	)
	defer span.End()

	results := make([]*engine.Result, len(ops))
	err := s.submit(ctx, func(ctx context.Context) error {
		return s.repo.Atomic(ctx, func(ctx context.Context) error {
			for i, op := range ops {
				res, err := s.apply(ctx, op)
				if err != nil {
					return err
				}
				results[i] = res
			}
			return nil
		})
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	return results, nil
}

func (s *ObjectStore) apply(ctx context.Context, op *engine.Operation) (*engine.Result, error) {
	switch op.Kind {
	case engine.OpLoad:
		obj, err := s.repo.GetByID(ctx, op.Subclass, op.ID)
		if err != nil {
			return nil, translateError(err)
		}
		return &engine.Result{ID: obj.ID, Record: toRecord(obj)}, nil

	case engine.OpQuery:
		objs, err := s.repo.ListBySubclass(ctx, op.Subclass)
		if err != nil {
			return nil, err
		}
		records := make([]*engine.Record, len(objs))
		for i, obj := range objs {
			records[i] = toRecord(obj)
		}
		return &engine.Result{Records: records}, nil

	case engine.OpCreate:
		patch, err := toPatch(op)
		if err != nil {
			return nil, err
		}
		obj, err := s.repo.Create(ctx, op.Subclass, patch)
		if err != nil {
			return nil, err
		}
		return &engine.Result{ID: obj.ID}, nil

	case engine.OpUpdate:
		patch, err := toPatch(op)
		if err != nil {
			return nil, err
		}
		if err := s.repo.Patch(ctx, op.Subclass, op.ID, patch); err != nil {
			return nil, translateError(err)
		}
		return &engine.Result{ID: op.ID}, nil

	case engine.OpDelete:
		if err := s.repo.Delete(ctx, op.Subclass, op.ID); err != nil {
			return nil, translateError(err)
		}
		return &engine.Result{ID: op.ID}, nil
	}
	return nil, fmt.Errorf("unknown store operation %q", op.Kind)
}

func translateError(err error) error {
	if errors.Is(err, models.ErrObjectNotFound) {
		return fmt.Errorf("%w: %v", engine.ErrNotFound, err)
	}
	return err
}

// toPatch converts operation values. Null pointers clear their key.
func toPatch(op *engine.Operation) (*models.FieldPatch, error) {
	version := op.Version
	if version <= 0 {
		version = 1
	}
	patch := &models.FieldPatch{Version: version, Fields: make(map[string]models.Field, len(op.Values))}
	for key, v := range op.Values {
		switch v := v.(type) {
		case nil:
			patch.Cleared = append(patch.Cleared, key)
		case string:
			patch.Fields[key] = models.Field{Kind: models.FieldString, String: v}
		case float64:
			patch.Fields[key] = models.Field{Kind: models.FieldNumber, Number: v}
		case engine.Pointer:
			if v.IsNull() {
				patch.Cleared = append(patch.Cleared, key)
				continue
			}
			patch.Fields[key] = models.Field{Kind: models.FieldPointer, Subclass: v.Subclass, ID: v.ID}
		default:
			return nil, fmt.Errorf("cannot store %T under %s", v, key)
		}
	}
	return patch, nil
}

// toRecord converts a stored object for the engine. Cleared keys come back
// as null pointers with their version.
func toRecord(obj *models.StoredObject) *engine.Record {
	rec := &engine.Record{
		Subclass: obj.Subclass,
		ID:       obj.ID,
		Values:   make(map[string]any, len(obj.Versions)),
		Versions: make(map[string]int64, len(obj.Versions)),
	}
	for key, version := range obj.Versions {
		rec.Versions[key] = version
		f, ok := obj.Fields[key]
		if !ok {
			rec.Values[key] = engine.Pointer{}
			continue
		}
		switch f.Kind {
		case models.FieldString:
			rec.Values[key] = f.String
		case models.FieldNumber:
			rec.Values[key] = f.Number
		case models.FieldPointer:
			rec.Values[key] = engine.Pointer{Subclass: f.Subclass, ID: f.ID}
		}
	}
	return rec
}
