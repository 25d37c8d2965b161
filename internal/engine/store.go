package engine

import (
	"context"
	"fmt"
	"time"

	"livesync/internal/middleware"
	"livesync/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// OpKind names a store operation.
type OpKind string

const (
	OpLoad   OpKind = "LOAD"
	OpCreate OpKind = "CREATE"
	OpDelete OpKind = "DELETE"
	OpUpdate OpKind = "UPDATE"
	OpQuery  OpKind = "QUERY"
)

// DefaultBatchSize is the largest batch a store accepts in one request.
const DefaultBatchSize = 50

// Operation is one request to the durable store. Values hold strings,
// float64s and Pointers; a null Pointer clears the key but keeps its version.
type Operation struct {
	Kind     OpKind
	Subclass string
	ID       string
	Version  int64
	Values   map[string]any
}

func (op *Operation) String() string {
	if op.ID == "" {
		return fmt.Sprintf("%s %s", op.Kind, op.Subclass)
	}
	return fmt.Sprintf("%s %s/%s", op.Kind, op.Subclass, op.ID)
}

// Record is a stored object as returned by LOAD and QUERY.
type Record struct {
	Subclass string
	ID       string
	Values   map[string]any
	Versions map[string]int64
}

// Result acknowledges an operation. CREATE fills ID, LOAD fills Record and
// QUERY fills Records.
type Result struct {
	ID      string
	Record  *Record
	Records []*Record
}

// Store is the durable backend. A failed lookup returns an error wrapping
// ErrNotFound; anything else is a generic failure. LOAD is never batched.
type Store interface {
	Issue(ctx context.Context, token string, op *Operation) (*Result, error)
	IssueBatch(ctx context.Context, token string, ops []*Operation) ([]*Result, error)
}

// issue runs one store operation with the group unlocked.
func (g *Group) issue(ctx context.Context, token string, op *Operation) (res *Result, err error) {
	ctx, span := middleware.StartSpan(ctx, "Store."+string(op.Kind),
		attribute.String("store.subclass", op.Subclass),
		attribute.String("store.id", op.ID),
	)
	defer span.End()

	start := time.Now()
	g.unlocked(func() {
		res, err = g.store.Issue(ctx, token, op)
	})
	telemetry.ObserveStoreOperation(string(op.Kind), time.Since(start), err)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return res, nil
}

// issueBatch splits ops into store-sized batches, issues them concurrently
// with the group unlocked and returns the results in order.
func (g *Group) issueBatch(ctx context.Context, token string, ops []*Operation) ([]*Result, error) {
	results := make([]*Result, len(ops))
	if len(ops) == 0 {
		return results, nil
	}
	for _, op := range ops {
		if op.Kind == OpLoad {
			panic(serverErrorf("%s cannot be batched", op))
		}
	}

	size := g.cfg.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	ctx, span := middleware.StartSpan(ctx, "Store.Batch",
		attribute.Int("store.operations", len(ops)),
		attribute.Int("store.batch_size", size),
	)
	defer span.End()

	var err error
	start := time.Now()
	g.unlocked(func() {
		eg, ctx := errgroup.WithContext(ctx)
		for lo := 0; lo < len(ops); lo += size {
			hi := min(lo+size, len(ops))
			eg.Go(func() error {
				chunk, err := g.store.IssueBatch(ctx, token, ops[lo:hi])
				if err != nil {
					return err
				}
				if len(chunk) != hi-lo {
					return fmt.Errorf("store returned %d results for %d operations", len(chunk), hi-lo)
				}
				copy(results[lo:hi], chunk)
				return nil
			})
		}
		err = eg.Wait()
	})
	for _, op := range ops {
		telemetry.ObserveStoreOperation(string(op.Kind), time.Since(start), err)
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to issue batch of %d operations: %w", len(ops), err)
	}
	return results, nil
}
