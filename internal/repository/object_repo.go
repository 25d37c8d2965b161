package repository

import (
	"context"
	"errors"
	"fmt"

	"livesync/internal/models"

	"gorm.io/gorm"
)

/*
LEARNING: TRANSACTIONS THROUGH THE CONTEXT

A store batch must apply all of its operations or none. Instead of passing a
*gorm.DB transaction through every method, Atomic puts the transaction in the
context and each method picks it up with conn(ctx). Callers that never open
a transaction get the plain connection.
*/

type txKey struct{}

// ObjectRepositoryImpl persists synced objects with GORM
type ObjectRepositoryImpl struct {
	db *gorm.DB
}

// NewObjectRepository creates a new object repository
func NewObjectRepository(db *gorm.DB) *ObjectRepositoryImpl {
	return &ObjectRepositoryImpl{db: db}
}

func (r *ObjectRepositoryImpl) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

// Atomic runs fn in a transaction. Any error rolls every write back.
func (r *ObjectRepositoryImpl) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// Create inserts a new object. The KSUID is generated in the BeforeCreate hook
func (r *ObjectRepositoryImpl) Create(ctx context.Context, subclass string, patch *models.FieldPatch) (*models.StoredObject, error) {
	obj := &models.StoredObject{Subclass: subclass}
	patch.Apply(obj)

	if err := r.conn(ctx).Create(obj).Error; err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", subclass, err)
	}
	return obj, nil
}

// GetByID retrieves an object. Soft-deleted objects are excluded
func (r *ObjectRepositoryImpl) GetByID(ctx context.Context, subclass, id string) (*models.StoredObject, error) {
	var obj models.StoredObject

	err := r.conn(ctx).First(&obj, "id = ? AND subclass = ?", id, subclass).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", subclass, id, models.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", subclass, id, err)
	}
	return &obj, nil
}

// ListBySubclass returns every live object of subclass in id order
func (r *ObjectRepositoryImpl) ListBySubclass(ctx context.Context, subclass string) ([]*models.StoredObject, error) {
	var objs []*models.StoredObject

	err := r.conn(ctx).
		Where("subclass = ?", subclass).
		Order("id ASC").
		Find(&objs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", subclass, err)
	}
	return objs, nil
}

// Patch merges patch into a stored object
func (r *ObjectRepositoryImpl) Patch(ctx context.Context, subclass, id string, patch *models.FieldPatch) error {
	return r.Atomic(ctx, func(ctx context.Context) error {
		obj, err := r.GetByID(ctx, subclass, id)
		if err != nil {
			return err
		}
		patch.Apply(obj)

		// Learning: struct updates go through the json serializer, maps do not
		err = r.conn(ctx).Model(obj).Select("fields", "versions").Updates(obj).Error
		if err != nil {
			return fmt.Errorf("failed to update %s/%s: %w", subclass, id, err)
		}
		return nil
	})
}

// Delete soft-deletes an object
func (r *ObjectRepositoryImpl) Delete(ctx context.Context, subclass, id string) error {
	result := r.conn(ctx).Where("id = ? AND subclass = ?", id, subclass).Delete(&models.StoredObject{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", subclass, id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%s/%s: %w", subclass, id, models.ErrObjectNotFound)
	}
	return nil
}

// Purge permanently removes soft-deleted rows
// Learning: Unscoped() bypasses the soft delete filter
func (r *ObjectRepositoryImpl) Purge(ctx context.Context) (int64, error) {
	result := r.conn(ctx).Unscoped().Where("deleted_at IS NOT NULL").Delete(&models.StoredObject{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge deleted objects: %w", result.Error)
	}
	return result.RowsAffected, nil
}
