package services

import (
	"context"

	"livesync/internal/models"
)

/*
LEARNING: GO INTERFACE BEST PRACTICE

"Accept interfaces, return structs" - Rob Pike

This package (services) is the CONSUMER of repositories, so the repository
interface lives here. The GORM repository and the in-memory one both satisfy
it without knowing it exists.
*/

// ObjectRepository defines what the object store needs from persistence
type ObjectRepository interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
	Create(ctx context.Context, subclass string, patch *models.FieldPatch) (*models.StoredObject, error)
	GetByID(ctx context.Context, subclass, id string) (*models.StoredObject, error)
	ListBySubclass(ctx context.Context, subclass string) ([]*models.StoredObject, error)
	Patch(ctx context.Context, subclass, id string, patch *models.FieldPatch) error
	Delete(ctx context.Context, subclass, id string) error
}
