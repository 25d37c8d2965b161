package api

import (
	"context"

	"livesync/internal/engine"
	"livesync/internal/models"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api) is the CONSUMER of the sync engine, so the interface it
needs lives HERE. Handlers can be tested against a fake engine, and the
engine package knows nothing about HTTP.
*/

// SyncEngine defines what handlers need from the engine
type SyncEngine interface {
	Init(ctx context.Context, token string, conn engine.Connection) (*models.EmptyResponse, error)
	Connect(token string, conn engine.Connection) error
	Watch(ctx context.Context, token, subclass string, respond func(*models.WatchResponse)) error
	Unwatch(ctx context.Context, token, id string) (*models.EmptyResponse, error)
	Forget(ctx context.Context, token string, specs []models.RefSpec) (*models.ForgetResponse, error)
	Sync(ctx context.Context, token string, req *models.SyncRequest) (*models.SyncResponse, error)
	Stats() engine.Stats
}
