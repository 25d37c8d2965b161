package collaboration

import (
	"context"

	"livesync/internal/engine"
	"livesync/internal/models"
)

// Engine is what the transports need from the sync engine
type Engine interface {
	Init(ctx context.Context, token string, conn engine.Connection) (*models.EmptyResponse, error)
	Disconnect(token string, conn engine.Connection)
	Watch(ctx context.Context, token, subclass string, respond func(*models.WatchResponse)) error
	Unwatch(ctx context.Context, token, id string) (*models.EmptyResponse, error)
	Forget(ctx context.Context, token string, specs []models.RefSpec) (*models.ForgetResponse, error)
	Sync(ctx context.Context, token string, req *models.SyncRequest) (*models.SyncResponse, error)
}
