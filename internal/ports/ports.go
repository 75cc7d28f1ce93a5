package ports

import (
	"context"
	"time"

	"libresync/internal/domain"
)

// ReadingStore persists readings keyed by their dedup key. Upsert must be safe
// under concurrent calls with the same key.
type ReadingStore interface {
	Upsert(ctx context.Context, reading domain.Reading, dedupKey time.Time) (wasNew bool, err error)
}

// SyncLogStore records sync runs. LastSyncLog returns nil when nothing was recorded.
type SyncLogStore interface {
	SaveSyncLog(ctx context.Context, log domain.SyncLog) error
	LastSyncLog(ctx context.Context) (*domain.SyncLog, error)
}

// Store is what the sync service needs from a backend.
type Store interface {
	ReadingStore
	SyncLogStore
}

// Requester issues authenticated provider calls.
type Requester interface {
	Request(ctx context.Context, method, path string, body interface{}) ([]byte, error)
}

// Syncer runs one full sync cycle.
type Syncer interface {
	Sync(ctx context.Context) (domain.SyncLog, error)
}
