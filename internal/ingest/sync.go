package ingest

import (
	"context"
	"time"

	"libresync/internal/domain"
	"libresync/internal/ports"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SyncObserver receives every finished sync log.
type SyncObserver interface {
	ObserveSync(log domain.SyncLog)
}

// SyncService runs resolve, fetch and store as one recorded sync.
type SyncService struct {
	log      *zap.SugaredLogger
	engine   *Engine
	store    ports.Store
	observer SyncObserver
	now      func() time.Time
}

type SyncOption func(*SyncService)

func WithSyncObserver(o SyncObserver) SyncOption {
	return func(s *SyncService) {
		s.observer = o
	}
}

func NewSyncService(log *zap.SugaredLogger, engine *Engine, store ports.Store, opts ...SyncOption) *SyncService {
	s := &SyncService{
		log:    log.With("component", "sync"),
		engine: engine,
		store:  store,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync stores the readings currently offered by the provider and records a sync log,
// successful or not. The error is the sync failure, not a log write failure.
func (s *SyncService) Sync(ctx context.Context) (domain.SyncLog, error) {
	started := s.now()
	entry := domain.SyncLog{ID: uuid.NewString(), StartedAt: started}

	err := s.run(ctx, &entry)
	entry.Duration = s.now().Sub(started)
	entry.Success = err == nil

	if err != nil {
		entry.ErrorMessage = err.Error()
		s.log.Errorw("sync failed", "syncId", entry.ID, "error", err, "hint", hint(err))
	} else {
		s.log.Infow("sync completed",
			"syncId", entry.ID,
			"fetched", entry.ReadingsFetched,
			"inserted", entry.ReadingsInserted,
			"duplicates", entry.Duplicates,
			"duration", entry.Duration,
		)
	}

	if logErr := s.store.SaveSyncLog(ctx, entry); logErr != nil {
		s.log.Warnw("failed to record sync log", "syncId", entry.ID, "error", logErr)
	}
	if s.observer != nil {
		s.observer.ObserveSync(entry)
	}

	return entry, err
}

func (s *SyncService) run(ctx context.Context, entry *domain.SyncLog) error {
	c, err := s.engine.Connection(ctx)
	if err != nil {
		return err
	}

	res, err := s.engine.FetchOnce(ctx, c.ID)
	if err != nil {
		return err
	}

	batch := Batch(res)
	unique := Unique(batch)
	entry.ReadingsFetched = len(unique)
	if len(unique) > 0 {
		first, last := unique[0].Timestamp, unique[len(unique)-1].Timestamp
		entry.FirstReadingAt, entry.LastReadingAt = &first, &last
	}

	result, err := s.engine.StoreBatch(ctx, batch, s.store)
	entry.ReadingsInserted = result.Inserted
	entry.Duplicates = result.Duplicates
	return err
}

func hint(err error) string {
	switch {
	case errors.Is(err, domain.ErrBadCredentials):
		return "check the LibreLinkUp (not LibreLink) username and password"
	case errors.Is(err, domain.ErrStepUpRequired):
		return "log in with the LibreLinkUp app and complete the required steps"
	case errors.Is(err, domain.ErrNoConnections):
		return "start following a patient in the LibreLinkUp app"
	case errors.Is(err, domain.ErrConnectionNotFound):
		return "check the configured connection identifier"
	case errors.Is(err, domain.ErrTransient):
		return "provider unavailable, retry later"
	case errors.Is(err, domain.ErrMalformedResponse):
		return "provider response changed, readings were not stored"
	default:
		return ""
	}
}
