// Package ingest fetches, normalizes, deduplicates and stores glucose readings.
package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"libresync/internal/domain"
	"libresync/internal/librelink"
	"libresync/internal/normalize"
	"libresync/internal/ports"
	"libresync/internal/resolver"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// GraphClient is the provider surface the engine needs.
type GraphClient interface {
	Connections(ctx context.Context) ([]domain.Connection, error)
	Graph(ctx context.Context, connectionID string) (librelink.GraphData, error)
}

// Recorder receives ingestion outcomes, typically a metrics sink.
type Recorder interface {
	ObserveStore(result domain.StoreResult)
	ObserveFetchError(err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveStore(domain.StoreResult) {}
func (nopRecorder) ObserveFetchError(error)         {}

type Engine struct {
	log        *zap.SugaredLogger
	client     GraphClient
	normalizer *normalize.Normalizer
	selector   resolver.Selector
	recorder   Recorder

	mu         sync.Mutex
	connection *domain.Connection
}

type Option func(*Engine)

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

func NewEngine(log *zap.SugaredLogger, client GraphClient, normalizer *normalize.Normalizer, selector resolver.Selector, opts ...Option) *Engine {
	e := &Engine{
		log:        log.With("component", "ingest"),
		client:     client,
		normalizer: normalizer,
		selector:   selector,
		recorder:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ResolveConnection lists the account's connections and selects one, replacing the cached choice.
func (e *Engine) ResolveConnection(ctx context.Context) (domain.Connection, error) {
	connections, err := e.client.Connections(ctx)
	if err != nil {
		e.recorder.ObserveFetchError(err)
		return domain.Connection{}, err
	}

	c, err := resolver.ResolveConnection(connections, e.selector)
	if err != nil {
		return domain.Connection{}, err
	}

	e.mu.Lock()
	e.connection = &c
	e.mu.Unlock()

	e.log.Infow("resolved connection", "connectionId", c.ID, "selector", e.selector.String(), "available", len(connections))
	return c, nil
}

// Connection returns the cached connection, resolving it on first use.
func (e *Engine) Connection(ctx context.Context) (domain.Connection, error) {
	e.mu.Lock()
	c := e.connection
	e.mu.Unlock()

	if c != nil {
		return *c, nil
	}
	return e.ResolveConnection(ctx)
}

// FetchOnce performs one graph request and returns the normalized current reading and the
// history sorted ascending by timestamp.
func (e *Engine) FetchOnce(ctx context.Context, connectionID string) (domain.FetchResult, error) {
	graph, err := e.client.Graph(ctx, connectionID)
	if err != nil {
		e.recorder.ObserveFetchError(err)
		return domain.FetchResult{}, err
	}
	if graph.Connection == nil || graph.Connection.GlucoseMeasurement == nil {
		err = domain.Malformed("graph", errors.New("missing connection glucose measurement"))
		e.recorder.ObserveFetchError(err)
		return domain.FetchResult{}, err
	}

	n := e.normalizer
	if rng := normalize.RangeOf(graph.Connection.Connection); rng.Low > 0 || rng.High > 0 {
		n = n.WithRange(rng)
	}

	current, err := n.Current(*graph.Connection.GlucoseMeasurement)
	if err != nil {
		err = domain.Malformed("normalize current", err)
		e.recorder.ObserveFetchError(err)
		return domain.FetchResult{}, err
	}

	history, err := n.History(graph.GraphData)
	if err != nil {
		err = domain.Malformed("normalize history", err)
		e.recorder.ObserveFetchError(err)
		return domain.FetchResult{}, err
	}
	SortReadings(history)

	return domain.FetchResult{Current: current, History: history}, nil
}

// FetchAndStore fetches once and upserts every reading by dedup key. It is idempotent over
// overlapping history windows.
func (e *Engine) FetchAndStore(ctx context.Context, connectionID string, store ports.ReadingStore) (domain.StoreResult, error) {
	res, err := e.FetchOnce(ctx, connectionID)
	if err != nil {
		return domain.StoreResult{}, err
	}
	return e.StoreBatch(ctx, Batch(res), store)
}

// StoreBatch upserts readings in order. Readings repeating a key already seen in the batch
// count as duplicates without reaching the store.
func (e *Engine) StoreBatch(ctx context.Context, batch []domain.Reading, store ports.ReadingStore) (domain.StoreResult, error) {
	var result domain.StoreResult
	seen := make(map[time.Time]struct{}, len(batch))

	for _, r := range batch {
		key := r.DedupKey()
		if _, ok := seen[key]; ok {
			result.Duplicates++
			continue
		}
		seen[key] = struct{}{}

		wasNew, err := store.Upsert(ctx, r, key)
		if err != nil {
			e.recorder.ObserveStore(result)
			return result, errors.Wrapf(err, "failed to store reading at %s", key.Format(time.RFC3339))
		}
		if wasNew {
			result.Inserted++
		} else {
			result.Duplicates++
		}
	}

	e.recorder.ObserveStore(result)
	e.log.Infow("stored readings", "inserted", result.Inserted, "duplicates", result.Duplicates, "batch", len(batch))
	return result, nil
}

// Fetch fetches once for the cached connection.
func (e *Engine) Fetch(ctx context.Context) (domain.FetchResult, error) {
	c, err := e.Connection(ctx)
	if err != nil {
		return domain.FetchResult{}, err
	}
	return e.FetchOnce(ctx, c.ID)
}

// Latest returns up to n of the most recent readings of the cached connection, oldest first.
func (e *Engine) Latest(ctx context.Context, n int) ([]domain.Reading, error) {
	res, err := e.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	readings := Unique(Batch(res))
	if n > 0 && len(readings) > n {
		readings = readings[len(readings)-n:]
	}
	return readings, nil
}

// Batch merges the current reading into the history unless the history already holds its key.
// The result is sorted ascending.
func Batch(res domain.FetchResult) []domain.Reading {
	batch := make([]domain.Reading, 0, len(res.History)+1)
	batch = append(batch, res.History...)

	currentKey := res.Current.DedupKey()
	for _, r := range res.History {
		if r.DedupKey().Equal(currentKey) {
			return batch
		}
	}

	batch = append(batch, res.Current)
	SortReadings(batch)
	return batch
}

// Unique drops readings whose key was already seen, keeping the first.
func Unique(readings []domain.Reading) []domain.Reading {
	seen := make(map[time.Time]struct{}, len(readings))
	out := make([]domain.Reading, 0, len(readings))
	for _, r := range readings {
		key := r.DedupKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

// SortReadings sorts ascending by timestamp; ties keep their original order.
func SortReadings(readings []domain.Reading) {
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})
}
