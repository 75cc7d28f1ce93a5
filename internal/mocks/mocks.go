// Package mocks holds testify mocks of the ports.
package mocks

import (
	"context"
	"time"

	"libresync/internal/domain"
	"libresync/internal/librelink"

	"github.com/stretchr/testify/mock"
)

type Store struct {
	mock.Mock
}

func (m *Store) Upsert(ctx context.Context, reading domain.Reading, dedupKey time.Time) (bool, error) {
	args := m.Called(ctx, reading, dedupKey)
	return args.Bool(0), args.Error(1)
}

func (m *Store) SaveSyncLog(ctx context.Context, log domain.SyncLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *Store) LastSyncLog(ctx context.Context) (*domain.SyncLog, error) {
	args := m.Called(ctx)
	log, _ := args.Get(0).(*domain.SyncLog)
	return log, args.Error(1)
}

type GraphClient struct {
	mock.Mock
}

func (m *GraphClient) Connections(ctx context.Context) ([]domain.Connection, error) {
	args := m.Called(ctx)
	connections, _ := args.Get(0).([]domain.Connection)
	return connections, args.Error(1)
}

func (m *GraphClient) Graph(ctx context.Context, connectionID string) (librelink.GraphData, error) {
	args := m.Called(ctx, connectionID)
	graph, _ := args.Get(0).(librelink.GraphData)
	return graph, args.Error(1)
}

type Syncer struct {
	mock.Mock
}

func (m *Syncer) Sync(ctx context.Context) (domain.SyncLog, error) {
	args := m.Called(ctx)
	log, _ := args.Get(0).(domain.SyncLog)
	return log, args.Error(1)
}

type Requester struct {
	mock.Mock
}

func (m *Requester) Request(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	args := m.Called(ctx, method, path, body)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}
