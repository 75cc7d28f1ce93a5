package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"libresync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func TestUpsert(t *testing.T) {
	store := NewStore()

	wasNew, err := store.Upsert(context.Background(), domain.Reading{Value: 100, Timestamp: key.Add(time.Minute)}, key.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, wasNew)

	wasNew, err = store.Upsert(context.Background(), domain.Reading{Value: 90, Timestamp: key}, key)
	require.NoError(t, err)
	assert.True(t, wasNew)

	wasNew, err = store.Upsert(context.Background(), domain.Reading{Value: 101, Timestamp: key.Add(time.Minute)}, key.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, wasNew)

	readings := store.Readings()
	require.Len(t, readings, 2)
	assert.Equal(t, 90.0, readings[0].Value)
	assert.Equal(t, 100.0, readings[1].Value)
}

func TestUpsert_ConcurrentSameKey(t *testing.T) {
	store := NewStore()

	var wg sync.WaitGroup
	results := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wasNew, _ := store.Upsert(context.Background(), domain.Reading{Value: 100, Timestamp: key}, key)
			results <- wasNew
		}()
	}
	wg.Wait()
	close(results)

	inserted := 0
	for wasNew := range results {
		if wasNew {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)
	assert.Equal(t, 1, store.Count())
}

func TestSaveSyncLog(t *testing.T) {
	store := NewStore()

	require.NoError(t, store.SaveSyncLog(context.Background(), domain.SyncLog{ID: "a"}))
	require.NoError(t, store.SaveSyncLog(context.Background(), domain.SyncLog{ID: "b"}))

	logs := store.SyncLogs()
	require.Len(t, logs, 2)
	assert.Equal(t, "b", logs[1].ID)
}

func TestLastSyncLog(t *testing.T) {
	store := NewStore()

	last, err := store.LastSyncLog(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, store.SaveSyncLog(context.Background(), domain.SyncLog{ID: "a", StartedAt: key.Add(time.Minute)}))
	require.NoError(t, store.SaveSyncLog(context.Background(), domain.SyncLog{ID: "b", StartedAt: key}))

	last, err = store.LastSyncLog(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "a", last.ID)
}
