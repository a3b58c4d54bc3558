package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"healthlink_gateway/types"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sampleState() *types.SessionState {
	saved := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return &types.SessionState{
		PendingAuth: &types.PendingAuth{
			LoginMethod: "EASY",
			LoginOrgCd:  "kakao",
			ResNm:       "Hong",
			ResNo:       "19900101",
			MobileNo:    "01012345678",
			SavedAt:     saved,
		},
		SignAttempts: []time.Time{saved.Add(time.Minute)},
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "", 0)
	defer client.Close()

	store := NewRedisStore(client, time.Hour, zaptest.NewLogger(t))
	ctx := context.Background()

	t.Run("missing_session_is_empty", func(t *testing.T) {
		state, err := store.Load(ctx, "unknown")
		require.NoError(t, err)
		assert.Nil(t, state.PendingAuth)
		assert.Empty(t, state.SignAttempts)
	})

	t.Run("round_trip_with_ttl", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "sid-1", sampleState()))

		assert.True(t, mr.Exists("healthlink:session:sid-1"))
		assert.Equal(t, time.Hour, mr.TTL("healthlink:session:sid-1"))

		state, err := store.Load(ctx, "sid-1")
		require.NoError(t, err)
		require.NotNil(t, state.PendingAuth)
		assert.Equal(t, "kakao", state.PendingAuth.LoginOrgCd)
		assert.True(t, state.PendingAuth.SavedAt.Equal(sampleState().PendingAuth.SavedAt))
		assert.Len(t, state.SignAttempts, 1)
	})

	t.Run("expired_session", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "sid-2", sampleState()))
		mr.FastForward(2 * time.Hour)

		state, err := store.Load(ctx, "sid-2")
		require.NoError(t, err)
		assert.Nil(t, state.PendingAuth)
	})

	t.Run("corrupted_state_is_discarded", func(t *testing.T) {
		require.NoError(t, mr.Set("healthlink:session:sid-3", "{not json"))
		state, err := store.Load(ctx, "sid-3")
		require.NoError(t, err)
		assert.Nil(t, state.PendingAuth)
	})

	t.Run("redis_unavailable", func(t *testing.T) {
		mr.SetError("LOADING")
		defer mr.SetError("")
		_, err := store.Load(ctx, "sid-1")
		assert.Error(t, err)
	})
}

// appendAttempt добавляет попытку подписи, ничего не пропуская
func appendAttempt(at time.Time) func(state *types.SessionState) bool {
	return func(state *types.SessionState) bool {
		state.SignAttempts = append(state.SignAttempts, at)
		return true
	}
}

func concurrentAppends(t *testing.T, store Store, sessionID string, callers int) {
	t.Helper()
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Update(context.Background(), sessionID, appendAttempt(at.Add(time.Duration(i)*time.Second)))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestRedisStore_Update(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "", 0)
	defer client.Close()

	store := NewRedisStore(client, time.Hour, zaptest.NewLogger(t))
	ctx := context.Background()

	t.Run("creates_missing_session", func(t *testing.T) {
		require.NoError(t, store.Update(ctx, "new", appendAttempt(time.Now())))

		state, err := store.Load(ctx, "new")
		require.NoError(t, err)
		assert.Len(t, state.SignAttempts, 1)
		assert.Equal(t, time.Hour, mr.TTL("healthlink:session:new"))
	})

	t.Run("false_skips_write", func(t *testing.T) {
		err := store.Update(ctx, "untouched", func(state *types.SessionState) bool {
			state.PendingAuth = sampleState().PendingAuth
			return false
		})
		require.NoError(t, err)
		assert.False(t, mr.Exists("healthlink:session:untouched"))
	})

	t.Run("concurrent_updates_are_not_lost", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "busy", sampleState()))

		concurrentAppends(t, store, "busy", maxUpdateRetries)

		state, err := store.Load(ctx, "busy")
		require.NoError(t, err)
		assert.Len(t, state.SignAttempts, 1+maxUpdateRetries)
		assert.NotNil(t, state.PendingAuth)
	})

	t.Run("persistent_conflict", func(t *testing.T) {
		calls := 0
		err := store.Update(ctx, "contended", func(state *types.SessionState) bool {
			calls++
			// запись в ключ после WATCH срывает транзакцию
			require.NoError(t, mr.Set("healthlink:session:contended", "{}"))
			return true
		})
		assert.ErrorIs(t, err, ErrUpdateConflict)
		assert.Equal(t, maxUpdateRetries, calls)
	})

	t.Run("redis_unavailable", func(t *testing.T) {
		mr.SetError("LOADING")
		defer mr.SetError("")
		err := store.Update(ctx, "busy", appendAttempt(time.Now()))
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrUpdateConflict)
	})
}

func TestMemoryStore_Update(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "sid", sampleState()))

	concurrentAppends(t, store, "sid", 20)

	state, err := store.Load(ctx, "sid")
	require.NoError(t, err)
	assert.Len(t, state.SignAttempts, 21)

	require.NoError(t, store.Update(ctx, "other", func(state *types.SessionState) bool { return false }))
	_, stored := store.sessions["other"]
	assert.False(t, stored)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state, err := store.Load(ctx, "sid")
	require.NoError(t, err)
	assert.Nil(t, state.PendingAuth)

	require.NoError(t, store.Save(ctx, "sid", sampleState()))
	loaded, err := store.Load(ctx, "sid")
	require.NoError(t, err)
	assert.Equal(t, "Hong", loaded.PendingAuth.ResNm)

	// изменение загруженного состояния не влияет на сохранённое
	loaded.PendingAuth = nil
	again, err := store.Load(ctx, "sid")
	require.NoError(t, err)
	assert.NotNil(t, again.PendingAuth)
}
