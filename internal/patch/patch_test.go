package patch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"healthlink_gateway/internal/cache"
	"healthlink_gateway/internal/fetch"
	"healthlink_gateway/internal/identity"
	"healthlink_gateway/internal/inflight"
	"healthlink_gateway/internal/provider"
	"healthlink_gateway/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func named(names ...string) []fetch.Record {
	out := []fetch.Record{}
	for _, n := range names {
		out = append(out, fetch.Record{"medicineNm": n})
	}
	return out
}

func unnamed(n int) []fetch.Record {
	out := []fetch.Record{}
	for i := 0; i < n; i++ {
		out = append(out, fetch.Record{"hospitalNm": "clinic"})
	}
	return out
}

func TestDetectMissing(t *testing.T) {
	tests := []struct {
		name             string
		base             *fetch.Normalized
		expectedTargets  []types.Target
		expectedBackfill bool
	}{
		{
			name:            "nothing_populated",
			base:            nil,
			expectedTargets: []types.Target{types.TargetMedication, types.TargetCheckupOverview},
		},
		{
			name: "confirmed_empty_is_not_missing",
			base: &fetch.Normalized{
				Medication: &fetch.RecordSet{Rows: []fetch.Record{}},
				Checkup:    &fetch.Checkup{Overview: []fetch.Record{}},
			},
		},
		{
			name: "medication_never_populated",
			base: &fetch.Normalized{
				Medication: &fetch.RecordSet{},
				Checkup:    &fetch.Checkup{Overview: []fetch.Record{{"sbp": "120"}}},
			},
			expectedTargets: []types.Target{types.TargetMedication},
		},
		{
			name: "medication_without_names",
			base: &fetch.Normalized{
				Medication: &fetch.RecordSet{Rows: unnamed(2)},
				Checkup:    &fetch.Checkup{List: []fetch.Record{}},
			},
			expectedTargets:  []types.Target{types.TargetMedication},
			expectedBackfill: true,
		},
		{
			name: "checkup_missing",
			base: &fetch.Normalized{
				Medication: &fetch.RecordSet{Rows: named("aspirin")},
			},
			expectedTargets: []types.Target{types.TargetCheckupOverview},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			needs := DetectMissing(tt.base)
			assert.Equal(t, tt.expectedTargets, needs.Targets)
			assert.Equal(t, tt.expectedBackfill, needs.MedicationNameBackfill)
		})
	}
}

func TestMerge_KeepsExistingMedicationNames(t *testing.T) {
	base := &fetch.Normalized{
		Medication: &fetch.RecordSet{Rows: named("aspirin", "metformin")},
		Checkup:    &fetch.Checkup{List: []fetch.Record{{"year": "2024"}}},
	}
	sparse := &fetch.Normalized{
		Medication: &fetch.RecordSet{Rows: unnamed(3)},
		Checkup:    &fetch.Checkup{Overview: []fetch.Record{{"sbp": "120"}}},
	}

	t.Run("backfill_with_sparse_patch", func(t *testing.T) {
		merged := Merge(base, sparse, Needs{
			Targets:                []types.Target{types.TargetMedication},
			MedicationNameBackfill: true,
		})
		assert.Equal(t, named("aspirin", "metformin"), merged.Medication.Rows)
	})

	t.Run("medication_not_requested", func(t *testing.T) {
		merged := Merge(base, sparse, Needs{Targets: []types.Target{types.TargetCheckupOverview}})
		assert.Equal(t, named("aspirin", "metformin"), merged.Medication.Rows)
		assert.Equal(t, []fetch.Record{{"sbp": "120"}}, merged.Checkup.Overview)
		assert.Equal(t, []fetch.Record{{"year": "2024"}}, merged.Checkup.List)
		assert.Nil(t, base.Checkup.Overview, "base must not be mutated")
	})

	t.Run("patch_with_names_promoted", func(t *testing.T) {
		baseUnnamed := &fetch.Normalized{Medication: &fetch.RecordSet{Rows: unnamed(1)}}
		merged := Merge(baseUnnamed, &fetch.Normalized{Medication: &fetch.RecordSet{Rows: named("insulin")}}, Needs{
			Targets:                []types.Target{types.TargetMedication},
			MedicationNameBackfill: true,
		})
		assert.Equal(t, named("insulin"), merged.Medication.Rows)
	})
}

// Mock для fetch.Orchestrator
type mockExecutor struct {
	mu          sync.Mutex
	calls       int
	executeFunc func(ctx context.Context, in fetch.Input) *fetch.Result
}

func (m *mockExecutor) Execute(ctx context.Context, in fetch.Input) *fetch.Result {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.executeFunc(ctx, in)
}

type testEnv struct {
	now      time.Time
	layered  *cache.Layered
	hasher   *identity.Hasher
	executor *mockExecutor
	merger   *Merger
}

func newTestEnv(t *testing.T, result *fetch.Result) *testEnv {
	env := &testEnv{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.now }
	memory := cache.NewMemory(cache.MemoryConfig{MaxEntries: 100, HistoryGrace: 90 * 24 * time.Hour}, clock)
	env.layered = cache.NewLayered(memory, nil, cache.DefaultTTLPolicy(), zaptest.NewLogger(t), clock)
	env.hasher = identity.NewHasher("salt")
	env.executor = &mockExecutor{executeFunc: func(ctx context.Context, in fetch.Input) *fetch.Result { return result }}
	env.merger = NewMerger(env.layered, env.executor, env.hasher, inflight.NewGroup(zaptest.NewLogger(t)), zaptest.NewLogger(t))
	return env
}

func (env *testEnv) seed(t *testing.T, req Request, targets []types.Target, res *fetch.Result) {
	key := env.hasher.BuildRequestKey(identity.RequestInput{
		IdentityHash: req.IdentityHash,
		Targets:      types.TargetNames(targets),
		YearLimit:    req.YearLimit,
		SubjectType:  req.SubjectType,
	})
	payload, err := json.Marshal(res)
	require.NoError(t, err)
	env.layered.Write(context.Background(), &types.CacheEntry{
		AppUserID:    req.AppUserID,
		IdentityHash: req.IdentityHash,
		RequestHash:  key.RequestHash,
		Targets:      key.NormalizedTargets,
		YearLimit:    req.YearLimit,
		SubjectType:  req.SubjectType,
		OK:           res.OK,
		Payload:      payload,
	})
}

func okResult(n *fetch.Normalized) *fetch.Result {
	return &fetch.Result{OK: true, Failed: []fetch.FailedTarget{}, Normalized: n}
}

func TestPatch_ResolutionOrder(t *testing.T) {
	req := Request{AppUserID: "user-1", IdentityHash: "ident", YearLimit: 1, SubjectType: "00"}
	overview := &fetch.Normalized{Checkup: &fetch.Checkup{Overview: []fetch.Record{{"sbp": "118"}}}}
	base := &fetch.Normalized{Medication: &fetch.RecordSet{Rows: named("aspirin")}}
	missing := []types.Target{types.TargetCheckupOverview}

	t.Run("fresh_cache", func(t *testing.T) {
		env := newTestEnv(t, okResult(nil))
		env.seed(t, req, missing, okResult(overview))

		merged, res := env.merger.Patch(context.Background(), base, req)
		require.NotNil(t, res)
		assert.Equal(t, SourceCache, res.Source)
		assert.Equal(t, overview.Checkup.Overview, merged.Checkup.Overview)
		assert.Equal(t, 0, env.executor.calls)
	})

	t.Run("history_cache_is_stale", func(t *testing.T) {
		env := newTestEnv(t, okResult(nil))
		env.seed(t, req, missing, okResult(overview))
		env.now = env.now.Add(13 * time.Hour)

		_, res := env.merger.Patch(context.Background(), base, req)
		require.NotNil(t, res)
		assert.Equal(t, SourceCacheHistory, res.Source)
		assert.True(t, res.Stale)
		assert.Equal(t, 0, env.executor.calls)
	})

	t.Run("no_cache_no_credential", func(t *testing.T) {
		env := newTestEnv(t, okResult(overview))

		merged, res := env.merger.Patch(context.Background(), base, Request{
			AppUserID: req.AppUserID, IdentityHash: req.IdentityHash, YearLimit: 1, SubjectType: "00", AllowNetwork: true,
		})
		assert.Nil(t, res)
		assert.Same(t, base, merged)
		assert.Equal(t, 0, env.executor.calls)
	})

	t.Run("network_with_credential", func(t *testing.T) {
		env := newTestEnv(t, okResult(overview))
		withSession := req
		withSession.AllowNetwork = true
		withSession.BasePayload = provider.Payload{"cookieData": "c"}

		merged, res := env.merger.Patch(context.Background(), base, withSession)
		require.NotNil(t, res)
		assert.Equal(t, SourceNetwork, res.Source)
		assert.Equal(t, 1, env.executor.calls)
		assert.Equal(t, named("aspirin"), merged.Medication.Rows)
		assert.Equal(t, overview.Checkup.Overview, merged.Checkup.Overview)

		// результат сети закэширован
		_, again := env.merger.Patch(context.Background(), base, withSession)
		require.NotNil(t, again)
		assert.Equal(t, SourceCache, again.Source)
		assert.Equal(t, 1, env.executor.calls)
	})
}

func TestResolve_RequiresMedicationNamesForBackfill(t *testing.T) {
	req := Request{
		AppUserID:    "user-1",
		IdentityHash: "ident",
		YearLimit:    1,
		SubjectType:  "00",
		AllowNetwork: true,
		BasePayload:  provider.Payload{"cookieData": "c"},
	}
	env := newTestEnv(t, okResult(&fetch.Normalized{Medication: &fetch.RecordSet{Rows: unnamed(2)}}))
	env.seed(t, req, []types.Target{types.TargetMedication}, okResult(&fetch.Normalized{
		Medication: &fetch.RecordSet{Rows: unnamed(4)},
	}))

	res := env.merger.Resolve(context.Background(), Needs{
		Targets:                []types.Target{types.TargetMedication},
		MedicationNameBackfill: true,
	}, req)

	assert.Nil(t, res)
	assert.Equal(t, 1, env.executor.calls)
}

func failedResult() *fetch.Result {
	return &fetch.Result{
		OK:           false,
		ErrorCode:    "E9",
		ErrorMessage: "upstream unavailable",
		Failed:       []fetch.FailedTarget{{Target: types.TargetCheckupOverview, ErrorCode: "E9"}},
	}
}

func TestResolve_RecentFailureIsTerminal(t *testing.T) {
	req := Request{
		AppUserID:    "user-1",
		IdentityHash: "ident",
		YearLimit:    1,
		SubjectType:  "00",
		AllowNetwork: true,
		BasePayload:  provider.Payload{"cookieData": "c"},
	}
	needs := Needs{Targets: []types.Target{types.TargetCheckupOverview}}

	t.Run("network_failure_cached", func(t *testing.T) {
		env := newTestEnv(t, failedResult())

		assert.Nil(t, env.merger.Resolve(context.Background(), needs, req))
		assert.Nil(t, env.merger.Resolve(context.Background(), needs, req))
		assert.Nil(t, env.merger.Resolve(context.Background(), needs, req))
		assert.Equal(t, 1, env.executor.calls)
	})

	t.Run("seeded_failure", func(t *testing.T) {
		env := newTestEnv(t, okResult(&fetch.Normalized{Checkup: &fetch.Checkup{Overview: []fetch.Record{{"sbp": "118"}}}}))
		env.seed(t, req, needs.Targets, failedResult())

		assert.Nil(t, env.merger.Resolve(context.Background(), needs, req))
		assert.Equal(t, 0, env.executor.calls)
	})

	t.Run("expired_failure_retried", func(t *testing.T) {
		overview := &fetch.Normalized{Checkup: &fetch.Checkup{Overview: []fetch.Record{{"sbp": "118"}}}}
		env := newTestEnv(t, okResult(overview))
		env.seed(t, req, needs.Targets, failedResult())
		env.now = env.now.Add(time.Hour)

		res := env.merger.Resolve(context.Background(), needs, req)
		require.NotNil(t, res)
		assert.Equal(t, SourceNetwork, res.Source)
		assert.Equal(t, 1, env.executor.calls)
	})
}

func TestResolve_ConcurrentCallsShareOneFetch(t *testing.T) {
	overview := &fetch.Normalized{Checkup: &fetch.Checkup{Overview: []fetch.Record{{"sbp": "118"}}}}
	env := newTestEnv(t, nil)
	release := make(chan struct{})
	env.executor.executeFunc = func(ctx context.Context, in fetch.Input) *fetch.Result {
		<-release
		return okResult(overview)
	}
	req := Request{
		AppUserID:    "user-1",
		IdentityHash: "ident",
		YearLimit:    1,
		SubjectType:  "00",
		AllowNetwork: true,
		BasePayload:  provider.Payload{"cookieData": "c"},
	}
	needs := Needs{Targets: []types.Target{types.TargetCheckupOverview}}

	const callers = 5
	results := make([]*Resolution, callers)
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i] = env.merger.Resolve(context.Background(), needs, req)
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	assert.Equal(t, 1, env.executor.calls)
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, overview.Checkup.Overview, res.Result.Normalized.Checkup.Overview)
	}
}
