package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/stefan/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileService(t *testing.T, policy string, max int) (*Service, *FileStore) {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "memory.json"))
	require.NoError(t, err)
	p, err := NewPolicy(policy, max)
	require.NoError(t, err)
	svc, err := NewService(store, p)
	require.NoError(t, err)
	return svc, store
}

func TestService_FirstEntryOnAbsentStore(t *testing.T) {
	svc, store := newFileService(t, PolicyAppend, 10)
	ctx := context.Background()

	initial, err := svc.Recall(ctx, baseNow)
	require.NoError(t, err)
	assert.Empty(t, initial)

	incoming := Record{Title: "birthday", Memory: "Bob's birthday is in May", LastUpdated: NewDate(baseNow)}
	_, err = svc.Apply(ctx, []Record{incoming}, baseNow)
	require.NoError(t, err)

	stored, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	got := stored[0]
	assert.Equal(t, incoming.Title, got.Title)
	assert.Equal(t, incoming.Memory, got.Memory)
	assert.Equal(t, incoming.LastUpdated.String(), got.LastUpdated.String())
	assert.Nil(t, got.ExpiresOn)
	assert.True(t, got.CreatedAt.Equal(baseNow), "creation time should be stamped on ingest")
	assert.NotEmpty(t, got.ID)
}

func TestService_AppendEvictsOldestAtCap(t *testing.T) {
	svc, store := newFileService(t, PolicyAppend, 10)
	ctx := context.Background()

	seed := make([]Record, 0, 10)
	for i := 0; i < 10; i++ {
		seed = append(seed, Record{
			ID:        fmt.Sprintf("mem-%d", i),
			Title:     fmt.Sprintf("fact %d", i),
			Memory:    "m",
			CreatedAt: baseNow.Add(time.Duration(i-20) * time.Minute),
		})
	}
	require.NoError(t, store.Save(ctx, seed))

	after, err := svc.Apply(ctx, []Record{{Title: "fresh", Memory: "new"}}, baseNow)
	require.NoError(t, err)
	require.Len(t, after, 10)

	ids := map[string]bool{}
	for _, r := range after {
		ids[r.ID] = true
	}
	assert.False(t, ids["mem-0"], "oldest record must be evicted")
	for i := 1; i < 10; i++ {
		assert.True(t, ids[fmt.Sprintf("mem-%d", i)])
	}
	assert.Equal(t, "fresh", after[len(after)-1].Title)
}

func TestAppendPolicy_CapKeepsMostRecentWithStableTies(t *testing.T) {
	p := &AppendPolicy{MaxRecords: 3}
	existing := []Record{
		{Title: "old", CreatedAt: baseNow.Add(-2 * time.Hour)},
		{Title: "tie-1", CreatedAt: baseNow.Add(-time.Hour)},
		{Title: "tie-2", CreatedAt: baseNow.Add(-time.Hour)},
	}
	delta := []Record{{Title: "new-1"}, {Title: "new-2"}}

	out := p.Merge(existing, delta, baseNow)

	require.Len(t, out, 3)
	assert.Equal(t, []string{"tie-2", "new-1", "new-2"}, []string{out[0].Title, out[1].Title, out[2].Title})
}

func TestAppendPolicy_RefiltersExpiredEntries(t *testing.T) {
	p := &AppendPolicy{MaxRecords: 10}
	existing := []Record{{Title: "stale", ExpiresOn: datePtr(t, "2026-10-01"), CreatedAt: baseNow.Add(-time.Hour)}}
	delta := []Record{
		{Title: "already expired", ExpiresOn: datePtr(t, "2026-10-17")},
		{Title: "keeps", ExpiresOn: datePtr(t, "2026-12-01")},
	}

	out := p.Merge(existing, delta, baseNow)
	require.Len(t, out, 1)
	assert.Equal(t, "keeps", out[0].Title)
}

func TestReplacePolicy_PreservesIdentityAndRefilters(t *testing.T) {
	p := &ReplacePolicy{MaxRecords: 10}
	created := baseNow.Add(-48 * time.Hour)
	existing := []Record{
		{ID: "mem-keep", Title: "Pet", Memory: "Alice has a cat", CreatedAt: created},
		{ID: "mem-drop", Title: "Trip", Memory: "Bob is in Rome", CreatedAt: created},
	}
	delta := []Record{
		{Title: "pet", Memory: "alice has a cat"},
		{Title: "Expired", Memory: "x", ExpiresOn: datePtr(t, "2026-10-10")},
		{Title: "Job", Memory: "Carol started a new job"},
	}

	out := p.Merge(existing, delta, baseNow)

	require.Len(t, out, 2)
	assert.Equal(t, "mem-keep", out[0].ID)
	assert.True(t, out[0].CreatedAt.Equal(created))
	assert.Equal(t, "Job", out[1].Title)
	assert.True(t, out[1].CreatedAt.Equal(baseNow))
}

func TestReplacePolicy_CollapsesRepeatedEntries(t *testing.T) {
	p := &ReplacePolicy{MaxRecords: 10}
	existing := []Record{{ID: "mem-keep", Title: "Pet", Memory: "Alice has a cat", CreatedAt: baseNow.Add(-time.Hour)}}
	delta := []Record{
		{Title: "Pet", Memory: "Alice has a cat"},
		{Title: "pet", Memory: "alice has a cat"},
		{Title: "Job", Memory: "Carol started a new job"},
		{Title: "Job", Memory: "Carol started a new job"},
	}

	out := p.Merge(existing, delta, baseNow)

	require.Len(t, out, 2)
	ids := map[string]bool{}
	for _, r := range out {
		assert.False(t, ids[r.ID], "duplicate id %s", r.ID)
		ids[r.ID] = true
	}
	assert.True(t, ids["mem-keep"])
}

func TestReplacePolicy_EnforcesCap(t *testing.T) {
	p := &ReplacePolicy{MaxRecords: 2}
	delta := []Record{{Title: "a"}, {Title: "b"}, {Title: "c"}}

	out := p.Merge(nil, delta, baseNow)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].Title)
	assert.Equal(t, "c", out[1].Title)
}

func TestNewPolicy(t *testing.T) {
	p, err := NewPolicy("", 5)
	require.NoError(t, err)
	assert.Equal(t, PolicyAppend, p.Name())

	p, err = NewPolicy("Replace", 5)
	require.NoError(t, err)
	assert.Equal(t, PolicyReplace, p.Name())

	_, err = NewPolicy("forget", 5)
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	_, err = NewPolicy(PolicyAppend, 0)
	assert.Error(t, err)
}

func TestService_ConcurrentApplyDoesNotLoseUpdates(t *testing.T) {
	svc, store := newFileService(t, PolicyAppend, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Apply(ctx, []Record{{Title: fmt.Sprintf("r%d", i)}}, baseNow.Add(time.Duration(i)*time.Second))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	records, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 20)
}

func TestService_PruneAndOnChange(t *testing.T) {
	svc, store := newFileService(t, PolicyAppend, 10)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, []Record{
		{Title: "gone", ExpiresOn: datePtr(t, "2026-01-01")},
		{Title: "stays"},
	}))

	var counts []int
	svc.OnChange(func(n int) { counts = append(counts, n) })

	removed, err := svc.Prune(ctx, baseNow)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []int{1}, counts)

	removed, err = svc.Prune(ctx, baseNow)
	require.NoError(t, err)
	assert.Zero(t, removed)

	all, err := svc.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "stays", all[0].Title)

	require.NoError(t, svc.Clear(ctx))
	all, err = svc.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

type failingStore struct{ saveErr error }

func (f *failingStore) Load(ctx context.Context) ([]Record, error) { return []Record{}, nil }
func (f *failingStore) Save(ctx context.Context, records []Record) error {
	return f.saveErr
}

func TestService_ApplySurfacesWriteFailure(t *testing.T) {
	boom := errors.New("disk full")
	svc, err := NewService(&failingStore{saveErr: boom}, &AppendPolicy{MaxRecords: 10})
	require.NoError(t, err)

	_, err = svc.Apply(context.Background(), []Record{{Title: "x"}}, baseNow)
	assert.ErrorIs(t, err, boom)
}

func TestNewServiceFromConfig_FileBackend(t *testing.T) {
	cfg := config.DefaultConfig().Memory
	cfg.Path = filepath.Join(t.TempDir(), "memory.json")
	cfg.Policy = PolicyReplace

	svc, err := NewServiceFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, PolicyReplace, svc.Policy().Name())

	cfg.Backend = "sqlite"
	_, err = NewServiceFromConfig(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestJanitor_SweepAndSchedule(t *testing.T) {
	svc, store := newFileService(t, PolicyAppend, 10)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, []Record{{Title: "old", ExpiresOn: datePtr(t, "2026-01-01")}}))

	j, err := NewJanitor(svc, "@hourly")
	require.NoError(t, err)
	j.now = func() time.Time { return baseNow }

	assert.Equal(t, 1, j.Sweep(ctx))

	next, err := j.NextRun(baseNow)
	require.NoError(t, err)
	assert.True(t, next.Equal(baseNow.Add(time.Hour)), "next sweep %s", next)

	_, err = NewJanitor(svc, "not a cron")
	assert.Error(t, err)
}

func TestJanitor_StartStop(t *testing.T) {
	svc, _ := newFileService(t, PolicyAppend, 10)
	j, err := NewJanitor(svc, "*/5 * * * *")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.Start(ctx)
	j.Stop()
	j.Stop()
}
