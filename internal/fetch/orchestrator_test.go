package fetch_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waabox/cilens/internal/cache"
	"github.com/waabox/cilens/internal/domain"
	"github.com/waabox/cilens/internal/fetch"
)

type fakeProvider struct {
	mu        sync.Mutex
	pipelines []domain.Pipeline
	jobErrs   map[string]error
	jobCalls  map[string]int
	listCalls []domain.ListOptions

	delay    time.Duration
	inFlight int32
	maxSeen  int32
	onJobs   func(id string)
}

func newFakeProvider(pipelines ...domain.Pipeline) *fakeProvider {
	return &fakeProvider{pipelines: pipelines, jobErrs: map[string]error{}, jobCalls: map[string]int{}}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ListPipelines(_ context.Context, _ string, opts domain.ListOptions) ([]domain.Pipeline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, opts)
	var out []domain.Pipeline
	for _, p := range f.pipelines {
		if opts.Status != "" && p.Status != opts.Status {
			continue
		}
		out = append(out, p)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeProvider) PipelineJobs(ctx context.Context, _ string, id string) ([]domain.Job, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}
	if f.onJobs != nil {
		f.onJobs(id)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.jobCalls[id]++
	err := f.jobErrs[id]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return []domain.Job{{ID: id + "-1", Name: "build", Stage: "build", Status: domain.StatusSuccess, Duration: time.Minute}}, nil
}

func (f *fakeProvider) PipelineURL(_, id string) string { return "p/" + id }
func (f *fakeProvider) JobURL(_, id string) string      { return "j/" + id }

func (f *fakeProvider) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobCalls[id]
}

func pipelines(status domain.PipelineStatus, from, n int) []domain.Pipeline {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Pipeline, n)
	for i := range out {
		id := from + i
		out[i] = domain.Pipeline{ID: strconv.Itoa(id), Status: status, CreatedAt: base.Add(time.Duration(id) * time.Minute)}
	}
	return out
}

func TestTargets(t *testing.T) {
	s, f := fetch.Targets(10)
	assert.Equal(t, 5, s)
	assert.Equal(t, 5, f)
	s, f = fetch.Targets(7)
	assert.Equal(t, 4, s)
	assert.Equal(t, 3, f)
}

func TestFetch_BackfillsScarceClass(t *testing.T) {
	fp := newFakeProvider(append(pipelines(domain.StatusSuccess, 1, 3), pipelines(domain.StatusFailed, 100, 10)...)...)

	res, err := fetch.New(fp, nil, fetch.Options{Limit: 10}).Fetch(context.Background(), "g/p")
	require.NoError(t, err)

	assert.Len(t, res.Pipelines, 10)
	assert.Equal(t, 3, res.Sampling.Success)
	assert.Equal(t, 7, res.Sampling.Failed)
	assert.Equal(t, 2, res.Sampling.Backfilled)
	assert.Equal(t, fetch.SamplingBackfill, res.Sampling.Strategy)
	for i := 1; i < len(res.Pipelines); i++ {
		assert.False(t, res.Pipelines[i].CreatedAt.After(res.Pipelines[i-1].CreatedAt), "expected newest first")
	}
}

func TestFetch_StrictSamplingDoesNotBackfill(t *testing.T) {
	fp := newFakeProvider(append(pipelines(domain.StatusSuccess, 1, 3), pipelines(domain.StatusFailed, 100, 10)...)...)

	res, err := fetch.New(fp, nil, fetch.Options{Limit: 10, Sampling: fetch.SamplingStrict}).Fetch(context.Background(), "g/p")
	require.NoError(t, err)

	assert.Len(t, res.Pipelines, 8)
	assert.Equal(t, 0, res.Sampling.Backfilled)
	for _, call := range fp.listCalls {
		assert.Equal(t, 5, call.Limit)
	}
}

func TestFetch_RecentSamplingIgnoresStatus(t *testing.T) {
	all := append(pipelines(domain.StatusSuccess, 1, 2), pipelines(domain.StatusRunning, 10, 2)...)
	fp := newFakeProvider(all...)
	store := cache.New(&cache.MemoryBackend{})

	res, err := fetch.New(fp, store, fetch.Options{Limit: 3, Sampling: fetch.SamplingRecent}).Fetch(context.Background(), "g/p")
	require.NoError(t, err)

	assert.Len(t, res.Pipelines, 3)
	assert.Equal(t, 1, res.Sampling.Other)
	require.Len(t, fp.listCalls, 1)
	assert.Equal(t, domain.PipelineStatus(""), fp.listCalls[0].Status)
	_, ok := store.Get("10")
	assert.False(t, ok, "running pipelines must not be cached")
}

func TestFetch_CacheHitSkipsNetwork(t *testing.T) {
	fp := newFakeProvider(append(pipelines(domain.StatusSuccess, 1, 1), pipelines(domain.StatusFailed, 2, 1)...)...)
	store := cache.New(&cache.MemoryBackend{})
	cachedJobs := []domain.Job{{ID: "c", Name: "cached", Status: domain.StatusSuccess}}
	require.NoError(t, store.Put("1", cache.Entry{Status: domain.StatusSuccess, Jobs: cachedJobs}))

	res, err := fetch.New(fp, store, fetch.Options{Limit: 2}).Fetch(context.Background(), "g/p")
	require.NoError(t, err)

	assert.Equal(t, 0, fp.calls("1"))
	assert.Equal(t, 1, fp.calls("2"))
	assert.Equal(t, 1, res.CacheHits)
	for _, p := range res.Pipelines {
		if p.ID == "1" {
			assert.Equal(t, cachedJobs, p.Jobs)
		}
	}
	_, ok := store.Get("2")
	assert.True(t, ok, "fetched terminal pipeline must be written through")
}

func TestFetch_SecondRunIsServedFromCache(t *testing.T) {
	fp := newFakeProvider(append(pipelines(domain.StatusSuccess, 1, 2), pipelines(domain.StatusFailed, 10, 2)...)...)
	backend := &cache.MemoryBackend{}

	first := cache.New(backend)
	require.NoError(t, first.Load(context.Background()))
	_, err := fetch.New(fp, first, fetch.Options{Limit: 4}).Fetch(context.Background(), "g/p")
	require.NoError(t, err)

	second := cache.New(backend)
	require.NoError(t, second.Load(context.Background()))
	res, err := fetch.New(fp, second, fetch.Options{Limit: 4}).Fetch(context.Background(), "g/p")
	require.NoError(t, err)

	assert.Equal(t, 4, res.CacheHits)
	for _, id := range []string{"1", "2", "10", "11"} {
		assert.Equal(t, 1, fp.calls(id), "pipeline %s fetched more than once", id)
	}
}

func TestFetch_StaleCacheEntryIsRefetched(t *testing.T) {
	fp := newFakeProvider(pipelines(domain.StatusSuccess, 1, 1)...)
	store := cache.New(&cache.MemoryBackend{})
	require.NoError(t, store.Put("1", cache.Entry{Status: domain.StatusFailed, Jobs: []domain.Job{{Name: "old"}}}))

	res, err := fetch.New(fp, store, fetch.Options{Limit: 2}).Fetch(context.Background(), "g/p")
	require.NoError(t, err)

	assert.Equal(t, 1, fp.calls("1"))
	require.Len(t, res.Pipelines, 1)
	assert.Equal(t, "build", res.Pipelines[0].Jobs[0].Name)
	e, ok := store.Get("1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusSuccess, e.Status)
}

func TestFetch_StaleEvictionIsPersistedWhenRefetchFails(t *testing.T) {
	ctx := context.Background()
	backend := &cache.MemoryBackend{}
	seed := cache.New(backend)
	require.NoError(t, seed.Put("1", cache.Entry{Status: domain.StatusSuccess, Jobs: []domain.Job{{Name: "old"}}}))
	require.NoError(t, seed.Flush())

	fp := newFakeProvider(pipelines(domain.StatusFailed, 1, 1)...)
	fp.jobErrs["1"] = &domain.TransientError{StatusCode: 502, Attempts: 31}

	store := cache.New(backend)
	require.NoError(t, store.Load(ctx))
	res, err := fetch.New(fp, store, fetch.Options{Limit: 2}).Fetch(ctx, "g/p")
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)

	after := cache.New(backend)
	require.NoError(t, after.Load(ctx))
	_, ok := after.Get("1")
	assert.False(t, ok, "stale entry must not survive on disk")
	assert.Equal(t, 2, backend.Writes())
}

func TestFetch_LoadRecoveryIsPersistedWithoutFetches(t *testing.T) {
	ctx := context.Background()
	backend := &cache.MemoryBackend{}
	require.NoError(t, backend.Write([]byte(`not json`)))

	store := cache.New(backend)
	require.NoError(t, store.Load(ctx))
	_, err := fetch.New(newFakeProvider(), store, fetch.Options{Limit: 2}).Fetch(ctx, "g/p")
	require.NoError(t, err)

	data, err := backend.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1,"pipelines":{}}`, string(data))
}

func TestFetch_PartialFailureIsRecorded(t *testing.T) {
	fp := newFakeProvider(pipelines(domain.StatusFailed, 1, 4)...)
	fp.jobErrs["2"] = &domain.TransientError{StatusCode: 503, Attempts: 31}
	fp.jobErrs["3"] = fmt.Errorf("decode: %w", domain.ErrMalformedResponse)

	res, err := fetch.New(fp, nil, fetch.Options{Limit: 8, Sampling: fetch.SamplingRecent}).Fetch(context.Background(), "g/p")
	require.NoError(t, err)

	assert.Len(t, res.Pipelines, 2)
	assert.Equal(t, 4, res.Listed)
	require.Len(t, res.Failures, 2)
	ids := []string{res.Failures[0].PipelineID, res.Failures[1].PipelineID}
	assert.ElementsMatch(t, []string{"2", "3"}, ids)
}

func TestFetch_UnauthorizedAborts(t *testing.T) {
	fp := newFakeProvider(pipelines(domain.StatusFailed, 1, 3)...)
	fp.jobErrs["2"] = fmt.Errorf("gitlab API error: %w", domain.ErrUnauthorized)

	_, err := fetch.New(fp, nil, fetch.Options{Limit: 3, Sampling: fetch.SamplingRecent}).Fetch(context.Background(), "g/p")
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
}

func TestFetch_ConcurrencyIsBounded(t *testing.T) {
	fp := newFakeProvider(pipelines(domain.StatusSuccess, 1, 30)...)
	fp.delay = 5 * time.Millisecond

	res, err := fetch.New(fp, nil, fetch.Options{Limit: 30, Concurrency: 4, Sampling: fetch.SamplingRecent}).Fetch(context.Background(), "g/p")
	require.NoError(t, err)

	assert.Len(t, res.Pipelines, 30)
	assert.LessOrEqual(t, atomic.LoadInt32(&fp.maxSeen), int32(4))
	assert.Greater(t, atomic.LoadInt32(&fp.maxSeen), int32(1))
}

func TestFetch_CancellationStopsIssuingAndCachesOnlyCompleteData(t *testing.T) {
	fp := newFakeProvider(pipelines(domain.StatusSuccess, 1, 50)...)
	fp.delay = 20 * time.Millisecond
	store := cache.New(&cache.MemoryBackend{})

	ctx, cancel := context.WithCancel(context.Background())
	var started int32
	fp.onJobs = func(string) {
		if atomic.AddInt32(&started, 1) == 2 {
			cancel()
		}
	}

	res, err := fetch.New(fp, store, fetch.Options{Limit: 50, Concurrency: 2, Sampling: fetch.SamplingRecent}).Fetch(ctx, "g/p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, int(atomic.LoadInt32(&started)), 50)
	assert.Empty(t, res.Failures, "abandoned fetches are not failures")
	for _, p := range res.Pipelines {
		e, ok := store.Get(p.ID)
		if ok {
			assert.NotEmpty(t, e.Jobs)
		}
	}
	assert.LessOrEqual(t, store.Len(), len(res.Pipelines))
}

type countingObserver struct {
	mu      sync.Mutex
	total   int
	fetched map[fetch.Source]int
	failed  int
}

func (c *countingObserver) Listed(n int) { c.total = n }
func (c *countingObserver) Fetched(_ string, src fetch.Source, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failed++
		return
	}
	c.fetched[src]++
}

func TestFetch_NotifiesObserver(t *testing.T) {
	fp := newFakeProvider(pipelines(domain.StatusSuccess, 1, 3)...)
	fp.jobErrs["3"] = &domain.TransientError{Attempts: 2}
	store := cache.New(&cache.MemoryBackend{})
	require.NoError(t, store.Put("1", cache.Entry{Status: domain.StatusSuccess}))
	obs := &countingObserver{fetched: map[fetch.Source]int{}}

	_, err := fetch.New(fp, store, fetch.Options{Limit: 3, Sampling: fetch.SamplingRecent}).
		WithObserver(obs).
		Fetch(context.Background(), "g/p")
	require.NoError(t, err)

	assert.Equal(t, 3, obs.total)
	assert.Equal(t, 1, obs.fetched[fetch.FromCache])
	assert.Equal(t, 1, obs.fetched[fetch.FromAPI])
	assert.Equal(t, 1, obs.failed)
}

func TestParseSampling(t *testing.T) {
	s, err := fetch.ParseSampling("")
	require.NoError(t, err)
	assert.Equal(t, fetch.SamplingBackfill, s)

	_, err = fetch.ParseSampling("random")
	var cfgErr *domain.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}
