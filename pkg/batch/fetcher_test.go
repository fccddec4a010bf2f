package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/inat-orders/internal/clock"
	"github.com/Sternrassler/inat-orders/internal/testutil"
	"github.com/Sternrassler/inat-orders/pkg/cache"
	"github.com/Sternrassler/inat-orders/pkg/inat"
	"github.com/Sternrassler/inat-orders/pkg/ratelimit"
	"github.com/rs/zerolog"
)

var (
	errServer    = &inat.APIError{StatusCode: http.StatusInternalServerError, ErrorClass: inat.ErrorClassServer, Message: "500"}
	errThrottled = &inat.APIError{StatusCode: http.StatusTooManyRequests, ErrorClass: inat.ErrorClassRateLimit, Message: "429"}
	errNotFound  = &inat.APIError{StatusCode: http.StatusNotFound, ErrorClass: inat.ErrorClassNotFound, Message: "404", Err: inat.ErrNotFound}
	errEnvelope  = &inat.ParseError{Object: "envelope", Field: "results"}
)

// fakeSource is an in-memory Source with scripted failures.
type fakeSource struct {
	mu sync.Mutex

	observations map[int64]inat.Observation
	rejected     map[int64]inat.Rejected
	taxa         map[int64]inat.Taxon

	// batchErrs is consumed one entry per batch call; nil entries succeed.
	batchErrs []error
	// alwaysFailBatch, if set, is returned by every batch call.
	alwaysFailBatch error
	singleErrs      map[int64][]error
	onBatch         func(call int)

	batchCalls  int
	singleCalls int
	taxonCalls  int
	batchSizes  []int
}

func newFakeSource(ids ...int64) *fakeSource {
	s := &fakeSource{
		observations: make(map[int64]inat.Observation),
		rejected:     make(map[int64]inat.Rejected),
		taxa:         make(map[int64]inat.Taxon),
		singleErrs:   make(map[int64][]error),
	}
	for _, id := range ids {
		s.observations[id] = observation(id)
	}
	return s
}

func observation(id int64) inat.Observation {
	return inat.Observation{
		ID:    id,
		Taxon: &inat.Taxon{ID: 47167, Name: "Agaricales", Rank: "order", AncestorIDs: []int64{48460, 47167}},
		User:  &inat.User{ID: 1, Login: "alice"},
	}
}

func (s *fakeSource) FetchObservations(_ context.Context, ids []int64) (*inat.Batch, error) {
	s.mu.Lock()
	s.batchCalls++
	s.batchSizes = append(s.batchSizes, len(ids))
	call := s.batchCalls
	var err error
	if len(s.batchErrs) > 0 {
		err, s.batchErrs = s.batchErrs[0], s.batchErrs[1:]
	}
	if s.alwaysFailBatch != nil {
		err = s.alwaysFailBatch
	}
	hook := s.onBatch
	s.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b := &inat.Batch{Observations: map[int64]inat.Observation{}, Rejected: map[int64]inat.Rejected{}}
	for _, id := range ids {
		if obs, ok := s.observations[id]; ok {
			b.Observations[id] = obs
		}
		if rej, ok := s.rejected[id]; ok {
			b.Rejected[id] = rej
		}
	}
	return b, nil
}

func (s *fakeSource) FetchObservation(_ context.Context, id int64) (inat.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singleCalls++
	if errs := s.singleErrs[id]; len(errs) > 0 {
		s.singleErrs[id] = errs[1:]
		if errs[0] != nil {
			return inat.Observation{}, errs[0]
		}
	}
	obs, ok := s.observations[id]
	if !ok {
		return inat.Observation{}, errNotFound
	}
	return obs, nil
}

func (s *fakeSource) FetchTaxon(_ context.Context, id int64) (inat.Taxon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taxonCalls++
	t, ok := s.taxa[id]
	if !ok {
		return inat.Taxon{}, errNotFound
	}
	return t, nil
}

type harness struct {
	clock   *clock.Fake
	limiter *ratelimit.Limiter
	fetcher *Fetcher
}

func testConfig() Config {
	return Config{
		BatchSize:     200,
		MaxRetries:    3,
		RetryDelay:    2 * time.Second,
		MaxRetryDelay: 60 * time.Second,
	}
}

func newHarness(t *testing.T, source Source, cfg Config, opts ...Option) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC))
	limiter, err := ratelimit.New(ratelimit.Config{MinDelay: time.Second, MaxDelay: time.Minute}, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("ratelimit.New() error = %v", err)
	}
	return &harness{
		clock:   clk,
		limiter: limiter,
		fetcher: NewFetcher(source, limiter, clk, cfg, opts...),
	}
}

func ids(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}

func statuses(r ChunkResult) []Status {
	out := make([]Status, len(r.Outcomes))
	for i, o := range r.Outcomes {
		out[i] = o.Status
	}
	return out
}

func TestFetchChunk_DemultiplexesAndMarksMissing(t *testing.T) {
	source := newFakeSource(1, 3)
	h := newHarness(t, source, testConfig())

	result := h.fetcher.FetchChunk(context.Background(), []int64{1, 2, 3})
	if result.Err != nil {
		t.Fatalf("Err = %v", result.Err)
	}

	want := []Status{Found, Missing, Found}
	got := statuses(result)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: status = %s, want %s", i, got[i], want[i])
		}
		if result.Outcomes[i].ID != int64(i+1) {
			t.Errorf("position %d: id = %d", i, result.Outcomes[i].ID)
		}
	}
	if source.batchCalls != 1 || source.singleCalls != 0 {
		t.Errorf("calls: batch=%d single=%d, want 1/0", source.batchCalls, source.singleCalls)
	}
	if result.FellBack {
		t.Error("FellBack = true for a successful batch")
	}
}

func TestFetchChunk_TransientFailuresThenSuccess(t *testing.T) {
	source := newFakeSource(ids(5)...)
	source.batchErrs = []error{errServer, errServer}
	h := newHarness(t, source, testConfig())

	result := h.fetcher.FetchChunk(context.Background(), ids(5))

	if source.batchCalls != 3 {
		t.Errorf("batch calls = %d, want 3", source.batchCalls)
	}
	if source.singleCalls != 0 {
		t.Errorf("single calls = %d, want 0", source.singleCalls)
	}
	if len(result.Outcomes) != 5 {
		t.Fatalf("outcomes = %d, want 5", len(result.Outcomes))
	}
	for _, o := range result.Outcomes {
		if o.Status != Found {
			t.Errorf("id %d: status = %s, want found", o.ID, o.Status)
		}
	}

	stats := h.fetcher.Stats()
	if stats.BatchCalls != 3 || stats.Retries != 2 || stats.Fallbacks != 0 {
		t.Errorf("stats = %+v", stats)
	}

	var backoffs []time.Duration
	for _, d := range h.clock.Sleeps() {
		if d >= 2*time.Second {
			backoffs = append(backoffs, d)
		}
	}
	if len(backoffs) != 2 || backoffs[0] != 2*time.Second || backoffs[1] != 4*time.Second {
		t.Errorf("backoff sleeps = %v, want [2s 4s]", backoffs)
	}
}

func TestFetchChunk_ThrottleBacksOffAndSlowsLimiter(t *testing.T) {
	source := newFakeSource(ids(3)...)
	source.batchErrs = []error{errThrottled}

	var attemptTimes []time.Time
	var delayAtRetry time.Duration
	h := newHarness(t, source, testConfig())
	source.onBatch = func(call int) {
		attemptTimes = append(attemptTimes, h.clock.Now())
		if call == 2 {
			delayAtRetry = h.limiter.Delay()
		}
	}

	result := h.fetcher.FetchChunk(context.Background(), ids(3))
	if result.Err != nil {
		t.Fatalf("Err = %v", result.Err)
	}

	if len(attemptTimes) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attemptTimes))
	}
	if gap := attemptTimes[1].Sub(attemptTimes[0]); gap < 2*time.Second {
		t.Errorf("retry after throttling waited %v, want >= retry delay 2s", gap)
	}
	if delayAtRetry <= time.Second {
		t.Errorf("limiter delay at retry = %v, want > min delay 1s", delayAtRetry)
	}
	if h.limiter.State().Throttles != 1 {
		t.Errorf("throttles = %d, want 1", h.limiter.State().Throttles)
	}
}

func TestFetchChunk_ExhaustedRetriesFallBack(t *testing.T) {
	source := newFakeSource(1, 3)
	source.alwaysFailBatch = errServer
	cfg := testConfig()
	cfg.MaxRetries = 2
	h := newHarness(t, source, cfg)

	result := h.fetcher.FetchChunk(context.Background(), []int64{1, 2, 3})

	if source.batchCalls != 3 {
		t.Errorf("batch calls = %d, want MaxRetries+1 = 3", source.batchCalls)
	}
	if source.singleCalls != 3 {
		t.Errorf("single calls = %d, want 3 (404 is not retried)", source.singleCalls)
	}
	if !result.FellBack {
		t.Error("FellBack = false")
	}

	want := []Status{Found, Failed, Found}
	got := statuses(result)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: status = %s, want %s", i, got[i], want[i])
		}
	}
	if !errors.Is(result.Outcomes[1].Err, inat.ErrNotFound) {
		t.Errorf("id 2 error = %v, want not found", result.Outcomes[1].Err)
	}
	if result.Unreachable() {
		t.Error("Unreachable() = true although ids were answered")
	}

	stats := h.fetcher.Stats()
	if stats.Fallbacks != 1 || stats.SingleCalls != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFetchChunk_PermanentBatchFailureFallsBackImmediately(t *testing.T) {
	source := newFakeSource(1, 2)
	source.batchErrs = []error{errEnvelope}
	h := newHarness(t, source, testConfig())

	result := h.fetcher.FetchChunk(context.Background(), []int64{1, 2})

	if source.batchCalls != 1 {
		t.Errorf("batch calls = %d, want 1 (parse errors are not retried)", source.batchCalls)
	}
	if source.singleCalls != 2 {
		t.Errorf("single calls = %d, want 2", source.singleCalls)
	}
	for _, o := range result.Outcomes {
		if o.Status != Found {
			t.Errorf("id %d: status = %s, want found", o.ID, o.Status)
		}
	}
}

func TestFetchChunk_SingleFetchRetriesIndependently(t *testing.T) {
	source := newFakeSource(1, 2)
	source.alwaysFailBatch = errEnvelope
	source.singleErrs[1] = []error{errServer, errServer}
	h := newHarness(t, source, testConfig())

	result := h.fetcher.FetchChunk(context.Background(), []int64{1, 2})

	if source.singleCalls != 4 {
		t.Errorf("single calls = %d, want 3 for id 1 plus 1 for id 2", source.singleCalls)
	}
	for _, o := range result.Outcomes {
		if o.Status != Found {
			t.Errorf("id %d: status = %s, want found", o.ID, o.Status)
		}
	}
}

func TestFetchChunk_RejectedPayloadFailsOnlyThatID(t *testing.T) {
	source := newFakeSource(1, 3)
	source.rejected[2] = inat.Rejected{
		Observation: inat.Observation{ID: 2, User: &inat.User{Login: "bob"}},
		Err:         fmt.Errorf("observation 2: %w", inat.ErrMissingTaxon),
	}
	h := newHarness(t, source, testConfig())

	result := h.fetcher.FetchChunk(context.Background(), []int64{1, 2, 3})

	if got := statuses(result); got[0] != Found || got[1] != Failed || got[2] != Found {
		t.Errorf("statuses = %v", got)
	}
	if !errors.Is(result.Outcomes[1].Err, inat.ErrMissingTaxon) {
		t.Errorf("id 2 error = %v", result.Outcomes[1].Err)
	}
	if result.Outcomes[1].Observation.User.Login != "bob" {
		t.Error("partial observation of a rejected payload was dropped")
	}
	if source.singleCalls != 0 {
		t.Errorf("single calls = %d, want 0", source.singleCalls)
	}
}

func TestFetchChunk_DuplicateIDs(t *testing.T) {
	source := newFakeSource(1, 2)
	h := newHarness(t, source, testConfig())

	result := h.fetcher.FetchChunk(context.Background(), []int64{1, 2, 1})

	if len(source.batchSizes) != 1 || source.batchSizes[0] != 2 {
		t.Errorf("batch sizes = %v, want [2]", source.batchSizes)
	}
	if len(result.Outcomes) != 3 || result.Outcomes[2].ID != 1 || result.Outcomes[2].Status != Found {
		t.Errorf("outcomes = %+v", result.Outcomes)
	}
}

func TestFetchChunk_Unreachable(t *testing.T) {
	source := newFakeSource(1, 2)
	source.alwaysFailBatch = errServer
	source.singleErrs[1] = []error{errServer, errServer}
	source.singleErrs[2] = []error{errServer, errServer}
	cfg := testConfig()
	cfg.MaxRetries = 1
	h := newHarness(t, source, cfg)

	result := h.fetcher.FetchChunk(context.Background(), []int64{1, 2})

	if !result.Unreachable() {
		t.Errorf("Unreachable() = false, outcomes = %+v", result.Outcomes)
	}
	for _, o := range result.Outcomes {
		if !inat.IsRetryable(o.Err) {
			t.Errorf("id %d: error %v should stay classified as transient", o.ID, o.Err)
		}
	}
}

func TestFetchChunk_Cancelled(t *testing.T) {
	source := newFakeSource(1)
	h := newHarness(t, source, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := h.fetcher.FetchChunk(ctx, []int64{1})
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", result.Err)
	}
	if len(result.Outcomes) != 0 {
		t.Errorf("outcomes = %d, want 0", len(result.Outcomes))
	}
	if source.batchCalls != 0 {
		t.Errorf("batch calls = %d, want 0", source.batchCalls)
	}
}

func TestFetchChunk_CancelledDuringBackoff(t *testing.T) {
	source := newFakeSource(1)
	ctx, cancel := context.WithCancel(context.Background())
	source.alwaysFailBatch = errServer
	source.onBatch = func(int) { cancel() }
	h := newHarness(t, source, testConfig())

	result := h.fetcher.FetchChunk(ctx, []int64{1})
	if result.Err == nil {
		t.Fatal("Err = nil, want cancellation")
	}
	if source.batchCalls != 1 || source.singleCalls != 0 {
		t.Errorf("calls: batch=%d single=%d, want 1/0", source.batchCalls, source.singleCalls)
	}
}

func TestFetchChunk_ResponseCache(t *testing.T) {
	source := newFakeSource(1, 2, 3)
	store := cache.NewMemory(time.Hour)
	h := newHarness(t, source, testConfig(), WithCache(store))

	first := h.fetcher.FetchChunk(context.Background(), []int64{1, 2, 3})
	second := h.fetcher.FetchChunk(context.Background(), []int64{1, 2, 3})

	if source.batchCalls != 1 {
		t.Errorf("batch calls = %d, want 1", source.batchCalls)
	}
	for i := range first.Outcomes {
		if first.Outcomes[i].Observation.Taxon.Name != second.Outcomes[i].Observation.Taxon.Name {
			t.Errorf("position %d differs between fetched and cached result", i)
		}
	}
	if hits := h.fetcher.Stats().CacheHits; hits != 3 {
		t.Errorf("cache hits = %d, want 3", hits)
	}
}

func TestFetchLineage(t *testing.T) {
	source := newFakeSource()
	source.taxa[48715] = inat.Taxon{
		ID: 48715, Name: "Amanita muscaria", Rank: "species",
		Ancestors: []inat.Taxon{
			{ID: 47170, Name: "Fungi", Rank: "kingdom"},
			{ID: 47167, Name: "Agaricales", Rank: "order"},
			{ID: 47168, Name: "Amanitaceae", Rank: "family"},
		},
	}
	store := cache.NewMemory(time.Hour)
	h := newHarness(t, source, testConfig(), WithCache(store))

	chain, err := h.fetcher.FetchLineage(context.Background(), 48715)
	if err != nil {
		t.Fatalf("FetchLineage() error = %v", err)
	}
	if len(chain) != 3 || chain[1].Name != "Agaricales" || chain[2].Rank != "family" {
		t.Errorf("chain = %+v", chain)
	}

	if _, err := h.fetcher.FetchLineage(context.Background(), 48715); err != nil {
		t.Fatalf("cached FetchLineage() error = %v", err)
	}
	if source.taxonCalls != 1 {
		t.Errorf("taxon calls = %d, want 1", source.taxonCalls)
	}

	_, err = h.fetcher.FetchLineage(context.Background(), 1)
	if !errors.Is(err, inat.ErrNotFound) {
		t.Errorf("unknown taxon error = %v, want not found", err)
	}
}

func TestStats_CallsMatchLimiterGrants(t *testing.T) {
	source := newFakeSource(1, 3)
	source.batchErrs = []error{errServer, errEnvelope}
	source.taxa[1] = inat.Taxon{ID: 1, Name: "Life", Rank: "stateofmatter"}
	h := newHarness(t, source, testConfig())

	h.fetcher.FetchChunk(context.Background(), []int64{1, 2, 3})
	_, _ = h.fetcher.FetchLineage(context.Background(), 1)

	stats := h.fetcher.Stats()
	if stats.Calls() != h.limiter.Acquired() {
		t.Errorf("Calls() = %d, limiter grants = %d", stats.Calls(), h.limiter.Acquired())
	}
	if stats.Calls() != 2+3+1 {
		t.Errorf("Calls() = %d, want 6", stats.Calls())
	}
}

func TestFetcher_WithClient(t *testing.T) {
	mock := testutil.NewMockINat()
	defer mock.Close()
	for i := int64(1); i <= 450; i++ {
		mock.AddObservation(i, "alice", "", testutil.Fungi()...)
	}

	cfg := inat.DefaultConfig("inat-orders-test/1.0")
	cfg.BaseURL = mock.URL()
	client, err := inat.New(cfg)
	if err != nil {
		t.Fatalf("inat.New() error = %v", err)
	}
	defer client.Close()

	h := newHarness(t, client, testConfig())
	start := h.clock.Now()

	all := ids(450)
	chunks := Chunks(all, 200)
	found := 0
	for _, chunk := range chunks {
		for _, o := range h.fetcher.FetchChunk(context.Background(), chunk).Outcomes {
			if o.Status == Found {
				found++
			}
		}
	}

	if found != 450 {
		t.Errorf("found = %d, want 450", found)
	}
	if sizes := mock.BatchSizes(); len(sizes) != 3 || sizes[0] != 200 || sizes[2] != 50 {
		t.Errorf("batch sizes = %v, want [200 200 50]", sizes)
	}
	if elapsed := h.clock.Now().Sub(start); elapsed < 2*time.Second {
		t.Errorf("3 grants took %v of virtual time, want >= 2s spacing", elapsed)
	}
}
