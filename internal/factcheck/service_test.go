package factcheck

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recordingSink struct {
	mu  sync.Mutex
	got []Delivery
}

func (r *recordingSink) Deliver(_ context.Context, d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, d)
	return nil
}

func (r *recordingSink) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// newTestService creates the cache before snapshotting goroutines; the
// expirable LRU runs a cleanup goroutine for its whole lifetime.
func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache(16, time.Minute)
	}
	ignore := goleak.IgnoreCurrent()
	s := NewService(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, s.Close(ctx))
		goleak.VerifyNone(t, ignore)
	})
	return s
}

// blockMatching parks workers inside claim matching until release is closed.
func blockMatching(s *Service) (started <-chan struct{}, release chan struct{}) {
	st := make(chan struct{}, 8)
	rel := make(chan struct{})
	s.checker.beforeMatch = func(string) {
		select {
		case st <- struct{}{}:
		default:
		}
		<-rel
	}
	return st, rel
}

func TestVerifyCacheHitDispatchesNothing(t *testing.T) {
	sink := &recordingSink{}
	s := newTestService(t, Options{Sink: sink})
	ctx := context.Background()
	req := Request{ConversationID: "c1", TurnID: "t1", Reply: "Our MRR is $48,000 with 1,290 subscribers", Snapshot: mrrSnapshot()}

	first := s.Verify(ctx, req, ModeAsync)
	rep1, state := first.Await(ctx, 2*time.Second)
	require.Equal(t, StateResolved, state)
	require.NotNil(t, rep1)
	assert.Equal(t, 2, rep1.Count(Verified))
	assert.Empty(t, rep1.Issues)

	req.TurnID = "t2"
	second := s.Verify(ctx, req, ModeAsync)
	rep2, ok := second.Report()
	require.True(t, ok, "cache hit must resolve immediately")
	assert.Same(t, rep1, rep2)
	assert.Equal(t, first.Key(), second.Key())

	st := s.Stats()
	assert.Equal(t, int64(1), st.Dispatched)
	assert.Equal(t, int64(1), st.CacheHits)
	assert.Equal(t, int64(1), st.Computed)
	require.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestVerifyDifferentSnapshotVersionMisses(t *testing.T) {
	s := newTestService(t, Options{})
	ctx := context.Background()
	reply := "Our MRR is $75,000"

	a := mrrSnapshot()
	a.Version = "v1"
	b := mrrSnapshot()
	b.Version = "v2"

	f1 := s.Verify(ctx, Request{ConversationID: "c1", Reply: reply, Snapshot: a}, ModeSync)
	f2 := s.Verify(ctx, Request{ConversationID: "c1", Reply: reply, Snapshot: b}, ModeSync)
	assert.NotEqual(t, f1.Key(), f2.Key())
	assert.Equal(t, int64(2), s.Stats().Dispatched)

	rep, state := f2.Await(ctx, time.Second)
	require.Equal(t, StateResolved, state)
	require.Len(t, rep.Issues, 1)
	assert.Equal(t, SeverityMajor, rep.Issues[0].Severity)
}

func TestVerifySyncModeWaits(t *testing.T) {
	s := newTestService(t, Options{})
	f := s.Verify(context.Background(), Request{ConversationID: "c1", Reply: "MRR is 48k.", Snapshot: mrrSnapshot()}, ModeSync)
	assert.Equal(t, StateResolved, f.State())
}

func TestVerifyAsyncReturnsPendingAndAwaitClamps(t *testing.T) {
	s := newTestService(t, Options{Workers: 1, MaxTimeout: 50 * time.Millisecond, DefaultTimeout: 10 * time.Millisecond})
	started, release := blockMatching(s)
	defer close(release)

	f := s.Verify(context.Background(), Request{ConversationID: "c1", Reply: "Our MRR is $48,000", Snapshot: mrrSnapshot()}, ModeAsync)
	assert.Equal(t, StatePending, f.State())
	<-started

	begin := time.Now()
	rep, state := f.Await(context.Background(), time.Hour)
	assert.Nil(t, rep)
	assert.Equal(t, StatePending, state)
	assert.Less(t, time.Since(begin), time.Second, "Await must be clamped to the max timeout")
}

func TestVerifyJoinsPendingJobForSameKey(t *testing.T) {
	sink := &recordingSink{}
	s := newTestService(t, Options{Workers: 1, Sink: sink})
	started, release := blockMatching(s)
	ctx := context.Background()
	reply := "Our MRR is $48,000"

	first := s.Verify(ctx, Request{ConversationID: "c1", TurnID: "t1", Reply: reply, Snapshot: mrrSnapshot()}, ModeAsync)
	<-started
	second := s.Verify(ctx, Request{ConversationID: "c2", TurnID: "t2", Reply: reply, Snapshot: mrrSnapshot()}, ModeAsync)
	third := s.Verify(ctx, Request{ConversationID: "c3", TurnID: "t3", Reply: reply, Snapshot: mrrSnapshot()}, ModeAsync)

	assert.Equal(t, StatePending, second.State())
	assert.Equal(t, int64(1), s.Stats().Dispatched, "a pending key dispatches no second job")
	assert.Equal(t, first.Key(), second.Key())

	assert.Equal(t, 1, s.AbandonConversation("c1"))
	close(release)

	rep2, state := second.Await(ctx, 2*time.Second)
	require.Equal(t, StateResolved, state, "followers outlive an abandoned leader")
	rep3, state := third.Await(ctx, 2*time.Second)
	require.Equal(t, StateResolved, state)
	assert.Same(t, rep2, rep3)
	assert.Equal(t, 1, rep2.Count(Verified))
	assert.Equal(t, StateAbandoned, first.State())

	require.Eventually(t, func() bool { return sink.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), s.Stats().Computed)
	require.Eventually(t, func() bool { return s.Stats().InFlight == 0 }, time.Second, 5*time.Millisecond)
}

func TestAbandonDiscardsLateResult(t *testing.T) {
	sink := &recordingSink{}
	s := newTestService(t, Options{Workers: 1, Sink: sink})
	started, release := blockMatching(s)

	f := s.Verify(context.Background(), Request{ConversationID: "c1", Reply: "Our MRR is $48,000", Snapshot: mrrSnapshot()}, ModeAsync)
	<-started
	other := s.Verify(context.Background(), Request{ConversationID: "c2", Reply: "Our MRR is $75,000", Snapshot: mrrSnapshot()}, ModeAsync)

	assert.Equal(t, 1, s.AbandonConversation("c1"))
	assert.Equal(t, 0, s.AbandonConversation("c1"))
	close(release)

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("abandoned future not done")
	}
	rep, state := f.Await(context.Background(), time.Second)
	assert.Nil(t, rep)
	assert.Equal(t, StateAbandoned, state)

	_, state = other.Await(context.Background(), 2*time.Second)
	assert.Equal(t, StateResolved, state, "other conversations are unaffected")

	require.Eventually(t, func() bool { return s.Stats().InFlight == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sink.len(), "abandoned results are not delivered")
	assert.Equal(t, int64(1), s.Stats().Abandoned)
}

func TestVerifyDegradesWhenQueueIsFull(t *testing.T) {
	s := newTestService(t, Options{Workers: 1, QueueSize: 1})
	started, release := blockMatching(s)
	defer close(release)
	ctx := context.Background()

	s.Verify(ctx, Request{ConversationID: "c1", Reply: "Our MRR is $48,000", Snapshot: mrrSnapshot()}, ModeAsync)
	<-started
	s.Verify(ctx, Request{ConversationID: "c1", Reply: "Our MRR is $49,000", Snapshot: mrrSnapshot()}, ModeAsync)

	f := s.Verify(ctx, Request{ConversationID: "c1", Reply: "Our MRR is $75,000 with 1,290 subscribers", Snapshot: mrrSnapshot()}, ModeAsync)
	rep, ok := f.Report()
	require.True(t, ok, "degraded reports resolve immediately")
	assert.Equal(t, StatusDegraded, rep.Status)
	assert.Len(t, rep.Claims, 2)
	assert.Equal(t, len(rep.Claims), rep.Count(Unverified))
	assert.Empty(t, rep.Issues)
	assert.Equal(t, int64(1), s.Stats().Degraded)

	_, cached := s.Lookup(ctx, f.Key())
	assert.False(t, cached, "degraded reports are not cached")
}

func TestLookupFindsPendingAndCached(t *testing.T) {
	s := newTestService(t, Options{})
	ctx := context.Background()
	f := s.Verify(ctx, Request{ConversationID: "c1", Reply: "Our MRR is $48,000", Snapshot: mrrSnapshot()}, ModeSync)
	require.Equal(t, StateResolved, f.State())

	got, ok := s.Lookup(ctx, f.Key())
	require.True(t, ok)
	rep, _ := got.Report()
	want, _ := f.Report()
	assert.Same(t, want, rep)

	_, ok = s.Lookup(ctx, "nope")
	assert.False(t, ok)
}

func TestVerifyAfterCloseDegrades(t *testing.T) {
	cache := NewMemoryCache(4, time.Minute)
	ignore := goleak.IgnoreCurrent()
	s := NewService(Options{Cache: cache})
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	goleak.VerifyNone(t, ignore)

	f := s.Verify(context.Background(), Request{ConversationID: "c1", Reply: "Our MRR is $48,000", Snapshot: mrrSnapshot()}, ModeAsync)
	rep, ok := f.Report()
	require.True(t, ok)
	assert.Equal(t, StatusDegraded, rep.Status)
}
