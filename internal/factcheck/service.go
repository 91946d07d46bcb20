package factcheck

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/cj/internal/observability"
	"github.com/ent0n29/cj/internal/universe"
)

const (
	DefaultWorkers        = 2
	DefaultQueueSize      = 64
	DefaultTimeout        = 5 * time.Second
	DefaultMaxTimeout     = 30 * time.Second
	durationSmoothing     = 0.3
	verificationComponent = "factcheck"
)

type Mode string

const (
	// ModeAsync returns a pending Future immediately.
	ModeAsync Mode = "async"
	// ModeSync waits up to the default timeout before returning the Future.
	ModeSync Mode = "sync"
)

type Request struct {
	ConversationID string
	TurnID         string
	Reply          string
	Snapshot       *universe.Snapshot
}

// Delivery is a computed report handed to the audit sink.
type Delivery struct {
	ConversationID string    `json:"conversation_id"`
	TurnID         string    `json:"turn_id"`
	Report         *Report   `json:"report"`
	At             time.Time `json:"at"`
}

type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

type Options struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	Thresholds     Thresholds

	// Cache is the in-process tier consulted on the calling goroutine.
	Cache *MemoryCache
	// Shared is an optional second tier consulted only by workers.
	Shared Cache

	Sink    Sink
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

type Stats struct {
	Dispatched int64 `json:"dispatched"`
	Computed   int64 `json:"computed"`
	CacheHits  int64 `json:"cache_hits"`
	Degraded   int64 `json:"degraded"`
	Abandoned  int64 `json:"abandoned"`
	QueueDepth int64 `json:"queue_depth"`
	InFlight   int   `json:"in_flight"`
}

type job struct {
	future *Future
	req    Request
	snap   *universe.Snapshot
	// followers asked for the same key while this job was pending. They
	// share its report and dispatch nothing. Guarded by Service.mu.
	followers []*job
}

// Service owns the report cache and the worker pool. Nothing else touches
// either.
type Service struct {
	workers        int
	defaultTimeout time.Duration
	maxTimeout     time.Duration

	checker *Checker
	local   *MemoryCache
	cache   *TieredCache
	sink    Sink
	logger  *zap.Logger
	metrics *observability.Metrics
	group   singleflight.Group

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sendMu sync.RWMutex
	closed bool
	jobs   chan *job

	mu      sync.Mutex
	byConv  map[string]map[*Future]struct{}
	byKey   map[string]*Future
	leaders map[string]*job

	statMu sync.Mutex
	meanMS float64

	queued     atomic.Int64
	dispatched atomic.Int64
	computed   atomic.Int64
	cacheHits  atomic.Int64
	degraded   atomic.Int64
	abandoned  atomic.Int64
}

// NewService starts the worker pool. Call Close to stop it.
func NewService(opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = DefaultMaxTimeout
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.DefaultTimeout > opts.MaxTimeout {
		opts.DefaultTimeout = opts.MaxTimeout
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache(DefaultCacheMaxEntries, DefaultCacheTTL)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("component", verificationComponent))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		workers:        opts.Workers,
		defaultTimeout: opts.DefaultTimeout,
		maxTimeout:     opts.MaxTimeout,
		checker:        NewChecker(opts.Thresholds, logger),
		local:          opts.Cache,
		cache:          NewTieredCache(opts.Cache, opts.Shared),
		sink:           opts.Sink,
		logger:         logger,
		metrics:        opts.Metrics,
		baseCtx:        ctx,
		cancel:         cancel,
		jobs:           make(chan *job, opts.QueueSize),
		byConv:         make(map[string]map[*Future]struct{}),
		byKey:          make(map[string]*Future),
		leaders:        make(map[string]*job),
	}
	for i := 0; i < opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *Service) Checker() *Checker { return s.checker }

// Verify never blocks in async mode beyond an in-memory cache lookup. A cache
// hit returns an already resolved Future and dispatches nothing; so does a
// request for a key that is already being verified.
func (s *Service) Verify(ctx context.Context, req Request, mode Mode) *Future {
	snap := req.Snapshot
	if snap == nil {
		snap = (&universe.Snapshot{}).Normalize()
	}
	key := CacheKey(req.Reply, snap.Version)

	if rep, ok, _ := s.local.Get(ctx, key); ok {
		s.cacheHits.Add(1)
		s.metrics.CacheLookup("memory", "hit")
		s.metrics.VerificationPath("cache_hit")
		return resolvedFuture(key, req.ConversationID, req.TurnID, rep)
	}
	s.metrics.CacheLookup("memory", "miss")

	f := newFuture(key, req.ConversationID, req.TurnID, s.defaultTimeout, s.maxTimeout)
	j := &job{future: f, req: req, snap: snap}
	tooLong := s.projectedWait() > s.maxTimeout

	s.mu.Lock()
	s.trackLocked(f)
	if lead, ok := s.leaders[key]; ok {
		lead.followers = append(lead.followers, j)
		s.mu.Unlock()
		s.metrics.VerificationPath("joined")
		s.metrics.Indicator(observability.IndicatorVerificationJoined)
		if mode == ModeSync {
			f.Await(ctx, s.defaultTimeout)
		}
		return f
	}
	if !tooLong {
		s.leaders[key] = j
	}
	s.mu.Unlock()

	if tooLong {
		s.degrade(f, req, snap, "projected_wait")
		return f
	}
	if reason := s.enqueue(j); reason != "" {
		for _, m := range s.detach(j) {
			s.degrade(m.future, m.req, m.snap, reason)
		}
		return f
	}
	s.metrics.VerificationPath("dispatched")

	if mode == ModeSync {
		f.Await(ctx, s.defaultTimeout)
	}
	return f
}

// enqueue hands j to the pool without blocking. It returns why it could not.
func (s *Service) enqueue(j *job) string {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return "closed"
	}
	s.queued.Add(1)
	select {
	case s.jobs <- j:
		s.dispatched.Add(1)
		s.metrics.SetQueueDepth(int(s.queued.Load()))
		return ""
	default:
		s.queued.Add(-1)
		return "queue_full"
	}
}

// projectedWait estimates how long a new job would queue before a worker
// picks it up.
func (s *Service) projectedWait() time.Duration {
	s.statMu.Lock()
	mean := s.meanMS
	s.statMu.Unlock()
	if mean <= 0 {
		return 0
	}
	depth := float64(s.queued.Load() + 1)
	return time.Duration(depth * mean / float64(s.workers) * float64(time.Millisecond))
}

func (s *Service) degrade(f *Future, req Request, snap *universe.Snapshot, reason string) {
	rep := &Report{
		CacheKey:        f.key,
		SnapshotVersion: snap.Version,
		Status:          StatusDegraded,
		Claims:          s.checker.Extract(req.Reply, snap),
		Issues:          []Issue{},
		CreatedAt:       time.Now().UTC(),
	}
	s.degraded.Add(1)
	s.metrics.VerificationPath("degraded")
	s.metrics.Indicator(observability.IndicatorVerificationDegraded)
	s.logger.Warn("verification degraded",
		zap.String("conversation_id", req.ConversationID),
		zap.String("reason", reason),
		zap.Int64("queue_depth", s.queued.Load()),
	)
	f.resolve(rep)
	s.untrack(f)
}

func (s *Service) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		s.metrics.SetQueueDepth(int(s.queued.Add(-1)))
		s.run(j)
	}
}

func (s *Service) run(j *job) {
	if !s.live(j) {
		for _, m := range s.detach(j) {
			s.untrack(m.future)
		}
		return
	}

	ctx, cancel := context.WithTimeout(s.baseCtx, s.maxTimeout)
	defer cancel()

	start := time.Now()
	v, _, _ := s.group.Do(j.future.key, func() (any, error) {
		rep, ok, err := s.cache.Get(ctx, j.future.key)
		if err != nil {
			s.cacheFault(err)
		} else if ok {
			return rep, nil
		}
		rep = s.compute(ctx, j.future.key, j.req.Reply, j.snap)
		if rep.Status == StatusResolved {
			if err := s.cache.Add(ctx, j.future.key, rep); err != nil {
				s.cacheFault(err)
			}
		}
		return rep, nil
	})
	elapsed := time.Since(start)
	s.observe(elapsed)
	rep := v.(*Report)

	for _, m := range s.detach(j) {
		s.settle(ctx, m, rep, elapsed)
		s.untrack(m.future)
	}
}

// live reports whether anyone still waits on j or its followers.
func (s *Service) live(j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.future.State() != StateAbandoned {
		return true
	}
	for _, m := range j.followers {
		if m.future.State() != StateAbandoned {
			return true
		}
	}
	return false
}

// detach stops j from taking followers and returns it with the followers it
// has.
func (s *Service) detach(j *job) []*job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaders[j.future.key] == j {
		delete(s.leaders, j.future.key)
	}
	members := append([]*job{j}, j.followers...)
	j.followers = nil
	return members
}

func (s *Service) settle(ctx context.Context, j *job, rep *Report, elapsed time.Duration) {
	if !j.future.resolve(rep) {
		s.logger.Debug("verification result discarded",
			zap.String("conversation_id", j.req.ConversationID),
			zap.String("cache_key", j.future.key),
		)
		return
	}
	s.logger.Debug("verification resolved",
		zap.String("conversation_id", j.req.ConversationID),
		zap.Int("claims", len(rep.Claims)),
		zap.Int("issues", len(rep.Issues)),
		zap.Duration("elapsed", elapsed),
	)
	if s.sink != nil {
		d := Delivery{ConversationID: j.req.ConversationID, TurnID: j.req.TurnID, Report: rep, At: time.Now().UTC()}
		if err := s.sink.Deliver(ctx, d); err != nil {
			s.logger.Warn("report delivery failed", zap.String("cache_key", rep.CacheKey), zap.Error(err))
		}
	}
}

func (s *Service) compute(ctx context.Context, key, reply string, snap *universe.Snapshot) *Report {
	claims, issues, faultCount := s.checker.Check(ctx, reply, snap)
	if issues == nil {
		issues = []Issue{}
	}
	status := StatusResolved
	if ctx.Err() != nil {
		// Cut short by the job deadline; do not cache an incomplete report.
		status = StatusDegraded
	}
	for _, c := range claims {
		s.metrics.ClaimChecked(string(c.Kind), string(c.Verification))
	}
	s.computed.Add(1)
	return &Report{
		CacheKey:        key,
		SnapshotVersion: snap.Version,
		Status:          status,
		Claims:          claims,
		Issues:          issues,
		Faults:          faultCount,
		CreatedAt:       time.Now().UTC(),
	}
}

func (s *Service) observe(d time.Duration) {
	s.metrics.ObserveVerification(d)
	ms := float64(d.Microseconds()) / 1000
	s.statMu.Lock()
	defer s.statMu.Unlock()
	if s.meanMS == 0 {
		s.meanMS = ms
		return
	}
	s.meanMS = s.meanMS*(1-durationSmoothing) + ms*durationSmoothing
}

func (s *Service) cacheFault(err error) {
	s.metrics.CacheLookup("shared", "fault")
	s.logger.Warn("verification cache unavailable, continuing uncached", zap.Error(err))
}

func (s *Service) trackLocked(f *Future) {
	set, ok := s.byConv[f.conversationID]
	if !ok {
		set = make(map[*Future]struct{})
		s.byConv[f.conversationID] = set
	}
	set[f] = struct{}{}
	s.byKey[f.key] = f
}

func (s *Service) untrack(f *Future) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.byConv[f.conversationID]; ok {
		delete(set, f)
		if len(set) == 0 {
			delete(s.byConv, f.conversationID)
		}
	}
	if s.byKey[f.key] == f {
		delete(s.byKey, f.key)
	}
}

// AbandonConversation abandons every pending future of a conversation and
// returns how many were abandoned.
func (s *Service) AbandonConversation(conversationID string) int {
	s.mu.Lock()
	set := s.byConv[conversationID]
	delete(s.byConv, conversationID)
	for f := range set {
		if s.byKey[f.key] == f {
			delete(s.byKey, f.key)
		}
	}
	s.mu.Unlock()

	n := 0
	for f := range set {
		if f.Abandon() {
			n++
		}
	}
	if n > 0 {
		s.abandoned.Add(int64(n))
		s.logger.Info("verifications abandoned", zap.String("conversation_id", conversationID), zap.Int("count", n))
	}
	return n
}

// Lookup finds a pending future by cache key, or a cached report.
func (s *Service) Lookup(ctx context.Context, key string) (*Future, bool) {
	s.mu.Lock()
	f, ok := s.byKey[key]
	s.mu.Unlock()
	if ok {
		return f, true
	}
	if rep, ok, _ := s.local.Get(ctx, key); ok {
		return resolvedFuture(key, "", "", rep), true
	}
	return nil, false
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	inFlight := 0
	for _, set := range s.byConv {
		inFlight += len(set)
	}
	s.mu.Unlock()
	return Stats{
		Dispatched: s.dispatched.Load(),
		Computed:   s.computed.Load(),
		CacheHits:  s.cacheHits.Load(),
		Degraded:   s.degraded.Load(),
		Abandoned:  s.abandoned.Load(),
		QueueDepth: s.queued.Load(),
		InFlight:   inFlight,
	}
}

// Close stops accepting work, lets workers drain the queue and waits for
// them. If ctx ends first, in-flight jobs are cancelled.
func (s *Service) Close(ctx context.Context) error {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.jobs)
	s.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
