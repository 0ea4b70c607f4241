package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	red "github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/JeanGrijp/quota-limiter/internal/adapters/storage/memory"
	redisstorage "github.com/JeanGrijp/quota-limiter/internal/adapters/storage/redis"
	"github.com/JeanGrijp/quota-limiter/internal/core/domain"
	"github.com/JeanGrijp/quota-limiter/internal/core/ports"
)

func TestRateLimiter_GlobalThresholdAndNewWindow(t *testing.T) {
	clock := newTestClock()
	storage := memory.New(memory.WithClock(clock.Now))
	service := newTestLimiter(t, storage, Config{
		GlobalLimit: &domain.Limit{Hits: 3, Window: 5 * time.Second},
	})

	ctx := context.Background()
	req := domain.Request{User: "alice", Method: "GET", Path: "/db/guillotina"}

	for i := 0; i < 3; i++ {
		decision, err := service.Evaluate(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error at attempt %d: %v", i+1, err)
		}
		if !decision.Allowed {
			t.Fatalf("expected request %d to be allowed", i+1)
		}
		clock.Advance(100 * time.Millisecond)
	}

	decision, err := service.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error on 4th request: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected 4th request to be denied")
	}
	if decision.Scope != domain.ScopeGlobal || decision.ScopeKey != domain.GlobalScopeKey {
		t.Fatalf("expected global scope denial, got %+v", decision)
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter >= 5*time.Second {
		t.Fatalf("expected 0 < retry_after < 5s, got %s", decision.RetryAfter)
	}

	clock.Advance(decision.RetryAfter)

	decision, err = service.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error after window reset: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected request in the new window to be allowed")
	}
	if decision.CurrentCount != 1 {
		t.Fatalf("expected fresh window count 1, got %d", decision.CurrentCount)
	}
}

func TestRateLimiter_RouteScopeIsPerUser(t *testing.T) {
	clock := newTestClock()
	storage := memory.New(memory.WithClock(clock.Now))
	routes := NewRouteLimits()
	if err := routes.Register("POST", "/items", domain.Limit{Hits: 2, Window: 10 * time.Second}); err != nil {
		t.Fatalf("register route: %v", err)
	}
	service := newTestLimiter(t, storage, Config{RouteLimits: routes})

	ctx := context.Background()
	bob := domain.Request{User: "bob", Method: "POST", Path: "/items", Route: "/items"}
	carol := domain.Request{User: "carol", Method: "POST", Path: "/items", Route: "/items"}

	for i := 0; i < 2; i++ {
		if decision, err := service.Evaluate(ctx, bob); err != nil || !decision.Allowed {
			t.Fatalf("expected bob request %d to be allowed, decision=%+v err=%v", i+1, decision, err)
		}
	}

	decision, err := service.Evaluate(ctx, bob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed || decision.Scope != domain.ScopeRoute {
		t.Fatalf("expected bob's third call to be denied by route scope, got %+v", decision)
	}
	if decision.ScopeKey != "POST /items" {
		t.Fatalf("unexpected scope key %q", decision.ScopeKey)
	}

	var g errgroup.Group
	allowed := atomic.NewInt64(0)
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			decision, err := service.Evaluate(ctx, carol)
			if decision.Allowed {
				allowed.Inc()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed.Load() != 2 {
		t.Fatalf("expected carol to be allowed twice, got %d", allowed.Load())
	}
}

func TestRateLimiter_RouteKeyUsesFullPath(t *testing.T) {
	storage := newMockStorage()
	routes := NewRouteLimits()
	_ = routes.Register("GET", "/items/{id}", domain.Limit{Hits: 1, Window: time.Minute})
	service := newTestLimiter(t, storage, Config{RouteLimits: routes})

	ctx := context.Background()
	first := domain.Request{User: "bob", Method: "get", Path: "/items/1", Route: "/items/{id}"}
	second := domain.Request{User: "bob", Method: "GET", Path: "/items/2", Route: "/items/{id}"}

	for _, req := range []domain.Request{first, second} {
		decision, err := service.Evaluate(ctx, req)
		if err != nil || !decision.Allowed {
			t.Fatalf("expected %s to be allowed, decision=%+v err=%v", req.Path, decision, err)
		}
	}

	if got := storage.countOf("bob", "GET /items/1"); got != 1 {
		t.Fatalf("expected one hit on /items/1, got %d", got)
	}
	if got := storage.countOf("bob", "GET /items/2"); got != 1 {
		t.Fatalf("expected one hit on /items/2, got %d", got)
	}
}

func TestRateLimiter_GlobalDenialSkipsRouteScope(t *testing.T) {
	storage := newMockStorage()
	routes := NewRouteLimits()
	_ = routes.Register("POST", "/items", domain.Limit{Hits: 10, Window: time.Minute})
	service := newTestLimiter(t, storage, Config{
		GlobalLimit: &domain.Limit{Hits: 1, Window: time.Minute},
		RouteLimits: routes,
	})

	ctx := context.Background()
	req := domain.Request{User: "bob", Method: "POST", Path: "/items", Route: "/items"}

	if decision, _ := service.Evaluate(ctx, req); !decision.Allowed {
		t.Fatalf("expected first request to be allowed")
	}

	decision, _ := service.Evaluate(ctx, req)
	if decision.Allowed || decision.Scope != domain.ScopeGlobal {
		t.Fatalf("expected global denial, got %+v", decision)
	}
	if got := storage.countOf("bob", "POST /items"); got != 1 {
		t.Fatalf("route counter must not be charged after a global denial, got %d", got)
	}
}

func TestRateLimiter_ArmsDeadlineOncePerWindow(t *testing.T) {
	storage := newMockStorage()
	service := newTestLimiter(t, storage, Config{
		GlobalLimit: &domain.Limit{Hits: 5, Window: 30 * time.Second},
	})

	ctx := context.Background()
	req := domain.Request{User: "alice", Method: "GET", Path: "/"}

	for i := 0; i < 7; i++ {
		_, _ = service.Evaluate(ctx, req)
	}

	if storage.expireCalls != 1 {
		t.Fatalf("expected exactly one expire_after call, got %d", storage.expireCalls)
	}
	if storage.lastTTL != 30*time.Second {
		t.Fatalf("expected window ttl 30s, got %s", storage.lastTTL)
	}
}

func TestRateLimiter_NoApplicableScopes(t *testing.T) {
	storage := newMockStorage()
	routes := NewRouteLimits()
	_ = routes.Register("POST", "/items", domain.Limit{Hits: 1, Window: time.Minute})
	service := newTestLimiter(t, storage, Config{RouteLimits: routes})

	ctx := context.Background()
	requests := []domain.Request{
		{User: "bob", Method: "GET", Path: "/items", Route: "/items"},
		{User: "bob", Method: "POST", Path: "/items"},
		{User: "bob", Method: "POST", Path: "/other", Route: "/other"},
	}

	for _, req := range requests {
		for i := 0; i < 3; i++ {
			decision, err := service.Evaluate(ctx, req)
			if err != nil || !decision.Allowed {
				t.Fatalf("expected %+v to pass unlimited, decision=%+v err=%v", req, decision, err)
			}
		}
	}

	if storage.incrementCalls != 0 {
		t.Fatalf("expected no counters to be touched, got %d increments", storage.incrementCalls)
	}
}

func TestRateLimiter_FailsOpenOnStorageError(t *testing.T) {
	storage := newMockStorage()
	storage.err = errors.New("connection refused")
	observer := &countingObserver{}

	service := newTestLimiter(t, storage, Config{
		GlobalLimit: &domain.Limit{Hits: 1, Window: time.Second},
	}, WithObserver(observer))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		decision, err := service.Evaluate(ctx, domain.Request{User: "alice"})
		if err != nil {
			t.Fatalf("expected storage failure to be swallowed, got %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("expected fail-open decision on attempt %d", i+1)
		}
	}

	if observer.failures.Load() != 5 {
		t.Fatalf("expected 5 backend failures to be observed, got %d", observer.failures.Load())
	}
}

func TestRateLimiter_RequiresUser(t *testing.T) {
	service := newTestLimiter(t, newMockStorage(), Config{})

	if _, err := service.Evaluate(context.Background(), domain.Request{User: "  "}); !errors.Is(err, domain.ErrUserRequired) {
		t.Fatalf("expected ErrUserRequired, got %v", err)
	}
	if err := service.Commit(context.Background(), domain.Request{}); !errors.Is(err, domain.ErrUserRequired) {
		t.Fatalf("expected ErrUserRequired from Commit, got %v", err)
	}
}

func TestRateLimiter_RejectsInvalidGlobalLimit(t *testing.T) {
	_, err := NewRateLimiterService(newMockStorage(), Config{
		GlobalLimit: &domain.Limit{Hits: 0, Window: time.Second},
	})
	if !domain.IsInvalidLimitError(err) {
		t.Fatalf("expected invalid limit error, got %v", err)
	}

	if _, err := NewRateLimiterService(nil, Config{}); err == nil {
		t.Fatalf("expected error without storage")
	}
}

func TestRateLimiter_CheckThenCommit(t *testing.T) {
	clock := newTestClock()
	storage := memory.New(memory.WithClock(clock.Now))
	service := newTestLimiter(t, storage, Config{
		GlobalLimit: &domain.Limit{Hits: 2, Window: 10 * time.Second},
	})

	ctx := context.Background()
	req := domain.Request{User: "alice"}

	for i := 0; i < 2; i++ {
		decision, err := service.Check(ctx, req)
		if err != nil || !decision.Allowed {
			t.Fatalf("expected check %d to pass, decision=%+v err=%v", i+1, decision, err)
		}
		if err := service.Commit(ctx, req); err != nil {
			t.Fatalf("commit %d failed: %v", i+1, err)
		}
	}

	decision, err := service.Check(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected third check to be denied")
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter >= 10*time.Second {
		t.Fatalf("unexpected retry_after %s", decision.RetryAfter)
	}

	// Check never counts.
	if count, _ := storage.Count(ctx, "alice", domain.GlobalScopeKey); count != 2 {
		t.Fatalf("expected count 2 after checks, got %d", count)
	}
}

func TestRateLimiter_ReportsTighterScopeWhenAllowed(t *testing.T) {
	storage := newMockStorage()
	routes := NewRouteLimits()
	_ = routes.Register("POST", "/items", domain.Limit{Hits: 2, Window: time.Minute})
	service := newTestLimiter(t, storage, Config{
		GlobalLimit: &domain.Limit{Hits: 100, Window: time.Minute},
		RouteLimits: routes,
	})

	decision, err := service.Evaluate(context.Background(), domain.Request{User: "bob", Method: "POST", Path: "/items", Route: "/items"})
	if err != nil || !decision.Allowed {
		t.Fatalf("expected allowed decision, decision=%+v err=%v", decision, err)
	}
	if decision.Scope != domain.ScopeRoute {
		t.Fatalf("expected route scope to be reported as the tighter one, got %s", decision.Scope)
	}
}

func TestRateLimiter_ReArmsOrphanCounter(t *testing.T) {
	storage := newMockStorage()
	service := newTestLimiter(t, storage, Config{
		GlobalLimit: &domain.Limit{Hits: 1, Window: time.Minute},
	})

	// Simulate a counter whose deadline was lost.
	storage.counts[mockKey("alice", domain.GlobalScopeKey)] = 5

	decision, _ := service.Evaluate(context.Background(), domain.Request{User: "alice"})
	if decision.Allowed {
		t.Fatalf("expected denial")
	}
	if storage.expireCalls != 1 {
		t.Fatalf("expected orphan counter to be re-armed, got %d expire calls", storage.expireCalls)
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter >= time.Minute {
		t.Fatalf("expected retry_after to reflect the re-armed window, got %s", decision.RetryAfter)
	}
}

func TestRateLimiter_CheckReportsReArmedWindowWithoutCounting(t *testing.T) {
	storage := newMockStorage()
	service := newTestLimiter(t, storage, Config{
		GlobalLimit: &domain.Limit{Hits: 2, Window: 10 * time.Second},
	})

	storage.counts[mockKey("alice", domain.GlobalScopeKey)] = 2

	decision, err := service.Check(context.Background(), domain.Request{User: "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected denial")
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter >= 10*time.Second {
		t.Fatalf("expected 0 < retry_after < 10s, got %s", decision.RetryAfter)
	}
	if storage.incrementCalls != 0 {
		t.Fatalf("check must not count, got %d increments", storage.incrementCalls)
	}
	if got := storage.countOf("alice", domain.GlobalScopeKey); got != 2 {
		t.Fatalf("expected count to stay 2, got %d", got)
	}
}

func TestRateLimiter_DenialBeforeFirstArmReportsWindow(t *testing.T) {
	clock := newTestClock()
	storage := memory.New(memory.WithClock(clock.Now))
	service := newTestLimiter(t, storage, Config{
		GlobalLimit: &domain.Limit{Hits: 1, Window: 30 * time.Second},
	})
	ctx := context.Background()

	// A concurrent first request counted but has not armed its deadline yet.
	if _, err := storage.Increment(ctx, "alice", domain.GlobalScopeKey); err != nil {
		t.Fatalf("increment failed: %v", err)
	}

	decision, err := service.Evaluate(ctx, domain.Request{User: "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected second request to be denied")
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter >= 30*time.Second {
		t.Fatalf("expected 0 < retry_after < 30s, got %s", decision.RetryAfter)
	}

	clock.Advance(decision.RetryAfter + time.Nanosecond)
	decision, _ = service.Evaluate(ctx, domain.Request{User: "alice"})
	if !decision.Allowed {
		t.Fatalf("expected a new window after retry_after, got %+v", decision)
	}
}

func TestRateLimiter_RedisBackedThresholdAndNewWindow(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := red.NewClient(&red.Options{Addr: server.Addr(), MaxRetries: -1})
	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	storage := redisstorage.NewWithClient(client, "ratelimit")
	service := newTestLimiter(t, storage, Config{
		GlobalLimit: &domain.Limit{Hits: 3, Window: 5 * time.Second},
	})

	ctx := context.Background()
	req := domain.Request{User: "alice", Method: "GET", Path: "/db/guillotina"}

	for i := 0; i < 3; i++ {
		decision, err := service.Evaluate(ctx, req)
		if err != nil || !decision.Allowed {
			t.Fatalf("expected request %d to be allowed, decision=%+v err=%v", i+1, decision, err)
		}
	}

	server.FastForward(time.Second)

	decision, err := service.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected 4th request to be denied")
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter >= 5*time.Second {
		t.Fatalf("expected 0 < retry_after < 5s, got %s", decision.RetryAfter)
	}

	report, err := storage.DumpUser(ctx, "alice")
	if err != nil {
		t.Fatalf("dump failed: %v", err)
	}
	if usage := report[domain.GlobalScopeKey]; usage.Count != 4 {
		t.Fatalf("expected count 4 in the current window, got %+v", usage)
	}

	server.FastForward(decision.RetryAfter)

	decision, err = service.Evaluate(ctx, req)
	if err != nil || !decision.Allowed {
		t.Fatalf("expected request in the new window to be allowed, decision=%+v err=%v", decision, err)
	}
	if decision.CurrentCount != 1 {
		t.Fatalf("expected the new window to start at 1, got %d", decision.CurrentCount)
	}
}

func TestRateLimiter_RedisOrphanCounterGetsRetryAfter(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := red.NewClient(&red.Options{Addr: server.Addr(), MaxRetries: -1})
	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	storage := redisstorage.NewWithClient(client, "ratelimit")
	service := newTestLimiter(t, storage, Config{
		GlobalLimit: &domain.Limit{Hits: 2, Window: time.Minute},
	})
	ctx := context.Background()

	// Two hits counted while arming kept failing.
	for i := 0; i < 2; i++ {
		if _, err := storage.Increment(ctx, "alice", domain.GlobalScopeKey); err != nil {
			t.Fatalf("increment failed: %v", err)
		}
	}

	decision, err := service.Evaluate(ctx, domain.Request{User: "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected denial")
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter >= time.Minute {
		t.Fatalf("expected 0 < retry_after < 1m, got %s", decision.RetryAfter)
	}
	if remaining, _ := storage.RemainingTime(ctx, "alice", domain.GlobalScopeKey); remaining <= 0 {
		t.Fatalf("expected counter to carry a deadline again")
	}
}

func TestRateLimiter_ConcurrentRequestsNeverExceedLimit(t *testing.T) {
	storage := memory.New()
	service := newTestLimiter(t, storage, Config{
		GlobalLimit: &domain.Limit{Hits: 10, Window: time.Minute},
	})

	ctx := context.Background()
	allowed := atomic.NewInt64(0)
	var g errgroup.Group
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			decision, err := service.Evaluate(ctx, domain.Request{User: "alice"})
			if decision.Allowed {
				allowed.Inc()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed.Load() != 10 {
		t.Fatalf("expected exactly 10 allowed requests, got %d", allowed.Load())
	}
}

// newTestLimiter is a helper that fails the test immediately if creation fails.
func newTestLimiter(t *testing.T, storage ports.Storage, cfg Config, opts ...Option) *RateLimiterService {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	service, err := NewRateLimiterService(storage, cfg, opts...)
	if err != nil {
		t.Fatalf("failed to create rate limiter service: %v", err)
	}
	return service
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 10, 12, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingObserver struct {
	denied   atomic.Int64
	failures atomic.Int64
}

func (o *countingObserver) ObserveDecision(_ domain.Scope, allowed bool) {
	if !allowed {
		o.denied.Inc()
	}
}

func (o *countingObserver) ObserveBackendFailure(string) {
	o.failures.Inc()
}

type mockStorage struct {
	mu             sync.Mutex
	counts         map[string]int64
	ttls           map[string]time.Duration
	err            error
	incrementCalls int
	expireCalls    int
	lastTTL        time.Duration
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		counts: make(map[string]int64),
		ttls:   make(map[string]time.Duration),
	}
}

func mockKey(user, key string) string {
	return user + "\x00" + key
}

func (m *mockStorage) countOf(user, key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[mockKey(user, key)]
}

func (m *mockStorage) Increment(_ context.Context, user, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incrementCalls++
	if m.err != nil {
		return 0, m.err
	}
	m.counts[mockKey(user, key)]++
	return m.counts[mockKey(user, key)], nil
}

func (m *mockStorage) Count(_ context.Context, user, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.counts[mockKey(user, key)], nil
}

func (m *mockStorage) ExpireAfter(_ context.Context, user, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireCalls++
	m.lastTTL = ttl
	if m.err != nil {
		return m.err
	}
	m.ttls[mockKey(user, key)] = ttl
	return nil
}

func (m *mockStorage) RemainingTime(_ context.Context, user, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.ttls[mockKey(user, key)], nil
}

func (m *mockStorage) DumpUser(context.Context, string) (domain.UsageReport, error) {
	return domain.UsageReport{}, m.err
}

func (m *mockStorage) DumpAll(context.Context) (map[string]domain.UsageReport, error) {
	return map[string]domain.UsageReport{}, m.err
}

func (m *mockStorage) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = make(map[string]int64)
	m.ttls = make(map[string]time.Duration)
	return nil
}
