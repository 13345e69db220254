package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"marketgate/config"
	"marketgate/internal/breaker"
	"marketgate/internal/cache"
	"marketgate/internal/provider"
	"marketgate/internal/routing"
	"marketgate/models"
)

func newTestCache(t *testing.T) *cache.TieredCache {
	t.Helper()
	c := cache.NewTieredCache(cache.Options{
		L1MaxEntries: 100,
		L2MaxBytes:   1 << 20,
		DefaultTTL:   time.Minute,
	}, nil)
	t.Cleanup(c.Close)
	return c
}

func newTestOrchestrator(t *testing.T, sources ...*provider.ReplayProvider) *Orchestrator {
	t.Helper()
	router := routing.NewRouter(nil)
	for _, src := range sources {
		if err := router.RegisterSource(src.Name(), src); err != nil {
			t.Fatalf("register %s: %v", src.Name(), err)
		}
	}
	return NewOrchestrator(router, newTestCache(t), breaker.Nop{}, time.Second, nil)
}

func loadedReplay(name string, price float64) *provider.ReplayProvider {
	p := provider.NewReplayProvider(name)
	p.Load(models.DataTypeQuote, "BTCUSDT", models.Quote{Symbol: "BTCUSDT", Price: price, Source: name})
	return p
}

func fetchRequest(useCache bool) *models.DataRequest {
	return &models.DataRequest{Symbol: "BTCUSDT", DataType: models.DataTypeQuote, UseCache: useCache}
}

func TestFetchHappyPath(t *testing.T) {
	src := loadedReplay("primary", 100)
	o := newTestOrchestrator(t, src)

	resp := o.FetchData(context.Background(), fetchRequest(false))
	if !resp.Success {
		t.Fatalf("fetch failed: %s %s", resp.ErrorCode, resp.Message)
	}
	if resp.Source != "primary" {
		t.Fatalf("source = %q, want primary", resp.Source)
	}
	if resp.RequestID == "" {
		t.Fatal("request id not stamped")
	}
	if resp.FromCache {
		t.Fatal("first fetch must not come from cache")
	}

	m, ok := o.Router().SourceMetrics("primary")
	if !ok {
		t.Fatal("metrics missing for primary")
	}
	if m.SuccessRate() != 1.0 {
		t.Fatalf("success rate = %v, want 1.0", m.SuccessRate())
	}
}

func TestFetchServesFromCacheOnRepeat(t *testing.T) {
	src := loadedReplay("primary", 100)
	o := newTestOrchestrator(t, src)

	first := o.FetchData(context.Background(), fetchRequest(true))
	if !first.Success || first.FromCache {
		t.Fatalf("unexpected first response: %+v", first)
	}
	if first.CacheKey == "" {
		t.Fatal("cache key not stamped on cached store")
	}

	second := o.FetchData(context.Background(), fetchRequest(true))
	if !second.Success {
		t.Fatalf("second fetch failed: %s", second.ErrorCode)
	}
	if !second.FromCache {
		t.Fatal("second fetch should be a cache hit")
	}
	if src.Fetches() != 1 {
		t.Fatalf("provider fetched %d times, want 1", src.Fetches())
	}

	quote := second.Data.(models.Quote)
	if quote.Price != 100 {
		t.Fatalf("cached price = %v, want 100", quote.Price)
	}
}

func TestCacheDisabledPerRequest(t *testing.T) {
	src := loadedReplay("primary", 100)
	o := newTestOrchestrator(t, src)

	o.FetchData(context.Background(), fetchRequest(false))
	o.FetchData(context.Background(), fetchRequest(false))
	if src.Fetches() != 2 {
		t.Fatalf("provider fetched %d times, want 2", src.Fetches())
	}
}

func TestValidationFailureHasNoSideEffects(t *testing.T) {
	src := loadedReplay("primary", 100)
	o := newTestOrchestrator(t, src)

	resp := o.FetchData(context.Background(), &models.DataRequest{Symbol: "", DataType: models.DataTypeQuote, UseCache: true})
	if resp.Success {
		t.Fatal("expected validation failure")
	}
	if resp.ErrorCode != models.ErrCodeValidation {
		t.Fatalf("error code = %q, want %q", resp.ErrorCode, models.ErrCodeValidation)
	}
	if src.Fetches() != 0 {
		t.Fatal("provider must not be touched on validation failure")
	}
	stats := o.Router().RouteStatistics()
	if stats["total_routes"].(int64) != 0 {
		t.Fatal("router must not be touched on validation failure")
	}
}

func TestNoDataSource(t *testing.T) {
	o := newTestOrchestrator(t)
	resp := o.FetchData(context.Background(), fetchRequest(false))
	if resp.ErrorCode != models.ErrCodeNoDataSource {
		t.Fatalf("error code = %q, want %q", resp.ErrorCode, models.ErrCodeNoDataSource)
	}
}

func TestUnregisterThenRoute(t *testing.T) {
	src := loadedReplay("only", 100)
	o := newTestOrchestrator(t, src)

	if resp := o.FetchData(context.Background(), fetchRequest(false)); !resp.Success {
		t.Fatalf("warm-up fetch failed: %s", resp.ErrorCode)
	}
	if err := o.Router().UnregisterSource("only"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	resp := o.FetchData(context.Background(), fetchRequest(false))
	if resp.ErrorCode != models.ErrCodeNoDataSource {
		t.Fatalf("error code = %q, want %q", resp.ErrorCode, models.ErrCodeNoDataSource)
	}
}

func TestFailoverToSecondRankedAlternative(t *testing.T) {
	primary := loadedReplay("primary", 100)
	secondary := loadedReplay("secondary", 99)
	o := newTestOrchestrator(t, primary, secondary)

	primary.FailNext(1, errors.New("upstream 503"))

	resp := o.FetchData(context.Background(), fetchRequest(false))
	if !resp.Success {
		t.Fatalf("fetch failed: %s %s", resp.ErrorCode, resp.Message)
	}
	if want := "secondary" + models.FallbackSuffix; resp.Source != want {
		t.Fatalf("source = %q, want %q", resp.Source, want)
	}
	if primary.Fetches() != 1 || secondary.Fetches() != 1 {
		t.Fatalf("fetch counts = %d/%d, want 1/1", primary.Fetches(), secondary.Fetches())
	}

	m, _ := o.Router().SourceMetrics("primary")
	if m.SuccessRate() != 0 {
		t.Fatalf("primary success rate = %v, want 0", m.SuccessRate())
	}
}

func TestAllSourcesUnavailable(t *testing.T) {
	a := loadedReplay("a", 1)
	b := loadedReplay("b", 2)
	a.FailNext(10, errors.New("down"))
	b.FailNext(10, errors.New("down"))
	o := newTestOrchestrator(t, a, b)

	resp := o.FetchData(context.Background(), fetchRequest(false))
	if resp.ErrorCode != models.ErrCodeSourcesUnavailable {
		t.Fatalf("error code = %q, want %q", resp.ErrorCode, models.ErrCodeSourcesUnavailable)
	}

	for _, name := range []string{"a", "b"} {
		m, _ := o.Router().SourceMetrics(name)
		if m.SuccessRate() != 0 || !m.HasActivity() {
			t.Fatalf("failure not recorded for %s", name)
		}
	}
}

func TestOpenBreakerSkipsToFallback(t *testing.T) {
	primary := loadedReplay("primary", 100)
	secondary := loadedReplay("secondary", 99)

	router := routing.NewRouter(nil)
	for _, src := range []*provider.ReplayProvider{primary, secondary} {
		if err := router.RegisterSource(src.Name(), src); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	breakers := breaker.NewManager(config.CircuitBreakerConfig{
		Enabled:             true,
		FailureThreshold:    1,
		RecoveryTimeout:     time.Minute,
		HalfOpenMaxRequests: 1,
	}, nil)
	o := NewOrchestrator(router, newTestCache(t), breakers, time.Second, nil)

	// Trip the primary's breaker with one failing request.
	primary.FailNext(1, errors.New("down"))
	first := o.FetchData(context.Background(), fetchRequest(false))
	if !first.Success || !strings.Contains(first.Source, "secondary") {
		t.Fatalf("unexpected first response: %+v", first)
	}

	// Primary is gated now, so it must not be invoked again.
	second := o.FetchData(context.Background(), fetchRequest(false))
	if !second.Success {
		t.Fatalf("second fetch failed: %s", second.ErrorCode)
	}
	if !strings.Contains(second.Source, "secondary") {
		t.Fatalf("source = %q, want secondary", second.Source)
	}
	if primary.Fetches() != 1 {
		t.Fatalf("primary fetched %d times, want 1 (breaker should gate it)", primary.Fetches())
	}
}

type panicProvider struct{ name string }

func (p *panicProvider) Name() string                       { return p.name }
func (p *panicProvider) Connect(ctx context.Context) error  { return nil }
func (p *panicProvider) Disconnect() error                  { return nil }
func (p *panicProvider) HealthCheck(ctx context.Context) models.HealthStatus {
	return models.HealthStatus{State: models.HealthHealthy}
}
func (p *panicProvider) Fetch(ctx context.Context, req *models.DataRequest) (*models.DataResponse, error) {
	panic("nil map write in adapter")
}

func TestProviderPanicBecomesInternalError(t *testing.T) {
	router := routing.NewRouter(nil)
	if err := router.RegisterSource("broken", &panicProvider{name: "broken"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	o := NewOrchestrator(router, newTestCache(t), breaker.Nop{}, time.Second, nil)

	resp := o.FetchData(context.Background(), fetchRequest(false))
	if resp.ErrorCode != models.ErrCodeInternal {
		t.Fatalf("error code = %q, want %q", resp.ErrorCode, models.ErrCodeInternal)
	}
	if resp.RequestID == "" {
		t.Fatal("request id must be stamped even on panic")
	}

	m, _ := router.SourceMetrics("broken")
	if !m.HasActivity() || m.SuccessRate() != 0 {
		t.Fatal("panic must be counted as a failure")
	}

	// The pipeline survives and keeps serving.
	again := o.FetchData(context.Background(), fetchRequest(false))
	if again.ErrorCode != models.ErrCodeInternal {
		t.Fatalf("second request error code = %q", again.ErrorCode)
	}
}

func TestRuleRoutingEndToEnd(t *testing.T) {
	crypto := loadedReplay("crypto-source", 100)
	equity := provider.NewReplayProvider("equity-source")
	equity.Load(models.DataTypeQuote, "AAPL", models.Quote{Symbol: "AAPL", Price: 190})

	o := newTestOrchestrator(t, crypto, equity)

	rule, err := routing.NewRule(routing.RuleSpec{
		Name:           "crypto-to-crypto-source",
		Priority:       100,
		Enabled:        true,
		SymbolPatterns: []string{".*USDT$"},
		TargetSources:  []string{"crypto-source"},
	})
	if err != nil {
		t.Fatalf("compile rule: %v", err)
	}
	if err := o.Router().AddRule(rule); err != nil {
		t.Fatalf("add rule: %v", err)
	}
	equityRule, err := routing.NewRule(routing.RuleSpec{
		Name:          "everything-else-to-equity",
		Priority:      10,
		Enabled:       true,
		TargetSources: []string{"equity-source"},
	})
	if err != nil {
		t.Fatalf("compile rule: %v", err)
	}
	if err := o.Router().AddRule(equityRule); err != nil {
		t.Fatalf("add rule: %v", err)
	}

	btc := o.FetchData(context.Background(), fetchRequest(false))
	if btc.Source != "crypto-source" {
		t.Fatalf("BTCUSDT routed to %q", btc.Source)
	}
	aapl := o.FetchData(context.Background(), &models.DataRequest{Symbol: "AAPL", DataType: models.DataTypeQuote})
	if aapl.Source != "equity-source" {
		t.Fatalf("AAPL routed to %q", aapl.Source)
	}
}

func TestShutdownDisconnectsProviders(t *testing.T) {
	src := loadedReplay("primary", 100)
	o := newTestOrchestrator(t, src)

	if err := src.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := src.HealthCheck(context.Background()); got.State != models.HealthUnhealthy {
		t.Fatalf("provider state after shutdown = %q, want unhealthy", got.State)
	}
}

func TestCacheTTLOverride(t *testing.T) {
	src := loadedReplay("primary", 100)
	o := newTestOrchestrator(t, src)

	req := fetchRequest(true)
	req.CacheTTL = 20 * time.Millisecond
	if resp := o.FetchData(context.Background(), req); !resp.Success {
		t.Fatalf("fetch failed: %s", resp.ErrorCode)
	}

	time.Sleep(40 * time.Millisecond)

	resp := o.FetchData(context.Background(), req)
	if resp.FromCache {
		t.Fatal("entry should have expired under the per-request TTL")
	}
	if src.Fetches() != 2 {
		t.Fatalf("provider fetched %d times, want 2", src.Fetches())
	}
}

// A request cancelled mid-fetch must not walk the remaining alternatives
// with the dead context: those sources were never genuinely attempted and
// charging them failures would steer future routing away from healthy feeds.
func TestCancelledRequestStopsFailover(t *testing.T) {
	primary := loadedReplay("primary", 100)
	secondary := loadedReplay("secondary", 101)
	tertiary := loadedReplay("tertiary", 102)
	for _, src := range []*provider.ReplayProvider{primary, secondary, tertiary} {
		src.SetDelay(50 * time.Millisecond)
	}
	o := newTestOrchestrator(t, primary, secondary, tertiary)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	resp := o.FetchData(ctx, fetchRequest(false))
	if resp.Success || resp.ErrorCode != models.ErrCodeSourcesUnavailable {
		t.Fatalf("expected %s, got success=%v code=%s", models.ErrCodeSourcesUnavailable, resp.Success, resp.ErrorCode)
	}

	if secondary.Fetches() != 0 || tertiary.Fetches() != 0 {
		t.Fatalf("fallback sources attempted after cancellation: secondary=%d tertiary=%d",
			secondary.Fetches(), tertiary.Fetches())
	}
	for _, name := range []string{"secondary", "tertiary"} {
		m, ok := o.Router().SourceMetrics(name)
		if !ok {
			t.Fatalf("metrics missing for %s", name)
		}
		if m.HasActivity() {
			t.Fatalf("%s charged for a request it never served", name)
		}
	}

	// The in-flight attempt still records its failure.
	m, _ := o.Router().SourceMetrics("primary")
	if m.SuccessRate() != 0 || !m.HasActivity() {
		t.Fatal("primary attempt should have recorded exactly its own failure")
	}
}
