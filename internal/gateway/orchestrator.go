package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketgate/internal/breaker"
	"marketgate/internal/cache"
	"marketgate/internal/metrics"
	"marketgate/internal/provider"
	"marketgate/internal/routing"
	"marketgate/logger"
	"marketgate/models"
)

// errProviderPanic marks an attempt that died in the provider rather than
// failing cleanly. Panics are terminal for the request; ordinary fetch
// errors fail over to the next candidate.
var errProviderPanic = errors.New("provider panicked")

// Orchestrator drives one request through validate, cache lookup, route,
// breaker gate, fetch, cache store and respond. Failover walks the ranked
// alternative list until a candidate succeeds or the list is exhausted.
//
// The orchestrator holds no lock of its own; the router and cache guard
// their state and every provider call happens outside any lock.
type Orchestrator struct {
	router   *routing.Router
	cache    *cache.TieredCache
	breakers breaker.Provider
	log      *logger.Log
	timeout  time.Duration
}

// NewOrchestrator wires the pipeline. A nil breakers provider disables
// gating, a nil cache disables caching regardless of request flags, and a
// non-positive timeout leaves fetch deadlines to the caller's context.
func NewOrchestrator(router *routing.Router, tc *cache.TieredCache, breakers breaker.Provider, timeout time.Duration, log *logger.Log) *Orchestrator {
	if log == nil {
		log = logger.GetLogger()
	}
	if breakers == nil {
		breakers = breaker.Nop{}
	}
	return &Orchestrator{
		router:   router,
		cache:    tc,
		breakers: breakers,
		log:      log,
		timeout:  timeout,
	}
}

// Router exposes the routing layer for registration and pull-based stats.
func (o *Orchestrator) Router() *routing.Router { return o.router }

// Cache exposes the cache layer for invalidation and pull-based stats.
func (o *Orchestrator) Cache() *cache.TieredCache { return o.cache }

// FetchData executes one request end to end. It never returns a Go error;
// every outcome is a DataResponse carrying a stable error code on failure.
func (o *Orchestrator) FetchData(ctx context.Context, req *models.DataRequest) (resp *models.DataResponse) {
	start := time.Now()
	requestID := uuid.NewString()

	log := o.log.WithComponent("gateway").WithFields(logger.Fields{
		"request_id": requestID,
		"symbol":     req.Symbol,
		"data_type":  string(req.DataType),
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{"panic": fmt.Sprint(r)}).Error("request pipeline panicked")
			resp = models.ErrorResponse(models.ErrCodeInternal, "internal error")
		}
		resp.RequestID = requestID
		resp.Elapsed = time.Since(start)
	}()

	if err := req.Validate(); err != nil {
		return models.ErrorResponse(models.ErrCodeValidation, err.Error())
	}

	var cacheKey string
	if o.cacheable(req) {
		cacheKey = CacheKey(req)
		if value, ok := o.cache.Get(cacheKey); ok {
			logger.IncrementCacheHit()
			return &models.DataResponse{
				Success:   true,
				Data:      value,
				FromCache: true,
				CacheKey:  cacheKey,
			}
		}
		logger.IncrementCacheMiss()
	}

	primary, ok := o.router.Route(req)
	if !ok {
		log.Warn("no data source registered for request")
		return models.ErrorResponse(models.ErrCodeNoDataSource, "no data source available for request")
	}

	candidates := o.candidates(primary, req)
	for i, name := range candidates {
		// A dead caller context must not charge failures to sources
		// that never got a genuine attempt.
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.WithError(ctxErr).Warn("request cancelled, abandoning failover")
			return models.ErrorResponse(models.ErrCodeSourcesUnavailable, "request cancelled before remaining sources could be tried")
		}

		adapter, registered := o.router.Adapter(name)
		if !registered {
			continue
		}

		br := o.breakers.ForSource(name)
		if !br.CanExecute() {
			log.WithFields(logger.Fields{"source": name}).Warn("circuit open, skipping source")
			continue
		}

		result, err := o.attempt(ctx, name, br, adapter, req)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"source": name}).Warn("source fetch failed")
			if errors.Is(err, errProviderPanic) {
				return models.ErrorResponse(models.ErrCodeInternal, "internal error")
			}
			continue
		}

		result.Source = name
		if i > 0 {
			result.Source += models.FallbackSuffix
			logger.IncrementFailover()
			metrics.CountFailover(name)
			log.WithFields(logger.Fields{"source": name, "primary": primary}).Info("request served by fallback source")
		}
		if cacheKey != "" && result.Data != nil {
			o.cache.Put(cacheKey, result.Data, &cache.PutOptions{TTL: req.CacheTTL})
			result.CacheKey = cacheKey
		}
		metrics.Emit(o.log, "gateway", "fetch_duration_ms", time.Since(start).Milliseconds(), "timer", logger.Fields{
			"source":    name,
			"data_type": string(req.DataType),
		})
		return result
	}

	log.WithFields(logger.Fields{"candidates": candidates}).Error("all candidate sources unavailable")
	return models.ErrorResponse(models.ErrCodeSourcesUnavailable, "all candidate sources failed or are unavailable")
}

// attempt runs one provider fetch through its breaker and feeds the outcome
// into the source's performance metrics exactly once, cancelled or not.
func (o *Orchestrator) attempt(ctx context.Context, name string, br breaker.Breaker, adapter provider.Provider, req *models.DataRequest) (result *models.DataResponse, err error) {
	fetchCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		latency := time.Since(start).Seconds()
		if m, ok := o.router.SourceMetrics(name); ok {
			if err == nil && result != nil && result.Success {
				m.RecordSuccess(latency)
			} else {
				m.RecordFailure(latency)
			}
		}
		if err == nil && result != nil && result.Success {
			logger.IncrementFetchSuccess(name)
			metrics.CountRequest(name, "success")
		} else {
			logger.IncrementFetchFailure(name)
			metrics.CountRequest(name, "failure")
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %v", errProviderPanic, r)
		}
	}()

	result, err = br.Execute(fetchCtx, req, adapter.Fetch)
	if err != nil {
		return nil, err
	}
	if result == nil || !result.Success {
		return nil, fmt.Errorf("source %s returned an unsuccessful response", name)
	}
	return result, nil
}

// candidates is the primary followed by the ranked alternatives, deduped.
// The alternative list bounds how far failover can walk.
func (o *Orchestrator) candidates(primary string, req *models.DataRequest) []string {
	out := []string{primary}
	for _, name := range o.router.AlternativeSources(req) {
		if name != primary {
			out = append(out, name)
		}
	}
	return out
}

func (o *Orchestrator) cacheable(req *models.DataRequest) bool {
	return o.cache != nil && req.UseCache
}

// Shutdown disconnects every registered provider and closes the cache,
// releasing event-bus subscriptions. Safe to call once at process exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, name := range o.router.Sources() {
		adapter, ok := o.router.Adapter(name)
		if !ok {
			continue
		}
		if err := adapter.Disconnect(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("disconnect %s: %w", name, err)
		}
	}
	if o.cache != nil {
		o.cache.Close()
	}
	o.log.WithComponent("gateway").Info("gateway shut down")
	return firstErr
}
