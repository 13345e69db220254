package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"marketgate/config"
	"marketgate/logger"
	"marketgate/models"
)

// FetchFunc is the guarded operation: one provider fetch.
type FetchFunc func(ctx context.Context, req *models.DataRequest) (*models.DataResponse, error)

// Breaker gates calls to a single source.
type Breaker interface {
	// CanExecute reports whether the breaker would currently admit a call.
	CanExecute() bool
	// Execute runs fn through the breaker, counting the outcome.
	Execute(ctx context.Context, req *models.DataRequest, fn FetchFunc) (*models.DataResponse, error)
}

// Provider hands out one breaker per source name. The gateway treats this
// as an external collaborator; Manager is the default implementation.
type Provider interface {
	ForSource(name string) Breaker
}

// Manager lazily creates one circuit breaker per source from shared
// settings.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*sourceBreaker
	cfg      config.CircuitBreakerConfig
	log      *logger.Log
}

func NewManager(cfg config.CircuitBreakerConfig, log *logger.Log) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{
		breakers: make(map[string]*sourceBreaker),
		cfg:      cfg,
		log:      log,
	}
}

// ForSource returns the breaker guarding the named source, creating it on
// first use.
func (m *Manager) ForSource(name string) Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}

	maxRequests := uint32(m.cfg.HalfOpenMaxRequests)
	if maxRequests == 0 {
		maxRequests = 1
	}
	timeout := m.cfg.RecoveryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	threshold := uint32(m.cfg.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}

	log := m.log
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: maxRequests,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithComponent("breaker").WithFields(logger.Fields{
				"source": name,
				"from":   from.String(),
				"to":     to.String(),
			}).Warn("circuit breaker state changed")
		},
	})

	b := &sourceBreaker{cb: cb}
	m.breakers[name] = b
	return b
}

type sourceBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func (b *sourceBreaker) CanExecute() bool {
	return b.cb.State() != gobreaker.StateOpen
}

func (b *sourceBreaker) Execute(ctx context.Context, req *models.DataRequest, fn FetchFunc) (*models.DataResponse, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.DataResponse), nil
}
