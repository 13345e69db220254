package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketgate/models"
)

// ReplayProvider serves canned responses keyed by data type and symbol.
// It backs the "replay" source kind for offline environments and is the
// standard stand-in for upstreams in tests. Failure injection and
// artificial latency make failover paths reproducible.
type ReplayProvider struct {
	name string

	mu        sync.Mutex
	responses map[string]interface{}
	failNext  int
	failErr   error
	delay     time.Duration
	fetches   int
	connected bool
}

func NewReplayProvider(name string) *ReplayProvider {
	return &ReplayProvider{
		name:      name,
		responses: make(map[string]interface{}),
	}
}

func replayKey(dataType models.DataType, symbol string) string {
	return string(dataType) + ":" + symbol
}

// Load registers the payload returned for a data type and symbol pair.
func (p *ReplayProvider) Load(dataType models.DataType, symbol string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[replayKey(dataType, symbol)] = payload
}

// FailNext makes the following n fetches return err.
func (p *ReplayProvider) FailNext(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
	p.failErr = err
}

// SetDelay adds artificial latency to every fetch.
func (p *ReplayProvider) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Fetches reports how many fetch calls reached this provider.
func (p *ReplayProvider) Fetches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

func (p *ReplayProvider) Name() string { return p.name }

func (p *ReplayProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *ReplayProvider) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *ReplayProvider) Fetch(ctx context.Context, req *models.DataRequest) (*models.DataResponse, error) {
	p.mu.Lock()
	p.fetches++
	delay := p.delay
	var injected error
	if p.failNext > 0 {
		p.failNext--
		injected = p.failErr
		if injected == nil {
			injected = fmt.Errorf("injected failure from %s", p.name)
		}
	}
	payload, ok := p.responses[replayKey(req.DataType, req.Symbol)]
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if injected != nil {
		return nil, injected
	}
	if !ok {
		return nil, fmt.Errorf("no replay data for %s %s", req.DataType, req.Symbol)
	}

	return &models.DataResponse{Success: true, Data: payload}, nil
}

func (p *ReplayProvider) HealthCheck(ctx context.Context) models.HealthStatus {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()

	state := models.HealthHealthy
	if !connected {
		state = models.HealthUnhealthy
	}
	return models.HealthStatus{State: state, CheckedAt: time.Now().UTC()}
}
