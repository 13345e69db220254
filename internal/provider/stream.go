package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketgate/config"
	"marketgate/logger"
	"marketgate/models"
)

// streamFrame is the wire format of one feed message.
type streamFrame struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// StreamProvider keeps a websocket subscription open and answers quote
// requests from the latest frame seen per symbol. It only serves the quote
// data type; historical shapes belong to the REST adapters.
type StreamProvider struct {
	name    string
	feedURL string
	log     *logger.Log

	mu      sync.RWMutex
	latest  map[string]models.Quote
	conn    *websocket.Conn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewStreamProvider(cfg config.SourceConfig) *StreamProvider {
	return &StreamProvider{
		name:    cfg.Name,
		feedURL: cfg.FeedURL,
		latest:  make(map[string]models.Quote),
		log:     logger.GetLogger(),
	}
}

func (p *StreamProvider) Name() string { return p.name }

// Connect dials the feed and starts the read loop.
func (p *StreamProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("stream provider %s already connected", p.name)
	}
	p.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.feedURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.feedURL, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.conn = conn
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.readLoop(loopCtx, conn)

	p.log.WithComponent("stream_provider").WithFields(logger.Fields{
		"source": p.name,
		"feed":   p.feedURL,
	}).Info("stream connected")
	return nil
}

func (p *StreamProvider) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer p.wg.Done()

	log := p.log.WithComponent("stream_provider").WithFields(logger.Fields{
		"source": p.name,
		"worker": "feed_reader",
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("feed read failed, stopping reader")
			}
			return
		}

		var frame streamFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.WithError(err).Warn("dropping malformed frame")
			continue
		}
		if frame.Symbol == "" {
			continue
		}

		ts := time.Now().UTC()
		if frame.Timestamp > 0 {
			ts = time.UnixMilli(frame.Timestamp).UTC()
		}

		p.mu.Lock()
		p.latest[frame.Symbol] = models.Quote{
			Symbol:    frame.Symbol,
			Price:     frame.Price,
			Timestamp: ts,
			Source:    p.name,
		}
		p.mu.Unlock()
	}
}

// Disconnect stops the read loop and closes the connection.
func (p *StreamProvider) Disconnect() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	p.wg.Wait()

	p.log.WithComponent("stream_provider").WithFields(logger.Fields{
		"source": p.name,
	}).Info("stream disconnected")
	return err
}

func (p *StreamProvider) Fetch(ctx context.Context, req *models.DataRequest) (*models.DataResponse, error) {
	if req.DataType != models.DataTypeQuote {
		return nil, fmt.Errorf("data type %q not supported by stream source %s", req.DataType, p.name)
	}

	p.mu.RLock()
	quote, ok := p.latest[req.Symbol]
	p.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no streamed quote for %s yet", req.Symbol)
	}

	return &models.DataResponse{Success: true, Data: quote}, nil
}

func (p *StreamProvider) HealthCheck(ctx context.Context) models.HealthStatus {
	p.mu.RLock()
	running := p.running
	symbols := len(p.latest)
	p.mu.RUnlock()

	status := models.HealthStatus{CheckedAt: time.Now().UTC()}
	switch {
	case !running:
		status.State = models.HealthUnhealthy
		status.Message = "feed disconnected"
	case symbols == 0:
		status.State = models.HealthDegraded
		status.Message = "connected but no frames received"
	default:
		status.State = models.HealthHealthy
	}
	return status
}
