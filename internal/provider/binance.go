package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"

	"marketgate/config"
	"marketgate/logger"
	"marketgate/models"
)

// BinanceProvider serves spot market data through the official REST API.
type BinanceProvider struct {
	name   string
	client *binance.Client
	log    *logger.Log
}

// NewBinanceProvider builds a provider from source configuration. BaseURL
// overrides the client endpoint when set, which is how tests point the
// adapter at a local server.
func NewBinanceProvider(cfg config.SourceConfig) *BinanceProvider {
	client := binance.NewClient(cfg.APIKey, cfg.Secret)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}

	return &BinanceProvider{
		name:   cfg.Name,
		client: client,
		log:    logger.GetLogger(),
	}
}

func (p *BinanceProvider) Name() string { return p.name }

// Connect verifies connectivity with a ping.
func (p *BinanceProvider) Connect(ctx context.Context) error {
	if err := p.client.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("binance ping failed: %w", err)
	}
	p.log.WithComponent("binance_provider").WithFields(logger.Fields{
		"source": p.name,
	}).Info("connected to binance")
	return nil
}

func (p *BinanceProvider) Disconnect() error { return nil }

func (p *BinanceProvider) Fetch(ctx context.Context, req *models.DataRequest) (*models.DataResponse, error) {
	switch req.DataType {
	case models.DataTypeQuote:
		return p.fetchQuote(ctx, req)
	case models.DataTypeOHLCV:
		return p.fetchCandles(ctx, req)
	case models.DataTypeOrderbook:
		return p.fetchOrderBook(ctx, req)
	case models.DataTypeTrades:
		return p.fetchTrades(ctx, req)
	default:
		return nil, fmt.Errorf("data type %q not supported by %s", req.DataType, p.name)
	}
}

func (p *BinanceProvider) HealthCheck(ctx context.Context) models.HealthStatus {
	start := time.Now()
	err := p.client.NewPingService().Do(ctx)
	latency := time.Since(start)

	status := models.HealthStatus{
		Latency:   latency.Seconds(),
		CheckedAt: time.Now().UTC(),
	}
	switch {
	case err != nil:
		status.State = models.HealthUnhealthy
		status.Message = err.Error()
	case latency > 2*time.Second:
		status.State = models.HealthDegraded
		status.Message = "slow ping"
	default:
		status.State = models.HealthHealthy
	}
	return status
}

func (p *BinanceProvider) fetchQuote(ctx context.Context, req *models.DataRequest) (*models.DataResponse, error) {
	prices, err := p.client.NewListPricesService().Symbol(req.Symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch quote for %s: %w", req.Symbol, err)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("no price returned for %s", req.Symbol)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", prices[0].Price, err)
	}

	return &models.DataResponse{
		Success: true,
		Data: models.Quote{
			Symbol:    prices[0].Symbol,
			Price:     price,
			Timestamp: time.Now().UTC(),
			Source:    p.name,
		},
	}, nil
}

func (p *BinanceProvider) fetchCandles(ctx context.Context, req *models.DataRequest) (*models.DataResponse, error) {
	interval := req.Frequency
	if interval == "" {
		interval = "1m"
	}

	svc := p.client.NewKlinesService().Symbol(req.Symbol).Interval(interval)
	if req.Limit > 0 {
		svc = svc.Limit(req.Limit)
	}
	if req.StartTime != nil {
		svc = svc.StartTime(req.StartTime.UnixMilli())
	}
	if req.EndTime != nil {
		svc = svc.EndTime(req.EndTime.UnixMilli())
	}

	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines for %s: %w", req.Symbol, err)
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := candleFromKline(k)
		if err != nil {
			p.log.WithComponent("binance_provider").WithError(err).WithFields(logger.Fields{
				"symbol": req.Symbol,
			}).Warn("skipping malformed kline")
			continue
		}
		candles = append(candles, candle)
	}

	return &models.DataResponse{Success: true, Data: candles}, nil
}

func candleFromKline(k *binance.Kline) (models.Candle, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return models.Candle{}, err
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return models.Candle{}, err
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return models.Candle{}, err
	}
	cls, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return models.Candle{}, err
	}
	vol, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return models.Candle{}, err
	}
	return models.Candle{
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
	}, nil
}

func (p *BinanceProvider) fetchOrderBook(ctx context.Context, req *models.DataRequest) (*models.DataResponse, error) {
	svc := p.client.NewDepthService().Symbol(req.Symbol)
	if req.Limit > 0 {
		svc = svc.Limit(req.Limit)
	}

	depth, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch depth for %s: %w", req.Symbol, err)
	}

	book := models.OrderBook{
		Symbol:       req.Symbol,
		LastUpdateID: depth.LastUpdateID,
		Bids:         make([]models.OrderBookLevel, 0, len(depth.Bids)),
		Asks:         make([]models.OrderBookLevel, 0, len(depth.Asks)),
		Timestamp:    time.Now().UTC(),
	}
	for _, b := range depth.Bids {
		price, perr := strconv.ParseFloat(b.Price, 64)
		qty, qerr := strconv.ParseFloat(b.Quantity, 64)
		if perr != nil || qerr != nil {
			continue
		}
		book.Bids = append(book.Bids, models.OrderBookLevel{Price: price, Quantity: qty})
	}
	for _, a := range depth.Asks {
		price, perr := strconv.ParseFloat(a.Price, 64)
		qty, qerr := strconv.ParseFloat(a.Quantity, 64)
		if perr != nil || qerr != nil {
			continue
		}
		book.Asks = append(book.Asks, models.OrderBookLevel{Price: price, Quantity: qty})
	}

	return &models.DataResponse{Success: true, Data: book}, nil
}

func (p *BinanceProvider) fetchTrades(ctx context.Context, req *models.DataRequest) (*models.DataResponse, error) {
	svc := p.client.NewRecentTradesService().Symbol(req.Symbol)
	if req.Limit > 0 {
		svc = svc.Limit(req.Limit)
	}

	raw, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch trades for %s: %w", req.Symbol, err)
	}

	trades := make([]models.Trade, 0, len(raw))
	for _, t := range raw {
		price, perr := strconv.ParseFloat(t.Price, 64)
		qty, qerr := strconv.ParseFloat(t.Quantity, 64)
		if perr != nil || qerr != nil {
			continue
		}
		trades = append(trades, models.Trade{
			ID:         t.ID,
			Symbol:     req.Symbol,
			Price:      price,
			Quantity:   qty,
			Time:       time.UnixMilli(t.Time).UTC(),
			BuyerMaker: t.IsBuyerMaker,
		})
	}

	return &models.DataResponse{Success: true, Data: trades}, nil
}
