package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketgate/config"
	"marketgate/models"
)

func quoteRequest(symbol string) *models.DataRequest {
	return &models.DataRequest{Symbol: symbol, DataType: models.DataTypeQuote}
}

func TestReplayProviderRoundTrip(t *testing.T) {
	p := NewReplayProvider("replay")
	p.Load(models.DataTypeQuote, "BTCUSDT", models.Quote{Symbol: "BTCUSDT", Price: 50000})

	resp, err := p.Fetch(context.Background(), quoteRequest("BTCUSDT"))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	quote, ok := resp.Data.(models.Quote)
	if !ok {
		t.Fatalf("unexpected payload type %T", resp.Data)
	}
	if quote.Price != 50000 {
		t.Fatalf("price = %v, want 50000", quote.Price)
	}
	if p.Fetches() != 1 {
		t.Fatalf("fetches = %d, want 1", p.Fetches())
	}
}

func TestReplayProviderFailureInjection(t *testing.T) {
	p := NewReplayProvider("replay")
	p.Load(models.DataTypeQuote, "BTCUSDT", models.Quote{Symbol: "BTCUSDT", Price: 1})
	p.FailNext(2, errors.New("upstream exploded"))

	for i := 0; i < 2; i++ {
		if _, err := p.Fetch(context.Background(), quoteRequest("BTCUSDT")); err == nil {
			t.Fatalf("fetch %d should have failed", i)
		}
	}
	if _, err := p.Fetch(context.Background(), quoteRequest("BTCUSDT")); err != nil {
		t.Fatalf("fetch after injected failures should succeed: %v", err)
	}
}

func TestReplayProviderUnknownSymbol(t *testing.T) {
	p := NewReplayProvider("replay")
	if _, err := p.Fetch(context.Background(), quoteRequest("MISSING")); err == nil {
		t.Fatal("expected error for unloaded symbol")
	}
}

func TestReplayProviderHonoursContext(t *testing.T) {
	p := NewReplayProvider("replay")
	p.Load(models.DataTypeQuote, "BTCUSDT", models.Quote{})
	p.SetDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := p.Fetch(ctx, quoteRequest("BTCUSDT")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestHTTPProviderFetch(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]interface{}{"symbol": "AAPL", "price": 190.5})
	}))
	defer srv.Close()

	p := NewHTTPProvider(config.SourceConfig{
		Name:    "internal-feed",
		BaseURL: srv.URL,
		Headers: map[string]string{"X-Api-Key": "k"},
	})

	req := &models.DataRequest{
		Symbol:    "AAPL",
		DataType:  models.DataTypeQuote,
		Limit:     5,
		Frequency: "1m",
		Filters:   map[string]string{"venue": "nasdaq"},
	}
	resp, err := p.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected success")
	}
	if gotPath != "/quote/AAPL" {
		t.Fatalf("path = %q, want /quote/AAPL", gotPath)
	}
	for _, want := range []string{"limit=5", "frequency=1m", "venue=nasdaq"} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query %q missing %q", gotQuery, want)
		}
	}

	payload, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected payload type %T", resp.Data)
	}
	if payload["price"] != 190.5 {
		t.Fatalf("price = %v, want 190.5", payload["price"])
	}
}

func TestHTTPProviderNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(config.SourceConfig{Name: "flaky", BaseURL: srv.URL})
	if _, err := p.Fetch(context.Background(), quoteRequest("AAPL")); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestHTTPProviderHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	p := NewHTTPProvider(config.SourceConfig{Name: "internal-feed", BaseURL: srv.URL})

	if got := p.HealthCheck(context.Background()); got.State != models.HealthHealthy {
		t.Fatalf("state = %q, want healthy", got.State)
	}

	srv.Close()
	if got := p.HealthCheck(context.Background()); got.State != models.HealthUnhealthy {
		t.Fatalf("state = %q, want unhealthy after shutdown", got.State)
	}
}

func TestBinanceProviderQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/ping"):
			w.Write([]byte("{}"))
		case strings.Contains(r.URL.Path, "ticker/price"):
			json.NewEncoder(w).Encode([]map[string]string{{"symbol": "BTCUSDT", "price": "64250.10"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewBinanceProvider(config.SourceConfig{Name: "binance", Kind: "binance", BaseURL: srv.URL})

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	resp, err := p.Fetch(context.Background(), quoteRequest("BTCUSDT"))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	quote, ok := resp.Data.(models.Quote)
	if !ok {
		t.Fatalf("unexpected payload type %T", resp.Data)
	}
	if quote.Price != 64250.10 {
		t.Fatalf("price = %v, want 64250.10", quote.Price)
	}
}

func TestBinanceProviderRejectsFundamentals(t *testing.T) {
	p := NewBinanceProvider(config.SourceConfig{Name: "binance", Kind: "binance"})
	req := &models.DataRequest{Symbol: "BTCUSDT", DataType: models.DataTypeFundamentals}
	if _, err := p.Fetch(context.Background(), req); err == nil {
		t.Fatal("expected unsupported data type error")
	}
}

func TestStreamProviderServesLatestFrame(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames := []streamFrame{
			{Symbol: "BTCUSDT", Price: 100, Timestamp: time.Now().UnixMilli()},
			{Symbol: "BTCUSDT", Price: 101, Timestamp: time.Now().UnixMilli()},
			{Symbol: "ETHUSDT", Price: 5, Timestamp: time.Now().UnixMilli()},
		}
		for _, f := range frames {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		// Hold the connection open until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	p := NewStreamProvider(config.SourceConfig{
		Name:    "ticker-stream",
		FeedURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer p.Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	var resp *models.DataResponse
	var err error
	for time.Now().Before(deadline) {
		resp, err = p.Fetch(context.Background(), quoteRequest("BTCUSDT"))
		if err == nil {
			if q := resp.Data.(models.Quote); q.Price == 101 {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if q := resp.Data.(models.Quote); q.Price != 101 {
		t.Fatalf("price = %v, want latest frame 101", q.Price)
	}

	if _, err := p.Fetch(context.Background(), quoteRequest("SOLUSDT")); err == nil {
		t.Fatal("expected error for symbol with no frames")
	}
}

func TestStreamProviderRejectsHistoricalTypes(t *testing.T) {
	p := NewStreamProvider(config.SourceConfig{Name: "ticker-stream", FeedURL: "ws://unused"})
	req := &models.DataRequest{Symbol: "BTCUSDT", DataType: models.DataTypeOHLCV}
	if _, err := p.Fetch(context.Background(), req); err == nil {
		t.Fatal("expected unsupported data type error")
	}
}

func TestRateLimitedBlocksUntilToken(t *testing.T) {
	inner := NewReplayProvider("replay")
	inner.Load(models.DataTypeQuote, "BTCUSDT", models.Quote{Price: 1})

	p := WithRateLimit(inner, 20, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := p.Fetch(context.Background(), quoteRequest("BTCUSDT")); err != nil {
			t.Fatalf("fetch %d failed: %v", i, err)
		}
	}
	// Burst of 1 at 20 rps means the third call waits about 100ms total.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("three fetches completed in %v, limiter not applied", elapsed)
	}
}

func TestRateLimitDisabledPassthrough(t *testing.T) {
	inner := NewReplayProvider("replay")
	if p := WithRateLimit(inner, 0, 0); p != Provider(inner) {
		t.Fatal("zero rate should return the inner provider unchanged")
	}
}

func TestFactoryKinds(t *testing.T) {
	cases := []struct {
		cfg     config.SourceConfig
		wantErr bool
	}{
		{config.SourceConfig{Name: "b", Kind: "binance"}, false},
		{config.SourceConfig{Name: "h", Kind: "http", BaseURL: "http://example.test"}, false},
		{config.SourceConfig{Name: "h2", Kind: "http"}, true},
		{config.SourceConfig{Name: "s", Kind: "stream", FeedURL: "ws://example.test"}, false},
		{config.SourceConfig{Name: "s2", Kind: "stream"}, true},
		{config.SourceConfig{Name: "r", Kind: "replay"}, false},
		{config.SourceConfig{Name: "x", Kind: "carrier-pigeon"}, true},
	}
	for _, tc := range cases {
		p, err := FromConfig(tc.cfg)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("kind %q: expected error", tc.cfg.Kind)
			}
			continue
		}
		if err != nil {
			t.Fatalf("kind %q: %v", tc.cfg.Kind, err)
		}
		if p.Name() != tc.cfg.Name {
			t.Fatalf("kind %q: name = %q", tc.cfg.Kind, p.Name())
		}
	}
}
