package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"marketgate/config"
	"marketgate/logger"
	"marketgate/models"
)

// HTTPProvider fetches data from any JSON REST endpoint laid out as
// GET {base}/{data_type}/{symbol}. Request parameters travel as query
// string values, so one adapter covers most in-house market data services.
type HTTPProvider struct {
	name    string
	baseURL string
	headers map[string]string
	client  *http.Client
	log     *logger.Log
}

func NewHTTPProvider(cfg config.SourceConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPProvider{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		headers: cfg.Headers,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    16,
				MaxConnsPerHost: 8,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		log: logger.GetLogger(),
	}
}

func (p *HTTPProvider) Name() string { return p.name }

// Connect probes the base URL. A 404 on the root path still proves the
// host is reachable, so only transport errors fail the connect.
func (p *HTTPProvider) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL, nil)
	if err != nil {
		return fmt.Errorf("build connect probe: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", p.baseURL, err)
	}
	resp.Body.Close()

	p.log.WithComponent("http_provider").WithFields(logger.Fields{
		"source": p.name,
		"base":   p.baseURL,
	}).Info("connected to http source")
	return nil
}

func (p *HTTPProvider) Disconnect() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *HTTPProvider) Fetch(ctx context.Context, req *models.DataRequest) (*models.DataResponse, error) {
	endpoint, err := p.requestURL(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned status %d: %s", p.name, resp.StatusCode, string(body))
	}

	var payload interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", p.name, err)
	}

	return &models.DataResponse{Success: true, Data: payload}, nil
}

func (p *HTTPProvider) requestURL(req *models.DataRequest) (string, error) {
	base, err := url.Parse(p.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	endpoint := base.JoinPath(string(req.DataType), req.Symbol)

	q := endpoint.Query()
	if req.Frequency != "" {
		q.Set("frequency", req.Frequency)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.StartTime != nil {
		q.Set("start", strconv.FormatInt(req.StartTime.UnixMilli(), 10))
	}
	if req.EndTime != nil {
		q.Set("end", strconv.FormatInt(req.EndTime.UnixMilli(), 10))
	}
	for k, v := range req.Filters {
		q.Set(k, v)
	}
	endpoint.RawQuery = q.Encode()

	return endpoint.String(), nil
}

func (p *HTTPProvider) HealthCheck(ctx context.Context) models.HealthStatus {
	start := time.Now()
	err := p.Connect(ctx)
	latency := time.Since(start)

	status := models.HealthStatus{
		Latency:   latency.Seconds(),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		status.State = models.HealthUnhealthy
		status.Message = err.Error()
	} else {
		status.State = models.HealthHealthy
	}
	return status
}
