package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marketgate/config"
	"marketgate/internal/gateway"
	"marketgate/internal/metrics"
	"marketgate/logger"
	"marketgate/models"
)

// Server exposes the fetch pipeline and the pull-based observability
// surfaces over HTTP: the data endpoint, router and cache statistics,
// recent logs and metrics, resource samples and Prometheus metrics.
type Server struct {
	cfg               config.DashboardConfig
	log               *logger.Log
	orchestrator      *gateway.Orchestrator
	metricStore       *metricStore
	logStore          *logStore
	metricHandler     metrics.MetricHandlerID
	httpServer        *http.Server
	refreshIntervalMs int
	resourceSampler   *resourceSampler
}

// NewServer constructs the HTTP server when the dashboard is enabled.
// A disabled dashboard yields a nil server, which every method tolerates.
func NewServer(cfg config.DashboardConfig, orch *gateway.Orchestrator, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	ms := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(ms.handle)

	ls := newLogStore(cfg.LogHistory)
	log.AddHook(ls)

	return &Server{
		cfg:               cfg,
		log:               log,
		orchestrator:      orch,
		metricStore:       ms,
		logStore:          ls,
		metricHandler:     handlerID,
		refreshIntervalMs: int(cfg.RefreshInterval / time.Millisecond),
		resourceSampler:   newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, log),
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	s.resourceSampler.stop()
}

// Address reports the listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/api/v1/data", s.handleFetch)

	router.GET("/api/router", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"statistics": s.orchestrator.Router().RouteStatistics(),
			"sources":    s.orchestrator.Router().Metrics(c.Query("source")),
		})
	})

	router.GET("/api/cache", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.orchestrator.Cache().Stats())
	})

	router.DELETE("/api/cache", s.handleInvalidate)

	router.GET("/api/metrics", func(c *gin.Context) {
		snapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		snapshot := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, l := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	router.GET("/metrics", gin.WrapH(metrics.PrometheusHandler()))

	return router, nil
}

func (s *Server) handleFetch(c *gin.Context) {
	var req models.DataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(models.ErrCodeValidation, err.Error()))
		return
	}

	resp := s.orchestrator.FetchData(c.Request.Context(), &req)
	status := http.StatusOK
	if !resp.Success {
		switch resp.ErrorCode {
		case models.ErrCodeValidation:
			status = http.StatusBadRequest
		case models.ErrCodeNoDataSource:
			status = http.StatusNotFound
		case models.ErrCodeSourcesUnavailable:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
		}
	}
	c.JSON(status, resp)
}

func (s *Server) handleInvalidate(c *gin.Context) {
	pattern := c.Query("pattern")
	tags := c.QueryArray("tag")

	switch {
	case pattern != "":
		n, err := s.orchestrator.Cache().InvalidateByPattern(pattern)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"invalidated": n})
	case len(tags) > 0:
		c.JSON(http.StatusOK, gin.H{"invalidated": s.orchestrator.Cache().InvalidateByTags(tags)})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "pattern or tag query parameter required"})
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
