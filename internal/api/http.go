package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc/codes"

	"github.com/miradorstack/loglens/internal/config"
	"github.com/miradorstack/loglens/internal/detectors"
	"github.com/miradorstack/loglens/internal/engine"
	"github.com/miradorstack/loglens/internal/models"
	"github.com/miradorstack/loglens/internal/services"
	"github.com/miradorstack/loglens/internal/store"
	"github.com/miradorstack/loglens/internal/utils"
)

const (
	defaultParsedLimit   = 100
	defaultFindingsLimit = 500
	defaultTopErrors     = 10
	defaultTopN          = 5
	defaultSnapshots     = 30
)

// HTTPServer serves the REST API over gin.
type HTTPServer struct {
	cfg      config.ServerConfig
	server   *http.Server
	listener net.Listener
}

// NewHTTPServer binds the configured HTTP address and wraps the router in otelhttp.
func NewHTTPServer(cfg config.ServerConfig, svc *services.AnalyticsService, logger *slog.Logger) (*HTTPServer, error) {
	lis, err := net.Listen("tcp", cfg.HTTPAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddress, err)
	}
	gin.SetMode(gin.ReleaseMode)
	handler := otelhttp.NewHandler(NewRouter(svc, logger, cfg.MaxUploadBytes), "loglens-http")
	return &HTTPServer{
		cfg:      cfg,
		listener: lis,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      5 * time.Minute,
		},
	}, nil
}

// Start serves until Shutdown is called.
func (s *HTTPServer) Start() error {
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Address exposes the bound listener address.
func (s *HTTPServer) Address() string {
	return s.listener.Addr().String()
}

type handlers struct {
	svc       *services.AnalyticsService
	logger    *slog.Logger
	maxUpload int64
}

// NewRouter registers every route on a fresh gin engine.
func NewRouter(svc *services.AnalyticsService, logger *slog.Logger, maxUpload int64) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc, logger: logger, maxUpload: maxUpload}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", h.health)

	logs := r.Group("/logs")
	logs.POST("/upload", h.upload)
	logs.GET("/parsed", h.parsed)

	anomalies := r.Group("/anomalies")
	anomalies.GET("", h.listFindings)
	anomalies.GET("/", h.listFindings)
	anomalies.POST("/run", h.runOutliers)
	anomalies.POST("/error-spike", h.errorSpike)
	anomalies.POST("/security", h.security)
	anomalies.POST("/semantic-clusters", h.semanticClusters)
	anomalies.POST("/outliers", h.semanticOutliers)
	anomalies.POST("/sequence-ml", h.sequenceML)
	anomalies.POST("/predict", h.predict)
	anomalies.POST("/run-all", h.runAll)

	m := r.Group("/metrics")
	m.GET("/daily", h.daily)
	m.GET("/top-errors", h.topErrors)
	m.GET("/top-anomalies", h.topAnomalies)
	m.GET("/slowest", h.slowest)
	m.GET("/downtime", h.downtime)
	m.GET("/summary", h.summary)
	m.GET("/snapshots", h.snapshots)

	r.GET("/reports", h.report)
	return r
}

func (h *handlers) engine() *engine.Engine {
	return h.svc.Engine()
}

func (h *handlers) health(c *gin.Context) {
	if err := h.svc.Health(c.Request.Context()); err != nil {
		h.logger.Warn("health check failed", slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "latency": h.svc.Latencies()})
}

func (h *handlers) upload(c *gin.Context) {
	body := c.Request.Body
	if h.maxUpload > 0 {
		body = http.MaxBytesReader(c.Writer, body, h.maxUpload)
		c.Request.Body = body
	}

	var src io.Reader = body
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "No file uploaded"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			h.fail(c, err)
			return
		}
		defer f.Close()
		src = f
	}

	res, err := h.svc.Ingest(c.Request.Context(), src)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"status": "error", "error": "upload too large"})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "saved": res.Saved, "stats": res.Stats})
}

func (h *handlers) parsed(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultParsedLimit)
	if err != nil {
		h.fail(c, err)
		return
	}
	records, err := h.svc.RecentRecords(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(records))
}

func (h *handlers) listFindings(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultFindingsLimit)
	if err != nil {
		h.fail(c, err)
		return
	}
	window, err := timeRange(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	q := store.FindingQuery{Window: window, Limit: limit, RunID: c.Query("run_id")}
	for _, k := range c.QueryArray("kind") {
		q.Kinds = append(q.Kinds, models.Kind(k))
	}
	findings, err := h.engine().ListFindings(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(findings))
}

func (h *handlers) runOutliers(c *gin.Context) {
	h.detected(c, func(ctx context.Context, eng *engine.Engine, testing bool) ([]models.Finding, error) {
		return eng.DetectOutliers(ctx, eng.Window(testing, eng.Config().Windows.Outlier))
	})
}

func (h *handlers) errorSpike(c *gin.Context) {
	h.detected(c, func(ctx context.Context, eng *engine.Engine, testing bool) ([]models.Finding, error) {
		return eng.DetectErrorSpikes(ctx, eng.Window(testing, eng.Config().Windows.ErrorSpike))
	})
}

func (h *handlers) detected(c *gin.Context, run func(context.Context, *engine.Engine, bool) ([]models.Finding, error)) {
	testing, err := queryBool(c, "testing", false)
	if err != nil {
		h.fail(c, err)
		return
	}
	findings, err := run(c.Request.Context(), h.engine(), testing)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "detected": len(findings), "items": nonNil(findings)})
}

func (h *handlers) security(c *gin.Context) {
	testing, err := queryBool(c, "testing", false)
	if err != nil {
		h.fail(c, err)
		return
	}
	details, err := h.engine().RunSecurityChecks(c.Request.Context(), testing)
	if err != nil {
		h.fail(c, err)
		return
	}
	total := 0
	for _, v := range details {
		total += len(v)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "total_detected": total, "details": details})
}

func (h *handlers) clusterArgs(c *gin.Context) (models.WindowPolicy, detectors.ClusterParams, error) {
	eng := h.engine()
	params := eng.Config().Cluster
	testing, err := queryBool(c, "testing", false)
	if err != nil {
		return models.WindowPolicy{}, params, err
	}
	if params.Eps, err = queryFloat(c, "eps", params.Eps); err != nil {
		return models.WindowPolicy{}, params, err
	}
	if params.MinSamples, err = queryInt(c, "min_samples", params.MinSamples); err != nil {
		return models.WindowPolicy{}, params, err
	}
	return eng.Window(testing, eng.Config().Windows.Cluster), params, nil
}

func (h *handlers) semanticClusters(c *gin.Context) {
	window, params, err := h.clusterArgs(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var result models.ClusterResult
	err = h.svc.Track("cluster", func() error {
		result, err = h.engine().ClusterMessages(c.Request.Context(), window, params)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": result})
}

func (h *handlers) semanticOutliers(c *gin.Context) {
	window, params, err := h.clusterArgs(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	result, findings, err := h.engine().DetectSemanticOutliers(c.Request.Context(), window, params)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"outliers": result.Outliers,
		"meta":     result.Meta,
		"detected": len(findings),
	})
}

func (h *handlers) sequenceML(c *gin.Context) {
	eng := h.engine()
	threshold, err := queryFloat(c, "threshold", eng.Config().SequenceThreshold)
	if err != nil {
		h.fail(c, err)
		return
	}
	hours, err := queryInt(c, "window_hours", int(eng.Config().Windows.Markov/time.Hour))
	if err != nil {
		h.fail(c, err)
		return
	}
	testing, err := queryBool(c, "testing", false)
	if err != nil {
		h.fail(c, err)
		return
	}
	findings, err := eng.DetectSequenceAnomalies(c.Request.Context(), eng.Window(testing, time.Duration(hours)*time.Hour), threshold)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "items": nonNil(findings)})
}

func (h *handlers) predict(c *gin.Context) {
	eng := h.engine()
	back, err := queryInt(c, "minutes_back", int(eng.Config().Windows.Forecast/time.Minute))
	if err != nil {
		h.fail(c, err)
		return
	}
	ahead, err := queryInt(c, "predict_minutes", eng.Config().PredictMinutes)
	if err != nil {
		h.fail(c, err)
		return
	}
	testing, err := queryBool(c, "testing", true)
	if err != nil {
		h.fail(c, err)
		return
	}
	result, err := eng.ForecastErrors(c.Request.Context(), eng.Window(testing, time.Duration(back)*time.Minute), ahead)
	if err != nil {
		h.fail(c, err)
		return
	}
	body := gin.H{"status": "ok", "ok": result.OK, "timeline": result.Timeline}
	if result.Model != "" {
		body["model"] = result.Model
	}
	if result.Reason != "" {
		body["reason"] = result.Reason
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) runAll(c *gin.Context) {
	opts, err := runOptionsFromQuery(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	var report engine.RunReport
	err = h.svc.Track("run_all", func() error {
		report, err = h.engine().RunAll(c.Request.Context(), opts)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "total_detected": report.Total(), "report": report})
}

func runOptionsFromQuery(c *gin.Context) (engine.RunOptions, error) {
	var (
		opts engine.RunOptions
		err  error
	)
	if opts.Testing, err = queryBool(c, "testing", false); err != nil {
		return opts, err
	}
	if opts.FloodThreshold, err = queryInt(c, "flood_threshold", 0); err != nil {
		return opts, err
	}
	if _, ok := c.GetQuery("threshold"); ok {
		v, err := queryFloat(c, "threshold", 0)
		if err != nil {
			return opts, err
		}
		opts.SequenceThreshold = &v
	}
	if _, ok := c.GetQuery("predict_minutes"); ok {
		v, err := queryInt(c, "predict_minutes", 0)
		if err != nil {
			return opts, err
		}
		opts.PredictMinutes = &v
	}
	_, hasEps := c.GetQuery("eps")
	_, hasMin := c.GetQuery("min_samples")
	if hasEps || hasMin {
		params := detectors.DefaultClusterParams()
		if params.Eps, err = queryFloat(c, "eps", params.Eps); err != nil {
			return opts, err
		}
		if params.MinSamples, err = queryInt(c, "min_samples", params.MinSamples); err != nil {
			return opts, err
		}
		opts.Cluster = &params
	}
	return opts, nil
}

// analyticsWindow resolves ?testing= against a rollup's default lookback.
func (h *handlers) analyticsWindow(c *gin.Context, d time.Duration) (models.WindowPolicy, error) {
	testing, err := queryBool(c, "testing", false)
	if err != nil {
		return models.WindowPolicy{}, err
	}
	return h.engine().Window(testing, d), nil
}

func (h *handlers) daily(c *gin.Context) {
	window, err := h.analyticsWindow(c, h.engine().Config().Windows.Analytics)
	if err != nil {
		h.fail(c, err)
		return
	}
	snap, err := h.engine().Aggregate(c.Request.Context(), window)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handlers) topErrors(c *gin.Context) {
	window, err := h.analyticsWindow(c, h.engine().Config().Windows.TopErrors)
	if err != nil {
		h.fail(c, err)
		return
	}
	limit, err := queryInt(c, "limit", defaultTopErrors)
	if err != nil {
		h.fail(c, err)
		return
	}
	rows, err := h.engine().TopErrorEndpoints(c.Request.Context(), window, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": nonNil(rows)})
}

func (h *handlers) topAnomalies(c *gin.Context) {
	window, err := h.analyticsWindow(c, h.engine().Config().Windows.Analytics)
	if err != nil {
		h.fail(c, err)
		return
	}
	limit, err := queryInt(c, "limit", defaultTopN)
	if err != nil {
		h.fail(c, err)
		return
	}
	rows, err := h.engine().TopFindingKinds(c.Request.Context(), window, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(rows))
}

func (h *handlers) slowest(c *gin.Context) {
	window, err := h.analyticsWindow(c, h.engine().Config().Windows.Analytics)
	if err != nil {
		h.fail(c, err)
		return
	}
	limit, err := queryInt(c, "limit", defaultTopN)
	if err != nil {
		h.fail(c, err)
		return
	}
	rows, err := h.engine().SlowestEndpoints(c.Request.Context(), window, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(rows))
}

func (h *handlers) downtime(c *gin.Context) {
	window, err := h.analyticsWindow(c, h.engine().Config().Windows.Analytics)
	if err != nil {
		h.fail(c, err)
		return
	}
	rows, err := h.engine().DowntimeIndicators(c.Request.Context(), window)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(rows))
}

func (h *handlers) summary(c *gin.Context) {
	window, err := h.analyticsWindow(c, h.engine().Config().Windows.Analytics)
	if err != nil {
		h.fail(c, err)
		return
	}
	sum, err := h.engine().ErrorTrendSummary(c.Request.Context(), window)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *handlers) snapshots(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultSnapshots)
	if err != nil {
		h.fail(c, err)
		return
	}
	snaps, err := h.engine().Snapshots(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(snaps))
}

func (h *handlers) report(c *gin.Context) {
	window, err := h.analyticsWindow(c, h.engine().Config().Windows.Analytics)
	if err != nil {
		h.fail(c, err)
		return
	}
	rep, err := h.engine().Report(c.Request.Context(), window)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// fail maps err onto an HTTP status. Internal causes are logged, not returned.
func (h *handlers) fail(c *gin.Context, err error) {
	status := httpStatus(services.Code(err))
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
	}
	msg := utils.PublicMessage(err, http.StatusText(status))
	if status == http.StatusBadRequest {
		msg = err.Error()
	}
	c.JSON(status, gin.H{"status": "error", "error": msg})
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// timeRange reads optional since/until bounds.
func timeRange(c *gin.Context) (models.WindowPolicy, error) {
	var since, until time.Time
	for name, dst := range map[string]*time.Time{"since": &since, "until": &until} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		t, err := utils.ParseTimestamp(raw)
		if err != nil {
			return models.WindowPolicy{}, fmt.Errorf("%w: %s: %v", engine.ErrInvalidParameter, name, err)
		}
		*dst = t
	}
	switch {
	case since.IsZero() && until.IsZero():
		return models.Unbounded(), nil
	case until.IsZero():
		return models.Since(since), nil
	default:
		return models.Between(since, until), nil
	}
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", engine.ErrInvalidParameter, name)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: %s must be non-negative", engine.ErrInvalidParameter, name)
	}
	return v, nil
}

func queryFloat(c *gin.Context, name string, def float64) (float64, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", engine.ErrInvalidParameter, name)
	}
	return v, nil
}

func queryBool(c *gin.Context, name string, def bool) (bool, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", engine.ErrInvalidParameter, name)
	}
	return v, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
