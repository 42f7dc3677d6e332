// Package server exposes the HTTP trigger surface: on-demand ingestion runs,
// task status lookups, the active schedules and a destination health check.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crimson-sun/tributary/internal/logging"
	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/pipeline"
	"github.com/crimson-sun/tributary/internal/results"
	"github.com/crimson-sun/tributary/internal/scheduler"
	"github.com/crimson-sun/tributary/internal/window"
)

const (
	// DefaultInterval is the window width used when a trigger names neither
	// an interval nor explicit bounds.
	DefaultInterval = 5
	// MaxInterval bounds the interval accepted from the trigger surface.
	MaxInterval = 360
)

// Runner is the part of the orchestrator the trigger surface drives.
type Runner interface {
	Sources() []string
	HasSource(name string) bool
	Submit(ctx context.Context, req pipeline.RunRequest) (model.Task, error)
	Task(ctx context.Context, id string) (model.Task, error)
	Running(ctx context.Context) ([]model.Task, error)
}

// Schedules lists the active periodic jobs.
type Schedules interface {
	ListJobs() []scheduler.JobInfo
}

// HealthChecker reports the health of the destination cluster.
type HealthChecker interface {
	ClusterHealth(ctx context.Context) (map[string]any, error)
}

// Options configures the router. Nil Schedules and Health are allowed.
type Options struct {
	Schedules Schedules
	Health    HealthChecker

	// APIKeys, when non-empty, are required in X-API-Key on every route
	// except /health.
	APIKeys []string
	Logger  *slog.Logger
	Now     func() time.Time
}

// ingestRequest is the optional JSON body of POST /ingest/:source.
type ingestRequest struct {
	Interval  *int   `json:"interval"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Dataset   string `json:"dataset"`
	Namespace string `json:"namespace"`
}

type handler struct {
	runner Runner
	opts   Options
	logger *slog.Logger
}

// NewRouter wires the public health route and the authenticated trigger
// routes.
func NewRouter(runner Runner, opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &handler{
		runner: runner,
		opts:   opts,
		logger: logging.Default(opts.Logger).With("component", "server"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))

	r.GET("/health", h.health)

	api := r.Group("/")
	if len(opts.APIKeys) > 0 {
		api.Use(APIKeyMiddleware(opts.APIKeys))
	}
	api.POST("/ingest/:source", h.ingest)
	api.GET("/tasks", h.listTasks)
	api.GET("/tasks/:id", h.getTask)
	api.GET("/schedules", h.schedules)
	api.GET("/sources", h.sources)

	return r
}

// APIKeyMiddleware rejects requests whose X-API-Key is not one of keys.
func APIKeyMiddleware(keys []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		allowed[k] = struct{}{}
	}
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader("X-API-Key"))
		if _, ok := allowed[key]; !ok || key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (h *handler) health(c *gin.Context) {
	if h.opts.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	health, err := h.opts.Health.ClusterHealth(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, health)
}

func (h *handler) ingest(c *gin.Context) {
	source := c.Param("source")
	if !h.runner.HasSource(source) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown source %q", source)})
		return
	}

	var body ingestRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}
	}

	params, err := windowParams(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := window.Resolve(h.opts.Now(), params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.runner.Submit(c.Request.Context(), pipeline.RunRequest{
		Source:    source,
		Window:    params,
		Dataset:   body.Dataset,
		Namespace: body.Namespace,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownSource) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("submit failed", "source", source, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submit failed"})
		return
	}
	c.JSON(http.StatusAccepted, task)
}

// windowParams validates the trigger body. Explicit bounds win over an
// interval; both bounds must be given together.
func windowParams(body ingestRequest) (window.Params, error) {
	if body.StartTime != "" || body.EndTime != "" {
		if body.StartTime == "" || body.EndTime == "" {
			return window.Params{}, errors.New("start_time and end_time must be given together")
		}
		start, err := window.ParseTime(body.StartTime)
		if err != nil {
			return window.Params{}, fmt.Errorf("start_time: %w", err)
		}
		end, err := window.ParseTime(body.EndTime)
		if err != nil {
			return window.Params{}, fmt.Errorf("end_time: %w", err)
		}
		return window.Params{Start: start, End: end}, nil
	}

	interval := DefaultInterval
	if body.Interval != nil {
		interval = *body.Interval
	}
	if interval < 1 || interval > MaxInterval {
		return window.Params{}, fmt.Errorf("interval must be between 1 and %d minutes, got %d", MaxInterval, interval)
	}
	return window.Params{Interval: interval}, nil
}

func (h *handler) getTask(c *gin.Context) {
	task, err := h.runner.Task(c.Request.Context(), c.Param("id"))
	if errors.Is(err, results.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		h.logger.Error("task lookup failed", "task_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "task lookup failed"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *handler) listTasks(c *gin.Context) {
	tasks, err := h.runner.Running(c.Request.Context())
	if err != nil {
		h.logger.Error("task listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "task listing failed"})
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"running_tasks": tasks})
}

func (h *handler) schedules(c *gin.Context) {
	jobs := []scheduler.JobInfo{}
	if h.opts.Schedules != nil {
		jobs = append(jobs, h.opts.Schedules.ListJobs()...)
	}
	c.JSON(http.StatusOK, gin.H{"schedules": jobs})
}

func (h *handler) sources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sources": h.runner.Sources()})
}

// Serve runs handler on addr until ctx is cancelled, then shuts down with a
// grace period.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	logger = logging.Default(logger)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
