// Package api is the HTTP surface of the execution service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/opensandbox/runbox/internal/auth"
	"github.com/opensandbox/runbox/internal/language"
	"github.com/opensandbox/runbox/internal/metrics"
	"github.com/opensandbox/runbox/pkg/types"
)

// Jobs is the execution orchestrator as seen by the API.
type Jobs interface {
	Submit(ctx context.Context, req types.ExecutionRequest) (string, error)
	Status(ctx context.Context, id string) (types.JobSnapshot, error)
	Wait(ctx context.Context, id string) (types.JobSnapshot, error)
	Cancel(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) types.Health
}

// Projects is the virtual filesystem as seen by the API.
type Projects interface {
	CreateProject(ctx context.Context, ownerID, name, lang string) (*types.Project, error)
	GetProject(ctx context.Context, ownerID, projectID string) (*types.Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]types.ProjectSummary, error)
	DeleteProject(ctx context.Context, ownerID, projectID string) error
	WriteFile(ctx context.Context, ownerID, projectID, filename, content string) error
	ReadFile(ctx context.Context, ownerID, projectID, filename string) (string, error)
	DeleteFile(ctx context.Context, ownerID, projectID, filename string) error
	ListFiles(ctx context.Context, ownerID, projectID string) ([]string, error)
	AddDependency(ctx context.Context, ownerID, projectID, name, version string) error
	RemoveDependency(ctx context.Context, ownerID, projectID, name string) error
	Manifest(ctx context.Context, ownerID, projectID string) (types.Manifest, error)
	ExportProject(ctx context.Context, ownerID, projectID string) (types.ArchiveResponse, error)
	ImportProject(ctx context.Context, ownerID, key string) (*types.Project, error)
}

// Options configures a Server.
type Options struct {
	APIKey      string
	BodyLimit   string        // echo size string, e.g. "4M"
	MaxWait     time.Duration // upper bound for GET /jobs/:id/wait
	WatchPeriod time.Duration // poll period of the websocket watch
}

// Server holds the API server dependencies.
type Server struct {
	echo     *echo.Echo
	jobs     Jobs
	projects Projects
	langs    *language.Registry
	opts     Options
	log      zerolog.Logger
}

// NewServer creates a new API server with all routes configured.
// projects may be nil, in which case the project routes answer 503.
func NewServer(jobs Jobs, projects Projects, langs *language.Registry, opts Options, log zerolog.Logger) *Server {
	if opts.BodyLimit == "" {
		opts.BodyLimit = "4M"
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 2 * time.Minute
	}
	if opts.WatchPeriod <= 0 {
		opts.WatchPeriod = 250 * time.Millisecond
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		jobs:     jobs,
		projects: projects,
		langs:    langs,
		opts:     opts,
		log:      log.With().Str("component", "api").Logger(),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())
	e.Use(metrics.EchoMiddleware())
	e.Use(middleware.BodyLimit(opts.BodyLimit))

	// no auth
	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("")
	api.Use(auth.APIKeyMiddleware(opts.APIKey))
	api.GET("/languages", s.listLanguages)

	jobsGroup := api.Group("/jobs", auth.OwnerMiddleware(false))
	jobsGroup.POST("", s.submitJob)
	jobsGroup.GET("/:id", s.getJob)
	jobsGroup.POST("/:id/cancel", s.cancelJob)
	jobsGroup.GET("/:id/wait", s.waitJob)
	jobsGroup.GET("/:id/watch", s.watchJob)

	pg := api.Group("/projects", auth.OwnerMiddleware(true), s.requireProjects)
	pg.POST("", s.createProject)
	pg.GET("", s.listProjects)
	pg.POST("/import", s.importProject)
	pg.GET("/:id", s.getProject)
	pg.DELETE("/:id", s.deleteProject)
	pg.GET("/:id/files", s.listFiles)
	pg.GET("/:id/file", s.readFile)
	pg.PUT("/:id/file", s.writeFile)
	pg.DELETE("/:id/file", s.deleteFile)
	pg.POST("/:id/dependencies", s.addDependency)
	pg.DELETE("/:id/dependencies/:name", s.removeDependency)
	pg.GET("/:id/manifest", s.manifest)
	pg.POST("/:id/export", s.exportProject)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := s.log.Debug()
			if v.Status >= http.StatusInternalServerError {
				ev = s.log.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).Str("path", v.URIPath).Int("status", v.Status).
				Dur("latency", v.Latency).Str("request_id", v.RequestID).Msg("request")
			return nil
		},
	})
}

func (s *Server) health(c echo.Context) error {
	h := s.jobs.HealthCheck(c.Request().Context())
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, h)
}

func (s *Server) listLanguages(c echo.Context) error {
	descs := s.langs.List()
	resp := types.LanguageListResponse{Languages: make([]types.LanguageInfo, 0, len(descs))}
	for _, d := range descs {
		resp.Languages = append(resp.Languages, d.Info())
	}
	return c.JSON(http.StatusOK, resp)
}
