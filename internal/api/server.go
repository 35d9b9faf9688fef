// Package api exposes session pairing and bulk dispatch over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zulandar/courier/internal/dispatch"
	"github.com/zulandar/courier/internal/logging"
	"github.com/zulandar/courier/internal/session"
)

// Sessions is the session surface the API drives.
type Sessions interface {
	Create(ctx context.Context, phone, owner string) (*session.CreateResult, error)
	Status(owner string) []session.Summary
	ListGroups(ctx context.Context, id string) ([]session.Group, error)
	Cleanup(id string) int
}

// Tasks is the dispatch surface the API drives.
type Tasks interface {
	Start(ctx context.Context, req dispatch.Request) (dispatch.Info, error)
	Status(id string) (dispatch.Info, error)
	Stop(id string) (dispatch.Info, error)
	List(owner string) []dispatch.Info
	ActiveCount(owner string) int
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Addr     string
	Sessions Sessions
	Tasks    Tasks
	Events   *Broadcaster // optional; enables GET /events
	Logger   *zerolog.Logger
	Out      io.Writer
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("api: sessions is required")
	}
	if opts.Tasks == nil {
		return nil, fmt.Errorf("api: tasks is required")
	}
	log := logging.Component(opts.Logger, "api")

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Addr == "" {
		opts.Addr = ":21129"
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on %s\n", opts.Addr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// requestLogger logs one line per request.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
