// Package api exposes the read-only debug/introspection HTTP surface over
// the coordination layer: process liveness, per-resource reflist state, and
// cache occupancy, for operators and dashboards. Never a mutation path;
// every state change belongs to the Reference/Update/LruCache contract
// instead.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"refhub/logger"
	"refhub/lrucache"
	"refhub/process"
)

// Server is the debug HTTP surface over one Process and its LruCache.
type Server struct {
	proc     *process.Process
	cache    *lrucache.Cache
	cacheCap int
	// memo short-TTL-caches the processes response: it reads HGETALL/HKEYS
	// across the heartbeat map and registry, is cheap to compute but not
	// free, and dashboards poll it on a fixed interval.
	memo *ristretto.Cache[string, any]
	e    *echo.Echo
}

// NewServer builds the debug server. cacheCap is reported verbatim in
// /cache/stats so operators can see occupancy against the configured bound.
func NewServer(proc *process.Process, cache *lrucache.Cache, cacheCap int) (*Server, error) {
	memo, err := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{proc: proc, cache: cache, cacheCap: cacheCap, memo: memo}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet},
	}))

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Output: logger.GetAccessLogger(),
		Format: `{"time":"${time_rfc3339}","remote_ip":"${remote_ip}","method":"${method}","uri":"${uri}","status":${status},"latency_human":"${latency_human}"}` + "\n",
	}))
	e.Use(middleware.Recover())

	e.GET("/ping", s.ping)
	e.GET("/processes", s.processes)
	e.GET("/resources/:id", s.resource)
	e.GET("/cache/stats", s.cacheStats)

	s.e = e
	return s, nil
}

// Start blocks serving on addr until the server is shut down or fails.
func (s *Server) Start(addr string) error {
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func cacheTTL() time.Duration { return 2 * time.Second }
