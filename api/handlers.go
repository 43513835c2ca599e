package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

func (s *Server) ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"process_id": s.proc.ID(),
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

// processes reports the full heartbeat map and this process's own
// registry, memoized briefly since dashboards poll it.
func (s *Server) processes(c echo.Context) error {
	type response struct {
		Heartbeats map[string]string `json:"heartbeats"`
		SelfID     string            `json:"self_id"`
		SelfOwns   []string          `json:"self_owns"`
	}

	if cached, ok := s.memo.Get("processes"); ok {
		return c.JSON(http.StatusOK, cached)
	}

	heartbeats, err := s.proc.HeartbeatSnapshot(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	owned, err := s.proc.ListRegistry(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	resp := response{Heartbeats: heartbeats, SelfID: s.proc.ID(), SelfOwns: owned}
	s.memo.SetWithTTL("processes", resp, 1, cacheTTL())
	s.memo.Wait()
	return c.JSON(http.StatusOK, resp)
}

// resource reports the reflist for one resource: which process ids appear
// in it and when each last refreshed. Entries are reported as stored; the
// expiry filter that Reference.Count applies is not applied here.
func (s *Server) resource(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing resource id"})
	}

	reflist, err := s.proc.ReflistSnapshot(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"resource": id,
		"reflist":  reflist,
		"count":    len(reflist),
	})
}

// cacheStats reports this process's in-memory LruCache occupancy.
func (s *Server) cacheStats(c echo.Context) error {
	var failedKey string
	if f := s.cache.GetLastFailed(); f != nil {
		failedKey = f.ResourceID()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"size":            s.cache.Size(),
		"max_entries":     s.cacheCap,
		"last_failed_key": failedKey,
		"has_last_failed": failedKey != "",
	})
}
