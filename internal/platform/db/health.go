package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PipelineTables must exist on the search_path for the store to be usable.
var PipelineTables = []string{"patients", "tests"}

// PoolStats is a JSON view of pgxpool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Health is the body served by HealthHandler.
type Health struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Tables map[string]bool `json:"tables,omitempty"`
	Pool   PoolStats       `json:"pool"`
}

func (h *Health) healthy() bool {
	if h.Error != "" {
		return false
	}
	for _, ok := range h.Tables {
		if !ok {
			return false
		}
	}
	return true
}

// HealthHandler pings the store and reports whether each pipeline table is
// visible. Missing tables mean migrations have not been applied.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		h := &Health{Pool: GetPoolStats(pool)}
		if err := pool.Ping(ctx); err != nil {
			h.Error = err.Error()
		} else {
			h.Tables = make(map[string]bool, len(PipelineTables))
			for _, table := range PipelineTables {
				var ok bool
				if err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&ok); err != nil {
					h.Error = err.Error()
					break
				}
				h.Tables[table] = ok
			}
		}

		if !h.healthy() {
			h.Status = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, h)
		}
		h.Status = "healthy"
		return c.JSON(http.StatusOK, h)
	}
}
