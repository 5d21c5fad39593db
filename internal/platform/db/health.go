package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const pingTimeout = 3 * time.Second

// PoolStats is a JSON view of pgxpool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	st := pool.Stat()
	s := &PoolStats{
		TotalConns:      st.TotalConns(),
		IdleConns:       st.IdleConns(),
		AcquiredConns:   st.AcquiredConns(),
		MaxConns:        st.MaxConns(),
		AcquireCount:    st.AcquireCount(),
		AcquireDuration: st.AcquireDuration().String(),
	}
	s.Healthy = s.TotalConns > 0
	return s
}

// Pinger is the part of *pgxpool.Pool the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReport is the body of GET /health/db.
type HealthReport struct {
	Status       string       `json:"status"`
	Error        string       `json:"error,omitempty"`
	Latency      string       `json:"latency"`
	Pool         *PoolStats   `json:"pool"`
	Capabilities Capabilities `json:"capabilities"`
	// RuleSources lists the rule origins the loader will read from.
	RuleSources []string `json:"rule_sources"`
}

// RuleSources names the rule origins enabled by caps. Custom rules are always
// available.
func (caps Capabilities) RuleSources() []string {
	sources := []string{"custom"}
	if caps.ItemMetadata {
		sources = append(sources, "legacy")
	}
	if caps.NativeRules {
		sources = append(sources, "native")
	}
	return sources
}

// HealthHandler pings the database and reports pool statistics together with
// the rule sources detected at startup.
func HealthHandler(pool *pgxpool.Pool, caps Capabilities) echo.HandlerFunc {
	return healthHandler(pool, func() *PoolStats { return GetPoolStats(pool) }, caps)
}

func healthHandler(p Pinger, stats func() *PoolStats, caps Capabilities) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
		defer cancel()

		started := time.Now()
		err := p.Ping(ctx)
		report := HealthReport{
			Status:       "healthy",
			Latency:      time.Since(started).String(),
			Pool:         stats(),
			Capabilities: caps,
			RuleSources:  caps.RuleSources(),
		}
		code := http.StatusOK
		if err != nil {
			code = http.StatusServiceUnavailable
			report.Status = "unhealthy"
			report.Error = err.Error()
			report.Pool.Healthy = false
		}
		return c.JSON(code, report)
	}
}
