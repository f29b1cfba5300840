package gormdb

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/hivcare/clinic/internal/platform/metrics"
)

// HealthHandler pings the database behind db and reports database/sql pool
// statistics, mirroring the pgx pool health endpoint.
func HealthHandler(db *gorm.DB) echo.HandlerFunc {
	return func(c echo.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		st := sqlDB.Stats()
		metrics.DatabaseConnections.WithLabelValues("total").Set(float64(st.OpenConnections))
		metrics.DatabaseConnections.WithLabelValues("idle").Set(float64(st.Idle))
		metrics.DatabaseConnections.WithLabelValues("acquired").Set(float64(st.InUse))
		pool := map[string]interface{}{
			"dialect":        db.Dialector.Name(),
			"open_conns":     st.OpenConnections,
			"idle_conns":     st.Idle,
			"in_use_conns":   st.InUse,
			"max_open_conns": st.MaxOpenConnections,
			"wait_count":     st.WaitCount,
			"wait_duration":  st.WaitDuration.String(),
		}

		if err := sqlDB.PingContext(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   pool,
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   pool,
		})
	}
}
