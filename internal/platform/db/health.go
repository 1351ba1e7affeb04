package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the subset of pgxpool statistics reported by /health/db.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	WaitDuration  string `json:"acquire_wait"`
}

func poolStats(pool *pgxpool.Pool) *PoolStats {
	st := pool.Stat()
	return &PoolStats{
		TotalConns:    st.TotalConns(),
		IdleConns:     st.IdleConns(),
		AcquiredConns: st.AcquiredConns(),
		MaxConns:      st.MaxConns(),
		WaitDuration:  st.AcquireDuration().String(),
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SchemaChecker is satisfied by *Migrator.
type SchemaChecker interface {
	Status(ctx context.Context) ([]MigrationStatus, error)
}

// HealthReport is the /health/db body. The ledger tables are only usable
// once every embedded migration is applied, so pending migrations make the
// database unready even when it answers pings.
type HealthReport struct {
	Status            string     `json:"status"`
	SchemaVersion     int        `json:"schema_version"`
	PendingMigrations []string   `json:"pending_migrations,omitempty"`
	Pool              *PoolStats `json:"pool,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// CheckHealth pings the database and compares the applied schema with the
// embedded migrations.
func CheckHealth(ctx context.Context, db Pinger, schema SchemaChecker) (HealthReport, bool) {
	if err := db.Ping(ctx); err != nil {
		return HealthReport{Status: "unhealthy", Error: "database unreachable"}, false
	}
	statuses, err := schema.Status(ctx)
	if err != nil {
		return HealthReport{Status: "unhealthy", Error: "schema status unavailable"}, false
	}

	r := HealthReport{Status: "healthy"}
	for _, s := range statuses {
		if s.Applied {
			if s.Version > r.SchemaVersion {
				r.SchemaVersion = s.Version
			}
			continue
		}
		r.PendingMigrations = append(r.PendingMigrations, s.Name)
	}
	if len(r.PendingMigrations) > 0 {
		r.Status = "migrations pending"
		return r, false
	}
	return r, true
}

// HealthHandler serves /health/db: 200 when the pool answers and the schema
// is current, 503 otherwise.
func HealthHandler(pool *pgxpool.Pool, schema SchemaChecker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		report, ok := CheckHealth(ctx, pool, schema)
		report.Pool = poolStats(pool)
		if !ok {
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
