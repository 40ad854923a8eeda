package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPgxPoolMetrics exposes the billing database pool statistics.
func RegisterPgxPoolMetrics(pool *pgxpool.Pool) {
	stat := func(f func(*pgxpool.Stat) float64) func() float64 {
		return func() float64 { return f(pool.Stat()) }
	}
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "billing_db_pool_acquired_conns",
			Help: "Number of currently acquired connections in the pool",
		}, stat(func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "billing_db_pool_max_conns",
			Help: "Maximum number of connections in the pool",
		}, stat(func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "billing_db_pool_idle_conns",
			Help: "Number of idle connections in the pool",
		}, stat(func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "billing_db_pool_acquire_wait_total",
			Help: "Number of acquires that had to wait for a free connection",
		}, stat(func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) })),
	)
}
