// Package health fornece o servidor HTTP de health check, estatísticas dos
// pools e métricas Prometheus. Verifica o log durável e cada pool.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/joao-brasil/txpool/internal/driver"
	"github.com/joao-brasil/txpool/internal/pool"
	"github.com/joao-brasil/txpool/internal/xalog"
)

// Status representa o status de saúde de um componente.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

const (
	logCheckTimeout  = 5 * time.Second
	poolCheckTimeout = 10 * time.Second
)

// ComponentHealth representa a saúde de um único componente.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// HealthReport é o relatório geral de saúde.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Checker realiza health checks contra o log de transações e os pools.
type Checker struct {
	serverID string
	log      xalog.Log
	pools    *pool.Manager
	logger   *zap.Logger
}

// NewChecker cria um novo health checker.
func NewChecker(serverID string, log xalog.Log, pools *pool.Manager) *Checker {
	return &Checker{
		serverID: serverID,
		log:      log,
		pools:    pools,
		logger:   zap.L().Named("health"),
	}
}

// Check realiza health checks em todos os componentes e retorna um relatório.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.serverID,
	}

	names := c.pools.Names()
	components := make([]ComponentHealth, len(names)+1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		components[0] = c.checkLog(ctx)
	}()
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			components[i+1] = c.checkPool(ctx, name)
		}()
	}
	wg.Wait()

	report.Components = components

	// Se qualquer componente estiver unhealthy, marcar geral como unhealthy
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}
	return report
}

// checkLog verifica se o log durável responde.
func (c *Checker) checkLog(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, logCheckTimeout)
	defer cancel()

	if err := c.log.Ping(ctx); err != nil {
		return ComponentHealth{
			Name:    "xalog",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: time.Since(start).String(),
		}
	}
	return ComponentHealth{
		Name:    "xalog",
		Status:  StatusHealthy,
		Latency: time.Since(start).String(),
	}
}

// checkPool borrows one connection from the pool and gives it back. A
// saturated pool is reported healthy: it is serving, just busy.
func (c *Checker) checkPool(ctx context.Context, name string) ComponentHealth {
	start := time.Now()
	comp := ComponentHealth{Name: "pool-" + name}

	p, ok := c.pools.Pool(name)
	if !ok {
		comp.Status = StatusUnhealthy
		comp.Message = "pool closed"
		comp.Latency = time.Since(start).String()
		return comp
	}

	ctx, cancel := context.WithTimeout(ctx, poolCheckTimeout)
	defer cancel()

	h, err := p.Allocate(ctx, driver.Credentials{}, driver.Info{})
	comp.Latency = time.Since(start).String()
	switch {
	case err == nil:
		h.Close()
		st := p.Stats()
		comp.Status = StatusHealthy
		comp.Message = fmt.Sprintf("%d/%d connections, %d idle", st.Total, st.MaxConnections, st.Idle)
	case pool.IsResourceExhausted(err), errors.Is(err, context.DeadlineExceeded):
		comp.Status = StatusHealthy
		comp.Message = "saturated"
	default:
		comp.Status = StatusUnhealthy
		comp.Message = err.Error()
	}
	return comp
}

// Router monta as rotas de health, estatísticas e métricas.
func (c *Checker) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", c.handleHealth)
	r.Get("/health/ready", c.handleHealth)
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, c.pools.Stats())
	})
	r.Get("/stats/{pool}", func(w http.ResponseWriter, r *http.Request) {
		p, ok := c.pools.Pool(chi.URLParam(r, "pool"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown pool"})
			return
		}
		writeJSON(w, http.StatusOK, p.Stats())
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (c *Checker) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := c.Check(r.Context())
	status := http.StatusOK
	if report.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Serve inicia o servidor HTTP de health check.
func (c *Checker) Serve(addr string) *http.Server {
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		c.logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return server
}
