package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) error

// healthTimeout bounds a full /healthz evaluation
const healthTimeout = 3 * time.Second

// OpsServer exposes /healthz and /metrics
type OpsServer struct {
	router *mux.Router
	checks map[string]HealthCheck
	logger *zap.SugaredLogger
	server *http.Server
}

type healthResponse struct {
	Status string            `json:"status"`
	Time   string            `json:"time"`
	Checks map[string]string `json:"checks"`
}

// NewOpsServer creates the ops HTTP server listening on addr
func NewOpsServer(addr string, checks map[string]HealthCheck, logger *zap.SugaredLogger) *OpsServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	o := &OpsServer{
		router: mux.NewRouter(),
		checks: checks,
		logger: logger,
	}
	o.router.HandleFunc("/healthz", o.healthCheck).Methods("GET")
	o.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	o.server = &http.Server{
		Addr:              addr,
		Handler:           o.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return o
}

// Handler returns the router, for tests
func (o *OpsServer) Handler() http.Handler {
	return o.router
}

// Start serves until Shutdown; http.ErrServerClosed is not an error
func (o *OpsServer) Start() error {
	o.logger.Infof("Ops server started on %s", o.server.Addr)
	if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (o *OpsServer) Shutdown(ctx context.Context) error {
	return o.server.Shutdown(ctx)
}

func (o *OpsServer) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(o.checks))
	for name := range o.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	response := healthResponse{
		Status: "healthy",
		Time:   time.Now().UTC().Format(time.RFC3339),
		Checks: make(map[string]string, len(names)),
	}
	statusCode := http.StatusOK
	for _, name := range names {
		if err := o.checks[name](ctx); err != nil {
			response.Checks[name] = err.Error()
			response.Status = "unhealthy"
			statusCode = http.StatusServiceUnavailable
			o.logger.Warnw("Health check failed", "dependency", name, "error", err)
			continue
		}
		response.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		o.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}
