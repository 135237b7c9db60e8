// Package httpapi is the transport surface of spec.md §6: one HTTP
// server exposing the Orchestrator's verbs, the Blackboard's
// heartbeat/result slots, and node discovery across every live connector.
// Grounded on the teacher's api-gateway (Gateway struct wiring a rate
// limiter, a circuit breaker and structured per-request logging) and
// main_new.go's middleware chain.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/netexp/orchestrator/internal/blackboard"
	"github.com/netexp/orchestrator/internal/connector"
	"github.com/netexp/orchestrator/internal/model"
	"github.com/netexp/orchestrator/internal/orchestrator"
	"github.com/netexp/orchestrator/internal/platform/resilience"
	"github.com/netexp/orchestrator/internal/store"
)

const serviceName = "netexp-orchestratord"

type userIDKey struct{}

// Server wires the Orchestrator, the Blackboard and the connector registry
// behind net/http, with a rate-limited, circuit-broken, authenticated
// request path in front of every user-facing route.
type Server struct {
	orch       *orchestrator.Orchestrator
	store      *store.Store
	blackboard *blackboard.Blackboard
	registry   *connector.Registry

	jwtSecret   []byte
	rateLimiter *resilience.HybridRateLimiter
	breaker     *resilience.CircuitBreaker

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
	authDenied  metric.Int64Counter
	rlDenied    metric.Int64Counter
}

// New builds a Server. jwtSecret verifies the structural+signature check
// on the bearer token; an empty secret falls back to accepting any
// well-formed token (useful for local development, never for production).
func New(orch *orchestrator.Orchestrator, st *store.Store, bb *blackboard.Blackboard, reg *connector.Registry, jwtSecret []byte, meter metric.Meter) *Server {
	reqCounter, _ := meter.Int64Counter("orch_http_requests_total")
	latencyHist, _ := meter.Float64Histogram("orch_http_latency_ms")
	authDenied, _ := meter.Int64Counter("orch_http_auth_denied_total")
	rlDenied, _ := meter.Int64Counter("orch_http_rate_limited_total")

	return &Server{
		orch:        orch,
		store:       st,
		blackboard:  bb,
		registry:    reg,
		jwtSecret:   jwtSecret,
		rateLimiter: resilience.NewHybridRateLimiter(200, 200, 0, time.Minute),
		breaker:     resilience.NewCircuitBreakerAdaptive(30*time.Second, 10, 5, 0.5, 15*time.Second, 3),
		tracer:      otel.Tracer(serviceName),
		reqCounter:  reqCounter,
		latencyHist: latencyHist,
		authDenied:  authDenied,
		rlDenied:    rlDenied,
	}
}

// Handler builds the full route tree: public /health, then every
// authenticated+rate-limited route of spec.md §6's table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)

	protected := http.NewServeMux()
	protected.HandleFunc("/nodes/", s.handleNodes)
	protected.HandleFunc("/experiment/", s.handleExperiment)
	protected.HandleFunc("/executors", s.handleDeleteExecutors)
	protected.HandleFunc("/executor/graph", s.handleExecutorGraph)
	protected.HandleFunc("/executor/result", s.handleExecutorResult)
	protected.HandleFunc("/executor/heartbeat/", s.handleExecutorHeartbeat)

	mux.Handle("/", s.loggingMiddleware(s.authMiddleware(s.rateLimitMiddleware(protected))))
	return mux
}

// handleHealth reports 200 only when the store is reachable and at least
// one registered connector is healthy, per spec.md §6.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Health(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "reason": "store: " + err.Error()})
		return
	}

	anyHealthy := false
	for _, name := range s.registry.Names() {
		c, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		if ok, _ := c.Health(r.Context()); ok {
			anyHealthy = true
			break
		}
	}
	if !anyHealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "reason": "no healthy connector"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleNodes aggregates GetNodes across every registered connector into a
// single node pool; spec.md §6 describes GET /nodes/{user} as returning
// one node-pool document.
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimPrefix(r.URL.Path, "/nodes/")
	if user == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user"})
		return
	}
	auth := connector.AuthContext{"user": userFromContext(r.Context())}

	var all []model.Node
	uncountable := false
	for _, name := range s.registry.Names() {
		c, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		pool, err := c.GetNodes(r.Context(), user, auth)
		if err != nil {
			slog.Error("get nodes failed", "connector", name, "error", err)
			continue
		}
		if !pool.Countable() {
			uncountable = true
			continue
		}
		all = append(all, pool.Nodes...)
	}

	if uncountable && len(all) == 0 {
		writeJSON(w, http.StatusOK, model.NodePool{NodePoolType: model.NodePoolUncountable})
		return
	}
	writeJSON(w, http.StatusOK, model.NodePool{NodePoolType: model.NodePoolCountable, Nodes: all})
}

// handleExperiment dispatches the four name-scoped verbs (prepare, start,
// status, cancel) sharing the /experiment/{name}[/prepare|/start] path shape.
func (s *Server) handleExperiment(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/experiment/")
	parts := strings.SplitN(rest, "/", 2)
	name := parts[0]
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing experiment name"})
		return
	}
	username := userFromContext(r.Context())

	switch {
	case len(parts) == 2 && parts[1] == "prepare" && r.Method == http.MethodPost:
		s.handlePrepare(w, r, username, name)
	case len(parts) == 2 && parts[1] == "start" && r.Method == http.MethodPost:
		if err := s.orch.StartExecution(r.Context(), username, name); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeText(w, http.StatusOK, name)
	case len(parts) == 1 && r.Method == http.MethodGet:
		res, err := s.orch.GetExperimentStatus(r.Context(), username, name)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.orch.CancelExperiment(r.Context(), username, name); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeText(w, http.StatusOK, name)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

type prepareRequest struct {
	Deployments      []model.Deployment `json:"deployments"`
	KeepAliveTimeout time.Duration       `json:"keep_alive_timeout,omitempty"`
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request, username, name string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	var req prepareRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	exp, err := s.orch.PrepareExperiment(r.Context(), username, name, req.Deployments, req.KeepAliveTimeout)
	if err != nil {
		// a policy-gate or graph-validation rejection is synchronous and
		// rejects the whole experiment, per spec §7.
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeText(w, http.StatusOK, exp.ExperimentID)
}

// handleDeleteExecutors takes a bare list of executor_id, spanning
// potentially more than one experiment (executor_id is server-unique).
func (s *Server) handleDeleteExecutors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	var ids []string
	if err := json.Unmarshal(body, &ids); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if err := s.orch.CancelExecutors(r.Context(), userFromContext(r.Context()), ids); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeText(w, http.StatusOK, "ok")
}

// handleExecutorGraph serves the deployment's serialized execution graph,
// base-64 encoded per spec.md §6's "opaque bytes" convention. 204 if the
// executor's experiment hasn't reached READY yet.
func (s *Server) handleExecutorGraph(w http.ResponseWriter, r *http.Request) {
	executorID := r.URL.Query().Get("executor_id")
	if executorID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing executor_id"})
		return
	}
	experimentID, found, err := s.store.ExperimentIDForExecutor(r.Context(), executorID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	exp, found, err := s.store.GetExperiment(r.Context(), experimentID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !found || exp.Status == model.StatusPreparing {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	for _, d := range exp.Deployments {
		if d.ExecutorID != executorID {
			continue
		}
		data, err := json.Marshal(d.Graph)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(base64.StdEncoding.EncodeToString(data)))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executorResultRequest struct {
	ExecutorID string `json:"executor_id"`
	Results    string `json:"results"`
	State      string `json:"state,omitempty"`
}

// handleExecutorResult writes the posted result onto the Blackboard; the
// Watcher picks it up on its next sweep and finishes the owning executor.
func (s *Server) handleExecutorResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	var req executorResultRequest
	if err := json.Unmarshal(body, &req); err != nil || req.ExecutorID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Results)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "results must be base64"})
		return
	}
	if err := s.blackboard.Set(r.Context(), blackboard.ResultKey(req.ExecutorID), raw, 0); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleExecutorHeartbeat refreshes the heartbeat key's TTL, the liveness
// signal the Watcher polls for.
func (s *Server) handleExecutorHeartbeat(w http.ResponseWriter, r *http.Request) {
	executorID := strings.TrimPrefix(r.URL.Path, "/executor/heartbeat/")
	if executorID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing executor_id"})
		return
	}
	if err := s.blackboard.Set(r.Context(), blackboard.HeartbeatKey(executorID), []byte("alive"), 90*time.Second); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			s.authDenied.Add(r.Context(), 1)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing authorization"})
			return
		}
		subject, err := s.validateToken(token)
		if err != nil {
			s.authDenied.Add(r.Context(), 1)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey{}, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateToken parses the bearer token's structure and, when a secret is
// configured, verifies its signature; it never issues or stores
// credentials itself — that's the out-of-scope auth service's job.
func (s *Server) validateToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()

	if len(s.jwtSecret) == 0 {
		if _, _, err := parser.ParseUnverified(token, claims); err != nil {
			return "", fmt.Errorf("malformed token: %w", err)
		}
	} else {
		_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			return s.jwtSecret, nil
		})
		if err != nil {
			return "", fmt.Errorf("invalid signature: %w", err)
		}
	}

	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	return "anonymous", nil
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.Allow(r.Context()) {
			s.rlDenied.Add(r.Context(), 1)
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		if !s.breaker.Allow() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service temporarily unavailable"})
			return
		}
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.breaker.RecordResult(rw.status < 500)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := s.tracer.Start(r.Context(), r.URL.Path)
		defer span.End()

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		duration := float64(time.Since(start).Milliseconds())
		s.reqCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
			attribute.Int("status", rw.status),
		))
		s.latencyHist.Record(ctx, duration, metric.WithAttributes(attribute.String("path", r.URL.Path)))
		slog.InfoContext(ctx, "request completed", "method", r.Method, "path", r.URL.Path, "status", rw.status, "duration_ms", duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func userFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey{}).(string); ok {
		return v
	}
	return "anonymous"
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}
