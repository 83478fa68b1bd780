package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/internal/mesh"
	"CognitiveMesh/internal/observability/metrics"
	"CognitiveMesh/pkg/logger"
)

// HealthCheck 返回依赖的可用性，nil 表示正常。
type HealthCheck func(ctx context.Context) error

// Server 负责暴露 REST 接口。
type Server struct {
	addr         string
	mesh         *mesh.Coordinator
	checks       map[string]HealthCheck
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
}

// Option 定制 Server。
type Option func(*Server)

// WithHealthCheck 注册一个在 /healthz 中报告的依赖检查。
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// WithTimeouts 设置 HTTP 读写超时。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, coordinator *mesh.Coordinator, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		mesh:         coordinator,
		checks:       make(map[string]HealthCheck),
		readTimeout:  15 * time.Second,
		writeTimeout: 30 * time.Second,
		logger:       logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回完整的路由表。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "POST /api/v1/agents", s.handleRegisterAgent)
	s.route(mux, "GET /api/v1/agents", s.handleListAgents)
	s.route(mux, "GET /api/v1/agents/{id}", s.handleGetAgent)
	s.route(mux, "PUT /api/v1/agents/{id}/status", s.handleAgentStatus)
	s.route(mux, "PUT /api/v1/agents/{id}/trust", s.handleOverrideTrust)
	s.route(mux, "POST /api/v1/agents/{id}/capabilities", s.handleAddCapability)
	s.route(mux, "DELETE /api/v1/agents/{id}/capabilities/{capability}", s.handleRemoveCapability)
	s.route(mux, "GET /api/v1/agents/{id}/connections", s.handleConnections)
	s.route(mux, "GET /api/v1/agents/{id}/mirrors", s.handleListMirrors)
	s.route(mux, "POST /api/v1/agents/{id}/mirrors", s.handleMirrorAgent)
	s.route(mux, "POST /api/v1/agents/{id}/reconcile", s.handleReconcileMirrors)

	s.route(mux, "POST /api/v1/pathways", s.handleEstablishPathway)
	s.route(mux, "GET /api/v1/pathways", s.handleListPathways)
	s.route(mux, "GET /api/v1/pathways/{id}", s.handleGetPathway)
	s.route(mux, "PUT /api/v1/pathways/{id}/status", s.handlePathwayStatus)
	s.route(mux, "POST /api/v1/pathways/{id}/usage", s.handleRecordUsage)
	s.route(mux, "POST /api/v1/pathways/{id}/token", s.handleGenerateToken)
	s.route(mux, "GET /api/v1/pathways/{id}/token", s.handleTokenStatus)
	s.route(mux, "POST /api/v1/pathways/{id}/token/reconcile", s.handleReconcileToken)
	s.route(mux, "GET /api/v1/mints", s.handleListMints)

	s.route(mux, "GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// route 注册处理器并记录请求指标，指标的 handler 标签为路由模式。
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(start))
	}))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	report := map[string]string{}
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			report[name] = err.Error()
			continue
		}
		report[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": report})
}

type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 按错误码映射 HTTP 状态。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatus(err)
	body := errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
		body.Metadata = e.Metadata()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("code", string(body.Code)),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, body)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
