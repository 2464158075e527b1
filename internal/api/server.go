package api

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"OpenMCP-Gateway/internal/auth"
	"OpenMCP-Gateway/internal/confirm"
	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/internal/journal"
	"OpenMCP-Gateway/internal/observability/metrics"
	"OpenMCP-Gateway/pkg/logger"
)

// ToolCaller 以纯文本方式调用一个工具。
type ToolCaller interface {
	Call(ctx context.Context, name string, args map[string]any) string
	Names() []string
}

// HealthFunc 检查依赖是否可用。
type HealthFunc func(ctx context.Context) error

// Server 负责暴露审批 REST 接口。
type Server struct {
	addr     string
	machine  *confirm.Machine
	journal  journal.Store
	tools    ToolCaller
	auth     *auth.Service
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	health   HealthFunc
	log      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithJournal 启用操作日志查询接口。
func WithJournal(j journal.Store) Option {
	return func(s *Server) { s.journal = j }
}

// WithTools 启用工具调用接口。
func WithTools(t ToolCaller) Option {
	return func(s *Server) { s.tools = t }
}

// WithAuth 指定认证服务，为空时接口不做认证。
func WithAuth(a *auth.Service) Option {
	return func(s *Server) { s.auth = a }
}

// WithMetrics 注入请求指标以及 /metrics 的数据来源。
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithHealth 指定 /healthz 使用的检查函数。
func WithHealth(fn HealthFunc) Option {
	return func(s *Server) { s.health = fn }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, machine *confirm.Machine, opts ...Option) *Server {
	s := &Server{addr: addr, machine: machine, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", s.metrics.Middleware("healthz", http.HandlerFunc(s.handleHealth)))
	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}

	read := s.guarded("confirmations:read", auth.PermissionReadConfirmations)
	decide := s.guarded("confirmations:decide", auth.PermissionDecideConfirmations)

	mux.Handle("GET /api/v1/confirmations", read(s.handleListConfirmations))
	mux.Handle("GET /api/v1/confirmations/{id}", read(s.handleGetConfirmation))
	mux.Handle("POST /api/v1/confirmations/{id}/decision", decide(s.handleDecision))
	mux.Handle("POST /api/v1/confirmations/{id}/resume", decide(s.handleResume))
	mux.Handle("POST /api/v1/runs/{run_id}/resume", decide(s.handleResumeRun))
	if s.tools != nil {
		tools := s.guarded("tools", auth.PermissionCallTools)
		mux.Handle("GET /api/v1/tools", tools(s.handleListTools))
		mux.Handle("POST /api/v1/tools/{name}", tools(s.handleCallTool))
	}
	if s.journal != nil {
		mux.Handle("GET /api/v1/journal", s.guarded("journal", auth.PermissionReadJournal)(s.handleJournal))
	}
	return mux
}

func (s *Server) guarded(name string, permission auth.Permission) func(http.HandlerFunc) http.Handler {
	mw := s.auth.Require(name, permission)
	return func(h http.HandlerFunc) http.Handler {
		return s.metrics.Middleware(name, mw(h))
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("审批接口已启动", slog.String("address", s.addr), slog.Bool("auth", s.auth.Enabled()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "审批接口启动失败")
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": xerrors.Text(err)})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListConfirmations(w http.ResponseWriter, r *http.Request) {
	list, err := s.machine.List(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*confirm.Confirmation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmations": list})
}

func (s *Server) handleGetConfirmation(w http.ResponseWriter, r *http.Request) {
	c, err := s.machine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DecisionRequest 是决策接口的请求体。
type DecisionRequest struct {
	Approved *bool `json:"approved"`
	// Resume 为 true 时在决策后立即恢复执行。
	Resume bool `json:"resume,omitempty"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Approved == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "approved 字段不能为空"))
		return
	}
	id := r.PathValue("id")
	by := auth.NameFromContext(r.Context())
	if req.Resume {
		res, err := s.machine.Resolve(r.Context(), id, *req.Approved, by)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newResolutionView(res))
		return
	}
	c, err := s.machine.Decide(r.Context(), id, *req.Approved, by)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	res, err := s.machine.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResolutionView(res))
}

// RunResumeRequest 是批量恢复接口的请求体，Decisions 可为空。
type RunResumeRequest struct {
	Decisions map[string]bool `json:"decisions,omitempty"`
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	var req RunResumeRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	runID := r.PathValue("run_id")
	var (
		results []confirm.Resolution
		err     error
	)
	if len(req.Decisions) > 0 {
		results, err = s.machine.ResolveRun(r.Context(), runID, req.Decisions, auth.NameFromContext(r.Context()))
	} else {
		results, err = s.machine.ResumeRun(r.Context(), runID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]resolutionView, 0, len(results))
	for _, res := range results {
		views = append(views, newResolutionView(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "results": views})
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.tools.Names()})
}

// ToolCallRequest 是工具调用接口的请求体。
type ToolCallRequest struct {
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req ToolCallRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}
	// 工具结果总是文本，错误已经格式化为 Error [CODE]: message。
	text := s.tools.Call(r.Context(), r.PathValue("name"), req.Arguments)
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	q := journal.Query{RunID: r.URL.Query().Get("run_id")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数"))
			return
		}
		q.Limit = parsed
	}
	entries, err := s.journal.List(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
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
