package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	xerrors "ModuleCouncil/internal/errors"
	"ModuleCouncil/internal/module"
	"ModuleCouncil/internal/observability/metrics"
	"ModuleCouncil/internal/orchestrator"
	"ModuleCouncil/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Orchestrator 是 API 所需的编排命令集合。
type Orchestrator interface {
	Create(ctx context.Context, mod *module.Module) orchestrator.Result
	SubmitForReview(ctx context.Context, id string) orchestrator.Result
	Approve(ctx context.Context, id string) orchestrator.Result
	RequestChanges(ctx context.Context, id string) orchestrator.Result
	Archive(ctx context.Context, id string) orchestrator.Result
	Run(ctx context.Context, id string) orchestrator.Result
	Abort(ctx context.Context, id string) orchestrator.Result
	Retry(ctx context.Context, id string) orchestrator.Result
	Status(ctx context.Context, id string) orchestrator.Result
	Resume(ctx context.Context) []orchestrator.Result
}

// Submitter 异步投递运行请求。
type Submitter interface {
	Submit(ctx context.Context, moduleID string) orchestrator.Result
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr      string
	orch      Orchestrator
	submitter Submitter
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithSubmitter 启用 ?async=true 的异步运行方式。
func WithSubmitter(s Submitter) Option {
	return func(srv *Server) {
		srv.submitter = s
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch Orchestrator, opts ...Option) *Server {
	s := &Server{addr: addr, orch: orch, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/modules", instrument("create", http.HandlerFunc(s.handleCreate)))
	mux.Handle("GET /api/v1/modules/{id}", instrument("status", http.HandlerFunc(s.handleStatus)))
	mux.Handle("POST /api/v1/modules/{id}/run", instrument("run", http.HandlerFunc(s.handleRun)))
	mux.Handle("POST /api/v1/modules/{id}/abort", instrument("abort", s.command(s.orch.Abort)))
	mux.Handle("POST /api/v1/modules/{id}/retry", instrument("retry", s.command(s.orch.Retry)))
	mux.Handle("POST /api/v1/modules/{id}/submit", instrument("submit", s.command(s.orch.SubmitForReview)))
	mux.Handle("POST /api/v1/modules/{id}/approve", instrument("approve", s.command(s.orch.Approve)))
	mux.Handle("POST /api/v1/modules/{id}/request-changes", instrument("request_changes", s.command(s.orch.RequestChanges)))
	mux.Handle("POST /api/v1/modules/{id}/archive", instrument("archive", s.command(s.orch.Archive)))
	mux.Handle("POST /api/v1/resume", instrument("resume", http.HandlerFunc(s.handleResume)))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s.orch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "编排服务未初始化")
	}
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
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
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var mod module.Module
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&mod); err != nil {
		writeJSON(w, http.StatusBadRequest, orchestrator.Result{
			Status:     orchestrator.ResultDenied,
			ErrorClass: xerrors.CodeValidation,
			Message:    "请求体解析失败: " + err.Error(),
		})
		return
	}
	res := s.orch.Create(r.Context(), &mod)
	status := httpStatus(res)
	if res.OK() {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	res := s.orch.Status(r.Context(), r.PathValue("id"))
	if res.Report == nil {
		writeJSON(w, httpStatus(res), res)
		return
	}
	// 查询本身成功时，运行失败也以 200 返回。
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async && s.submitter != nil {
		res := s.submitter.Submit(r.Context(), id)
		status := httpStatus(res)
		if res.OK() && (res.ModuleStatus == module.StatusApproved || res.ModuleStatus == module.StatusRunning) {
			status = http.StatusAccepted
		}
		writeJSON(w, status, res)
		return
	}
	res := s.orch.Run(r.Context(), id)
	writeJSON(w, httpStatus(res), res)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	results := s.orch.Resume(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) command(fn func(ctx context.Context, id string) orchestrator.Result) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := fn(r.Context(), r.PathValue("id"))
		writeJSON(w, httpStatus(res), res)
	})
}

// httpStatus 将结构化结果映射为 HTTP 状态码。运行已到达 FAILED/ABORTED 属于正常结果。
func httpStatus(res orchestrator.Result) int {
	if res.OK() {
		return http.StatusOK
	}
	if res.Status == orchestrator.ResultFailed &&
		(res.ModuleStatus == module.StatusFailed || res.ModuleStatus == module.StatusAborted) {
		return http.StatusOK
	}
	switch res.ErrorClass {
	case xerrors.CodeIllegalTransition:
		return http.StatusConflict
	case xerrors.CodeValidation:
		return http.StatusBadRequest
	case xerrors.CodeBudgetExceeded:
		return http.StatusPaymentRequired
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeTransientAPI:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 按命令记录响应状态码。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveCommand(name, rec.status)
	})
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
