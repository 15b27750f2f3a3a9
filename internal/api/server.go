package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"VaultTrader/internal/auth"
	"VaultTrader/internal/observability/metrics"
	"VaultTrader/internal/storage/mysql"
	"VaultTrader/pkg/logger"
)

// maxListLimit 限制单次查询返回的触发记录数量。
const maxListLimit = 200

// SchedulerState 报告调度器是否有触发在执行，Scheduler 满足该接口。
type SchedulerState interface {
	Busy() bool
}

// Server 负责暴露 REST 接口，供运维查看交易循环的执行情况。
type Server struct {
	addr      string
	ticks     mysql.TickRepository
	scheduler SchedulerState
	auth      *auth.Authenticator
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithSchedulerState 让健康检查附带调度器状态。
func WithSchedulerState(state SchedulerState) Option {
	return func(s *Server) {
		s.scheduler = state
	}
}

// WithAuthenticator 要求查询接口携带访问令牌，健康检查与指标不受影响。
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(s *Server) {
		s.auth = a
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ticks mysql.TickRepository, opts ...Option) *Server {
	s := &Server{addr: addr, ticks: ticks, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回已注册全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	ticks := http.Handler(http.HandlerFunc(s.handleListTicks))
	if s.auth.Enabled() {
		ticks = s.auth.Middleware("list_ticks")(ticks)
	}
	mux.Handle("/api/v1/ticks", instrument("ticks", ticks))
	mux.Handle("/healthz", instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/metrics", metrics.Handler())
	return mux
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

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

func (s *Server) handleListTicks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.ticks == nil {
		http.Error(w, "成交记录仓库未初始化", http.StatusServiceUnavailable)
		return
	}

	limit := mysql.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit 必须为正整数", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxListLimit)
	}

	records, err := s.ticks.ListLatest(r.Context(), limit)
	if err != nil {
		s.logger.Error("查询成交记录失败", slog.Any("error", err))
		http.Error(w, "查询成交记录失败", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []mysql.TickRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	body := map[string]any{"status": "ok"}
	if s.scheduler != nil {
		body["busy"] = s.scheduler.Busy()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder 记录响应状态码供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
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
