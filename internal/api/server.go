package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"LeoPrime-Chain/internal/events"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/observability/metrics"
	"LeoPrime-Chain/internal/payment"
	"LeoPrime-Chain/internal/paywall"
	"LeoPrime-Chain/internal/task"
	"LeoPrime-Chain/pkg/logger"
)

// Runs 提交与取消运行。
type Runs interface {
	Submit(ctx context.Context, goal string) (*model.Run, error)
	Cancel(ctx context.Context, runID string) (*model.Run, error)
	Stats(ctx context.Context, limit int) (task.RunStats, error)
}

// Records 是接口层读取的记录存储子集。
type Records interface {
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*model.Run, error)
	ListLogs(ctx context.Context, runID string) ([]*model.LogEntry, error)
	ListTransactions(ctx context.Context, runID string, limit int) ([]*model.Transaction, error)
	GetTransactionByHash(ctx context.Context, hash string) (*model.Transaction, error)
	ListArtifacts(ctx context.Context, runID string) ([]*model.Artifact, error)
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
}

// Entitlements 是授权管理器暴露给接口层的能力。
type Entitlements interface {
	ListEntitlements(ctx context.Context, runID string) ([]paywall.EntitlementView, error)
	Status(ctx context.Context) ([]paywall.ServiceStatus, error)
	Prices() map[model.Service]float64
	Currency() string
	Subscribe(ctx context.Context, runID string, service model.Service) (*paywall.SubscribeResult, error)
	Reset(ctx context.Context) (int, error)
}

// Wallet 查询受控钱包余额。
type Wallet interface {
	Balances(ctx context.Context) (payment.Balances, error)
}

// Memories 管理语义记忆。
type Memories interface {
	Add(ctx context.Context, memories []model.Memory) ([]model.Memory, error)
	Retrieve(ctx context.Context, query string, k int) ([]model.RetrievedMemory, error)
	Count(ctx context.Context) (int, error)
	List(ctx context.Context, limit int) ([]model.Memory, error)
}

// HealthCheck 检查一个外部依赖。
type HealthCheck func(ctx context.Context) error

// Dependencies 汇总接口层依赖。
type Dependencies struct {
	Runs         Runs
	Records      Records
	Hub          *events.Hub
	Entitlements Entitlements
	Wallet       Wallet
	Memories     Memories
	Metrics      *metrics.Registry
	Checks       map[string]HealthCheck
}

// Options 控制 HTTP 行为。
type Options struct {
	KeepAlive         time.Duration
	PollInterval      time.Duration
	StartRatePerSec   float64
	StartBurst        int
	AllowedOrigin     string
	ReadHeaderTimeout time.Duration
}

// Server 负责暴露 REST 与 SSE 接口。
type Server struct {
	addr    string
	deps    Dependencies
	opts    Options
	limiter *visitorLimiter
	logger  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies, opts Options) *Server {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	return &Server{
		addr:    addr,
		deps:    deps,
		opts:    opts,
		limiter: newVisitorLimiter(opts.StartRatePerSec, opts.StartBurst),
		logger:  logger.Named("api"),
	}
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "POST /api/agent/run", "runs.start", s.limiter.wrap(http.HandlerFunc(s.handleStartRun)))
	s.route(mux, "GET /api/agent/stream/{id}", "runs.stream", http.HandlerFunc(s.handleStream))
	s.route(mux, "GET /api/agent/runs", "runs.list", http.HandlerFunc(s.handleListRuns))
	s.route(mux, "GET /api/agent/runs/{id}", "runs.get", http.HandlerFunc(s.handleGetRun))
	s.route(mux, "GET /api/agent/runs/{id}/logs", "runs.logs", http.HandlerFunc(s.handleRunLogs))
	s.route(mux, "POST /api/agent/runs/{id}/cancel", "runs.cancel", http.HandlerFunc(s.handleCancelRun))

	s.route(mux, "GET /api/entitlements", "entitlements.list", http.HandlerFunc(s.handleListEntitlements))
	s.route(mux, "GET /api/entitlements/status", "entitlements.status", http.HandlerFunc(s.handleEntitlementStatus))
	s.route(mux, "GET /api/entitlements/prices", "entitlements.prices", http.HandlerFunc(s.handlePrices))
	s.route(mux, "POST /api/entitlements/subscribe", "entitlements.subscribe", http.HandlerFunc(s.handleSubscribe))
	s.route(mux, "POST /api/entitlements/reset", "entitlements.reset", http.HandlerFunc(s.handleResetEntitlements))

	s.route(mux, "GET /api/wallet", "wallet.get", http.HandlerFunc(s.handleWallet))
	s.route(mux, "GET /api/wallet/transactions", "wallet.transactions", http.HandlerFunc(s.handleListTransactions))
	s.route(mux, "GET /api/wallet/transactions/{hash}", "wallet.transaction", http.HandlerFunc(s.handleGetTransaction))

	s.route(mux, "GET /api/memories", "memories.list", http.HandlerFunc(s.handleListMemories))
	s.route(mux, "POST /api/memories", "memories.add", http.HandlerFunc(s.handleAddMemory))
	s.route(mux, "POST /api/memories/search", "memories.search", http.HandlerFunc(s.handleSearchMemories))
	s.route(mux, "GET /api/memories/count", "memories.count", http.HandlerFunc(s.handleCountMemories))

	s.route(mux, "GET /api/projects", "projects.list", http.HandlerFunc(s.handleListProjects))
	s.route(mux, "GET /api/projects/{id}", "projects.get", http.HandlerFunc(s.handleGetProject))

	s.route(mux, "GET /health", "health", http.HandlerFunc(s.handleHealth))
	s.route(mux, "GET /api/health", "health", http.HandlerFunc(s.handleHealth))
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	return withCORS(s.opts.AllowedOrigin, mux)
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.Handler) {
	if s.deps.Metrics != nil {
		h = s.deps.Metrics.Instrument(name, h)
	}
	mux.Handle(pattern, h)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		// 请求上下文继承根上下文，关闭时 SSE 连接随之结束。
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动", slog.String("addr", s.addr))

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
