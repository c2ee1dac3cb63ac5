package paywall

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/payment"
	"LeoPrime-Chain/internal/storage"
	"LeoPrime-Chain/pkg/logger"
)

// ManualRunID 标记不属于任何运行的手动订阅。
const ManualRunID = "manual"

// Store 是授权管理器需要的记录存储子集。
type Store interface {
	storage.TransactionStore
	storage.EntitlementStore
	AddRunCost(ctx context.Context, id string, amount float64) error
}

// Locker 提供跨进程的按键互斥，返回的函数用于释放。
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Config 描述价格、收款方与令牌参数。
type Config struct {
	Secret        string
	Issuer        string
	TokenTTL      time.Duration
	Currency      string
	DefaultPrice  float64
	Prices        map[model.Service]float64
	Recipient     string
	MinGasBalance float64
}

// SubscribeResult 是一次订阅的结果。TxHash 为空表示复用了已有授权。
type SubscribeResult struct {
	TxHash      string             `json:"txHash"`
	Entitlement *model.Entitlement `json:"entitlement"`
	ExplorerURL string             `json:"explorerUrl"`
	Amount      float64            `json:"amount"`
	Currency    string             `json:"currency"`
	Simulated   bool               `json:"simulated"`
	Reused      bool               `json:"reused"`
}

// ServiceStatus 描述单个服务当前的解锁情况。
type ServiceStatus struct {
	Service     model.Service `json:"service"`
	Description string        `json:"description"`
	Active      bool          `json:"active"`
	Price       float64       `json:"price"`
	ExpiresAt   *time.Time    `json:"expiresAt,omitempty"`
}

// EntitlementView 在授权记录上附加过期信息。
type EntitlementView struct {
	model.Entitlement
	IsExpired     bool  `json:"isExpired"`
	TimeRemaining int64 `json:"timeRemaining"`
}

// Manager 负责订阅流程与授权查询。
type Manager struct {
	store   Store
	gateway payment.Gateway
	cfg     Config
	signer  tokenSigner
	locker  Locker
	locks   map[model.Service]chan struct{}
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
	audit   *slog.Logger
}

// Option 自定义 Manager。
type Option func(*Manager)

// WithLocker 启用分布式锁，本地锁仍然生效。
func WithLocker(locker Locker) Option {
	return func(m *Manager) { m.locker = locker }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger 替换日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New 创建授权管理器。缺少签名密钥属于配置错误。
func New(store Store, gateway payment.Gateway, cfg Config, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置授权令牌签名密钥")
	}
	if store == nil || gateway == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "授权管理器缺少存储或支付网关")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "leo-prime"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.Currency == "" {
		cfg.Currency = "USDC"
	}
	if cfg.DefaultPrice <= 0 {
		cfg.DefaultPrice = 0.5
	}
	if cfg.MinGasBalance <= 0 {
		cfg.MinGasBalance = 0.00001
	}

	m := &Manager{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
		signer:  tokenSigner{secret: []byte(cfg.Secret), issuer: cfg.Issuer, ttl: cfg.TokenTTL},
		locks:   make(map[model.Service]chan struct{}),
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  logger.Named("paywall"),
		audit:   logger.Audit(),
	}
	for _, svc := range model.KnownServices() {
		m.locks[svc] = make(chan struct{}, 1)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Price 返回服务单价。
func (m *Manager) Price(service model.Service) float64 {
	if price, ok := m.cfg.Prices[service]; ok && price > 0 {
		return price
	}
	return m.cfg.DefaultPrice
}

// Prices 返回全部服务的价格表。
func (m *Manager) Prices() map[model.Service]float64 {
	out := make(map[model.Service]float64, len(m.locks))
	for _, svc := range model.KnownServices() {
		out[svc] = m.Price(svc)
	}
	return out
}

// Currency 返回计价币种。
func (m *Manager) Currency() string { return m.cfg.Currency }

func (m *Manager) lock(ctx context.Context, service model.Service) (func(), error) {
	local := m.locks[service]
	select {
	case local <- struct{}{}:
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "等待授权锁被取消")
	}
	if m.locker == nil {
		return func() { <-local }, nil
	}
	release, err := m.locker.Lock(ctx, "entitlement:"+string(service))
	if err != nil {
		<-local
		return nil, err
	}
	return func() {
		release()
		<-local
	}, nil
}

// Subscribe 为服务付费并签发授权。已有未过期授权时直接复用，不再付款。
func (m *Manager) Subscribe(ctx context.Context, runID string, service model.Service) (*SubscribeResult, error) {
	if !service.Valid() {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知服务 %q", service)
	}
	if runID == "" {
		runID = ManualRunID
	}

	unlock, err := m.lock(ctx, service)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log := m.logger.With(slog.String("run_id", runID), slog.String("service", string(service)))

	existing, err := m.store.GetActiveEntitlement(ctx, service, m.now().UTC())
	switch {
	case err == nil:
		log.Info("复用已有授权", slog.Time("expires_at", existing.ExpiresAt))
		return &SubscribeResult{Entitlement: existing, Currency: m.cfg.Currency, Reused: true}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	req := payment.Request{
		Service:   service,
		Recipient: m.cfg.Recipient,
		Amount:    m.Price(service),
		Currency:  m.cfg.Currency,
	}
	receipt, err := m.pay(ctx, log, req)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	tx := &model.Transaction{
		ID:          m.newID(),
		RunID:       runID,
		TxHash:      receipt.TxHash,
		Amount:      receipt.Amount,
		Currency:    receipt.Currency,
		Recipient:   receipt.Recipient,
		Purpose:     req.Purpose(),
		Status:      model.TxConfirmed,
		ExplorerURL: receipt.ExplorerURL,
		Simulated:   receipt.Simulated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	if runID != ManualRunID {
		if err := m.store.AddRunCost(ctx, runID, receipt.Amount); err != nil {
			return nil, err
		}
	}

	token, expiresAt, err := m.signer.mint(service, runID, tx.ID, now)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "签发授权令牌失败")
	}
	ent := &model.Entitlement{
		ID:        m.newID(),
		RunID:     runID,
		TxID:      tx.ID,
		Service:   service,
		Token:     token,
		ExpiresAt: expiresAt,
		IsActive:  true,
		CreatedAt: now,
	}
	stored, err := m.store.InsertActiveEntitlement(ctx, ent, now)
	if errors.Is(err, storage.ErrEntitlementExists) {
		log.Warn("并发订阅已产生有效授权，使用现有授权", slog.String("entitlement_id", stored.ID))
	} else if err != nil {
		return nil, err
	} else {
		m.audit.Info("entitlement minted",
			slog.String("run_id", runID),
			slog.String("service", string(service)),
			slog.String("tx_hash", receipt.TxHash),
			slog.Float64("amount", receipt.Amount),
			slog.Bool("simulated", receipt.Simulated),
			slog.Time("expires_at", expiresAt),
		)
	}

	return &SubscribeResult{
		TxHash:      receipt.TxHash,
		Entitlement: stored,
		ExplorerURL: receipt.ExplorerURL,
		Amount:      receipt.Amount,
		Currency:    receipt.Currency,
		Simulated:   receipt.Simulated,
	}, nil
}

// pay 在钱包同时满足 USDC 与 gas 余额时发起真实转账，否则生成模拟交易。
func (m *Manager) pay(ctx context.Context, log *slog.Logger, req payment.Request) (payment.Receipt, error) {
	balances, err := m.gateway.Balances(ctx)
	if err != nil {
		log.Warn("查询钱包余额失败，使用模拟支付", slog.Any("error", err))
		return m.gateway.Simulate(ctx, req)
	}
	if balances.Amount >= req.Amount && balances.Gas >= m.cfg.MinGasBalance {
		log.Info("发起真实支付", slog.Float64("amount", req.Amount), slog.Float64("balance", balances.Amount))
		receipt, err := m.gateway.Pay(ctx, req)
		if err != nil {
			// 转账可能已广播，自动重试有重复扣款的风险。
			return payment.Receipt{}, xerrors.Wrap(xerrors.CodePaymentFailure, err, xerrors.MessageOf(err),
				xerrors.WithRetryable(false),
				xerrors.WithMetadata("service", string(req.Service)),
				xerrors.WithMetadata("recipient", req.Recipient),
			)
		}
		m.audit.Info("payment sent",
			slog.String("service", string(req.Service)),
			slog.String("tx_hash", receipt.TxHash),
			slog.Float64("amount", receipt.Amount),
			slog.String("recipient", receipt.Recipient),
		)
		return receipt, nil
	}
	log.Info("余额不足，使用模拟支付",
		slog.Float64("balance", balances.Amount),
		slog.Float64("gas", balances.Gas),
		slog.Float64("price", req.Amount),
	)
	return m.gateway.Simulate(ctx, req)
}

// ActiveEntitlement 返回服务当前的有效授权，不存在时返回 storage.ErrNotFound。
func (m *Manager) ActiveEntitlement(ctx context.Context, service model.Service) (*model.Entitlement, error) {
	return m.store.GetActiveEntitlement(ctx, service, m.now().UTC())
}

// ActiveServices 按固定顺序返回当前已解锁的服务。
func (m *Manager) ActiveServices(ctx context.Context) ([]model.Service, error) {
	var active []model.Service
	for _, svc := range model.KnownServices() {
		_, err := m.ActiveEntitlement(ctx, svc)
		switch {
		case err == nil:
			active = append(active, svc)
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, err
		}
	}
	return active, nil
}

// Status 返回每个服务的解锁状态与价格。
func (m *Manager) Status(ctx context.Context) ([]ServiceStatus, error) {
	out := make([]ServiceStatus, 0, len(m.locks))
	for _, svc := range model.KnownServices() {
		status := ServiceStatus{Service: svc, Description: svc.Description(), Price: m.Price(svc)}
		ent, err := m.ActiveEntitlement(ctx, svc)
		switch {
		case err == nil:
			status.Active = true
			expires := ent.ExpiresAt
			status.ExpiresAt = &expires
		case !errors.Is(err, storage.ErrNotFound):
			return nil, err
		}
		out = append(out, status)
	}
	return out, nil
}

// ListEntitlements 列出授权并计算剩余有效时间（毫秒）。
func (m *Manager) ListEntitlements(ctx context.Context, runID string) ([]EntitlementView, error) {
	ents, err := m.store.ListEntitlements(ctx, runID)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	out := make([]EntitlementView, 0, len(ents))
	for _, ent := range ents {
		out = append(out, EntitlementView{
			Entitlement:   *ent,
			IsExpired:     !ent.ExpiresAt.After(now),
			TimeRemaining: ent.Remaining(now).Milliseconds(),
		})
	}
	return out, nil
}

// Reset 使全部授权失效。
func (m *Manager) Reset(ctx context.Context) (int, error) {
	n, err := m.store.DeactivateEntitlements(ctx)
	if err != nil {
		return 0, err
	}
	m.audit.Info("entitlements reset", slog.Int("count", n))
	return n, nil
}

// VerifyToken 校验授权令牌，返回服务与运行 ID。令牌过期或密钥不符时返回错误。
func (m *Manager) VerifyToken(token string) (model.Service, string, error) {
	claims, err := m.signer.verify(token, m.now())
	if err != nil {
		return "", "", err
	}
	return model.Service(claims.Service), claims.RunID, nil
}
