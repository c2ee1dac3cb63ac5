package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/web3"
)

// Simulator 在钱包余额不足或未配置链时生成模拟交易，
// 延迟与真实路径相当，保证前端体验一致。
type Simulator struct {
	delay    time.Duration
	explorer web3.ChainDefinition
	network  string
	now      func() time.Time
}

// SimulatorOption 自定义模拟器。
type SimulatorOption func(*Simulator)

// WithDelay 设置模拟交易的等待时长。
func WithDelay(d time.Duration) SimulatorOption {
	return func(s *Simulator) {
		if d >= 0 {
			s.delay = d
		}
	}
}

// WithExplorer 设置生成浏览器链接使用的链定义。
func WithExplorer(def web3.ChainDefinition, network string) SimulatorOption {
	return func(s *Simulator) {
		s.explorer = def
		s.network = network
	}
}

// NewSimulator 创建模拟支付网关。
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{delay: 2 * time.Second, network: "simulated", now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Balances 模拟钱包没有余额，授权管理器因此总是走模拟路径。
func (s *Simulator) Balances(context.Context) (Balances, error) {
	return Balances{Network: s.network, Currency: "USDC"}, nil
}

// Pay 在没有链配置时不可用。
func (s *Simulator) Pay(context.Context, Request) (Receipt, error) {
	return Receipt{}, xerrors.New(xerrors.CodePaymentFailure, "未配置链上钱包，无法发起真实支付")
}

// Simulate 等待配置的延迟后返回一个随机交易哈希。
func (s *Simulator) Simulate(ctx context.Context, req Request) (Receipt, error) {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Receipt{}, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "模拟支付被取消")
		case <-timer.C:
		}
	}
	hash, err := randomTxHash()
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodePaymentFailure, err, "生成模拟交易哈希失败")
	}
	return Receipt{
		TxHash:      hash,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Recipient:   req.Recipient,
		ExplorerURL: s.explorer.TxURL(hash),
		Simulated:   true,
		SubmittedAt: s.now().UTC(),
	}, nil
}

// Confirm 模拟交易立即视为已确认。
func (s *Simulator) Confirm(context.Context, string) (model.TxStatus, error) {
	return model.TxConfirmed, nil
}

func randomTxHash() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return "0x" + hex.EncodeToString(buf), nil
}
