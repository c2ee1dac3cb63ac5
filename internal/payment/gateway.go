// Package payment wraps the wallet that pays for service entitlements. A
// chain-backed gateway sends real USDC transfers; the simulator produces
// synthetic transaction hashes when the wallet cannot pay.
package payment

import (
	"context"
	"time"

	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/web3"
)

// Balances 描述受控钱包的余额。
type Balances struct {
	Address  string  `json:"address"`
	Network  string  `json:"network"`
	Currency string  `json:"currency"`
	Amount   float64 `json:"balance"`
	Gas      float64 `json:"ethBalance"`
	// Chain 只在连接真实网络时填充。
	Chain *web3.ChainSnapshot `json:"chain,omitempty"`
}

// Request 描述一次服务付费。
type Request struct {
	Service   model.Service
	Recipient string
	Amount    float64
	Currency  string
}

// Purpose 返回交易用途描述。
func (r Request) Purpose() string {
	return "Subscribe to " + string(r.Service)
}

// Receipt 是支付结果。
type Receipt struct {
	TxHash      string
	Amount      float64
	Currency    string
	Recipient   string
	ExplorerURL string
	Simulated   bool
	SubmittedAt time.Time
}

// Gateway 是授权管理器依赖的支付适配器。
type Gateway interface {
	Balances(ctx context.Context) (Balances, error)
	Pay(ctx context.Context, req Request) (Receipt, error)
	Simulate(ctx context.Context, req Request) (Receipt, error)
	Confirm(ctx context.Context, txHash string) (model.TxStatus, error)
}
