package model

import "time"

// TxStatus 表示支付交易状态。
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Transaction 是一次支付记录，创建后只会更新状态，不会删除。
type Transaction struct {
	ID          string    `json:"id"`
	RunID       string    `json:"runId"`
	TxHash      string    `json:"txHash"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Recipient   string    `json:"recipient"`
	Purpose     string    `json:"purpose"`
	Status      TxStatus  `json:"status"`
	ExplorerURL string    `json:"explorerUrl"`
	Simulated   bool      `json:"simulated"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Entitlement 授予某个服务一段时间的访问权。
type Entitlement struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	TxID      string    `json:"txId"`
	Service   Service   `json:"service"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// ActiveAt 判断授权在给定时间点是否有效，过期在读取时惰性判断。
func (e *Entitlement) ActiveAt(now time.Time) bool {
	return e != nil && e.IsActive && e.ExpiresAt.After(now)
}

// Remaining 返回剩余有效时长，已过期返回 0。
func (e *Entitlement) Remaining(now time.Time) time.Duration {
	if e == nil || !e.ExpiresAt.After(now) {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}
