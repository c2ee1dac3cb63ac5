// Package storage defines the record store consumed by the orchestrator,
// the paywall and the API, together with an in-memory implementation.
// Durable backends live in sub-packages (mysql) and share the same
// contract: clone on read, terminal run statuses are final, and at most one
// active unexpired entitlement per service.
package storage

import (
	"context"
	"time"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
)

var (
	// ErrNotFound 表示记录不存在。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "record not found")
	// ErrConflict 表示记录已存在或状态不允许更新。
	ErrConflict = xerrors.New(xerrors.CodeConflict, "record conflict")
	// ErrEntitlementExists 表示服务已有未过期的有效授权。
	ErrEntitlementExists = xerrors.New(xerrors.CodeConflict, "active entitlement already exists")
)

// DefaultListLimit 是列表接口未指定数量时的默认值。
const DefaultListLimit = 20

// RunStore 持久化运行与阶段历史。
type RunStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*model.Run, error)
	// ClaimRun 把 pending 的运行原子地切换为 running，其他状态返回 ErrConflict。
	ClaimRun(ctx context.Context, id string) (*model.Run, error)
	// AppendPhase 追加历史条目并把当前阶段设为该条目的阶段。
	AppendPhase(ctx context.Context, id string, entry model.PhaseEntry) error
	// UpdateRunStatus 更新运行状态，已结束的运行返回 ErrConflict。
	UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, errMsg string) error
	AddRunCost(ctx context.Context, id string, amount float64) error
	SetRunArtifact(ctx context.Context, id, artifactID string) error
}

// TransactionStore 持久化支付交易。
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *model.Transaction) error
	UpdateTransactionStatus(ctx context.Context, id string, status model.TxStatus) error
	GetTransactionByHash(ctx context.Context, hash string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, runID string, limit int) ([]*model.Transaction, error)
}

// EntitlementStore 持久化服务授权。
type EntitlementStore interface {
	// InsertActiveEntitlement 原子地写入一条有效授权。若服务在 now 时刻已有
	// 未过期的有效授权，返回现有记录与 ErrEntitlementExists。
	InsertActiveEntitlement(ctx context.Context, ent *model.Entitlement, now time.Time) (*model.Entitlement, error)
	// GetActiveEntitlement 查询 service = X AND is_active AND expires_at > now。
	GetActiveEntitlement(ctx context.Context, service model.Service, now time.Time) (*model.Entitlement, error)
	ListEntitlements(ctx context.Context, runID string) ([]*model.Entitlement, error)
	DeactivateEntitlements(ctx context.Context) (int, error)
}

// LogStore 持久化运行叙述日志。
type LogStore interface {
	AppendLog(ctx context.Context, entry *model.LogEntry) error
	ListLogs(ctx context.Context, runID string) ([]*model.LogEntry, error)
}

// ArtifactStore 持久化 BUILD 阶段产物。
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, artifact *model.Artifact) error
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	ListArtifacts(ctx context.Context, runID string) ([]*model.Artifact, error)
}

// Store 聚合全部记录存储能力。
type Store interface {
	RunStore
	TransactionStore
	EntitlementStore
	LogStore
	ArtifactStore
	Close() error
}
