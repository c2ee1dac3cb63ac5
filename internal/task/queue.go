// Package task 把运行投递到队列并由工作协程领取执行。队列只携带运行 id，
// 运行的全部状态都在记录存储中。
package task

import (
	"context"

	xerrors "LeoPrime-Chain/internal/errors"
)

// ErrQueueClosed 表示队列已关闭。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "queue closed")

// Handler 处理来自队列的运行 id。返回错误表示需要重新投递。
type Handler func(ctx context.Context, runID string) error

// Producer 负责向队列投递运行。
type Producer interface {
	Publish(ctx context.Context, runID string) error
	Close() error
}

// Consumer 负责从队列中消费运行。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
