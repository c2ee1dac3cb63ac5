package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/events"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/observability/alerting"
	"LeoPrime-Chain/internal/storage"
	"LeoPrime-Chain/pkg/logger"
)

// Runner 执行单次运行，由编排器实现。
type Runner interface {
	Run(ctx context.Context, runID string, pub events.Publisher) error
}

// Claimer 把 pending 运行原子地切换为 running。
type Claimer interface {
	ClaimRun(ctx context.Context, id string) (*model.Run, error)
}

// Processor 负责从队列消费运行并交给编排器执行。
type Processor struct {
	runner      Runner
	store       Claimer
	hub         *events.Hub
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Claimer, hub *events.Hub, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		hub:         hub,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("task.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.runner == nil || p.store == nil || p.hub == nil {
		return xerrors.New(xerrors.CodeConfiguration, "运行处理器未初始化")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 领取并执行一次运行。运行本身的失败已由编排器落库，不会重新投递；
// 只有领取阶段的存储错误才返回给队列。
func (p *Processor) handle(ctx context.Context, runID string) error {
	stream := p.hub.Open(runID)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// 先绑定取消函数再领取，领取前到达的取消也能生效。重复投递的运行已在本进程执行，直接跳过。
	if !p.hub.BindCancel(runID, cancel) {
		p.logger.Debug("运行已在本进程执行", slog.String("run_id", runID))
		return nil
	}

	run, err := p.store.ClaimRun(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, storage.ErrNotFound) || stdErrors.Is(err, storage.ErrConflict) {
			p.logger.Debug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			stream.Close(nil)
			return nil
		}
		p.logger.Error("领取运行失败", slog.String("run_id", runID), slog.Any("error", err))
		p.emitAlert(ctx, runID, "claim", err)
		return err
	}
	// 多节点队列下提交节点不登记事件流，由执行节点补发 run_started。
	if stream.Len() == 0 {
		_ = stream.Publish(events.New(events.KindRunStarted, runID, time.Now(), events.RunStarted{Goal: run.Goal}))
	}

	err = p.runner.Run(runCtx, runID, stream)
	switch {
	case err == nil:
		logger.Audit().Info("run completed", slog.String("run_id", runID))
	case xerrors.HasCode(err, xerrors.CodeCancelled):
		stream.Close(events.ErrCancelled)
		logger.Audit().Info("run cancelled", slog.String("run_id", runID))
	default:
		logger.Audit().Warn("run failed",
			slog.String("run_id", runID),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.String("error", err.Error()),
		)
		if xerrors.ShouldAlert(err) {
			p.emitAlert(ctx, runID, "run", err)
		}
	}
	stream.Close(nil)
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, runID, stage string, cause error) {
	if p.alerter == nil {
		return
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), alerting.FromError(runID, stage, cause)); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", runID),
			slog.String("stage", stage),
		)
	}
}
