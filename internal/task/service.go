package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"LeoPrime-Chain/internal/agent"
	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/events"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/storage"
	"LeoPrime-Chain/pkg/logger"
)

// maxGoalLength 限制目标文本长度（按 rune 计）。
const maxGoalLength = 4000

// RunStore 是任务服务需要的运行存储子集。
type RunStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*model.Run, error)
	AppendPhase(ctx context.Context, id string, entry model.PhaseEntry) error
	UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, errMsg string) error
}

// Service 负责运行的创建、投递与取消。
type Service struct {
	store    RunStore
	hub      *events.Hub
	producer Producer
	now      func() time.Time
	newID    func() string
	// remote 为 true 时运行可能由其他节点领取，事件流只在执行节点登记。
	remote bool
}

// ServiceOption 自定义 Service。
type ServiceOption func(*Service)

// WithServiceClock 替换时间源。
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRemoteExecution 声明队列由多个节点共同消费。提交节点不再预先登记事件流，
// 流由领取运行的处理器创建。
func WithRemoteExecution(remote bool) ServiceOption {
	return func(s *Service) {
		s.remote = remote
	}
}

// NewService 构造任务服务。
func NewService(store RunStore, hub *events.Hub, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{store: store, hub: hub, producer: producer, now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建 pending 运行，先登记事件流再投递到队列，保证订阅方总能连上。
func (s *Service) Submit(ctx context.Context, goal string) (*model.Run, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "goal is required")
	}
	if len([]rune(goal)) > maxGoalLength {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "goal exceeds %d characters", maxGoalLength)
	}
	if s.store == nil || s.hub == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "任务服务未初始化")
	}

	now := s.now().UTC()
	run := &model.Run{
		ID:        s.newID(),
		Status:    model.RunPending,
		Goal:      goal,
		History:   []model.PhaseEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	// 单节点时先登记事件流再投递，订阅方总能连上。
	var stream *events.Stream
	if !s.remote {
		stream = s.hub.Open(run.ID)
		_ = stream.Publish(events.New(events.KindRunStarted, run.ID, now, events.RunStarted{Goal: goal}))
	}

	if err := s.producer.Publish(ctx, run.ID); err != nil {
		wrapped := err
		if _, ok := xerrors.From(err); !ok {
			wrapped = xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递运行失败")
		}
		message := xerrors.MessageOf(wrapped)
		logger.L().Error("运行入队失败", slog.String("run_id", run.ID), slog.Any("error", err))
		if storeErr := failRun(context.WithoutCancel(ctx), s.store, run, message, s.now()); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.String("run_id", run.ID), slog.Any("error", storeErr))
		}
		if stream != nil {
			_ = stream.Publish(events.New(events.KindError, run.ID, s.now(), events.Failure{Message: message}))
		}
		return nil, wrapped
	}

	logger.Audit().Info("run submitted",
		slog.String("run_id", run.ID),
		slog.String("goal", goal),
	)
	return run, nil
}

// Cancel 取消运行。尚未被领取的运行直接标记为 cancelled；本进程正在执行的运行
// 在当前阶段结束后停止；在其他节点执行的运行返回 CONFLICT。已产生的支付与授权不会回滚。
func (s *Service) Cancel(ctx context.Context, runID string) (*model.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Finished() {
		return nil, xerrors.Newf(xerrors.CodeConflict, "run %s already %s", runID, run.Status)
	}

	if run.Status == model.RunPending {
		err := s.store.UpdateRunStatus(ctx, runID, model.RunCancelled, "cancelled")
		switch {
		case err == nil:
			// 处理器可能已绑定但尚未领取。
			if !s.hub.Cancel(runID) {
				if stream, ok := s.hub.Get(runID); ok {
					stream.Close(events.ErrCancelled)
				}
			}
			return s.cancelled(ctx, run)
		case !stdErrors.Is(err, storage.ErrConflict):
			return nil, err
		}
		// 与领取竞争失败，按执行中的运行处理。
	}
	if !s.hub.Cancel(runID) {
		return nil, xerrors.Newf(xerrors.CodeConflict, "run %s is executing on another node", runID)
	}
	return s.cancelled(ctx, run)
}

func (s *Service) cancelled(ctx context.Context, run *model.Run) (*model.Run, error) {
	logger.Audit().Info("run cancel requested",
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
	)
	return s.store.GetRun(ctx, run.ID)
}

// failRun 以 ERROR 历史条目结束运行并写入 failed 状态。历史已到达 COMPLETE 的运行
// 不能再进入 ERROR，只补写 completed 状态。
func failRun(ctx context.Context, store RunStore, run *model.Run, message string, now time.Time) error {
	if run.CurrentPhase == model.PhaseComplete {
		return store.UpdateRunStatus(ctx, run.ID, model.RunCompleted, "")
	}
	if agent.CanTransition(run.CurrentPhase, model.PhaseError) {
		entry := model.PhaseEntry{
			Phase:     model.PhaseError,
			Timestamp: now.UTC(),
			Payload:   map[string]any{"error": message, "phase": string(run.CurrentPhase)},
		}
		if err := store.AppendPhase(ctx, run.ID, entry); err != nil {
			return err
		}
	}
	return store.UpdateRunStatus(ctx, run.ID, model.RunFailed, message)
}

// Stats 统计最近的运行。
func (s *Service) Stats(ctx context.Context, limit int) (RunStats, error) {
	runs, err := s.store.ListRuns(ctx, limit)
	if err != nil {
		return RunStats{}, err
	}
	return ComputeStats(runs), nil
}

// Close 释放队列资源。
func (s *Service) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
