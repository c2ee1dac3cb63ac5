package task

import (
	"context"
	"log/slog"
	"time"

	"LeoPrime-Chain/internal/events"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/pkg/logger"
)

// recoveryScanLimit 是启动时检查的最近运行数。
const recoveryScanLimit = 200

// RecoveryReport 汇总启动恢复的结果。
type RecoveryReport struct {
	Requeued    int
	Interrupted int
}

// Recover 处理上一个进程遗留的运行：pending 重新登记事件流并入队，running
// 追加 ERROR 阶段后标记为 failed（已到达 COMPLETE 的补写 completed）。只适用于单节点部署，多节点时 running 的运行可能仍在其他节点执行。
func Recover(ctx context.Context, store RunStore, hub *events.Hub, producer Producer) (RecoveryReport, error) {
	var report RecoveryReport
	runs, err := store.ListRuns(ctx, recoveryScanLimit)
	if err != nil {
		return report, err
	}
	log := logger.Named("task.recovery")
	for _, run := range runs {
		switch run.Status {
		case model.RunPending:
			stream := hub.Open(run.ID)
			if stream.Len() == 0 {
				_ = stream.Publish(events.New(events.KindRunStarted, run.ID, run.CreatedAt, events.RunStarted{Goal: run.Goal}))
			}
			if err := producer.Publish(ctx, run.ID); err != nil {
				return report, err
			}
			report.Requeued++
		case model.RunRunning:
			if err := failRun(ctx, store, run, "interrupted by restart", time.Now()); err != nil {
				log.Warn("标记中断运行失败", slog.String("run_id", run.ID), slog.Any("error", err))
				continue
			}
			report.Interrupted++
		}
	}
	if report.Requeued > 0 || report.Interrupted > 0 {
		log.Info("启动恢复完成", slog.Int("requeued", report.Requeued), slog.Int("interrupted", report.Interrupted))
	}
	return report, nil
}
