package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/events"
	"LeoPrime-Chain/internal/llm"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/payment"
	"LeoPrime-Chain/internal/paywall"
	"LeoPrime-Chain/internal/storage"
	"LeoPrime-Chain/pkg/logger"
)

const (
	defaultTopK          = 5
	defaultPreviewChars  = 500
	defaultVerifyDelay   = time.Second
	defaultVerifyTimeout = 2 * time.Minute
	defaultPollInterval  = 2 * time.Second
)

// Store 是编排器需要的记录存储子集。
type Store interface {
	storage.RunStore
	storage.LogStore
	storage.ArtifactStore
	GetTransactionByHash(ctx context.Context, hash string) (*model.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, status model.TxStatus) error
}

// Memory 提供语义检索。
type Memory interface {
	Retrieve(ctx context.Context, query string, k int) ([]model.RetrievedMemory, error)
}

// Entitlements 是编排器使用的授权管理能力。
type Entitlements interface {
	ActiveServices(ctx context.Context) ([]model.Service, error)
	ActiveEntitlement(ctx context.Context, service model.Service) (*model.Entitlement, error)
	Subscribe(ctx context.Context, runID string, service model.Service) (*paywall.SubscribeResult, error)
}

// Observer 接收阶段耗时、支付与运行结果，用于指标统计。
type Observer interface {
	ObservePhase(phase model.Phase, elapsed time.Duration)
	ObservePayment(service model.Service, simulated bool)
	ObserveRun(status model.RunStatus)
}

type noopObserver struct{}

func (noopObserver) ObservePhase(model.Phase, time.Duration) {}
func (noopObserver) ObservePayment(model.Service, bool)      {}
func (noopObserver) ObserveRun(model.RunStatus)              {}

// Dependencies 汇总编排器依赖的外部组件。
type Dependencies struct {
	Store        Store
	Reasoner     llm.Reasoner
	Memory       Memory
	Entitlements Entitlements
	// Gateway 用于 VERIFY 阶段轮询真实交易，可以为空。
	Gateway payment.Gateway
}

// Orchestrator 驱动运行的状态机。
type Orchestrator struct {
	store        Store
	reasoner     llm.Reasoner
	memory       Memory
	entitlements Entitlements
	gateway      payment.Gateway

	policy         DemoPolicy
	observer       Observer
	topK           int
	previewChars   int
	verifyDelay    time.Duration
	verifyTimeout  time.Duration
	pollInterval   time.Duration
	adapterTimeout time.Duration

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option 定义可选的编排器配置。
type Option func(*Orchestrator)

// WithTopK 设置检索的记忆条数。
func WithTopK(k int) Option {
	return func(o *Orchestrator) {
		if k > 0 {
			o.topK = k
		}
	}
}

// WithPreviewChars 设置 artifact 事件的预览长度。
func WithPreviewChars(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.previewChars = n
		}
	}
}

// WithVerify 设置 VERIFY 阶段的固定等待、确认超时与轮询间隔。delay 为 0 表示不等待。
func WithVerify(delay, timeout, interval time.Duration) Option {
	return func(o *Orchestrator) {
		if delay >= 0 {
			o.verifyDelay = delay
		}
		if timeout > 0 {
			o.verifyTimeout = timeout
		}
		if interval > 0 {
			o.pollInterval = interval
		}
	}
}

// WithAdapterTimeout 限制单次推理调用的时长。
func WithAdapterTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.adapterTimeout = d
		}
	}
}

// WithDemoPolicy 启用演示策略。
func WithDemoPolicy(p DemoPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithObserver 注册指标观察者。
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger 替换日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New 创建编排器，缺少必需依赖时返回配置错误。
func New(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, xerrors.New(xerrors.CodeConfiguration, "编排器缺少记录存储")
	case deps.Reasoner == nil:
		return nil, xerrors.New(xerrors.CodeConfiguration, "编排器缺少推理后端")
	case deps.Memory == nil:
		return nil, xerrors.New(xerrors.CodeConfiguration, "编排器缺少记忆检索")
	case deps.Entitlements == nil:
		return nil, xerrors.New(xerrors.CodeConfiguration, "编排器缺少授权管理器")
	}

	o := &Orchestrator{
		store:         deps.Store,
		reasoner:      deps.Reasoner,
		memory:        deps.Memory,
		entitlements:  deps.Entitlements,
		gateway:       deps.Gateway,
		observer:      noopObserver{},
		topK:          defaultTopK,
		previewChars:  defaultPreviewChars,
		verifyDelay:   defaultVerifyDelay,
		verifyTimeout: defaultVerifyTimeout,
		pollInterval:  defaultPollInterval,
		now:           time.Now,
		newID:         uuid.NewString,
		logger:        logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// execution 保存单次运行在阶段之间传递的状态，只在运行所在的 goroutine 内使用。
type execution struct {
	run      *model.Run
	pub      events.Publisher
	log      *slog.Logger
	phase    model.Phase
	entered  time.Time
	planned  []model.Service
	memories []model.RetrievedMemory
	services []model.Service
	paid     []*paywall.SubscribeResult
	artifact *model.Artifact
}

// Run 执行一次运行。运行必须已被认领为 running。成功返回 nil；失败时已写入
// ERROR 与 failed 状态并返回原始错误；取消时写入 cancelled 并返回 CANCELLED 错误。
func (o *Orchestrator) Run(ctx context.Context, runID string, pub events.Publisher) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Finished() {
		return xerrors.Wrap(xerrors.CodeConflict, storage.ErrConflict, fmt.Sprintf("运行 %s 已结束", runID))
	}
	if pub == nil {
		pub = events.PublisherFunc(func(events.Event) error { return nil })
	}

	ex := &execution{
		run:   run,
		pub:   pub,
		log:   o.logger.With(slog.String("run_id", runID)),
		phase: run.CurrentPhase,
	}
	ex.log.Info("开始执行运行", slog.String("goal", run.Goal))

	err = o.execute(ctx, ex)
	switch {
	case err == nil:
		o.observer.ObserveRun(model.RunCompleted)
		return nil
	case ctx.Err() != nil:
		o.cancelled(ctx, ex)
		o.observer.ObserveRun(model.RunCancelled)
		return xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "运行已取消")
	default:
		o.fail(ctx, ex, err)
		o.observer.ObserveRun(model.RunFailed)
		return err
	}
}

func (o *Orchestrator) execute(ctx context.Context, ex *execution) error {
	steps := []func(context.Context, *execution) error{
		o.think,
		o.retrieve,
		o.decide,
		o.payAndUnlock,
		o.build,
		o.complete,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(ctx, ex); err != nil {
			return err
		}
	}
	return nil
}

// transitionTo 校验、持久化并发布一次阶段切换。
func (o *Orchestrator) transitionTo(ctx context.Context, ex *execution, next model.Phase, payload map[string]any) error {
	if !CanTransition(ex.phase, next) {
		return xerrors.Newf(xerrors.CodeInvalidTransition, "非法阶段切换 %s -> %s", displayPhase(ex.phase), next)
	}
	now := o.now().UTC()
	entry := model.PhaseEntry{Phase: next, Timestamp: now, Payload: payload}
	if err := o.store.AppendPhase(ctx, ex.run.ID, entry); err != nil {
		return err
	}
	if ex.phase != "" {
		o.observer.ObservePhase(ex.phase, now.Sub(ex.entered))
	}
	previous := ex.phase
	ex.phase = next
	ex.entered = now
	o.publish(ex, events.KindPhaseChanged, events.PhaseChanged{
		Previous: previous,
		Current:  next,
		Payload:  model.CloneMap(payload),
	})
	return nil
}

// publish 投递事件。订阅方断开或流已关闭不影响运行。
func (o *Orchestrator) publish(ex *execution, kind events.Kind, data any) {
	ev := events.New(kind, ex.run.ID, o.now(), data)
	if err := ex.pub.Publish(ev); err != nil {
		ex.log.Debug("事件未送达", slog.String("type", string(kind)), slog.Any("error", err))
	}
}

// narrate 写入运行日志并发布 log 事件。日志只用于观察，写入失败不影响运行。
func (o *Orchestrator) narrate(ctx context.Context, ex *execution, level model.LogLevel, message string, payload map[string]any) {
	entry := &model.LogEntry{
		ID:        o.newID(),
		RunID:     ex.run.ID,
		Phase:     ex.phase,
		Level:     level,
		Message:   message,
		Payload:   payload,
		Timestamp: o.now().UTC(),
	}
	if err := o.store.AppendLog(ctx, entry); err != nil {
		ex.log.Warn("写入运行日志失败", slog.Any("error", err))
	}
	o.publish(ex, events.KindLog, events.Log{Level: level, Message: message, Payload: model.CloneMap(payload)})
}

// adapterCall 为推理调用加上超时，并把底层错误归类。
func (o *Orchestrator) adapterCall(ctx context.Context, what string, call func(context.Context) error) error {
	callCtx := ctx
	if o.adapterTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.adapterTimeout)
		defer cancel()
	}
	err := call(callCtx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case stdErrors.Is(err, context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, what+"超时")
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeAdapterFailure, err, what+"失败")
}

func (o *Orchestrator) think(ctx context.Context, ex *execution) error {
	if err := o.transitionTo(ctx, ex, model.PhaseThink, map[string]any{"goal": ex.run.Goal}); err != nil {
		return err
	}
	o.narrate(ctx, ex, model.LogInfo, "Analyzing goal and creating execution plan...", nil)

	var plan *llm.Plan
	err := o.adapterCall(ctx, "推理 THINK", func(c context.Context) error {
		var err error
		plan, err = o.reasoner.Think(c, ex.run.Goal)
		return err
	})
	if err != nil {
		return err
	}
	plan.Normalize()

	valid, unknown := model.ParseServices(plan.RequiredServices)
	if len(unknown) > 0 {
		o.narrate(ctx, ex, model.LogWarn, "Ignoring unknown services: "+strings.Join(unknown, ", "), nil)
	}
	planned, forced := o.policy.Plan(valid)
	ex.planned = planned
	o.narrate(ctx, ex, model.LogInfo, "Thought: "+plan.Rationale, map[string]any{
		"thought":          plan.Rationale,
		"action":           plan.PlannedAction,
		"requiredServices": model.ServiceNames(planned),
	})
	if forced {
		o.narrate(ctx, ex, model.LogInfo, "Demo mode: requiring "+strings.Join(model.ServiceNames(planned), " and ")+" services", nil)
	}
	return nil
}

func (o *Orchestrator) retrieve(ctx context.Context, ex *execution) error {
	if err := o.transitionTo(ctx, ex, model.PhaseRetrieve, map[string]any{"query": ex.run.Goal, "topK": o.topK}); err != nil {
		return err
	}
	o.narrate(ctx, ex, model.LogInfo, "Searching semantic memory...", nil)

	var memories []model.RetrievedMemory
	err := o.adapterCall(ctx, "语义检索", func(c context.Context) error {
		var err error
		memories, err = o.memory.Retrieve(c, ex.run.Goal, o.topK)
		return err
	})
	if err != nil {
		return err
	}
	if memories == nil {
		memories = []model.RetrievedMemory{}
	}
	ex.memories = memories
	o.narrate(ctx, ex, model.LogInfo, fmt.Sprintf("Found %d relevant memories", len(memories)), nil)
	o.publish(ex, events.KindMemoryRetrieved, events.MemoriesRetrieved{Query: ex.run.Goal, Memories: memories})
	return nil
}

func (o *Orchestrator) decide(ctx context.Context, ex *execution) error {
	if err := o.transitionTo(ctx, ex, model.PhaseDecide, nil); err != nil {
		return err
	}
	o.narrate(ctx, ex, model.LogInfo, "Evaluating required services...", nil)

	active, err := o.entitlements.ActiveServices(ctx)
	if err != nil {
		return err
	}

	var decision *llm.Decision
	err = o.adapterCall(ctx, "推理 DECIDE", func(c context.Context) error {
		var err error
		decision, err = o.reasoner.Decide(c, ex.run.Goal, ex.memories, active)
		return err
	})
	if err != nil {
		return err
	}
	decision.Normalize()
	o.narrate(ctx, ex, model.LogInfo, decision.Rationale, map[string]any{
		"needsPayment": decision.NeedsPayment,
		"services":     decision.Services,
	})

	var needed []model.Service
	if decision.NeedsPayment {
		valid, unknown := model.ParseServices(decision.Services)
		if len(unknown) > 0 {
			o.narrate(ctx, ex, model.LogWarn, "Ignoring unknown services: "+strings.Join(unknown, ", "), nil)
		}
		needed = subtract(valid, active)
	}
	needed, forced := o.policy.Decide(needed, active)
	if forced {
		o.narrate(ctx, ex, model.LogInfo, "Demo mode: forcing payment for "+strings.Join(model.ServiceNames(needed), ", "), nil)
	}

	ex.services = needed
	if len(needed) == 0 {
		o.narrate(ctx, ex, model.LogInfo, "All required services already unlocked", nil)
		return nil
	}
	o.narrate(ctx, ex, model.LogInfo, "Services requiring payment: "+strings.Join(model.ServiceNames(needed), ", "), nil)
	return nil
}

// payAndUnlock 在需要付费时依次执行 PAY、VERIFY、UNLOCK。
func (o *Orchestrator) payAndUnlock(ctx context.Context, ex *execution) error {
	if len(ex.services) == 0 {
		return nil
	}
	for _, step := range []func(context.Context, *execution) error{o.pay, o.verify, o.unlock} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(ctx, ex); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) pay(ctx context.Context, ex *execution) error {
	if err := o.transitionTo(ctx, ex, model.PhasePay, map[string]any{"services": model.ServiceNames(ex.services)}); err != nil {
		return err
	}
	o.narrate(ctx, ex, model.LogInfo, fmt.Sprintf("Processing payments for %d services...", len(ex.services)), nil)

	for _, service := range ex.services {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.narrate(ctx, ex, model.LogInfo, fmt.Sprintf("Paying for %s...", service), nil)
		result, err := o.entitlements.Subscribe(ctx, ex.run.ID, service)
		if err != nil {
			if ctx.Err() == nil {
				o.narrate(ctx, ex, model.LogError, fmt.Sprintf("Payment failed for %s: %s", service, xerrors.MessageOf(err)), nil)
			}
			return err
		}
		ex.paid = append(ex.paid, result)
		if result.Reused {
			o.narrate(ctx, ex, model.LogInfo, fmt.Sprintf("%s already unlocked, reusing entitlement", service), nil)
			continue
		}
		o.observer.ObservePayment(service, result.Simulated)
		o.publish(ex, events.KindPayment, events.Payment{
			Service:     service,
			TxHash:      result.TxHash,
			Amount:      result.Amount,
			Currency:    result.Currency,
			Purpose:     "Subscribe to " + string(service),
			Status:      model.TxConfirmed,
			ExplorerURL: result.ExplorerURL,
			Simulated:   result.Simulated,
		})
		o.narrate(ctx, ex, model.LogInfo, fmt.Sprintf("Payment complete for %s: %s", service, result.TxHash), map[string]any{
			"txHash":    result.TxHash,
			"simulated": result.Simulated,
		})
	}
	return nil
}

func (o *Orchestrator) verify(ctx context.Context, ex *execution) error {
	if err := o.transitionTo(ctx, ex, model.PhaseVerify, nil); err != nil {
		return err
	}
	o.narrate(ctx, ex, model.LogInfo, "Verifying transactions on-chain...", nil)

	if o.verifyDelay > 0 {
		timer := time.NewTimer(o.verifyDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	for _, result := range ex.paid {
		if result.Reused || result.Simulated || result.TxHash == "" || o.gateway == nil {
			continue
		}
		status, err := payment.WaitForConfirmation(ctx, o.gateway, result.TxHash, o.pollInterval, o.verifyTimeout)
		if err != nil {
			return err
		}
		if status == model.TxFailed {
			o.markFailed(ctx, ex, result.TxHash)
			return xerrors.Newf(xerrors.CodePaymentFailure, "transaction %s failed on-chain", result.TxHash)
		}
		o.narrate(ctx, ex, model.LogDebug, "Transaction confirmed: "+result.TxHash, nil)
	}
	o.narrate(ctx, ex, model.LogInfo, "All transactions verified", nil)
	return nil
}

// markFailed 把链上失败的交易记录改为 failed，写入失败只记录日志。
func (o *Orchestrator) markFailed(ctx context.Context, ex *execution, hash string) {
	tx, err := o.store.GetTransactionByHash(ctx, hash)
	if err == nil {
		err = o.store.UpdateTransactionStatus(ctx, tx.ID, model.TxFailed)
	}
	if err != nil {
		ex.log.Warn("更新失败交易状态失败", slog.String("tx_hash", hash), slog.Any("error", err))
	}
}

func (o *Orchestrator) unlock(ctx context.Context, ex *execution) error {
	if err := o.transitionTo(ctx, ex, model.PhaseUnlock, nil); err != nil {
		return err
	}
	o.narrate(ctx, ex, model.LogInfo, "Activating service entitlements...", nil)

	for _, service := range ex.services {
		ent, err := o.entitlements.ActiveEntitlement(ctx, service)
		if stdErrors.Is(err, storage.ErrNotFound) {
			o.narrate(ctx, ex, model.LogWarn, fmt.Sprintf("%s has no active entitlement", service), nil)
			continue
		}
		if err != nil {
			return err
		}
		o.publish(ex, events.KindEntitlement, events.EntitlementChanged{
			Service:   service,
			IsActive:  true,
			ExpiresAt: ent.ExpiresAt,
		})
		o.narrate(ctx, ex, model.LogInfo, fmt.Sprintf("%s unlocked until %s", service, ent.ExpiresAt.UTC().Format(time.RFC3339)), nil)
	}
	return nil
}

func (o *Orchestrator) build(ctx context.Context, ex *execution) error {
	if err := o.transitionTo(ctx, ex, model.PhaseBuild, nil); err != nil {
		return err
	}
	o.narrate(ctx, ex, model.LogInfo, "Generating artifact...", nil)

	var draft *llm.ArtifactDraft
	err := o.adapterCall(ctx, "推理 BUILD", func(c context.Context) error {
		var err error
		draft, err = o.reasoner.Build(c, ex.run.Goal, ex.memories)
		return err
	})
	if err != nil {
		return err
	}
	draft.Normalize()

	artifact := &model.Artifact{
		ID:          o.newID(),
		RunID:       ex.run.ID,
		Name:        draft.Name,
		Kind:        model.ArtifactKind(draft.Kind),
		Description: draft.Description,
		Content:     draft.Content,
		Metadata:    map[string]any{"description": draft.Description},
		CreatedAt:   o.now().UTC(),
	}
	if err := o.store.CreateArtifact(ctx, artifact); err != nil {
		return err
	}
	if err := o.store.SetRunArtifact(ctx, ex.run.ID, artifact.ID); err != nil {
		return err
	}
	ex.artifact = artifact

	o.publish(ex, events.KindArtifact, events.ArtifactProduced{
		ProjectID: artifact.ID,
		Name:      artifact.Name,
		Type:      artifact.Kind,
		Preview:   artifact.Preview(o.previewChars),
	})
	o.narrate(ctx, ex, model.LogInfo, "Artifact created: "+artifact.Name, map[string]any{"projectId": artifact.ID})
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, ex *execution) error {
	summary := map[string]any{
		"memoriesUsed":     len(ex.memories),
		"servicesUnlocked": len(ex.services),
	}
	if err := o.transitionTo(ctx, ex, model.PhaseComplete, summary); err != nil {
		return err
	}
	run, err := o.store.GetRun(ctx, ex.run.ID)
	if err != nil {
		return err
	}
	if err := o.store.UpdateRunStatus(ctx, ex.run.ID, model.RunCompleted, ""); err != nil {
		return err
	}
	o.narrate(ctx, ex, model.LogInfo, "Execution complete!", map[string]any{"totalCost": run.TotalCost})

	var artifactID string
	if ex.artifact != nil {
		artifactID = ex.artifact.ID
	}
	o.publish(ex, events.KindComplete, events.Completed{
		TotalCost:        run.TotalCost,
		MemoriesUsed:     len(ex.memories),
		ServicesUnlocked: len(ex.services),
		ArtifactID:       artifactID,
	})
	ex.log.Info("运行完成", slog.Float64("total_cost", run.TotalCost))
	return nil
}

// fail 写入 ERROR 历史与 failed 状态，并发出唯一的 error 事件。ctx 可能已取消，
// 持久化使用脱离取消的上下文。
func (o *Orchestrator) fail(ctx context.Context, ex *execution, cause error) {
	bg := context.WithoutCancel(ctx)
	message := xerrors.MessageOf(cause)
	failedAt := ex.phase
	ex.log.Error("运行失败", slog.String("phase", string(failedAt)), slog.Any("error", cause))

	status, errMsg := model.RunFailed, message
	if ex.phase == model.PhaseComplete {
		// 历史已到达 COMPLETE，不能再进入 ERROR，只补写 completed 状态。
		status, errMsg = model.RunCompleted, ""
	} else if !ex.phase.Terminal() {
		o.narrate(bg, ex, model.LogError, "Execution failed: "+message, nil)
		if err := o.transitionTo(bg, ex, model.PhaseError, map[string]any{"error": message, "phase": string(failedAt)}); err != nil {
			ex.log.Error("写入 ERROR 阶段失败", slog.Any("error", err))
		}
	}
	if err := o.store.UpdateRunStatus(bg, ex.run.ID, status, errMsg); err != nil {
		ex.log.Error("写入终止状态失败", slog.Any("error", err))
	}
	o.publish(ex, events.KindError, events.Failure{Message: message, Phase: failedAt})
}

// cancelled 记录取消状态，不再产生任何事件。
func (o *Orchestrator) cancelled(ctx context.Context, ex *execution) {
	bg := context.WithoutCancel(ctx)
	ex.log.Info("运行已取消", slog.String("phase", string(ex.phase)))
	if err := o.store.UpdateRunStatus(bg, ex.run.ID, model.RunCancelled, "cancelled"); err != nil {
		ex.log.Warn("写入取消状态失败", slog.Any("error", err))
	}
}
