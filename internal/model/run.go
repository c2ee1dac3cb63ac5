package model

import "time"

// Phase 表示运行状态机中的一个阶段。
type Phase string

const (
	PhaseThink    Phase = "THINK"
	PhaseRetrieve Phase = "RETRIEVE"
	PhaseDecide   Phase = "DECIDE"
	PhasePay      Phase = "PAY"
	PhaseVerify   Phase = "VERIFY"
	PhaseUnlock   Phase = "UNLOCK"
	PhaseBuild    Phase = "BUILD"
	PhaseComplete Phase = "COMPLETE"
	PhaseError    Phase = "ERROR"
)

// Terminal 判断阶段是否为终态。
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// RunStatus 描述运行的生命周期状态。
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Finished 判断状态是否不会再变化。
func (s RunStatus) Finished() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// PhaseEntry 是阶段历史中的一条记录。
type PhaseEntry struct {
	Phase     Phase          `json:"phase"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Run 表示一次针对单个目标的端到端执行。
type Run struct {
	ID           string       `json:"id"`
	Status       RunStatus    `json:"status"`
	Goal         string       `json:"goal"`
	CurrentPhase Phase        `json:"currentPhase,omitempty"`
	History      []PhaseEntry `json:"stateHistory"`
	TotalCost    float64      `json:"totalCost"`
	ArtifactID   string       `json:"artifactId,omitempty"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Clone 返回运行记录的深拷贝，存储层读写时使用。
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	if r.History != nil {
		cp.History = make([]PhaseEntry, len(r.History))
		for i, entry := range r.History {
			entry.Payload = CloneMap(entry.Payload)
			cp.History[i] = entry
		}
	}
	return &cp
}

// CloneMap 复制一层 map，值本身按引用共享。
func CloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
