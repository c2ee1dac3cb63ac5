package llm

import (
	"context"

	"LeoPrime-Chain/internal/model"
)

// Plan 是 THINK 阶段的输出。
type Plan struct {
	Rationale        string   `json:"thought"`
	PlannedAction    string   `json:"action,omitempty"`
	RequiredServices []string `json:"requiredServices"`
}

// Decision 是 DECIDE 阶段的输出，服务名尚未校验。
type Decision struct {
	NeedsPayment bool     `json:"needsPayment"`
	Services     []string `json:"services"`
	Rationale    string   `json:"reasoning"`
}

// ArtifactDraft 是 BUILD 阶段生成的产物草稿。
type ArtifactDraft struct {
	Name        string `json:"name"`
	Kind        string `json:"type"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

// Reasoner 定义了编排器调用推理后端的统一接口。任何错误都会终止运行。
type Reasoner interface {
	Think(ctx context.Context, goal string) (*Plan, error)
	Decide(ctx context.Context, goal string, memories []model.RetrievedMemory, active []model.Service) (*Decision, error)
	Build(ctx context.Context, goal string, memories []model.RetrievedMemory) (*ArtifactDraft, error)
}

// Normalize 为缺失字段补上默认值。
func (p *Plan) Normalize() {
	if p.Rationale == "" {
		p.Rationale = "Analyzing the request..."
	}
}

// Normalize 为缺失字段补上默认值。
func (d *Decision) Normalize() {
	if d.Rationale == "" {
		d.Rationale = "Evaluating service requirements..."
	}
	if !d.NeedsPayment {
		d.Services = nil
	}
}

// Normalize 为缺失字段补上默认值。
func (a *ArtifactDraft) Normalize() {
	if a.Name == "" {
		a.Name = "artifact"
	}
	a.Kind = string(model.NormalizeArtifactKind(a.Kind))
	if a.Description == "" {
		a.Description = "Generated artifact"
	}
}
