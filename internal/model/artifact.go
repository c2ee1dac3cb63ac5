package model

import "time"

// ArtifactKind 描述 BUILD 阶段产物的类型。
type ArtifactKind string

const (
	ArtifactCode     ArtifactKind = "code"
	ArtifactSpec     ArtifactKind = "spec"
	ArtifactDocument ArtifactKind = "document"
)

// NormalizeArtifactKind 将未知类型归为 document。
func NormalizeArtifactKind(kind string) ArtifactKind {
	switch ArtifactKind(kind) {
	case ArtifactCode, ArtifactSpec, ArtifactDocument:
		return ArtifactKind(kind)
	default:
		return ArtifactDocument
	}
}

// Artifact 是一次成功运行的产物（对外接口中称为 project）。
type Artifact struct {
	ID          string         `json:"id"`
	RunID       string         `json:"runId"`
	Name        string         `json:"name"`
	Kind        ArtifactKind   `json:"type"`
	Description string         `json:"description"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Preview 返回内容的前 n 个字符（按 rune 截断）。
func (a *Artifact) Preview(n int) string {
	if a == nil || n <= 0 {
		return ""
	}
	runes := []rune(a.Content)
	if len(runes) <= n {
		return a.Content
	}
	return string(runes[:n])
}
