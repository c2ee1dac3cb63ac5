package events

import (
	"time"

	"LeoPrime-Chain/internal/model"
)

// Kind 是事件类型标签，取值即线上传输使用的 type 字段。
type Kind string

const (
	KindRunStarted      Kind = "run_started"
	KindPhaseChanged    Kind = "state_change"
	KindLog             Kind = "log"
	KindMemoryRetrieved Kind = "memory_retrieved"
	KindPayment         Kind = "payment"
	KindEntitlement     Kind = "entitlement"
	KindArtifact        Kind = "artifact"
	KindError           Kind = "error"
	KindComplete        Kind = "complete"
)

// Terminal 判断事件是否结束事件流。
func (k Kind) Terminal() bool {
	return k == KindComplete || k == KindError
}

// Event 是对一次运行可观察变化的不可变描述。
type Event struct {
	Kind      Kind      `json:"type"`
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// RunStarted 是 run_started 事件的数据。
type RunStarted struct {
	Goal string `json:"goal"`
}

// PhaseChanged 是 state_change 事件的数据。
type PhaseChanged struct {
	Previous model.Phase    `json:"previousState,omitempty"`
	Current  model.Phase    `json:"currentState"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Log 是 log 事件的数据。
type Log struct {
	Level   model.LogLevel `json:"level"`
	Message string         `json:"message"`
	Payload map[string]any `json:"payload,omitempty"`
}

// MemoriesRetrieved 是 memory_retrieved 事件的数据，整批一次发出。
type MemoriesRetrieved struct {
	Query    string                  `json:"query"`
	Memories []model.RetrievedMemory `json:"memories"`
}

// Payment 是 payment 事件的数据。
type Payment struct {
	Service     model.Service  `json:"service"`
	TxHash      string         `json:"txHash"`
	Amount      float64        `json:"amount"`
	Currency    string         `json:"currency"`
	Purpose     string         `json:"purpose"`
	Status      model.TxStatus `json:"status"`
	ExplorerURL string         `json:"explorerUrl"`
	Simulated   bool           `json:"simulated"`
}

// EntitlementChanged 是 entitlement 事件的数据。
type EntitlementChanged struct {
	Service   model.Service `json:"service"`
	IsActive  bool          `json:"isActive"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

// ArtifactProduced 是 artifact 事件的数据，只携带内容预览。
type ArtifactProduced struct {
	ProjectID string             `json:"projectId"`
	Name      string             `json:"name"`
	Type      model.ArtifactKind `json:"type"`
	Preview   string             `json:"preview"`
}

// Failure 是 error 事件的数据，只包含可读信息。
type Failure struct {
	Message string      `json:"message"`
	Phase   model.Phase `json:"phase,omitempty"`
}

// Completed 是 complete 事件的数据。
type Completed struct {
	TotalCost        float64 `json:"totalCost"`
	MemoriesUsed     int     `json:"memoriesUsed"`
	ServicesUnlocked int     `json:"servicesUnlocked"`
	ArtifactID       string  `json:"artifactId,omitempty"`
}

// New 构造事件。
func New(kind Kind, runID string, at time.Time, data any) Event {
	return Event{Kind: kind, RunID: runID, Timestamp: at.UTC(), Data: data}
}
