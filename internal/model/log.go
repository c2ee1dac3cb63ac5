package model

import "time"

// LogLevel 是运行日志的级别。
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry 是面向用户的运行叙述日志，只用于观察，不参与控制流。
type LogEntry struct {
	ID        string         `json:"id"`
	RunID     string         `json:"runId"`
	Phase     Phase          `json:"state,omitempty"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
