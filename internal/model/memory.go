package model

import "time"

// Memory 是写入向量索引的一条记忆，向量本身由索引保存。
type Memory struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// RetrievedMemory 是一次相似度检索的结果，Score 越大越相似，范围 [0,1]。
type RetrievedMemory struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ClampScore 把相似度限制在 [0,1]。
func ClampScore(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
