// Package knowledge 管理运行可检索的长期记忆：把文本向量化后写入向量索引，
// 并按相似度返回最相关的记忆。索引实现可以是进程内、Qdrant 或 pgvector。
package knowledge

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/embedding"
	"LeoPrime-Chain/internal/model"
)

// DefaultTopK 是检索未指定数量时返回的记忆条数。
const DefaultTopK = 5

// Record 是写入索引的一条记忆及其向量。
type Record struct {
	Memory model.Memory
	Vector pgvector.Vector
}

// Index 是向量索引的统一接口。Search 返回的分数越大越相似，范围 [0,1]。
type Index interface {
	Search(ctx context.Context, vector pgvector.Vector, k int) ([]model.RetrievedMemory, error)
	Upsert(ctx context.Context, records []Record) error
	Count(ctx context.Context) (int, error)
	List(ctx context.Context, limit int) ([]model.Memory, error)
	Close() error
}

// Service 组合向量化与索引，供编排器与 API 使用。
type Service struct {
	embedder embedding.Provider
	index    Index
	now      func() time.Time
}

// NewService 创建记忆服务。
func NewService(embedder embedding.Provider, index Index) *Service {
	return &Service{embedder: embedder, index: index, now: time.Now}
}

// Retrieve 以查询向量检索最相似的 k 条记忆。
func (s *Service) Retrieve(ctx context.Context, query string, k int) ([]model.RetrievedMemory, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := s.index.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Score = model.ClampScore(results[i].Score)
	}
	return results, nil
}

// Add 以文档向量写入记忆，缺失的 ID 与时间会被补全。
func (s *Service) Add(ctx context.Context, memories []model.Memory) ([]model.Memory, error) {
	if len(memories) == 0 {
		return nil, nil
	}
	texts := make([]string, len(memories))
	out := make([]model.Memory, len(memories))
	for i, m := range memories {
		if strings.TrimSpace(m.Text) == "" {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "第 %d 条记忆内容为空", i+1)
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = s.now().UTC()
		}
		out[i] = m
		texts[i] = m.Text
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	records := make([]Record, len(out))
	for i := range out {
		records[i] = Record{Memory: out[i], Vector: vectors[i]}
	}
	if err := s.index.Upsert(ctx, records); err != nil {
		return nil, err
	}
	return out, nil
}

// Count 返回索引中的记忆数量。
func (s *Service) Count(ctx context.Context) (int, error) { return s.index.Count(ctx) }

// List 返回最多 limit 条记忆。
func (s *Service) List(ctx context.Context, limit int) ([]model.Memory, error) {
	return s.index.List(ctx, limit)
}

// Close 释放索引连接。
func (s *Service) Close() error { return s.index.Close() }
