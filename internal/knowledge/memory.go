package knowledge

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/pgvector/pgvector-go"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
)

// MemoryIndex 在进程内保存向量并做暴力余弦检索，适合演示与测试。
type MemoryIndex struct {
	mu      sync.RWMutex
	dims    int
	order   []string
	records map[string]Record
}

// NewMemoryIndex 创建内存索引，dims 为 0 时接受任意维度。
func NewMemoryIndex(dims int) *MemoryIndex {
	return &MemoryIndex{dims: dims, records: make(map[string]Record)}
}

func (m *MemoryIndex) Upsert(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if m.dims > 0 && len(rec.Vector.Slice()) != m.dims {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "向量维度 %d 与索引维度 %d 不一致", len(rec.Vector.Slice()), m.dims)
		}
		if _, exists := m.records[rec.Memory.ID]; !exists {
			m.order = append(m.order, rec.Memory.ID)
		}
		rec.Memory.Metadata = model.CloneMap(rec.Memory.Metadata)
		m.records[rec.Memory.ID] = rec
	}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, vector pgvector.Vector, k int) ([]model.RetrievedMemory, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	query := vector.Slice()

	m.mu.RLock()
	results := make([]model.RetrievedMemory, 0, len(m.records))
	for _, id := range m.order {
		rec := m.records[id]
		results = append(results, model.RetrievedMemory{
			ID:       rec.Memory.ID,
			Text:     rec.Memory.Text,
			Score:    model.ClampScore(cosine(query, rec.Vector.Slice())),
			Metadata: model.CloneMap(rec.Memory.Metadata),
		})
	}
	m.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (m *MemoryIndex) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// List 按写入顺序返回记忆。
func (m *MemoryIndex) List(_ context.Context, limit int) ([]model.Memory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.order) {
		limit = len(m.order)
	}
	out := make([]model.Memory, 0, limit)
	for _, id := range m.order[:limit] {
		mem := m.records[id].Memory
		mem.Metadata = model.CloneMap(mem.Metadata)
		out = append(out, mem)
	}
	return out, nil
}

func (m *MemoryIndex) Close() error { return nil }

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
