package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"LeoPrime-Chain/internal/model"
)

// MemoryStore 是线程安全的内存实现，适用于本地演示和测试。
type MemoryStore struct {
	mu           sync.RWMutex
	runs         map[string]*model.Run
	transactions map[string]*model.Transaction
	entitlements map[string]*model.Entitlement
	logs         map[string][]*model.LogEntry
	artifacts    map[string]*model.Artifact
	now          func() time.Time
}

// MemoryOption 自定义内存存储。
type MemoryOption func(*MemoryStore)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		runs:         make(map[string]*model.Run),
		transactions: make(map[string]*model.Transaction),
		entitlements: make(map[string]*model.Entitlement),
		logs:         make(map[string][]*model.LogEntry),
		artifacts:    make(map[string]*model.Artifact),
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateRun(_ context.Context, run *model.Run) error {
	if run == nil || run.ID == "" {
		return ErrConflict
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return ErrConflict
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	out := make([]*model.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimRun(_ context.Context, id string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if run.Status != model.RunPending {
		return nil, ErrConflict
	}
	run.Status = model.RunRunning
	run.UpdatedAt = s.now().UTC()
	return run.Clone(), nil
}

func (s *MemoryStore) AppendPhase(_ context.Context, id string, entry model.PhaseEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	entry.Payload = model.CloneMap(entry.Payload)
	run.History = append(run.History, entry)
	run.CurrentPhase = entry.Phase
	run.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) UpdateRunStatus(_ context.Context, id string, status model.RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.Status.Finished() {
		return ErrConflict
	}
	run.Status = status
	if errMsg != "" {
		run.Error = errMsg
	}
	run.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) AddRunCost(_ context.Context, id string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.TotalCost += amount
	run.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) SetRunArtifact(_ context.Context, id, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.ArtifactID = artifactID
	run.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) CreateTransaction(_ context.Context, tx *model.Transaction) error {
	if tx == nil || tx.ID == "" {
		return ErrConflict
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transactions[tx.ID]; exists {
		return ErrConflict
	}
	for _, existing := range s.transactions {
		if existing.TxHash == tx.TxHash {
			return ErrConflict
		}
	}
	cp := *tx
	s.transactions[tx.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateTransactionStatus(_ context.Context, id string, status model.TxStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return ErrNotFound
	}
	tx.Status = status
	tx.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) GetTransactionByHash(_ context.Context, hash string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.transactions {
		if tx.TxHash == hash {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListTransactions(_ context.Context, runID string, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	out := make([]*model.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		if runID != "" && tx.RunID != runID {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertActiveEntitlement(_ context.Context, ent *model.Entitlement, now time.Time) (*model.Entitlement, error) {
	if ent == nil || ent.ID == "" {
		return nil, ErrConflict
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.activeLocked(ent.Service, now); existing != nil {
		cp := *existing
		return &cp, ErrEntitlementExists
	}
	cp := *ent
	cp.IsActive = true
	s.entitlements[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) GetActiveEntitlement(_ context.Context, service model.Service, now time.Time) (*model.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if existing := s.activeLocked(service, now); existing != nil {
		cp := *existing
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) activeLocked(service model.Service, now time.Time) *model.Entitlement {
	var latest *model.Entitlement
	for _, ent := range s.entitlements {
		if ent.Service != service || !ent.ActiveAt(now) {
			continue
		}
		if latest == nil || ent.CreatedAt.After(latest.CreatedAt) {
			latest = ent
		}
	}
	return latest
}

func (s *MemoryStore) ListEntitlements(_ context.Context, runID string) ([]*model.Entitlement, error) {
	s.mu.RLock()
	out := make([]*model.Entitlement, 0, len(s.entitlements))
	for _, ent := range s.entitlements {
		if runID != "" && ent.RunID != runID {
			continue
		}
		cp := *ent
		out = append(out, &cp)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeactivateEntitlements(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, ent := range s.entitlements {
		if ent.IsActive {
			ent.IsActive = false
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) AppendLog(_ context.Context, entry *model.LogEntry) error {
	if entry == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	cp.Payload = model.CloneMap(entry.Payload)
	s.logs[entry.RunID] = append(s.logs[entry.RunID], &cp)
	return nil
}

func (s *MemoryStore) ListLogs(_ context.Context, runID string) ([]*model.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.logs[runID]
	out := make([]*model.LogEntry, len(src))
	for i, entry := range src {
		cp := *entry
		cp.Payload = model.CloneMap(entry.Payload)
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) CreateArtifact(_ context.Context, artifact *model.Artifact) error {
	if artifact == nil || artifact.ID == "" {
		return ErrConflict
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.artifacts[artifact.ID]; exists {
		return ErrConflict
	}
	cp := *artifact
	cp.Metadata = model.CloneMap(artifact.Metadata)
	s.artifacts[artifact.ID] = &cp
	return nil
}

func (s *MemoryStore) GetArtifact(_ context.Context, id string) (*model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *artifact
	cp.Metadata = model.CloneMap(artifact.Metadata)
	return &cp, nil
}

func (s *MemoryStore) ListArtifacts(_ context.Context, runID string) ([]*model.Artifact, error) {
	s.mu.RLock()
	out := make([]*model.Artifact, 0, len(s.artifacts))
	for _, artifact := range s.artifacts {
		if runID != "" && artifact.RunID != runID {
			continue
		}
		cp := *artifact
		cp.Metadata = model.CloneMap(artifact.Metadata)
		out = append(out, &cp)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
