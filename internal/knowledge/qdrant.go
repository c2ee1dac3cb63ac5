package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
)

const (
	payloadMemoryID  = "memory_id"
	payloadText      = "text"
	payloadMetadata  = "metadata_json"
	payloadCreatedAt = "created_at_unix"
)

// QdrantConfig 描述 Qdrant gRPC 连接。
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dims       uint64
}

// QdrantIndex 通过 Qdrant 的余弦距离集合实现 Index。
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value
	healthAt    atomic.Int64
}

// NewQdrantIndex 连接 Qdrant 并确保集合存在。
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	if cfg.Port <= 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "leoprime_memories"
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("连接 Qdrant %s:%d 失败", cfg.Host, cfg.Port))
	}
	idx := &QdrantIndex{client: client, collection: cfg.Collection, dims: cfg.Dims, logger: logger}
	if err := idx.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return idx, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeAdapterFailure, err, "检查 Qdrant 集合失败")
	}
	if exists {
		return nil
	}
	if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.dims,
			Distance: qdrant.Distance_Cosine,
		}),
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeAdapterFailure, err, fmt.Sprintf("创建 Qdrant 集合 %q 失败", q.collection))
	}
	q.logger.Info("已创建 Qdrant 集合", slog.String("collection", q.collection), slog.Uint64("dims", q.dims))
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, vector pgvector.Vector, k int) ([]model.RetrievedMemory, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	limit := uint64(k)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vector.Slice()),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "Qdrant 检索失败")
	}

	out := make([]model.RetrievedMemory, 0, len(scored))
	for _, sp := range scored {
		mem := memoryFromPayload(sp.GetId(), sp.GetPayload())
		out = append(out, model.RetrievedMemory{
			ID:       mem.ID,
			Text:     mem.Text,
			Score:    model.ClampScore(float64(sp.GetScore())),
			Metadata: mem.Metadata,
		})
	}
	return out, nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(records))
	for i, rec := range records {
		payload, err := memoryPayload(rec.Memory)
		if err != nil {
			return err
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(rec.Memory.ID)),
			Vectors: qdrant.NewVectorsDense(rec.Vector.Slice()),
			Payload: payload,
		}
	}
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeAdapterFailure, err, fmt.Sprintf("Qdrant 写入 %d 条记忆失败", len(records)))
	}
	return nil
}

func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "Qdrant 计数失败")
	}
	return int(n), nil
}

func (q *QdrantIndex) List(ctx context.Context, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	points, err := q.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: q.collection,
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "Qdrant 列出记忆失败")
	}
	out := make([]model.Memory, 0, len(points))
	for _, p := range points {
		out = append(out, memoryFromPayload(p.GetId(), p.GetPayload()))
	}
	return out, nil
}

// Healthy 检查 Qdrant 是否可达，结果缓存 5 秒，并发检查合并为一次调用。
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		var stored error
		if _, err := q.client.HealthCheck(checkCtx); err != nil {
			stored = xerrors.Wrap(xerrors.CodeAdapterFailure, err, "Qdrant 不可用")
		}
		q.healthErr.Store(&stored)
		q.healthAt.Store(time.Now().UnixNano())
		return stored, nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

func (q *QdrantIndex) Close() error { return q.client.Close() }

// pointID 把任意记忆 ID 映射为 Qdrant 接受的 UUID。
func pointID(memoryID string) string {
	if parsed, err := uuid.Parse(memoryID); err == nil {
		return parsed.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("leoprime:memory:"+memoryID)).String()
}

func memoryPayload(mem model.Memory) (map[string]*qdrant.Value, error) {
	payload := map[string]any{
		payloadMemoryID:  mem.ID,
		payloadText:      mem.Text,
		payloadCreatedAt: mem.CreatedAt.Unix(),
	}
	if len(mem.Metadata) > 0 {
		raw, err := json.Marshal(mem.Metadata)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化记忆元数据失败")
		}
		payload[payloadMetadata] = string(raw)
	}
	value, err := qdrant.TryValueMap(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建 Qdrant payload 失败")
	}
	return value, nil
}

func memoryFromPayload(id *qdrant.PointId, payload map[string]*qdrant.Value) model.Memory {
	mem := model.Memory{
		ID:   payload[payloadMemoryID].GetStringValue(),
		Text: payload[payloadText].GetStringValue(),
	}
	if mem.ID == "" {
		mem.ID = id.GetUuid()
	}
	if ts := payload[payloadCreatedAt].GetIntegerValue(); ts > 0 {
		mem.CreatedAt = time.Unix(ts, 0).UTC()
	}
	if raw := payload[payloadMetadata].GetStringValue(); raw != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			mem.Metadata = meta
		}
	}
	return mem
}
