package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig 描述 pgvector 索引所在的数据库。
type PostgresConfig struct {
	DSN   string
	Table string
	Dims  int
}

// PGVectorIndex 把记忆保存在带 vector 列的 Postgres 表中。
type PGVectorIndex struct {
	pool  *pgxpool.Pool
	table string
}

// NewPGVectorIndex 建立连接池并确保扩展与表存在。
func NewPGVectorIndex(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PGVectorIndex, error) {
	table := cfg.Table
	if table == "" {
		table = "memories"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, xerrors.Newf(xerrors.CodeConfiguration, "非法的表名 %q", table)
	}
	if cfg.Dims <= 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "pgvector 索引需要正的向量维度")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析 Postgres DSN 失败")
	}
	// 扩展可能在首个连接建立后才创建，注册失败不阻止连接。
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("pgvector 类型尚未注册", slog.Any("error", err))
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "创建 Postgres 连接池失败")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "无法连接到 Postgres")
	}

	idx := &PGVectorIndex{pool: pool, table: table}
	if err := idx.migrate(ctx, cfg.Dims); err != nil {
		pool.Close()
		return nil, err
	}
	// 扩展刚创建时已有连接未注册类型，重建连接池。
	pool.Reset()
	return idx, nil
}

func (p *PGVectorIndex) migrate(ctx context.Context, dims int) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			metadata JSONB,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.table, dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, p.table, p.table),
	}
	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeAdapterFailure, err, "初始化 pgvector 表失败")
		}
	}
	return nil
}

func (p *PGVectorIndex) Search(ctx context.Context, vector pgvector.Vector, k int) ([]model.RetrievedMemory, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, text, metadata, 1 - (embedding <=> $1) AS score
		 FROM %s
		 ORDER BY embedding <=> $1
		 LIMIT $2`, p.table), vector, k)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "pgvector 检索失败")
	}
	defer rows.Close()

	var out []model.RetrievedMemory
	for rows.Next() {
		var (
			mem   model.RetrievedMemory
			meta  []byte
			score float64
		)
		if err := rows.Scan(&mem.ID, &mem.Text, &meta, &score); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "解析 pgvector 检索结果失败")
		}
		mem.Score = model.ClampScore(score)
		mem.Metadata = decodeMetadata(meta)
		out = append(out, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "遍历 pgvector 检索结果失败")
	}
	return out, nil
}

func (p *PGVectorIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (id, text, metadata, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET text = EXCLUDED.text, metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding`,
		p.table)

	batch := &pgx.Batch{}
	for _, rec := range records {
		var meta []byte
		if len(rec.Memory.Metadata) > 0 {
			raw, err := json.Marshal(rec.Memory.Metadata)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化记忆元数据失败")
			}
			meta = raw
		}
		createdAt := rec.Memory.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(query, rec.Memory.ID, rec.Memory.Text, meta, rec.Vector, createdAt)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeAdapterFailure, err, fmt.Sprintf("pgvector 写入 %d 条记忆失败", len(records)))
	}
	return nil
}

func (p *PGVectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.table)).Scan(&n); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "pgvector 计数失败")
	}
	return n, nil
}

func (p *PGVectorIndex) List(ctx context.Context, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, text, metadata, created_at FROM %s ORDER BY created_at ASC LIMIT $1`, p.table), limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "pgvector 列出记忆失败")
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		var (
			mem  model.Memory
			meta []byte
		)
		if err := rows.Scan(&mem.ID, &mem.Text, &meta, &mem.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "解析记忆失败")
		}
		mem.Metadata = decodeMetadata(meta)
		out = append(out, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "遍历记忆失败")
	}
	return out, nil
}

// Healthy 检查数据库连接。
func (p *PGVectorIndex) Healthy(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeAdapterFailure, err, "Postgres 不可用")
	}
	return nil
}

func (p *PGVectorIndex) Close() error {
	p.pool.Close()
	return nil
}

func decodeMetadata(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil
	}
	return meta
}
