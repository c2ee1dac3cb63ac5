package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/internal/model"
	"LeoPrime-Chain/internal/storage"
)

const (
	errDuplicateEntry = 1062

	runColumns         = `id, status, goal, current_phase, total_cost, artifact_id, error_message, created_at, updated_at`
	transactionColumns = `id, run_id, tx_hash, amount, currency, recipient, purpose, status, explorer_url, simulated, created_at, updated_at`
	entitlementColumns = `id, run_id, tx_id, service, token, expires_at, is_active, created_at`
	artifactColumns    = `id, run_id, name, kind, description, content, metadata, created_at`

	insertRunSQL        = `INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectRunSQL        = `SELECT ` + runColumns + ` FROM runs WHERE id = ?`
	selectPhasesSQL     = `SELECT phase, payload, created_at FROM run_phases WHERE run_id = ? ORDER BY id ASC`
	listRunsSQL         = `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`
	claimRunSQL         = `UPDATE runs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`
	insertPhaseSQL      = `INSERT INTO run_phases (run_id, phase, payload, created_at) VALUES (?, ?, ?, ?)`
	updatePhaseSQL      = `UPDATE runs SET current_phase = ?, updated_at = ? WHERE id = ?`
	updateRunStatusSQL  = `UPDATE runs SET status = ?, error_message = COALESCE(NULLIF(?, ''), error_message), updated_at = ? WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`
	runExistsSQL        = `SELECT COUNT(1) FROM runs WHERE id = ?`
	addRunCostSQL       = `UPDATE runs SET total_cost = total_cost + ?, updated_at = ? WHERE id = ?`
	setRunArtifactSQL   = `UPDATE runs SET artifact_id = ?, updated_at = ? WHERE id = ?`
	insertTxSQL         = `INSERT INTO transactions (` + transactionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	updateTxStatusSQL   = `UPDATE transactions SET status = ?, updated_at = ? WHERE id = ?`
	selectTxByHashSQL   = `SELECT ` + transactionColumns + ` FROM transactions WHERE tx_hash = ?`
	listTxSQL           = `SELECT ` + transactionColumns + ` FROM transactions ORDER BY created_at DESC LIMIT ?`
	listTxByRunSQL      = `SELECT ` + transactionColumns + ` FROM transactions WHERE run_id = ? ORDER BY created_at DESC LIMIT ?`
	retireExpiredSQL    = `UPDATE entitlements SET is_active = 0, active_service = NULL WHERE service = ? AND is_active = 1 AND expires_at <= ?`
	insertEntSQL        = `INSERT INTO entitlements (id, run_id, tx_id, service, token, expires_at, is_active, active_service, created_at) VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`
	selectActiveEntSQL  = `SELECT ` + entitlementColumns + ` FROM entitlements WHERE service = ? AND is_active = 1 AND expires_at > ? ORDER BY created_at DESC LIMIT 1`
	listEntSQL          = `SELECT ` + entitlementColumns + ` FROM entitlements ORDER BY created_at DESC`
	listEntByRunSQL     = `SELECT ` + entitlementColumns + ` FROM entitlements WHERE run_id = ? ORDER BY created_at DESC`
	deactivateEntSQL    = `UPDATE entitlements SET is_active = 0, active_service = NULL WHERE is_active = 1`
	insertLogSQL        = `INSERT INTO run_logs (id, run_id, phase, level, message, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	listLogsSQL         = `SELECT id, run_id, phase, level, message, payload, created_at FROM run_logs WHERE run_id = ? ORDER BY created_at ASC, id ASC`
	insertArtifactSQL   = `INSERT INTO artifacts (` + artifactColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	selectArtifactSQL   = `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = ?`
	listArtifactsSQL    = `SELECT ` + artifactColumns + ` FROM artifacts ORDER BY created_at DESC`
	listArtifactsRunSQL = `SELECT ` + artifactColumns + ` FROM artifacts WHERE run_id = ? ORDER BY created_at DESC`
)

// Store 是 storage.Store 的 MySQL 实现。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open 建立连接池并执行内嵌的迁移。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 MySQL 失败")
	}
	if _, err := newMigrator(db).migrate(ctx, embeddedMigrations); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return New(db), nil
}

// New 使用已有连接创建存储，不执行迁移。
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close 关闭连接池。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping 检查连接池是否可用。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) timestamp() time.Time { return s.now().UTC() }

func storageErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
}

func isDuplicate(err error) bool {
	var mysqlErr *mysqldriver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry
}

func encodeJSON(v map[string]any) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("序列化 JSON 字段失败: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeJSON(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return map[string]any{"raw": raw.String}
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	_, err := s.db.ExecContext(ctx, insertRunSQL,
		run.ID, run.Status, run.Goal, run.CurrentPhase, run.TotalCost, run.ArtifactID,
		sql.NullString{String: run.Error, Valid: run.Error != ""}, run.CreatedAt.UTC(), run.UpdatedAt.UTC())
	if isDuplicate(err) {
		return storage.ErrConflict
	}
	return storageErr(err, "写入运行记录失败")
}

func scanRun(row rowScanner) (*model.Run, error) {
	var (
		run    model.Run
		errMsg sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Status, &run.Goal, &run.CurrentPhase, &run.TotalCost,
		&run.ArtifactID, &errMsg, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Error = errMsg.String
	return &run, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRunSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err, "查询运行记录失败")
	}

	rows, err := s.db.QueryContext(ctx, selectPhasesSQL, id)
	if err != nil {
		return nil, storageErr(err, "查询阶段历史失败")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			entry   model.PhaseEntry
			payload sql.NullString
		)
		if err := rows.Scan(&entry.Phase, &payload, &entry.Timestamp); err != nil {
			return nil, storageErr(err, "解析阶段历史失败")
		}
		entry.Payload = decodeJSON(payload)
		run.History = append(run.History, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历阶段历史失败")
	}
	return run, nil
}

// ListRuns 返回最近的运行，不加载阶段历史。
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, listRunsSQL, limit)
	if err != nil {
		return nil, storageErr(err, "查询运行列表失败")
	}
	defer rows.Close()

	var out []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storageErr(err, "解析运行记录失败")
		}
		out = append(out, run)
	}
	return out, storageErr(rows.Err(), "遍历运行列表失败")
}

func (s *Store) ClaimRun(ctx context.Context, id string) (*model.Run, error) {
	res, err := s.db.ExecContext(ctx, claimRunSQL, s.timestamp(), id)
	if err != nil {
		return nil, storageErr(err, "领取运行失败")
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, storageErr(err, "读取影响行数失败")
	} else if affected == 0 {
		if err := s.ensureRunExists(ctx, id); err != nil {
			return nil, err
		}
		return nil, storage.ErrConflict
	}
	return s.GetRun(ctx, id)
}

func (s *Store) ensureRunExists(ctx context.Context, id string) error {
	var count int
	if err := s.db.QueryRowContext(ctx, runExistsSQL, id).Scan(&count); err != nil {
		return storageErr(err, "查询运行是否存在失败")
	}
	if count == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) AppendPhase(ctx context.Context, id string, entry model.PhaseEntry) error {
	payload, err := encodeJSON(entry.Payload)
	if err != nil {
		return storageErr(err, "序列化阶段负载失败")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, updatePhaseSQL, entry.Phase, s.timestamp(), id)
	if err != nil {
		return storageErr(err, "更新当前阶段失败")
	}
	if affected, err := res.RowsAffected(); err != nil {
		return storageErr(err, "读取影响行数失败")
	} else if affected == 0 {
		return storage.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, insertPhaseSQL, id, entry.Phase, payload, entry.Timestamp.UTC()); err != nil {
		return storageErr(err, "写入阶段历史失败")
	}
	return storageErr(tx.Commit(), "提交阶段事务失败")
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, updateRunStatusSQL, status, errMsg, s.timestamp(), id)
	if err != nil {
		return storageErr(err, "更新运行状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr(err, "读取影响行数失败")
	}
	if affected == 0 {
		if err := s.ensureRunExists(ctx, id); err != nil {
			return err
		}
		return storage.ErrConflict
	}
	return nil
}

func (s *Store) AddRunCost(ctx context.Context, id string, amount float64) error {
	return s.execRunUpdate(ctx, addRunCostSQL, "累加运行花费失败", amount, s.timestamp(), id)
}

func (s *Store) SetRunArtifact(ctx context.Context, id, artifactID string) error {
	return s.execRunUpdate(ctx, setRunArtifactSQL, "关联运行产物失败", artifactID, s.timestamp(), id)
}

func (s *Store) execRunUpdate(ctx context.Context, query, msg string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr(err, msg)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr(err, "读取影响行数失败")
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	_, err := s.db.ExecContext(ctx, insertTxSQL,
		tx.ID, tx.RunID, tx.TxHash, tx.Amount, tx.Currency, tx.Recipient, tx.Purpose, tx.Status,
		tx.ExplorerURL, tx.Simulated, tx.CreatedAt.UTC(), tx.UpdatedAt.UTC())
	if isDuplicate(err) {
		return storage.ErrConflict
	}
	return storageErr(err, "写入交易记录失败")
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, id string, status model.TxStatus) error {
	res, err := s.db.ExecContext(ctx, updateTxStatusSQL, status, s.timestamp(), id)
	if err != nil {
		return storageErr(err, "更新交易状态失败")
	}
	if affected, err := res.RowsAffected(); err != nil {
		return storageErr(err, "读取影响行数失败")
	} else if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var tx model.Transaction
	if err := row.Scan(&tx.ID, &tx.RunID, &tx.TxHash, &tx.Amount, &tx.Currency, &tx.Recipient, &tx.Purpose,
		&tx.Status, &tx.ExplorerURL, &tx.Simulated, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) GetTransactionByHash(ctx context.Context, hash string) (*model.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, selectTxByHashSQL, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err, "查询交易失败")
	}
	return tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, runID string, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	var (
		rows *sql.Rows
		err  error
	)
	if runID == "" {
		rows, err = s.db.QueryContext(ctx, listTxSQL, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, listTxByRunSQL, runID, limit)
	}
	if err != nil {
		return nil, storageErr(err, "查询交易列表失败")
	}
	defer rows.Close()

	var out []*model.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, storageErr(err, "解析交易记录失败")
		}
		out = append(out, tx)
	}
	return out, storageErr(rows.Err(), "遍历交易列表失败")
}

// InsertActiveEntitlement 先把该服务已过期的有效记录退役，再插入新记录。
// active_service 上的唯一键保证同一服务最多一条有效记录；冲突时返回现有授权。
func (s *Store) InsertActiveEntitlement(ctx context.Context, ent *model.Entitlement, now time.Time) (*model.Entitlement, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr(err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, retireExpiredSQL, ent.Service, now.UTC()); err != nil {
		return nil, storageErr(err, "退役过期授权失败")
	}
	_, err = tx.ExecContext(ctx, insertEntSQL, ent.ID, ent.RunID, ent.TxID, ent.Service, ent.Token,
		ent.ExpiresAt.UTC(), ent.Service, ent.CreatedAt.UTC())
	if isDuplicate(err) {
		_ = tx.Rollback()
		existing, getErr := s.GetActiveEntitlement(ctx, ent.Service, now)
		if getErr != nil {
			return nil, getErr
		}
		return existing, storage.ErrEntitlementExists
	}
	if err != nil {
		return nil, storageErr(err, "写入授权失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr(err, "提交授权事务失败")
	}
	out := *ent
	out.IsActive = true
	return &out, nil
}

func scanEntitlement(row rowScanner) (*model.Entitlement, error) {
	var ent model.Entitlement
	if err := row.Scan(&ent.ID, &ent.RunID, &ent.TxID, &ent.Service, &ent.Token, &ent.ExpiresAt,
		&ent.IsActive, &ent.CreatedAt); err != nil {
		return nil, err
	}
	return &ent, nil
}

func (s *Store) GetActiveEntitlement(ctx context.Context, service model.Service, now time.Time) (*model.Entitlement, error) {
	ent, err := scanEntitlement(s.db.QueryRowContext(ctx, selectActiveEntSQL, service, now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err, "查询有效授权失败")
	}
	return ent, nil
}

func (s *Store) ListEntitlements(ctx context.Context, runID string) ([]*model.Entitlement, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if runID == "" {
		rows, err = s.db.QueryContext(ctx, listEntSQL)
	} else {
		rows, err = s.db.QueryContext(ctx, listEntByRunSQL, runID)
	}
	if err != nil {
		return nil, storageErr(err, "查询授权列表失败")
	}
	defer rows.Close()

	var out []*model.Entitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, storageErr(err, "解析授权记录失败")
		}
		out = append(out, ent)
	}
	return out, storageErr(rows.Err(), "遍历授权列表失败")
}

func (s *Store) DeactivateEntitlements(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, deactivateEntSQL)
	if err != nil {
		return 0, storageErr(err, "重置授权失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(err, "读取影响行数失败")
	}
	return int(affected), nil
}

func (s *Store) AppendLog(ctx context.Context, entry *model.LogEntry) error {
	payload, err := encodeJSON(entry.Payload)
	if err != nil {
		return storageErr(err, "序列化日志负载失败")
	}
	_, err = s.db.ExecContext(ctx, insertLogSQL, entry.ID, entry.RunID, entry.Phase, entry.Level,
		entry.Message, payload, entry.Timestamp.UTC())
	return storageErr(err, "写入运行日志失败")
}

func (s *Store) ListLogs(ctx context.Context, runID string) ([]*model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, listLogsSQL, runID)
	if err != nil {
		return nil, storageErr(err, "查询运行日志失败")
	}
	defer rows.Close()

	var out []*model.LogEntry
	for rows.Next() {
		var (
			entry   model.LogEntry
			payload sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.RunID, &entry.Phase, &entry.Level, &entry.Message, &payload, &entry.Timestamp); err != nil {
			return nil, storageErr(err, "解析运行日志失败")
		}
		entry.Payload = decodeJSON(payload)
		out = append(out, &entry)
	}
	return out, storageErr(rows.Err(), "遍历运行日志失败")
}

func (s *Store) CreateArtifact(ctx context.Context, artifact *model.Artifact) error {
	metadata, err := encodeJSON(artifact.Metadata)
	if err != nil {
		return storageErr(err, "序列化产物元数据失败")
	}
	_, err = s.db.ExecContext(ctx, insertArtifactSQL, artifact.ID, artifact.RunID, artifact.Name, artifact.Kind,
		artifact.Description, artifact.Content, metadata, artifact.CreatedAt.UTC())
	if isDuplicate(err) {
		return storage.ErrConflict
	}
	return storageErr(err, "写入产物失败")
}

func scanArtifact(row rowScanner) (*model.Artifact, error) {
	var (
		artifact    model.Artifact
		description sql.NullString
		metadata    sql.NullString
	)
	if err := row.Scan(&artifact.ID, &artifact.RunID, &artifact.Name, &artifact.Kind, &description,
		&artifact.Content, &metadata, &artifact.CreatedAt); err != nil {
		return nil, err
	}
	artifact.Description = description.String
	artifact.Metadata = decodeJSON(metadata)
	return &artifact, nil
}

func (s *Store) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	artifact, err := scanArtifact(s.db.QueryRowContext(ctx, selectArtifactSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err, "查询产物失败")
	}
	return artifact, nil
}

func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]*model.Artifact, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if runID == "" {
		rows, err = s.db.QueryContext(ctx, listArtifactsSQL)
	} else {
		rows, err = s.db.QueryContext(ctx, listArtifactsRunSQL, runID)
	}
	if err != nil {
		return nil, storageErr(err, "查询产物列表失败")
	}
	defer rows.Close()

	var out []*model.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, storageErr(err, "解析产物失败")
		}
		out = append(out, artifact)
	}
	return out, storageErr(rows.Err(), "遍历产物列表失败")
}

var _ storage.Store = (*Store)(nil)
