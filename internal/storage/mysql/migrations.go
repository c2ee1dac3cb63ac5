package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"LeoPrime-Chain/deploy/migrations"
	"LeoPrime-Chain/pkg/logger"
)

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version INT NOT NULL PRIMARY KEY,
    file VARCHAR(255) NOT NULL,
    applied_at DATETIME(6) NOT NULL
)`

// schemaMigration 是一个迁移脚本，文件名以版本号开头，例如 0002_entitlement_index.sql。
type schemaMigration struct {
	version    int
	file       string
	statements []string
}

// migrator 按版本号顺序执行尚未记录在 schema_migrations 中的脚本。
type migrator struct {
	db  *sql.DB
	now func() time.Time
	log *slog.Logger
}

func newMigrator(db *sql.DB) *migrator {
	return &migrator{db: db, now: time.Now, log: logger.Named("storage.mysql")}
}

// migrate 返回本次新执行的版本号。
func (m *migrator) migrate(ctx context.Context, files fs.FS) ([]int, error) {
	scripts, err := readMigrations(files)
	if err != nil {
		return nil, err
	}
	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	var done []int
	for _, script := range scripts {
		if applied[script.version] {
			continue
		}
		if err := m.apply(ctx, script); err != nil {
			return done, err
		}
		m.log.Info("已执行数据库迁移", slog.Int("version", script.version), slog.String("file", script.file))
		done = append(done, script.version)
	}
	return done, nil
}

func (m *migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// apply 在单个事务内执行脚本并登记版本。MySQL 的 DDL 会隐式提交，
// 脚本中的建表语句必须使用 IF NOT EXISTS。
func (m *migrator) apply(ctx context.Context, script schemaMigration) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range script.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("迁移 %s 第 %d 条语句失败: %w", script.file, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, file, applied_at) VALUES (?, ?, ?)`,
		script.version, script.file, m.now().UTC(),
	); err != nil {
		return fmt.Errorf("登记迁移版本 %d 失败: %w", script.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

// readMigrations 读取目录下的 .sql 文件并按版本排序，版本号缺失或重复时报错。
func readMigrations(files fs.FS) ([]schemaMigration, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	seen := make(map[int]string, len(names))
	out := make([]schemaMigration, 0, len(names))
	for _, name := range names {
		version, err := migrationVersion(name)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移版本 %d 重复: %s 与 %s", version, prev, name)
		}
		seen[version] = name

		content, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		stmts := sqlStatements(string(content))
		if len(stmts) == 0 {
			continue
		}
		out = append(out, schemaMigration{version: version, file: name, statements: stmts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func migrationVersion(name string) (int, error) {
	end := 0
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("迁移文件 %s 缺少版本号前缀", name)
	}
	return strconv.Atoi(name[:end])
}

// sqlStatements 去掉 -- 注释行后按分号切分。
func sqlStatements(content string) []string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var out []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

var embeddedMigrations fs.FS = migrations.Files
