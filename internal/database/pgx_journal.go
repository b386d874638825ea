package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"GoProctorStream/internal/logger"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS proctor_sessions (
	conn_id         TEXT PRIMARY KEY,
	subject_id      TEXT NOT NULL DEFAULT '',
	connected_at    TIMESTAMPTZ NOT NULL,
	disconnected_at TIMESTAMPTZ NOT NULL,
	frames          BIGINT NOT NULL DEFAULT 0,
	bytes           BIGINT NOT NULL DEFAULT 0,
	invalid_frames  BIGINT NOT NULL DEFAULT 0,
	outcome         TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT ''
)`

const insertSession = `
INSERT INTO proctor_sessions
	(conn_id, subject_id, connected_at, disconnected_at, frames, bytes, invalid_frames, outcome, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (conn_id) DO UPDATE SET
	disconnected_at = EXCLUDED.disconnected_at,
	frames = EXCLUDED.frames,
	bytes = EXCLUDED.bytes,
	invalid_frames = EXCLUDED.invalid_frames,
	outcome = EXCLUDED.outcome,
	reason = EXCLUDED.reason`

const selectRecentSessions = `
SELECT conn_id, subject_id, connected_at, disconnected_at, frames, bytes, invalid_frames, outcome, reason
FROM proctor_sessions
ORDER BY disconnected_at DESC
LIMIT $1`

// Config 数据库配置
type Config struct {
	DSN      string
	MaxConns int32
}

// PgxJournal PostgreSQL 会话记录存储
type PgxJournal struct {
	pool *pgxpool.Pool
}

// NewPoolConfig 解析DSN并设置连接池参数
func NewPoolConfig(cfg Config) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// 设置连接池参数
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	return poolConfig, nil
}

// ConnectPgx 连接PostgreSQL并确保表存在
func ConnectPgx(ctx context.Context, cfg Config) (*PgxJournal, error) {
	poolConfig, err := NewPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// 测试连接
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, createSessionsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	logger.WithComponent("database").Info("PostgreSQL pool ready")
	return &PgxJournal{pool: pool}, nil
}

// Record 实现 Journal
func (j *PgxJournal) Record(ctx context.Context, rec SessionRecord) error {
	_, err := j.pool.Exec(ctx, insertSession,
		rec.ConnID, rec.SubjectID, rec.ConnectedAt, rec.DisconnectedAt,
		int64(rec.Frames), int64(rec.Bytes), int64(rec.InvalidFrames),
		rec.Outcome, rec.Reason)
	if err != nil {
		return fmt.Errorf("insert session record failed: %w", err)
	}
	return nil
}

// Recent 实现 Journal
func (j *PgxJournal) Recent(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.pool.Query(ctx, selectRecentSessions, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions failed: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec                    SessionRecord
			frames, bytes, invalid int64
		)
		if err := rows.Scan(&rec.ConnID, &rec.SubjectID, &rec.ConnectedAt, &rec.DisconnectedAt,
			&frames, &bytes, &invalid, &rec.Outcome, &rec.Reason); err != nil {
			return nil, fmt.Errorf("scan session failed: %w", err)
		}
		rec.Frames, rec.Bytes, rec.InvalidFrames = uint64(frames), uint64(bytes), uint64(invalid)
		out = append(out, rec)
	}

	return out, rows.Err()
}

// Stats 连接池统计信息
func (j *PgxJournal) Stats() *pgxpool.Stat {
	return j.pool.Stat()
}

// Close 实现 Journal
func (j *PgxJournal) Close() {
	j.pool.Close()
	logger.WithComponent("database").Info("PostgreSQL pool closed")
}

// Open 根据配置打开存储：DSN为空时返回内存存储
func Open(ctx context.Context, cfg Config) (Journal, error) {
	if cfg.DSN == "" {
		return NewMemoryJournal(0), nil
	}
	return ConnectPgx(ctx, cfg)
}
