package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"socratic-tutor/server/internal/model"
)

// SQLiteDB 持有共享的 SQLite 连接，每个 session 通过 Store(id) 获得自己的句柄。
type SQLiteDB struct {
	db     *sql.DB
	path   string
	now    func() time.Time
	logger *slog.Logger
}

// OpenSQLite 打开（必要时创建）SQLite 数据库并初始化表结构。
func OpenSQLite(dbPath string, now func() time.Time, logger *slog.Logger) (*SQLiteDB, error) {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// 单进程独占，一个连接即可，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteDB{db: db, path: dbPath, now: now, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteDB) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS history_records (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close 关闭数据库连接。
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// Store 返回某个 session 的历史句柄。
func (s *SQLiteDB) Store(sessionID string) Store {
	return &sqliteStore{parent: s, sessionID: sessionID}
}

type sqliteStore struct {
	parent    *SQLiteDB
	sessionID string
}

func (s *sqliteStore) Location() string {
	return s.parent.path + "#" + s.sessionID
}

func (s *sqliteStore) fail(op string, err error) error {
	return &PersistenceError{Op: op, Path: s.Location(), Err: err}
}

func (s *sqliteStore) Load(ctx context.Context) ([]model.Message, error) {
	rows, err := s.parent.db.QueryContext(ctx,
		`SELECT role, content, timestamp FROM history_records WHERE session_id = ? ORDER BY seq`, s.sessionID)
	if err != nil {
		return nil, s.fail("load", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var rec model.HistoryRecord
		if err := rows.Scan(&rec.Role, &rec.Content, &rec.Timestamp); err != nil {
			return nil, s.fail("load", err)
		}
		msg, err := model.FromRecord(rec)
		if err != nil {
			s.parent.logger.Warn("skipping history record", "location", s.Location(), "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("load", err)
	}
	return msgs, nil
}

// Save 在一个事务里删除旧记录并写入新记录，语义与文件整体重写一致。
func (s *sqliteStore) Save(ctx context.Context, msgs []model.Message) error {
	tx, err := s.parent.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("save", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM history_records WHERE session_id = ?`, s.sessionID); err != nil {
		return s.fail("save", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO history_records (session_id, seq, role, content, timestamp) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return s.fail("save", err)
	}
	defer stmt.Close()

	captured := s.parent.now()
	for i, msg := range msgs {
		rec := model.ToRecord(msg, captured)
		if _, err := stmt.ExecContext(ctx, s.sessionID, i, rec.Role, rec.Content, rec.Timestamp); err != nil {
			return s.fail("save", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.fail("save", err)
	}
	return nil
}

func (s *sqliteStore) Reset(ctx context.Context) error {
	if _, err := s.parent.db.ExecContext(ctx, `DELETE FROM history_records WHERE session_id = ?`, s.sessionID); err != nil {
		return s.fail("reset", err)
	}
	return nil
}
