package evidence

import (
	"database/sql"
	"fmt"
)

// schema 是全量建表语句
//
// 四张表与数据模型一一对应：消息、回执、对端通道偏好、传输聚合。
// 全部使用整数代理主键，业务唯一性由 UNIQUE 约束表达。
const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid         TEXT NOT NULL UNIQUE,
	type         TEXT NOT NULL,
	content      TEXT NOT NULL,
	timestamp    INTEGER NOT NULL,
	from_magnet  TEXT NOT NULL,
	to_magnet    TEXT NOT NULL DEFAULT '',
	ack_of       TEXT,
	received_via TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_from_to ON messages(from_magnet, to_magnet);

CREATE TABLE IF NOT EXISTS receipts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	message_uuid TEXT NOT NULL,
	protocol     TEXT NOT NULL,
	server       TEXT,
	received_at  INTEGER NOT NULL,
	latency_ms   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_uuid ON receipts(message_uuid);
CREATE INDEX IF NOT EXISTS idx_receipts_server ON receipts(server);

CREATE TABLE IF NOT EXISTS peer_channel_preferences (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	identity         TEXT NOT NULL,
	protocol         TEXT NOT NULL,
	is_working       INTEGER NOT NULL DEFAULT 0,
	last_ack_at      INTEGER,
	avg_latency_ms   INTEGER,
	preference_order INTEGER,
	cannot_use       INTEGER NOT NULL DEFAULT 0,
	UNIQUE(identity, protocol)
);
CREATE INDEX IF NOT EXISTS idx_preferences_identity ON peer_channel_preferences(identity);

CREATE TABLE IF NOT EXISTS protocol_stats (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	protocol       TEXT NOT NULL UNIQUE,
	total_sent     INTEGER NOT NULL DEFAULT 0,
	total_acked    INTEGER NOT NULL DEFAULT 0,
	avg_latency_ms INTEGER,
	last_used_at   INTEGER NOT NULL DEFAULT 0
);
`

// migrate 建表并执行检测补列迁移
//
// 历史库的 receipts 表没有 server 列，打开时检测并补上（空值填充）。
// 后续的结构变更沿用同样的检测补列模式。
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if err := ensureColumn(db, "receipts", "server", "TEXT"); err != nil {
		return err
	}

	return nil
}

// ensureColumn 检测列是否存在，不存在则添加
func ensureColumn(db *sql.DB, table, column, decl string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			typ        string
			notnull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &primaryKey); err != nil {
			return fmt.Errorf("scan table info: %w", err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	logger.Info("adding missing column",
		"table", table,
		"column", column)

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}
