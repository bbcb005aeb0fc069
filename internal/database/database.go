package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"

	"livethread/internal/config"
)

// DSN builds the MySQL data source name for cfg
func DSN(cfg config.Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.DBUser
	mc.Passwd = cfg.DBPassword
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.DBHost, cfg.DBPort)
	mc.DBName = cfg.DBName
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// Init opens the database, verifies the connection and ensures the schema
func Init(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	// 接続テスト (コンテナ起動直後はDBがまだ準備中のことがある)
	if err := ping(ctx, db, pingAttempts); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

const pingAttempts = 5

// ping retries with exponential backoff until the server answers
func ping(ctx context.Context, db *sql.DB, attempts uint64) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(b, attempts), ctx))
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id VARCHAR(36) PRIMARY KEY,
		topic VARCHAR(255) NOT NULL DEFAULT '',
		participant_key VARCHAR(512) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_conversations_members (participant_key, topic),
		KEY idx_conversations_updated (updated_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id VARCHAR(36) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		position INT NOT NULL,
		PRIMARY KEY (conversation_id, user_id),
		KEY idx_participants_user (user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		conversation_id VARCHAR(36) NOT NULL,
		sender_id VARCHAR(64) NOT NULL,
		content TEXT NOT NULL,
		type VARCHAR(16) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		KEY idx_messages_conversation (conversation_id, id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS message_reads (
		message_id BIGINT NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		read_at DATETIME(6) NOT NULL,
		PRIMARY KEY (message_id, user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS read_cursors (
		conversation_id VARCHAR(36) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		message_id BIGINT NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

// Migrate creates the tables the store needs when they are missing
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}
