package relay

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"agendarelay/pkg/protocol"
)

// AuditLog is an optional Postgres-backed trail of presence changes and
// dropped targeted deliveries. Every write is best-effort: an audit failure
// is logged and never affects routing. The relay itself stays memory-only;
// this observes delivery, it never backstops it.
type AuditLog struct {
	conn *sql.DB
	log  *zap.Logger
}

// NewAuditLog opens the audit database and ensures its schema exists.
func NewAuditLog(connStr string, log *zap.Logger) (*AuditLog, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if log == nil {
		log = zap.NewNop()
	}
	a := &AuditLog{conn: db, log: log}

	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	log.Info("audit log connected")
	return a, nil
}

func (a *AuditLog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS presence_events (
		id SERIAL PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		user_name VARCHAR(255),
		event VARCHAR(50) NOT NULL,
		connection_id VARCHAR(255) NOT NULL,
		occurred_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS dropped_deliveries (
		id SERIAL PRIMARY KEY,
		event VARCHAR(100) NOT NULL,
		target_user_id VARCHAR(255) NOT NULL,
		from_user_id VARCHAR(255),
		occurred_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_presence_events_user ON presence_events(user_id);
	CREATE INDEX IF NOT EXISTS idx_presence_events_time ON presence_events(occurred_at);
	CREATE INDEX IF NOT EXISTS idx_dropped_target ON dropped_deliveries(target_user_id);
	`

	_, err := a.conn.Exec(schema)
	return err
}

// RecordPresence stores a connected/disconnected event. Fire-and-forget.
func (a *AuditLog) RecordPresence(event string, conn *Connection) {
	go func() {
		_, err := a.conn.Exec(
			`INSERT INTO presence_events (user_id, user_name, event, connection_id) VALUES ($1, $2, $3, $4)`,
			conn.Identity.UserID, conn.Identity.UserName, event, conn.ID,
		)
		if err != nil {
			a.log.Warn("presence audit failed", zap.Error(err))
		}
	}()
}

// RecordDrop stores a dropped targeted delivery. Fire-and-forget.
func (a *AuditLog) RecordDrop(event protocol.EventName, toUserID string, from protocol.Identity) {
	go func() {
		_, err := a.conn.Exec(
			`INSERT INTO dropped_deliveries (event, target_user_id, from_user_id) VALUES ($1, $2, $3)`,
			string(event), toUserID, from.UserID,
		)
		if err != nil {
			a.log.Warn("drop audit failed", zap.Error(err))
		}
	}()
}

// Close closes the underlying database connection.
func (a *AuditLog) Close() error {
	return a.conn.Close()
}
