package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tempestnet/tempest/tempest"
)

// PostgresSinkConfig configures PostgresSink.
type PostgresSinkConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// PostgresSink persists connection lifecycle events for long-term
// history, grounded on shadowmesh's persistence.PostgresStore
// connection setup and schema-on-connect pattern.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink opens the connection, verifies it with Ping, and
// ensures the audit_events table exists.
func NewPostgresSink(cfg PostgresSinkConfig) (*PostgresSink, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("audit: postgres connect failed: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("audit: postgres ping failed: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	sink := &PostgresSink{db: db}
	if err := sink.initSchema(); err != nil {
		return nil, fmt.Errorf("audit: schema init failed: %w", err)
	}
	return sink, nil
}

func (s *PostgresSink) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS tempest_audit_events (
		id SERIAL PRIMARY KEY,
		kind VARCHAR(32) NOT NULL,
		connection_id BIGINT NOT NULL,
		reason SMALLINT NOT NULL DEFAULT 0,
		custom TEXT,
		occurred_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tempest_audit_connection ON tempest_audit_events (connection_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record inserts event as a row, matching tempest.AuditSink.
func (s *PostgresSink) Record(event tempest.AuditEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO tempest_audit_events (kind, connection_id, reason, custom, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		event.Kind.String(), event.ConnectionID, byte(event.Reason), event.Custom, event.At,
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Close closes the underlying database connection pool.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
