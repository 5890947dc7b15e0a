package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/shizukutanaka/Komainu/internal/admission"
	"github.com/shizukutanaka/Komainu/internal/audit"
	"github.com/shizukutanaka/Komainu/internal/risk"
)

// Store is the durable mirror behind the in-memory admission state: block
// records survive restarts, risk assessments are retained for history, and
// audit events are appended for offline inspection. The in-memory copies
// stay authoritative for freshness.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// Config represents durable mirror configuration
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	identity   TEXT PRIMARY KEY,
	until_ns   INTEGER,
	reason     TEXT NOT NULL,
	created_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_assessments (
	id          TEXT PRIMARY KEY,
	identity    TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	indicators  TEXT NOT NULL,
	score       INTEGER NOT NULL,
	level       TEXT NOT NULL,
	blocked     INTEGER NOT NULL,
	created_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assessments_identity_time
	ON risk_assessments(identity, created_ns);

CREATE TABLE IF NOT EXISTS audit_events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp_ns    INTEGER NOT NULL,
	hashed_identity TEXT NOT NULL,
	action          TEXT NOT NULL,
	resource        TEXT,
	result          TEXT NOT NULL,
	network_address TEXT
);
`

// New opens the durable mirror and initializes its schema.
func New(logger *zap.Logger, config Config) (*Store, error) {
	driver := config.Driver
	if driver == "" || driver == "sqlite" {
		driver = "sqlite3"
	}
	if driver != "sqlite3" {
		return nil, fmt.Errorf("unsupported storage driver: %s", config.Driver)
	}

	if dir := filepath.Dir(config.DSN); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("durable mirror opened", zap.String("dsn", config.DSN))

	return &Store{logger: logger, db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadBlocks reads all block records to seed the in-memory registry.
func (s *Store) LoadBlocks() (map[string]admission.BlockRecord, error) {
	rows, err := s.db.Query(`SELECT identity, until_ns, reason, created_ns FROM blocks`)
	if err != nil {
		return nil, fmt.Errorf("failed to load blocks: %w", err)
	}
	defer rows.Close()

	blocks := make(map[string]admission.BlockRecord)
	for rows.Next() {
		var rec admission.BlockRecord
		var untilNS sql.NullInt64
		var createdNS int64
		if err := rows.Scan(&rec.Identity, &untilNS, &rec.Reason, &createdNS); err != nil {
			return nil, fmt.Errorf("failed to scan block record: %w", err)
		}
		if untilNS.Valid {
			until := time.Unix(0, untilNS.Int64)
			rec.Until = &until
		}
		rec.CreatedAt = time.Unix(0, createdNS)
		blocks[rec.Identity] = rec
	}
	return blocks, rows.Err()
}

// SaveBlock upserts a block record.
func (s *Store) SaveBlock(rec admission.BlockRecord) error {
	var untilNS sql.NullInt64
	if rec.Until != nil {
		untilNS = sql.NullInt64{Int64: rec.Until.UnixNano(), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO blocks (identity, until_ns, reason, created_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			until_ns = excluded.until_ns,
			reason = excluded.reason,
			created_ns = excluded.created_ns`,
		rec.Identity, untilNS, rec.Reason, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save block: %w", err)
	}
	return nil
}

// DeleteBlock removes a block record.
func (s *Store) DeleteBlock(identity string) error {
	if _, err := s.db.Exec(`DELETE FROM blocks WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("failed to delete block: %w", err)
	}
	return nil
}

// SaveAssessment persists one immutable risk assessment.
func (s *Store) SaveAssessment(a risk.Assessment) error {
	indicators, err := json.Marshal(a.Indicators)
	if err != nil {
		return fmt.Errorf("failed to encode indicators: %w", err)
	}

	blocked := 0
	if a.Blocked {
		blocked = 1
	}

	_, err = s.db.Exec(`
		INSERT INTO risk_assessments
			(id, identity, entity_type, entity_id, indicators, score, level, blocked, created_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Identity, a.EntityType, a.EntityID, string(indicators),
		a.Score, string(a.Level), blocked, a.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save assessment: %w", err)
	}
	return nil
}

// ListAssessments returns assessments for an identity, newest first.
func (s *Store) ListAssessments(identity string, limit int) ([]risk.Assessment, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, identity, entity_type, entity_id, indicators, score, level, blocked, created_ns
		FROM risk_assessments
		WHERE identity = ?
		ORDER BY created_ns DESC
		LIMIT ?`, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer rows.Close()

	out := make([]risk.Assessment, 0, limit)
	for rows.Next() {
		var a risk.Assessment
		var indicators string
		var blocked int
		var createdNS int64
		if err := rows.Scan(&a.ID, &a.Identity, &a.EntityType, &a.EntityID,
			&indicators, &a.Score, &a.Level, &blocked, &createdNS); err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		if err := json.Unmarshal([]byte(indicators), &a.Indicators); err != nil {
			return nil, fmt.Errorf("failed to decode indicators: %w", err)
		}
		a.Blocked = blocked == 1
		a.Timestamp = time.Unix(0, createdNS)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountRecentEvents counts the identity's persisted transaction events since
// the given instant. Serves the risk scorer's velocity indicator.
func (s *Store) CountRecentEvents(identity string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM risk_assessments
		WHERE identity = ? AND created_ns >= ?`,
		identity, since.UnixNano(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent events: %w", err)
	}
	return count, nil
}

// AppendAuditEvent mirrors one audit entry.
func (s *Store) AppendAuditEvent(entry audit.Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_events
			(timestamp_ns, hashed_identity, action, resource, result, network_address)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UnixNano(), entry.HashedIdentity, entry.Action,
		entry.Resource, entry.Result, entry.NetworkAddress,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}
