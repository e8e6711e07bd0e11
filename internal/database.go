package internal

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-sql-driver/mysql"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS vr_sessions (
    session_id        CHAR(36)     NOT NULL PRIMARY KEY,
    peer              VARCHAR(64)  NOT NULL,
    device            VARCHAR(64)  NOT NULL,
    codec             VARCHAR(8)   NOT NULL,
    video_width       INT UNSIGNED NOT NULL,
    video_height      INT UNSIGNED NOT NULL,
    start_time        DATETIME(3)  NOT NULL,
    end_time          DATETIME(3)  NULL,
    end_reason        VARCHAR(32)  NULL,
    packets_lost      BIGINT UNSIGNED NULL,
    fec_failures      BIGINT UNSIGNED NULL
)`

// SessionRecord is one row of the connection history.
type SessionRecord struct {
	SessionID   string     `json:"session_id"`
	Peer        string     `json:"peer"`
	Device      string     `json:"device"`
	Codec       string     `json:"codec"`
	VideoWidth  uint32     `json:"video_width"`
	VideoHeight uint32     `json:"video_height"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	EndReason   string     `json:"end_reason,omitempty"`
	PacketsLost uint64     `json:"packets_lost"`
	FecFailures uint64     `json:"fec_failures"`
}

// SessionStore keeps the connection history in MySQL.
type SessionStore struct {
	db     *sql.DB
	logger logr.Logger
}

// NewSessionStore opens the database and checks it answers.
func NewSessionStore(ctx context.Context, cfg DatabaseConfig) (*SessionStore, error) {
	dsn, err := normalizeDSN(cfg.MySQLDSN)
	if err != nil {
		return nil, NewError(err, ErrCodeConfiguration, "database", "parse_dsn")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, NewError(err, ErrCodeDatabase, "database", "open")
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, time.Duration(max(cfg.ConnectionTimeout, 1))*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, NewError(err, ErrCodeDatabase, "database", "ping")
	}

	s := &SessionStore{db: db, logger: NewLogger("database")}
	s.logger.Info("connected to mysql")
	return s, nil
}

// normalizeDSN validates a DSN and turns on time parsing.
func normalizeDSN(dsn string) (string, error) {
	c, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	c.ParseTime = true
	return c.FormatDSN(), nil
}

// EnsureSchema creates the history table when missing.
func (s *SessionStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sessionSchema); err != nil {
		return NewError(err, ErrCodeDatabase, "database", "schema")
	}
	return nil
}

// RecordConnect inserts a row for a new connection.
func (s *SessionStore) RecordConnect(ctx context.Context, rec SessionRecord) error {
	const query = `
        INSERT INTO vr_sessions (session_id, peer, device, codec, video_width, video_height, start_time)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.SessionID, rec.Peer, rec.Device, rec.Codec, rec.VideoWidth, rec.VideoHeight, rec.StartTime)
	if err != nil {
		return NewError(err, ErrCodeDatabase, "database", "record_connect").WithContext(rec.SessionID)
	}
	s.logger.V(1).Info("session recorded", "session_id", rec.SessionID)
	return nil
}

// RecordDisconnect closes a connection row with its final counters.
func (s *SessionStore) RecordDisconnect(ctx context.Context, sessionID, reason string, snap TelemetrySnapshot, at time.Time) error {
	const query = `
        UPDATE vr_sessions SET end_time = ?, end_reason = ?, packets_lost = ?, fec_failures = ?
        WHERE session_id = ? AND end_time IS NULL`
	_, err := s.db.ExecContext(ctx, query, at, reason, snap.PacketsLostTotal, snap.FecFailuresTotal, sessionID)
	if err != nil {
		return NewError(err, ErrCodeDatabase, "database", "record_disconnect").WithContext(sessionID)
	}
	return nil
}

// RecentSessions returns the newest rows first.
func (s *SessionStore) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	const query = `
        SELECT session_id, peer, device, codec, video_width, video_height, start_time,
               end_time, COALESCE(end_reason, ''), COALESCE(packets_lost, 0), COALESCE(fec_failures, 0)
        FROM vr_sessions ORDER BY start_time DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, NewError(err, ErrCodeDatabase, "database", "recent_sessions")
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var end sql.NullTime
		if err := rows.Scan(&rec.SessionID, &rec.Peer, &rec.Device, &rec.Codec, &rec.VideoWidth,
			&rec.VideoHeight, &rec.StartTime, &end, &rec.EndReason, &rec.PacketsLost, &rec.FecFailures); err != nil {
			s.logger.Error(err, "failed to scan session row")
			continue
		}
		if end.Valid {
			rec.EndTime = &end.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Ping checks the database connection.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the MySQL database connection
func (s *SessionStore) Close() error {
	s.logger.Info("closing mysql connection")
	return s.db.Close()
}
