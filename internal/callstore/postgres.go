// Package callstore persists call records. The Postgres store is the
// production backend; it also feeds the realtime watch channel through
// LISTEN/NOTIFY so receivers ring without polling.
package callstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/heartwire/callcore/internal/call"
)

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string // disable, require, verify-ca, verify-full
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c PostgresConfig) dsn() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode,
	)
}

// PostgresStore implements call.Store on PostgreSQL.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
	config PostgresConfig
}

const notifyChannel = "call_changes"

// NewPostgresStore connects, verifies the connection, and ensures the schema.
func NewPostgresStore(config PostgresConfig) (*PostgresStore, error) {
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open("postgres", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{
		db:     db,
		logger: zap.L().Named("callstore"),
		config: config,
	}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS calls (
		id UUID PRIMARY KEY,
		match_id VARCHAR(255) NOT NULL,
		caller_id VARCHAR(255) NOT NULL,
		receiver_id VARCHAR(255) NOT NULL,
		call_type VARCHAR(10) NOT NULL CHECK (call_type IN ('voice', 'video')),
		status VARCHAR(20) NOT NULL CHECK (status IN ('calling', 'active', 'ended', 'rejected', 'missed')),

		created_at TIMESTAMPTZ DEFAULT NOW(),
		updated_at TIMESTAMPTZ DEFAULT NOW(),

		ended_at TIMESTAMPTZ,
		duration_seconds BIGINT NOT NULL DEFAULT 0
	);

	ALTER TABLE calls ADD COLUMN IF NOT EXISTS ended_at TIMESTAMPTZ;
	ALTER TABLE calls ADD COLUMN IF NOT EXISTS duration_seconds BIGINT NOT NULL DEFAULT 0;

	CREATE INDEX IF NOT EXISTS idx_calls_receiver_status ON calls(receiver_id, status);
	CREATE INDEX IF NOT EXISTS idx_calls_match_id ON calls(match_id);
	CREATE INDEX IF NOT EXISTS idx_calls_created_at ON calls(created_at DESC);

	CREATE OR REPLACE FUNCTION notify_call_change()
	RETURNS TRIGGER AS $$
	BEGIN
		NEW.updated_at = NOW();
		PERFORM pg_notify('call_changes', row_to_json(NEW)::text);
		RETURN NEW;
	END;
	$$ language 'plpgsql';

	DROP TRIGGER IF EXISTS calls_notify_change ON calls;
	CREATE TRIGGER calls_notify_change BEFORE INSERT OR UPDATE ON calls
		FOR EACH ROW EXECUTE FUNCTION notify_call_change();
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Create inserts a new record in status calling.
func (s *PostgresStore) Create(ctx context.Context, matchID, callerID, receiverID string, callType call.Type) (call.Record, error) {
	rec := call.Record{
		ID:         uuid.NewString(),
		MatchID:    matchID,
		CallerID:   callerID,
		ReceiverID: receiverID,
		Type:       callType,
		Status:     call.StatusCalling,
	}

	query := `
		INSERT INTO calls (id, match_id, caller_id, receiver_id, call_type, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		rec.ID, rec.MatchID, rec.CallerID, rec.ReceiverID, rec.Type, rec.Status,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return call.Record{}, fmt.Errorf("insert call: %w", err)
	}

	s.logger.Info("call record created",
		zap.String("id", rec.ID), zap.String("matchId", matchID))
	return rec, nil
}

// UpdateStatus moves a record forward. Terminal records are immutable: the
// guard in the WHERE clause makes a late update a no-op instead of resurrecting
// an ended call. A non-nil ending writes the call-history fields.
func (s *PostgresStore) UpdateStatus(ctx context.Context, callID string, status call.Status, ending *call.Ending) error {
	var result sql.Result
	var err error
	if ending != nil {
		result, err = s.db.ExecContext(ctx, `
			UPDATE calls SET status = $1, ended_at = $2, duration_seconds = $3
			WHERE id = $4 AND status NOT IN ('ended', 'rejected', 'missed')
		`, status, ending.EndedAt, int64(ending.Duration.Seconds()), callID)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE calls SET status = $1
			WHERE id = $2 AND status NOT IN ('ended', 'rejected', 'missed')
		`, status, callID)
	}
	if err != nil {
		return fmt.Errorf("update call status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish "already terminal" from "no such call".
		var existing string
		err := s.db.QueryRowContext(ctx,
			"SELECT status FROM calls WHERE id = $1", callID).Scan(&existing)
		if err == sql.ErrNoRows {
			return fmt.Errorf("call not found: %s", callID)
		}
		if err != nil {
			return fmt.Errorf("check call status: %w", err)
		}
	}
	return nil
}

// GetStatus returns the current status of a record.
func (s *PostgresStore) GetStatus(ctx context.Context, callID string) (call.Status, error) {
	var status call.Status
	err := s.db.QueryRowContext(ctx,
		"SELECT status FROM calls WHERE id = $1", callID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("call not found: %s", callID)
	}
	if err != nil {
		return "", fmt.Errorf("get call status: %w", err)
	}
	return status, nil
}

// callNotification mirrors row_to_json(NEW) from the notify trigger.
type callNotification struct {
	ID              string      `json:"id"`
	MatchID         string      `json:"match_id"`
	CallerID        string      `json:"caller_id"`
	ReceiverID      string      `json:"receiver_id"`
	CallType        call.Type   `json:"call_type"`
	Status          call.Status `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	EndedAt         *time.Time  `json:"ended_at"`
	DurationSeconds int64       `json:"duration_seconds"`
}

const (
	listenMinReconnect = 10 * time.Second
	listenMaxReconnect = time.Minute
	listenPingInterval = 90 * time.Second
)

// Watch streams records addressed to receiverID, straight off the notify
// trigger. The channel closes when ctx ends.
func (s *PostgresStore) Watch(ctx context.Context, receiverID string) (<-chan call.Record, error) {
	listener := pq.NewListener(s.config.dsn(), listenMinReconnect, listenMaxReconnect,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				s.logger.Warn("listener event", zap.Int("event", int(event)), zap.Error(err))
			}
		})

	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen on %s: %w", notifyChannel, err)
	}

	out := make(chan call.Record, 16)
	go func() {
		defer close(out)
		defer listener.Close()

		ping := time.NewTicker(listenPingInterval)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := listener.Ping(); err != nil {
					s.logger.Warn("listener ping", zap.Error(err))
				}
			case n := <-listener.Notify:
				if n == nil {
					// Reconnect; missed notifications are covered
					// by the status poll.
					continue
				}
				var note callNotification
				if err := json.Unmarshal([]byte(n.Extra), &note); err != nil {
					s.logger.Warn("decode call notification", zap.Error(err))
					continue
				}
				if note.ReceiverID != receiverID {
					continue
				}
				rec := call.Record{
					ID:              note.ID,
					MatchID:         note.MatchID,
					CallerID:        note.CallerID,
					ReceiverID:      note.ReceiverID,
					Type:            note.CallType,
					Status:          note.Status,
					CreatedAt:       note.CreatedAt,
					UpdatedAt:       note.UpdatedAt,
					EndedAt:         note.EndedAt,
					DurationSeconds: note.DurationSeconds,
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
