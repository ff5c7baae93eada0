package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a session id matches nothing.
var ErrNotFound = errors.New("session not found")

// Store manages the PostgreSQL connection holding monitoring sessions and their alerts.
// A single connection is shared, so calls are serialized.
type Store struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// Session is one monitoring run.
type Session struct {
	ID             string
	Source         string
	Label          string
	StartedAt      time.Time
	EndedAt        *time.Time
	FramesAnalyzed int64
	FramesSkipped  int64
	FinalTracking  string
	AlertCount     int
}

// AlertRecord is a persisted alert together with the status snapshot it fired under.
type AlertRecord struct {
	ID        int64     `yaml:"-"`
	SessionID string    `yaml:"-"`
	Kind      string    `yaml:"kind"`
	Message   string    `yaml:"message"`
	FiredAt   time.Time `yaml:"fired_at"`
	Tracking  string    `yaml:"tracking"`
	HeadPose  string    `yaml:"head_pose"`
	Gaze      string    `yaml:"gaze"`
	Emotion   string    `yaml:"emotion"`
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS monitoring_sessions (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ,
			frames_analyzed BIGINT NOT NULL DEFAULT 0,
			frames_skipped BIGINT NOT NULL DEFAULT 0,
			final_tracking TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS behavior_alerts (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES monitoring_sessions(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			fired_at TIMESTAMPTZ NOT NULL,
			tracking TEXT NOT NULL,
			head_pose TEXT NOT NULL,
			gaze TEXT NOT NULL,
			emotion TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS behavior_alerts_session_id_idx ON behavior_alerts (session_id, fired_at);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// CreateSession registers a new run.
func (s *Store) CreateSession(ctx context.Context, id, source, label string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO monitoring_sessions (id, source, label, started_at)
		VALUES ($1, $2, $3, $4)
	`, id, source, label, startedAt)
	return err
}

// EndSession stamps the end time and the final counters.
func (s *Store) EndSession(ctx context.Context, id string, final types.Status, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.conn.Exec(ctx, `
		UPDATE monitoring_sessions
		SET ended_at = $2, frames_analyzed = $3, frames_skipped = $4, final_tracking = $5
		WHERE id = $1
	`, id, endedAt, int64(final.FramesAnalyzed), int64(final.FramesSkipped), string(final.Tracking))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertAlert saves an emitted alert with the status it fired under.
func (s *Store) InsertAlert(ctx context.Context, sessionID string, a types.Alert, st types.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO behavior_alerts (session_id, kind, message, fired_at, tracking, head_pose, gaze, emotion)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sessionID, a.Kind, a.Message, a.Timestamp, string(st.Tracking), st.HeadPose.String(), st.Gaze.String(), st.Emotion.String())
	return err
}

const sessionColumns = `
	s.id, s.source, s.label, s.started_at, s.ended_at,
	s.frames_analyzed, s.frames_skipped, s.final_tracking,
	(SELECT COUNT(*) FROM behavior_alerts a WHERE a.session_id = s.id)
`

func scanSession(row pgx.Row) (Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.Source, &sess.Label, &sess.StartedAt, &sess.EndedAt,
		&sess.FramesAnalyzed, &sess.FramesSkipped, &sess.FinalTracking, &sess.AlertCount)
	return sess, err
}

// ListSessions returns the most recent sessions first. limit <= 0 means no limit.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + sessionColumns + ` FROM monitoring_sessions s ORDER BY s.started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetSession looks a session up by id or by unique id prefix.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `SELECT `+sessionColumns+` FROM monitoring_sessions s WHERE s.id LIKE $1::text || '%' LIMIT 2`, id)
	if err != nil {
		return Session{}, err
	}
	defer rows.Close()

	var found []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return Session{}, err
		}
		found = append(found, sess)
	}
	if err := rows.Err(); err != nil {
		return Session{}, err
	}

	switch len(found) {
	case 0:
		return Session{}, ErrNotFound
	case 1:
		return found[0], nil
	default:
		return Session{}, fmt.Errorf("session id prefix %q is ambiguous", id)
	}
}

// GetSessionAlerts returns a session's alerts in firing order.
func (s *Store) GetSessionAlerts(ctx context.Context, sessionID string) ([]AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT id, session_id, kind, message, fired_at, tracking, head_pose, gaze, emotion
		FROM behavior_alerts
		WHERE session_id = $1
		ORDER BY fired_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []AlertRecord
	for rows.Next() {
		var a AlertRecord
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Kind, &a.Message, &a.FiredAt, &a.Tracking, &a.HeadPose, &a.Gaze, &a.Emotion); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AlertCounts returns the number of alerts per kind for a session.
func (s *Store) AlertCounts(ctx context.Context, sessionID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT kind, COUNT(*) FROM behavior_alerts WHERE session_id = $1 GROUP BY kind
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// LabelSession updates the free-text label of a session.
func (s *Store) LabelSession(ctx context.Context, id, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.conn.Exec(ctx, "UPDATE monitoring_sessions SET label = $1 WHERE id = $2", label, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// The schema is recreated on the next connection.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS behavior_alerts CASCADE;
		DROP TABLE IF EXISTS monitoring_sessions CASCADE;
	`)
	return err
}
