package navdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kwv/coregnav/nav"
)

// ErrNoSession is returned when recording without an open session
var ErrNoSession = errors.New("no open session")

// Session is one navigation run
type Session struct {
	ID        string     `json:"id"`
	Tracker   string     `json:"tracker"`
	RefMode   string     `json:"refMode"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// StoredRegistration is a registration row
type StoredRegistration struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"sessionId"`
	Method    string      `json:"method"`
	FRE       float64     `json:"fre"`
	HasICP    bool        `json:"hasIcp"`
	ICPError  float64     `json:"icpError,omitempty"`
	Matrix    nav.Matrix4 `json:"matrix"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Recorder logs navigation output for one open session at a time
type Recorder struct {
	db *DB

	mu           sync.Mutex
	sessionID    string
	lastOnTarget *bool
}

// NewRecorder creates a recorder on db
func NewRecorder(db *DB) *Recorder {
	return &Recorder{db: db}
}

// StartSession opens a new session and makes it current
func (r *Recorder) StartSession(ctx context.Context, tracker string, refMode nav.RefMode) (string, error) {
	id := uuid.New().String()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, tracker, ref_mode, started_at) VALUES (?, ?, ?, ?)`,
		id, tracker, string(refMode), time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("inserting session: %w", err)
	}

	r.mu.Lock()
	r.sessionID = id
	r.lastOnTarget = nil
	r.mu.Unlock()

	log.Printf("[DB] Session %s started (tracker=%s, ref=%s)", id, tracker, refMode)
	return id, nil
}

// EndSession closes the current session
func (r *Recorder) EndSession(ctx context.Context) error {
	r.mu.Lock()
	id := r.sessionID
	r.sessionID = ""
	r.mu.Unlock()
	if id == "" {
		return ErrNoSession
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, time.Now().UnixNano(), id); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	log.Printf("[DB] Session %s ended", id)
	return nil
}

// SessionID returns the current session id, or "" if none
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *Recorder) current() (string, error) {
	id := r.SessionID()
	if id == "" {
		return "", ErrNoSession
	}
	return id, nil
}

// RecordRegistration stores a registration for the current session
func (r *Recorder) RecordRegistration(ctx context.Context, reg *nav.Registration) error {
	id, err := r.current()
	if err != nil {
		return err
	}
	matrix, err := json.Marshal(reg.ImageMatrix())
	if err != nil {
		return fmt.Errorf("marshaling matrix: %w", err)
	}
	var icpErr sql.NullFloat64
	if reg.ICP != nil {
		icpErr = sql.NullFloat64{Float64: reg.ICPError, Valid: true}
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO registrations (session_id, method, fre, has_icp, icp_error, matrix_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, reg.Method, reg.FRE, reg.ICP != nil, icpErr, string(matrix), reg.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting registration: %w", err)
	}
	return nil
}

// RecordCoordinate stores one navigation coordinate for the current session
func (r *Recorder) RecordCoordinate(ctx context.Context, c nav.NavCoordinate) error {
	id, err := r.current()
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO coordinates
		 (session_id, sequence, ts_unix_nano, object, x, y, z, alpha, beta, gamma, latency_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, c.Sequence, c.Timestamp.UnixNano(), string(c.Object),
		c.Pose.X, c.Pose.Y, c.Pose.Z, c.Pose.Alpha, c.Pose.Beta, c.Pose.Gamma,
		int64(c.Latency))
	if err != nil {
		return fmt.Errorf("inserting coordinate: %w", err)
	}
	return nil
}

// RecordTarget stores a target event when the on-target state changes.
// Returns true if a row was written.
func (r *Recorder) RecordTarget(ctx context.Context, t nav.TargetStatus) (bool, error) {
	id, err := r.current()
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	changed := r.lastOnTarget == nil || *r.lastOnTarget != t.OnTarget
	if changed {
		v := t.OnTarget
		r.lastOnTarget = &v
	}
	r.mu.Unlock()
	if !changed {
		return false, nil
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO target_events (session_id, sequence, ts_unix_nano, on_target, distance, angle_error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, t.Sequence, t.Timestamp.UnixNano(), t.OnTarget, t.Distance, t.AngleError)
	if err != nil {
		return false, fmt.Errorf("inserting target event: %w", err)
	}
	return true, nil
}

// ResetTarget forgets the last on-target state, so the first status against
// a new target is always recorded
func (r *Recorder) ResetTarget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastOnTarget = nil
}

// ListSessions returns sessions newest first
func (r *Recorder) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id, tracker, ref_mode, started_at, ended_at FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Tracker, &s.RefMode, &started, &ended); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		s.StartedAt = time.Unix(0, started)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			s.EndedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Coordinates returns up to limit coordinates of a session in sequence order
func (r *Recorder) Coordinates(ctx context.Context, sessionID string, limit int) ([]nav.NavCoordinate, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT sequence, ts_unix_nano, object, x, y, z, alpha, beta, gamma, latency_ns
		 FROM coordinates WHERE session_id = ? ORDER BY sequence LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying coordinates: %w", err)
	}
	defer rows.Close()

	var out []nav.NavCoordinate
	for rows.Next() {
		var c nav.NavCoordinate
		var ts, latency int64
		var object string
		if err := rows.Scan(&c.Sequence, &ts, &object,
			&c.Pose.X, &c.Pose.Y, &c.Pose.Z, &c.Pose.Alpha, &c.Pose.Beta, &c.Pose.Gamma, &latency); err != nil {
			return nil, fmt.Errorf("scanning coordinate: %w", err)
		}
		c.Timestamp = time.Unix(0, ts)
		c.Object = nav.MarkerID(object)
		c.Latency = time.Duration(latency)
		c.Matrix = nav.PoseToMatrix(c.Pose)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Registrations returns the registrations of a session, oldest first
func (r *Recorder) Registrations(ctx context.Context, sessionID string) ([]StoredRegistration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT registration_id, session_id, method, fre, has_icp, icp_error, matrix_json, created_at
		 FROM registrations WHERE session_id = ? ORDER BY registration_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying registrations: %w", err)
	}
	defer rows.Close()

	var out []StoredRegistration
	for rows.Next() {
		var s StoredRegistration
		var icpErr sql.NullFloat64
		var matrix string
		var created int64
		if err := rows.Scan(&s.ID, &s.SessionID, &s.Method, &s.FRE, &s.HasICP, &icpErr, &matrix, &created); err != nil {
			return nil, fmt.Errorf("scanning registration: %w", err)
		}
		if err := json.Unmarshal([]byte(matrix), &s.Matrix); err != nil {
			return nil, fmt.Errorf("decoding matrix: %w", err)
		}
		s.ICPError = icpErr.Float64
		s.CreatedAt = time.Unix(0, created)
		out = append(out, s)
	}
	return out, rows.Err()
}

// TargetEventCount returns the number of target transitions recorded for a session
func (r *Recorder) TargetEventCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM target_events WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
