package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"voice-consult/internal/core"
	"voice-consult/pkg"
)

// Repository stores consultation sessions in PostgreSQL.  The doctor
// snapshot, transcript and report live in jsonb columns.
type Repository struct {
	DB *sql.DB
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
func NewRepository(db *sql.DB) *Repository { return &Repository{DB: db} }

const sessionColumns = `session_id, created_by, notes, selected_doctor, created_on,
       call_started_at, call_ended_at, consultation_duration, conversation, report`

// CreateSession inserts s, filling in SessionID and CreatedOn when empty.
func (r *Repository) CreateSession(ctx context.Context, s *pkg.Session) error {
	if s.SessionID == "" {
		s.SessionID = uuid.NewString()
	}
	if s.CreatedOn.IsZero() {
		s.CreatedOn = time.Now().UTC()
	}
	doctor, err := json.Marshal(s.SelectedDoctor)
	if err != nil {
		return err
	}
	if s.Transcript == nil {
		s.Transcript = []pkg.TranscriptMessage{}
	}
	conversation, err := json.Marshal(s.Transcript)
	if err != nil {
		return err
	}
	var report sql.NullString
	if s.Report != nil {
		b, err := json.Marshal(s.Report)
		if err != nil {
			return err
		}
		report = sql.NullString{String: string(b), Valid: true}
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO consultation_sessions
         (session_id, created_by, notes, selected_doctor, created_on, consultation_duration, conversation, report)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.SessionID, s.CreatedBy, s.Notes, string(doctor), s.CreatedOn,
		s.ConsultationDurationSeconds, string(conversation), report,
	)
	return err
}

// GetSession returns core.ErrNotFound for unknown ids.
func (r *Repository) GetSession(ctx context.Context, id string) (*pkg.Session, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+`
         FROM consultation_sessions
         WHERE session_id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateSession writes only the fields set in u.
func (r *Repository) UpdateSession(ctx context.Context, id string, u pkg.SessionUpdate) error {
	if u.Empty() {
		return nil
	}
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.CallStartedAt != nil {
		set("call_started_at", *u.CallStartedAt)
	}
	if u.CallEndedAt != nil {
		set("call_ended_at", *u.CallEndedAt)
	}
	if u.ConsultationDurationSeconds != nil {
		set("consultation_duration", *u.ConsultationDurationSeconds)
	}
	if u.Transcript != nil {
		b, err := json.Marshal(u.Transcript)
		if err != nil {
			return err
		}
		set("conversation", string(b))
	}
	if u.Report != nil {
		b, err := json.Marshal(u.Report)
		if err != nil {
			return err
		}
		set("report", string(b))
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE consultation_sessions SET %s WHERE session_id = $%d",
		strings.Join(sets, ", "), len(args))

	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ListSessions returns the newest sessions created by createdBy.
func (r *Repository) ListSessions(ctx context.Context, createdBy string, limit int) ([]pkg.Session, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+sessionColumns+`
         FROM consultation_sessions
         WHERE created_by = $1
         ORDER BY created_on DESC
         LIMIT $2`, createdBy, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sessions := []pkg.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*pkg.Session, error) {
	var (
		s                    pkg.Session
		started, ended       sql.NullTime
		doctor, conv, report []byte
	)
	if err := row.Scan(&s.SessionID, &s.CreatedBy, &s.Notes, &doctor, &s.CreatedOn,
		&started, &ended, &s.ConsultationDurationSeconds, &conv, &report); err != nil {
		return nil, err
	}
	if started.Valid {
		t := started.Time
		s.CallStartedAt = &t
	}
	if ended.Valid {
		t := ended.Time
		s.CallEndedAt = &t
	}
	if err := json.Unmarshal(doctor, &s.SelectedDoctor); err != nil {
		return nil, fmt.Errorf("decode selected_doctor: %w", err)
	}
	s.Transcript = []pkg.TranscriptMessage{}
	if len(conv) > 0 {
		if err := json.Unmarshal(conv, &s.Transcript); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
	}
	if len(report) > 0 && string(report) != "null" {
		var rep pkg.Report
		if err := json.Unmarshal(report, &rep); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		s.Report = &rep
	}
	return &s, nil
}
