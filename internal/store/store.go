package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	"github.com/pressly/goose/v3"

	"github.com/hubenschmidt/patient-followup/gateway/internal/finalize"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound is returned when a consultation does not exist.
var ErrNotFound = errors.New("store: not found")

// Consultation status values.
const (
	ConsultationPending   = "pending"
	ConsultationCompleted = "completed"
	ConsultationEscalated = "escalated"
)

// Consultation is the clinical record a follow-up call is about.
type Consultation struct {
	ID          string
	PatientName string
	PhoneNumber string
	DoctorID    string
	Summary     string
	Status      string
}

// Store persists patients, consultations and call logs to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL at dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store ping: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadConsultation returns the consultation and its patient.
func (s *Store) LoadConsultation(ctx context.Context, id string) (Consultation, error) {
	n, err := parseID(id)
	if err != nil {
		return Consultation{}, ErrNotFound
	}
	c := Consultation{ID: id}
	err = s.db.QueryRowContext(ctx, `
		SELECT p.name, p.phone_number, p.doctor_id, c.summary, c.status
		FROM consultations c
		JOIN patients p ON p.id = c.patient_id
		WHERE c.id = $1`, n,
	).Scan(&c.PatientName, &c.PhoneNumber, &c.DoctorID, &c.Summary, &c.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Consultation{}, ErrNotFound
	}
	if err != nil {
		return Consultation{}, fmt.Errorf("load consultation %s: %w", id, err)
	}
	return c, nil
}

// SaveCheckpoint records a partial transcript for a call that is still running.
// A shorter transcript never replaces a longer one, and finalized rows are left alone.
func (s *Store) SaveCheckpoint(ctx context.Context, conversationID, consultationID, transcript string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_logs (conversation_id, consultation_id, transcript, call_status)
		VALUES ($1, $2, $3, 'started')
		ON CONFLICT (conversation_id) DO UPDATE
		SET transcript = EXCLUDED.transcript, updated_at = now()
		WHERE call_logs.call_status = 'started'
		  AND length(EXCLUDED.transcript) >= length(call_logs.transcript)`,
		conversationID, nullableID(consultationID), transcript,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// SaveFinalization upserts the call log and moves the consultation to
// completed or escalated in one transaction.
func (s *Store) SaveFinalization(ctx context.Context, rec finalize.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	consultation := nullableID(rec.ConsultationID)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO call_logs (conversation_id, consultation_id, transcript, ai_summary,
		                       urgency_level, requires_doctor, call_status, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conversation_id) DO UPDATE
		SET consultation_id = EXCLUDED.consultation_id,
		    transcript      = EXCLUDED.transcript,
		    ai_summary      = EXCLUDED.ai_summary,
		    urgency_level   = EXCLUDED.urgency_level,
		    requires_doctor = EXCLUDED.requires_doctor,
		    call_status     = EXCLUDED.call_status,
		    duration_ms     = EXCLUDED.duration_ms,
		    updated_at      = now()`,
		rec.ConversationID, consultation, rec.Transcript, rec.Summary,
		string(rec.Urgency), rec.RequiresDoctor, string(rec.CallStatus), rec.CallDuration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("upsert call log: %w", err)
	}

	if consultation.Valid {
		_, err = tx.ExecContext(ctx,
			`UPDATE consultations SET status = $1 WHERE id = $2`,
			ConsultationStatus(rec), consultation.Int64,
		)
		if err != nil {
			return fmt.Errorf("update consultation: %w", err)
		}
	}
	return tx.Commit()
}

// ConsultationStatus is the status a consultation moves to after its call.
func ConsultationStatus(rec finalize.Record) string {
	if rec.RequiresDoctor {
		return ConsultationEscalated
	}
	return ConsultationCompleted
}

// SeedConsultation inserts a patient and a pending consultation and returns the consultation id.
func (s *Store) SeedConsultation(ctx context.Context, patientName, phone, doctorID, summary string, followUp time.Time) (string, error) {
	var patientID, consultationID int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO patients (name, phone_number, doctor_id) VALUES ($1, $2, $3) RETURNING id`,
		patientName, phone, doctorID,
	).Scan(&patientID)
	if err != nil {
		return "", fmt.Errorf("insert patient: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO consultations (patient_id, summary, follow_up_date) VALUES ($1, $2, $3) RETURNING id`,
		patientID, summary, followUp.UTC(),
	).Scan(&consultationID)
	if err != nil {
		return "", fmt.Errorf("insert consultation: %w", err)
	}
	return strconv.FormatInt(consultationID, 10), nil
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid id %q", id)
	}
	return n, nil
}

func nullableID(id string) sql.NullInt64 {
	n, err := parseID(id)
	if err != nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}
