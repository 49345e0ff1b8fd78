package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/healthbridge/apptflow/internal/infrastructure/postgres"
	"github.com/healthbridge/apptflow/internal/infrastructure/redpanda"
)

const appointmentColumns = `id, patient_id, doctor_id, status, appointment_type,
	requested_date, proposed_date, confirmed_date, location, patient_notes, doctor_notes,
	follow_up_of, call_session_id, call_status, call_started_at, call_ended_at,
	version, created_at, updated_at`

const consultationColumns = `id, appointment_id, patient_id, doctor_id, symptoms, medicines,
	additional_advice, follow_up, follow_up_date, created_at`

// displayDate orders every listing the same way the aggregate resolves
// ScheduledAt.
const displayDate = `COALESCE(confirmed_date, proposed_date, requested_date)`

type ctxKey string

const correlationIDKey ctxKey = "correlation_id"

// WithCorrelationID tags events written under ctx with id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// Repository is the PostgreSQL Store.
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

var _ Store = (*Repository)(nil)

// Create inserts a new appointment with its creation event.
func (r *Repository) Create(ctx context.Context, a *Appointment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := a.Record()
	_, err = tx.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		rec.ID, rec.PatientID, rec.DoctorID, rec.Status, rec.Type,
		rec.RequestedDate, rec.ProposedDate, rec.ConfirmedDate, rec.Location, rec.PatientNotes, rec.DoctorNotes,
		rec.FollowUpOf, rec.SessionID, rec.CallInfo.Status, rec.StartedAt, rec.EndedAt,
		rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}

	if err := r.writeChanges(ctx, tx, a); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	a.ClearChanges()
	return nil
}

// Get loads an appointment by ID.
func (r *Repository) Get(ctx context.Context, id string) (*Appointment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("get appointment %q: %w", id, ErrNotFound)
	}
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("get appointment %s: %w", id, err)
	}
	return a, nil
}

// Save persists pending changes with an optimistic version check.
func (r *Repository) Save(ctx context.Context, a *Appointment) error {
	if len(a.Changes()) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.update(ctx, tx, a); err != nil {
		return err
	}
	if err := r.writeChanges(ctx, tx, a); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	a.ClearChanges()
	return nil
}

// Complete inserts the consultation and the completed appointment in one
// transaction.
func (r *Repository) Complete(ctx context.Context, a *Appointment, c *Consultation) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO consultations (`+consultationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.AppointmentID, c.PatientID, c.DoctorID, c.Symptoms, c.Medicines,
		c.AdditionalAdvice, c.FollowUp, c.FollowUpDate, c.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("consultation for %s already recorded: %w", c.AppointmentID, ErrStaleState)
		}
		return fmt.Errorf("insert consultation: %w", err)
	}

	if err := r.update(ctx, tx, a); err != nil {
		return err
	}
	if err := r.writeChanges(ctx, tx, a); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	a.ClearChanges()
	return nil
}

func (r *Repository) update(ctx context.Context, tx pgx.Tx, a *Appointment) error {
	expected := a.Version() - len(a.Changes())
	rec := a.Record()

	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2, proposed_date = $3, confirmed_date = $4, location = $5,
		    doctor_notes = $6, version = $7, updated_at = $8
		WHERE id = $1 AND version = $9`,
		rec.ID, rec.Status, rec.ProposedDate, rec.ConfirmedDate, rec.Location,
		rec.DoctorNotes, rec.Version, rec.UpdatedAt, expected,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Info("stale appointment write rejected",
			zap.String("appointment_id", rec.ID),
			zap.Int("expected_version", expected),
		)
		return fmt.Errorf("appointment %s at version %d: %w", rec.ID, expected, ErrStaleState)
	}
	return nil
}

// writeChanges appends pending events to the history table and the outbox.
func (r *Repository) writeChanges(ctx context.Context, tx pgx.Tx, a *Appointment) error {
	corr := correlationID(ctx)
	for _, event := range a.Changes() {
		if event.CorrelationID == "" {
			event.CorrelationID = corr
		}
		if err := r.insertEvent(ctx, tx, event); err != nil {
			return err
		}

		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		entry := &postgres.OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			KafkaTopic:    redpanda.TopicAppointmentEvents,
			KafkaKey:      event.AggregateID,
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) insertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
		INSERT INTO appointment_events
		(id, aggregate_id, event_type, event_data, version, timestamp,
		 actor_id, actor_role, patient_id, doctor_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := tx.Exec(ctx, query,
		event.ID,
		event.AggregateID,
		event.EventType,
		event.EventData,
		event.Version,
		event.Timestamp,
		event.ActorID,
		event.ActorRole,
		event.PatientID,
		event.DoctorID,
		event.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// List returns matching appointments ordered by display date, and the total
// count ignoring limit and offset.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]*Appointment, int, error) {
	where, args := listWhere(f)
	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`
		SELECT %s, count(*) OVER()
		FROM appointments
		%s
		ORDER BY %s ASC, created_at ASC
		LIMIT $%d OFFSET $%d`,
		appointmentColumns, where, displayDate, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var (
		list  []*Appointment
		total int
	)
	for rows.Next() {
		a, err := scanAppointment(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, a)
	}
	return list, total, rows.Err()
}

// CountByStatus counts matching appointments per status.
func (r *Repository) CountByStatus(ctx context.Context, f ListFilter) (map[Status]int, error) {
	where, args := listWhere(f)
	rows, err := r.pool.Query(ctx, `SELECT status, count(*) FROM appointments `+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("count appointments: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			st Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func listWhere(f ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.PatientID != "" {
		args = append(args, f.PatientID)
		conds = append(conds, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if f.DoctorID != "" {
		args = append(args, f.DoctorID)
		conds = append(conds, fmt.Sprintf("doctor_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// Events retrieves the audit trail of an appointment
func (r *Repository) Events(ctx context.Context, appointmentID string) ([]*Event, error) {
	query := `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp,
		       actor_id, actor_role, patient_id, doctor_id, correlation_id
		FROM appointment_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`

	rows, err := r.pool.Query(ctx, query, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: AggregateType}
		err := rows.Scan(
			&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version, &e.Timestamp,
			&e.ActorID, &e.ActorRole, &e.PatientID, &e.DoctorID, &e.CorrelationID,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Consultation returns the consultation for an appointment.
func (r *Repository) Consultation(ctx context.Context, appointmentID string) (*Consultation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+consultationColumns+` FROM consultations WHERE appointment_id = $1`, appointmentID)
	c, err := scanConsultation(row)
	if err != nil {
		return nil, fmt.Errorf("get consultation for %s: %w", appointmentID, err)
	}
	return c, nil
}

// ListConsultations returns consultations newest first with the total count.
func (r *Repository) ListConsultations(ctx context.Context, f ConsultationFilter) ([]*Consultation, int, error) {
	where, args := consultationWhere(f)
	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`
		SELECT %s, count(*) OVER()
		FROM consultations
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		consultationColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list consultations: %w", err)
	}
	defer rows.Close()

	var (
		list  []*Consultation
		total int
	)
	for rows.Next() {
		c, err := scanConsultation(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, c)
	}
	return list, total, rows.Err()
}

// UpcomingFollowUps returns consultations with a follow-up at or after from,
// soonest first.
func (r *Repository) UpcomingFollowUps(ctx context.Context, f ConsultationFilter, from time.Time) ([]*Consultation, error) {
	where, args := consultationWhere(f)
	args = append(args, from)
	cond := fmt.Sprintf("follow_up AND follow_up_date >= $%d", len(args))
	if where == "" {
		where = "WHERE " + cond
	} else {
		where += " AND " + cond
	}
	args = append(args, f.Limit)
	query := fmt.Sprintf(`
		SELECT %s FROM consultations
		%s
		ORDER BY follow_up_date ASC
		LIMIT $%d`,
		consultationColumns, where, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("upcoming follow-ups: %w", err)
	}
	defer rows.Close()

	var list []*Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func consultationWhere(f ConsultationFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.PatientID != "" {
		args = append(args, f.PatientID)
		conds = append(conds, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if f.DoctorID != "" {
		args = append(args, f.DoctorID)
		conds = append(conds, fmt.Sprintf("doctor_id = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// UpdateCallInfo overwrites the call bookkeeping columns.
func (r *Repository) UpdateCallInfo(ctx context.Context, id string, call CallInfo) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET call_session_id = $2, call_status = $3, call_started_at = $4, call_ended_at = $5,
		    updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled')`,
		id, call.SessionID, call.Status, call.StartedAt, call.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("update call info: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %s: %w", id, ErrStaleState)
	}
	return nil
}

func scanAppointment(row pgx.Row, extra ...any) (*Appointment, error) {
	var rec Record
	dest := []any{
		&rec.ID, &rec.PatientID, &rec.DoctorID, &rec.Status, &rec.Type,
		&rec.RequestedDate, &rec.ProposedDate, &rec.ConfirmedDate, &rec.Location, &rec.PatientNotes, &rec.DoctorNotes,
		&rec.FollowUpOf, &rec.SessionID, &rec.CallInfo.Status, &rec.StartedAt, &rec.EndedAt,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return FromRecord(rec)
}

func scanConsultation(row pgx.Row, extra ...any) (*Consultation, error) {
	c := &Consultation{}
	dest := []any{
		&c.ID, &c.AppointmentID, &c.PatientID, &c.DoctorID, &c.Symptoms, &c.Medicines,
		&c.AdditionalAdvice, &c.FollowUp, &c.FollowUpDate, &c.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}
