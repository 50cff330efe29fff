package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/carelink/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const apptCols = `id, patient_id, clinician_id, scheduled_at, reason, notes,
	status, meeting_link, created_at, updated_at`

func (r *repoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.ClinicianID, &a.ScheduledAt, &a.Reason,
		&a.Notes, &a.Status, &a.MeetingLink, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

// TryInsert relies on the partial unique index over (clinician_id,
// scheduled_at) for rows in pending or confirmed status. ON CONFLICT DO
// NOTHING turns a held slot into zero affected rows instead of an error,
// which keeps the conflict path free of failed-transaction noise.
func (r *repoPG) TryInsert(ctx context.Context, a *Appointment) (bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointment (id, patient_id, clinician_id, scheduled_at, reason, notes, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (clinician_id, scheduled_at) WHERE status IN ('pending','confirmed') DO NOTHING`,
		a.ID, a.PatientID, a.ClinicianID, a.ScheduledAt, a.Reason, a.Notes, a.Status)
	if err != nil {
		return false, fmt.Errorf("insert appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	got, err := r.GetByID(ctx, a.ID)
	if err != nil {
		return false, err
	}
	*a = *got
	return true, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (r *repoPG) UpdateStatusFrom(ctx context.Context, id uuid.UUID, oldStatus, newStatus string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, oldStatus, newStatus)
	if err != nil {
		return false, fmt.Errorf("update appointment status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) SetMeetingLink(ctx context.Context, id uuid.UUID, link string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment SET meeting_link = $2, updated_at = NOW()
		WHERE id = $1`, id, link)
	if err != nil {
		return fmt.Errorf("set meeting link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID, statusFilter string, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "patient_id", patientID, statusFilter, limit, offset)
}

func (r *repoPG) ListByClinician(ctx context.Context, clinicianID, statusFilter string, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "clinician_id", clinicianID, statusFilter, limit, offset)
}

func (r *repoPG) list(ctx context.Context, column, userID, statusFilter string, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE ` + column + ` = $1`
	args := []interface{}{userID}
	if statusFilter != "" {
		where += ` AND status = $2`
		args = append(args, statusFilter)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	query := fmt.Sprintf(`SELECT `+apptCols+` FROM appointment`+where+
		` ORDER BY scheduled_at ASC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}
