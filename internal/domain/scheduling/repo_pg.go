package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hivcare/clinic/internal/platform/db"
	"github.com/hivcare/clinic/pkg/calendar"
)

// NewStorePG returns repositories backed by PostgreSQL. The schema is
// created by the migrations package.
func NewStorePG(pool *pgxpool.Pool) Store {
	return Store{
		Doctors:      &doctorRepoPG{pool: pool},
		Schedules:    &scheduleRepoPG{pool: pool},
		Appointments: &appointmentRepoPG{pool: pool},
		Tx:           &txManagerPG{pool: pool},
	}
}

func clockParam(c calendar.Clock) pgtype.Time {
	return pgtype.Time{Microseconds: int64(c) * int64(time.Minute/time.Microsecond), Valid: true}
}

func clockFromPG(t pgtype.Time) calendar.Clock {
	return calendar.Clock(t.Microseconds / int64(time.Minute/time.Microsecond))
}

func dateParam(d calendar.Date) time.Time {
	return d.In(time.UTC)
}

// mapPGError translates driver errors into scheduling errors. Errors that
// already carry a kind pass through.
func mapPGError(err error, notFound string) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return newError(KindNotFound, "%s", notFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case db.CodeExclusionViolation:
			if pgErr.ConstraintName == "doctor_schedule_entries_no_overlap" {
				return &Error{Kind: KindValidation, Message: "schedule entry overlaps an existing entry", Err: err}
			}
			return &Error{Kind: KindSlotConflict, Message: "time range overlaps an existing appointment", Err: err}
		case db.CodeUniqueViolation:
			return &Error{Kind: KindValidation, Message: "record already exists", Err: err}
		case db.CodeForeignKeyViolation:
			return &Error{Kind: KindNotFound, Message: "referenced doctor not found", Err: err}
		}
	}
	if db.IsRetryable(err) {
		return Transient(err)
	}
	return err
}

// =========== Transactions ===========

type txManagerPG struct{ pool *pgxpool.Pool }

// WithinDoctorTx serializes fn against every other writer of the doctor with
// a transaction-scoped advisory lock keyed by the doctor id.
func (t *txManagerPG) WithinDoctorTx(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	err := db.WithTx(ctx, t.pool, "doctor:"+doctorID.String(), fn)
	return mapPGError(err, "")
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pool *pgxpool.Pool }

func (r *doctorRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const doctorCols = `id, name, specialty, is_available, is_verified, created_at, updated_at`

func (r *doctorRepoPG) scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.Specialty, &d.IsAvailable, &d.IsVerified, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO doctors (id, name, specialty, is_available, is_verified, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.Name, d.Specialty, d.IsAvailable, d.IsVerified, d.CreatedAt, d.UpdatedAt)
	return mapPGError(err, "")
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, err := r.scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctors WHERE id = $1`, id))
	if err != nil {
		return nil, mapPGError(err, fmt.Sprintf("doctor %s not found", id))
	}
	return d, nil
}

func (r *doctorRepoPG) Update(ctx context.Context, d *Doctor) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE doctors SET name=$2, specialty=$3, is_available=$4, is_verified=$5, updated_at=$6
		WHERE id = $1`,
		d.ID, d.Name, d.Specialty, d.IsAvailable, d.IsVerified, d.UpdatedAt)
	if err != nil {
		return mapPGError(err, "")
	}
	if tag.RowsAffected() == 0 {
		return newError(KindNotFound, "doctor %s not found", d.ID)
	}
	return nil
}

func (r *doctorRepoPG) List(ctx context.Context, limit, offset int) ([]*Doctor, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM doctors`).Scan(&total); err != nil {
		return nil, 0, mapPGError(err, "")
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+doctorCols+` FROM doctors ORDER BY name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, mapPGError(err, "")
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := r.scanDoctor(rows)
		if err != nil {
			return nil, 0, mapPGError(err, "")
		}
		items = append(items, d)
	}
	return items, total, mapPGError(rows.Err(), "")
}

// =========== Schedule Repository ===========

type scheduleRepoPG struct{ pool *pgxpool.Pool }

func (r *scheduleRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const entryCols = `id, doctor_id, day_of_week, start_time, end_time, is_available, created_at`

func (r *scheduleRepoPG) scanEntry(row pgx.Row) (*RecurringScheduleEntry, error) {
	var e RecurringScheduleEntry
	var start, end pgtype.Time
	if err := row.Scan(&e.ID, &e.DoctorID, &e.DayOfWeek, &start, &end, &e.IsAvailable, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.StartTime, e.EndTime = clockFromPG(start), clockFromPG(end)
	return &e, nil
}

func (r *scheduleRepoPG) CreateEntry(ctx context.Context, e *RecurringScheduleEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO doctor_schedule_entries (id, doctor_id, day_of_week, start_time, end_time, is_available, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.DoctorID, e.DayOfWeek, clockParam(e.StartTime), clockParam(e.EndTime), e.IsAvailable, e.CreatedAt)
	return mapPGError(err, "")
}

func (r *scheduleRepoPG) ListEntries(ctx context.Context, doctorID uuid.UUID) ([]*RecurringScheduleEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM doctor_schedule_entries
		WHERE doctor_id = $1 ORDER BY day_of_week, start_time`, doctorID)
	if err != nil {
		return nil, mapPGError(err, "")
	}
	defer rows.Close()
	var items []*RecurringScheduleEntry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, mapPGError(err, "")
		}
		items = append(items, e)
	}
	return items, mapPGError(rows.Err(), "")
}

func (r *scheduleRepoPG) DeleteEntry(ctx context.Context, doctorID, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM doctor_schedule_entries WHERE id = $1 AND doctor_id = $2`, id, doctorID)
	if err != nil {
		return mapPGError(err, "")
	}
	if tag.RowsAffected() == 0 {
		return newError(KindNotFound, "schedule entry %s not found", id)
	}
	return nil
}

const overrideCols = `id, doctor_id, override_date, start_time, end_time, is_available, reason, created_at`

func (r *scheduleRepoPG) scanOverride(row pgx.Row) (*AvailabilityOverride, error) {
	var o AvailabilityOverride
	var date time.Time
	var start, end pgtype.Time
	if err := row.Scan(&o.ID, &o.DoctorID, &date, &start, &end, &o.IsAvailable, &o.Reason, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Date = calendar.DateOf(date)
	o.StartTime, o.EndTime = clockFromPG(start), clockFromPG(end)
	return &o, nil
}

func (r *scheduleRepoPG) CreateOverride(ctx context.Context, o *AvailabilityOverride) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO availability_overrides (id, doctor_id, override_date, start_time, end_time, is_available, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.DoctorID, dateParam(o.Date), clockParam(o.StartTime), clockParam(o.EndTime), o.IsAvailable, o.Reason, o.CreatedAt)
	return mapPGError(err, "")
}

func (r *scheduleRepoPG) ListOverrides(ctx context.Context, doctorID uuid.UUID, from, to calendar.Date) ([]*AvailabilityOverride, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+overrideCols+` FROM availability_overrides
		WHERE doctor_id = $1 AND override_date BETWEEN $2 AND $3
		ORDER BY override_date, start_time`, doctorID, dateParam(from), dateParam(to))
	if err != nil {
		return nil, mapPGError(err, "")
	}
	defer rows.Close()
	var items []*AvailabilityOverride
	for rows.Next() {
		o, err := r.scanOverride(rows)
		if err != nil {
			return nil, mapPGError(err, "")
		}
		items = append(items, o)
	}
	return items, mapPGError(rows.Err(), "")
}

func (r *scheduleRepoPG) DeleteOverride(ctx context.Context, doctorID, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM availability_overrides WHERE id = $1 AND doctor_id = $2`, id, doctorID)
	if err != nil {
		return mapPGError(err, "")
	}
	if tag.RowsAffected() == 0 {
		return newError(KindNotFound, "availability override %s not found", id)
	}
	return nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.QuerierFromContext(ctx, r.pool)
}

const apptCols = `id, doctor_id, patient_id, anonymous_contact, facility_id,
	appointment_date, start_time, end_time, status, is_anonymous, notes,
	cancellation_reason, created_at, modified_at`

func (r *appointmentRepoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date time.Time
	var start, end pgtype.Time
	err := row.Scan(&a.ID, &a.DoctorID, &a.PatientID, &a.AnonymousContact, &a.FacilityID,
		&date, &start, &end, &a.Status, &a.IsAnonymous, &a.Notes,
		&a.CancellationReason, &a.CreatedAt, &a.ModifiedAt)
	if err != nil {
		return nil, err
	}
	a.Date = calendar.DateOf(date)
	a.StartTime, a.EndTime = clockFromPG(start), clockFromPG(end)
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointments (id, doctor_id, patient_id, anonymous_contact, facility_id,
			appointment_date, start_time, end_time, status, is_anonymous, notes,
			cancellation_reason, created_at, modified_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.ID, a.DoctorID, a.PatientID, a.AnonymousContact, a.FacilityID,
		dateParam(a.Date), clockParam(a.StartTime), clockParam(a.EndTime), a.Status, a.IsAnonymous, a.Notes,
		a.CancellationReason, a.CreatedAt, a.ModifiedAt)
	return mapPGError(err, "")
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
	if err != nil {
		return nil, mapPGError(err, fmt.Sprintf("appointment %s not found", id))
	}
	return a, nil
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET facility_id=$2, appointment_date=$3, start_time=$4, end_time=$5,
			status=$6, notes=$7, cancellation_reason=$8, modified_at=$9
		WHERE id = $1`,
		a.ID, a.FacilityID, dateParam(a.Date), clockParam(a.StartTime), clockParam(a.EndTime),
		a.Status, a.Notes, a.CancellationReason, a.ModifiedAt)
	if err != nil {
		return mapPGError(err, "")
	}
	if tag.RowsAffected() == 0 {
		return newError(KindNotFound, "appointment %s not found", a.ID)
	}
	return nil
}

func (r *appointmentRepoPG) ListBlocking(ctx context.Context, doctorID uuid.UUID, from, to calendar.Date) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE doctor_id = $1 AND appointment_date BETWEEN $2 AND $3
			AND status NOT IN ('cancelled', 'no_show')
		ORDER BY appointment_date, start_time`, doctorID, dateParam(from), dateParam(to))
	if err != nil {
		return nil, mapPGError(err, "")
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, mapPGError(err, "")
		}
		items = append(items, a)
	}
	return items, mapPGError(rows.Err(), "")
}

func (r *appointmentRepoPG) Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	add := func(clause string, v interface{}) {
		where += fmt.Sprintf(clause, idx)
		args = append(args, v)
		idx++
	}
	if f.PatientID != nil {
		add(` AND patient_id = $%d`, *f.PatientID)
	}
	if f.DoctorID != nil {
		add(` AND doctor_id = $%d`, *f.DoctorID)
	}
	if f.FacilityID != nil {
		add(` AND facility_id = $%d`, *f.FacilityID)
	}
	if f.DateFrom != nil {
		add(` AND appointment_date >= $%d`, dateParam(*f.DateFrom))
	}
	if f.DateTo != nil {
		add(` AND appointment_date <= $%d`, dateParam(*f.DateTo))
	}
	if f.Status != nil {
		add(` AND status = $%d`, string(*f.Status))
	}
	if f.IsAnonymous != nil {
		add(` AND is_anonymous = $%d`, *f.IsAnonymous)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total); err != nil {
		return nil, 0, mapPGError(err, "")
	}

	query := `SELECT ` + apptCols + ` FROM appointments` + where +
		fmt.Sprintf(` ORDER BY appointment_date DESC, start_time DESC, id ASC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, mapPGError(err, "")
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, 0, mapPGError(err, "")
		}
		items = append(items, a)
	}
	return items, total, mapPGError(rows.Err(), "")
}
