package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/hivcare/clinic/internal/platform/gormdb"
	"github.com/hivcare/clinic/pkg/calendar"
)

// GORM row models. Dates are stored as "YYYY-MM-DD" strings so that range
// filters and ordering behave the same on sqlite and postgres; clock values
// use datatypes.Time.

type doctorRow struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name        string    `gorm:"type:varchar(255);not null;index:idx_doctors_name"`
	Specialty   string    `gorm:"type:varchar(255);not null"`
	IsAvailable bool      `gorm:"not null"`
	IsVerified  bool      `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (doctorRow) TableName() string { return "doctors" }

type scheduleEntryRow struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	DoctorID    uuid.UUID      `gorm:"type:uuid;not null;index:idx_schedule_doctor_day,priority:1"`
	DayOfWeek   int            `gorm:"not null;index:idx_schedule_doctor_day,priority:2"`
	StartTime   datatypes.Time `gorm:"not null"`
	EndTime     datatypes.Time `gorm:"not null"`
	IsAvailable bool           `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null"`
	Doctor      *doctorRow     `gorm:"foreignKey:DoctorID"`
}

func (scheduleEntryRow) TableName() string { return "doctor_schedule_entries" }

type overrideRow struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	DoctorID     uuid.UUID      `gorm:"type:uuid;not null;index:idx_override_doctor_date,priority:1"`
	OverrideDate string         `gorm:"type:varchar(10);not null;index:idx_override_doctor_date,priority:2"`
	StartTime    datatypes.Time `gorm:"not null"`
	EndTime      datatypes.Time `gorm:"not null"`
	IsAvailable  bool           `gorm:"not null"`
	Reason       *string        `gorm:"type:text"`
	CreatedAt    time.Time      `gorm:"not null"`
	Doctor       *doctorRow     `gorm:"foreignKey:DoctorID"`
}

func (overrideRow) TableName() string { return "availability_overrides" }

type appointmentRow struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey"`
	DoctorID           uuid.UUID      `gorm:"type:uuid;not null;index:idx_appt_doctor_date,priority:1"`
	PatientID          *uuid.UUID     `gorm:"type:uuid;index"`
	AnonymousContact   *string        `gorm:"type:varchar(255)"`
	FacilityID         *uuid.UUID     `gorm:"type:uuid"`
	AppointmentDate    string         `gorm:"type:varchar(10);not null;index:idx_appt_doctor_date,priority:2"`
	StartTime          datatypes.Time `gorm:"not null"`
	EndTime            datatypes.Time `gorm:"not null"`
	Status             string         `gorm:"type:varchar(20);not null"`
	IsAnonymous        bool           `gorm:"not null"`
	Notes              *string        `gorm:"type:text"`
	CancellationReason *string        `gorm:"type:text"`
	CreatedAt          time.Time      `gorm:"not null"`
	ModifiedAt         time.Time      `gorm:"not null"`
	Doctor             *doctorRow     `gorm:"foreignKey:DoctorID"`
}

func (appointmentRow) TableName() string { return "appointments" }

// MigrateGorm creates or updates the scheduling tables. A database managed
// this way must not also receive the SQL migrations.
func MigrateGorm(db *gorm.DB) error {
	return db.AutoMigrate(
		&doctorRow{},
		&scheduleEntryRow{},
		&overrideRow{},
		&appointmentRow{},
	)
}

// NewStoreGorm returns repositories backed by GORM.
func NewStoreGorm(db *gorm.DB) Store {
	return Store{
		Doctors:      &doctorRepoGorm{db: db},
		Schedules:    &scheduleRepoGorm{db: db},
		Appointments: &appointmentRepoGorm{db: db},
		Tx:           &txManagerGorm{db: db},
	}
}

func clockToGorm(c calendar.Clock) datatypes.Time {
	return datatypes.NewTime(c.Hour(), c.Minute(), 0, 0)
}

func clockFromGorm(t datatypes.Time) calendar.Clock {
	return calendar.Clock(time.Duration(t) / time.Minute)
}

func parseRowDate(s string) calendar.Date {
	d, err := calendar.ParseDate(s)
	if err != nil {
		return calendar.Date{}
	}
	return d
}

type gormTxKey struct{}

// gormConn returns the transaction carried by ctx, or db bound to ctx.
func gormConn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(gormTxKey{}).(*gorm.DB); ok {
		return tx
	}
	return db.WithContext(ctx)
}

func mapGormError(err error, notFound string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newError(KindNotFound, "%s", notFound)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return Transient(err)
	}
	return mapPGError(err, notFound)
}

// =========== Transactions ===========

type txManagerGorm struct{ db *gorm.DB }

// WithinDoctorTx runs fn in a GORM transaction. On postgres the transaction
// also takes the doctor's advisory lock; sqlite already admits one writer.
func (t *txManagerGorm) WithinDoctorTx(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(gormTxKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if gormdb.IsPostgres(tx) {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtextextended(?, 0))", "doctor:"+doctorID.String()).Error; err != nil {
				return fmt.Errorf("advisory lock: %w", err)
			}
		}
		return fn(context.WithValue(ctx, gormTxKey{}, tx))
	})
	return mapGormError(err, "")
}

// =========== Doctor Repository ===========

type doctorRepoGorm struct{ db *gorm.DB }

func doctorToRow(d *Doctor) *doctorRow {
	return &doctorRow{
		ID: d.ID, Name: d.Name, Specialty: d.Specialty,
		IsAvailable: d.IsAvailable, IsVerified: d.IsVerified,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

func (r *doctorRow) toModel() *Doctor {
	return &Doctor{
		ID: r.ID, Name: r.Name, Specialty: r.Specialty,
		IsAvailable: r.IsAvailable, IsVerified: r.IsVerified,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func (r *doctorRepoGorm) Create(ctx context.Context, d *Doctor) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return mapGormError(gormConn(ctx, r.db).Create(doctorToRow(d)).Error, "")
}

func (r *doctorRepoGorm) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	var row doctorRow
	if err := gormConn(ctx, r.db).First(&row, "id = ?", id).Error; err != nil {
		return nil, mapGormError(err, fmt.Sprintf("doctor %s not found", id))
	}
	return row.toModel(), nil
}

func (r *doctorRepoGorm) Update(ctx context.Context, d *Doctor) error {
	res := gormConn(ctx, r.db).Model(&doctorRow{}).Where("id = ?", d.ID).Updates(map[string]any{
		"name":         d.Name,
		"specialty":    d.Specialty,
		"is_available": d.IsAvailable,
		"is_verified":  d.IsVerified,
		"updated_at":   d.UpdatedAt,
	})
	if res.Error != nil {
		return mapGormError(res.Error, "")
	}
	if res.RowsAffected == 0 {
		return newError(KindNotFound, "doctor %s not found", d.ID)
	}
	return nil
}

func (r *doctorRepoGorm) List(ctx context.Context, limit, offset int) ([]*Doctor, int, error) {
	var (
		rows  []doctorRow
		total int64
	)
	q := gormConn(ctx, r.db).Model(&doctorRow{}).Session(&gorm.Session{})
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, mapGormError(err, "")
	}
	if err := q.Order("name, id").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, mapGormError(err, "")
	}
	items := make([]*Doctor, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toModel())
	}
	return items, int(total), nil
}

// =========== Schedule Repository ===========

type scheduleRepoGorm struct{ db *gorm.DB }

func (r *scheduleEntryRow) toModel() *RecurringScheduleEntry {
	return &RecurringScheduleEntry{
		ID: r.ID, DoctorID: r.DoctorID, DayOfWeek: r.DayOfWeek,
		StartTime: clockFromGorm(r.StartTime), EndTime: clockFromGorm(r.EndTime),
		IsAvailable: r.IsAvailable, CreatedAt: r.CreatedAt,
	}
}

func (r *overrideRow) toModel() *AvailabilityOverride {
	return &AvailabilityOverride{
		ID: r.ID, DoctorID: r.DoctorID, Date: parseRowDate(r.OverrideDate),
		StartTime: clockFromGorm(r.StartTime), EndTime: clockFromGorm(r.EndTime),
		IsAvailable: r.IsAvailable, Reason: r.Reason, CreatedAt: r.CreatedAt,
	}
}

func (r *scheduleRepoGorm) CreateEntry(ctx context.Context, e *RecurringScheduleEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	row := &scheduleEntryRow{
		ID: e.ID, DoctorID: e.DoctorID, DayOfWeek: e.DayOfWeek,
		StartTime: clockToGorm(e.StartTime), EndTime: clockToGorm(e.EndTime),
		IsAvailable: e.IsAvailable, CreatedAt: e.CreatedAt,
	}
	return mapGormError(gormConn(ctx, r.db).Omit("Doctor").Create(row).Error, "")
}

func (r *scheduleRepoGorm) ListEntries(ctx context.Context, doctorID uuid.UUID) ([]*RecurringScheduleEntry, error) {
	var rows []scheduleEntryRow
	err := gormConn(ctx, r.db).
		Where("doctor_id = ?", doctorID).
		Order("day_of_week, start_time").
		Find(&rows).Error
	if err != nil {
		return nil, mapGormError(err, "")
	}
	items := make([]*RecurringScheduleEntry, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toModel())
	}
	return items, nil
}

func (r *scheduleRepoGorm) DeleteEntry(ctx context.Context, doctorID, id uuid.UUID) error {
	res := gormConn(ctx, r.db).Where("id = ? AND doctor_id = ?", id, doctorID).Delete(&scheduleEntryRow{})
	if res.Error != nil {
		return mapGormError(res.Error, "")
	}
	if res.RowsAffected == 0 {
		return newError(KindNotFound, "schedule entry %s not found", id)
	}
	return nil
}

func (r *scheduleRepoGorm) CreateOverride(ctx context.Context, o *AvailabilityOverride) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	row := &overrideRow{
		ID: o.ID, DoctorID: o.DoctorID, OverrideDate: o.Date.String(),
		StartTime: clockToGorm(o.StartTime), EndTime: clockToGorm(o.EndTime),
		IsAvailable: o.IsAvailable, Reason: o.Reason, CreatedAt: o.CreatedAt,
	}
	return mapGormError(gormConn(ctx, r.db).Omit("Doctor").Create(row).Error, "")
}

func (r *scheduleRepoGorm) ListOverrides(ctx context.Context, doctorID uuid.UUID, from, to calendar.Date) ([]*AvailabilityOverride, error) {
	var rows []overrideRow
	err := gormConn(ctx, r.db).
		Where("doctor_id = ? AND override_date BETWEEN ? AND ?", doctorID, from.String(), to.String()).
		Order("override_date, start_time").
		Find(&rows).Error
	if err != nil {
		return nil, mapGormError(err, "")
	}
	items := make([]*AvailabilityOverride, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toModel())
	}
	return items, nil
}

func (r *scheduleRepoGorm) DeleteOverride(ctx context.Context, doctorID, id uuid.UUID) error {
	res := gormConn(ctx, r.db).Where("id = ? AND doctor_id = ?", id, doctorID).Delete(&overrideRow{})
	if res.Error != nil {
		return mapGormError(res.Error, "")
	}
	if res.RowsAffected == 0 {
		return newError(KindNotFound, "availability override %s not found", id)
	}
	return nil
}

// =========== Appointment Repository ===========

type appointmentRepoGorm struct{ db *gorm.DB }

var nonBlockingStatuses = []string{string(StatusCancelled), string(StatusNoShow)}

func appointmentToRow(a *Appointment) *appointmentRow {
	return &appointmentRow{
		ID: a.ID, DoctorID: a.DoctorID, PatientID: a.PatientID,
		AnonymousContact: a.AnonymousContact, FacilityID: a.FacilityID,
		AppointmentDate: a.Date.String(),
		StartTime:       clockToGorm(a.StartTime), EndTime: clockToGorm(a.EndTime),
		Status: string(a.Status), IsAnonymous: a.IsAnonymous, Notes: a.Notes,
		CancellationReason: a.CancellationReason,
		CreatedAt:          a.CreatedAt, ModifiedAt: a.ModifiedAt,
	}
}

func (r *appointmentRow) toModel() *Appointment {
	return &Appointment{
		ID: r.ID, DoctorID: r.DoctorID, PatientID: r.PatientID,
		AnonymousContact: r.AnonymousContact, FacilityID: r.FacilityID,
		Date:      parseRowDate(r.AppointmentDate),
		StartTime: clockFromGorm(r.StartTime), EndTime: clockFromGorm(r.EndTime),
		Status: AppointmentStatus(r.Status), IsAnonymous: r.IsAnonymous, Notes: r.Notes,
		CancellationReason: r.CancellationReason,
		CreatedAt:          r.CreatedAt, ModifiedAt: r.ModifiedAt,
	}
}

func (r *appointmentRepoGorm) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return mapGormError(gormConn(ctx, r.db).Omit("Doctor").Create(appointmentToRow(a)).Error, "")
}

func (r *appointmentRepoGorm) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var row appointmentRow
	if err := gormConn(ctx, r.db).First(&row, "id = ?", id).Error; err != nil {
		return nil, mapGormError(err, fmt.Sprintf("appointment %s not found", id))
	}
	return row.toModel(), nil
}

func (r *appointmentRepoGorm) Update(ctx context.Context, a *Appointment) error {
	res := gormConn(ctx, r.db).Model(&appointmentRow{}).Where("id = ?", a.ID).Updates(map[string]any{
		"facility_id":         a.FacilityID,
		"appointment_date":    a.Date.String(),
		"start_time":          clockToGorm(a.StartTime),
		"end_time":            clockToGorm(a.EndTime),
		"status":              string(a.Status),
		"notes":               a.Notes,
		"cancellation_reason": a.CancellationReason,
		"modified_at":         a.ModifiedAt,
	})
	if res.Error != nil {
		return mapGormError(res.Error, "")
	}
	if res.RowsAffected == 0 {
		return newError(KindNotFound, "appointment %s not found", a.ID)
	}
	return nil
}

func (r *appointmentRepoGorm) ListBlocking(ctx context.Context, doctorID uuid.UUID, from, to calendar.Date) ([]*Appointment, error) {
	var rows []appointmentRow
	err := gormConn(ctx, r.db).
		Where("doctor_id = ? AND appointment_date BETWEEN ? AND ?", doctorID, from.String(), to.String()).
		Where("status NOT IN ?", nonBlockingStatuses).
		Order("appointment_date, start_time").
		Find(&rows).Error
	if err != nil {
		return nil, mapGormError(err, "")
	}
	items := make([]*Appointment, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toModel())
	}
	return items, nil
}

func (r *appointmentRepoGorm) Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	q := gormConn(ctx, r.db).Model(&appointmentRow{})
	if f.PatientID != nil {
		q = q.Where("patient_id = ?", *f.PatientID)
	}
	if f.DoctorID != nil {
		q = q.Where("doctor_id = ?", *f.DoctorID)
	}
	if f.FacilityID != nil {
		q = q.Where("facility_id = ?", *f.FacilityID)
	}
	if f.DateFrom != nil {
		q = q.Where("appointment_date >= ?", f.DateFrom.String())
	}
	if f.DateTo != nil {
		q = q.Where("appointment_date <= ?", f.DateTo.String())
	}
	if f.Status != nil {
		q = q.Where("status = ?", string(*f.Status))
	}
	if f.IsAnonymous != nil {
		q = q.Where("is_anonymous = ?", *f.IsAnonymous)
	}

	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, mapGormError(err, "")
	}

	var rows []appointmentRow
	err := q.Order("appointment_date DESC, start_time DESC, id ASC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, 0, mapGormError(err, "")
	}
	items := make([]*Appointment, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toModel())
	}
	return items, int(total), nil
}
