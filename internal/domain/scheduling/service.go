package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hivcare/clinic/internal/platform/metrics"
	"github.com/hivcare/clinic/internal/platform/notification"
	"github.com/hivcare/clinic/pkg/calendar"
	"github.com/hivcare/clinic/pkg/pagination"
)

// Config carries the scheduling settings fixed at construction.
type Config struct {
	DefaultSlotDuration time.Duration
	DefaultPageSize     int
	MaxPageSize         int
	MaxAvailabilityDays int
	Location            *time.Location
	NotifyTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultSlotDuration: 30 * time.Minute,
		DefaultPageSize:     pagination.DefaultPageSize,
		MaxPageSize:         pagination.MaxPageSize,
		MaxAvailabilityDays: 31,
		Location:            time.UTC,
		NotifyTimeout:       5 * time.Second,
	}
}

// CreateAppointmentRequest is the input of CreateAppointment. A zero
// DurationMinutes selects the configured default slot duration.
type CreateAppointmentRequest struct {
	DoctorID         uuid.UUID       `json:"doctor_id"`
	PatientID        *uuid.UUID      `json:"patient_id,omitempty"`
	AnonymousContact *string         `json:"anonymous_contact,omitempty"`
	FacilityID       *uuid.UUID      `json:"facility_id,omitempty"`
	Date             calendar.Date   `json:"date"`
	StartTime        *calendar.Clock `json:"start_time"`
	DurationMinutes  int             `json:"duration_minutes,omitempty"`
	IsAnonymous      bool            `json:"is_anonymous"`
	Notes            *string         `json:"notes,omitempty"`
}

// UpdateAppointmentRequest is a partial update. Nil fields keep their
// current value; the doctor of an appointment never changes.
type UpdateAppointmentRequest struct {
	Date            *calendar.Date  `json:"date,omitempty"`
	StartTime       *calendar.Clock `json:"start_time,omitempty"`
	DurationMinutes *int            `json:"duration_minutes,omitempty"`
	FacilityID      *uuid.UUID      `json:"facility_id,omitempty"`
	Notes           *string         `json:"notes,omitempty"`
}

// ValidateTimeRequest asks whether an interval is free of conflicts.
type ValidateTimeRequest struct {
	DoctorID        uuid.UUID       `json:"doctor_id"`
	Date            calendar.Date   `json:"date"`
	Time            *calendar.Clock `json:"time"`
	DurationMinutes int             `json:"duration_minutes,omitempty"`
}

// Service is the booking coordinator. Every write that depends on a doctor's
// calendar runs under that doctor's in-process lock and inside a doctor
// transaction, so the availability check and the write are one unit.
type Service struct {
	doctors      DoctorRepository
	schedules    ScheduleRepository
	appointments AppointmentRepository
	tx           TxManager

	calc      *Calculator
	conflicts *ConflictDetector
	locks     *doctorLocks
	notifier  *notification.Dispatcher

	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(store Store, cfg Config, sink notification.Sink, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.DefaultSlotDuration <= 0 {
		cfg.DefaultSlotDuration = def.DefaultSlotDuration
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = def.DefaultPageSize
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = def.MaxPageSize
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	logger = logger.With().Str("component", "scheduling").Logger()

	s := &Service{
		doctors:      store.Doctors,
		schedules:    store.Schedules,
		appointments: store.Appointments,
		tx:           store.Tx,
		conflicts:    NewConflictDetector(store.Appointments),
		locks:        newDoctorLocks(),
		notifier:     notification.NewDispatcher(sink, logger, cfg.NotifyTimeout),
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
	s.calc = NewCalculator(store.Doctors, store.Schedules, store.Appointments, cfg.Location, cfg.MaxAvailabilityDays)
	s.calc.now = func() time.Time { return s.now() }
	return s
}

// Wait blocks until pending notifications have been delivered.
func (s *Service) Wait() {
	s.notifier.Wait()
}

// -- Appointments --

func (s *Service) CreateAppointment(ctx context.Context, req CreateAppointmentRequest) (*Appointment, error) {
	a, err := s.newAppointment(req)
	if err != nil {
		metrics.BookingOperations.WithLabelValues("create", outcome(err)).Inc()
		return nil, err
	}

	err = s.withDoctor(ctx, "create", a.DoctorID, &a.ID, func(ctx context.Context) error {
		if err := s.checkBookable(ctx, a.DoctorID, a.Date, a.Window(), nil); err != nil {
			return err
		}
		return s.appointments.Create(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, notification.EventAppointmentCreated, a)
	return a, nil
}

func (s *Service) newAppointment(req CreateAppointmentRequest) (*Appointment, error) {
	if req.DoctorID == uuid.Nil {
		return nil, validationError("doctor_id is required")
	}
	if req.IsAnonymous {
		if strings.TrimSpace(strVal(req.AnonymousContact)) == "" {
			return nil, validationError("anonymous_contact is required for anonymous appointments")
		}
		if req.PatientID != nil {
			return nil, validationError("patient_id must be empty for anonymous appointments")
		}
	} else if req.PatientID == nil || *req.PatientID == uuid.Nil {
		return nil, validationError("patient_id is required")
	}
	w, err := s.interval(req.Date, req.StartTime, req.DurationMinutes)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	a := &Appointment{
		ID:          uuid.New(),
		DoctorID:    req.DoctorID,
		PatientID:   req.PatientID,
		FacilityID:  req.FacilityID,
		Date:        req.Date,
		StartTime:   w.Start,
		EndTime:     w.End,
		Status:      StatusScheduled,
		IsAnonymous: req.IsAnonymous,
		Notes:       req.Notes,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	if req.IsAnonymous {
		a.AnonymousContact = strPtr(strings.TrimSpace(*req.AnonymousContact))
	}
	return a, nil
}

// interval validates a proposed booking slot and derives its end time. The
// slot must not start in the past and must end by midnight.
func (s *Service) interval(date calendar.Date, start *calendar.Clock, minutes int) (calendar.Window, error) {
	if date.IsZero() {
		return calendar.Window{}, validationError("date is required")
	}
	if start == nil {
		return calendar.Window{}, validationError("start_time is required")
	}
	w, err := s.window(*start, minutes)
	if err != nil {
		return calendar.Window{}, err
	}
	if date.At(w.Start, s.cfg.Location).Before(s.now()) {
		return calendar.Window{}, validationError("appointment time %s %s is in the past", date, w.Start)
	}
	return w, nil
}

func (s *Service) window(start calendar.Clock, minutes int) (calendar.Window, error) {
	if minutes < 0 {
		return calendar.Window{}, validationError("duration_minutes must not be negative")
	}
	d := time.Duration(minutes) * time.Minute
	if d == 0 {
		d = s.cfg.DefaultSlotDuration
	}
	if !start.Valid() || start == calendar.EndOfDay {
		return calendar.Window{}, validationError("invalid start time %s", start)
	}
	w := calendar.Window{Start: start, End: start.Add(d)}
	if w.End > calendar.EndOfDay {
		return calendar.Window{}, validationError("appointment must end by midnight")
	}
	return w, nil
}

// checkBookable runs the booking preconditions in order: the doctor exists
// and accepts bookings, the slot lies inside working hours, and no blocking
// appointment overlaps it.
func (s *Service) checkBookable(ctx context.Context, doctorID uuid.UUID, date calendar.Date, w calendar.Window, exclude *uuid.UUID) error {
	doctor, err := s.doctors.GetByID(ctx, doctorID)
	if err != nil {
		return err
	}
	if !doctor.IsAvailable {
		return newError(KindDoctorUnavailable, "doctor %s is not accepting appointments", doctorID)
	}
	ok, err := s.calc.WithinWorkingHours(ctx, doctorID, date, w)
	if err != nil {
		return err
	}
	if !ok {
		return newError(KindOutsideWorkingHours, "%s %s is outside the doctor's working hours", date, w)
	}
	c, err := s.conflicts.conflicting(ctx, doctorID, date, w, exclude)
	if err != nil {
		return err
	}
	if c != nil {
		return newError(KindSlotConflict, "%s %s overlaps an existing appointment at %s", date, w, c.Window())
	}
	return nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, s.repoErr("get", uuid.Nil, &id, err)
	}
	return a, nil
}

func (s *Service) UpdateAppointment(ctx context.Context, id uuid.UUID, req UpdateAppointmentRequest) (*Appointment, error) {
	current, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, s.repoErr("update", uuid.Nil, &id, err)
	}

	var updated *Appointment
	err = s.withDoctor(ctx, "update", current.DoctorID, &id, func(ctx context.Context) error {
		a, err := s.appointments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return newError(KindInvalidStateTransition, "appointment in status %s cannot be changed", a.Status)
		}

		if req.Date != nil || req.StartTime != nil || req.DurationMinutes != nil {
			date := a.Date
			if req.Date != nil {
				date = *req.Date
			}
			start := a.StartTime
			if req.StartTime != nil {
				start = *req.StartTime
			}
			minutes := int(a.Window().Duration() / time.Minute)
			if req.DurationMinutes != nil {
				minutes = *req.DurationMinutes
				if minutes == 0 {
					return validationError("duration_minutes must be positive")
				}
			}
			w, err := s.interval(date, &start, minutes)
			if err != nil {
				return err
			}
			if err := s.checkBookable(ctx, a.DoctorID, date, w, &a.ID); err != nil {
				return err
			}
			a.Date, a.StartTime, a.EndTime = date, w.Start, w.End
		}
		if req.FacilityID != nil {
			a.FacilityID = req.FacilityID
		}
		if req.Notes != nil {
			a.Notes = req.Notes
		}
		a.ModifiedAt = s.now().UTC()
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CancelAppointment marks an appointment cancelled and frees its slot.
// Cancelling twice fails with AlreadyCancelled. Completed and no-show
// appointments are closed records and fail with InvalidStateTransition.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	a, err := s.transition(ctx, "cancel", id, StatusCancelled, strPtr(strings.TrimSpace(reason)))
	if err != nil {
		return false, err
	}
	s.notify(ctx, notification.EventAppointmentCancelled, a)
	return true, nil
}

func (s *Service) ConfirmAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, "confirm", id, StatusConfirmed, nil)
}

func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, "complete", id, StatusCompleted, nil)
}

// MarkNoShow records that the patient did not attend. Only confirmed
// appointments whose start time has passed can be marked.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, "no_show", id, StatusNoShow, nil)
}

func (s *Service) transition(ctx context.Context, op string, id uuid.UUID, next AppointmentStatus, reason *string) (*Appointment, error) {
	current, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, s.repoErr(op, uuid.Nil, &id, err)
	}

	var out *Appointment
	err = s.withDoctor(ctx, op, current.DoctorID, &id, func(ctx context.Context) error {
		a, err := s.appointments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if next == StatusCancelled && a.Status == StatusCancelled {
			return newError(KindAlreadyCancelled, "appointment %s is already cancelled", id)
		}
		if !a.Status.CanTransition(next) {
			return newError(KindInvalidStateTransition, "cannot move appointment from %s to %s", a.Status, next)
		}
		if next == StatusNoShow && s.now().Before(a.Date.At(a.StartTime, s.cfg.Location)) {
			return newError(KindInvalidStateTransition, "appointment has not started yet")
		}
		a.Status = next
		if next == StatusCancelled {
			a.CancellationReason = reason
		}
		a.ModifiedAt = s.now().UTC()
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SearchAppointments returns one page of appointments matching f, most recent
// first.
func (s *Service) SearchAppointments(ctx context.Context, f AppointmentFilter, pageNumber, pageSize int) (*pagination.Response, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	p := pagination.Params{Page: pageNumber, PageSize: pageSize}.Normalize(s.cfg.DefaultPageSize, s.cfg.MaxPageSize)
	items, total, err := s.appointments.Search(ctx, f, p.Limit(), p.Offset())
	if err != nil {
		return nil, s.repoErr("search", uuid.Nil, nil, err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return pagination.NewResponse(items, total, p), nil
}

func (s *Service) ListPatientAppointments(ctx context.Context, patientID uuid.UUID, pageNumber, pageSize int) (*pagination.Response, error) {
	return s.SearchAppointments(ctx, AppointmentFilter{PatientID: &patientID}, pageNumber, pageSize)
}

func (s *Service) ListDoctorAppointments(ctx context.Context, doctorID uuid.UUID, pageNumber, pageSize int) (*pagination.Response, error) {
	return s.SearchAppointments(ctx, AppointmentFilter{DoctorID: &doctorID}, pageNumber, pageSize)
}

// -- Availability --

func (s *Service) GetAvailability(ctx context.Context, doctorID uuid.UUID, from, to calendar.Date, slot time.Duration) ([]DayAvailability, error) {
	days, err := s.calc.AvailableSlots(ctx, doctorID, from, to, slot)
	if err != nil {
		return nil, s.repoErr("availability", doctorID, nil, err)
	}
	return days, nil
}

// ValidateAppointmentTime reports whether the interval is free of
// conflicting appointments. Working hours are not considered.
func (s *Service) ValidateAppointmentTime(ctx context.Context, req ValidateTimeRequest) (bool, error) {
	if req.DoctorID == uuid.Nil {
		return false, validationError("doctor_id is required")
	}
	if req.Date.IsZero() {
		return false, validationError("date is required")
	}
	if req.Time == nil {
		return false, validationError("time is required")
	}
	w, err := s.window(*req.Time, req.DurationMinutes)
	if err != nil {
		return false, err
	}
	if _, err := s.doctors.GetByID(ctx, req.DoctorID); err != nil {
		return false, s.repoErr("validate", req.DoctorID, nil, err)
	}
	conflict, err := s.conflicts.HasConflict(ctx, req.DoctorID, req.Date, w.Start, w.End, nil)
	if err != nil {
		return false, s.repoErr("validate", req.DoctorID, nil, err)
	}
	return !conflict, nil
}

// -- Doctors and schedules --

func (s *Service) CreateDoctor(ctx context.Context, d *Doctor) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return validationError("name is required")
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := s.now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	if err := s.doctors.Create(ctx, d); err != nil {
		return s.repoErr("create_doctor", d.ID, nil, err)
	}
	return nil
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, err := s.doctors.GetByID(ctx, id)
	if err != nil {
		return nil, s.repoErr("get_doctor", id, nil, err)
	}
	return d, nil
}

func (s *Service) ListDoctors(ctx context.Context, pageNumber, pageSize int) (*pagination.Response, error) {
	p := pagination.Params{Page: pageNumber, PageSize: pageSize}.Normalize(s.cfg.DefaultPageSize, s.cfg.MaxPageSize)
	items, total, err := s.doctors.List(ctx, p.Limit(), p.Offset())
	if err != nil {
		return nil, s.repoErr("list_doctors", uuid.Nil, nil, err)
	}
	if items == nil {
		items = []*Doctor{}
	}
	return pagination.NewResponse(items, total, p), nil
}

// SetDoctorAvailability toggles whether the doctor accepts new bookings.
// Existing appointments are left untouched.
func (s *Service) SetDoctorAvailability(ctx context.Context, id uuid.UUID, available bool) (*Doctor, error) {
	var out *Doctor
	err := s.withDoctor(ctx, "doctor_availability", id, nil, func(ctx context.Context) error {
		d, err := s.doctors.GetByID(ctx, id)
		if err != nil {
			return err
		}
		d.IsAvailable = available
		d.UpdatedAt = s.now().UTC()
		if err := s.doctors.Update(ctx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddScheduleEntry adds a weekly working block. Blocks of one doctor on the
// same weekday must not overlap.
func (s *Service) AddScheduleEntry(ctx context.Context, e *RecurringScheduleEntry) error {
	if e.DayOfWeek < 0 || e.DayOfWeek > 6 {
		return validationError("day_of_week must be between 0 and 6")
	}
	if !e.Window().Valid() {
		return validationError("invalid schedule window %s", e.Window())
	}
	return s.withDoctor(ctx, "add_schedule_entry", e.DoctorID, nil, func(ctx context.Context) error {
		if _, err := s.doctors.GetByID(ctx, e.DoctorID); err != nil {
			return err
		}
		existing, err := s.schedules.ListEntries(ctx, e.DoctorID)
		if err != nil {
			return err
		}
		for _, other := range existing {
			if other.DayOfWeek == e.DayOfWeek && other.Window().Overlaps(e.Window()) {
				return validationError("schedule entry %s overlaps existing entry %s on %s",
					e.Window(), other.Window(), time.Weekday(e.DayOfWeek))
			}
		}
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.CreatedAt = s.now().UTC()
		return s.schedules.CreateEntry(ctx, e)
	})
}

func (s *Service) ListScheduleEntries(ctx context.Context, doctorID uuid.UUID) ([]*RecurringScheduleEntry, error) {
	if _, err := s.doctors.GetByID(ctx, doctorID); err != nil {
		return nil, s.repoErr("list_schedule_entries", doctorID, nil, err)
	}
	entries, err := s.schedules.ListEntries(ctx, doctorID)
	if err != nil {
		return nil, s.repoErr("list_schedule_entries", doctorID, nil, err)
	}
	if entries == nil {
		entries = []*RecurringScheduleEntry{}
	}
	return entries, nil
}

func (s *Service) DeleteScheduleEntry(ctx context.Context, doctorID, entryID uuid.UUID) error {
	return s.withDoctor(ctx, "delete_schedule_entry", doctorID, nil, func(ctx context.Context) error {
		return s.schedules.DeleteEntry(ctx, doctorID, entryID)
	})
}

// AddOverride records a date-specific exception. An unavailable override
// without times blanks the whole day.
func (s *Service) AddOverride(ctx context.Context, o *AvailabilityOverride) error {
	if o.Date.IsZero() {
		return validationError("date is required")
	}
	if !o.IsAvailable && o.StartTime == 0 && o.EndTime == 0 {
		o.EndTime = calendar.EndOfDay
	}
	if !o.Window().Valid() {
		return validationError("invalid override window %s", o.Window())
	}
	return s.withDoctor(ctx, "add_override", o.DoctorID, nil, func(ctx context.Context) error {
		if _, err := s.doctors.GetByID(ctx, o.DoctorID); err != nil {
			return err
		}
		if o.ID == uuid.Nil {
			o.ID = uuid.New()
		}
		o.CreatedAt = s.now().UTC()
		return s.schedules.CreateOverride(ctx, o)
	})
}

func (s *Service) ListOverrides(ctx context.Context, doctorID uuid.UUID, from, to calendar.Date) ([]*AvailabilityOverride, error) {
	if from.IsZero() || to.IsZero() {
		return nil, validationError("from_date and to_date are required")
	}
	if from.After(to) {
		return nil, validationError("from_date %s is after to_date %s", from, to)
	}
	if _, err := s.doctors.GetByID(ctx, doctorID); err != nil {
		return nil, s.repoErr("list_overrides", doctorID, nil, err)
	}
	overrides, err := s.schedules.ListOverrides(ctx, doctorID, from, to)
	if err != nil {
		return nil, s.repoErr("list_overrides", doctorID, nil, err)
	}
	if overrides == nil {
		overrides = []*AvailabilityOverride{}
	}
	return overrides, nil
}

func (s *Service) DeleteOverride(ctx context.Context, doctorID, overrideID uuid.UUID) error {
	return s.withDoctor(ctx, "delete_override", doctorID, nil, func(ctx context.Context) error {
		return s.schedules.DeleteOverride(ctx, doctorID, overrideID)
	})
}

// -- Plumbing --

// withDoctor runs fn under the doctor's lock inside a doctor transaction. A
// transient storage failure is retried once; business errors never are.
func (s *Service) withDoctor(ctx context.Context, op string, doctorID uuid.UUID, appointmentID *uuid.UUID, fn func(ctx context.Context) error) error {
	waitStart := time.Now()
	unlock, err := s.locks.Lock(ctx, doctorID)
	metrics.DoctorLockWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		metrics.BookingOperations.WithLabelValues(op, "aborted").Inc()
		return s.repoErr(op, doctorID, appointmentID, err)
	}
	defer unlock()

	err = s.tx.WithinDoctorTx(ctx, doctorID, fn)
	if err != nil && IsTransient(err) && ctx.Err() == nil {
		metrics.BookingRetries.WithLabelValues(op).Inc()
		s.logger.Warn().Err(err).Str("operation", op).Str("doctor_id", doctorID.String()).Msg("retrying after transient storage error")
		err = s.tx.WithinDoctorTx(ctx, doctorID, fn)
	}
	metrics.BookingOperations.WithLabelValues(op, outcome(err)).Inc()
	if err != nil {
		return s.repoErr(op, doctorID, appointmentID, err)
	}
	return nil
}

// repoErr passes domain errors through and logs and wraps everything else as
// a repository error.
func (s *Service) repoErr(op string, doctorID uuid.UUID, appointmentID *uuid.UUID, err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindRepository {
		return err
	}
	ev := s.logger.Error().Err(err).Str("operation", op)
	if doctorID != uuid.Nil {
		ev = ev.Str("doctor_id", doctorID.String())
	}
	if appointmentID != nil {
		ev = ev.Str("appointment_id", appointmentID.String())
	}
	ev.Msg("scheduling storage failure")
	if e != nil {
		return err
	}
	return &Error{Kind: KindRepository, Message: op + " failed", Err: err}
}

func (s *Service) notify(ctx context.Context, typ notification.EventType, a *Appointment) {
	s.notifier.Dispatch(ctx, notification.Event{
		Type:          typ,
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		PatientID:     a.PatientID,
		IsAnonymous:   a.IsAnonymous,
		Date:          a.Date.String(),
		StartTime:     a.StartTime.String(),
		EndTime:       a.EndTime.String(),
		Reason:        strVal(a.CancellationReason),
		OccurredAt:    s.now().UTC(),
	})
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(KindOf(err)))
}
