package scheduling

import (
	"time"

	"github.com/google/uuid"

	"github.com/hivcare/clinic/pkg/calendar"
)

// Doctor maps to the doctors table. IsAvailable is the global booking switch;
// doctors are soft-disabled, never deleted while appointments reference them.
type Doctor struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Specialty   string    `db:"specialty" json:"specialty"`
	IsAvailable bool      `db:"is_available" json:"is_available"`
	IsVerified  bool      `db:"is_verified" json:"is_verified"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// RecurringScheduleEntry is a weekly working block. DayOfWeek follows
// time.Weekday: 0 = Sunday ... 6 = Saturday.
type RecurringScheduleEntry struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	DoctorID    uuid.UUID      `db:"doctor_id" json:"doctor_id"`
	DayOfWeek   int            `db:"day_of_week" json:"day_of_week"`
	StartTime   calendar.Clock `db:"start_time" json:"start_time"`
	EndTime     calendar.Clock `db:"end_time" json:"end_time"`
	IsAvailable bool           `db:"is_available" json:"is_available"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

func (e *RecurringScheduleEntry) Window() calendar.Window {
	return calendar.Window{Start: e.StartTime, End: e.EndTime}
}

// AvailabilityOverride replaces the recurring pattern for one date. Rows with
// IsAvailable = false contribute no availability; they exist to blank the day.
type AvailabilityOverride struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	DoctorID    uuid.UUID      `db:"doctor_id" json:"doctor_id"`
	Date        calendar.Date  `db:"override_date" json:"date"`
	StartTime   calendar.Clock `db:"start_time" json:"start_time"`
	EndTime     calendar.Clock `db:"end_time" json:"end_time"`
	IsAvailable bool           `db:"is_available" json:"is_available"`
	Reason      *string        `db:"reason" json:"reason,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

func (o *AvailabilityOverride) Window() calendar.Window {
	return calendar.Window{Start: o.StartTime, End: o.EndTime}
}

// AppointmentStatus is the booking lifecycle state.
type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusScheduled: {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled, StatusNoShow},
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// Blocking reports whether an appointment in status s occupies its time range.
func (s AppointmentStatus) Blocking() bool {
	return s != StatusCancelled && s != StatusNoShow
}

// CanTransition reports whether the state machine allows s -> next.
func (s AppointmentStatus) CanTransition(next AppointmentStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Appointment maps to the appointments table. EndTime is always set; it is
// derived from the start time and the requested duration at booking time.
type Appointment struct {
	ID                 uuid.UUID         `db:"id" json:"id"`
	DoctorID           uuid.UUID         `db:"doctor_id" json:"doctor_id"`
	PatientID          *uuid.UUID        `db:"patient_id" json:"patient_id,omitempty"`
	AnonymousContact   *string           `db:"anonymous_contact" json:"anonymous_contact,omitempty"`
	FacilityID         *uuid.UUID        `db:"facility_id" json:"facility_id,omitempty"`
	Date               calendar.Date     `db:"appointment_date" json:"date"`
	StartTime          calendar.Clock    `db:"start_time" json:"start_time"`
	EndTime            calendar.Clock    `db:"end_time" json:"end_time"`
	Status             AppointmentStatus `db:"status" json:"status"`
	IsAnonymous        bool              `db:"is_anonymous" json:"is_anonymous"`
	Notes              *string           `db:"notes" json:"notes,omitempty"`
	CancellationReason *string           `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time         `db:"created_at" json:"created_at"`
	ModifiedAt         time.Time         `db:"modified_at" json:"modified_at"`
}

func (a *Appointment) Window() calendar.Window {
	return calendar.Window{Start: a.StartTime, End: a.EndTime}
}

// DayAvailability is the set of open windows computed for one date.
type DayAvailability struct {
	Date    calendar.Date     `json:"date"`
	Windows []calendar.Window `json:"windows"`
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
