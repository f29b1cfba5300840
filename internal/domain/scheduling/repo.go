package scheduling

import (
	"context"

	"github.com/google/uuid"

	"github.com/hivcare/clinic/pkg/calendar"
)

// DoctorDirectory is the read-only doctor lookup the booking path depends on.
type DoctorDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
}

type DoctorRepository interface {
	DoctorDirectory
	Create(ctx context.Context, d *Doctor) error
	Update(ctx context.Context, d *Doctor) error
	List(ctx context.Context, limit, offset int) ([]*Doctor, int, error)
}

type ScheduleRepository interface {
	CreateEntry(ctx context.Context, e *RecurringScheduleEntry) error
	ListEntries(ctx context.Context, doctorID uuid.UUID) ([]*RecurringScheduleEntry, error)
	DeleteEntry(ctx context.Context, doctorID, id uuid.UUID) error
	CreateOverride(ctx context.Context, o *AvailabilityOverride) error
	// ListOverrides returns overrides dated within [from, to].
	ListOverrides(ctx context.Context, doctorID uuid.UUID, from, to calendar.Date) ([]*AvailabilityOverride, error)
	DeleteOverride(ctx context.Context, doctorID, id uuid.UUID) error
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	// ListBlocking returns the doctor's appointments dated within [from, to]
	// whose status still occupies time (not cancelled, not no-show).
	ListBlocking(ctx context.Context, doctorID uuid.UUID, from, to calendar.Date) ([]*Appointment, error)
	// Search returns one page of appointments matching f in search order, and
	// the total number of matches.
	Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
}

// TxManager runs fn as one all-or-nothing unit of work in which the doctor's
// appointment rows are serialized against concurrent writers. Repositories
// invoked with the ctx passed to fn take part in the transaction.
type TxManager interface {
	WithinDoctorTx(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error
}

// Store bundles the repositories of one persistence backend.
type Store struct {
	Doctors      DoctorRepository
	Schedules    ScheduleRepository
	Appointments AppointmentRepository
	Tx           TxManager
}
