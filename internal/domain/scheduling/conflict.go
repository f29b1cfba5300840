package scheduling

import (
	"context"

	"github.com/google/uuid"

	"github.com/hivcare/clinic/pkg/calendar"
)

// FindConflict returns the first appointment in existing that blocks w on
// date, ignoring the appointment whose id is exclude. Cancelled and no-show
// appointments never conflict.
func FindConflict(existing []*Appointment, date calendar.Date, w calendar.Window, exclude *uuid.UUID) *Appointment {
	for _, a := range existing {
		if exclude != nil && a.ID == *exclude {
			continue
		}
		if a.Date != date || !a.Status.Blocking() {
			continue
		}
		if a.Window().Overlaps(w) {
			return a
		}
	}
	return nil
}

// ConflictDetector checks proposed intervals against a doctor's bookings.
type ConflictDetector struct {
	appointments AppointmentRepository
}

func NewConflictDetector(appointments AppointmentRepository) *ConflictDetector {
	return &ConflictDetector{appointments: appointments}
}

// HasConflict reports whether [start, end) on date overlaps a blocking
// appointment of the doctor other than exclude.
func (d *ConflictDetector) HasConflict(ctx context.Context, doctorID uuid.UUID, date calendar.Date, start, end calendar.Clock, exclude *uuid.UUID) (bool, error) {
	c, err := d.conflicting(ctx, doctorID, date, calendar.Window{Start: start, End: end}, exclude)
	if err != nil {
		return false, err
	}
	return c != nil, nil
}

func (d *ConflictDetector) conflicting(ctx context.Context, doctorID uuid.UUID, date calendar.Date, w calendar.Window, exclude *uuid.UUID) (*Appointment, error) {
	existing, err := d.appointments.ListBlocking(ctx, doctorID, date, date)
	if err != nil {
		return nil, err
	}
	return FindConflict(existing, date, w, exclude), nil
}
