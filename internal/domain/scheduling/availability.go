package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hivcare/clinic/pkg/calendar"
)

// EffectiveAvailability returns the raw working windows of a doctor on date.
// When at least one override exists for the date, the overrides are
// authoritative: recurring entries are ignored and only overrides marked
// available contribute. Otherwise the available recurring entries for the
// date's weekday apply. The result is sorted and merged.
func EffectiveAvailability(entries []*RecurringScheduleEntry, overrides []*AvailabilityOverride, date calendar.Date) []calendar.Window {
	var raw []calendar.Window
	overridden := false
	for _, o := range overrides {
		if o.Date != date {
			continue
		}
		overridden = true
		if o.IsAvailable {
			raw = append(raw, o.Window())
		}
	}
	if !overridden {
		weekday := int(date.Weekday())
		for _, e := range entries {
			if e.DayOfWeek == weekday && e.IsAvailable {
				raw = append(raw, e.Window())
			}
		}
	}
	return calendar.Merge(raw)
}

// Calculator derives open time windows from schedules and existing bookings.
type Calculator struct {
	doctors      DoctorDirectory
	schedules    ScheduleRepository
	appointments AppointmentRepository
	loc          *time.Location
	maxDays      int
	now          func() time.Time
}

func NewCalculator(doctors DoctorDirectory, schedules ScheduleRepository, appointments AppointmentRepository, loc *time.Location, maxDays int) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{
		doctors:      doctors,
		schedules:    schedules,
		appointments: appointments,
		loc:          loc,
		maxDays:      maxDays,
		now:          time.Now,
	}
}

// today returns the facility-local date and the first whole minute that is
// not in the past.
func (c *Calculator) today() (calendar.Date, calendar.Clock) {
	now := c.now().In(c.loc)
	clock := calendar.ClockOf(now)
	if now.Second() > 0 || now.Nanosecond() > 0 {
		clock++
	}
	return calendar.DateOf(now), clock
}

// AvailableSlots returns one DayAvailability per date in [from, to]. With a
// positive slot duration, windows shorter than the duration are dropped and the
// rest are cut into slots aligned to the window start; a zero duration returns
// the open windows as they are.
func (c *Calculator) AvailableSlots(ctx context.Context, doctorID uuid.UUID, from, to calendar.Date, slot time.Duration) ([]DayAvailability, error) {
	if from.IsZero() || to.IsZero() {
		return nil, validationError("from_date and to_date are required")
	}
	if from.After(to) {
		return nil, validationError("from_date %s is after to_date %s", from, to)
	}
	if c.maxDays > 0 && from.DaysUntil(to)+1 > c.maxDays {
		return nil, validationError("date range exceeds %d days", c.maxDays)
	}
	if slot < 0 {
		return nil, validationError("slot duration must not be negative")
	}

	doctor, err := c.doctors.GetByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	days := make([]DayAvailability, 0, from.DaysUntil(to)+1)
	if !doctor.IsAvailable {
		for d := from; !d.After(to); d = d.AddDays(1) {
			days = append(days, DayAvailability{Date: d, Windows: []calendar.Window{}})
		}
		return days, nil
	}

	entries, err := c.schedules.ListEntries(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	overrides, err := c.schedules.ListOverrides(ctx, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	booked, err := c.appointments.ListBlocking(ctx, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	busy := make(map[calendar.Date][]calendar.Window)
	for _, a := range booked {
		busy[a.Date] = append(busy[a.Date], a.Window())
	}

	today, nowClock := c.today()
	for d := from; !d.After(to); d = d.AddDays(1) {
		day := DayAvailability{Date: d, Windows: []calendar.Window{}}
		if d.Before(today) {
			days = append(days, day)
			continue
		}

		free := calendar.Subtract(EffectiveAvailability(entries, overrides, d), busy[d])
		if slot > 0 {
			for _, w := range calendar.DropShorter(free, slot) {
				for _, s := range calendar.Split(w, slot) {
					if d == today && s.Start < nowClock {
						continue
					}
					day.Windows = append(day.Windows, s)
				}
			}
		} else {
			if d == today {
				free = calendar.TrimBefore(free, nowClock)
			}
			day.Windows = append(day.Windows, free...)
		}
		days = append(days, day)
	}
	return days, nil
}

// WorkingWindows returns the effective availability of a doctor on one date.
func (c *Calculator) WorkingWindows(ctx context.Context, doctorID uuid.UUID, date calendar.Date) ([]calendar.Window, error) {
	entries, err := c.schedules.ListEntries(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	overrides, err := c.schedules.ListOverrides(ctx, doctorID, date, date)
	if err != nil {
		return nil, err
	}
	return EffectiveAvailability(entries, overrides, date), nil
}

// WithinWorkingHours reports whether w lies entirely inside one effective
// availability window of the doctor on date.
func (c *Calculator) WithinWorkingHours(ctx context.Context, doctorID uuid.UUID, date calendar.Date, w calendar.Window) (bool, error) {
	windows, err := c.WorkingWindows(ctx, doctorID, date)
	if err != nil {
		return false, err
	}
	for _, ww := range windows {
		if ww.Contains(w) {
			return true, nil
		}
	}
	return false, nil
}
