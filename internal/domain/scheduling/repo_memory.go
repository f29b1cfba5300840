package scheduling

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hivcare/clinic/pkg/calendar"
)

// MemoryStore keeps all scheduling records in process memory. Records are
// copied on the way in and out, so callers never share state with the store.
// Writes issued inside WithinDoctorTx are buffered and applied together when
// the callback returns nil.
type MemoryStore struct {
	mu           sync.RWMutex
	doctors      map[uuid.UUID]Doctor
	entries      map[uuid.UUID]RecurringScheduleEntry
	overrides    map[uuid.UUID]AvailabilityOverride
	appointments map[uuid.UUID]Appointment
	locks        *doctorLocks
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		doctors:      make(map[uuid.UUID]Doctor),
		entries:      make(map[uuid.UUID]RecurringScheduleEntry),
		overrides:    make(map[uuid.UUID]AvailabilityOverride),
		appointments: make(map[uuid.UUID]Appointment),
		locks:        newDoctorLocks(),
	}
}

// Store exposes m through the repository interfaces.
func (m *MemoryStore) Store() Store {
	return Store{
		Doctors:      &memDoctorRepo{m},
		Schedules:    &memScheduleRepo{m},
		Appointments: &memAppointmentRepo{m},
		Tx:           &memTxManager{m},
	}
}

// memOp is one buffered write: check runs first for every op of a
// transaction, apply only once all checks passed.
type memOp struct {
	check func() error
	apply func()
}

type memTx struct {
	ops []memOp
}

type memTxKey struct{}

// write runs op immediately, or buffers it when ctx carries a transaction.
func (m *MemoryStore) write(ctx context.Context, op memOp) error {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.ops = append(tx.ops, op)
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if op.check != nil {
		if err := op.check(); err != nil {
			return err
		}
	}
	op.apply()
	return nil
}

type memTxManager struct{ m *MemoryStore }

func (t *memTxManager) WithinDoctorTx(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}
	unlock, err := t.m.locks.Lock(ctx, doctorID)
	if err != nil {
		return err
	}
	defer unlock()

	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for _, op := range tx.ops {
		if op.check == nil {
			continue
		}
		if err := op.check(); err != nil {
			return err
		}
	}
	for _, op := range tx.ops {
		op.apply()
	}
	return nil
}

// -- Doctors --

type memDoctorRepo struct{ m *MemoryStore }

func (r *memDoctorRepo) Create(ctx context.Context, d *Doctor) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	row := *d
	return r.m.write(ctx, memOp{
		check: func() error {
			if _, ok := r.m.doctors[row.ID]; ok {
				return validationError("doctor %s already exists", row.ID)
			}
			return nil
		},
		apply: func() { r.m.doctors[row.ID] = row },
	})
}

func (r *memDoctorRepo) GetByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	d, ok := r.m.doctors[id]
	if !ok {
		return nil, newError(KindNotFound, "doctor %s not found", id)
	}
	return &d, nil
}

func (r *memDoctorRepo) Update(ctx context.Context, d *Doctor) error {
	row := *d
	return r.m.write(ctx, memOp{
		check: func() error {
			if _, ok := r.m.doctors[row.ID]; !ok {
				return newError(KindNotFound, "doctor %s not found", row.ID)
			}
			return nil
		},
		apply: func() { r.m.doctors[row.ID] = row },
	})
}

func (r *memDoctorRepo) List(_ context.Context, limit, offset int) ([]*Doctor, int, error) {
	r.m.mu.RLock()
	all := make([]*Doctor, 0, len(r.m.doctors))
	for _, d := range r.m.doctors {
		d := d
		all = append(all, &d)
	}
	r.m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if c := strings.Compare(all[i].Name, all[j].Name); c != 0 {
			return c < 0
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	return page(all, limit, offset), len(all), nil
}

// -- Schedules --

type memScheduleRepo struct{ m *MemoryStore }

func (r *memScheduleRepo) CreateEntry(ctx context.Context, e *RecurringScheduleEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	row := *e
	return r.m.write(ctx, memOp{apply: func() { r.m.entries[row.ID] = row }})
}

func (r *memScheduleRepo) ListEntries(_ context.Context, doctorID uuid.UUID) ([]*RecurringScheduleEntry, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*RecurringScheduleEntry
	for _, e := range r.m.entries {
		if e.DoctorID == doctorID {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

func (r *memScheduleRepo) DeleteEntry(ctx context.Context, doctorID, id uuid.UUID) error {
	return r.m.write(ctx, memOp{
		check: func() error {
			if e, ok := r.m.entries[id]; !ok || e.DoctorID != doctorID {
				return newError(KindNotFound, "schedule entry %s not found", id)
			}
			return nil
		},
		apply: func() { delete(r.m.entries, id) },
	})
}

func (r *memScheduleRepo) CreateOverride(ctx context.Context, o *AvailabilityOverride) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	row := *o
	return r.m.write(ctx, memOp{apply: func() { r.m.overrides[row.ID] = row }})
}

func (r *memScheduleRepo) ListOverrides(_ context.Context, doctorID uuid.UUID, from, to calendar.Date) ([]*AvailabilityOverride, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*AvailabilityOverride
	for _, o := range r.m.overrides {
		if o.DoctorID != doctorID || o.Date.Before(from) || o.Date.After(to) {
			continue
		}
		o := o
		out = append(out, &o)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Date.Compare(out[j].Date); c != 0 {
			return c < 0
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

func (r *memScheduleRepo) DeleteOverride(ctx context.Context, doctorID, id uuid.UUID) error {
	return r.m.write(ctx, memOp{
		check: func() error {
			if o, ok := r.m.overrides[id]; !ok || o.DoctorID != doctorID {
				return newError(KindNotFound, "availability override %s not found", id)
			}
			return nil
		},
		apply: func() { delete(r.m.overrides, id) },
	})
}

// -- Appointments --

type memAppointmentRepo struct{ m *MemoryStore }

func (r *memAppointmentRepo) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	row := *a
	return r.m.write(ctx, memOp{
		check: func() error {
			if _, ok := r.m.appointments[row.ID]; ok {
				return validationError("appointment %s already exists", row.ID)
			}
			return nil
		},
		apply: func() { r.m.appointments[row.ID] = row },
	})
}

func (r *memAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	a, ok := r.m.appointments[id]
	if !ok {
		return nil, newError(KindNotFound, "appointment %s not found", id)
	}
	return &a, nil
}

func (r *memAppointmentRepo) Update(ctx context.Context, a *Appointment) error {
	row := *a
	return r.m.write(ctx, memOp{
		check: func() error {
			if _, ok := r.m.appointments[row.ID]; !ok {
				return newError(KindNotFound, "appointment %s not found", row.ID)
			}
			return nil
		},
		apply: func() { r.m.appointments[row.ID] = row },
	})
}

func (r *memAppointmentRepo) ListBlocking(_ context.Context, doctorID uuid.UUID, from, to calendar.Date) ([]*Appointment, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*Appointment
	for _, a := range r.m.appointments {
		if a.DoctorID != doctorID || !a.Status.Blocking() || a.Date.Before(from) || a.Date.After(to) {
			continue
		}
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Date.Compare(out[j].Date); c != 0 {
			return c < 0
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

func (r *memAppointmentRepo) Search(_ context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	r.m.mu.RLock()
	var matched []*Appointment
	for _, a := range r.m.appointments {
		if f.Matches(&a) {
			a := a
			matched = append(matched, &a)
		}
	}
	r.m.mu.RUnlock()

	SortForSearch(matched)
	return page(matched, limit, offset), len(matched), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && limit < end-offset {
		end = offset + limit
	}
	return items[offset:end]
}
