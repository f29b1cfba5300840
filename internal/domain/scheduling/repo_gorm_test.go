package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/hivcare/clinic/internal/platform/gormdb"
	"github.com/hivcare/clinic/pkg/calendar"
)

func newGormTestStore(t *testing.T) (Store, *gorm.DB) {
	t.Helper()
	db, err := gormdb.Open(gormdb.Config{Dialect: gormdb.DialectSQLite, DSN: ":memory:"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { gormdb.Close(db) })
	if err := MigrateGorm(db); err != nil {
		t.Fatalf("MigrateGorm: %v", err)
	}
	return NewStoreGorm(db), db
}

func TestGormStore_BookingLifecycle(t *testing.T) {
	store, _ := newGormTestStore(t)
	svc := newTestServiceWith(t, store, nil)
	d := seedDoctor(t, svc)
	ctx := context.Background()

	a := mustBook(t, svc, bookingRequest(d.ID, monday, "09:00", 30))
	mustBook(t, svc, bookingRequest(d.ID, monday, "09:30", 30))

	if _, err := svc.CreateAppointment(ctx, bookingRequest(d.ID, monday, "09:15", 30)); !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected SlotConflict, got %v", err)
	}

	got, err := svc.GetAppointment(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAppointment: %v", err)
	}
	if got.Date != monday || got.StartTime != clock("09:00") || got.EndTime != clock("09:30") {
		t.Errorf("round trip mismatch: %s %s", got.Date, got.Window())
	}
	if got.PatientID == nil || *got.PatientID != *a.PatientID {
		t.Errorf("expected patient id to round trip, got %v", got.PatientID)
	}

	if _, err := svc.CancelAppointment(ctx, a.ID, "moved to outreach"); err != nil {
		t.Fatalf("CancelAppointment: %v", err)
	}
	if _, err := svc.CancelAppointment(ctx, a.ID, ""); !errors.Is(err, ErrAlreadyCancelled) {
		t.Errorf("expected AlreadyCancelled, got %v", err)
	}
	mustBook(t, svc, bookingRequest(d.ID, monday, "09:00", 30))
}

func TestGormStore_Availability(t *testing.T) {
	store, _ := newGormTestStore(t)
	svc := newTestServiceWith(t, store, nil)
	d := seedDoctor(t, svc)
	ctx := context.Background()

	mustBook(t, svc, bookingRequest(d.ID, tuesday, "09:00", 30))
	closed := &AvailabilityOverride{DoctorID: d.ID, Date: monday, IsAvailable: false}
	if err := svc.AddOverride(ctx, closed); err != nil {
		t.Fatalf("AddOverride: %v", err)
	}

	days, err := svc.GetAvailability(ctx, d.ID, monday, tuesday, 0)
	if err != nil {
		t.Fatalf("GetAvailability: %v", err)
	}
	if len(days[0].Windows) != 0 {
		t.Errorf("expected closed Monday, got %v", days[0].Windows)
	}
	want := []string{"08:00-09:00", "09:30-12:00"}
	if len(days[1].Windows) != len(want) {
		t.Fatalf("expected Tuesday windows %v, got %v", want, days[1].Windows)
	}
	for i, w := range days[1].Windows {
		if w.String() != want[i] {
			t.Errorf("window %d: expected %s, got %s", i, want[i], w)
		}
	}

	overrides, err := svc.ListOverrides(ctx, d.ID, monday, sunday)
	if err != nil {
		t.Fatalf("ListOverrides: %v", err)
	}
	if len(overrides) != 1 || overrides[0].EndTime != calendar.EndOfDay {
		t.Errorf("expected one full-day override, got %+v", overrides)
	}
}

func TestGormStore_SearchPaging(t *testing.T) {
	store, _ := newGormTestStore(t)
	svc := newTestServiceWith(t, store, nil)
	d := seedDoctor(t, svc)
	ctx := context.Background()

	for _, date := range []calendar.Date{monday, tuesday} {
		for _, start := range []string{"08:00", "08:30", "09:00", "09:30", "10:00"} {
			mustBook(t, svc, bookingRequest(d.ID, date, start, 30))
		}
	}

	seen := make(map[uuid.UUID]bool)
	for page, want := range []int{4, 4, 2} {
		resp, err := svc.ListDoctorAppointments(ctx, d.ID, page+1, 4)
		if err != nil {
			t.Fatalf("ListDoctorAppointments: %v", err)
		}
		items := resp.Items.([]*Appointment)
		if resp.Total != 10 || len(items) != want {
			t.Fatalf("page %d: expected %d of 10, got %d of %d", page+1, want, len(items), resp.Total)
		}
		for _, a := range items {
			if seen[a.ID] {
				t.Errorf("appointment %s returned twice", a.ID)
			}
			seen[a.ID] = true
		}
		if page == 0 && (items[0].Date != tuesday || items[0].StartTime != clock("10:00")) {
			t.Errorf("expected latest appointment first, got %s %s", items[0].Date, items[0].StartTime)
		}
	}

	status := StatusScheduled
	from := tuesday
	resp, err := svc.SearchAppointments(ctx, AppointmentFilter{Status: &status, DateFrom: &from}, 1, 20)
	if err != nil {
		t.Fatalf("SearchAppointments: %v", err)
	}
	if resp.Total != 5 {
		t.Errorf("expected 5 Tuesday appointments, got %d", resp.Total)
	}
}

func TestGormStore_ConcurrentBookings(t *testing.T) {
	store, _ := newGormTestStore(t)
	svc := newTestServiceWith(t, store, nil)
	d := seedDoctor(t, svc)

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateAppointment(context.Background(), bookingRequest(d.ID, monday, "11:00", 30))
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, ErrSlotConflict):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("expected exactly one booking, got %d", succeeded)
	}
}

func TestGormStore_NotFound(t *testing.T) {
	store, _ := newGormTestStore(t)
	ctx := context.Background()

	if _, err := store.Doctors.GetByID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected NotFound for doctor, got %v", err)
	}
	if _, err := store.Appointments.GetByID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected NotFound for appointment, got %v", err)
	}
	if err := store.Appointments.Update(ctx, &Appointment{ID: uuid.New(), Status: StatusScheduled}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected NotFound updating a missing appointment, got %v", err)
	}
}

func TestGormStore_TxRollback(t *testing.T) {
	store, db := newGormTestStore(t)
	ctx := context.Background()
	d := &Doctor{ID: uuid.New(), Name: "Dr. Achieng", IsAvailable: true, CreatedAt: testNow, UpdatedAt: testNow}
	if err := store.Doctors.Create(ctx, d); err != nil {
		t.Fatalf("Create doctor: %v", err)
	}

	errAbort := errors.New("abort")
	a := &Appointment{ID: uuid.New(), DoctorID: d.ID, Date: monday, StartTime: clock("09:00"), EndTime: clock("09:30"),
		Status: StatusScheduled, CreatedAt: testNow, ModifiedAt: testNow}
	err := store.Tx.WithinDoctorTx(ctx, d.ID, func(ctx context.Context) error {
		if err := store.Appointments.Create(ctx, a); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	var count int64
	if err := db.Model(&appointmentRow{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected rollback to discard the appointment, found %d rows", count)
	}
}

func TestMapGormError(t *testing.T) {
	if err := mapGormError(gorm.ErrRecordNotFound, "appointment x not found"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if err := mapGormError(errors.New("database is locked"), ""); !IsTransient(err) {
		t.Errorf("expected sqlite busy to be transient, got %v", err)
	}
	if mapGormError(nil, "") != nil {
		t.Error("expected nil")
	}
}
