package consultation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/consult/internal/platform/clock"
	"github.com/ehr/consult/internal/platform/notification"
)

const (
	testFee       = 1000
	testDeduction = 250
)

// testNow is Wednesday 2026-03-04 08:00 UTC. Five days out is Monday 03-09.
var testNow = time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)

type recordingHooks struct {
	mu   sync.Mutex
	dues []PaymentDue
}

func (h *recordingHooks) PaymentRequired(_ context.Context, due PaymentDue) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dues = append(h.dues, due)
	return nil
}

func (h *recordingHooks) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.dues)
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *memStore
	clock  *clock.Fake
	events *notification.Recorder
	hooks  *recordingHooks
	svc    *Service

	doctor   Caller
	patient  Caller
	patient2 Caller
	admin    Caller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    store,
		clock:    clock.NewFake(testNow),
		events:   &notification.Recorder{},
		hooks:    &recordingHooks{},
		doctor:   Caller{ID: uuid.New(), Role: ActorDoctor},
		patient:  Caller{ID: uuid.New(), Role: ActorPatient},
		patient2: Caller{ID: uuid.New(), Role: ActorPatient},
		admin:    Caller{ID: uuid.New(), Role: ActorAdmin},
	}
	store.addDoctor(&Doctor{ID: f.doctor.ID, Name: "Dr. Rao", Approved: true, Active: true})

	f.svc = NewService(store.Store(), store, Settings{
		Policy:   Policy{Fee: testFee, Deduction: testDeduction},
		Grid:     DefaultGrid(),
		Window:   BookingWindow{MinDays: 3, MaxDays: 30},
		Location: time.UTC,
	},
		WithClock(f.clock),
		WithNotifier(f.events),
		WithPaymentHooks(f.hooks),
	)
	f.svc.spawn = func(fn func()) { fn() }
	return f
}

// day returns the date n days after testNow.
func day(n int) string {
	return testNow.AddDate(0, 0, n).Format(dateLayout)
}

func (f *fixture) book(p Caller, date, slot string) *Appointment {
	f.t.Helper()
	a, err := f.svc.RequestAppointment(f.ctx, p, BookingRequest{
		DoctorID:  f.doctor.ID,
		Date:      date,
		SlotStart: slot,
		Type:      TypeInPerson,
		Reason:    "checkup",
	})
	if err != nil {
		f.t.Fatalf("request appointment: %v", err)
	}
	return a
}

func (f *fixture) confirm(id uuid.UUID) *Appointment {
	f.t.Helper()
	a, err := f.svc.ConfirmAppointment(f.ctx, f.doctor, id, "")
	if err != nil {
		f.t.Fatalf("confirm: %v", err)
	}
	return a
}

func (f *fixture) pay(a *Appointment) *Appointment {
	f.t.Helper()
	paid, err := f.svc.ConfirmPayment(f.ctx, a.ChallanNumber)
	if err != nil {
		f.t.Fatalf("confirm payment: %v", err)
	}
	return paid
}

// paidBooking books, confirms and pays patient's slot 10:00 five days out.
func (f *fixture) paidBooking() *Appointment {
	f.t.Helper()
	a := f.book(f.patient, day(5), "10:00")
	f.confirm(a.ID)
	return f.pay(f.store.get(a.ID))
}

// before moves the clock to d before a's start.
func (f *fixture) before(a *Appointment, d time.Duration) {
	f.clock.Set(a.StartsAt(time.UTC).Add(-d))
}

func (f *fixture) reload(id uuid.UUID) *Appointment {
	f.t.Helper()
	a := f.store.get(id)
	if a == nil {
		f.t.Fatalf("appointment %s missing", id)
	}
	return a
}

func wantKind(t *testing.T, err error, kind Kind, reason string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if de.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, de.Kind, err)
	}
	if reason != "" && de.Reason != reason {
		t.Fatalf("expected reason %q, got %q", reason, de.Reason)
	}
}

// seedRequest stores a REQUESTED appointment without running the booking
// checks, for setting up slot contention.
func (f *fixture) seedRequest(p Caller, date, slot string) *Appointment {
	f.t.Helper()
	end, err := DefaultGrid().SlotEnd(slot)
	if err != nil {
		f.t.Fatalf("slot end: %v", err)
	}
	now := f.clock.Now()
	a := &Appointment{
		ID:              uuid.New(),
		PatientID:       p.ID,
		DoctorID:        f.doctor.ID,
		AppointmentDate: date,
		SlotStartTime:   slot,
		SlotEndTime:     end,
		Type:            TypeInPerson,
		Status:          StatusRequested,
		PaymentStatus:   PaymentPending,
		PaymentAmount:   testFee,
		RequestedAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	f.store.seed(a)
	return a
}
