package consultation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store. InTx serializes transactions and rolls
// back on error, which stands in for row locks.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	appts    map[uuid.UUID]*Appointment
	payments []*Payment
	cancels  map[uuid.UUID]*EmergencyCancellationRequest
	rescheds map[uuid.UUID]*DoctorEmergencyRescheduleRequest
	rxs      map[uuid.UUID]*Prescription
	doctors  map[uuid.UUID]*Doctor

	// beforeOccupied runs before OccupiedSlots reads, outside the lock.
	beforeOccupied func()
	// failUpdate makes Update fail for the given appointment.
	failUpdate map[uuid.UUID]error
}

func newMemStore() *memStore {
	return &memStore{
		appts:      make(map[uuid.UUID]*Appointment),
		cancels:    make(map[uuid.UUID]*EmergencyCancellationRequest),
		rescheds:   make(map[uuid.UUID]*DoctorEmergencyRescheduleRequest),
		rxs:        make(map[uuid.UUID]*Prescription),
		doctors:    make(map[uuid.UUID]*Doctor),
		failUpdate: make(map[uuid.UUID]error),
	}
}

func (m *memStore) Store() Store {
	return Store{
		Appointments:  memAppointments{m},
		Payments:      memPayments{m},
		Emergencies:   memEmergencies{m},
		Prescriptions: memPrescriptions{m},
		Tx:            memTx{m},
	}
}

func (m *memStore) addDoctor(d *Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *d
	m.doctors[d.ID] = &c
}

// seed stores a directly, bypassing the service.
func (m *memStore) seed(a *Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appts[a.ID] = a.clone()
}

func (m *memStore) get(id uuid.UUID) *Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.appts[id]; ok {
		return a.clone()
	}
	return nil
}

func (m *memStore) paymentsFor(id uuid.UUID) []*Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.payments {
		if p.AppointmentID == id {
			c := *p
			out = append(out, &c)
		}
	}
	return out
}

func (m *memStore) GetDoctor(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, fmt.Errorf("%w: doctor %s", ErrNotFound, id)
	}
	c := *d
	return &c, nil
}

type snapshot struct {
	appts    map[uuid.UUID]*Appointment
	payments []*Payment
	cancels  map[uuid.UUID]*EmergencyCancellationRequest
	rescheds map[uuid.UUID]*DoctorEmergencyRescheduleRequest
	rxs      map[uuid.UUID]*Prescription
}

func (m *memStore) snapshot() snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := snapshot{
		appts:    make(map[uuid.UUID]*Appointment, len(m.appts)),
		cancels:  make(map[uuid.UUID]*EmergencyCancellationRequest, len(m.cancels)),
		rescheds: make(map[uuid.UUID]*DoctorEmergencyRescheduleRequest, len(m.rescheds)),
		rxs:      make(map[uuid.UUID]*Prescription, len(m.rxs)),
	}
	for k, v := range m.appts {
		s.appts[k] = v.clone()
	}
	for _, p := range m.payments {
		c := *p
		s.payments = append(s.payments, &c)
	}
	for k, v := range m.cancels {
		c := *v
		s.cancels[k] = &c
	}
	for k, v := range m.rescheds {
		c := *v
		s.rescheds[k] = &c
	}
	for k, v := range m.rxs {
		c := *v
		s.rxs[k] = &c
	}
	return s
}

func (m *memStore) restore(s snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appts, m.payments, m.cancels, m.rescheds, m.rxs = s.appts, s.payments, s.cancels, s.rescheds, s.rxs
}

// -- tx --

type memTx struct{ m *memStore }

type inTxKey struct{}

func (t memTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(inTxKey{}) != nil {
		return fn(ctx)
	}
	t.m.txMu.Lock()
	defer t.m.txMu.Unlock()
	snap := t.m.snapshot()
	if err := fn(context.WithValue(ctx, inTxKey{}, true)); err != nil {
		t.m.restore(snap)
		return err
	}
	return nil
}

// -- appointments --

type memAppointments struct{ m *memStore }

func (r memAppointments) Create(_ context.Context, a *Appointment) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.appts[a.ID]; ok {
		return fmt.Errorf("appointment %s exists", a.ID)
	}
	r.m.appts[a.ID] = a.clone()
	return nil
}

func (r memAppointments) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	if a := r.m.get(id); a != nil {
		return a, nil
	}
	return nil, fmt.Errorf("%w: appointment %s", ErrNotFound, id)
}

func (r memAppointments) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.GetByID(ctx, id)
}

func (r memAppointments) Update(_ context.Context, a *Appointment) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.failUpdate[a.ID]; err != nil {
		return err
	}
	if _, ok := r.m.appts[a.ID]; !ok {
		return fmt.Errorf("%w: appointment %s", ErrNotFound, a.ID)
	}
	r.m.appts[a.ID] = a.clone()
	return nil
}

func (r memAppointments) all(keep func(*Appointment) bool) []*Appointment {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*Appointment
	for _, a := range r.m.appts {
		if keep(a) {
			out = append(out, a.clone())
		}
	}
	return out
}

func (r memAppointments) List(_ context.Context, f ListFilter) ([]*Appointment, int, error) {
	items := r.all(func(a *Appointment) bool {
		return (f.PatientID == uuid.Nil || a.PatientID == f.PatientID) &&
			(f.DoctorID == uuid.Nil || a.DoctorID == f.DoctorID) &&
			(f.Status == "" || a.Status == f.Status)
	})
	sort.Slice(items, func(i, j int) bool {
		if items[i].AppointmentDate != items[j].AppointmentDate {
			return items[i].AppointmentDate > items[j].AppointmentDate
		}
		return items[i].SlotStartTime > items[j].SlotStartTime
	})
	total := len(items)
	if f.Offset >= len(items) {
		return nil, total, nil
	}
	items = items[f.Offset:]
	if f.Limit > 0 && f.Limit < len(items) {
		items = items[:f.Limit]
	}
	return items, total, nil
}

func (r memAppointments) ListBySlot(_ context.Context, doctorID uuid.UUID, date, slot string, status Status) ([]*Appointment, error) {
	items := r.all(func(a *Appointment) bool {
		return a.DoctorID == doctorID && a.AppointmentDate == date && a.SlotStartTime == slot && a.Status == status
	})
	sort.Slice(items, func(i, j int) bool { return items[i].RequestedAt.Before(items[j].RequestedAt) })
	return items, nil
}

func (r memAppointments) OccupiedSlots(_ context.Context, doctorID uuid.UUID, date string, ignore uuid.UUID) ([]string, error) {
	if r.m.beforeOccupied != nil {
		r.m.beforeOccupied()
	}
	var out []string
	for _, a := range r.all(func(a *Appointment) bool { return a.DoctorID == doctorID && a.ID != ignore }) {
		switch a.Status {
		case StatusRequested, StatusConfirmed, StatusRescheduleRequested:
			if a.AppointmentDate == date {
				out = append(out, a.SlotStartTime)
			}
		}
		if a.Status == StatusRescheduleRequested && a.ProposedDate == date && a.ProposedSlotStart != "" {
			out = append(out, a.ProposedSlotStart)
		}
	}
	return out, nil
}

func (r memAppointments) ListForSweep(_ context.Context, q SweepQuery) ([]*Appointment, error) {
	items := r.all(func(a *Appointment) bool {
		return a.Status == q.Status &&
			(q.PaymentStatus == "" || a.PaymentStatus == q.PaymentStatus) &&
			(q.PatientID == uuid.Nil || a.PatientID == q.PatientID) &&
			(q.DoctorID == uuid.Nil || a.DoctorID == q.DoctorID) &&
			(q.RequestedBefore == nil || a.RequestedAt.Before(*q.RequestedBefore)) &&
			(q.DateOnOrBefore == "" || a.AppointmentDate <= q.DateOnOrBefore) &&
			(q.DateEquals == "" || a.AppointmentDate == q.DateEquals) &&
			(q.ReminderSent == nil || a.ReminderSent == *q.ReminderSent)
	})
	sort.Slice(items, func(i, j int) bool {
		if items[i].AppointmentDate != items[j].AppointmentDate {
			return items[i].AppointmentDate < items[j].AppointmentDate
		}
		return items[i].SlotStartTime < items[j].SlotStartTime
	})
	if q.Limit > 0 && q.Limit < len(items) {
		items = items[:q.Limit]
	}
	return items, nil
}

// -- payments --

type memPayments struct{ m *memStore }

func (r memPayments) Create(_ context.Context, p *Payment) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, existing := range r.m.payments {
		if existing.ChallanNumber == p.ChallanNumber {
			return fmt.Errorf("duplicate challan %s", p.ChallanNumber)
		}
	}
	c := *p
	r.m.payments = append(r.m.payments, &c)
	return nil
}

func (r memPayments) GetByChallan(_ context.Context, challan string) (*Payment, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, p := range r.m.payments {
		if p.ChallanNumber == challan && p.Type == PaymentTypePayment {
			c := *p
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: challan %s", ErrNotFound, challan)
}

func (r memPayments) MarkCompleted(_ context.Context, id uuid.UUID, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, p := range r.m.payments {
		if p.ID == id && p.Status == LedgerPending {
			p.Status = LedgerCompleted
			p.CompletedAt = &at
			return nil
		}
	}
	return fmt.Errorf("%w: pending payment %s", ErrNotFound, id)
}

func (r memPayments) ListByAppointment(_ context.Context, appointmentID uuid.UUID) ([]*Payment, error) {
	return r.m.paymentsFor(appointmentID), nil
}

// -- emergency requests --

type memEmergencies struct{ m *memStore }

func (r memEmergencies) CreateCancellation(_ context.Context, e *EmergencyCancellationRequest) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, existing := range r.m.cancels {
		if existing.AppointmentID == e.AppointmentID && existing.Status == RequestPending {
			return duplicate("pending_request_exists", "pending")
		}
	}
	c := *e
	r.m.cancels[e.ID] = &c
	return nil
}

func (r memEmergencies) GetCancellationForUpdate(_ context.Context, id uuid.UUID) (*EmergencyCancellationRequest, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.cancels[id]
	if !ok {
		return nil, fmt.Errorf("%w: emergency cancellation %s", ErrNotFound, id)
	}
	c := *e
	return &c, nil
}

func (r memEmergencies) PendingCancellation(_ context.Context, appointmentID uuid.UUID) (*EmergencyCancellationRequest, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, e := range r.m.cancels {
		if e.AppointmentID == appointmentID && e.Status == RequestPending {
			c := *e
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: no pending cancellation", ErrNotFound)
}

func (r memEmergencies) UpdateCancellation(_ context.Context, e *EmergencyCancellationRequest) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c := *e
	r.m.cancels[e.ID] = &c
	return nil
}

func (r memEmergencies) ListCancellations(_ context.Context, status RequestStatus, limit, offset int) ([]*EmergencyCancellationRequest, int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*EmergencyCancellationRequest
	for _, e := range r.m.cancels {
		if status == "" || e.Status == status {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, offset), len(out), nil
}

func (r memEmergencies) CreateReschedule(_ context.Context, e *DoctorEmergencyRescheduleRequest) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, existing := range r.m.rescheds {
		if existing.AppointmentID == e.AppointmentID && existing.Status == RequestPending {
			return duplicate("pending_request_exists", "pending")
		}
	}
	c := *e
	r.m.rescheds[e.ID] = &c
	return nil
}

func (r memEmergencies) GetRescheduleForUpdate(_ context.Context, id uuid.UUID) (*DoctorEmergencyRescheduleRequest, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.rescheds[id]
	if !ok {
		return nil, fmt.Errorf("%w: emergency reschedule %s", ErrNotFound, id)
	}
	c := *e
	return &c, nil
}

func (r memEmergencies) PendingReschedule(_ context.Context, appointmentID uuid.UUID) (*DoctorEmergencyRescheduleRequest, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, e := range r.m.rescheds {
		if e.AppointmentID == appointmentID && e.Status == RequestPending {
			c := *e
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: no pending reschedule", ErrNotFound)
}

func (r memEmergencies) UpdateReschedule(_ context.Context, e *DoctorEmergencyRescheduleRequest) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c := *e
	r.m.rescheds[e.ID] = &c
	return nil
}

func (r memEmergencies) ListReschedules(_ context.Context, status RequestStatus, limit, offset int) ([]*DoctorEmergencyRescheduleRequest, int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []*DoctorEmergencyRescheduleRequest
	for _, e := range r.m.rescheds {
		if status == "" || e.Status == status {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, offset), len(out), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// -- prescriptions --

type memPrescriptions struct{ m *memStore }

func (r memPrescriptions) Create(_ context.Context, p *Prescription) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c := *p
	r.m.rxs[p.ID] = &c
	return nil
}

func (r memPrescriptions) GetByAppointment(_ context.Context, appointmentID uuid.UUID) (*Prescription, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, p := range r.m.rxs {
		if p.AppointmentID == appointmentID {
			c := *p
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: prescription for %s", ErrNotFound, appointmentID)
}
