package consultation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows ListAppointments. Zero fields are ignored.
type ListFilter struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Status    Status
	Limit     int
	Offset    int
}

// SweepQuery selects sweep candidates. The service re-checks every guard
// under a row lock, so the query may over-select.
type SweepQuery struct {
	Status          Status
	PaymentStatus   PaymentStatus
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	RequestedBefore *time.Time
	DateOnOrBefore  string
	DateEquals      string
	ReminderSent    *bool
	Limit           int
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetByIDForUpdate row-locks the appointment for the enclosing transaction.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	List(ctx context.Context, f ListFilter) ([]*Appointment, int, error)
	// ListBySlot returns every appointment in status for doctor/date/slot.
	ListBySlot(ctx context.Context, doctorID uuid.UUID, date, slot string, status Status) ([]*Appointment, error)
	// OccupiedSlots returns start times held on doctor/date by appointments
	// other than ignore.
	OccupiedSlots(ctx context.Context, doctorID uuid.UUID, date string, ignore uuid.UUID) ([]string, error)
	ListForSweep(ctx context.Context, q SweepQuery) ([]*Appointment, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	// GetByChallan returns the PAYMENT row for challan.
	GetByChallan(ctx context.Context, challan string) (*Payment, error)
	// MarkCompleted flips a PENDING row to COMPLETED; other rows are left alone.
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Payment, error)
}

type EmergencyRepository interface {
	CreateCancellation(ctx context.Context, r *EmergencyCancellationRequest) error
	GetCancellationForUpdate(ctx context.Context, id uuid.UUID) (*EmergencyCancellationRequest, error)
	PendingCancellation(ctx context.Context, appointmentID uuid.UUID) (*EmergencyCancellationRequest, error)
	UpdateCancellation(ctx context.Context, r *EmergencyCancellationRequest) error
	ListCancellations(ctx context.Context, status RequestStatus, limit, offset int) ([]*EmergencyCancellationRequest, int, error)

	CreateReschedule(ctx context.Context, r *DoctorEmergencyRescheduleRequest) error
	GetRescheduleForUpdate(ctx context.Context, id uuid.UUID) (*DoctorEmergencyRescheduleRequest, error)
	PendingReschedule(ctx context.Context, appointmentID uuid.UUID) (*DoctorEmergencyRescheduleRequest, error)
	UpdateReschedule(ctx context.Context, r *DoctorEmergencyRescheduleRequest) error
	ListReschedules(ctx context.Context, status RequestStatus, limit, offset int) ([]*DoctorEmergencyRescheduleRequest, int, error)
}

type PrescriptionRepository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Prescription, error)
}

// Directory resolves doctors from the identity service's projection.
type Directory interface {
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
}

// TxRunner runs fn in one transaction carried on ctx.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store groups the persistence dependencies of the Service.
type Store struct {
	Appointments  AppointmentRepository
	Payments      PaymentRepository
	Emergencies   EmergencyRepository
	Prescriptions PrescriptionRepository
	Tx            TxRunner
}
