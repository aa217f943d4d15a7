package consultation

import (
	"time"

	"github.com/google/uuid"
)

// Status is the appointment lifecycle state.
type Status string

const (
	StatusRequested           Status = "REQUESTED"
	StatusConfirmed           Status = "CONFIRMED"
	StatusRescheduleRequested Status = "RESCHEDULE_REQUESTED"
	StatusCancelled           Status = "CANCELLED"
	StatusCompleted           Status = "COMPLETED"
	StatusNoShow              Status = "NO_SHOW"
	StatusPast                Status = "PAST"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusNoShow
}

// RescheduleState refines RESCHEDULE_REQUESTED. It is empty in every other status.
type RescheduleState string

const (
	RescheduleNone                    RescheduleState = ""
	RescheduleProposedByPatient       RescheduleState = "PROPOSED_BY_PATIENT"
	RescheduleProposedByDoctor        RescheduleState = "PROPOSED_BY_DOCTOR"
	RescheduleRejectedAwaitingChoice  RescheduleState = "REJECTED_AWAITING_PATIENT_CHOICE"
	RescheduleDoctorCancelledAwaiting RescheduleState = "DOCTOR_CANCELLED_AWAITING_PATIENT_CHOICE"
)

// AwaitingPatientChoice reports whether the patient must keep or cancel.
func (r RescheduleState) AwaitingPatientChoice() bool {
	return r == RescheduleRejectedAwaitingChoice || r == RescheduleDoctorCancelledAwaiting
}

type PaymentStatus string

const (
	PaymentPending       PaymentStatus = "PENDING"
	PaymentPaid          PaymentStatus = "PAID"
	PaymentPartialRefund PaymentStatus = "PARTIAL_REFUND"
	PaymentRefunded      PaymentStatus = "REFUNDED"
)

// Actor identifies who performed an action.
type Actor string

const (
	ActorPatient Actor = "PATIENT"
	ActorDoctor  Actor = "DOCTOR"
	ActorAdmin   Actor = "ADMIN"
	ActorSystem  Actor = "SYSTEM"
)

type AppointmentType string

const (
	TypeOnline   AppointmentType = "ONLINE"
	TypeInPerson AppointmentType = "IN_PERSON"
)

// Appointment maps to the appointments table.
type Appointment struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	PatientID       uuid.UUID       `db:"patient_id" json:"patient_id"`
	DoctorID        uuid.UUID       `db:"doctor_id" json:"doctor_id"`
	AppointmentDate string          `db:"appointment_date" json:"appointment_date"`
	SlotStartTime   string          `db:"slot_start_time" json:"slot_start_time"`
	SlotEndTime     string          `db:"slot_end_time" json:"slot_end_time"`
	Type            AppointmentType `db:"appointment_type" json:"appointment_type"`
	Reason          string          `db:"reason" json:"reason"`

	Status          Status          `db:"status" json:"status"`
	RescheduleState RescheduleState `db:"reschedule_state" json:"reschedule_state,omitempty"`

	PaymentStatus PaymentStatus `db:"payment_status" json:"payment_status"`
	PaymentAmount int64         `db:"payment_amount" json:"payment_amount"`
	RefundAmount  int64         `db:"refund_amount" json:"refund_amount"`
	ChallanNumber string        `db:"challan_number" json:"challan_number,omitempty"`

	CancelledBy        Actor      `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CancellationReason string     `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`

	RescheduleRequestedBy        Actor      `db:"reschedule_requested_by" json:"reschedule_requested_by,omitempty"`
	RescheduleReason             string     `db:"reschedule_reason" json:"reschedule_reason,omitempty"`
	RescheduleRejectionReason    string     `db:"reschedule_rejection_reason" json:"reschedule_rejection_reason,omitempty"`
	DoctorRescheduleCancelReason string     `db:"doctor_reschedule_cancel_reason" json:"doctor_reschedule_cancel_reason,omitempty"`
	DoctorRescheduleCancelledAt  *time.Time `db:"doctor_reschedule_cancelled_at" json:"doctor_reschedule_cancelled_at,omitempty"`
	ProposedDate                 string     `db:"proposed_date" json:"proposed_date,omitempty"`
	ProposedSlotStart            string     `db:"proposed_slot_start" json:"proposed_slot_start,omitempty"`

	CompletedAt          *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	PatientAttended      bool       `db:"patient_attended" json:"patient_attended"`
	PrescriptionID       *uuid.UUID `db:"prescription_id" json:"prescription_id,omitempty"`
	MeetingLink          string     `db:"meeting_link" json:"meeting_link,omitempty"`
	ChatEnabled          bool       `db:"chat_enabled" json:"chat_enabled"`
	FollowUpInstructions string     `db:"follow_up_instructions" json:"follow_up_instructions,omitempty"`

	ReminderSent   bool       `db:"reminder_sent" json:"reminder_sent"`
	ReminderSentAt *time.Time `db:"reminder_sent_at" json:"reminder_sent_at,omitempty"`
	// RequestedAt is when the appointment last entered REQUESTED.
	RequestedAt time.Time `db:"requested_at" json:"requested_at"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// RescheduleRejected mirrors the persisted reschedule_rejected flag.
func (a *Appointment) RescheduleRejected() bool {
	return a.RescheduleState == RescheduleRejectedAwaitingChoice
}

// PatientRespondedToDoctorReschedule mirrors the persisted flag of the same name.
func (a *Appointment) PatientRespondedToDoctorReschedule() bool {
	return a.RescheduleState == RescheduleProposedByDoctor && a.HasProposal()
}

// DoctorCancelledRescheduleRequest mirrors the persisted flag of the same name.
func (a *Appointment) DoctorCancelledRescheduleRequest() bool {
	return a.RescheduleState == RescheduleDoctorCancelledAwaiting
}

// HasProposal reports whether a new slot is attached to the reschedule.
func (a *Appointment) HasProposal() bool {
	return a.ProposedDate != "" && a.ProposedSlotStart != ""
}

// StartsAt is the appointment start instant in loc.
func (a *Appointment) StartsAt(loc *time.Location) time.Time {
	t, _ := instant(a.AppointmentDate, a.SlotStartTime, loc)
	return t
}

// EndsAt is the appointment end instant in loc.
func (a *Appointment) EndsAt(loc *time.Location) time.Time {
	t, _ := instant(a.AppointmentDate, a.SlotEndTime, loc)
	return t
}

func (a *Appointment) clone() *Appointment {
	c := *a
	return &c
}

type PaymentType string

const (
	PaymentTypePayment PaymentType = "PAYMENT"
	PaymentTypeRefund  PaymentType = "REFUND"
)

type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "PENDING"
	LedgerCompleted LedgerStatus = "COMPLETED"
)

// Payment maps to the payments table. Rows are append-only once COMPLETED.
type Payment struct {
	ID                uuid.UUID    `db:"id" json:"id"`
	AppointmentID     uuid.UUID    `db:"appointment_id" json:"appointment_id"`
	PatientID         uuid.UUID    `db:"patient_id" json:"patient_id"`
	Amount            int64        `db:"amount" json:"amount"`
	Type              PaymentType  `db:"payment_type" json:"type"`
	Status            LedgerStatus `db:"status" json:"status"`
	ChallanNumber     string       `db:"challan_number" json:"challan_number"`
	RefundReason      string       `db:"refund_reason" json:"refund_reason,omitempty"`
	RefundInitiatedBy Actor        `db:"refund_initiated_by" json:"refund_initiated_by,omitempty"`
	CompletedAt       *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
}

// RequestStatus is shared by both emergency review workflows.
type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
)

// EmergencyCancellationRequest maps to emergency_cancellation_requests.
type EmergencyCancellationRequest struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	AppointmentID uuid.UUID     `db:"appointment_id" json:"appointment_id"`
	PatientID     uuid.UUID     `db:"patient_id" json:"patient_id"`
	Reason        string        `db:"reason" json:"reason"`
	Status        RequestStatus `db:"status" json:"status"`
	ExpiresAt     time.Time     `db:"expires_at" json:"expires_at"`
	AdminID       *uuid.UUID    `db:"admin_id" json:"admin_id,omitempty"`
	AdminNotes    string        `db:"admin_notes" json:"admin_notes,omitempty"`
	ReviewedAt    *time.Time    `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
}

// DoctorEmergencyRescheduleRequest maps to doctor_emergency_reschedule_requests.
type DoctorEmergencyRescheduleRequest struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	AppointmentID uuid.UUID     `db:"appointment_id" json:"appointment_id"`
	DoctorID      uuid.UUID     `db:"doctor_id" json:"doctor_id"`
	Reason        string        `db:"reason" json:"reason"`
	Status        RequestStatus `db:"status" json:"status"`
	AdminID       *uuid.UUID    `db:"admin_id" json:"admin_id,omitempty"`
	AdminNotes    string        `db:"admin_notes" json:"admin_notes,omitempty"`
	ReviewedAt    *time.Time    `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
}

// Prescription is written when a doctor completes a consultation.
type Prescription struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	AppointmentID        uuid.UUID `db:"appointment_id" json:"appointment_id"`
	PatientID            uuid.UUID `db:"patient_id" json:"patient_id"`
	DoctorID             uuid.UUID `db:"doctor_id" json:"doctor_id"`
	Diagnosis            string    `db:"diagnosis" json:"diagnosis,omitempty"`
	Medications          string    `db:"medications" json:"medications,omitempty"`
	FollowUpInstructions string    `db:"follow_up_instructions" json:"follow_up_instructions"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

// Doctor is the read-only directory projection used as a booking guard.
type Doctor struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Specialty string    `db:"specialty" json:"specialty,omitempty"`
	Approved  bool      `db:"approved" json:"approved"`
	Active    bool      `db:"active" json:"active"`
}

// Bookable reports whether patients may request this doctor.
func (d *Doctor) Bookable() bool { return d.Approved && d.Active }
