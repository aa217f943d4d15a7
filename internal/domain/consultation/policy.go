package consultation

import (
	"time"

	"github.com/google/uuid"
)

// RefundPath selects the refund rule for a cancellation.
type RefundPath int

const (
	// RefundStandard is a patient cancellation, including cancelling after
	// a rejected or withdrawn reschedule.
	RefundStandard RefundPath = iota
	// RefundFull is a patient cancelling a doctor-initiated reschedule.
	RefundFull
	// RefundEmergency is an admin-approved emergency cancellation.
	RefundEmergency
)

// Policy holds the fee schedule.
type Policy struct {
	Fee       int64
	Deduction int64
}

// Refund is the outcome of applying a Policy.
type Refund struct {
	Amount int64
	Status PaymentStatus
	// Prefix is prepended to the original challan on the ledger row.
	Prefix string
	// Issued is false when nothing was paid; no ledger row is written.
	Issued bool
}

// Refund computes the refund for an appointment whose payment is in status
// ps. Only PAID appointments refund anything.
func (p Policy) Refund(ps PaymentStatus, path RefundPath) Refund {
	if ps != PaymentPaid {
		return Refund{Amount: 0, Status: ps}
	}
	switch path {
	case RefundFull:
		return Refund{Amount: p.clamp(p.Fee), Status: PaymentRefunded, Prefix: "REF-", Issued: true}
	case RefundEmergency:
		return Refund{Amount: p.clamp(p.Fee), Status: PaymentRefunded, Prefix: "EMREF-", Issued: true}
	default:
		return Refund{Amount: p.clamp(p.Fee - p.Deduction), Status: PaymentPartialRefund, Prefix: "REF-", Issued: true}
	}
}

func (p Policy) clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > p.Fee {
		return p.Fee
	}
	return v
}

// Apply records the refund on the appointment.
func (r Refund) Apply(a *Appointment) {
	a.RefundAmount = r.Amount
	a.PaymentStatus = r.Status
}

// LedgerEntry builds the REFUND row for an issued refund.
func (r Refund) LedgerEntry(a *Appointment, by Actor, reason string, now time.Time) *Payment {
	return &Payment{
		ID:                uuid.New(),
		AppointmentID:     a.ID,
		PatientID:         a.PatientID,
		Amount:            r.Amount,
		Type:              PaymentTypeRefund,
		Status:            LedgerCompleted,
		ChallanNumber:     r.Prefix + a.ChallanNumber,
		RefundReason:      reason,
		RefundInitiatedBy: by,
		CompletedAt:       &now,
		CreatedAt:         now,
	}
}
