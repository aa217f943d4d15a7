package consultation

import (
	"fmt"
	"strings"
	"time"
)

const (
	// PatientCancelCutoff blocks patient cancellation of a paid appointment.
	PatientCancelCutoff = 24 * time.Hour
	// DoctorCancelCutoff redirects a doctor to the emergency path.
	DoctorCancelCutoff = 24 * time.Hour
	// PatientRescheduleCutoff blocks patient reschedule of a paid appointment.
	PatientRescheduleCutoff = 24 * time.Hour
	// EmergencyReviewWindow is the hard cutoff before start for emergency
	// cancellation requests. Filing must happen strictly before it.
	EmergencyReviewWindow = 12 * time.Hour
	// RequestExpiry is how long a doctor has to answer a request.
	RequestExpiry = 24 * time.Hour
	// UnpaidCutoff cancels confirmed appointments still unpaid this close to start.
	UnpaidCutoff = 24 * time.Hour

	slotConflictReason  = "slot already occupied"
	expiredReason       = "doctor did not respond within 24 hours"
	unpaidReason        = "payment not received before the 24 hour cutoff"
	emergencyReschedTag = "Emergency Reschedule: "
	emergencyCancelTag  = "Emergency Cancellation: "
)

var transitions = map[Status][]Status{
	StatusRequested: {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {
		StatusCancelled, StatusRescheduleRequested, StatusRequested,
		StatusCompleted, StatusNoShow, StatusPast,
	},
	StatusRescheduleRequested: {StatusConfirmed, StatusCancelled, StatusRescheduleRequested},
	StatusPast:                {StatusCompleted, StatusNoShow},
}

// CanTransition reports whether the lifecycle permits from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// moveTo changes status, clearing the reschedule sub-state outside
// RESCHEDULE_REQUESTED.
func (a *Appointment) moveTo(to Status) error {
	if !CanTransition(a.Status, to) {
		return invalidTransition(a.Status, to, "invalid_transition",
			fmt.Sprintf("cannot move appointment from %s to %s", a.Status, to))
	}
	a.Status = to
	if to != StatusRescheduleRequested {
		a.RescheduleState = RescheduleNone
		a.clearProposal()
	}
	return nil
}

func (a *Appointment) clearProposal() {
	a.ProposedDate = ""
	a.ProposedSlotStart = ""
}

func (a *Appointment) cancel(by Actor, reason string, now time.Time) error {
	if err := a.moveTo(StatusCancelled); err != nil {
		return err
	}
	a.CancelledBy = by
	a.CancellationReason = reason
	a.CancelledAt = &now
	return nil
}

// timeUntilStart is measured against now at the moment of the guard check.
func timeUntilStart(a *Appointment, loc *time.Location, now time.Time) time.Duration {
	return a.StartsAt(loc).Sub(now)
}

func guardEnded(a *Appointment, to Status, loc *time.Location, now time.Time) error {
	if a.Status != StatusConfirmed && a.Status != StatusPast {
		return invalidTransition(a.Status, to, "invalid_transition",
			fmt.Sprintf("only confirmed or past appointments can become %s", to))
	}
	if now.Before(a.EndsAt(loc)) {
		return timing("not_elapsed", "the appointment has not ended yet")
	}
	return nil
}

func guardPatientCancel(a *Appointment, loc *time.Location, now time.Time) error {
	if a.PaymentStatus == PaymentPaid && timeUntilStart(a, loc, now) < PatientCancelCutoff {
		return timing("cancel_cutoff", "cannot cancel with less than 24 hours remaining")
	}
	return nil
}

// guardDoctorCancel applies to a CONFIRMED appointment. Paid appointments
// cannot be cancelled by the doctor at all.
func guardDoctorCancel(a *Appointment, loc *time.Location, now time.Time) error {
	if a.PaymentStatus != PaymentPaid {
		return nil
	}
	if timeUntilStart(a, loc, now) < DoctorCancelCutoff {
		return timing("use_emergency_reschedule",
			"less than 24 hours remain on a paid appointment; file an emergency reschedule request")
	}
	return paymentConflict("must_reschedule", "a paid appointment must be rescheduled, not cancelled")
}

func guardPatientReschedule(a *Appointment, loc *time.Location, now time.Time) error {
	if a.PaymentStatus == PaymentPaid && timeUntilStart(a, loc, now) < PatientRescheduleCutoff {
		return timing("reschedule_cutoff", "cannot reschedule with less than 24 hours remaining")
	}
	return nil
}

// guardEmergencyWindow requires strictly more than EmergencyReviewWindow to
// remain; exactly 12h0m is rejected.
func guardEmergencyWindow(a *Appointment, loc *time.Location, now time.Time) error {
	if timeUntilStart(a, loc, now) <= EmergencyReviewWindow {
		return timing("emergency_window_closed",
			"emergency cancellation must be filed more than 12 hours before the appointment")
	}
	return nil
}

func guardCompletion(a *Appointment, in CompletionInput, loc *time.Location, now time.Time) error {
	if err := guardEnded(a, StatusCompleted, loc, now); err != nil {
		return err
	}
	if strings.TrimSpace(in.FollowUpInstructions) == "" {
		return badInput(a.Status, StatusCompleted, "follow_up_required", "follow-up instructions are required")
	}
	return nil
}
