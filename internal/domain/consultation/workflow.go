package consultation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/consult/internal/platform/notification"
)

// Proposal is a new slot offered during a reschedule.
type Proposal struct {
	Date      string `json:"appointment_date" validate:"required,isodate"`
	SlotStart string `json:"slot_start_time" validate:"required,hhmm"`
}

// RescheduleInput starts a reschedule. Patients must attach a proposal;
// doctors never do, the patient picks the new slot afterwards.
type RescheduleInput struct {
	Reason    string `json:"reason" validate:"max=2000"`
	Date      string `json:"appointment_date" validate:"omitempty,isodate"`
	SlotStart string `json:"slot_start_time" validate:"omitempty,hhmm"`
}

func (in RescheduleInput) proposal() (Proposal, bool) {
	return Proposal{Date: in.Date, SlotStart: in.SlotStart}, in.Date != "" && in.SlotStart != ""
}

// RescheduleChoice answers a rejected or withdrawn reschedule.
type RescheduleChoice string

const (
	ChoiceKeepOriginal RescheduleChoice = "KEEP_ORIGINAL"
	ChoiceCancel       RescheduleChoice = "CANCEL"
)

// CompletionInput is recorded on the prescription when a consultation ends.
type CompletionInput struct {
	Diagnosis            string `json:"diagnosis" validate:"max=4000"`
	Medications          string `json:"medications" validate:"max=4000"`
	FollowUpInstructions string `json:"follow_up_instructions" validate:"max=4000"`
}

// ConfirmAppointment accepts a pending request, or a reschedule that has a
// new slot attached, and reconciles competing requests for the slot.
func (s *Service) ConfirmAppointment(ctx context.Context, c Caller, id uuid.UUID, meetingLink string) (*Appointment, error) {
	return s.mutate(ctx, id, c.Role, func(ctx context.Context, a *Appointment, fx *effects) error {
		if err := authorize(c, a, ActorDoctor); err != nil {
			return err
		}
		rescheduled := false
		switch {
		case a.Status == StatusRequested:
		case a.Status == StatusRescheduleRequested && a.RescheduleState == RescheduleProposedByPatient,
			a.Status == StatusRescheduleRequested && a.PatientRespondedToDoctorReschedule():
			rescheduled = true
		case a.Status == StatusRescheduleRequested && a.RescheduleState == RescheduleProposedByDoctor:
			return invalidTransition(a.Status, StatusConfirmed, "no_slot_proposed", "the patient has not proposed a new slot yet")
		default:
			return invalidTransition(a.Status, StatusConfirmed, "invalid_transition",
				fmt.Sprintf("cannot confirm an appointment in %s", a.Status))
		}

		if link := strings.TrimSpace(meetingLink); link != "" {
			a.MeetingLink = link
		}
		if a.Type == TypeOnline && a.MeetingLink == "" {
			return badInput(a.Status, StatusConfirmed, "meeting_link_required", "online appointments require a meeting link")
		}
		if rescheduled {
			end, err := s.cfg.Grid.SlotEnd(a.ProposedSlotStart)
			if err != nil {
				return slotUnavailable("invalid_slot", err.Error())
			}
			a.AppointmentDate, a.SlotStartTime, a.SlotEndTime = a.ProposedDate, a.ProposedSlotStart, end
		}
		if err := s.ensureSlotFree(ctx, a); err != nil {
			return err
		}
		if err := a.moveTo(StatusConfirmed); err != nil {
			return err
		}
		if err := s.raisePayment(ctx, a, fx); err != nil {
			return err
		}

		tpl := notification.TplAppointmentConfirmed
		if rescheduled {
			tpl = notification.TplRescheduleConfirmed
		}
		fx.patient(tpl, a, map[string]string{"meeting_link": a.MeetingLink})
		return s.resolveConflicts(ctx, a, fx)
	})
}

// raisePayment assigns the challan on first confirmation. A challan that is
// already PAID carries over; an unpaid one is raised again.
func (s *Service) raisePayment(ctx context.Context, a *Appointment, fx *effects) error {
	if a.ChallanNumber != "" && a.PaymentStatus == PaymentPaid {
		return nil
	}
	if a.ChallanNumber == "" {
		a.ChallanNumber = newChallan()
		p := &Payment{
			ID:            uuid.New(),
			AppointmentID: a.ID,
			PatientID:     a.PatientID,
			Amount:        a.PaymentAmount,
			Type:          PaymentTypePayment,
			Status:        LedgerPending,
			ChallanNumber: a.ChallanNumber,
			CreatedAt:     s.clock.Now(),
		}
		if err := s.store.Payments.Create(ctx, p); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
	}
	fx.dues = append(fx.dues, PaymentDue{
		AppointmentID: a.ID,
		PatientID:     a.PatientID,
		Amount:        a.PaymentAmount,
		Challan:       a.ChallanNumber,
		DueBy:         a.StartsAt(s.cfg.Location).Add(-UnpaidCutoff),
	})
	fx.patient(notification.TplPaymentRequired, a, map[string]string{
		"amount":  amount(a.PaymentAmount),
		"challan": a.ChallanNumber,
	})
	return nil
}

func newChallan() string {
	return "CH-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// DeclineAppointment is the doctor refusing a pending request.
func (s *Service) DeclineAppointment(ctx context.Context, c Caller, id uuid.UUID, reason string) (*Appointment, error) {
	return s.mutate(ctx, id, c.Role, func(ctx context.Context, a *Appointment, fx *effects) error {
		if err := authorize(c, a, ActorDoctor); err != nil {
			return err
		}
		if a.Status != StatusRequested {
			return invalidTransition(a.Status, StatusCancelled, "invalid_transition", "only requested appointments can be declined")
		}
		if err := a.cancel(ActorDoctor, reason, s.clock.Now()); err != nil {
			return err
		}
		fx.patient(notification.TplAppointmentDeclined, a, map[string]string{"reason": reason})
		return nil
	})
}

// CancelByPatient withdraws a request or cancels a booking, refunding per
// the cancellation policy.
func (s *Service) CancelByPatient(ctx context.Context, c Caller, id uuid.UUID, reason string) (*Appointment, error) {
	return s.mutate(ctx, id, c.Role, func(ctx context.Context, a *Appointment, fx *effects) error {
		if err := authorize(c, a, ActorPatient); err != nil {
			return err
		}
		path := RefundStandard
		switch a.Status {
		case StatusRequested:
		case StatusConfirmed:
			if err := guardPatientCancel(a, s.cfg.Location, s.clock.Now()); err != nil {
				return err
			}
		case StatusRescheduleRequested:
			switch {
			case a.RescheduleState == RescheduleProposedByDoctor:
				path = RefundFull
			case a.RescheduleState.AwaitingPatientChoice():
			default:
				return invalidTransition(a.Status, StatusCancelled, "withdraw_reschedule_first",
					"withdraw the pending reschedule request before cancelling")
			}
		default:
			return invalidTransition(a.Status, StatusCancelled, "invalid_transition",
				fmt.Sprintf("cannot cancel an appointment in %s", a.Status))
		}
		if err := s.cancelWithRefund(ctx, a, fx, ActorPatient, reason, path); err != nil {
			return err
		}
		fx.doctor(notification.TplAppointmentCancelled, a, map[string]string{
			"reason":       reason,
			"cancelled_by": "patient",
		})
		return nil
	})
}

// CancelByDoctor cancels an unpaid booking. Paid bookings must be
// rescheduled instead.
func (s *Service) CancelByDoctor(ctx context.Context, c Caller, id uuid.UUID, reason string) (*Appointment, error) {
	return s.mutate(ctx, id, c.Role, func(ctx context.Context, a *Appointment, fx *effects) error {
		if err := authorize(c, a, ActorDoctor); err != nil {
			return err
		}
		tpl := notification.TplAppointmentCancelled
		switch a.Status {
		case StatusRequested:
			tpl = notification.TplAppointmentDeclined
		case StatusConfirmed, StatusRescheduleRequested:
			if err := guardDoctorCancel(a, s.cfg.Location, s.clock.Now()); err != nil {
				return err
			}
		default:
			return invalidTransition(a.Status, StatusCancelled, "invalid_transition",
				fmt.Sprintf("cannot cancel an appointment in %s", a.Status))
		}
		if err := a.cancel(ActorDoctor, reason, s.clock.Now()); err != nil {
			return err
		}
		fx.patient(tpl, a, map[string]string{"reason": reason, "cancelled_by": "doctor"})
		return nil
	})
}

func (s *Service) cancelWithRefund(ctx context.Context, a *Appointment, fx *effects, by Actor, reason string, path RefundPath) error {
	now := s.clock.Now()
	refund := s.cfg.Policy.Refund(a.PaymentStatus, path)
	if err := a.cancel(by, reason, now); err != nil {
		return err
	}
	refund.Apply(a)
	if !refund.Issued {
		return nil
	}
	if err := s.store.Payments.Create(ctx, refund.LedgerEntry(a, by, reason, now)); err != nil {
		return fmt.Errorf("create refund: %w", err)
	}
	fx.patient(notification.TplRefundIssued, a, map[string]string{"amount": amount(refund.Amount)})
	return nil
}

// RequestReschedule starts a reschedule. A doctor may always ask; a patient
// proposes a slot, and an unpaid booking goes back to REQUESTED on it.
func (s *Service) RequestReschedule(ctx context.Context, c Caller, id uuid.UUID, in RescheduleInput) (*Appointment, error) {
	return s.mutate(ctx, id, c.Role, func(ctx context.Context, a *Appointment, fx *effects) error {
		if err := authorize(c, a, ActorPatient, ActorDoctor); err != nil {
			return err
		}
		if a.Status != StatusConfirmed {
			return invalidTransition(a.Status, StatusRescheduleRequested, "invalid_transition",
				"only confirmed appointments can be rescheduled")
		}

		if c.Role == ActorDoctor {
			if err := startDoctorReschedule(a, in.Reason); err != nil {
				return err
			}
			fx.patient(notification.TplRescheduleRequested, a, map[string]string{"reason": in.Reason})
			return nil
		}

		p, ok := in.proposal()
		if !ok {
			return badInput(a.Status, StatusRescheduleRequested, "proposal_required",
				"appointment_date and slot_start_time are required")
		}
		if err := guardPatientReschedule(a, s.cfg.Location, s.clock.Now()); err != nil {
			return err
		}
		if err := s.booking.Validate(ctx, a.DoctorID, p.Date, p.SlotStart, a.ID); err != nil {
			return err
		}
		a.RescheduleRequestedBy = ActorPatient
		a.RescheduleReason = in.Reason

		if a.PaymentStatus != PaymentPaid {
			end, err := s.cfg.Grid.SlotEnd(p.SlotStart)
			if err != nil {
				return slotUnavailable("invalid_slot", err.Error())
			}
			if err := a.moveTo(StatusRequested); err != nil {
				return err
			}
			a.AppointmentDate, a.SlotStartTime, a.SlotEndTime = p.Date, p.SlotStart, end
			a.RequestedAt = s.clock.Now()
			fx.doctor(notification.TplAppointmentRequested, a, map[string]string{"reason": in.Reason})
			return nil
		}

		if err := a.moveTo(StatusRescheduleRequested); err != nil {
			return err
		}
		a.RescheduleState = RescheduleProposedByPatient
		a.ProposedDate, a.ProposedSlotStart = p.Date, p.SlotStart
		fx.doctor(notification.TplRescheduleRequested, a, proposalPayload(a, in.Reason))
		return nil
	})
}

// startDoctorReschedule puts a into RESCHEDULE_REQUESTED awaiting a slot
// from the patient.
func startDoctorReschedule(a *Appointment, reason string) error {
	if err := a.moveTo(StatusRescheduleRequested); err != nil {
		return err
	}
	a.RescheduleState = RescheduleProposedByDoctor
	a.RescheduleRequestedBy = ActorDoctor
	a.RescheduleReason = reason
	a.RescheduleRejectionReason = ""
	a.DoctorRescheduleCancelReason = ""
	a.DoctorRescheduleCancelledAt = nil
	a.clearProposal()
	return nil
}

func proposalPayload(a *Appointment, reason string) map[string]string {
	return map[string]string{
		"reason":        reason,
		"proposed_date": a.ProposedDate,
		"proposed_slot": a.ProposedSlotStart,
	}
}

// ProposeNewSlot attaches the patient's chosen slot to a doctor-initiated
// reschedule. A later proposal replaces an earlier one.
func (s *Service) ProposeNewSlot(ctx context.Context, c Caller, id uuid.UUID, p Proposal) (*Appointment, error) {
	return s.mutate(ctx, id, c.Role, func(ctx context.Context, a *Appointment, fx *effects) error {
		if err := authorize(c, a, ActorPatient); err != nil {
			return err
		}
		if a.Status != StatusRescheduleRequested || a.RescheduleState != RescheduleProposedByDoctor {
			return invalidTransition(a.Status, StatusRescheduleRequested, "no_doctor_reschedule",
				"a new slot can only be proposed for a doctor-initiated reschedule")
		}
		if err := s.booking.Validate(ctx, a.DoctorID, p.Date, p.SlotStart, a.ID); err != nil {
			return err
		}
		a.ProposedDate, a.ProposedSlotStart = p.Date, p.SlotStart
		fx.doctor(notification.TplRescheduleSlotProposed, a, proposalPayload(a, a.RescheduleReason))
		return nil
	})
}

// RejectReschedule is the doctor refusing a patient's proposed slot. The
// patient then keeps the original slot or cancels.
func (s *Service) RejectReschedule(ctx context.Context, c Caller, id uuid.UUID, reason string) (*Appointment, error) {
	return s.mutate(ctx, id, c.Role, func(ctx context.Context, a *Appointment, fx *effects) error {
		if err := authorize(c, a, ActorDoctor); err != nil {
			return err
		}
		if a.Status != StatusRescheduleRequested || a.RescheduleState != RescheduleProposedByPatient {
			return invalidTransition(a.Status, StatusRescheduleRequested, "no_patient_reschedule",
				"only a patient-proposed reschedule can be rejected")
		}
		a.RescheduleState = RescheduleRejectedAwaitingChoice
		a.RescheduleRejectionReason = reason
		a.clearProposal()
		fx.patient(notification.TplRescheduleRejected, a, map[string]string{"reason": reason})
		return nil
	})
}

// WithdrawReschedule lets the initiator take back a reschedule. A doctor
// withdrawing after the patient proposed a slot leaves the patient to choose.
func (s *Service) WithdrawReschedule(ctx context.Context, c Caller, id uuid.UUID, reason string) (*Appointment, error) {
	return s.mutate(ctx, id, c.Role, func(ctx context.Context, a *Appointment, fx *effects) error {
		if err := authorize(c, a, ActorPatient, ActorDoctor); err != nil {
			return err
		}
		if a.Status != StatusRescheduleRequested {
			return invalidTransition(a.Status, StatusConfirmed, "invalid_transition", "no reschedule is pending")
		}
		payload := map[string]string{"reason": reason}

		switch {
		case c.Role == ActorPatient && a.RescheduleState == RescheduleProposedByPatient:
			if err := a.moveTo(StatusConfirmed); err != nil {
				return err
			}
			fx.doctor(notification.TplRescheduleWithdrawn, a, payload)
		case c.Role == ActorDoctor && a.RescheduleState == RescheduleProposedByDoctor && !a.HasProposal():
			if err := a.moveTo(StatusConfirmed); err != nil {
				return err
			}
			fx.patient(notification.TplRescheduleWithdrawn, a, payload)
		case c.Role == ActorDoctor && a.RescheduleState == RescheduleProposedByDoctor:
			now := s.clock.Now()
			a.RescheduleState = RescheduleDoctorCancelledAwaiting
			a.DoctorRescheduleCancelReason = reason
			a.DoctorRescheduleCancelledAt = &now
			a.clearProposal()
			fx.patient(notification.TplRescheduleWithdrawn, a, payload)
		default:
			return invalidTransition(a.Status, StatusConfirmed, "not_initiator",
				"only the party that requested the reschedule can withdraw it")
		}
		return nil
	})
}

// ResolveRescheduleChoice applies the patient's answer after a rejected or
// withdrawn reschedule.
func (s *Service) ResolveRescheduleChoice(ctx context.Context, c Caller, id uuid.UUID, choice RescheduleChoice, reason string) (*Appointment, error) {
	return s.mutate(ctx, id, c.Role, func(ctx context.Context, a *Appointment, fx *effects) error {
		if err := authorize(c, a, ActorPatient); err != nil {
			return err
		}
		if a.Status != StatusRescheduleRequested || !a.RescheduleState.AwaitingPatientChoice() {
			return invalidTransition(a.Status, StatusConfirmed, "no_choice_pending", "no reschedule decision is pending")
		}
		switch choice {
		case ChoiceKeepOriginal:
			if err := a.moveTo(StatusConfirmed); err != nil {
				return err
			}
			fx.doctor(notification.TplAppointmentConfirmed, a, nil)
		case ChoiceCancel:
			if reason == "" {
				reason = "patient cancelled after the reschedule fell through"
			}
			if err := s.cancelWithRefund(ctx, a, fx, ActorPatient, reason, RefundStandard); err != nil {
				return err
			}
			fx.doctor(notification.TplAppointmentCancelled, a, map[string]string{
				"reason":       reason,
				"cancelled_by": "patient",
			})
		default:
			return badInput(a.Status, a.Status, "invalid_choice", "choice must be KEEP_ORIGINAL or CANCEL")
		}
		return nil
	})
}

// CompleteAppointment closes a consultation that has ended and records the
// prescription.
func (s *Service) CompleteAppointment(ctx context.Context, c Caller, id uuid.UUID, in CompletionInput) (*Appointment, error) {
	return s.mutate(ctx, id, c.Role, func(ctx context.Context, a *Appointment, fx *effects) error {
		if err := authorize(c, a, ActorDoctor); err != nil {
			return err
		}
		now := s.clock.Now()
		if err := guardCompletion(a, in, s.cfg.Location, now); err != nil {
			return err
		}
		rx := &Prescription{
			ID:                   uuid.New(),
			AppointmentID:        a.ID,
			PatientID:            a.PatientID,
			DoctorID:             a.DoctorID,
			Diagnosis:            in.Diagnosis,
			Medications:          in.Medications,
			FollowUpInstructions: in.FollowUpInstructions,
			CreatedAt:            now,
		}
		if err := s.store.Prescriptions.Create(ctx, rx); err != nil {
			return fmt.Errorf("create prescription: %w", err)
		}
		if err := a.moveTo(StatusCompleted); err != nil {
			return err
		}
		a.PrescriptionID = &rx.ID
		a.FollowUpInstructions = in.FollowUpInstructions
		a.CompletedAt = &now
		a.PatientAttended = true
		a.ChatEnabled = true
		fx.patient(notification.TplAppointmentCompleted, a, map[string]string{"notes": in.FollowUpInstructions})
		return nil
	})
}

// MarkNoShow records that the patient did not attend.
func (s *Service) MarkNoShow(ctx context.Context, c Caller, id uuid.UUID) (*Appointment, error) {
	return s.mutate(ctx, id, c.Role, func(ctx context.Context, a *Appointment, fx *effects) error {
		if err := authorize(c, a, ActorDoctor); err != nil {
			return err
		}
		if err := guardEnded(a, StatusNoShow, s.cfg.Location, s.clock.Now()); err != nil {
			return err
		}
		if err := a.moveTo(StatusNoShow); err != nil {
			return err
		}
		a.PatientAttended = false
		fx.patient(notification.TplAppointmentNoShow, a, nil)
		return nil
	})
}
