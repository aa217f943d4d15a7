package consultation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/consult/internal/platform/notification"
)

// Decision is an admin verdict on an emergency request.
type Decision = RequestStatus

func checkDecision(d Decision) error {
	if d != RequestApproved && d != RequestRejected {
		return badInput("", "", "invalid_decision", "decision must be APPROVED or REJECTED")
	}
	return nil
}

func alreadyReviewed(st RequestStatus) *Error {
	return invalidTransition(Status(st), "", "already_reviewed", fmt.Sprintf("request was already %s", st))
}

// FileEmergencyCancellation asks an admin to cancel a paid booking the
// patient can no longer cancel directly.
func (s *Service) FileEmergencyCancellation(ctx context.Context, c Caller, id uuid.UUID, reason string) (*EmergencyCancellationRequest, error) {
	var req *EmergencyCancellationRequest
	fx := &effects{}
	err := s.store.Tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.loadForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(c, a, ActorPatient); err != nil {
			return err
		}
		if a.Status != StatusConfirmed {
			return invalidTransition(a.Status, StatusCancelled, "not_confirmed",
				"emergency cancellation is only available for confirmed appointments")
		}
		if a.PaymentStatus != PaymentPaid {
			return paymentConflict("not_paid", "unpaid appointments can be cancelled directly")
		}
		now := s.clock.Now()
		if err := guardEmergencyWindow(a, s.cfg.Location, now); err != nil {
			return err
		}
		switch _, err := s.store.Emergencies.PendingCancellation(ctx, a.ID); {
		case err == nil:
			return duplicate("pending_request_exists", "an emergency cancellation is already pending for this appointment")
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("load pending cancellation: %w", err)
		}

		req = &EmergencyCancellationRequest{
			ID:            uuid.New(),
			AppointmentID: a.ID,
			PatientID:     a.PatientID,
			Reason:        reason,
			Status:        RequestPending,
			ExpiresAt:     a.StartsAt(s.cfg.Location).Add(-EmergencyReviewWindow),
			CreatedAt:     now,
		}
		if err := s.store.Emergencies.CreateCancellation(ctx, req); err != nil {
			return err
		}
		fx.admin(notification.TplEmergencyCancelFiled, a, map[string]string{"reason": reason})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, fx)
	return req, nil
}

// ReviewEmergencyCancellation records the admin decision. Approval cancels
// with a full refund provided the review window is still open.
func (s *Service) ReviewEmergencyCancellation(ctx context.Context, c Caller, requestID uuid.UUID, decision Decision, notes string) (*EmergencyCancellationRequest, error) {
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	if err := checkDecision(decision); err != nil {
		return nil, err
	}
	var req *EmergencyCancellationRequest
	fx := &effects{}
	err := s.store.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		req, err = s.store.Emergencies.GetCancellationForUpdate(ctx, requestID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return notFound("emergency_cancellation")
			}
			return fmt.Errorf("load emergency cancellation: %w", err)
		}
		if req.Status != RequestPending {
			return alreadyReviewed(req.Status)
		}
		a, err := s.loadForUpdate(ctx, req.AppointmentID)
		if err != nil {
			return err
		}
		now := s.clock.Now()

		if decision == RequestApproved {
			if a.Status != StatusConfirmed {
				return invalidTransition(a.Status, StatusCancelled, "not_confirmed", "the appointment is no longer confirmed")
			}
			if err := guardEmergencyWindow(a, s.cfg.Location, now); err != nil {
				return err
			}
			reason := emergencyCancelTag + req.Reason
			if err := s.cancelWithRefund(ctx, a, fx, ActorAdmin, reason, RefundEmergency); err != nil {
				return err
			}
			if err := s.save(ctx, a, StatusConfirmed, ActorAdmin, fx); err != nil {
				return err
			}
			fx.doctor(notification.TplAppointmentCancelled, a, map[string]string{
				"reason":       reason,
				"cancelled_by": "admin",
			})
		}

		req.Status = decision
		req.AdminID = &c.ID
		req.AdminNotes = notes
		req.ReviewedAt = &now
		if err := s.store.Emergencies.UpdateCancellation(ctx, req); err != nil {
			return fmt.Errorf("update emergency cancellation: %w", err)
		}
		tpl := notification.TplEmergencyCancelRejected
		if decision == RequestApproved {
			tpl = notification.TplEmergencyCancelApproved
		}
		fx.patient(tpl, a, map[string]string{"decision": string(decision), "notes": notes})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, fx)
	return req, nil
}

// FileEmergencyReschedule asks an admin to force a reschedule the doctor
// cannot make directly.
func (s *Service) FileEmergencyReschedule(ctx context.Context, c Caller, id uuid.UUID, reason string) (*DoctorEmergencyRescheduleRequest, error) {
	var req *DoctorEmergencyRescheduleRequest
	fx := &effects{}
	err := s.store.Tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.loadForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(c, a, ActorDoctor); err != nil {
			return err
		}
		if a.Status != StatusConfirmed && a.Status != StatusRescheduleRequested {
			return invalidTransition(a.Status, StatusRescheduleRequested, "invalid_transition",
				fmt.Sprintf("cannot reschedule an appointment in %s", a.Status))
		}
		switch _, err := s.store.Emergencies.PendingReschedule(ctx, a.ID); {
		case err == nil:
			return duplicate("pending_request_exists", "an emergency reschedule is already pending for this appointment")
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("load pending reschedule: %w", err)
		}

		req = &DoctorEmergencyRescheduleRequest{
			ID:            uuid.New(),
			AppointmentID: a.ID,
			DoctorID:      a.DoctorID,
			Reason:        reason,
			Status:        RequestPending,
			CreatedAt:     s.clock.Now(),
		}
		if err := s.store.Emergencies.CreateReschedule(ctx, req); err != nil {
			return err
		}
		fx.admin(notification.TplEmergencyRescheduleFiled, a, map[string]string{"reason": reason})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, fx)
	return req, nil
}

// ReviewEmergencyReschedule records the admin decision. Approval puts the
// appointment into a doctor-initiated reschedule.
func (s *Service) ReviewEmergencyReschedule(ctx context.Context, c Caller, requestID uuid.UUID, decision Decision, notes string) (*DoctorEmergencyRescheduleRequest, error) {
	if err := requireAdmin(c); err != nil {
		return nil, err
	}
	if err := checkDecision(decision); err != nil {
		return nil, err
	}
	var req *DoctorEmergencyRescheduleRequest
	fx := &effects{}
	err := s.store.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		req, err = s.store.Emergencies.GetRescheduleForUpdate(ctx, requestID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return notFound("emergency_reschedule")
			}
			return fmt.Errorf("load emergency reschedule: %w", err)
		}
		if req.Status != RequestPending {
			return alreadyReviewed(req.Status)
		}
		a, err := s.loadForUpdate(ctx, req.AppointmentID)
		if err != nil {
			return err
		}
		now := s.clock.Now()

		if decision == RequestApproved {
			from := a.Status
			if from != StatusConfirmed && from != StatusRescheduleRequested {
				return invalidTransition(from, StatusRescheduleRequested, "invalid_transition",
					fmt.Sprintf("cannot reschedule an appointment in %s", from))
			}
			if err := startDoctorReschedule(a, emergencyReschedTag+req.Reason); err != nil {
				return err
			}
			if err := s.save(ctx, a, from, ActorAdmin, fx); err != nil {
				return err
			}
			fx.patient(notification.TplRescheduleRequested, a, map[string]string{"reason": a.RescheduleReason})
		}

		req.Status = decision
		req.AdminID = &c.ID
		req.AdminNotes = notes
		req.ReviewedAt = &now
		if err := s.store.Emergencies.UpdateReschedule(ctx, req); err != nil {
			return fmt.Errorf("update emergency reschedule: %w", err)
		}
		fx.doctor(notification.TplEmergencyRescheduleDecided, a, map[string]string{"decision": string(decision), "notes": notes})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, fx)
	return req, nil
}

// ListEmergencyCancellations serves the admin review queue. An empty status
// lists every request.
func (s *Service) ListEmergencyCancellations(ctx context.Context, c Caller, status RequestStatus, limit, offset int) ([]*EmergencyCancellationRequest, int, error) {
	if err := requireAdmin(c); err != nil {
		return nil, 0, err
	}
	items, total, err := s.store.Emergencies.ListCancellations(ctx, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list emergency cancellations: %w", err)
	}
	return items, total, nil
}

func (s *Service) ListEmergencyReschedules(ctx context.Context, c Caller, status RequestStatus, limit, offset int) ([]*DoctorEmergencyRescheduleRequest, int, error) {
	if err := requireAdmin(c); err != nil {
		return nil, 0, err
	}
	items, total, err := s.store.Emergencies.ListReschedules(ctx, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list emergency reschedules: %w", err)
	}
	return items, total, nil
}
