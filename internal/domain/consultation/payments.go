package consultation

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/consult/internal/platform/notification"
)

// ConfirmPayment is the inbound gateway callback for a challan.
func (s *Service) ConfirmPayment(ctx context.Context, challan string) (*Appointment, error) {
	var out *Appointment
	fx := &effects{}
	err := s.store.Tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.store.Payments.GetByChallan(ctx, challan)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return notFound("payment")
			}
			return fmt.Errorf("load payment: %w", err)
		}
		if p.Status == LedgerCompleted {
			return paymentConflict("already_paid", fmt.Sprintf("challan %s is already paid", challan))
		}
		a, err := s.loadForUpdate(ctx, p.AppointmentID)
		if err != nil {
			return err
		}
		if a.PaymentStatus == PaymentPaid {
			return paymentConflict("already_paid", "the appointment is already paid")
		}
		switch a.Status {
		case StatusRequested, StatusConfirmed, StatusRescheduleRequested:
		default:
			return paymentConflict("not_payable", fmt.Sprintf("an appointment in %s cannot be paid", a.Status))
		}
		if a.PaymentStatus != PaymentPending {
			return paymentConflict("not_payable", fmt.Sprintf("payment is %s", a.PaymentStatus))
		}

		if err := s.store.Payments.MarkCompleted(ctx, p.ID, s.clock.Now()); err != nil {
			if errors.Is(err, ErrNotFound) {
				return paymentConflict("already_paid", fmt.Sprintf("challan %s is already paid", challan))
			}
			return fmt.Errorf("complete payment: %w", err)
		}
		a.PaymentStatus = PaymentPaid
		if err := s.save(ctx, a, a.Status, ActorSystem, fx); err != nil {
			return err
		}
		payload := map[string]string{"amount": amount(p.Amount), "challan": challan}
		fx.patient(notification.TplPaymentConfirmed, a, payload)
		fx.doctor(notification.TplPaymentConfirmed, a, payload)
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, fx)
	return out, nil
}
