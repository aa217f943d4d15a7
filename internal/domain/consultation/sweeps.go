package consultation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/consult/internal/platform/notification"
)

// Sweep task names, shared by the scheduler and the sweep command.
const (
	TaskExpireRequests = "expire-requests"
	TaskCancelUnpaid   = "cancel-unpaid"
	TaskMarkPast       = "mark-past"
	TaskReminders      = "reminders"
)

const sweepBatch = 500

type SweepResult struct {
	Scanned int `json:"scanned"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

// Sweeps returns every periodic sweep keyed by task name.
func (s *Service) Sweeps() map[string]func(context.Context) (SweepResult, error) {
	return map[string]func(context.Context) (SweepResult, error){
		TaskExpireRequests: s.ExpireStaleRequests,
		TaskCancelUnpaid:   s.CancelUnpaidConfirmed,
		TaskMarkPast:       s.MarkElapsedPast,
		TaskReminders:      s.SendReminders,
	}
}

// sweep applies fn to each candidate in its own transaction. fn returns
// errUnchanged when the re-read record no longer qualifies. A failing
// record is logged and counted; the batch continues.
func (s *Service) sweep(ctx context.Context, task string, q SweepQuery, fn func(ctx context.Context, a *Appointment, fx *effects) error) (SweepResult, error) {
	if q.Limit == 0 {
		q.Limit = sweepBatch
	}
	candidates, err := s.store.Appointments.ListForSweep(ctx, q)
	if err != nil {
		return SweepResult{}, fmt.Errorf("%s: list candidates: %w", task, err)
	}
	res := SweepResult{Scanned: len(candidates)}
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		_, err := s.mutate(ctx, cand.ID, ActorSystem, fn)
		switch {
		case err == nil:
			res.Changed++
		case errors.Is(err, errUnchanged):
		default:
			res.Failed++
			s.logger.Warn().Err(err).
				Str("task", task).
				Str("appointment_id", cand.ID.String()).
				Msg("sweep record failed")
		}
	}
	return res, nil
}

// ExpireStaleRequests cancels requests the doctor left unanswered for
// longer than RequestExpiry.
func (s *Service) ExpireStaleRequests(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now()
	cutoff := now.Add(-RequestExpiry)
	q := SweepQuery{Status: StatusRequested, RequestedBefore: &cutoff}
	return s.sweep(ctx, TaskExpireRequests, q, func(ctx context.Context, a *Appointment, fx *effects) error {
		if a.Status != StatusRequested || !a.RequestedAt.Before(cutoff) {
			return errUnchanged
		}
		if err := a.cancel(ActorSystem, expiredReason, now); err != nil {
			return err
		}
		fx.patient(notification.TplAppointmentExpired, a, map[string]string{"reason": expiredReason})
		return nil
	})
}

// CancelUnpaidConfirmed cancels confirmed bookings still unpaid inside
// UnpaidCutoff of their start. Nothing was paid, so nothing is refunded.
func (s *Service) CancelUnpaidConfirmed(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now()
	horizon := now.Add(UnpaidCutoff).In(s.cfg.Location).Format(dateLayout)
	q := SweepQuery{Status: StatusConfirmed, PaymentStatus: PaymentPending, DateOnOrBefore: horizon}
	return s.sweep(ctx, TaskCancelUnpaid, q, func(ctx context.Context, a *Appointment, fx *effects) error {
		if a.Status != StatusConfirmed || a.PaymentStatus != PaymentPending ||
			timeUntilStart(a, s.cfg.Location, now) >= UnpaidCutoff {
			return errUnchanged
		}
		if err := a.cancel(ActorSystem, unpaidReason, now); err != nil {
			return err
		}
		fx.patient(notification.TplUnpaidCancelled, a, map[string]string{"reason": unpaidReason})
		fx.doctor(notification.TplAppointmentCancelled, a, map[string]string{
			"reason":       unpaidReason,
			"cancelled_by": "system",
		})
		return nil
	})
}

// MarkElapsedPast moves paid confirmed bookings whose end has passed to PAST.
func (s *Service) MarkElapsedPast(ctx context.Context) (SweepResult, error) {
	return s.markPast(ctx, uuid.Nil, uuid.Nil)
}

// markPast optionally scopes the sweep to one patient or doctor so list
// reads only touch the caller's rows.
func (s *Service) markPast(ctx context.Context, patientID, doctorID uuid.UUID) (SweepResult, error) {
	now := s.clock.Now()
	q := SweepQuery{
		Status:         StatusConfirmed,
		PaymentStatus:  PaymentPaid,
		PatientID:      patientID,
		DoctorID:       doctorID,
		DateOnOrBefore: now.In(s.cfg.Location).Format(dateLayout),
	}
	return s.sweep(ctx, TaskMarkPast, q, func(ctx context.Context, a *Appointment, fx *effects) error {
		if a.Status != StatusConfirmed || a.PaymentStatus != PaymentPaid || now.Before(a.EndsAt(s.cfg.Location)) {
			return errUnchanged
		}
		return a.moveTo(StatusPast)
	})
}

// SendReminders flags and announces confirmed bookings dated tomorrow. The
// flag is persisted before dispatch, so a reminder goes out at most once.
func (s *Service) SendReminders(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now()
	tomorrow := now.In(s.cfg.Location).AddDate(0, 0, 1).Format(dateLayout)
	notSent := false
	q := SweepQuery{Status: StatusConfirmed, DateEquals: tomorrow, ReminderSent: &notSent}
	return s.sweep(ctx, TaskReminders, q, func(ctx context.Context, a *Appointment, fx *effects) error {
		if a.Status != StatusConfirmed || a.AppointmentDate != tomorrow || a.ReminderSent {
			return errUnchanged
		}
		a.ReminderSent = true
		a.ReminderSentAt = &now
		fx.patient(notification.TplAppointmentReminder, a, nil)
		fx.doctor(notification.TplAppointmentReminder, a, nil)
		return nil
	})
}
