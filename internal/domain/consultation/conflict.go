package consultation

import (
	"context"
	"fmt"

	"github.com/ehr/consult/internal/platform/notification"
)

// ensureSlotFree rejects a confirmation when another booking already holds
// the slot. Pending requests do not count; they lose in resolveConflicts.
func (s *Service) ensureSlotFree(ctx context.Context, a *Appointment) error {
	for _, st := range []Status{StatusConfirmed, StatusRescheduleRequested} {
		holders, err := s.store.Appointments.ListBySlot(ctx, a.DoctorID, a.AppointmentDate, a.SlotStartTime, st)
		if err != nil {
			return fmt.Errorf("list slot holders: %w", err)
		}
		for _, h := range holders {
			if h.ID != a.ID {
				return slotUnavailable("slot_taken",
					fmt.Sprintf("slot %s on %s is already booked", a.SlotStartTime, a.AppointmentDate))
			}
		}
	}
	return nil
}

// resolveConflicts cancels every other REQUESTED appointment for the
// winner's doctor, date and slot. It runs in the winner's transaction.
func (s *Service) resolveConflicts(ctx context.Context, winner *Appointment, fx *effects) error {
	rivals, err := s.store.Appointments.ListBySlot(ctx, winner.DoctorID, winner.AppointmentDate, winner.SlotStartTime, StatusRequested)
	if err != nil {
		return fmt.Errorf("list competing requests: %w", err)
	}
	now := s.clock.Now()
	for _, r := range rivals {
		if r.ID == winner.ID {
			continue
		}
		rival, err := s.loadForUpdate(ctx, r.ID)
		if err != nil {
			return err
		}
		if rival.Status != StatusRequested ||
			rival.AppointmentDate != winner.AppointmentDate ||
			rival.SlotStartTime != winner.SlotStartTime {
			continue
		}
		if err := rival.cancel(ActorSystem, slotConflictReason, now); err != nil {
			return err
		}
		if err := s.save(ctx, rival, StatusRequested, ActorSystem, fx); err != nil {
			return err
		}
		fx.patient(notification.TplSlotConflictCancelled, rival, map[string]string{"reason": slotConflictReason})
	}
	return nil
}
