package consultation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/consult/internal/platform/clock"
)

// BookingWindow bounds how far ahead a slot may be booked, in calendar days.
type BookingWindow struct {
	MinDays int
	MaxDays int
}

// BookingValidator guards appointment creation and reschedule proposals.
type BookingValidator struct {
	directory Directory
	appts     AppointmentRepository
	grid      GridConfig
	window    BookingWindow
	loc       *time.Location
	clock     clock.Clock
}

func NewBookingValidator(dir Directory, appts AppointmentRepository, grid GridConfig, window BookingWindow, loc *time.Location, clk clock.Clock) *BookingValidator {
	return &BookingValidator{directory: dir, appts: appts, grid: grid, window: window, loc: loc, clock: clk}
}

// Validate checks, in order: the doctor is bookable, the date is inside the
// booking window and not a weekend, and the slot is an open grid start.
// ignore excludes one appointment from the occupancy check.
func (v *BookingValidator) Validate(ctx context.Context, doctorID uuid.UUID, date, slot string, ignore uuid.UUID) error {
	doc, err := v.directory.GetDoctor(ctx, doctorID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return notFound("doctor")
		}
		return fmt.Errorf("load doctor: %w", err)
	}
	if !doc.Bookable() {
		return slotUnavailable("doctor_not_bookable", "doctor is not accepting appointments")
	}

	day, err := ParseDate(date, v.loc)
	if err != nil {
		return slotUnavailable("invalid_date", "appointment_date must be YYYY-MM-DD")
	}
	ahead := daysBetween(v.clock.Now().In(v.loc), day)
	if ahead < v.window.MinDays {
		return timing("too_soon", fmt.Sprintf("appointments must be booked at least %d days in advance", v.window.MinDays))
	}
	if ahead > v.window.MaxDays {
		return timing("too_far", fmt.Sprintf("appointments cannot be booked more than %d days in advance", v.window.MaxDays))
	}
	if isWeekend(day) {
		return slotUnavailable("weekend", "doctors do not consult on weekends")
	}
	if !IsGridStart(v.grid, slot) {
		return slotUnavailable("invalid_slot", fmt.Sprintf("%q is not a slot start time", slot))
	}

	occupied, err := v.appts.OccupiedSlots(ctx, doctorID, date, ignore)
	if err != nil {
		return fmt.Errorf("load occupied slots: %w", err)
	}
	for _, s := range GenerateSlots(v.grid, day, occupied) {
		if s.Start == slot {
			return nil
		}
	}
	return slotUnavailable("slot_unavailable", fmt.Sprintf("slot %s on %s is already taken", slot, date))
}
