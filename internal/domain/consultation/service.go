package consultation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consult/internal/platform/clock"
	"github.com/ehr/consult/internal/platform/metrics"
	"github.com/ehr/consult/internal/platform/notification"
)

// Caller is the authenticated actor behind a request.
type Caller struct {
	ID   uuid.UUID
	Role Actor
}

// System is the caller used by scheduler sweeps.
var System = Caller{ID: uuid.Nil, Role: ActorSystem}

// Settings carries the business configuration.
type Settings struct {
	Policy   Policy
	Grid     GridConfig
	Window   BookingWindow
	Location *time.Location
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithNotifier(d notification.Dispatcher) Option { return func(s *Service) { s.notifier = d } }

func WithPaymentHooks(h PaymentHooks) Option { return func(s *Service) { s.hooks = h } }

func WithMetrics(m *metrics.Collector) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

type Service struct {
	store     Store
	directory Directory
	cfg       Settings
	booking   *BookingValidator

	clock    clock.Clock
	notifier notification.Dispatcher
	hooks    PaymentHooks
	metrics  *metrics.Collector
	logger   zerolog.Logger
	// spawn runs outbound payment hooks off the request path.
	spawn func(func())
}

func NewService(store Store, dir Directory, cfg Settings, opts ...Option) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Grid.SlotLength == 0 {
		cfg.Grid = DefaultGrid()
	}
	s := &Service{
		store:     store,
		directory: dir,
		cfg:       cfg,
		clock:     clock.Real(),
		notifier:  discard{},
		hooks:     NoopHooks{},
		logger:    zerolog.Nop(),
		spawn:     func(f func()) { go f() },
	}
	for _, o := range opts {
		o(s)
	}
	s.booking = NewBookingValidator(dir, store.Appointments, cfg.Grid, cfg.Window, cfg.Location, s.clock)
	return s
}

type discard struct{}

func (discard) Dispatch(context.Context, notification.Event) error { return nil }

// ---------------------------------------------------------------------------
// Unit of work
// ---------------------------------------------------------------------------

type move struct {
	from, to Status
	by       Actor
}

// effects collects side effects that run only after the transaction commits.
type effects struct {
	events []notification.Event
	dues   []PaymentDue
	moves  []move
}

func (fx *effects) notify(recipient, template string, a *Appointment, extra map[string]string) {
	p := map[string]string{
		"appointment_id": a.ID.String(),
		"date":           a.AppointmentDate,
		"slot":           a.SlotStartTime,
		"status":         string(a.Status),
	}
	for k, v := range extra {
		p[k] = v
	}
	fx.events = append(fx.events, notification.Event{Recipient: recipient, TemplateKey: template, Payload: p})
}

func (fx *effects) patient(template string, a *Appointment, extra map[string]string) {
	fx.notify(notification.PatientRecipient(a.PatientID), template, a, extra)
}

func (fx *effects) doctor(template string, a *Appointment, extra map[string]string) {
	fx.notify(notification.DoctorRecipient(a.DoctorID), template, a, extra)
}

func (fx *effects) admin(template string, a *Appointment, extra map[string]string) {
	fx.notify(notification.AdminRecipient, template, a, extra)
}

// errUnchanged aborts a unit of work without error when a re-checked guard
// no longer holds.
var errUnchanged = errors.New("consultation: nothing to change")

// mutate loads the appointment under a row lock, applies fn, persists the
// result and, after commit, flushes side effects.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, by Actor, fn func(ctx context.Context, a *Appointment, fx *effects) error) (*Appointment, error) {
	var out *Appointment
	fx := &effects{}
	err := s.store.Tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.loadForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from := a.Status
		if err := fn(ctx, a, fx); err != nil {
			return err
		}
		if err := s.save(ctx, a, from, by, fx); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, fx)
	return out, nil
}

func (s *Service) save(ctx context.Context, a *Appointment, from Status, by Actor, fx *effects) error {
	a.UpdatedAt = s.clock.Now()
	if err := s.store.Appointments.Update(ctx, a); err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if from != a.Status {
		fx.moves = append(fx.moves, move{from: from, to: a.Status, by: by})
	}
	return nil
}

func (s *Service) loadForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.store.Appointments.GetByIDForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("appointment")
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return a, nil
}

// flush is best-effort: the transition already committed.
func (s *Service) flush(ctx context.Context, fx *effects) {
	for _, m := range fx.moves {
		s.metrics.RecordTransition(string(m.from), string(m.to), string(m.by))
	}
	now := s.clock.Now()
	for _, ev := range fx.events {
		ev.OccurredAt = now
		err := s.notifier.Dispatch(ctx, ev)
		s.metrics.RecordNotification(ev.TemplateKey, err == nil)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("template", ev.TemplateKey).
				Str("recipient", ev.Recipient).
				Str("appointment_id", ev.Payload["appointment_id"]).
				Msg("notification dispatch failed")
		}
	}
	for _, due := range fx.dues {
		due := due
		s.spawn(func() {
			hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
			defer cancel()
			if err := s.hooks.PaymentRequired(hctx, due); err != nil {
				s.logger.Warn().Err(err).
					Str("challan", due.Challan).
					Str("appointment_id", due.AppointmentID.String()).
					Msg("payment required hook failed")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Authorization
// ---------------------------------------------------------------------------

// authorize checks the caller's role and, for patients and doctors, that
// they are the party named on the appointment.
func authorize(c Caller, a *Appointment, roles ...Actor) error {
	allowed := false
	for _, r := range roles {
		if c.Role == r {
			allowed = true
			break
		}
	}
	if !allowed {
		return unauthorized(fmt.Sprintf("%s cannot perform this action", strings.ToLower(string(c.Role))))
	}
	switch c.Role {
	case ActorPatient:
		if a.PatientID != c.ID {
			return unauthorized("appointment belongs to another patient")
		}
	case ActorDoctor:
		if a.DoctorID != c.ID {
			return unauthorized("appointment belongs to another doctor")
		}
	}
	return nil
}

func requireAdmin(c Caller) error {
	if c.Role != ActorAdmin {
		return unauthorized("admin role required")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Booking
// ---------------------------------------------------------------------------

// BookingRequest is a patient's request for a slot.
type BookingRequest struct {
	DoctorID  uuid.UUID       `json:"doctor_id" validate:"required"`
	Date      string          `json:"appointment_date" validate:"required,isodate"`
	SlotStart string          `json:"slot_start_time" validate:"required,hhmm"`
	Type      AppointmentType `json:"appointment_type" validate:"required,oneof=ONLINE IN_PERSON"`
	Reason    string          `json:"reason" validate:"max=2000"`
}

// AvailableSlots returns the open slots for doctorID on date.
func (s *Service) AvailableSlots(ctx context.Context, doctorID uuid.UUID, date string) ([]Slot, error) {
	day, err := ParseDate(date, s.cfg.Location)
	if err != nil {
		return nil, slotUnavailable("invalid_date", "date must be YYYY-MM-DD")
	}
	if _, err := s.directory.GetDoctor(ctx, doctorID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("doctor")
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	occupied, err := s.store.Appointments.OccupiedSlots(ctx, doctorID, date, uuid.Nil)
	if err != nil {
		return nil, fmt.Errorf("load occupied slots: %w", err)
	}
	return GenerateSlots(s.cfg.Grid, day, occupied), nil
}

// RequestAppointment creates a REQUESTED appointment. Validation and insert
// are not atomic: concurrent requests for one slot may both
// succeed and are reconciled when the doctor confirms one of them.
func (s *Service) RequestAppointment(ctx context.Context, c Caller, req BookingRequest) (*Appointment, error) {
	if c.Role != ActorPatient {
		return nil, unauthorized("only patients can request appointments")
	}
	if req.Type != TypeOnline && req.Type != TypeInPerson {
		return nil, badInput("", StatusRequested, "invalid_type", "appointment_type must be ONLINE or IN_PERSON")
	}
	if err := s.booking.Validate(ctx, req.DoctorID, req.Date, req.SlotStart, uuid.Nil); err != nil {
		return nil, err
	}
	end, err := s.cfg.Grid.SlotEnd(req.SlotStart)
	if err != nil {
		return nil, slotUnavailable("invalid_slot", err.Error())
	}

	now := s.clock.Now()
	a := &Appointment{
		ID:              uuid.New(),
		PatientID:       c.ID,
		DoctorID:        req.DoctorID,
		AppointmentDate: req.Date,
		SlotStartTime:   req.SlotStart,
		SlotEndTime:     end,
		Type:            req.Type,
		Reason:          req.Reason,
		Status:          StatusRequested,
		PaymentStatus:   PaymentPending,
		PaymentAmount:   s.cfg.Policy.Fee,
		RequestedAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Appointments.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	fx := &effects{}
	fx.doctor(notification.TplAppointmentRequested, a, map[string]string{"reason": a.Reason})
	s.flush(ctx, fx)
	return a, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func (s *Service) GetAppointment(ctx context.Context, c Caller, id uuid.UUID) (*Appointment, error) {
	a, err := s.store.Appointments.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("appointment")
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if err := authorize(c, a, ActorPatient, ActorDoctor, ActorAdmin); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAppointments scopes patients and doctors to their own appointments.
// Elapsed paid appointments in scope are marked PAST first.
func (s *Service) ListAppointments(ctx context.Context, c Caller, f ListFilter) ([]*Appointment, int, error) {
	switch c.Role {
	case ActorPatient:
		f.PatientID = c.ID
	case ActorDoctor:
		f.DoctorID = c.ID
	case ActorAdmin:
	default:
		return nil, 0, unauthorized("cannot list appointments")
	}
	if _, err := s.markPast(ctx, f.PatientID, f.DoctorID); err != nil {
		s.logger.Warn().Err(err).Msg("mark past before list failed")
	}
	items, total, err := s.store.Appointments.List(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	return items, total, nil
}

func (s *Service) ListPayments(ctx context.Context, c Caller, appointmentID uuid.UUID) ([]*Payment, error) {
	if _, err := s.GetAppointment(ctx, c, appointmentID); err != nil {
		return nil, err
	}
	items, err := s.store.Payments.ListByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return items, nil
}

func amount(v int64) string { return strconv.FormatInt(v, 10) }
