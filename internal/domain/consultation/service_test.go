package consultation

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/consult/internal/platform/notification"
)

// Fee 1000, deduction 250 throughout.

func TestScenario_ConfirmAssignsChallan(t *testing.T) {
	f := newFixture(t)
	a := f.book(f.patient, day(5), "10:00")
	if a.Status != StatusRequested || a.PaymentStatus != PaymentPending || a.ChallanNumber != "" {
		t.Fatalf("unexpected new appointment: %+v", a)
	}

	got := f.confirm(a.ID)

	if got.Status != StatusConfirmed {
		t.Errorf("expected CONFIRMED, got %s", got.Status)
	}
	if got.PaymentStatus != PaymentPending {
		t.Errorf("expected PENDING payment, got %s", got.PaymentStatus)
	}
	if !strings.HasPrefix(got.ChallanNumber, "CH-") {
		t.Errorf("expected challan to be assigned, got %q", got.ChallanNumber)
	}
	rows := f.store.paymentsFor(a.ID)
	if len(rows) != 1 {
		t.Fatalf("expected 1 payment row, got %d", len(rows))
	}
	if rows[0].Status != LedgerPending || rows[0].Amount != 1000 || rows[0].Type != PaymentTypePayment {
		t.Errorf("unexpected payment row: %+v", rows[0])
	}
	if f.hooks.count() != 1 {
		t.Errorf("expected payment required hook, got %d calls", f.hooks.count())
	}
	due := f.events.ByTemplate(notification.TplPaymentRequired)
	if len(due) != 1 || due[0].Recipient != notification.PatientRecipient(f.patient.ID) {
		t.Errorf("expected payment-required event to patient, got %+v", due)
	}
}

func TestScenario_PaidCancelPartialRefund(t *testing.T) {
	f := newFixture(t)
	a := f.paidBooking()
	if a.PaymentStatus != PaymentPaid {
		t.Fatalf("expected PAID, got %s", a.PaymentStatus)
	}
	f.before(a, 48*time.Hour)

	got, err := f.svc.CancelByPatient(f.ctx, f.patient, a.ID, "travel")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if got.Status != StatusCancelled || got.CancelledBy != ActorPatient {
		t.Errorf("expected CANCELLED by PATIENT, got %s by %s", got.Status, got.CancelledBy)
	}
	if got.PaymentStatus != PaymentPartialRefund || got.RefundAmount != 750 {
		t.Errorf("expected PARTIAL_REFUND 750, got %s %d", got.PaymentStatus, got.RefundAmount)
	}
	var refund *Payment
	for _, p := range f.store.paymentsFor(a.ID) {
		if p.Type == PaymentTypeRefund {
			refund = p
		}
	}
	if refund == nil {
		t.Fatal("expected a REFUND row")
	}
	if refund.Amount != 750 || refund.Status != LedgerCompleted || refund.ChallanNumber != "REF-"+a.ChallanNumber {
		t.Errorf("unexpected refund row: %+v", refund)
	}
	if refund.RefundInitiatedBy != ActorPatient {
		t.Errorf("expected refund initiated by PATIENT, got %s", refund.RefundInitiatedBy)
	}
}

func TestScenario_LateCancelRejected(t *testing.T) {
	f := newFixture(t)
	a := f.paidBooking()
	f.before(a, 10*time.Hour)

	_, err := f.svc.CancelByPatient(f.ctx, f.patient, a.ID, "sick")

	wantKind(t, err, KindTimingViolation, "cancel_cutoff")
	if !strings.Contains(err.Error(), "less than 24 hours") {
		t.Errorf("expected the violated rule in the message, got %q", err.Error())
	}
	got := f.reload(a.ID)
	if got.Status != StatusConfirmed || got.PaymentStatus != PaymentPaid {
		t.Errorf("appointment should be untouched, got %s/%s", got.Status, got.PaymentStatus)
	}
	if len(f.store.cancels) != 0 {
		t.Error("direct cancel must not fall back to an emergency request")
	}
}

func TestScenario_DoctorRescheduleFullRefund(t *testing.T) {
	f := newFixture(t)
	a := f.paidBooking()

	rr, err := f.svc.RequestReschedule(f.ctx, f.doctor, a.ID, RescheduleInput{Reason: "conference"})
	if err != nil {
		t.Fatalf("doctor reschedule: %v", err)
	}
	if rr.Status != StatusRescheduleRequested || rr.RescheduleState != RescheduleProposedByDoctor {
		t.Fatalf("expected RESCHEDULE_REQUESTED/PROPOSED_BY_DOCTOR, got %s/%s", rr.Status, rr.RescheduleState)
	}

	got, err := f.svc.CancelByPatient(f.ctx, f.patient, a.ID, "no new slot suits me")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.RefundAmount != 1000 || got.PaymentStatus != PaymentRefunded {
		t.Errorf("expected full refund, got %d %s", got.RefundAmount, got.PaymentStatus)
	}
}

func TestScenario_ConcurrentRequestsOneSurvives(t *testing.T) {
	f := newFixture(t)
	var arrived sync.WaitGroup
	arrived.Add(2)
	f.store.beforeOccupied = func() {
		arrived.Done()
		arrived.Wait()
	}

	results := make([]*Appointment, 2)
	errs := make([]error, 2)
	var done sync.WaitGroup
	for i, p := range []Caller{f.patient, f.patient2} {
		done.Add(1)
		go func(i int, p Caller) {
			defer done.Done()
			results[i], errs[i] = f.svc.RequestAppointment(f.ctx, p, BookingRequest{
				DoctorID: f.doctor.ID, Date: day(5), SlotStart: "10:00", Type: TypeInPerson,
			})
		}(i, p)
	}
	done.Wait()
	f.store.beforeOccupied = nil

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	f.confirm(results[0].ID)

	loser := f.reload(results[1].ID)
	if loser.Status != StatusCancelled {
		t.Fatalf("expected competing request to be cancelled, got %s", loser.Status)
	}
	if loser.CancelledBy != ActorSystem || loser.CancellationReason != "slot already occupied" {
		t.Errorf("unexpected cancellation metadata: %s %q", loser.CancelledBy, loser.CancellationReason)
	}
	ev := f.events.ByTemplate(notification.TplSlotConflictCancelled)
	if len(ev) != 1 || ev[0].Recipient != notification.PatientRecipient(f.patient2.ID) {
		t.Errorf("expected conflict notice to the losing patient, got %+v", ev)
	}
}

func TestScenario_ExpireStaleRequest(t *testing.T) {
	f := newFixture(t)
	a := f.book(f.patient, day(5), "10:00")
	f.clock.Advance(25 * time.Hour)

	res, err := f.svc.ExpireStaleRequests(f.ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Changed != 1 {
		t.Fatalf("expected 1 change, got %+v", res)
	}
	got := f.reload(a.ID)
	if got.Status != StatusCancelled || got.CancelledBy != ActorSystem {
		t.Errorf("expected CANCELLED by SYSTEM, got %s by %s", got.Status, got.CancelledBy)
	}
	if got.CancellationReason != "doctor did not respond within 24 hours" {
		t.Errorf("unexpected reason %q", got.CancellationReason)
	}
}

func TestConfirm_ConcurrentConfirmsOneWins(t *testing.T) {
	f := newFixture(t)
	first := f.seedRequest(f.patient, day(5), "10:00")
	second := f.seedRequest(f.patient2, day(5), "10:00")

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []uuid.UUID{first.ID, second.ID} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = f.svc.ConfirmAppointment(f.ctx, f.doctor, id, "")
		}(i, id)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("loser should see an invalid transition, got %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one confirmation, got %d", ok)
	}
	confirmed := 0
	for _, id := range []uuid.UUID{first.ID, second.ID} {
		if f.reload(id).Status == StatusConfirmed {
			confirmed++
		}
	}
	if confirmed != 1 {
		t.Errorf("expected one CONFIRMED appointment, got %d", confirmed)
	}
}

func TestConfirm_CancelsOnlyMatchingRequests(t *testing.T) {
	f := newFixture(t)
	winner := f.seedRequest(f.patient, day(5), "10:00")
	sameSlot := f.seedRequest(f.patient2, day(5), "10:00")
	otherSlot := f.seedRequest(f.patient2, day(5), "10:30")
	otherDay := f.seedRequest(f.patient2, day(6), "10:00")

	otherDoctor := &Doctor{ID: uuid.New(), Name: "Dr. Iyer", Approved: true, Active: true}
	f.store.addDoctor(otherDoctor)
	otherDoc := f.seedRequest(f.patient2, day(5), "10:00")
	otherDoc.DoctorID = otherDoctor.ID
	f.store.seed(otherDoc)

	f.confirm(winner.ID)

	if got := f.reload(sameSlot.ID).Status; got != StatusCancelled {
		t.Errorf("same slot: expected CANCELLED, got %s", got)
	}
	for name, id := range map[string]uuid.UUID{
		"other slot":   otherSlot.ID,
		"other day":    otherDay.ID,
		"other doctor": otherDoc.ID,
	} {
		if got := f.reload(id).Status; got != StatusRequested {
			t.Errorf("%s: expected REQUESTED, got %s", name, got)
		}
	}
}

func TestConfirm_SlotAlreadyBooked(t *testing.T) {
	f := newFixture(t)
	held := f.seedRequest(f.patient2, day(5), "10:00")
	held.Status = StatusConfirmed
	f.store.seed(held)
	a := f.seedRequest(f.patient, day(5), "10:00")

	_, err := f.svc.ConfirmAppointment(f.ctx, f.doctor, a.ID, "")

	wantKind(t, err, KindSlotUnavailable, "slot_taken")
	if got := f.reload(a.ID); got.Status != StatusRequested || got.ChallanNumber != "" {
		t.Errorf("failed confirm must roll back, got %s challan %q", got.Status, got.ChallanNumber)
	}
	if len(f.store.paymentsFor(a.ID)) != 0 {
		t.Error("failed confirm must not leave a payment row")
	}
}

func TestConfirm_OnlineNeedsMeetingLink(t *testing.T) {
	f := newFixture(t)
	a, err := f.svc.RequestAppointment(f.ctx, f.patient, BookingRequest{
		DoctorID: f.doctor.ID, Date: day(5), SlotStart: "11:00", Type: TypeOnline,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	_, err = f.svc.ConfirmAppointment(f.ctx, f.doctor, a.ID, "")
	wantKind(t, err, KindInvalidTransition, "meeting_link_required")

	got, err := f.svc.ConfirmAppointment(f.ctx, f.doctor, a.ID, "https://meet.example.com/abc")
	if err != nil {
		t.Fatalf("confirm with link: %v", err)
	}
	if got.MeetingLink != "https://meet.example.com/abc" {
		t.Errorf("expected meeting link to be stored, got %q", got.MeetingLink)
	}
}

func TestConfirm_PaidChallanCarriesOver(t *testing.T) {
	f := newFixture(t)
	a := f.paidBooking()

	_, err := f.svc.RequestReschedule(f.ctx, f.patient, a.ID, RescheduleInput{
		Reason: "clash", Date: day(6), SlotStart: "11:00",
	})
	if err != nil {
		t.Fatalf("patient reschedule: %v", err)
	}
	got, err := f.svc.ConfirmAppointment(f.ctx, f.doctor, a.ID, "")
	if err != nil {
		t.Fatalf("confirm reschedule: %v", err)
	}

	if got.Status != StatusConfirmed || got.PaymentStatus != PaymentPaid {
		t.Errorf("expected CONFIRMED/PAID, got %s/%s", got.Status, got.PaymentStatus)
	}
	if got.AppointmentDate != day(6) || got.SlotStartTime != "11:00" || got.SlotEndTime != "11:30" {
		t.Errorf("expected moved to %s 11:00-11:30, got %s %s-%s", day(6), got.AppointmentDate, got.SlotStartTime, got.SlotEndTime)
	}
	if got.ChallanNumber != a.ChallanNumber {
		t.Errorf("challan changed from %s to %s", a.ChallanNumber, got.ChallanNumber)
	}
	if n := len(f.store.paymentsFor(a.ID)); n != 1 {
		t.Errorf("expected no new payment row, got %d rows", n)
	}
	if f.hooks.count() != 1 {
		t.Errorf("paid challan must not raise another payment hook, got %d", f.hooks.count())
	}
	if len(f.events.ByTemplate(notification.TplRescheduleConfirmed)) != 1 {
		t.Error("expected reschedule-confirmed notification")
	}
}

func TestCancelByDoctor(t *testing.T) {
	t.Run("unpaid any time", func(t *testing.T) {
		f := newFixture(t)
		a := f.book(f.patient, day(5), "10:00")
		f.confirm(a.ID)
		f.before(a, time.Hour)

		got, err := f.svc.CancelByDoctor(f.ctx, f.doctor, a.ID, "emergency")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got.Status != StatusCancelled || got.CancelledBy != ActorDoctor || got.RefundAmount != 0 {
			t.Errorf("unexpected result: %s by %s refund %d", got.Status, got.CancelledBy, got.RefundAmount)
		}
	})

	t.Run("paid must reschedule", func(t *testing.T) {
		f := newFixture(t)
		a := f.paidBooking()
		_, err := f.svc.CancelByDoctor(f.ctx, f.doctor, a.ID, "")
		wantKind(t, err, KindPaymentStateConflict, "must_reschedule")
	})

	t.Run("paid inside 24h goes to emergency path", func(t *testing.T) {
		f := newFixture(t)
		a := f.paidBooking()
		f.before(a, 20*time.Hour)
		_, err := f.svc.CancelByDoctor(f.ctx, f.doctor, a.ID, "")
		wantKind(t, err, KindTimingViolation, "use_emergency_reschedule")
		if got := f.reload(a.ID).Status; got != StatusConfirmed {
			t.Errorf("expected CONFIRMED, got %s", got)
		}
	})
}

func TestDeclineAppointment(t *testing.T) {
	f := newFixture(t)
	a := f.book(f.patient, day(5), "10:00")

	got, err := f.svc.DeclineAppointment(f.ctx, f.doctor, a.ID, "fully booked")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if got.Status != StatusCancelled || got.CancelledBy != ActorDoctor || got.RefundAmount != 0 {
		t.Errorf("unexpected result: %+v", got)
	}
	if len(f.events.ByTemplate(notification.TplAppointmentDeclined)) != 1 {
		t.Error("expected declined notification")
	}

	_, err = f.svc.DeclineAppointment(f.ctx, f.doctor, a.ID, "")
	wantKind(t, err, KindInvalidTransition, "")
}

func TestPatientWithdrawsRequest(t *testing.T) {
	f := newFixture(t)
	a := f.book(f.patient, day(5), "10:00")
	f.before(a, time.Hour)

	got, err := f.svc.CancelByPatient(f.ctx, f.patient, a.ID, "changed my mind")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Status != StatusCancelled || got.PaymentStatus != PaymentPending || got.RefundAmount != 0 {
		t.Errorf("unexpected result: %s %s %d", got.Status, got.PaymentStatus, got.RefundAmount)
	}
	if len(f.store.paymentsFor(a.ID)) != 0 {
		t.Error("withdrawing a request must not write payments")
	}
}

func TestPatientReschedule_UnpaidRevertsToRequested(t *testing.T) {
	f := newFixture(t)
	a := f.book(f.patient, day(5), "10:00")
	confirmed := f.confirm(a.ID)
	f.clock.Advance(2 * time.Hour)

	got, err := f.svc.RequestReschedule(f.ctx, f.patient, a.ID, RescheduleInput{
		Reason: "exam", Date: day(7), SlotStart: "14:00",
	})
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if got.Status != StatusRequested || got.RescheduleState != RescheduleNone {
		t.Fatalf("expected REQUESTED, got %s/%s", got.Status, got.RescheduleState)
	}
	if got.AppointmentDate != day(7) || got.SlotStartTime != "14:00" || got.SlotEndTime != "14:30" {
		t.Errorf("expected new slot, got %s %s-%s", got.AppointmentDate, got.SlotStartTime, got.SlotEndTime)
	}
	if got.ChallanNumber != confirmed.ChallanNumber {
		t.Errorf("challan should be kept, got %q", got.ChallanNumber)
	}
	if !got.RequestedAt.Equal(f.clock.Now()) {
		t.Errorf("expected requested_at reset to now, got %v", got.RequestedAt)
	}

	again := f.confirm(a.ID)
	if again.ChallanNumber != confirmed.ChallanNumber {
		t.Errorf("re-confirm must keep challan")
	}
	if n := len(f.store.paymentsFor(a.ID)); n != 1 {
		t.Errorf("expected one payment row, got %d", n)
	}
	if f.hooks.count() != 2 {
		t.Errorf("unpaid challan should be raised again, got %d hook calls", f.hooks.count())
	}
}

func TestPatientReschedule_PaidCutoff(t *testing.T) {
	f := newFixture(t)
	a := f.paidBooking()
	f.before(a, 10*time.Hour)

	_, err := f.svc.RequestReschedule(f.ctx, f.patient, a.ID, RescheduleInput{Date: day(8), SlotStart: "09:00"})

	wantKind(t, err, KindTimingViolation, "reschedule_cutoff")
}

func TestPatientReschedule_RequiresProposal(t *testing.T) {
	f := newFixture(t)
	a := f.paidBooking()

	_, err := f.svc.RequestReschedule(f.ctx, f.patient, a.ID, RescheduleInput{Reason: "later"})

	wantKind(t, err, KindInvalidTransition, "proposal_required")
}

func TestReschedule_RejectedThenPatientChooses(t *testing.T) {
	setup := func(t *testing.T) (*fixture, *Appointment) {
		f := newFixture(t)
		a := f.paidBooking()
		if _, err := f.svc.RequestReschedule(f.ctx, f.patient, a.ID, RescheduleInput{Date: day(6), SlotStart: "11:00"}); err != nil {
			t.Fatalf("reschedule: %v", err)
		}
		got, err := f.svc.RejectReschedule(f.ctx, f.doctor, a.ID, "no capacity")
		if err != nil {
			t.Fatalf("reject: %v", err)
		}
		if !got.RescheduleRejected() || got.HasProposal() {
			t.Fatalf("expected rejected state without proposal, got %+v", got)
		}
		return f, a
	}

	t.Run("keep original", func(t *testing.T) {
		f, a := setup(t)
		got, err := f.svc.ResolveRescheduleChoice(f.ctx, f.patient, a.ID, ChoiceKeepOriginal, "")
		if err != nil {
			t.Fatalf("keep: %v", err)
		}
		if got.Status != StatusConfirmed || got.AppointmentDate != day(5) || got.SlotStartTime != "10:00" {
			t.Errorf("expected original CONFIRMED slot, got %s %s %s", got.Status, got.AppointmentDate, got.SlotStartTime)
		}
		if got.PaymentStatus != PaymentPaid || got.RescheduleState != RescheduleNone {
			t.Errorf("no money should move, got %s/%s", got.PaymentStatus, got.RescheduleState)
		}
	})

	t.Run("cancel with deduction", func(t *testing.T) {
		f, a := setup(t)
		got, err := f.svc.ResolveRescheduleChoice(f.ctx, f.patient, a.ID, ChoiceCancel, "")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got.Status != StatusCancelled || got.RefundAmount != 750 || got.PaymentStatus != PaymentPartialRefund {
			t.Errorf("expected partial refund, got %s %d %s", got.Status, got.RefundAmount, got.PaymentStatus)
		}
	})
}

func TestReschedule_DoctorWithdrawsAfterProposal(t *testing.T) {
	f := newFixture(t)
	a := f.paidBooking()
	if _, err := f.svc.RequestReschedule(f.ctx, f.doctor, a.ID, RescheduleInput{Reason: "leave"}); err != nil {
		t.Fatalf("doctor reschedule: %v", err)
	}
	proposed, err := f.svc.ProposeNewSlot(f.ctx, f.patient, a.ID, Proposal{Date: day(6), SlotStart: "11:00"})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !proposed.PatientRespondedToDoctorReschedule() {
		t.Fatal("expected patient response to be recorded")
	}

	got, err := f.svc.WithdrawReschedule(f.ctx, f.doctor, a.ID, "leave cancelled")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.RescheduleState != RescheduleDoctorCancelledAwaiting || !got.DoctorCancelledRescheduleRequest() {
		t.Fatalf("expected patient choice pending, got %s", got.RescheduleState)
	}
	if got.DoctorRescheduleCancelReason != "leave cancelled" || got.DoctorRescheduleCancelledAt == nil {
		t.Errorf("expected withdrawal metadata, got %+v", got)
	}

	final, err := f.svc.CancelByPatient(f.ctx, f.patient, a.ID, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if final.RefundAmount != 750 {
		t.Errorf("expected standard deduction, got refund %d", final.RefundAmount)
	}
}

func TestReschedule_DoctorWithdrawsBeforeProposal(t *testing.T) {
	f := newFixture(t)
	a := f.paidBooking()
	if _, err := f.svc.RequestReschedule(f.ctx, f.doctor, a.ID, RescheduleInput{}); err != nil {
		t.Fatalf("doctor reschedule: %v", err)
	}

	got, err := f.svc.WithdrawReschedule(f.ctx, f.doctor, a.ID, "")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Status != StatusConfirmed || got.RescheduleState != RescheduleNone {
		t.Errorf("expected CONFIRMED, got %s/%s", got.Status, got.RescheduleState)
	}
}

func TestReschedule_PatientWithdraws(t *testing.T) {
	f := newFixture(t)
	a := f.paidBooking()
	if _, err := f.svc.RequestReschedule(f.ctx, f.patient, a.ID, RescheduleInput{Date: day(6), SlotStart: "11:00"}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	_, err := f.svc.CancelByPatient(f.ctx, f.patient, a.ID, "")
	wantKind(t, err, KindInvalidTransition, "withdraw_reschedule_first")

	_, err = f.svc.WithdrawReschedule(f.ctx, f.doctor, a.ID, "")
	wantKind(t, err, KindInvalidTransition, "not_initiator")

	got, err := f.svc.WithdrawReschedule(f.ctx, f.patient, a.ID, "")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Status != StatusConfirmed || got.HasProposal() {
		t.Errorf("expected CONFIRMED without proposal, got %s %v", got.Status, got.HasProposal())
	}
}

func TestReschedule_DoctorConfirmsPatientSlot(t *testing.T) {
	f := newFixture(t)
	a := f.paidBooking()
	if _, err := f.svc.RequestReschedule(f.ctx, f.doctor, a.ID, RescheduleInput{Reason: "surgery"}); err != nil {
		t.Fatalf("doctor reschedule: %v", err)
	}

	_, err := f.svc.ConfirmAppointment(f.ctx, f.doctor, a.ID, "")
	wantKind(t, err, KindInvalidTransition, "no_slot_proposed")

	if _, err := f.svc.ProposeNewSlot(f.ctx, f.patient, a.ID, Proposal{Date: day(8), SlotStart: "15:00"}); err != nil {
		t.Fatalf("propose: %v", err)
	}
	got := f.confirm(a.ID)
	if got.AppointmentDate != day(8) || got.SlotStartTime != "15:00" || got.PaymentStatus != PaymentPaid {
		t.Errorf("unexpected confirmed reschedule: %s %s %s", got.AppointmentDate, got.SlotStartTime, got.PaymentStatus)
	}
}

func TestCompleteAppointment(t *testing.T) {
	f := newFixture(t)
	a := f.paidBooking()
	in := CompletionInput{Diagnosis: "viral fever", FollowUpInstructions: "rest for three days"}

	_, err := f.svc.CompleteAppointment(f.ctx, f.doctor, a.ID, in)
	wantKind(t, err, KindTimingViolation, "not_elapsed")

	f.clock.Set(a.EndsAt(time.UTC).Add(time.Minute))
	_, err = f.svc.CompleteAppointment(f.ctx, f.doctor, a.ID, CompletionInput{})
	wantKind(t, err, KindInvalidTransition, "follow_up_required")

	got, err := f.svc.CompleteAppointment(f.ctx, f.doctor, a.ID, in)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != StatusCompleted || !got.ChatEnabled || !got.PatientAttended || got.CompletedAt == nil {
		t.Errorf("unexpected completion: %+v", got)
	}
	if got.PrescriptionID == nil {
		t.Fatal("expected a prescription reference")
	}
	rx, err := f.store.Store().Prescriptions.GetByAppointment(f.ctx, a.ID)
	if err != nil {
		t.Fatalf("prescription: %v", err)
	}
	if rx.ID != *got.PrescriptionID || rx.FollowUpInstructions != "rest for three days" {
		t.Errorf("unexpected prescription: %+v", rx)
	}
}

func TestMarkNoShow(t *testing.T) {
	f := newFixture(t)
	a := f.paidBooking()

	_, err := f.svc.MarkNoShow(f.ctx, f.doctor, a.ID)
	wantKind(t, err, KindTimingViolation, "not_elapsed")

	f.clock.Set(a.EndsAt(time.UTC))
	got, err := f.svc.MarkNoShow(f.ctx, f.doctor, a.ID)
	if err != nil {
		t.Fatalf("no-show: %v", err)
	}
	if got.Status != StatusNoShow || got.PatientAttended {
		t.Errorf("unexpected no-show result: %s attended=%v", got.Status, got.PatientAttended)
	}
	if got.PrescriptionID != nil {
		t.Error("no-show must not create a prescription")
	}
}

func TestOwnershipChecks(t *testing.T) {
	f := newFixture(t)
	a := f.book(f.patient, day(5), "10:00")
	stranger := Caller{ID: uuid.New(), Role: ActorDoctor}

	_, err := f.svc.CancelByPatient(f.ctx, f.patient2, a.ID, "")
	wantKind(t, err, KindUnauthorized, "")

	_, err = f.svc.ConfirmAppointment(f.ctx, stranger, a.ID, "")
	wantKind(t, err, KindUnauthorized, "")

	_, err = f.svc.ConfirmAppointment(f.ctx, f.patient, a.ID, "")
	wantKind(t, err, KindUnauthorized, "")

	_, err = f.svc.GetAppointment(f.ctx, f.patient2, a.ID)
	wantKind(t, err, KindUnauthorized, "")

	if _, err := f.svc.GetAppointment(f.ctx, f.admin, a.ID); err != nil {
		t.Errorf("admin should read any appointment: %v", err)
	}
}

func TestInvalidTransitionNamesStates(t *testing.T) {
	f := newFixture(t)
	a := f.book(f.patient, day(5), "10:00")
	if _, err := f.svc.CancelByPatient(f.ctx, f.patient, a.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := f.svc.ConfirmAppointment(f.ctx, f.doctor, a.ID, "")

	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
	var de *Error
	errors.As(err, &de)
	if de.From != StatusCancelled || de.To != StatusConfirmed {
		t.Errorf("expected CANCELLED -> CONFIRMED, got %s -> %s", de.From, de.To)
	}
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ConfirmAppointment(f.ctx, f.doctor, uuid.New(), "")
	wantKind(t, err, KindNotFound, "appointment_not_found")
}

func TestNotificationFailureDoesNotBlockTransition(t *testing.T) {
	f := newFixture(t)
	a := f.book(f.patient, day(5), "10:00")
	f.events.Fail = errors.New("mail relay down")

	got, err := f.svc.ConfirmAppointment(f.ctx, f.doctor, a.ID, "")
	if err != nil {
		t.Fatalf("confirm should succeed when notifications fail: %v", err)
	}
	if got.Status != StatusConfirmed || f.reload(a.ID).Status != StatusConfirmed {
		t.Error("transition should be persisted")
	}
}

func TestConfirmPayment(t *testing.T) {
	t.Run("twice", func(t *testing.T) {
		f := newFixture(t)
		a := f.paidBooking()
		_, err := f.svc.ConfirmPayment(f.ctx, a.ChallanNumber)
		wantKind(t, err, KindPaymentStateConflict, "already_paid")
	})

	t.Run("unknown challan", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.ConfirmPayment(f.ctx, "CH-NOPE")
		wantKind(t, err, KindNotFound, "payment_not_found")
	})

	t.Run("cancelled appointment", func(t *testing.T) {
		f := newFixture(t)
		a := f.book(f.patient, day(5), "10:00")
		confirmed := f.confirm(a.ID)
		if _, err := f.svc.CancelByPatient(f.ctx, f.patient, a.ID, ""); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		_, err := f.svc.ConfirmPayment(f.ctx, confirmed.ChallanNumber)
		wantKind(t, err, KindPaymentStateConflict, "not_payable")
	})

	t.Run("marks ledger completed", func(t *testing.T) {
		f := newFixture(t)
		a := f.paidBooking()
		rows := f.store.paymentsFor(a.ID)
		if len(rows) != 1 || rows[0].Status != LedgerCompleted || rows[0].CompletedAt == nil {
			t.Errorf("expected completed payment row, got %+v", rows)
		}
		if len(f.events.ByTemplate(notification.TplPaymentConfirmed)) != 2 {
			t.Error("expected payment-confirmed to patient and doctor")
		}
	})
}

func TestListAppointments_ScopedToCaller(t *testing.T) {
	f := newFixture(t)
	f.book(f.patient, day(5), "10:00")
	f.book(f.patient2, day(5), "10:30")

	items, total, err := f.svc.ListAppointments(f.ctx, f.patient, ListFilter{PatientID: f.patient2.ID, Limit: 20})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].PatientID != f.patient.ID {
		t.Errorf("patient should see only own appointments, got %d/%d", len(items), total)
	}

	_, total, err = f.svc.ListAppointments(f.ctx, f.admin, ListFilter{Limit: 20})
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if total != 2 {
		t.Errorf("admin should see all appointments, got %d", total)
	}
}
