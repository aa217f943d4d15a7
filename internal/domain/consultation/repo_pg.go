package consultation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consult/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// NewPGStore wires every repository to pool.
func NewPGStore(pool *pgxpool.Pool) Store {
	return Store{
		Appointments:  NewAppointmentRepoPG(pool),
		Payments:      NewPaymentRepoPG(pool),
		Emergencies:   NewEmergencyRepoPG(pool),
		Prescriptions: NewPrescriptionRepoPG(pool),
		Tx:            db.NewTxRunner(pool),
	}
}

func noRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

const apptCols = `id, patient_id, doctor_id, to_char(appointment_date, 'YYYY-MM-DD'),
	slot_start_time, slot_end_time, appointment_type, reason,
	status, reschedule_state, payment_status, payment_amount, refund_amount, challan_number,
	cancelled_by, cancellation_reason, cancelled_at,
	reschedule_requested_by, reschedule_reason, reschedule_rejection_reason,
	doctor_reschedule_cancel_reason, doctor_reschedule_cancelled_at,
	COALESCE(to_char(proposed_date, 'YYYY-MM-DD'), ''), proposed_slot_start,
	completed_at, patient_attended, prescription_id, meeting_link, chat_enabled, follow_up_instructions,
	reminder_sent, reminder_sent_at, requested_at, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.AppointmentDate,
		&a.SlotStartTime, &a.SlotEndTime, &a.Type, &a.Reason,
		&a.Status, &a.RescheduleState, &a.PaymentStatus, &a.PaymentAmount, &a.RefundAmount, &a.ChallanNumber,
		&a.CancelledBy, &a.CancellationReason, &a.CancelledAt,
		&a.RescheduleRequestedBy, &a.RescheduleReason, &a.RescheduleRejectionReason,
		&a.DoctorRescheduleCancelReason, &a.DoctorRescheduleCancelledAt,
		&a.ProposedDate, &a.ProposedSlotStart,
		&a.CompletedAt, &a.PatientAttended, &a.PrescriptionID, &a.MeetingLink, &a.ChatEnabled, &a.FollowUpInstructions,
		&a.ReminderSent, &a.ReminderSentAt, &a.RequestedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, noRows(err)
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, appointment_date, slot_start_time, slot_end_time,
			appointment_type, reason, status, payment_status, payment_amount, refund_amount,
			requested_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4::date,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		a.ID, a.PatientID, a.DoctorID, a.AppointmentDate, a.SlotStartTime, a.SlotEndTime,
		a.Type, a.Reason, a.Status, a.PaymentStatus, a.PaymentAmount, a.RefundAmount,
		a.RequestedAt, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1 FOR UPDATE`, id))
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE appointments SET
			appointment_date=$2::date, slot_start_time=$3, slot_end_time=$4,
			status=$5, reschedule_state=$6, payment_status=$7, refund_amount=$8, challan_number=$9,
			cancelled_by=$10, cancellation_reason=$11, cancelled_at=$12,
			reschedule_requested_by=$13, reschedule_reason=$14, reschedule_rejection_reason=$15,
			doctor_reschedule_cancel_reason=$16, doctor_reschedule_cancelled_at=$17,
			proposed_date=NULLIF($18,'')::date, proposed_slot_start=$19,
			completed_at=$20, patient_attended=$21, prescription_id=$22, meeting_link=$23,
			chat_enabled=$24, follow_up_instructions=$25,
			reminder_sent=$26, reminder_sent_at=$27, requested_at=$28, updated_at=$29
		WHERE id = $1`,
		a.ID, a.AppointmentDate, a.SlotStartTime, a.SlotEndTime,
		a.Status, a.RescheduleState, a.PaymentStatus, a.RefundAmount, a.ChallanNumber,
		a.CancelledBy, a.CancellationReason, a.CancelledAt,
		a.RescheduleRequestedBy, a.RescheduleReason, a.RescheduleRejectionReason,
		a.DoctorRescheduleCancelReason, a.DoctorRescheduleCancelledAt,
		a.ProposedDate, a.ProposedSlotStart,
		a.CompletedAt, a.PatientAttended, a.PrescriptionID, a.MeetingLink,
		a.ChatEnabled, a.FollowUpInstructions,
		a.ReminderSent, a.ReminderSentAt, a.RequestedAt, a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: appointment %s", ErrNotFound, a.ID)
	}
	return nil
}

func (r *appointmentRepoPG) List(ctx context.Context, f ListFilter) ([]*Appointment, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.PatientID != uuid.Nil {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, f.PatientID)
		idx++
	}
	if f.DoctorID != uuid.Nil {
		where += fmt.Sprintf(` AND doctor_id = $%d`, idx)
		args = append(args, f.DoctorID)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}

	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + apptCols + ` FROM appointments` + where +
		fmt.Sprintf(` ORDER BY appointment_date DESC, slot_start_time DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, f.Limit, f.Offset)
	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectAppointments(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *appointmentRepoPG) ListBySlot(ctx context.Context, doctorID uuid.UUID, date, slot string, status Status) ([]*Appointment, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2::date AND slot_start_time = $3 AND status = $4
		ORDER BY requested_at`, doctorID, date, slot, status)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// OccupiedSlots counts pending, confirmed and rescheduling bookings plus
// slots proposed by open reschedules.
func (r *appointmentRepoPG) OccupiedSlots(ctx context.Context, doctorID uuid.UUID, date string, ignore uuid.UUID) ([]string, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT slot_start_time FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2::date AND id <> $3
			AND status IN ('REQUESTED', 'CONFIRMED', 'RESCHEDULE_REQUESTED')
		UNION
		SELECT proposed_slot_start FROM appointments
		WHERE doctor_id = $1 AND proposed_date = $2::date AND id <> $3
			AND status = 'RESCHEDULE_REQUESTED' AND proposed_slot_start <> ''`,
		doctorID, date, ignore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) ListForSweep(ctx context.Context, q SweepQuery) ([]*Appointment, error) {
	query := `SELECT ` + apptCols + ` FROM appointments WHERE status = $1`
	args := []interface{}{q.Status}
	idx := 2
	add := func(clause string, v interface{}) {
		query += fmt.Sprintf(clause, idx)
		args = append(args, v)
		idx++
	}
	if q.PaymentStatus != "" {
		add(` AND payment_status = $%d`, q.PaymentStatus)
	}
	if q.PatientID != uuid.Nil {
		add(` AND patient_id = $%d`, q.PatientID)
	}
	if q.DoctorID != uuid.Nil {
		add(` AND doctor_id = $%d`, q.DoctorID)
	}
	if q.RequestedBefore != nil {
		add(` AND requested_at < $%d`, *q.RequestedBefore)
	}
	if q.DateOnOrBefore != "" {
		add(` AND appointment_date <= $%d::date`, q.DateOnOrBefore)
	}
	if q.DateEquals != "" {
		add(` AND appointment_date = $%d::date`, q.DateEquals)
	}
	if q.ReminderSent != nil {
		add(` AND reminder_sent = $%d`, *q.ReminderSent)
	}
	query += fmt.Sprintf(` ORDER BY appointment_date, slot_start_time LIMIT $%d`, idx)
	args = append(args, q.Limit)

	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

const paymentCols = `id, appointment_id, patient_id, amount, payment_type, status, challan_number,
	refund_reason, refund_initiated_by, completed_at, created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.AppointmentID, &p.PatientID, &p.Amount, &p.Type, &p.Status, &p.ChallanNumber,
		&p.RefundReason, &p.RefundInitiatedBy, &p.CompletedAt, &p.CreatedAt)
	if err != nil {
		return nil, noRows(err)
	}
	return &p, nil
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO payments (id, appointment_id, patient_id, amount, payment_type, status, challan_number,
			refund_reason, refund_initiated_by, completed_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.AppointmentID, p.PatientID, p.Amount, p.Type, p.Status, p.ChallanNumber,
		p.RefundReason, p.RefundInitiatedBy, p.CompletedAt, p.CreatedAt)
	return err
}

func (r *paymentRepoPG) GetByChallan(ctx context.Context, challan string) (*Payment, error) {
	return scanPayment(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE challan_number = $1 AND payment_type = 'PAYMENT'`, challan))
}

func (r *paymentRepoPG) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE payments SET status = 'COMPLETED', completed_at = $2 WHERE id = $1 AND status = 'PENDING'`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pending payment %s", ErrNotFound, id)
	}
	return nil
}

func (r *paymentRepoPG) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]*Payment, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE appointment_id = $1 ORDER BY created_at`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// =========== Emergency Request Repository ===========

type emergencyRepoPG struct{ pool *pgxpool.Pool }

func NewEmergencyRepoPG(pool *pgxpool.Pool) EmergencyRepository { return &emergencyRepoPG{pool: pool} }

const cancelReqCols = `id, appointment_id, patient_id, reason, status, expires_at,
	admin_id, admin_notes, reviewed_at, created_at`

func scanCancellation(row pgx.Row) (*EmergencyCancellationRequest, error) {
	var e EmergencyCancellationRequest
	err := row.Scan(&e.ID, &e.AppointmentID, &e.PatientID, &e.Reason, &e.Status, &e.ExpiresAt,
		&e.AdminID, &e.AdminNotes, &e.ReviewedAt, &e.CreatedAt)
	if err != nil {
		return nil, noRows(err)
	}
	return &e, nil
}

func (r *emergencyRepoPG) CreateCancellation(ctx context.Context, e *EmergencyCancellationRequest) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO emergency_cancellation_requests (id, appointment_id, patient_id, reason, status, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.AppointmentID, e.PatientID, e.Reason, e.Status, e.ExpiresAt, e.CreatedAt)
	if isUniqueViolation(err) {
		return duplicate("pending_request_exists", "an emergency cancellation is already pending for this appointment")
	}
	return err
}

func (r *emergencyRepoPG) GetCancellationForUpdate(ctx context.Context, id uuid.UUID) (*EmergencyCancellationRequest, error) {
	return scanCancellation(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+cancelReqCols+` FROM emergency_cancellation_requests WHERE id = $1 FOR UPDATE`, id))
}

func (r *emergencyRepoPG) PendingCancellation(ctx context.Context, appointmentID uuid.UUID) (*EmergencyCancellationRequest, error) {
	return scanCancellation(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+cancelReqCols+` FROM emergency_cancellation_requests WHERE appointment_id = $1 AND status = 'PENDING'`,
		appointmentID))
}

func (r *emergencyRepoPG) UpdateCancellation(ctx context.Context, e *EmergencyCancellationRequest) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE emergency_cancellation_requests SET status=$2, admin_id=$3, admin_notes=$4, reviewed_at=$5
		WHERE id = $1`,
		e.ID, e.Status, e.AdminID, e.AdminNotes, e.ReviewedAt)
	return err
}

func (r *emergencyRepoPG) ListCancellations(ctx context.Context, status RequestStatus, limit, offset int) ([]*EmergencyCancellationRequest, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM emergency_cancellation_requests WHERE $1 = '' OR status = $1`, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+cancelReqCols+` FROM emergency_cancellation_requests
		WHERE $1 = '' OR status = $1 ORDER BY created_at LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*EmergencyCancellationRequest
	for rows.Next() {
		e, err := scanCancellation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

const reschedReqCols = `id, appointment_id, doctor_id, reason, status, admin_id, admin_notes, reviewed_at, created_at`

func scanReschedule(row pgx.Row) (*DoctorEmergencyRescheduleRequest, error) {
	var e DoctorEmergencyRescheduleRequest
	err := row.Scan(&e.ID, &e.AppointmentID, &e.DoctorID, &e.Reason, &e.Status,
		&e.AdminID, &e.AdminNotes, &e.ReviewedAt, &e.CreatedAt)
	if err != nil {
		return nil, noRows(err)
	}
	return &e, nil
}

func (r *emergencyRepoPG) CreateReschedule(ctx context.Context, e *DoctorEmergencyRescheduleRequest) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO doctor_emergency_reschedule_requests (id, appointment_id, doctor_id, reason, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.AppointmentID, e.DoctorID, e.Reason, e.Status, e.CreatedAt)
	if isUniqueViolation(err) {
		return duplicate("pending_request_exists", "an emergency reschedule is already pending for this appointment")
	}
	return err
}

func (r *emergencyRepoPG) GetRescheduleForUpdate(ctx context.Context, id uuid.UUID) (*DoctorEmergencyRescheduleRequest, error) {
	return scanReschedule(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+reschedReqCols+` FROM doctor_emergency_reschedule_requests WHERE id = $1 FOR UPDATE`, id))
}

func (r *emergencyRepoPG) PendingReschedule(ctx context.Context, appointmentID uuid.UUID) (*DoctorEmergencyRescheduleRequest, error) {
	return scanReschedule(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+reschedReqCols+` FROM doctor_emergency_reschedule_requests WHERE appointment_id = $1 AND status = 'PENDING'`,
		appointmentID))
}

func (r *emergencyRepoPG) UpdateReschedule(ctx context.Context, e *DoctorEmergencyRescheduleRequest) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE doctor_emergency_reschedule_requests SET status=$2, admin_id=$3, admin_notes=$4, reviewed_at=$5
		WHERE id = $1`,
		e.ID, e.Status, e.AdminID, e.AdminNotes, e.ReviewedAt)
	return err
}

func (r *emergencyRepoPG) ListReschedules(ctx context.Context, status RequestStatus, limit, offset int) ([]*DoctorEmergencyRescheduleRequest, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM doctor_emergency_reschedule_requests WHERE $1 = '' OR status = $1`, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+reschedReqCols+` FROM doctor_emergency_reschedule_requests
		WHERE $1 = '' OR status = $1 ORDER BY created_at LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*DoctorEmergencyRescheduleRequest
	for rows.Next() {
		e, err := scanReschedule(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

// =========== Prescription Repository ===========

type prescriptionRepoPG struct{ pool *pgxpool.Pool }

func NewPrescriptionRepoPG(pool *pgxpool.Pool) PrescriptionRepository {
	return &prescriptionRepoPG{pool: pool}
}

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO prescriptions (id, appointment_id, patient_id, doctor_id, diagnosis, medications,
			follow_up_instructions, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.AppointmentID, p.PatientID, p.DoctorID, p.Diagnosis, p.Medications,
		p.FollowUpInstructions, p.CreatedAt)
	return err
}

func (r *prescriptionRepoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Prescription, error) {
	var p Prescription
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, appointment_id, patient_id, doctor_id, diagnosis, medications, follow_up_instructions, created_at
		FROM prescriptions WHERE appointment_id = $1`, appointmentID).
		Scan(&p.ID, &p.AppointmentID, &p.PatientID, &p.DoctorID, &p.Diagnosis, &p.Medications,
			&p.FollowUpInstructions, &p.CreatedAt)
	if err != nil {
		return nil, noRows(err)
	}
	return &p, nil
}

// =========== Doctor Directory ===========

type directoryPG struct{ pool *pgxpool.Pool }

// NewDirectoryPG reads the doctors projection kept by the identity service.
func NewDirectoryPG(pool *pgxpool.Pool) Directory { return &directoryPG{pool: pool} }

func (d *directoryPG) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	var doc Doctor
	err := conn(ctx, d.pool).QueryRow(ctx,
		`SELECT id, name, specialty, approved, active FROM doctors WHERE id = $1`, id).
		Scan(&doc.ID, &doc.Name, &doc.Specialty, &doc.Approved, &doc.Active)
	if err != nil {
		return nil, noRows(err)
	}
	return &doc, nil
}
