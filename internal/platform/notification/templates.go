package notification

// Template keys emitted by the consultation service.
const (
	TplAppointmentRequested       = "appointment-requested"
	TplAppointmentConfirmed       = "appointment-confirmed"
	TplAppointmentDeclined        = "appointment-declined"
	TplAppointmentCancelled       = "appointment-cancelled"
	TplSlotConflictCancelled      = "slot-conflict-cancelled"
	TplAppointmentExpired         = "appointment-expired"
	TplUnpaidCancelled            = "appointment-unpaid-cancelled"
	TplPaymentRequired            = "payment-required"
	TplPaymentConfirmed           = "payment-confirmed"
	TplRefundIssued               = "refund-issued"
	TplRescheduleRequested        = "reschedule-requested"
	TplRescheduleSlotProposed     = "reschedule-slot-proposed"
	TplRescheduleRejected         = "reschedule-rejected"
	TplRescheduleWithdrawn        = "reschedule-withdrawn"
	TplRescheduleConfirmed        = "reschedule-confirmed"
	TplAppointmentCompleted       = "appointment-completed"
	TplAppointmentNoShow          = "appointment-no-show"
	TplAppointmentReminder        = "appointment-reminder"
	TplEmergencyCancelFiled       = "emergency-cancellation-filed"
	TplEmergencyCancelApproved    = "emergency-cancellation-approved"
	TplEmergencyCancelRejected    = "emergency-cancellation-rejected"
	TplEmergencyRescheduleFiled   = "emergency-reschedule-filed"
	TplEmergencyRescheduleDecided = "emergency-reschedule-decided"
)

var builtInTemplates = []Template{
	{TplAppointmentRequested, "New consultation request",
		"A patient requested a consultation on {{date}} at {{slot}}. Please confirm or decline within 24 hours."},
	{TplAppointmentConfirmed, "Consultation confirmed",
		"Your consultation on {{date}} at {{slot}} is confirmed."},
	{TplAppointmentDeclined, "Consultation request declined",
		"Your consultation request for {{date}} at {{slot}} was declined: {{reason}}"},
	{TplAppointmentCancelled, "Consultation cancelled",
		"The consultation on {{date}} at {{slot}} was cancelled by {{cancelled_by}}: {{reason}}"},
	{TplSlotConflictCancelled, "Requested slot no longer available",
		"Your request for {{date}} at {{slot}} was cancelled because the slot is already occupied. Please choose another slot."},
	{TplAppointmentExpired, "Consultation request expired",
		"Your request for {{date}} at {{slot}} was cancelled because the doctor did not respond within 24 hours."},
	{TplUnpaidCancelled, "Consultation cancelled for non-payment",
		"The consultation on {{date}} at {{slot}} was cancelled because payment was not received in time."},
	{TplPaymentRequired, "Payment required",
		"Please pay {{amount}} against challan {{challan}} to secure your consultation on {{date}} at {{slot}}."},
	{TplPaymentConfirmed, "Payment received",
		"Payment for challan {{challan}} was received. Consultation on {{date}} at {{slot}} is secured."},
	{TplRefundIssued, "Refund issued",
		"A refund of {{amount}} was issued under {{challan}} for the consultation on {{date}}."},
	{TplRescheduleRequested, "Reschedule requested",
		"A reschedule was requested for the consultation on {{date}} at {{slot}}: {{reason}}"},
	{TplRescheduleSlotProposed, "New slot proposed",
		"The patient proposed {{proposed_date}} at {{proposed_slot}} for the rescheduled consultation."},
	{TplRescheduleRejected, "Reschedule proposal rejected",
		"The doctor rejected the proposed new slot: {{reason}}. Keep the original slot or cancel."},
	{TplRescheduleWithdrawn, "Reschedule withdrawn",
		"The reschedule request for the consultation on {{date}} at {{slot}} was withdrawn."},
	{TplRescheduleConfirmed, "Reschedule confirmed",
		"Your consultation now takes place on {{date}} at {{slot}}."},
	{TplAppointmentCompleted, "Consultation completed",
		"Your consultation on {{date}} is complete. Your prescription is available and chat is enabled."},
	{TplAppointmentNoShow, "Missed consultation",
		"You were marked as not attending the consultation on {{date}} at {{slot}}."},
	{TplAppointmentReminder, "Consultation reminder",
		"Reminder: consultation tomorrow, {{date}} at {{slot}}."},
	{TplEmergencyCancelFiled, "Emergency cancellation pending review",
		"An emergency cancellation was requested for the consultation on {{date}} at {{slot}}: {{reason}}"},
	{TplEmergencyCancelApproved, "Emergency cancellation approved",
		"Your emergency cancellation was approved and a full refund of {{amount}} issued."},
	{TplEmergencyCancelRejected, "Emergency cancellation rejected",
		"Your emergency cancellation was rejected: {{notes}}"},
	{TplEmergencyRescheduleFiled, "Emergency reschedule pending review",
		"A doctor requested an emergency reschedule for the consultation on {{date}} at {{slot}}: {{reason}}"},
	{TplEmergencyRescheduleDecided, "Emergency reschedule {{decision}}",
		"The emergency reschedule request for the consultation on {{date}} was {{decision}}. {{notes}}"},
}
