package consultation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/consult/internal/platform/webhook"
)

// PaymentDue is raised when an appointment needs paying.
type PaymentDue struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	Amount        int64     `json:"amount"`
	Challan       string    `json:"challan"`
	// DueBy is the unpaid-cancellation cutoff.
	DueBy time.Time `json:"due_by"`
}

// PaymentHooks is the outbound side of the payment gateway integration. The
// inbound side is Service.ConfirmPayment.
type PaymentHooks interface {
	PaymentRequired(ctx context.Context, due PaymentDue) error
}

// NoopHooks is used when no gateway is configured.
type NoopHooks struct{}

func (NoopHooks) PaymentRequired(context.Context, PaymentDue) error { return nil }

type eventSender interface {
	Send(ctx context.Context, eventType string, data any) (*webhook.DeliveryAttempt, error)
}

// WebhookHooks posts signed payment.required events to the gateway.
type WebhookHooks struct {
	client eventSender
}

func NewWebhookHooks(client *webhook.Client) *WebhookHooks {
	return &WebhookHooks{client: client}
}

const eventPaymentRequired = "payment.required"

func (h *WebhookHooks) PaymentRequired(ctx context.Context, due PaymentDue) error {
	_, err := h.client.Send(ctx, eventPaymentRequired, due)
	return err
}
