package consultation

import (
	"fmt"
	"net/http"
)

// Kind classifies domain failures. Callers match kinds with errors.Is
// against the Err* sentinels below.
type Kind string

const (
	KindNotFound             Kind = "NotFound"
	KindUnauthorized         Kind = "Unauthorized"
	KindInvalidTransition    Kind = "InvalidTransition"
	KindTimingViolation      Kind = "TimingViolation"
	KindSlotUnavailable      Kind = "SlotUnavailable"
	KindPaymentStateConflict Kind = "PaymentStateConflict"
	KindDuplicateRequest     Kind = "DuplicateRequest"
)

// Error is returned by every guard and service operation.
type Error struct {
	Kind    Kind   `json:"kind"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	// Status is the HTTP status the API reports for this error.
	Status int `json:"-"`
	// From and To are set for InvalidTransition.
	From Status `json:"from,omitempty"`
	To   Status `json:"to,omitempty"`
}

func (e *Error) Error() string {
	if e.From != "" || e.To != "" {
		return fmt.Sprintf("%s: %s (%s -> %s)", e.Kind, e.Message, e.From, e.To)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrTimingViolation)
// holds for every timing failure regardless of reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotFound             = &Error{Kind: KindNotFound, Message: "not found", Status: http.StatusNotFound}
	ErrUnauthorized         = &Error{Kind: KindUnauthorized, Message: "not permitted", Status: http.StatusForbidden}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition, Message: "invalid transition", Status: http.StatusConflict}
	ErrTimingViolation      = &Error{Kind: KindTimingViolation, Message: "timing violation", Status: http.StatusBadRequest}
	ErrSlotUnavailable      = &Error{Kind: KindSlotUnavailable, Message: "slot unavailable", Status: http.StatusBadRequest}
	ErrPaymentStateConflict = &Error{Kind: KindPaymentStateConflict, Message: "payment state conflict", Status: http.StatusConflict}
	ErrDuplicateRequest     = &Error{Kind: KindDuplicateRequest, Message: "duplicate request", Status: http.StatusConflict}
)

func notFound(what string) *Error {
	return &Error{Kind: KindNotFound, Reason: what + "_not_found", Message: what + " not found", Status: http.StatusNotFound}
}

func unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Reason: "not_owner", Message: msg, Status: http.StatusForbidden}
}

func invalidTransition(from, to Status, reason, msg string) *Error {
	return &Error{Kind: KindInvalidTransition, Reason: reason, Message: msg, Status: http.StatusConflict, From: from, To: to}
}

// badInput is an InvalidTransition caused by missing input rather than state.
func badInput(from, to Status, reason, msg string) *Error {
	e := invalidTransition(from, to, reason, msg)
	e.Status = http.StatusBadRequest
	return e
}

func timing(reason, msg string) *Error {
	return &Error{Kind: KindTimingViolation, Reason: reason, Message: msg, Status: http.StatusBadRequest}
}

func slotUnavailable(reason, msg string) *Error {
	return &Error{Kind: KindSlotUnavailable, Reason: reason, Message: msg, Status: http.StatusBadRequest}
}

func paymentConflict(reason, msg string) *Error {
	return &Error{Kind: KindPaymentStateConflict, Reason: reason, Message: msg, Status: http.StatusConflict}
}

func duplicate(reason, msg string) *Error {
	return &Error{Kind: KindDuplicateRequest, Reason: reason, Message: msg, Status: http.StatusConflict}
}
