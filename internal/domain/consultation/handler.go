package consultation

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consult/internal/platform/auth"
	"github.com/ehr/consult/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleAdmin))
	read.GET("/doctors/:doctor_id/slots", h.ListSlots)
	read.GET("/appointments", h.ListAppointments)
	read.GET("/appointments/:id", h.GetAppointment)
	read.GET("/appointments/:id/payments", h.ListPayments)

	patient := api.Group("", auth.RequireRole(auth.RolePatient))
	patient.POST("/appointments", h.RequestAppointment)
	patient.POST("/appointments/:id/reschedule/proposal", h.ProposeSlot)
	patient.POST("/appointments/:id/reschedule/choice", h.ResolveChoice)
	patient.POST("/appointments/:id/emergency-cancellation", h.FileEmergencyCancellation)

	doctor := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.POST("/appointments/:id/confirm", h.Confirm)
	doctor.POST("/appointments/:id/decline", h.Decline)
	doctor.POST("/appointments/:id/reschedule/reject", h.RejectReschedule)
	doctor.POST("/appointments/:id/complete", h.Complete)
	doctor.POST("/appointments/:id/no-show", h.NoShow)
	doctor.POST("/appointments/:id/emergency-reschedule", h.FileEmergencyReschedule)

	party := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	party.POST("/appointments/:id/cancel", h.Cancel)
	party.POST("/appointments/:id/reschedule", h.RequestReschedule)
	party.POST("/appointments/:id/reschedule/withdraw", h.WithdrawReschedule)

	admin := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/emergency-cancellations", h.ListEmergencyCancellations)
	admin.POST("/emergency-cancellations/:id/review", h.ReviewEmergencyCancellation)
	admin.GET("/emergency-reschedules", h.ListEmergencyReschedules)
	admin.POST("/emergency-reschedules/:id/review", h.ReviewEmergencyReschedule)
}

// RegisterCallbacks mounts the payment gateway callback behind guard, which
// is signature verification or gateway-role auth depending on deployment.
func (h *Handler) RegisterCallbacks(g *echo.Group, guard echo.MiddlewareFunc) {
	g.POST("/payments/:challan/confirm", h.ConfirmPayment, guard)
}

// -- request bodies --

type reasonBody struct {
	Reason string `json:"reason" validate:"max=2000"`
}

type requiredReasonBody struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

type confirmBody struct {
	MeetingLink string `json:"meeting_link" validate:"omitempty,url"`
}

type choiceBody struct {
	Choice RescheduleChoice `json:"choice" validate:"required,oneof=KEEP_ORIGINAL CANCEL"`
	Reason string           `json:"reason" validate:"max=2000"`
}

type reviewBody struct {
	Decision Decision `json:"decision" validate:"required,oneof=APPROVED REJECTED"`
	Notes    string   `json:"notes" validate:"max=2000"`
}

// -- helpers --

var roleActors = map[string]Actor{
	auth.RolePatient: ActorPatient,
	auth.RoleDoctor:  ActorDoctor,
	auth.RoleAdmin:   ActorAdmin,
}

// caller resolves the authenticated actor, picking the first of prefer the
// token holds.
func caller(c echo.Context, prefer ...Actor) (Caller, error) {
	ctx := c.Request().Context()
	id, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return Caller{}, echo.NewHTTPError(http.StatusUnauthorized, "missing actor identity")
	}
	held := make(map[Actor]bool)
	for _, r := range auth.RolesFromContext(ctx) {
		if a, ok := roleActors[r]; ok {
			held[a] = true
		}
	}
	for _, a := range prefer {
		if held[a] {
			return Caller{ID: id, Role: a}, nil
		}
	}
	return Caller{}, echo.NewHTTPError(http.StatusForbidden, "no usable role")
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Validate(v)
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func queryID(c echo.Context, name string) (uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// httpError maps domain errors to their status with a {kind, reason,
// message} body. Anything else is a 500.
func httpError(err error) error {
	var de *Error
	if errors.As(err, &de) {
		body := map[string]interface{}{
			"kind":    de.Kind,
			"reason":  de.Reason,
			"message": de.Message,
		}
		if de.From != "" {
			body["from"] = de.From
		}
		if de.To != "" {
			body["to"] = de.To
		}
		return echo.NewHTTPError(de.Status, body)
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

// appointmentAction is the shared shape of every POST /appointments/:id/...
// route.
func (h *Handler) appointmentAction(c echo.Context, roles []Actor, body interface{},
	run func(cl Caller, id uuid.UUID) (*Appointment, error)) error {
	cl, err := caller(c, roles...)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if body != nil {
		if err := bind(c, body); err != nil {
			return err
		}
	}
	a, err := run(cl, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

var (
	patientOnly = []Actor{ActorPatient}
	doctorOnly  = []Actor{ActorDoctor}
	parties     = []Actor{ActorDoctor, ActorPatient}
	anyActor    = []Actor{ActorAdmin, ActorDoctor, ActorPatient}
)

// -- reads --

func (h *Handler) ListSlots(c echo.Context) error {
	doctorID, err := pathID(c, "doctor_id")
	if err != nil {
		return err
	}
	date := c.QueryParam("date")
	if date == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "date is required")
	}
	slots, err := h.svc.AvailableSlots(c.Request().Context(), doctorID, date)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"doctor_id": doctorID,
		"date":      date,
		"slots":     slots,
	})
}

func (h *Handler) ListAppointments(c echo.Context) error {
	cl, err := caller(c, anyActor...)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := ListFilter{Status: Status(c.QueryParam("status")), Limit: pg.Limit, Offset: pg.Offset}
	if f.PatientID, err = queryID(c, "patient_id"); err != nil {
		return err
	}
	if f.DoctorID, err = queryID(c, "doctor_id"); err != nil {
		return err
	}
	items, total, err := h.svc.ListAppointments(c.Request().Context(), cl, f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetAppointment(c echo.Context) error {
	cl, err := caller(c, anyActor...)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), cl, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListPayments(c echo.Context) error {
	cl, err := caller(c, anyActor...)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListPayments(c.Request().Context(), cl, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

// -- patient --

func (h *Handler) RequestAppointment(c echo.Context) error {
	cl, err := caller(c, patientOnly...)
	if err != nil {
		return err
	}
	var req BookingRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := h.svc.RequestAppointment(c.Request().Context(), cl, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ProposeSlot(c echo.Context) error {
	var body Proposal
	return h.appointmentAction(c, patientOnly, &body, func(cl Caller, id uuid.UUID) (*Appointment, error) {
		return h.svc.ProposeNewSlot(c.Request().Context(), cl, id, body)
	})
}

func (h *Handler) ResolveChoice(c echo.Context) error {
	var body choiceBody
	return h.appointmentAction(c, patientOnly, &body, func(cl Caller, id uuid.UUID) (*Appointment, error) {
		return h.svc.ResolveRescheduleChoice(c.Request().Context(), cl, id, body.Choice, body.Reason)
	})
}

func (h *Handler) FileEmergencyCancellation(c echo.Context) error {
	cl, err := caller(c, patientOnly...)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var body requiredReasonBody
	if err := bind(c, &body); err != nil {
		return err
	}
	req, err := h.svc.FileEmergencyCancellation(c.Request().Context(), cl, id, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, req)
}

// -- doctor --

func (h *Handler) Confirm(c echo.Context) error {
	var body confirmBody
	return h.appointmentAction(c, doctorOnly, &body, func(cl Caller, id uuid.UUID) (*Appointment, error) {
		return h.svc.ConfirmAppointment(c.Request().Context(), cl, id, body.MeetingLink)
	})
}

func (h *Handler) Decline(c echo.Context) error {
	var body reasonBody
	return h.appointmentAction(c, doctorOnly, &body, func(cl Caller, id uuid.UUID) (*Appointment, error) {
		return h.svc.DeclineAppointment(c.Request().Context(), cl, id, body.Reason)
	})
}

func (h *Handler) RejectReschedule(c echo.Context) error {
	var body reasonBody
	return h.appointmentAction(c, doctorOnly, &body, func(cl Caller, id uuid.UUID) (*Appointment, error) {
		return h.svc.RejectReschedule(c.Request().Context(), cl, id, body.Reason)
	})
}

func (h *Handler) Complete(c echo.Context) error {
	var body CompletionInput
	return h.appointmentAction(c, doctorOnly, &body, func(cl Caller, id uuid.UUID) (*Appointment, error) {
		return h.svc.CompleteAppointment(c.Request().Context(), cl, id, body)
	})
}

func (h *Handler) NoShow(c echo.Context) error {
	return h.appointmentAction(c, doctorOnly, nil, func(cl Caller, id uuid.UUID) (*Appointment, error) {
		return h.svc.MarkNoShow(c.Request().Context(), cl, id)
	})
}

func (h *Handler) FileEmergencyReschedule(c echo.Context) error {
	cl, err := caller(c, doctorOnly...)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var body requiredReasonBody
	if err := bind(c, &body); err != nil {
		return err
	}
	req, err := h.svc.FileEmergencyReschedule(c.Request().Context(), cl, id, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, req)
}

// -- patient or doctor --

func (h *Handler) Cancel(c echo.Context) error {
	var body reasonBody
	return h.appointmentAction(c, parties, &body, func(cl Caller, id uuid.UUID) (*Appointment, error) {
		if cl.Role == ActorDoctor {
			return h.svc.CancelByDoctor(c.Request().Context(), cl, id, body.Reason)
		}
		return h.svc.CancelByPatient(c.Request().Context(), cl, id, body.Reason)
	})
}

func (h *Handler) RequestReschedule(c echo.Context) error {
	var body RescheduleInput
	return h.appointmentAction(c, parties, &body, func(cl Caller, id uuid.UUID) (*Appointment, error) {
		return h.svc.RequestReschedule(c.Request().Context(), cl, id, body)
	})
}

func (h *Handler) WithdrawReschedule(c echo.Context) error {
	var body reasonBody
	return h.appointmentAction(c, parties, &body, func(cl Caller, id uuid.UUID) (*Appointment, error) {
		return h.svc.WithdrawReschedule(c.Request().Context(), cl, id, body.Reason)
	})
}

// -- admin --

func (h *Handler) ListEmergencyCancellations(c echo.Context) error {
	cl, err := caller(c, ActorAdmin)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListEmergencyCancellations(c.Request().Context(), cl,
		RequestStatus(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ReviewEmergencyCancellation(c echo.Context) error {
	cl, err := caller(c, ActorAdmin)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var body reviewBody
	if err := bind(c, &body); err != nil {
		return err
	}
	req, err := h.svc.ReviewEmergencyCancellation(c.Request().Context(), cl, id, body.Decision, body.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) ListEmergencyReschedules(c echo.Context) error {
	cl, err := caller(c, ActorAdmin)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListEmergencyReschedules(c.Request().Context(), cl,
		RequestStatus(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ReviewEmergencyReschedule(c echo.Context) error {
	cl, err := caller(c, ActorAdmin)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var body reviewBody
	if err := bind(c, &body); err != nil {
		return err
	}
	req, err := h.svc.ReviewEmergencyReschedule(c.Request().Context(), cl, id, body.Decision, body.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

// -- payment gateway --

func (h *Handler) ConfirmPayment(c echo.Context) error {
	challan := c.Param("challan")
	if challan == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "challan is required")
	}
	a, err := h.svc.ConfirmPayment(c.Request().Context(), challan)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}
