package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hivcare/clinic/internal/platform/auth"
	"github.com/hivcare/clinic/pkg/calendar"
	"github.com/hivcare/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the scheduling routes. Role checks are attached per
// route so unknown paths under api still fall through to 404.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Booking endpoints – admin, doctor, staff, patient
	book := auth.RequireRole("doctor", "staff", "patient")
	api.POST("/appointments", h.CreateAppointment, book)
	api.POST("/appointments/search", h.SearchAppointments, book)
	api.POST("/appointments/validate", h.ValidateAppointmentTime, book)
	api.GET("/appointments/:id", h.GetAppointment, book)
	api.GET("/appointments/patient/:patientId", h.ListPatientAppointments, book)
	api.PUT("/appointments/:id", h.UpdateAppointment, book)
	api.POST("/appointments/:id/cancel", h.CancelAppointment, book)
	api.GET("/doctors", h.ListDoctors, book)
	api.GET("/doctors/:doctorId", h.GetDoctor, book)
	api.GET("/doctors/:doctorId/availability", h.GetAvailability, book)

	// Clinical endpoints – admin, doctor, staff
	clinic := auth.RequireRole("doctor", "staff")
	api.GET("/appointments/doctor/:doctorId", h.ListDoctorAppointments, clinic)
	api.POST("/appointments/:id/confirm", h.ConfirmAppointment, clinic)
	api.POST("/appointments/:id/complete", h.CompleteAppointment, clinic)
	api.POST("/appointments/:id/no-show", h.MarkNoShow, clinic)
	api.GET("/doctors/:doctorId/schedule", h.ListScheduleEntries, clinic)
	api.GET("/doctors/:doctorId/overrides", h.ListOverrides, clinic)

	// Admin endpoints – admin, staff
	admin := auth.RequireRole("staff")
	api.POST("/doctors", h.CreateDoctor, admin)
	api.PUT("/doctors/:doctorId/availability", h.SetDoctorAvailability, admin)
	api.POST("/doctors/:doctorId/schedule", h.AddScheduleEntry, admin)
	api.DELETE("/doctors/:doctorId/schedule/:entryId", h.DeleteScheduleEntry, admin)
	api.POST("/doctors/:doctorId/overrides", h.AddOverride, admin)
	api.DELETE("/doctors/:doctorId/overrides/:overrideId", h.DeleteOverride, admin)
}

// ErrorResponse is the body of every failed scheduling request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errorStatus maps a scheduling error to its HTTP status and response body.
// Repository failures never leak their cause to the client.
func errorStatus(err error) (int, ErrorResponse) {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, ErrorResponse{Error: string(KindRepository), Message: "internal error"}
	}
	msg := e.Message
	if msg == "" {
		msg = e.Error()
	}
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound, ErrorResponse{Error: string(e.Kind), Message: msg}
	case KindRepository:
		return http.StatusInternalServerError, ErrorResponse{Error: string(e.Kind), Message: "internal error"}
	default:
		return http.StatusBadRequest, ErrorResponse{Error: string(e.Kind), Message: msg}
	}
}

func httpError(err error) *echo.HTTPError {
	code, body := errorStatus(err)
	return echo.NewHTTPError(code, body).SetInternal(err)
}

func badRequest(format string, args ...interface{}) *echo.HTTPError {
	return httpError(validationError(format, args...))
}

// bindError converts a binder failure into a validation response.
func bindError(err error) *echo.HTTPError {
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg = fmt.Sprint(he.Message)
	}
	return badRequest("invalid request body: %s", msg)
}

func paramID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, badRequest("invalid %s: %q", name, c.Param(name))
	}
	return id, nil
}

func queryDate(c echo.Context, name string) (calendar.Date, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return calendar.Date{}, badRequest("%s is required", name)
	}
	d, err := calendar.ParseDate(raw)
	if err != nil {
		return calendar.Date{}, badRequest("invalid %s: %q", name, raw)
	}
	return d, nil
}

// -- Appointment Handlers --

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req CreateAppointmentRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	a, err := h.svc.CreateAppointment(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req UpdateAppointmentRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	a, err := h.svc.UpdateAppointment(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type cancelResponse struct {
	Cancelled   bool         `json:"cancelled"`
	Appointment *Appointment `json:"appointment,omitempty"`
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	ctx := c.Request().Context()
	cancelled, err := h.svc.CancelAppointment(ctx, id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	a, err := h.svc.GetAppointment(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cancelResponse{Cancelled: cancelled, Appointment: a})
}

func (h *Handler) ConfirmAppointment(c echo.Context) error {
	return h.transition(c, h.svc.ConfirmAppointment)
}

func (h *Handler) CompleteAppointment(c echo.Context) error {
	return h.transition(c, h.svc.CompleteAppointment)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	return h.transition(c, h.svc.MarkNoShow)
}

func (h *Handler) transition(c echo.Context, fn func(ctx context.Context, id uuid.UUID) (*Appointment, error)) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	a, err := fn(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) SearchAppointments(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	resp, err := h.svc.SearchAppointments(c.Request().Context(), req.AppointmentFilter, req.PageNumber, req.PageSize)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListPatientAppointments(c echo.Context) error {
	patientID, err := paramID(c, "patientId")
	if err != nil {
		return err
	}
	p := pagination.QueryParams(c)
	resp, err := h.svc.ListPatientAppointments(c.Request().Context(), patientID, p.Page, p.PageSize)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListDoctorAppointments(c echo.Context) error {
	doctorID, err := paramID(c, "doctorId")
	if err != nil {
		return err
	}
	p := pagination.QueryParams(c)
	resp, err := h.svc.ListDoctorAppointments(c.Request().Context(), doctorID, p.Page, p.PageSize)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

type validateResponse struct {
	IsValid bool `json:"is_valid"`
}

func (h *Handler) ValidateAppointmentTime(c echo.Context) error {
	var req ValidateTimeRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	ok, err := h.svc.ValidateAppointmentTime(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, validateResponse{IsValid: ok})
}

// -- Availability Handlers --

func (h *Handler) GetAvailability(c echo.Context) error {
	doctorID, err := paramID(c, "doctorId")
	if err != nil {
		return err
	}
	from, err := queryDate(c, "from_date")
	if err != nil {
		return err
	}
	to, err := queryDate(c, "to_date")
	if err != nil {
		return err
	}
	var slot time.Duration
	if raw := c.QueryParam("slot_minutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return badRequest("invalid slot_minutes: %q", raw)
		}
		slot = time.Duration(n) * time.Minute
	}
	days, err := h.svc.GetAvailability(c.Request().Context(), doctorID, from, to, slot)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, days)
}

// -- Doctor Handlers --

// doctorRequest creates a doctor. New doctors accept bookings unless
// is_available is false.
type doctorRequest struct {
	Name        string `json:"name"`
	Specialty   string `json:"specialty"`
	IsAvailable *bool  `json:"is_available"`
	IsVerified  bool   `json:"is_verified"`
}

func (h *Handler) CreateDoctor(c echo.Context) error {
	var req doctorRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	d := Doctor{
		Name:        req.Name,
		Specialty:   req.Specialty,
		IsAvailable: req.IsAvailable == nil || *req.IsAvailable,
		IsVerified:  req.IsVerified,
	}
	if err := h.svc.CreateDoctor(c.Request().Context(), &d); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetDoctor(c echo.Context) error {
	id, err := paramID(c, "doctorId")
	if err != nil {
		return err
	}
	d, err := h.svc.GetDoctor(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListDoctors(c echo.Context) error {
	p := pagination.QueryParams(c)
	resp, err := h.svc.ListDoctors(c.Request().Context(), p.Page, p.PageSize)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

type availabilityRequest struct {
	IsAvailable *bool `json:"is_available"`
}

func (h *Handler) SetDoctorAvailability(c echo.Context) error {
	id, err := paramID(c, "doctorId")
	if err != nil {
		return err
	}
	var req availabilityRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	if req.IsAvailable == nil {
		return badRequest("is_available is required")
	}
	d, err := h.svc.SetDoctorAvailability(c.Request().Context(), id, *req.IsAvailable)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// -- Schedule Handlers --

// scheduleEntryRequest adds a weekly block; is_available defaults to true.
type scheduleEntryRequest struct {
	DayOfWeek   *int           `json:"day_of_week"`
	StartTime   calendar.Clock `json:"start_time"`
	EndTime     calendar.Clock `json:"end_time"`
	IsAvailable *bool          `json:"is_available"`
}

func (h *Handler) AddScheduleEntry(c echo.Context) error {
	doctorID, err := paramID(c, "doctorId")
	if err != nil {
		return err
	}
	var req scheduleEntryRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	if req.DayOfWeek == nil {
		return badRequest("day_of_week is required")
	}
	e := RecurringScheduleEntry{
		DoctorID:    doctorID,
		DayOfWeek:   *req.DayOfWeek,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		IsAvailable: req.IsAvailable == nil || *req.IsAvailable,
	}
	if err := h.svc.AddScheduleEntry(c.Request().Context(), &e); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) ListScheduleEntries(c echo.Context) error {
	doctorID, err := paramID(c, "doctorId")
	if err != nil {
		return err
	}
	entries, err := h.svc.ListScheduleEntries(c.Request().Context(), doctorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) DeleteScheduleEntry(c echo.Context) error {
	doctorID, err := paramID(c, "doctorId")
	if err != nil {
		return err
	}
	entryID, err := paramID(c, "entryId")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteScheduleEntry(c.Request().Context(), doctorID, entryID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// overrideRequest replaces the weekly pattern on one date. is_available is
// required; an unavailable override without times blocks the whole day.
type overrideRequest struct {
	Date        calendar.Date  `json:"date"`
	StartTime   calendar.Clock `json:"start_time"`
	EndTime     calendar.Clock `json:"end_time"`
	IsAvailable *bool          `json:"is_available"`
	Reason      *string        `json:"reason"`
}

func (h *Handler) AddOverride(c echo.Context) error {
	doctorID, err := paramID(c, "doctorId")
	if err != nil {
		return err
	}
	var req overrideRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	if req.IsAvailable == nil {
		return badRequest("is_available is required")
	}
	o := AvailabilityOverride{
		DoctorID:    doctorID,
		Date:        req.Date,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		IsAvailable: *req.IsAvailable,
		Reason:      req.Reason,
	}
	if err := h.svc.AddOverride(c.Request().Context(), &o); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) ListOverrides(c echo.Context) error {
	doctorID, err := paramID(c, "doctorId")
	if err != nil {
		return err
	}
	from, err := queryDate(c, "from_date")
	if err != nil {
		return err
	}
	to, err := queryDate(c, "to_date")
	if err != nil {
		return err
	}
	overrides, err := h.svc.ListOverrides(c.Request().Context(), doctorID, from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, overrides)
}

func (h *Handler) DeleteOverride(c echo.Context) error {
	doctorID, err := paramID(c, "doctorId")
	if err != nil {
		return err
	}
	overrideID, err := paramID(c, "overrideId")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteOverride(c.Request().Context(), doctorID, overrideID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
