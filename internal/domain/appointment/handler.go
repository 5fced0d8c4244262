package appointment

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medtech/clinic/internal/domain/availability"
	"github.com/medtech/clinic/internal/platform/apperr"
	"github.com/medtech/clinic/internal/platform/auth"
	"github.com/medtech/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/appointments")
	g.POST("", h.Create)
	g.GET("/me", h.ListMine)
	g.GET("/:id", h.Get)
	g.PATCH("/:id", h.Update)
	g.PATCH("/:id/cancel", h.Cancel)
	g.GET("/doctor/:doctorId/availability", h.AvailableSlots)

	staff := g.Group("", auth.RequireRole(auth.RoleProfessional))
	staff.PATCH("/:id/confirm", h.Confirm)
	staff.PATCH("/:id/start", h.Start)
	staff.PATCH("/:id/complete", h.Complete)
	staff.PATCH("/:id/no-show", h.MarkNoShow)
	staff.GET("/doctor/:doctorId", h.ListByDoctor)
	staff.GET("/patient/:patientId", h.ListByPatient)
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation(apperr.CodeParam, "invalid "+name, c.Param(name))
	}
	return id, nil
}

func optionalQuery(c echo.Context, name string) *string {
	if !c.QueryParams().Has(name) {
		return nil
	}
	v := c.QueryParam(name)
	return &v
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	a, err := h.svc.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, c.Request().URL.Path+"/"+a.ID.String())
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var patch Patch
	if err := c.Bind(&patch); err != nil {
		return err
	}
	a, err := h.svc.Update(c.Request().Context(), id, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Confirm(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Confirm(c.Request().Context(), id, optionalQuery(c, "notes")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Cancel(c.Request().Context(), id, c.QueryParam("reason")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Start(c echo.Context) error {
	return h.statusChange(c, h.svc.Start)
}

func (h *Handler) Complete(c echo.Context) error {
	return h.statusChange(c, h.svc.Complete)
}

func (h *Handler) MarkNoShow(c echo.Context) error {
	return h.statusChange(c, h.svc.MarkNoShow)
}

func (h *Handler) statusChange(c echo.Context, fn func(ctx context.Context, id uuid.UUID) error) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := fn(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ListMine lists the caller's appointments: as doctor for professionals,
// as patient otherwise.
func (h *Handler) ListMine(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)
	uid := auth.UserIDFromContext(ctx)

	var (
		items []*Appointment
		total int
		err   error
	)
	if auth.HasRole(ctx, auth.RoleProfessional) && !auth.IsAdmin(ctx) {
		items, total, err = h.svc.ListByDoctor(ctx, uid, nil, pg.Limit, pg.Offset)
	} else {
		items, total, err = h.svc.ListByPatient(ctx, uid, pg.Limit, pg.Offset)
	}
	if err != nil {
		return err
	}
	return pagination.WriteList(c, items, total)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	patientID, err := pathID(c, "patientId")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return pagination.WriteList(c, items, total)
}

// ListByDoctor accepts ?from= as RFC 3339 or yyyy-MM-dd.
func (h *Handler) ListByDoctor(c echo.Context) error {
	doctorID, err := pathID(c, "doctorId")
	if err != nil {
		return err
	}
	var from *time.Time
	if raw := c.QueryParam("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			d, derr := availability.ParseDate(raw)
			if derr != nil {
				return apperr.Validation(apperr.CodeParam, "invalid from", raw)
			}
			t = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, h.svc.loc)
		}
		from = &t
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByDoctor(c.Request().Context(), doctorID, from, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return pagination.WriteList(c, items, total)
}

func (h *Handler) AvailableSlots(c echo.Context) error {
	doctorID, err := pathID(c, "doctorId")
	if err != nil {
		return err
	}
	date, err := availability.ParseDate(c.QueryParam("date"))
	if err != nil {
		return apperr.Validation(apperr.CodeParam, "invalid date", err.Error())
	}
	var exclude *uuid.UUID
	if raw := c.QueryParam("exclude"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return apperr.Validation(apperr.CodeParam, "invalid exclude", raw)
		}
		exclude = &id
	}
	slots, err := h.svc.AvailableSlots(c.Request().Context(), doctorID, date, exclude)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, slots)
}
