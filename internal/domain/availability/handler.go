package availability

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medtech/clinic/internal/platform/apperr"
	"github.com/medtech/clinic/internal/platform/auth"
)

// SlotFinder computes the free start times of a doctor on a date.
type SlotFinder interface {
	AvailableSlots(ctx context.Context, doctorID uuid.UUID, date time.Time, exclude *uuid.UUID) ([]Clock, error)
}

type Handler struct {
	svc   *Service
	slots SlotFinder
}

func NewHandler(svc *Service, slots SlotFinder) *Handler {
	return &Handler{svc: svc, slots: slots}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/availabilities")
	g.GET("/:id", h.Get)
	g.GET("/doctor/:doctorId", h.ListByDoctor)
	g.GET("/doctor/:doctorId/fixed", h.GetFixed)

	write := g.Group("", auth.RequireRole(auth.RoleProfessional))
	write.POST("", h.Create)
	write.PUT("/:id", h.Update)
	write.PATCH("/:id", h.Update)
	write.DELETE("/:id", h.Delete)
	write.PUT("/doctor/:doctorId/fixed", h.SetFixed)
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation(apperr.CodeParam, "invalid "+name, c.Param(name))
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	var in WindowInput
	if err := c.Bind(&in); err != nil {
		return err
	}
	if in.DoctorID == uuid.Nil {
		in.DoctorID = auth.UserIDFromContext(c.Request().Context())
	}
	w, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, c.Request().URL.Path+"/"+w.ID.String())
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var patch WindowPatch
	if err := c.Bind(&patch); err != nil {
		return err
	}
	w, err := h.svc.Update(c.Request().Context(), id, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Deactivate(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	w, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

// ListByDoctor returns the active windows, or with ?date= the free start times.
func (h *Handler) ListByDoctor(c echo.Context) error {
	doctorID, err := pathID(c, "doctorId")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	if raw := c.QueryParam("date"); raw != "" {
		date, err := ParseDate(raw)
		if err != nil {
			return apperr.Validation(apperr.CodeParam, "invalid date", err.Error())
		}
		slots, err := h.slots.AvailableSlots(ctx, doctorID, date, nil)
		if err != nil {
			return err
		}
		if slots == nil {
			slots = []Clock{}
		}
		return c.JSON(http.StatusOK, slots)
	}

	items, err := h.svc.ListActiveByDoctor(ctx, doctorID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

type fixedInput struct {
	MorningStart   *Clock `json:"morningStart"`
	MorningEnd     *Clock `json:"morningEnd"`
	AfternoonStart *Clock `json:"afternoonStart"`
	AfternoonEnd   *Clock `json:"afternoonEnd"`
	Active         *bool  `json:"active"`
}

func (h *Handler) SetFixed(c echo.Context) error {
	doctorID, err := pathID(c, "doctorId")
	if err != nil {
		return err
	}
	var in fixedInput
	if err := c.Bind(&in); err != nil {
		return err
	}
	if err := ValidateWindow(in.MorningStart, in.MorningEnd); err != nil {
		return err
	}
	if err := ValidateWindow(in.AfternoonStart, in.AfternoonEnd); err != nil {
		return err
	}
	f := &FixedSchedule{
		DoctorID:       doctorID,
		MorningStart:   *in.MorningStart,
		MorningEnd:     *in.MorningEnd,
		AfternoonStart: *in.AfternoonStart,
		AfternoonEnd:   *in.AfternoonEnd,
		Active:         in.Active == nil || *in.Active,
	}
	if err := h.svc.SetFixedSchedule(c.Request().Context(), f); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) GetFixed(c echo.Context) error {
	doctorID, err := pathID(c, "doctorId")
	if err != nil {
		return err
	}
	f, err := h.svc.GetFixedSchedule(c.Request().Context(), doctorID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}
