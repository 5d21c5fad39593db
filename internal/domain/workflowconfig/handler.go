package workflowconfig

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/edc/edc/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/workflow-config", auth.RequireRole(auth.RoleDataManager, auth.RoleMonitor, auth.RoleCoordinator, auth.RoleInvestigator))
	read.GET("/forms/:crfId", h.Get)
	read.GET("/forms/:crfId/assignee", h.ResolveAssignee)

	write := api.Group("/workflow-config", auth.RequireRole(auth.RoleDataManager))
	write.PUT("/forms/:crfId", h.Update)
}

func (h *Handler) Get(c echo.Context) error {
	crfID, err := strconv.Atoi(c.Param("crfId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid crf id")
	}
	studyID, err := optionalInt(c.QueryParam("studyId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid studyId")
	}
	cfg, err := h.svc.Get(c.Request().Context(), crfID, studyID)
	if errors.Is(err, ErrConfigNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) Update(c echo.Context) error {
	crfID, err := strconv.Atoi(c.Param("crfId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid crf id")
	}
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(&req); err != nil {
			return err
		}
	}
	ctx := c.Request().Context()
	cfg, err := h.svc.Update(ctx, crfID, req, auth.AccountIDFromContext(ctx))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) ResolveAssignee(c echo.Context) error {
	crfID, err := strconv.Atoi(c.Param("crfId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid crf id")
	}
	studyID, err := optionalInt(c.QueryParam("studyId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid studyId")
	}
	eventCRFID, err := optionalInt(c.QueryParam("eventCrfId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid eventCrfId")
	}
	a, err := h.svc.ResolveAssignee(c.Request().Context(), crfID, studyID, eventCRFID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if a.Additional == nil {
		a.Additional = []User{}
	}
	return c.JSON(http.StatusOK, a)
}

func optionalInt(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
