package query

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/edc/edc/internal/platform/auth"
	"github.com/edc/edc/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/queries", auth.RequireRole(auth.RoleDataManager, auth.RoleMonitor, auth.RoleCoordinator, auth.RoleInvestigator))
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.POST("", h.Create)
	g.POST("/:id/transitions", h.Transition)
}

func (h *Handler) List(c echo.Context) error {
	var f ListFilter
	var err error
	if f.EventCRFID, err = queryInt(c, "eventCrfId"); err != nil {
		return err
	}
	if f.StudySubjectID, err = queryInt(c, "studySubjectId"); err != nil {
		return err
	}
	if f.AssignedUserID, err = queryInt(c, "assignedUserId"); err != nil {
		return err
	}
	if c.QueryParam("assignedTo") == "me" {
		f.AssignedUserID = auth.AccountIDFromContext(c.Request().Context())
	}
	f.Status = Status(c.QueryParam("status"))
	f.OpenOnly = c.QueryParam("open") == "true"

	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	q, err := h.svc.Get(c.Request().Context(), id)
	if errors.Is(err, ErrQueryNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "query not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, q)
}

// Create raises a manual query. An open query on the same data point is
// returned with 200 instead of creating a second one.
func (h *Handler) Create(c echo.Context) error {
	var req ManualRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(&req); err != nil {
			return err
		}
	}
	ctx := c.Request().Context()
	res, err := h.svc.CreateOrReuse(ctx, CreateRequest{
		DataPoint: DataPoint{
			ItemDataID:     req.ItemDataID,
			EventCRFID:     req.EventCRFID,
			StudySubjectID: req.StudySubjectID,
			FieldPath:      req.FieldPath,
		},
		CRFID:            req.CRFID,
		StudyID:          req.StudyID,
		Severity:         "error",
		Type:             TypeQuery,
		Description:      req.Description,
		DetailedNotes:    req.DetailedNotes,
		ReporterID:       auth.AccountIDFromContext(ctx),
		AssigneeOverride: req.AssignedUserID,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if res.Created {
		return c.JSON(http.StatusCreated, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Transition(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(&req); err != nil {
			return err
		}
	}
	ctx := c.Request().Context()
	q, err := h.svc.Transition(ctx, id, req.Status, req.Note, auth.AccountIDFromContext(ctx))
	switch {
	case errors.Is(err, ErrQueryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "query not found")
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, q)
}

func queryInt(c echo.Context, name string) (*int, error) {
	s := c.QueryParam(name)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &n, nil
}
