package validation

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
	read := api.Group("/validation-rules", auth.RequireRole(auth.RoleDataManager, auth.RoleMonitor, auth.RoleCoordinator, auth.RoleInvestigator))
	read.GET("/forms/:crfId", h.ListForForm)
	read.GET("/studies/:studyId", h.ListForStudy)
	read.GET("/:id", h.Get)
	read.POST("/validate/:crfId", h.Validate)
	read.POST("/validate-field", h.ValidateField)

	write := api.Group("/validation-rules", auth.RequireRole(auth.RoleDataManager))
	write.POST("", h.Create)
	write.POST("/test", h.Test)
	write.PUT("/:id", h.Update)
	write.PATCH("/:id/toggle", h.Toggle)
	write.DELETE("/:id", h.Delete)

	api.GET("/validation-formats", h.Formats)
}

func ruleError(err error) error {
	switch {
	case errors.Is(err, ErrRuleNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "validation rule not found")
	case errors.Is(err, ErrFormOutOfScope):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidRule):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func pathInt(c echo.Context, name string) (int, error) {
	n, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return n, nil
}

func bindAndValidate(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if c.Echo().Validator != nil {
		if err := c.Validate(v); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) ListForForm(c echo.Context) error {
	crfID, err := pathInt(c, "crfId")
	if err != nil {
		return err
	}
	rules, err := h.svc.ListRulesForForm(c.Request().Context(), crfID)
	if err != nil {
		return ruleError(err)
	}
	return c.JSON(http.StatusOK, rules)
}

func (h *Handler) ListForStudy(c echo.Context) error {
	studyID, err := pathInt(c, "studyId")
	if err != nil {
		return err
	}
	out, err := h.svc.ListRulesForStudy(c.Request().Context(), studyID)
	if err != nil {
		return ruleError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := pathInt(c, "id")
	if err != nil {
		return err
	}
	r, err := h.svc.GetRule(c.Request().Context(), id)
	if err != nil {
		return ruleError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Create(c echo.Context) error {
	var in RuleInput
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	r, err := h.svc.CreateRule(ctx, in, auth.AccountIDFromContext(ctx))
	if err != nil {
		return ruleError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := pathInt(c, "id")
	if err != nil {
		return err
	}
	var in RuleInput
	if err := bindAndValidate(c, &in); err != nil {
		return err
	}
	ctx := c.Request().Context()
	r, err := h.svc.UpdateRule(ctx, id, in, auth.AccountIDFromContext(ctx))
	if err != nil {
		return ruleError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// Toggle flips the active flag. A body of {"active": bool} sets it instead.
func (h *Handler) Toggle(c echo.Context) error {
	id, err := pathInt(c, "id")
	if err != nil {
		return err
	}
	var body struct {
		Active *bool `json:"active"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	r, err := h.svc.ToggleRule(ctx, id, body.Active, auth.AccountIDFromContext(ctx))
	if err != nil {
		return ruleError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := pathInt(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeleteRule(ctx, id, auth.AccountIDFromContext(ctx)); err != nil {
		return ruleError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Validate(c echo.Context) error {
	crfID, err := pathInt(c, "crfId")
	if err != nil {
		return err
	}
	var req ValidateRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	req.CRFID = crfID
	res, err := h.svc.ValidateFormData(c.Request().Context(), req)
	if err != nil {
		return ruleError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ValidateField(c echo.Context) error {
	var req FieldChangeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	res, err := h.svc.ValidateFieldChange(c.Request().Context(), req)
	if err != nil {
		return ruleError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Test(c echo.Context) error {
	var req TestRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	res, err := h.svc.TestRule(c.Request().Context(), req)
	if err != nil {
		return ruleError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Formats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Formats())
}
