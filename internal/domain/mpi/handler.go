package mpi

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/mpi/internal/platform/auth"
	"github.com/ehr/mpi/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar"))
	read.GET("/mpi/identities", h.ListIdentities)
	read.GET("/mpi/identities/:id", h.GetIdentity)
	read.GET("/mpi/identities/number/:number", h.GetIdentityByNumber)
	read.GET("/mpi/identities/patient/:patientId", h.GetIdentityByPatient)
	read.GET("/mpi/identities/alias", h.ResolveAlias)
	read.GET("/mpi/identities/:id/merges", h.ListMergesForIdentity)
	read.GET("/mpi/merges", h.ListMerges)
	read.GET("/mpi/merges/:id", h.GetMerge)

	write := api.Group("", auth.RequireRole("admin", "registrar"))
	write.POST("/mpi/identities/link", h.LinkIdentity)
	write.POST("/mpi/identities/:id/aliases", h.AddAlias)
	write.DELETE("/mpi/identities/:id/aliases/:aliasId", h.RemoveAlias)

	merge := api.Group("", auth.RequireRole("admin"))
	merge.POST("/mpi/identities/:id/merge", h.MergeIdentities)
}

// httpError translates engine error kinds to transport status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrBusinessRule):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func requestActor(c echo.Context) Actor {
	a := auth.ActorFromContext(c.Request().Context())
	return Actor{
		UserID:               a.UserID,
		OrganizationID:       a.OrganizationID,
		HospitalID:           a.HospitalID,
		DepartmentID:         a.DepartmentID,
		PermittedDepartments: a.PermittedDepartments,
	}
}

func (h *Handler) LinkIdentity(c echo.Context) error {
	var req LinkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Actor = requestActor(c)

	identity, err := h.svc.LinkIdentity(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, identity)
}

func (h *Handler) GetIdentity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	identity, err := h.svc.GetIdentity(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, identity)
}

func (h *Handler) GetIdentityByNumber(c echo.Context) error {
	identity, err := h.svc.GetIdentityByNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, identity)
}

func (h *Handler) GetIdentityByPatient(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	identity, err := h.svc.FindByPatientID(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	if identity == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no identity linked to patient")
	}
	return c.JSON(http.StatusOK, identity)
}

func (h *Handler) ResolveAlias(c echo.Context) error {
	aliasType := AliasType(c.QueryParam("type"))
	value := c.QueryParam("value")

	identity, err := h.svc.FindByAlias(c.Request().Context(), aliasType, value)
	if err != nil {
		return httpError(err)
	}
	if identity == nil {
		return echo.NewHTTPError(http.StatusNotFound, "alias not found")
	}
	return c.JSON(http.StatusOK, identity)
}

func (h *Handler) ListIdentities(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListIdentities(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) AddAlias(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req AliasRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Actor = requestActor(c)

	alias, err := h.svc.AddAlias(c.Request().Context(), id, &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, alias)
}

func (h *Handler) RemoveAlias(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	aliasID, err := uuid.Parse(c.Param("aliasId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid alias id")
	}
	if _, err := h.svc.RemoveAlias(c.Request().Context(), id, aliasID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) MergeIdentities(c echo.Context) error {
	primaryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req MergeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Actor = requestActor(c)

	merge, err := h.svc.MergeIdentities(c.Request().Context(), primaryID, &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, merge)
}

func (h *Handler) GetMerge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	merge, err := h.svc.GetMergeEvent(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, merge)
}

func (h *Handler) ListMerges(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMergeEvents(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListMergesForIdentity(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMergesForIdentity(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
