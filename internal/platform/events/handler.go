package events

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/mpi/pkg/pagination"
)

// Handler exposes the webhook endpoint management API. Registration returns
// the shared secret once; it is never readable afterwards.
type Handler struct {
	publisher *WebhookPublisher
	store     EndpointStore
}

func NewHandler(publisher *WebhookPublisher, store EndpointStore) *Handler {
	return &Handler{publisher: publisher, store: store}
}

func (h *Handler) RegisterRoutes(admin *echo.Group) {
	admin.POST("/events/endpoints", h.CreateEndpoint)
	admin.GET("/events/endpoints", h.ListEndpoints)
	admin.GET("/events/endpoints/:id", h.GetEndpoint)
	admin.DELETE("/events/endpoints/:id", h.DeleteEndpoint)
	admin.POST("/events/endpoints/:id/pause", h.PauseEndpoint)
	admin.POST("/events/endpoints/:id/resume", h.ResumeEndpoint)
	admin.POST("/events/endpoints/:id/test", h.TestEndpoint)
	admin.GET("/events/endpoints/:id/deliveries", h.ListDeliveries)
}

type createEndpointRequest struct {
	URL        string   `json:"url"`
	Secret     string   `json:"secret,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

type createEndpointResponse struct {
	*Endpoint
	Secret string `json:"secret"`
}

func (h *Handler) CreateEndpoint(c echo.Context) error {
	var req createEndpointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ep, err := h.publisher.RegisterEndpoint(c.Request().Context(), req.URL, req.Secret, req.EventTypes)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, createEndpointResponse{Endpoint: ep, Secret: ep.Secret})
}

func (h *Handler) ListEndpoints(c echo.Context) error {
	pg := pagination.FromContext(c)
	endpoints, total, err := h.store.ListEndpoints(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(endpoints, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetEndpoint(c echo.Context) error {
	ep, err := h.store.GetEndpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) DeleteEndpoint(c echo.Context) error {
	if err := h.store.DeleteEndpoint(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PauseEndpoint(c echo.Context) error {
	if err := h.publisher.PauseEndpoint(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ResumeEndpoint(c echo.Context) error {
	if err := h.publisher.ResumeEndpoint(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) TestEndpoint(c echo.Context) error {
	attempt, err := h.publisher.TestEndpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, attempt)
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	pg := pagination.FromContext(c)
	attempts, total, err := h.publisher.Deliveries(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(attempts, total, pg.Limit, pg.Offset))
}
