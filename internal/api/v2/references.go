package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-search/internal/search"
)

func (c *Controller) initReferenceRoutes() {
	g := c.Group.Group("/references")
	g.POST("", c.CreateReference)
	g.GET("/:id", c.GetReference)
}

// CreateReference handles POST /api/v2/references, storing an externally
// sourced example that sessions can attach by id.
func (c *Controller) CreateReference(ctx echo.Context) error {
	var req search.CreateReferenceRequest
	if err := bind(ctx, &req); err != nil {
		return c.HandleError(ctx, err)
	}
	view, err := c.Search.CreateReference(ctx.Request().Context(), &req)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, view)
}

func (c *Controller) GetReference(ctx echo.Context) error {
	view, err := c.Search.GetReference(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, view)
}
