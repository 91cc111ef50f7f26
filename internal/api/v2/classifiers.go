package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-search/internal/training"
)

func (c *Controller) initClassifierRoutes() {
	g := c.Group.Group("/classifiers")
	g.POST("", c.TrainClassifier)
	g.GET("", c.ListClassifiers)
	g.GET("/:id", c.GetClassifier)
	g.POST("/:id/deploy", c.DeployClassifier)
	g.POST("/:id/archive", c.ArchiveClassifier)
}

// TrainClassifier handles POST /api/v2/classifiers. The training set is
// validated synchronously; fitting runs in the background and the draft
// model is returned with 202.
func (c *Controller) TrainClassifier(ctx echo.Context) error {
	var req training.TrainRequest
	if err := bind(ctx, &req); err != nil {
		return c.HandleError(ctx, err)
	}
	view, err := c.Trainer.Start(ctx.Request().Context(), &req)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusAccepted, view)
}

// ListClassifiers handles GET /api/v2/classifiers?session_id=&category_id=&status=
func (c *Controller) ListClassifiers(ctx echo.Context) error {
	var q training.ListQuery
	if err := bindQuery(ctx, &q); err != nil {
		return c.HandleError(ctx, err)
	}
	page, err := c.Trainer.List(ctx.Request().Context(), q)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, page)
}

func (c *Controller) GetClassifier(ctx echo.Context) error {
	id, err := uintParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	view, err := c.Trainer.Get(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, view)
}

// DeployClassifier makes the model the active version of its category.
func (c *Controller) DeployClassifier(ctx echo.Context) error {
	id, err := uintParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	view, err := c.Trainer.Deploy(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, view)
}

func (c *Controller) ArchiveClassifier(ctx echo.Context) error {
	id, err := uintParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	view, err := c.Trainer.Archive(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, view)
}
