package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-search/internal/inference"
)

func (c *Controller) initInferenceRoutes() {
	g := c.Group.Group("/inference")
	g.POST("", c.StartInference)
	g.GET("/:id", c.GetInference)
	g.POST("/:id/cancel", c.CancelInference)
	g.GET("/:id/predictions", c.ListPredictions)
	g.POST("/:id/predictions/review", c.BulkReview)
	g.POST("/:id/predictions/:pid/review", c.ReviewPrediction)
	g.GET("/:id/export", c.ExportInference)
}

// StartInference handles POST /api/v2/inference. The batch is scored in the
// background; poll GET /inference/:id for progress.
func (c *Controller) StartInference(ctx echo.Context) error {
	var req inference.StartRequest
	if err := bind(ctx, &req); err != nil {
		return c.HandleError(ctx, err)
	}
	view, err := c.Inference.Start(ctx.Request().Context(), &req)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusAccepted, view)
}

func (c *Controller) GetInference(ctx echo.Context) error {
	id, err := uintParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	view, err := c.Inference.Get(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, view)
}

// CancelInference requests cancellation. The batch stops after its current
// chunk; the response reflects the state at the time of the request.
func (c *Controller) CancelInference(ctx echo.Context) error {
	id, err := uintParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	view, err := c.Inference.Cancel(ctx.Request().Context(), id)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusAccepted, view)
}

// ListPredictions handles GET /api/v2/inference/:id/predictions
func (c *Controller) ListPredictions(ctx echo.Context) error {
	id, err := uintParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	var q inference.PredictionQuery
	if err := bindQuery(ctx, &q); err != nil {
		return c.HandleError(ctx, err)
	}
	page, err := c.Inference.Predictions(ctx.Request().Context(), id, q)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, page)
}

func (c *Controller) ReviewPrediction(ctx echo.Context) error {
	id, err := uintParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	pid, err := uintParam(ctx, "pid")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	var req inference.ReviewRequest
	if err := bind(ctx, &req); err != nil {
		return c.HandleError(ctx, err)
	}
	view, err := c.Inference.Review(ctx.Request().Context(), id, pid, &req)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, view)
}

// BulkReview applies one review status to many predictions of a batch.
func (c *Controller) BulkReview(ctx echo.Context) error {
	id, err := uintParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	var req inference.BulkReviewRequest
	if err := bind(ctx, &req); err != nil {
		return c.HandleError(ctx, err)
	}
	res, err := c.Inference.BulkReview(ctx.Request().Context(), id, &req)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, res)
}

// ExportInference handles GET /api/v2/inference/:id/export?confirmed_only=true
func (c *Controller) ExportInference(ctx echo.Context) error {
	id, err := uintParam(ctx, "id")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	var q struct {
		ConfirmedOnly bool `query:"confirmed_only"`
	}
	if err := bindQuery(ctx, &q); err != nil {
		return c.HandleError(ctx, err)
	}
	export, err := c.Inference.Export(ctx.Request().Context(), id, q.ConfirmedOnly)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, export)
}
