package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-search/internal/labeling"
	"github.com/tphakala/birdnet-search/internal/sampler"
	"github.com/tphakala/birdnet-search/internal/search"
)

func (c *Controller) initSessionRoutes() {
	g := c.Group.Group("/sessions")
	g.POST("", c.CreateSession)
	g.GET("/:id", c.GetSession)
	g.GET("/:id/results", c.GetResults)
	g.GET("/:id/progress", c.GetProgress)
	g.POST("/:id/iterations", c.StartIteration)
	g.GET("/:id/iterations/:iteration", c.GetIteration)
	g.POST("/:id/labels", c.LabelCandidate)
	g.POST("/:id/labels/bulk", c.BulkLabel)
	g.POST("/:id/curate", c.Curate)
	g.POST("/:id/complete", c.CompleteSession)
	g.POST("/:id/reconcile", c.ReconcileSession)
	g.GET("/:id/export", c.ExportSession)
}

// CreateSession handles POST /api/v2/sessions. The response carries the
// bootstrap candidates' counts; the session is ready for labeling.
func (c *Controller) CreateSession(ctx echo.Context) error {
	var req search.CreateSessionRequest
	if err := bind(ctx, &req); err != nil {
		return c.HandleError(ctx, err)
	}
	view, err := c.Search.CreateSession(ctx.Request().Context(), &req)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusCreated, view)
}

func (c *Controller) GetSession(ctx echo.Context) error {
	view, err := c.Search.GetSession(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, view)
}

// GetResults handles GET /api/v2/sessions/:id/results
func (c *Controller) GetResults(ctx echo.Context) error {
	var q search.ResultsQuery
	if err := bindQuery(ctx, &q); err != nil {
		return c.HandleError(ctx, err)
	}
	page, err := c.Search.Results(ctx.Request().Context(), ctx.Param("id"), q)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, page)
}

func (c *Controller) GetProgress(ctx echo.Context) error {
	progress, err := c.Search.Progress(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, progress)
}

// StartIteration handles POST /api/v2/sessions/:id/iterations. A new
// iteration answers 202 and runs in the background; repeating a finished
// request answers 200 with the stored iteration.
func (c *Controller) StartIteration(ctx echo.Context) error {
	var req sampler.IterationRequest
	if err := bind(ctx, &req); err != nil {
		return c.HandleError(ctx, err)
	}
	view, err := c.Search.StartIteration(ctx.Request().Context(), ctx.Param("id"), req)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	if view.Reused {
		return ctx.JSON(http.StatusOK, view)
	}
	return ctx.JSON(http.StatusAccepted, view)
}

func (c *Controller) GetIteration(ctx echo.Context) error {
	iteration, err := intParam(ctx, "iteration")
	if err != nil {
		return c.HandleError(ctx, err)
	}
	view, err := c.Search.GetIteration(ctx.Request().Context(), ctx.Param("id"), iteration, false)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, view)
}

// labelRequest labels one candidate.
type labelRequest struct {
	CandidateID uint `json:"candidate_id" validate:"required"`
	labeling.LabelData
}

// LabelCandidate handles POST /api/v2/sessions/:id/labels
func (c *Controller) LabelCandidate(ctx echo.Context) error {
	var req labelRequest
	if err := bind(ctx, &req); err != nil {
		return c.HandleError(ctx, err)
	}
	res, err := c.Search.Label(ctx.Request().Context(), ctx.Param("id"), req.CandidateID, req.LabelData)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, res)
}

// BulkLabel handles POST /api/v2/sessions/:id/labels/bulk
func (c *Controller) BulkLabel(ctx echo.Context) error {
	var req search.BulkLabelRequest
	if err := bind(ctx, &req); err != nil {
		return c.HandleError(ctx, err)
	}
	res, err := c.Search.BulkLabel(ctx.Request().Context(), ctx.Param("id"), &req)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, res)
}

// Curate handles POST /api/v2/sessions/:id/curate
func (c *Controller) Curate(ctx echo.Context) error {
	var req search.CurateRequest
	if err := bind(ctx, &req); err != nil {
		return c.HandleError(ctx, err)
	}
	res, err := c.Search.Curate(ctx.Request().Context(), ctx.Param("id"), &req)
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, res)
}

func (c *Controller) CompleteSession(ctx echo.Context) error {
	view, err := c.Search.Complete(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, view)
}

// ReconcileSession handles POST /api/v2/sessions/:id/reconcile and reports
// counter drift, repairing it in place.
func (c *Controller) ReconcileSession(ctx echo.Context) error {
	report, err := c.Search.Reconcile(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, report)
}

func (c *Controller) ExportSession(ctx echo.Context) error {
	export, err := c.Search.Export(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, export)
}
