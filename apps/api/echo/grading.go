package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/bulletin/core/grading"
)

type gradeApi struct {
	svc *grading.GradeService
}

func registerGradeAPI(g *echo.Group, svc *grading.GradeService) {
	api := gradeApi{svc: svc}

	gg := g.Group("/grades")
	gg.POST("", api.create)

	// detail endpoints
	dg := gg.Group("/:id")
	dg.GET("", api.retrieve)
	dg.PUT("", api.update)
	dg.DELETE("", api.destroy)
}

// Handlers

func (api *gradeApi) create(ctx echo.Context) error {
	var data grading.NewGrade
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewGrade")
	}
	grd, err := api.svc.Create(ctx.Request().Context(), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, grd)
}

func (api *gradeApi) retrieve(ctx echo.Context) error {
	grd, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, grd)
}

func (api *gradeApi) update(ctx echo.Context) error {
	var data grading.UpdateGrade
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateGrade")
	}
	grd, err := api.svc.Update(ctx.Request().Context(), ctx.Param("id"), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, grd)
}

func (api *gradeApi) destroy(ctx echo.Context) error {
	if err := api.svc.Delete(ctx.Request().Context(), ctx.Param("id")); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

type reportCardApi struct {
	svc     *grading.Service
	trigger *grading.Trigger
	queue   LaneMonitor
}

func registerReportCardAPI(g *echo.Group, svc *grading.Service, trigger *grading.Trigger, queue LaneMonitor) {
	api := reportCardApi{
		svc:     svc,
		trigger: trigger,
		queue:   queue,
	}

	g.GET("/report-cards", api.query)
	g.GET("/report-cards/:student/:year/:section/:period", api.retrieve)
	g.POST("/recalculations", api.recalculate)
	g.GET("/queue", api.queueStatus)
}

func (api *reportCardApi) query(ctx echo.Context) error {
	filter, err := bindReportCardFilter(ctx)
	if err != nil {
		return err
	}
	var ord Ordering
	ord.Bind(ctx)

	cards, err := api.svc.QueryReportCards(ctx.Request().Context(), filter, ord.Orderings...)
	if err != nil {
		return err
	}
	if cards == nil {
		cards = []grading.ReportCard{}
	}
	return ctx.JSON(http.StatusOK, cards)
}

func (api *reportCardApi) retrieve(ctx echo.Context) error {
	period, err := parsePeriodParam("period", ctx.Param("period"))
	if err != nil {
		return err
	}
	card, err := api.svc.GetReportCard(ctx.Request().Context(), grading.Scope{
		StudentID:    ctx.Param("student"),
		SchoolYearID: ctx.Param("year"),
		SectionID:    ctx.Param("section"),
		Period:       period,
	})
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, card)
}

// recalculate schedules the average computation of every graded scope matching the filter.
// Averages are computed asynchronously: poll the report cards to see the results.
func (api *reportCardApi) recalculate(ctx echo.Context) error {
	var filter grading.RecalcFilter
	if err := ctx.Bind(&filter); err != nil {
		return errors.Wrap(err, "binding to RecalcFilter")
	}
	n, err := api.trigger.Recalculate(ctx.Request().Context(), filter)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusAccepted, echo.Map{"scheduled": n})
}

func (api *reportCardApi) queueStatus(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, echo.Map{
		"lane":    api.queue.Lane(),
		"pending": api.queue.Pending(),
	})
}
