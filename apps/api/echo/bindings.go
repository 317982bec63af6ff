package echoapi

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/bulletin/core"
	"github.com/trezcool/bulletin/core/grading"
)

var orderingParam = "ordering"

type Ordering struct {
	Orderings []core.DBOrdering
}

func (ord *Ordering) Bind(ctx echo.Context) {
	data := ctx.QueryParams()
	if len(data) == 0 {
		return
	}
	val, ok := data[orderingParam]
	if !ok || len(val) == 0 || val[0] == "" {
		return
	}

	for _, field := range strings.Split(val[0], ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		descending := strings.HasPrefix(field, "-")
		if descending {
			field = field[1:] // drop "-"
		}
		ord.Orderings = append(ord.Orderings, core.DBOrdering{Field: field, Ascending: !descending})
	}
}

func parsePeriodParam(field, val string) (grading.Period, error) {
	p, err := grading.ParsePeriod(val)
	if err != nil {
		return 0, core.NewValidationError(err, core.FieldError{Field: field, Error: errors.Cause(err).Error()})
	}
	return p, nil
}

// bindReportCardFilter reads a grading.ReportCardFilter from the query string.
// period accepts "annual" next to period numbers.
func bindReportCardFilter(ctx echo.Context) (grading.ReportCardFilter, error) {
	filter := grading.ReportCardFilter{
		StudentID:    ctx.QueryParam("student_id"),
		SchoolYearID: ctx.QueryParam("school_year_id"),
		SectionID:    ctx.QueryParam("section_id"),
	}
	if val := ctx.QueryParam("period"); val != "" {
		p, err := parsePeriodParam("period", val)
		if err != nil {
			return filter, err
		}
		filter.Period = &p
	}
	return filter, nil
}
