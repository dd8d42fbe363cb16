package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"thrilha/board-api/service"
)

// getCalendar defaults to the 42 day grid starting today when no range is
// given.
func getCalendar(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		from, hasFrom, err := queryTime(c, "from")
		if err != nil {
			return writeError(c, logger, err)
		}
		to, hasTo, err := queryTime(c, "to")
		if err != nil {
			return writeError(c, logger, err)
		}
		if !hasFrom {
			from = time.Now().UTC().Truncate(24 * time.Hour)
		}
		if !hasTo {
			to = from.AddDate(0, 0, 42)
		}
		cal, err := svc.Calendar(c.Request().Context(), identity(c).UserID, from, to)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, cal)
	}
}

func searchTasks(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, err := queryInt(c, "limit")
		if err != nil {
			return writeError(c, logger, err)
		}
		hits, err := svc.SearchTasks(c.Request().Context(), identity(c).UserID, c.QueryParam("q"), limit)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, nonNil(hits))
	}
}
