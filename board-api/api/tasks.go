package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/volatiletech/null/v8"

	"thrilha/board-api/service"
	"thrilha/domain"
	"thrilha/storage"
)

// listTasks is the hottest read path and reports per-request metrics.
func listTasks(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newTaskRequestMetrics(c.Request().Context(), logger)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()
		metrics.ObserveAuth(authDuration(c))

		filter, ferr := taskFilter(c)
		if ferr != nil {
			metrics.SetErrorStage("invalid_filter")
			return writeError(c, logger, ferr)
		}
		metrics.SetFiltered(filter.Status != "" || filter.DueFrom.Valid || filter.DueTo.Valid)

		fetchStart := time.Now()
		tasks, fetchErr := svc.ListTasks(ctx, identity(c).UserID, c.Param("id"), filter)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			if statusFor(fetchErr) == http.StatusInternalServerError {
				err = fetchErr
			}
			return writeError(c, logger, fetchErr)
		}
		metrics.SetTasksReturned(len(tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, nonNil(tasks))
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func taskFilter(c echo.Context) (storage.TaskFilter, error) {
	f := storage.TaskFilter{Status: domain.TaskStatus(c.QueryParam("status"))}
	from, ok, err := queryTime(c, "dueFrom")
	if err != nil {
		return f, err
	}
	if ok {
		f.DueFrom = null.TimeFrom(from)
	}
	to, ok, err := queryTime(c, "dueTo")
	if err != nil {
		return f, err
	}
	if ok {
		f.DueTo = null.TimeFrom(to)
	}
	return f, nil
}

func createTask(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var in domain.NewTask
		if err := decode(c, &in); err != nil {
			return writeError(c, logger, err)
		}
		t, err := svc.CreateTask(c.Request().Context(), identity(c).UserID, c.Param("id"), in)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusCreated, t)
	}
}

func listSharedTasks(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tasks, err := svc.ListSharedTasks(c.Request().Context(), identity(c).UserID)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, nonNil(tasks))
	}
}

func getTask(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		t, err := svc.GetTask(c.Request().Context(), identity(c).UserID, c.Param("id"))
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

func updateTask(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var patch domain.TaskPatch
		if err := decode(c, &patch); err != nil {
			return writeError(c, logger, err)
		}
		t, err := svc.UpdateTask(c.Request().Context(), identity(c).UserID, c.Param("id"), patch)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

func moveTask(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var move domain.TaskMove
		if err := decode(c, &move); err != nil {
			return writeError(c, logger, err)
		}
		t, err := svc.MoveTask(c.Request().Context(), identity(c).UserID, c.Param("id"), move)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, t)
	}
}

func deleteTask(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := svc.DeleteTask(c.Request().Context(), identity(c).UserID, c.Param("id")); err != nil {
			return writeError(c, logger, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
