package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"thrilha/board-api/service"
	"thrilha/domain"
)

func listBirthdays(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := svc.ListBirthdays(c.Request().Context(), identity(c).UserID)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, nonNil(list))
	}
}

func createBirthday(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var in domain.NewBirthday
		if err := decode(c, &in); err != nil {
			return writeError(c, logger, err)
		}
		b, err := svc.CreateBirthday(c.Request().Context(), identity(c).UserID, in)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusCreated, b)
	}
}

func updateBirthday(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var patch domain.BirthdayPatch
		if err := decode(c, &patch); err != nil {
			return writeError(c, logger, err)
		}
		b, err := svc.UpdateBirthday(c.Request().Context(), identity(c).UserID, c.Param("id"), patch)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, b)
	}
}

func deleteBirthday(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := svc.DeleteBirthday(c.Request().Context(), identity(c).UserID, c.Param("id")); err != nil {
			return writeError(c, logger, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
