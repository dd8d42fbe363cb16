package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"thrilha/board-api/service"
	"thrilha/domain"
)

func getProfile(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := svc.Profile(c.Request().Context(), identity(c))
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, p)
	}
}

func putProfile(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var upd domain.ProfileUpdate
		if err := decode(c, &upd); err != nil {
			return writeError(c, logger, err)
		}
		p, err := svc.UpdateProfile(c.Request().Context(), identity(c), upd)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, p)
	}
}

func postAvatar(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		up, err := readUpload(c)
		if err != nil {
			return writeError(c, logger, err)
		}
		p, err := svc.SetAvatar(c.Request().Context(), identity(c), up.name, up.contentType, up.data)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, p)
	}
}
