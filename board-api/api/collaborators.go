package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"thrilha/board-api/service"
	"thrilha/domain"
)

func listBoardCollaborators(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := svc.ListBoardCollaborators(c.Request().Context(), identity(c).UserID, c.Param("id"))
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, nonNil(list))
	}
}

func addBoardCollaborator(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var in domain.InviteCollaborator
		if err := decode(c, &in); err != nil {
			return writeError(c, logger, err)
		}
		collab, err := svc.AddBoardCollaborator(c.Request().Context(), identity(c).UserID, c.Param("id"), in)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusCreated, collab)
	}
}

func removeBoardCollaborator(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := svc.RemoveBoardCollaborator(c.Request().Context(), identity(c).UserID, c.Param("id"), c.Param("userId")); err != nil {
			return writeError(c, logger, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func listTaskCollaborators(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := svc.ListTaskCollaborators(c.Request().Context(), identity(c).UserID, c.Param("id"))
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, nonNil(list))
	}
}

func addTaskCollaborator(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var in domain.InviteCollaborator
		if err := decode(c, &in); err != nil {
			return writeError(c, logger, err)
		}
		collab, err := svc.AddTaskCollaborator(c.Request().Context(), identity(c).UserID, c.Param("id"), in)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusCreated, collab)
	}
}

func removeTaskCollaborator(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := svc.RemoveTaskCollaborator(c.Request().Context(), identity(c).UserID, c.Param("id"), c.Param("userId")); err != nil {
			return writeError(c, logger, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
