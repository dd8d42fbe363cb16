package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"thrilha/board-api/service"
	"thrilha/domain"
)

func listBoards(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		boards, err := svc.ListBoards(c.Request().Context(), identity(c).UserID)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, nonNil(boards))
	}
}

func createBoard(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var in domain.NewBoard
		if err := decode(c, &in); err != nil {
			return writeError(c, logger, err)
		}
		b, err := svc.CreateBoard(c.Request().Context(), identity(c).UserID, in)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusCreated, b)
	}
}

func getBoard(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		b, err := svc.GetBoard(c.Request().Context(), identity(c).UserID, c.Param("id"))
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, b)
	}
}

func updateBoard(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var patch domain.BoardPatch
		if err := decode(c, &patch); err != nil {
			return writeError(c, logger, err)
		}
		b, err := svc.UpdateBoard(c.Request().Context(), identity(c).UserID, c.Param("id"), patch)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, b)
	}
}

func deleteBoard(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := svc.DeleteBoard(c.Request().Context(), identity(c).UserID, c.Param("id")); err != nil {
			return writeError(c, logger, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func boardActivity(svc *service.Service, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, err := queryInt(c, "limit")
		if err != nil {
			return writeError(c, logger, err)
		}
		items, err := svc.BoardActivity(c.Request().Context(), identity(c).UserID, c.Param("id"), limit)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, items)
	}
}
