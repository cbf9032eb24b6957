package swcache

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ControlPrefix is where the control surface is mounted. Everything else is
// an intercepted fetch.
const ControlPrefix = "/__sw"

// maxControlBody bounds control request bodies (push payloads are small).
const maxControlBody = 64 << 10

// Handler returns the full HTTP surface: control routes, metrics and the
// fetch interceptor as catch-all.
func (s *Service) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	g := e.Group(ControlPrefix)
	g.GET("/status", s.handleStatus)
	g.POST("/register", s.handleRegister)
	g.POST("/message", s.handleMessage)
	g.POST("/push", s.handlePush)
	g.POST("/notificationclick", s.handleNotificationClick)
	g.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	e.Any("/*", echo.WrapHandler(s))
	return e
}

func (s *Service) handleStatus(c echo.Context) error {
	st, err := s.Status()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Service) handleRegister(c echo.Context) error {
	w, err := s.Register(c.Request().Context(), s.Config())
	switch {
	case errors.Is(err, ErrInstallFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, ErrRedundant):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, infoOf(w))
}

func (s *Service) handleMessage(c echo.Context) error {
	var m Message
	if err := c.Bind(&m); err != nil {
		return err
	}
	err := s.HandleMessage(m)
	switch {
	case errors.Is(err, ErrUnknownMessage):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoWaitingWorker):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, infoOf(s.Active()))
}

func (s *Service) handlePush(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxControlBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, err := s.HandlePush(c.Request().Context(), raw)
	switch {
	case errors.Is(err, ErrNoActiveWorker):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusAccepted, n)
}

func (s *Service) handleNotificationClick(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxControlBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := s.HandleNotificationClick(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}
