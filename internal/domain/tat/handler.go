package tat

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/runs/last", h.GetLastRun)
	g.POST("/runs", h.TriggerRun)
}

func (h *Handler) GetLastRun(c echo.Context) error {
	last := h.svc.LastRun()
	if last == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no run has completed yet")
	}
	return c.JSON(http.StatusOK, last)
}

// TriggerRun starts a full pipeline run in the background. The run slot is
// claimed before responding, so 202 always means this request's run started.
func (h *Handler) TriggerRun(c echo.Context) error {
	ctx := context.WithoutCancel(c.Request().Context())
	err := h.svc.Start(ctx, func(_ *RunSummary, err error) {
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("triggered run failed")
		}
	})
	if errors.Is(err, ErrRunInProgress) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}
